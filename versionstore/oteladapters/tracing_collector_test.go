package oteladapters_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/objectstream/reactive-versionstore-go/versionstore/oteladapters"
)

func Test_TracingCollector_StartAndFinishSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	tracer := provider.Tracer("test")

	collector := oteladapters.NewTracingCollector(tracer)

	attrs := map[string]string{
		"version":        "42",
		"mutation_count": "3",
	}

	ctx, spanCtx := collector.StartSpan(context.Background(), "versionstore.commit", attrs)
	assert.NotNil(t, ctx, "Context should not be nil")
	require.NotNil(t, spanCtx, "SpanContext should not be nil")

	collector.FinishSpan(spanCtx, "ok", map[string]string{"result": "committed"})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1, "Expected exactly one span")

	span := spans[0]
	assert.Equal(t, "versionstore.commit", span.Name)
	assertSpanHasAttribute(t, span, "version", "42")
	assertSpanHasAttribute(t, span, "mutation_count", "3")
	assertSpanHasAttribute(t, span, "result", "committed")
	assert.Equal(t, codes.Ok, span.Status.Code, "Span should have OK status")
}

func Test_TracingCollector_FinishSpan_WithErrorStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	tracer := provider.Tracer("test")

	collector := oteladapters.NewTracingCollector(tracer)

	_, spanCtx := collector.StartSpan(context.Background(), "versionstore.dispatch", nil)
	collector.FinishSpan(spanCtx, "error", map[string]string{"error": "resolve failed"})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1, "Expected exactly one span")

	span := spans[0]
	assert.Equal(t, codes.Error, span.Status.Code, "Span should have error status")
	assertSpanHasAttribute(t, span, "error", "resolve failed")
}

func Test_OTelSpanContext_SetStatusAndAddAttribute(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	tracer := provider.Tracer("test")

	collector := oteladapters.NewTracingCollector(tracer)

	_, spanCtx := collector.StartSpan(context.Background(), "versionstore.commit", nil)
	spanCtx.AddAttribute("entityKind", "task")
	spanCtx.SetStatus("ok")
	collector.FinishSpan(spanCtx, "ok", nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1, "Expected exactly one span")
	assertSpanHasAttribute(t, spans[0], "entityKind", "task")
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func assertSpanHasAttribute(t *testing.T, span tracetest.SpanStub, key string, value string) {
	t.Helper()

	for _, attr := range span.Attributes {
		if attr.Key == attribute.Key(key) && attr.Value.AsString() == value {
			return
		}
	}

	t.Fatalf("Span attribute %s=%s not found", key, value)
}
