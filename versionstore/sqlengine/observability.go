package sqlengine

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/objectstream/reactive-versionstore-go/versionstore"

	"github.com/objectstream/reactive-versionstore-go/versionstore/sqlengine/internal/adapters"
)

const (
	logMsgSchemaFailed           = "failed to create schema"
	logMsgBuildSelectQueryFailed = "failed to build select query"
	logMsgDBQueryFailed          = "database query execution failed"
	logMsgDBExecFailed           = "database execution failed"
	logMsgScanRowFailed          = "failed to scan database row"
	logMsgRowsAffectedFailed     = "failed to get rows affected count"
	logMsgCloseRowsFailed        = "failed to close database rows"
	logMsgRollbackFailed         = "failed to clean up a partial commit"
	logMsgCommitted              = "mutations committed"
	logMsgPruned                 = "history pruned"
	logMsgSQLExecuted            = "executed sql for: "
	logMsgOperation              = "versionstore engine operation: "

	logAttrError         = "error"
	logAttrQuery         = "query"
	logAttrVersion       = "version"
	logAttrMutationCount = "mutation_count"
	logAttrDurationMS    = "duration_ms"

	logActionQuery = "query"
	logActionExec  = "exec"
)

const (
	metricCommitDuration = "sqlengine_commit_duration"
	metricQueryDuration  = "sqlengine_query_duration"

	spanNameCommit = "sqlengine.commit"

	spanAttrVersion       = "version"
	spanAttrMutationCount = "mutation_count"
	spanStatusOK          = "ok"
	spanStatusError       = "error"
)

// logQueryWithDuration logs SQL queries with execution time at debug level
// if the logger is configured.
func (e *Engine) logQueryWithDuration(sqlQuery string, action string, duration time.Duration) {
	if e.logger != nil {
		e.logger.Debug(logMsgSQLExecuted+action,
			logAttrDurationMS, e.toMilliseconds(duration), logAttrQuery, sqlQuery)
	}
}

// logOperation logs operational information at info level if the logger is
// configured.
func (e *Engine) logOperation(action string, args ...any) {
	if e.logger != nil {
		e.logger.Info(logMsgOperation+action, args...)
	}
}

// logError logs error information at the error level if the logger is
// configured.
func (e *Engine) logError(message string, err error, args ...any) {
	if e.logger != nil {
		allArgs := []any{logAttrError, err.Error()}
		allArgs = append(allArgs, args...)
		e.logger.Error(message, allArgs...)
	}
}

func (e *Engine) logWarn(message string, args ...any) {
	if e.logger != nil {
		e.logger.Warn(message, args...)
	}
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3
// decimal places.
func (e *Engine) toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

func (e *Engine) recordDuration(metric string, duration time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordDuration(metric, duration, nil)
	}
}

// startCommitSpan starts a tracing span for one Apply if the tracing
// collector is configured.
func (e *Engine) startCommitSpan(ctx context.Context, mutationCount int) (context.Context, versionstore.SpanContext) {
	if e.tracing == nil {
		return ctx, nil
	}

	return e.tracing.StartSpan(ctx, spanNameCommit, map[string]string{
		spanAttrMutationCount: strconv.Itoa(mutationCount),
	})
}

func (e *Engine) finishCommitSpan(span versionstore.SpanContext, status string, attrs map[string]string) {
	if e.tracing == nil || span == nil {
		return
	}

	e.tracing.FinishSpan(span, status, attrs)
}

// closeRows safely closes database rows and logs any errors.
func (e *Engine) closeRows(rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		e.logWarn(logMsgCloseRowsFailed, logAttrError, closeErr.Error())
	}
}

