// Package testdoubles provides spy implementations of the versionstore
// observability interfaces, capturing logging, metrics, and tracing calls
// for inspection in tests.
package testdoubles
