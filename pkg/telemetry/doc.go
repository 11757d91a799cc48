// Package telemetry wires OpenTelemetry tracing, work outcome metrics and the
// Prometheus HTTP metrics registry for the API layer.
//
// It centralises tracer provider setup, records how each request moved through
// the controller lifecycle, and exposes span helpers that attach policy and
// exception metadata so operators can correlate rejections with alerts.
package telemetry
