package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecordPolicyRejection annotates span with the policy that rejected the request.
func RecordPolicyRejection(span trace.Span, policy, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("policy.name", policy),
		attribute.Bool("policy.rejected", true),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("policy.reason", reason))
	}
	span.AddEvent("policy.rejection", trace.WithAttributes(attrs...))
}

// RecordException marks span as failed with the exception code and message.
func RecordException(span trace.Span, code int, message string) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.Int("exception.code", code),
		attribute.String("exception.message", message),
	)
	span.SetStatus(codes.Error, message)
}
