package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WorkOutcome names the exit a request took through the controller lifecycle.
type WorkOutcome string

// Lifecycle exits.
const (
	OutcomeAccepted         WorkOutcome = "accepted"
	OutcomeMappingFailed    WorkOutcome = "mapping_failed"
	OutcomeFieldCheckFailed WorkOutcome = "field_check_failed"
	OutcomeAuthRejected     WorkOutcome = "auth_rejected"
	OutcomePolicyRejected   WorkOutcome = "policy_rejected"
	OutcomeException        WorkOutcome = "exception"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	workOutcomeCounter   metric.Int64Counter
	workLatencyHistogram metric.Float64Histogram
)

// WorkMetrics captures the fields recorded for one controller run.
type WorkMetrics struct {
	Route    string
	Method   string
	Action   string
	Outcome  WorkOutcome
	Duration time.Duration
}

// RecordWorkOutcome emits the outcome counter and latency histogram.
func RecordWorkOutcome(ctx context.Context, m WorkMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.Route),
		attribute.String("http.method", m.Method),
		attribute.String("handler.action", m.Action),
		attribute.String("work.outcome", string(m.Outcome)),
	}

	workOutcomeCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		workLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("apikit.handler")

		workOutcomeCounter, metricsInitErr = meter.Int64Counter(
			"apikit.work.outcomes_total",
			metric.WithDescription("Controller runs partitioned by lifecycle outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		workLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"apikit.work.duration_ms",
			metric.WithDescription("Observed controller run latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
