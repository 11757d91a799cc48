// Package exception reports business exceptions: every reported
// domain.Exception is appended to the error log and alerted to the monitor
// webhook before Report returns.
//
// Reporting never panics and a failing sink never stops the other one; the
// caller always gets its original exception back.
package exception

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-apikit/pkg/alert"
	"github.com/polisai/polis-apikit/pkg/domain"
	"github.com/polisai/polis-apikit/pkg/logging"
	"go.opentelemetry.io/otel/trace"
)

// Sink names used in logs and metrics.
const (
	SinkErrorLog = "error_log"
	SinkAlert    = "alert"
)

// Metrics receives reporting counters. *telemetry.HTTPMetrics implements it.
type Metrics interface {
	RecordExceptionReported(code int)
	RecordReportFailure(sink string)
}

// Config wires a Reporter.
type Config struct {
	ErrorLog logging.ErrorLog
	Notifier alert.Notifier
	// Target is the webhook target identifier (robot key) for alerts.
	Target string
	// Title names the service in the alert heading.
	Title   string
	Metrics Metrics
	Logger  *slog.Logger
}

// Reporter logs and alerts exceptions.
type Reporter struct {
	errorLog logging.ErrorLog
	notifier alert.Notifier
	target   string
	title    string
	metrics  Metrics
	logger   *slog.Logger
}

// NewReporter creates a Reporter. Missing sinks are replaced with no-ops.
func NewReporter(cfg Config) *Reporter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = alert.Nop{}
	}
	return &Reporter{
		errorLog: cfg.ErrorLog,
		notifier: notifier,
		target:   cfg.Target,
		title:    cfg.Title,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// Raise creates an exception, reports it and returns it for the caller to
// propagate.
func (r *Reporter) Raise(ctx context.Context, message string, code int, info any) *domain.Exception {
	exc := domain.NewException(message, code, info)
	_ = r.Report(ctx, exc)
	return exc
}

// Report appends exc to the error log, then sends the alert. Delivery errors
// are logged, counted and returned joined. An exception is reported at most
// once; later calls are no-ops.
func (r *Reporter) Report(ctx context.Context, exc *domain.Exception) error {
	if exc == nil || exc.Reported() {
		return nil
	}
	exc.MarkReported()

	entry := logging.ErrorEntry{Code: exc.Code, Message: exc.Message, Info: exc.Info}
	if rc, ok := domain.RequestContextFrom(ctx); ok {
		entry.URL = rc.RequestURL
		entry.Params = rc.Params
	}

	var errs []error
	if err := r.appendLog(ctx, entry); err != nil {
		errs = append(errs, err)
	}
	if err := r.sendAlert(ctx, exc); err != nil {
		errs = append(errs, err)
	}

	if r.metrics != nil {
		r.metrics.RecordExceptionReported(exc.Code)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("exception.reported")
	}

	return errors.Join(errs...)
}

func (r *Reporter) appendLog(ctx context.Context, entry logging.ErrorEntry) (err error) {
	if r.errorLog == nil {
		return nil
	}
	defer r.guard(SinkErrorLog, &err)

	if err := r.errorLog.Append(ctx, entry); err != nil {
		return r.failed(ctx, SinkErrorLog, err)
	}
	return nil
}

func (r *Reporter) sendAlert(ctx context.Context, exc *domain.Exception) (err error) {
	defer r.guard(SinkAlert, &err)

	content := alert.FormatException(r.title, exc.Code, exc.Message)
	if err := r.notifier.Send(ctx, r.target, content); err != nil {
		return r.failed(ctx, SinkAlert, err)
	}
	return nil
}

func (r *Reporter) failed(ctx context.Context, sink string, err error) error {
	r.logger.ErrorContext(ctx, "exception report delivery failed", "sink", sink, "error", err)
	if r.metrics != nil {
		r.metrics.RecordReportFailure(sink)
	}
	return fmt.Errorf("%s: %w", sink, err)
}

// guard converts a panicking sink into an error.
func (r *Reporter) guard(sink string, err *error) {
	if p := recover(); p != nil {
		*err = r.failed(context.Background(), sink, fmt.Errorf("panic: %v", p))
	}
}
