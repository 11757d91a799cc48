package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/polisai/polis-apikit/pkg/domain"
	"github.com/polisai/polis-apikit/pkg/exception"
	"github.com/polisai/polis-apikit/pkg/request"
	"github.com/polisai/polis-apikit/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Endpoint is implemented by API endpoints. B is the request body type the
// parameters are mapped onto; it may implement binding.FieldChecker.
type Endpoint[B any] interface {
	// Config returns the endpoint's default handler configuration.
	Config() domain.HandlerConfig
	// Handle runs the endpoint once the request has been accepted. Returning
	// a *Result writes it as is; any other value becomes the data of a
	// successful result. A *domain.Exception error is reported and rendered
	// with its code.
	Handle(ctx context.Context, c *Controller, body *B) (any, error)
}

// ConfigSource supplies handler configuration overrides, usually from the
// hot-reloaded config file.
type ConfigSource interface {
	HandlerConfig(route string) (domain.HandlerConfig, bool)
}

// RejectionMetrics counts policy rejections. *telemetry.HTTPMetrics
// implements it.
type RejectionMetrics interface {
	RecordPolicyRejection(policy, route string)
}

// Options wires the collaborators shared by endpoint handlers.
type Options struct {
	// Route is the key looked up in Configs. Defaults to the request route.
	Route         string
	Configs       ConfigSource
	RequestPolicy RequestPolicy
	MethodPolicy  MethodPolicy
	Authorizer    Authorizer
	Reporter      *exception.Reporter
	Metrics       RejectionMetrics
	Logger        *slog.Logger
	// NewHelper creates the per-request Helper. Defaults to NewJSONHelper.
	NewHelper    func() Helper
	Version      string
	MaxBodyBytes int64
}

type endpointHandler[B any] struct {
	endpoint Endpoint[B]
	opts     Options
	logger   *slog.Logger
}

// New returns an http.Handler that runs the controller lifecycle for
// endpoint on every request.
func New[B any](endpoint Endpoint[B], opts Options) http.Handler {
	if endpoint == nil {
		panic("handler: endpoint is required")
	}
	if opts.RequestPolicy == nil {
		opts.RequestPolicy = AllowAll{}
	}
	if opts.MethodPolicy == nil {
		opts.MethodPolicy = AllowAll{}
	}
	if opts.Authorizer == nil {
		opts.Authorizer = AllowAll{}
	}
	if opts.NewHelper == nil {
		opts.NewHelper = NewJSONHelper
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &endpointHandler[B]{endpoint: endpoint, opts: opts, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *endpointHandler[B]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}

	reader := request.NewReader(r,
		request.WithVersion(h.opts.Version),
		request.WithMaxBodyBytes(h.opts.MaxBodyBytes),
	)
	requestID := reader.RequestID()
	rec.Header().Set(request.HeaderRequestID, requestID)

	logger := h.logger.With(
		"request_id", requestID,
		"method", r.Method,
		"route", reader.Route(),
		"remote_addr", r.RemoteAddr,
	)

	rc, err := reader.Snapshot()
	if err != nil {
		logger.Warn("failed to read request", "error", err)
		res := &Result{Code: domain.CodeAPIError, Error: domain.APIErrParamFormat.Key, Message: domain.APIErrParamFormat.Message}
		h.write(r.Context(), rec, logger, res, requestID)
		return
	}

	ctx := domain.WithRequestContext(r.Context(), rc)
	r = r.WithContext(ctx)

	c := &Controller{
		Request:       rc,
		HTTPRequest:   r,
		Reader:        reader,
		Config:        h.resolveConfig(rc.Route),
		helper:        h.opts.NewHelper(),
		requestPolicy: h.opts.RequestPolicy,
		methodPolicy:  h.opts.MethodPolicy,
		reporter:      h.opts.Reporter,
		logger:        logger,
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("apikit.request_id", requestID),
		attribute.String("apikit.action", c.Action()),
	)

	outcome := telemetry.OutcomeException
	defer func() {
		telemetry.RecordWorkOutcome(ctx, telemetry.WorkMetrics{
			Route:    rc.Route,
			Method:   rc.Method,
			Action:   c.Action(),
			Outcome:  outcome,
			Duration: time.Since(start),
		})
	}()
	defer h.recoverPanic(ctx, rec, c)

	outcome, res := h.run(ctx, c)
	h.write(ctx, rec, logger, res, requestID)
}

// run walks the controller lifecycle and returns the result to render.
func (h *endpointHandler[B]) run(ctx context.Context, c *Controller) (telemetry.WorkOutcome, *Result) {
	if err := c.CheckAPIAuth(ctx); err != nil {
		return telemetry.OutcomePolicyRejected, h.reject(ctx, c, err)
	}
	if err := h.opts.Authorizer.Authorize(ctx, c); err != nil {
		return telemetry.OutcomeAuthRejected, h.reject(ctx, c, &RejectionError{Policy: PolicyAuthorizer, Err: err})
	}

	body, res := Work[B](c)
	if res != nil {
		if res.Error == domain.FieldCheckKey {
			return telemetry.OutcomeFieldCheckFailed, res
		}
		return telemetry.OutcomeMappingFailed, res
	}

	data, err := h.endpoint.Handle(ctx, c, body)
	if err != nil {
		return telemetry.OutcomeException, h.failure(ctx, c, err)
	}
	if res, ok := data.(*Result); ok {
		return telemetry.OutcomeAccepted, res
	}
	return telemetry.OutcomeAccepted, Success(data)
}

// resolveConfig returns the endpoint default, overridden by the config source.
func (h *endpointHandler[B]) resolveConfig(route string) domain.HandlerConfig {
	if h.opts.Route != "" {
		route = h.opts.Route
	}
	if h.opts.Configs != nil {
		if cfg, ok := h.opts.Configs.HandlerConfig(route); ok {
			return cfg
		}
	}
	return h.endpoint.Config()
}

func (h *endpointHandler[B]) reject(ctx context.Context, c *Controller, err error) *Result {
	policy := PolicyRequest
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		policy = rejection.Policy
	}

	c.logger.Info("request rejected", "policy", policy, "error", err)
	telemetry.RecordPolicyRejection(trace.SpanFromContext(ctx), policy, err.Error())
	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordPolicyRejection(policy, c.Request.Route)
	}

	code, apiErr := rejectionResult(err)
	c.SetAPIError(apiErr)
	res := c.Result(code)
	res.Header = rejectionHeaders(err)
	return res
}

// failure renders an endpoint error. Exceptions are reported and keep their
// code and message; other errors become system errors.
func (h *endpointHandler[B]) failure(ctx context.Context, c *Controller, err error) *Result {
	var exc *domain.Exception
	if !errors.As(err, &exc) {
		c.logger.Error("endpoint failed", "error", err)
		c.SetAPIError(domain.APIErrSystem)
		return c.Result(domain.CodeSystemError)
	}

	h.report(ctx, c, exc)
	code := domain.ErrorCode(exc.Code)
	return &Result{Code: code, Error: domain.ExceptionKey, Message: exc.Message, Status: exceptionStatus(code)}
}

// exceptionStatus keeps the status of known error codes. Exceptions carrying
// CodeOK or a custom code are server errors.
func exceptionStatus(code domain.ErrorCode) int {
	switch code {
	case domain.CodeAPIError, domain.CodeUnauthorized, domain.CodeForbidden,
		domain.CodeMethodNotAllowed, domain.CodeTooManyRequests:
		return code.HTTPStatus()
	default:
		return http.StatusInternalServerError
	}
}

func (h *endpointHandler[B]) report(ctx context.Context, c *Controller, exc *domain.Exception) {
	telemetry.RecordException(trace.SpanFromContext(ctx), exc.Code, exc.Message)
	if h.opts.Reporter == nil || exc.Reported() {
		return
	}
	if err := h.opts.Reporter.Report(ctx, exc); err != nil {
		c.logger.Warn("exception reported with delivery errors", "error", err)
	}
}

// recoverPanic turns a panicking endpoint into a reported system exception.
func (h *endpointHandler[B]) recoverPanic(ctx context.Context, w *statusRecorder, c *Controller) {
	p := recover()
	if p == nil {
		return
	}

	exc := domain.NewException(domain.APIErrSystem.Message, int(domain.CodeSystemError), map[string]any{
		"panic": fmt.Sprint(p),
	})
	c.logger.Error("endpoint panicked", "panic", p)
	h.report(ctx, c, exc)

	if w.wroteHeader {
		return
	}
	c.SetAPIError(domain.APIErrSystem)
	h.write(ctx, w, c.logger, c.Result(domain.CodeSystemError), c.Request.RequestID)
}

func (h *endpointHandler[B]) write(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, res *Result, requestID string) {
	if err := writeResult(w, res, requestID, telemetry.TraceIDFromContext(ctx)); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// statusRecorder prevents superfluous WriteHeader calls and remembers
// whether the response has started.
type statusRecorder struct {
	http.ResponseWriter
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.ResponseWriter.WriteHeader(code)
		r.wroteHeader = true
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	return hijacker.Hijack()
}
