package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/polisai/polis-apikit/pkg/binding"
	"github.com/polisai/polis-apikit/pkg/domain"
	"github.com/polisai/polis-apikit/pkg/exception"
	"github.com/polisai/polis-apikit/pkg/request"
)

// Controller carries the per-request state of one endpoint invocation.
// A Controller is created for every request and is never shared between
// goroutines.
type Controller struct {
	// Request is the ambient request snapshot taken during initialization.
	Request *domain.RequestContext
	// HTTPRequest is the underlying request handle.
	HTTPRequest *http.Request
	// Reader exposes the request accessors.
	Reader *request.Reader
	// Config is the resolved handler configuration.
	Config domain.HandlerConfig
	// Gate is computed by CheckAPIAuth.
	Gate domain.AuthGate

	helper        Helper
	requestPolicy RequestPolicy
	methodPolicy  MethodPolicy
	reporter      *exception.Reporter
	logger        *slog.Logger
}

// Action returns the action segment of the route: the last path segment when
// the route names both controller and action, DefaultAction otherwise.
func (c *Controller) Action() string {
	segments := strings.FieldsFunc(c.Request.Route, func(r rune) bool { return r == '/' })
	if len(segments) < 2 {
		return domain.DefaultAction
	}
	return strings.ToLower(segments[len(segments)-1])
}

// SetAPIError records apiErr on the helper.
func (c *Controller) SetAPIError(apiErr domain.APIError) {
	c.helper.SetAPIError(apiErr)
}

// Result builds a result through the helper.
func (c *Controller) Result(code domain.ErrorCode) *Result {
	return c.helper.Result(code)
}

// Logger returns a logger scoped to the request.
func (c *Controller) Logger() *slog.Logger {
	return c.logger
}

// Raise creates an exception, reports it and returns it. Endpoints return the
// exception as their error.
func (c *Controller) Raise(ctx context.Context, message string, code int, info any) *domain.Exception {
	if c.reporter == nil {
		return domain.NewException(message, code, info)
	}
	return c.reporter.Raise(ctx, message, code, info)
}

// CheckAPIAuth computes the authorization gate from the handler
// configuration and runs the enabled policies. A rejection is returned as a
// *RejectionError.
func (c *Controller) CheckAPIAuth(ctx context.Context) error {
	if c.Config.NeedToken {
		c.Gate.Exclusion = []string{domain.DefaultAction}
	}
	if c.Config.NeedCollection {
		c.Gate.CollectionActions = []string{domain.DefaultAction}
	}
	if c.Config.CheckRequest {
		if err := c.requestPolicy.CheckRequest(ctx, c.Request); err != nil {
			return &RejectionError{Policy: PolicyRequest, Err: err}
		}
	}
	if c.Config.CheckMethod {
		if err := c.methodPolicy.CheckMethod(ctx, c.Request); err != nil {
			return &RejectionError{Policy: PolicyMethod, Err: err}
		}
	}
	return nil
}

// Work maps the request parameters onto a new B and runs its field check.
//
// On a mapping failure the result carries APIErrParamFormat and the field
// check is not run. When the field check returns anything other than
// binding.CheckSuccess the result carries that exact message. Otherwise the
// body is returned with a nil result.
func Work[B any](c *Controller) (*B, *Result) {
	body, err := binding.New[B](c.Request.Params)
	if err != nil {
		c.logger.Debug("request parameter mapping failed", "error", err)
		c.SetAPIError(domain.APIErrParamFormat)
		return nil, c.Result(domain.CodeAPIError)
	}

	if checker, ok := any(body).(binding.FieldChecker); ok {
		if msg := checker.CheckFieldValue(); msg != binding.CheckSuccess {
			c.SetAPIError(domain.FieldCheckError(msg))
			return nil, c.Result(domain.CodeAPIError)
		}
	}
	return body, nil
}
