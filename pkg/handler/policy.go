package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/polisai/polis-apikit/pkg/domain"
)

// Policy names used in rejection errors, logs and metrics.
const (
	PolicyRequest    = "request"
	PolicyMethod     = "method"
	PolicyAuthorizer = "authorizer"
)

// RequestPolicy vets a request before any endpoint logic runs. It is called
// when HandlerConfig.CheckRequest is set.
type RequestPolicy interface {
	CheckRequest(ctx context.Context, rc *domain.RequestContext) error
}

// MethodPolicy vets the request method. It is called when
// HandlerConfig.CheckMethod is set.
type MethodPolicy interface {
	CheckMethod(ctx context.Context, rc *domain.RequestContext) error
}

// Authorizer performs endpoint specific authorization after the gate has
// been computed.
type Authorizer interface {
	Authorize(ctx context.Context, c *Controller) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, c *Controller) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, c *Controller) error {
	return f(ctx, c)
}

// AllowAll accepts every request. It is the default request and method
// policy and the default Authorizer.
type AllowAll struct{}

// CheckRequest implements RequestPolicy.
func (AllowAll) CheckRequest(context.Context, *domain.RequestContext) error { return nil }

// CheckMethod implements MethodPolicy.
func (AllowAll) CheckMethod(context.Context, *domain.RequestContext) error { return nil }

// Authorize implements Authorizer.
func (AllowAll) Authorize(context.Context, *Controller) error { return nil }

// RequestPolicies runs several request policies in order and stops at the
// first rejection.
type RequestPolicies []RequestPolicy

// CheckRequest implements RequestPolicy.
func (p RequestPolicies) CheckRequest(ctx context.Context, rc *domain.RequestContext) error {
	for _, policy := range p {
		if err := policy.CheckRequest(ctx, rc); err != nil {
			return err
		}
	}
	return nil
}

// TokenAuthorizer rejects requests without a token when the endpoint needs
// one and the current action is not exempt.
type TokenAuthorizer struct{}

// Authorize implements Authorizer.
func (TokenAuthorizer) Authorize(_ context.Context, c *Controller) error {
	if !c.Config.NeedToken {
		return nil
	}
	action := c.Action()
	if c.Gate.TokenExempt(action) || c.Request.HasToken() {
		return nil
	}
	return fmt.Errorf("%w: action %q", domain.ErrUnauthorized, action)
}

// RejectionError records which policy turned a request away.
type RejectionError struct {
	Policy string
	Err    error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s policy rejected request: %v", e.Policy, e.Err)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// HeaderError is implemented by policy errors that describe the rejection
// in response headers, such as *governance.RateLimitError.
type HeaderError interface {
	error
	ResponseHeaders(h http.Header)
}

// rejectionHeaders collects the headers carried by err, if any.
func rejectionHeaders(err error) http.Header {
	var he HeaderError
	if !errors.As(err, &he) {
		return nil
	}
	header := http.Header{}
	he.ResponseHeaders(header)
	return header
}

// rejectionResult maps a policy error onto the API error returned to the
// client. Unrecognised errors are treated as forbidden.
func rejectionResult(err error) (domain.ErrorCode, domain.APIError) {
	switch {
	case errors.Is(err, domain.ErrTooManyRequests):
		return domain.CodeTooManyRequests, domain.APIErrRateLimited
	case errors.Is(err, domain.ErrMethodNotAllowed):
		return domain.CodeMethodNotAllowed, domain.APIErrMethod
	case errors.Is(err, domain.ErrUnauthorized):
		return domain.CodeUnauthorized, domain.APIErrMissingToken
	default:
		return domain.CodeForbidden, domain.APIErrForbidden
	}
}
