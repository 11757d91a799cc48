package domain

import "context"

// RequestContext is a read-only snapshot of the ambient state of one HTTP
// request. It is built once at the HTTP boundary and owned by the controller
// handling that request.
type RequestContext struct {
	RequestID   string
	IP          string
	Port        string
	Method      string
	Host        string
	Route       string
	RequestURL  string
	ContentType string
	UserAgent   string
	BrowseInfo  string
	Version     string
	// Token is the raw Authorization header value; empty when absent.
	Token string
	// Params holds the extracted request parameters:
	//   GET                       map[string]any (never nil)
	//   POST form/multipart       map[string]any
	//   POST other content types  JSON-decoded raw body (nil when invalid)
	//   other methods             nil
	Params  any
	RawBody []byte
}

// HasToken reports whether the request carried an Authorization header.
func (r *RequestContext) HasToken() bool {
	return r != nil && r.Token != ""
}

type requestContextKey struct{}

// WithRequestContext stores the request snapshot in ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom extracts the request snapshot stored by WithRequestContext.
func RequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok && rc != nil
}
