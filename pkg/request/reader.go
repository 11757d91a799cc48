package request

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/polisai/polis-apikit/pkg/domain"
)

// Header and content type constants used during extraction.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderAuthorization = "Authorization"

	ContentTypeMultipart  = "multipart/form-data"
	ContentTypeURLEncoded = "application/x-www-form-urlencoded"

	defaultMaxBodyBytes = 10 << 20
	defaultMaxMemory    = 32 << 20
)

// ErrBodyTooLarge is returned when the raw request body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("request body too large")

// Reader exposes the ambient values of a single request. A Reader is not
// safe for concurrent use; it belongs to the goroutine serving the request.
type Reader struct {
	req          *http.Request
	version      string
	maxBodyBytes int64
	requestID    string

	body     []byte
	bodyRead bool
}

// Option customises a Reader.
type Option func(*Reader)

// WithVersion sets the API version reported by Version.
func WithVersion(version string) Option {
	return func(r *Reader) {
		r.version = version
	}
}

// WithMaxBodyBytes bounds how much of the raw body is buffered.
func WithMaxBodyBytes(n int64) Option {
	return func(r *Reader) {
		if n > 0 {
			r.maxBodyBytes = n
		}
	}
}

// NewReader wraps req.
func NewReader(req *http.Request, opts ...Option) *Reader {
	r := &Reader{
		req:          req,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Request returns the underlying request handle.
func (r *Reader) Request() *http.Request {
	return r.req
}

// IP returns the client address the connection came from.
func (r *Reader) IP() string {
	host, _, err := net.SplitHostPort(r.req.RemoteAddr)
	if err != nil {
		return r.req.RemoteAddr
	}
	return host
}

// Port returns the client port the connection came from.
func (r *Reader) Port() string {
	_, port, err := net.SplitHostPort(r.req.RemoteAddr)
	if err != nil {
		return ""
	}
	return port
}

// Route returns the escaped path portion of the request URL.
func (r *Reader) Route() string {
	path := r.req.URL.EscapedPath()
	if path == "" {
		return "/"
	}
	return path
}

// RequestURL returns host plus request URI, without the scheme.
func (r *Reader) RequestURL() string {
	return r.req.Host + r.req.URL.RequestURI()
}

// Method returns the HTTP method.
func (r *Reader) Method() string {
	return r.req.Method
}

// UserAgent returns the User-Agent header.
func (r *Reader) UserAgent() string {
	return r.req.UserAgent()
}

// ContentType returns the Content-Type header.
func (r *Reader) ContentType() string {
	return r.req.Header.Get("Content-Type")
}

// Version returns the API version configured with WithVersion.
// TODO: read the version from a request header once clients send one.
func (r *Reader) Version() string {
	return r.version
}

// Token returns the Authorization header, or "" when absent.
func (r *Reader) Token() string {
	return r.req.Header.Get(HeaderAuthorization)
}

// BrowseInfo returns the browser description sent by the client.
func (r *Reader) BrowseInfo() string {
	return r.req.UserAgent()
}

// RequestID returns the X-Request-ID header, generating a UUID when absent.
// The value is stable for the lifetime of the Reader.
func (r *Reader) RequestID() string {
	if r.requestID != "" {
		return r.requestID
	}
	if id := strings.TrimSpace(r.req.Header.Get(HeaderRequestID)); id != "" {
		r.requestID = id
	} else {
		r.requestID = uuid.New().String()
	}
	return r.requestID
}

// RawBody buffers the request body once and restores it for later readers.
func (r *Reader) RawBody() ([]byte, error) {
	if r.bodyRead {
		return r.body, nil
	}
	r.bodyRead = true
	if r.req.Body == nil || r.req.Body == http.NoBody {
		return nil, nil
	}

	data, err := io.ReadAll(io.LimitReader(r.req.Body, r.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(data)) > r.maxBodyBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, r.maxBodyBytes)
	}
	r.body = data
	r.req.Body = io.NopCloser(bytes.NewReader(data))
	return r.body, nil
}

// Snapshot reads every ambient value into a domain.RequestContext.
func (r *Reader) Snapshot() (*domain.RequestContext, error) {
	params, err := r.Params()
	if err != nil {
		return nil, err
	}

	return &domain.RequestContext{
		RequestID:   r.RequestID(),
		IP:          r.IP(),
		Port:        r.Port(),
		Method:      r.Method(),
		Host:        r.req.Host,
		Route:       r.Route(),
		RequestURL:  r.RequestURL(),
		ContentType: r.ContentType(),
		UserAgent:   r.UserAgent(),
		BrowseInfo:  r.BrowseInfo(),
		Version:     r.Version(),
		Token:       r.Token(),
		Params:      params,
		RawBody:     r.body,
	}, nil
}
