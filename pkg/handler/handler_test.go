package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/polisai/polis-apikit/pkg/binding"
	"github.com/polisai/polis-apikit/pkg/domain"
	"github.com/polisai/polis-apikit/pkg/exception"
	"github.com/polisai/polis-apikit/pkg/logging"
	"github.com/polisai/polis-apikit/pkg/request"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fieldChecks atomic.Int32

type userBody struct {
	Name string      `json:"name"`
	Age  binding.Int `json:"age"`
}

func (b *userBody) CheckFieldValue() string {
	fieldChecks.Add(1)
	if b.Name == "" {
		return "name is required"
	}
	return binding.CheckSuccess
}

type userEndpoint struct {
	cfg    domain.HandlerConfig
	handle func(ctx context.Context, c *Controller, body *userBody) (any, error)
}

func (e *userEndpoint) Config() domain.HandlerConfig { return e.cfg }

func (e *userEndpoint) Handle(ctx context.Context, c *Controller, body *userBody) (any, error) {
	if e.handle != nil {
		return e.handle(ctx, c, body)
	}
	return map[string]any{"name": body.Name, "age": int64(body.Age)}, nil
}

type recordingLog struct {
	mu      sync.Mutex
	entries []logging.ErrorEntry
}

func (l *recordingLog) Append(_ context.Context, entry logging.ErrorEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Send(_ context.Context, _, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, content)
	return nil
}

type rejectionCounter struct {
	policies []string
}

func (r *rejectionCounter) RecordPolicyRejection(policy, _ string) {
	r.policies = append(r.policies, policy)
}

type policyFunc func(ctx context.Context, rc *domain.RequestContext) error

func (f policyFunc) CheckRequest(ctx context.Context, rc *domain.RequestContext) error { return f(ctx, rc) }
func (f policyFunc) CheckMethod(ctx context.Context, rc *domain.RequestContext) error  { return f(ctx, rc) }

type staticConfigs map[string]domain.HandlerConfig

func (s staticConfigs) HandlerConfig(route string) (domain.HandlerConfig, bool) {
	cfg, ok := s[route]
	return cfg, ok
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var resp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func postJSON(target, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHandler_AcceptedRequest(t *testing.T) {
	h := New[userBody](&userEndpoint{}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/user/show?name=ada&age=36", nil)
	req.Header.Set(`X-Request-ID`, "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decodeResponse(t, rec)
	assert.Equal(t, domain.CodeOK, resp.Code)
	assert.Equal(t, MessageSuccess, resp.Message)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, map[string]any{"name": "ada", "age": float64(36)}, resp.Data)
}

func TestHandler_MappingFailureSkipsFieldCheck(t *testing.T) {
	fieldChecks.Store(0)
	called := false
	h := New[userBody](&userEndpoint{handle: func(context.Context, *Controller, *userBody) (any, error) {
		called = true
		return nil, nil
	}}, Options{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, postJSON("/user/create", "{not json"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, domain.CodeAPIError, resp.Code)
	assert.Equal(t, domain.APIErrParamFormat.Key, resp.Error)
	assert.Equal(t, domain.APIErrParamFormat.Message, resp.Message)
	assert.Zero(t, fieldChecks.Load())
	assert.False(t, called)
}

func TestHandler_FieldCheckFailureCarriesMessage(t *testing.T) {
	fieldChecks.Store(0)
	h := New[userBody](&userEndpoint{}, Options{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, postJSON("/user/create", `{"age":"7"}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, domain.CodeAPIError, resp.Code)
	assert.Equal(t, domain.FieldCheckKey, resp.Error)
	assert.Equal(t, "name is required", resp.Message)
	assert.Equal(t, int32(1), fieldChecks.Load())
}

func TestHandler_FormBodyAccepted(t *testing.T) {
	h := New[userBody](&userEndpoint{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/user/create", strings.NewReader("NAME=grace&age=85"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeResponse(t, rec)
	assert.Equal(t, map[string]any{"name": "grace", "age": float64(85)}, resp.Data)
}

func TestHandler_PolicyRejections(t *testing.T) {
	tests := []struct {
		name       string
		cfg        domain.HandlerConfig
		err        error
		wantStatus int
		wantCode   domain.ErrorCode
		wantKey    string
		wantPolicy string
	}{
		{
			name:       "rate limited",
			cfg:        domain.HandlerConfig{CheckRequest: true},
			err:        domain.ErrTooManyRequests,
			wantStatus: http.StatusTooManyRequests,
			wantCode:   domain.CodeTooManyRequests,
			wantKey:    domain.APIErrRateLimited.Key,
			wantPolicy: PolicyRequest,
		},
		{
			name:       "method not allowed",
			cfg:        domain.HandlerConfig{CheckMethod: true},
			err:        domain.ErrMethodNotAllowed,
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   domain.CodeMethodNotAllowed,
			wantKey:    domain.APIErrMethod.Key,
			wantPolicy: PolicyMethod,
		},
		{
			name:       "unknown error is forbidden",
			cfg:        domain.HandlerConfig{CheckRequest: true},
			err:        errors.New("denied"),
			wantStatus: http.StatusForbidden,
			wantCode:   domain.CodeForbidden,
			wantKey:    domain.APIErrForbidden.Key,
			wantPolicy: PolicyRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := &rejectionCounter{}
			reject := policyFunc(func(context.Context, *domain.RequestContext) error { return tt.err })
			h := New[userBody](&userEndpoint{cfg: tt.cfg}, Options{
				RequestPolicy: reject,
				MethodPolicy:  reject,
				Metrics:       metrics,
			})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/show?name=x", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decodeResponse(t, rec)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantKey, resp.Error)
			assert.Equal(t, []string{tt.wantPolicy}, metrics.policies)
		})
	}
}

type quotaError struct{}

func (quotaError) Error() string { return domain.ErrTooManyRequests.Error() }

func (quotaError) Unwrap() error { return domain.ErrTooManyRequests }

func (quotaError) ResponseHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", "5")
	h.Set("Retry-After", "1")
}

func TestHandler_RejectionHeaders(t *testing.T) {
	h := New[userBody](&userEndpoint{cfg: domain.HandlerConfig{CheckRequest: true}}, Options{
		RequestPolicy: RequestPolicies{
			AllowAll{},
			policyFunc(func(context.Context, *domain.RequestContext) error {
				return fmt.Errorf("quota: %w", quotaError{})
			}),
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/show?name=x", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, domain.APIErrRateLimited.Key, decodeResponse(t, rec).Error)
}

func TestHandler_PoliciesSkippedWhenDisabled(t *testing.T) {
	var calls atomic.Int32
	count := policyFunc(func(context.Context, *domain.RequestContext) error {
		calls.Add(1)
		return domain.ErrForbidden
	})
	h := New[userBody](&userEndpoint{}, Options{RequestPolicy: count, MethodPolicy: count})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/show?name=x", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, calls.Load())
}

func TestHandler_ConfigSourceOverridesEndpointDefault(t *testing.T) {
	h := New[userBody](&userEndpoint{}, Options{
		Configs:    staticConfigs{"/user/show": {NeedToken: true}},
		Authorizer: TokenAuthorizer{},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/show?name=x", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, domain.CodeUnauthorized, resp.Code)
	assert.Equal(t, domain.APIErrMissingToken.Key, resp.Error)

	req := httptest.NewRequest(http.MethodGet, "/user/show?name=x", nil)
	req.Header.Set("Authorization", "Bearer abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_TokenExemptIndex(t *testing.T) {
	h := New[userBody](&userEndpoint{cfg: domain.HandlerConfig{NeedToken: true}}, Options{
		Authorizer: TokenAuthorizer{},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user?name=x", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_ExceptionReportedOnce(t *testing.T) {
	errLog := &recordingLog{}
	notifier := &recordingNotifier{}
	reporter := exception.NewReporter(exception.Config{ErrorLog: errLog, Notifier: notifier, Title: "Test"})

	tests := []struct {
		name   string
		handle func(ctx context.Context, c *Controller, body *userBody) (any, error)
	}{
		{
			name: "returned",
			handle: func(context.Context, *Controller, *userBody) (any, error) {
				return nil, domain.NewException("quota exhausted", 50010, "detail")
			},
		},
		{
			name: "raised",
			handle: func(ctx context.Context, c *Controller, _ *userBody) (any, error) {
				return nil, fmt.Errorf("create user: %w", c.Raise(ctx, "quota exhausted", 50010, "detail"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errLog.entries = nil
			notifier.sent = nil
			h := New[userBody](&userEndpoint{handle: tt.handle}, Options{Reporter: reporter})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/show?name=x", nil))

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			resp := decodeResponse(t, rec)
			assert.Equal(t, domain.ErrorCode(50010), resp.Code)
			assert.Equal(t, domain.ExceptionKey, resp.Error)
			assert.Equal(t, "quota exhausted", resp.Message)
			assert.Nil(t, resp.Data)

			require.Len(t, errLog.entries, 1)
			assert.Equal(t, "example.com/user/show?name=x", errLog.entries[0].URL)
			assert.Equal(t, map[string]any{"name": "x"}, errLog.entries[0].Params)
			require.Len(t, notifier.sent, 1)
			assert.Contains(t, notifier.sent[0], "quota exhausted")
		})
	}
}

func TestHandler_ExceptionStatus(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		wantStatus int
	}{
		{name: "zero code", code: 0, wantStatus: http.StatusInternalServerError},
		{name: "custom code", code: 50010, wantStatus: http.StatusInternalServerError},
		{name: "unmapped client range", code: 40401, wantStatus: http.StatusInternalServerError},
		{name: "forbidden", code: int(domain.CodeForbidden), wantStatus: http.StatusForbidden},
		{name: "rate limited", code: int(domain.CodeTooManyRequests), wantStatus: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errLog := &recordingLog{}
			reporter := exception.NewReporter(exception.Config{ErrorLog: errLog})
			h := New[userBody](&userEndpoint{handle: func(ctx context.Context, c *Controller, _ *userBody) (any, error) {
				return nil, c.Raise(ctx, "boom", tt.code, nil)
			}}, Options{Reporter: reporter})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/show?name=x", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decodeResponse(t, rec)
			assert.Equal(t, domain.ErrorCode(tt.code), resp.Code)
			assert.Equal(t, domain.ExceptionKey, resp.Error)
			assert.Equal(t, "boom", resp.Message)
			require.Len(t, errLog.entries, 1)
		})
	}
}

func TestHandler_PlainErrorIsSystemError(t *testing.T) {
	errLog := &recordingLog{}
	reporter := exception.NewReporter(exception.Config{ErrorLog: errLog})
	h := New[userBody](&userEndpoint{handle: func(context.Context, *Controller, *userBody) (any, error) {
		return nil, errors.New("db down")
	}}, Options{Reporter: reporter})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/show?name=x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, domain.CodeSystemError, resp.Code)
	assert.Equal(t, domain.APIErrSystem.Key, resp.Error)
	assert.NotContains(t, rec.Body.String(), "db down")
	assert.Empty(t, errLog.entries)
}

func TestHandler_PanicRecovered(t *testing.T) {
	errLog := &recordingLog{}
	reporter := exception.NewReporter(exception.Config{ErrorLog: errLog})
	h := New[userBody](&userEndpoint{handle: func(context.Context, *Controller, *userBody) (any, error) {
		panic("nil map")
	}}, Options{Reporter: reporter})

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/show?name=x", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, domain.CodeSystemError, resp.Code)
	require.Len(t, errLog.entries, 1)
	assert.Equal(t, map[string]any{"panic": "nil map"}, errLog.entries[0].Info)
}

func TestHandler_ResultPassthrough(t *testing.T) {
	h := New[userBody](&userEndpoint{handle: func(_ context.Context, c *Controller, _ *userBody) (any, error) {
		c.SetAPIError(domain.APIError{Key: "USER_EXISTS", Message: "user already exists"})
		return c.Result(domain.CodeAPIError), nil
	}}, Options{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/show?name=x", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "USER_EXISTS", resp.Error)
	assert.Equal(t, "user already exists", resp.Message)
}

func TestHandler_BodyTooLarge(t *testing.T) {
	h := New[userBody](&userEndpoint{}, Options{MaxBodyBytes: 8})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, postJSON("/user/create", `{"name":"far too long"}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, domain.APIErrParamFormat.Key, resp.Error)
	assert.NotEmpty(t, resp.RequestID)
}

func TestHandler_FormBodyTooLarge(t *testing.T) {
	name := strings.Repeat("n", 100<<10)

	var multipartBody bytes.Buffer
	mw := multipart.NewWriter(&multipartBody)
	require.NoError(t, mw.WriteField("name", name))
	require.NoError(t, mw.Close())

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{name: "urlencoded", contentType: request.ContentTypeURLEncoded, body: "name=" + name},
		{name: "multipart", contentType: mw.FormDataContentType(), body: multipartBody.String()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var handled atomic.Bool
			h := New[userBody](&userEndpoint{handle: func(context.Context, *Controller, *userBody) (any, error) {
				handled.Store(true)
				return nil, nil
			}}, Options{MaxBodyBytes: 8})

			req := httptest.NewRequest(http.MethodPost, "/user/create", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeResponse(t, rec)
			assert.Equal(t, domain.APIErrParamFormat.Key, resp.Error)
			assert.False(t, handled.Load())
		})
	}
}
