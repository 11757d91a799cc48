package request

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_Accessors(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/user/list?page=2", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("User-Agent", "Mozilla/5.0 (test)")
	req.Header.Set("Authorization", "Bearer abc")
	req.Header.Set("Content-Type", "text/plain")

	r := NewReader(req, WithVersion("v2"))

	assert.Equal(t, "203.0.113.7", r.IP())
	assert.Equal(t, "51234", r.Port())
	assert.Equal(t, "/user/list", r.Route())
	assert.Equal(t, "api.example.com/user/list?page=2", r.RequestURL())
	assert.Equal(t, http.MethodGet, r.Method())
	assert.Equal(t, "Mozilla/5.0 (test)", r.UserAgent())
	assert.Equal(t, "Mozilla/5.0 (test)", r.BrowseInfo())
	assert.Equal(t, "text/plain", r.ContentType())
	assert.Equal(t, "v2", r.Version())
	assert.Equal(t, "Bearer abc", r.Token())
	assert.Same(t, req, r.Request())
}

func TestReader_TokenAbsent(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	r := NewReader(req)

	assert.Empty(t, r.Token())
	assert.Empty(t, r.Version())
	assert.Equal(t, "/", r.Route())
}

func TestReader_RemoteAddrWithoutPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "unix-socket"
	r := NewReader(req)

	assert.Equal(t, "unix-socket", r.IP())
	assert.Empty(t, r.Port())
}

func TestReader_RequestID(t *testing.T) {
	t.Run("from header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, " req-123 ")
		assert.Equal(t, "req-123", NewReader(req).RequestID())
	})

	t.Run("generated and stable", func(t *testing.T) {
		r := NewReader(httptest.NewRequest(http.MethodGet, "/", nil))
		id := r.RequestID()
		assert.Len(t, id, 36)
		assert.Equal(t, id, r.RequestID())
	})
}

func TestReader_RawBodyRestoresBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	r := NewReader(req)

	body, err := r.RawBody()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))

	again, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(again))
}

func TestReader_RawBodyLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64)))
	r := NewReader(req, WithMaxBodyBytes(16))

	_, err := r.RawBody()
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestReader_Snapshot(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://svc.local/order/create", strings.NewReader(`{"id":7}`))
	req.RemoteAddr = "10.0.0.1:4000"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "tok")
	req.Header.Set(HeaderRequestID, "rid-1")

	rc, err := NewReader(req, WithVersion("v1")).Snapshot()
	require.NoError(t, err)

	assert.Equal(t, "rid-1", rc.RequestID)
	assert.Equal(t, "10.0.0.1", rc.IP)
	assert.Equal(t, "4000", rc.Port)
	assert.Equal(t, http.MethodPost, rc.Method)
	assert.Equal(t, "svc.local", rc.Host)
	assert.Equal(t, "/order/create", rc.Route)
	assert.Equal(t, "application/json", rc.ContentType)
	assert.Equal(t, "v1", rc.Version)
	assert.True(t, rc.HasToken())
	assert.Equal(t, `{"id":7}`, string(rc.RawBody))

	params, ok := rc.Params.(map[string]any)
	require.True(t, ok, "expected object params, got %T", rc.Params)
	assert.Equal(t, "7", params["id"].(interface{ String() string }).String())
}
