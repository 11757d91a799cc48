package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMetrics_Middleware(t *testing.T) {
	m := NewHTTPMetrics("/user/create")

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/user/create" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/user/create", "/user/create", "/random/42"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("POST", "/user/create", "400")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("POST", UnknownRoute, "200")))
}

func TestHTTPMetrics_Counters(t *testing.T) {
	m := NewHTTPMetrics("/a")

	m.RecordExceptionReported(500)
	m.RecordExceptionReported(500)
	m.RecordReportFailure("alert")
	m.RecordPolicyRejection("rate_limit", "/a")
	m.RecordPolicyRejection("method", "/nope")
	m.RecordConfigReload("success")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.exceptionsReported.WithLabelValues("500")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reportFailures.WithLabelValues("alert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.policyRejections.WithLabelValues("rate_limit", "/a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.policyRejections.WithLabelValues("method", UnknownRoute)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.configReloads.WithLabelValues("success")))
}

func TestHTTPMetrics_Handler(t *testing.T) {
	m := NewHTTPMetrics()
	m.RecordExceptionReported(42)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `apikit_exceptions_reported_total{code="42"} 1`), body)
}
