package telemetry

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UnknownRoute labels requests for paths that are not registered endpoints.
const UnknownRoute = "unknown"

// HTTPMetrics holds the Prometheus collectors exposed on /metrics.
type HTTPMetrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	exceptionsReported *prometheus.CounterVec
	reportFailures     *prometheus.CounterVec
	policyRejections   *prometheus.CounterVec
	configReloads      *prometheus.CounterVec

	routes   map[string]struct{}
	registry *prometheus.Registry
}

// NewHTTPMetrics creates collectors on a private registry. routes lists the
// paths used as-is for the route label; any other path is labelled "unknown".
func NewHTTPMetrics(routes ...string) *HTTPMetrics {
	registry := prometheus.NewRegistry()

	m := &HTTPMetrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apikit_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apikit_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		exceptionsReported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apikit_exceptions_reported_total",
				Help: "Total number of exceptions logged and alerted",
			},
			[]string{"code"},
		),

		reportFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apikit_report_failures_total",
				Help: "Total number of exception report deliveries that failed, by sink",
			},
			[]string{"sink"},
		),

		policyRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apikit_policy_rejections_total",
				Help: "Total number of requests rejected by request or method policies",
			},
			[]string{"policy", "route"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apikit_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		routes:   make(map[string]struct{}, len(routes)),
		registry: registry,
	}

	for _, route := range routes {
		m.routes[route] = struct{}{}
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.exceptionsReported,
		m.reportFailures,
		m.policyRejections,
		m.configReloads,
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *HTTPMetrics) RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordExceptionReported counts a reported exception.
func (m *HTTPMetrics) RecordExceptionReported(code int) {
	m.exceptionsReported.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordReportFailure counts a failed delivery to sink ("error_log" or "alert").
func (m *HTTPMetrics) RecordReportFailure(sink string) {
	m.reportFailures.WithLabelValues(sink).Inc()
}

// RecordPolicyRejection counts a request rejected by policy.
func (m *HTTPMetrics) RecordPolicyRejection(policy, route string) {
	m.policyRejections.WithLabelValues(policy, m.routeLabel(route)).Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *HTTPMetrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *HTTPMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *HTTPMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request count and latency for next.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, m.routeLabel(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

func (m *HTTPMetrics) routeLabel(path string) string {
	if _, ok := m.routes[path]; ok {
		return path
	}
	return UnknownRoute
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}
