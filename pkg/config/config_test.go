package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/polisai/polis-apikit/internal/governance"
	"github.com/polisai/polis-apikit/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
server:
  address: ":8081"
  admin_address: ":19091"
  version: "v2"
  max_body_bytes: 1048576
  read_timeout: 3s

logging:
  level: debug
  pretty: true

log:
  path: /var/log/apikit
  error_file: exceptions.log

alert:
  enabled: true
  base_url: https://hooks.example.com/send
  monitor_key: robot-key
  title: Ops backend

telemetry:
  otlp_endpoint: localhost:4317
  insecure: true

handlers:
  /user/create:
    need_token: true
    check_request: true
    check_method: true
  "*":
    need_collection: true

governance:
  rate_limits:
    "*":
      requests_per_second: 10
      burst_size: 20
  allowed_methods:
    /user/create: [POST]

policy:
  module: |
    package apikit.request
    default decision := {"action": "allow"}
  fail_mode: fail-open
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.Server.Address)
	assert.Equal(t, "v2", cfg.Server.Version)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)

	assert.Equal(t, LoggingConfig{Level: "debug", Pretty: true}, cfg.Logging)
	assert.Equal(t, ErrorLogConfig{Path: "/var/log/apikit", ErrorFile: "exceptions.log"}, cfg.Log)

	assert.True(t, cfg.Alert.Enabled)
	assert.Equal(t, "robot-key", cfg.Alert.Target)
	assert.Equal(t, "Ops backend", cfg.Alert.Title)
	assert.Equal(t, DefaultAlertTimeout, cfg.Alert.Timeout)

	wantHandlers := map[string]domain.HandlerConfig{
		"/user/create": {NeedToken: true, CheckRequest: true, CheckMethod: true},
		"*":            {NeedCollection: true},
	}
	if diff := cmp.Diff(wantHandlers, cfg.Handlers); diff != "" {
		t.Errorf("handlers mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, governance.RateLimiterConfig{RequestsPerSecond: 10, BurstSize: 20}, cfg.Governance.RateLimits["*"])
	assert.Equal(t, []string{"POST"}, cfg.Governance.AllowedMethods["/user/create"])

	assert.True(t, cfg.Policy.Enabled())
	assert.Equal(t, "fail-open", cfg.Policy.FailMode)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, cfg.Policy.Enabled())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APIKIT_ADDR", ":9000")
	t.Setenv("APIKIT_LOG_LEVEL", "warn")
	t.Setenv("APIKIT_LOG_PRETTY", "true")
	t.Setenv("APIKIT_MONITOR_KEY", "env-key")
	t.Setenv("APIKIT_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("APIKIT_OTLP_INSECURE", "true")
	t.Setenv("APIKIT_ERROR_LOG_PATH", "/tmp/apikit")

	cfg, err := Parse([]byte("server:\n  address: \":8081\"\n"))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
	assert.True(t, cfg.Alert.Enabled)
	assert.Equal(t, "env-key", cfg.Alert.Target)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "/tmp/apikit", cfg.Log.Path)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "address conflict", yaml: "server:\n  address: \":1\"\n  admin_address: \":1\"\n"},
		{name: "negative body limit", yaml: "server:\n  max_body_bytes: -1\n"},
		{name: "bad log level", yaml: "logging:\n  level: loud\n"},
		{name: "error file with directory", yaml: "log:\n  error_file: a/b.log\n"},
		{name: "alert without key", yaml: "alert:\n  enabled: true\n"},
		{name: "bad base url", yaml: "alert:\n  base_url: not a url\n"},
		{name: "relative route", yaml: "handlers:\n  user/create:\n    need_token: true\n"},
		{name: "negative rate", yaml: "governance:\n  rate_limits:\n    /a:\n      requests_per_second: -1\n"},
		{name: "unknown method", yaml: "governance:\n  allowed_methods:\n    /a: [FETCH]\n"},
		{name: "empty methods", yaml: "governance:\n  allowed_methods:\n    /a: []\n"},
		{name: "bad fail mode", yaml: "policy:\n  module: package x\n  fail_mode: maybe\n"},
		{name: "entrypoint without policy", yaml: "policy:\n  entrypoint: x/y\n"},
		{name: "entrypoints without policy", yaml: "policy:\n  entrypoints: [x/y]\n"},
		{name: "blank entrypoint", yaml: "policy:\n  module: package x\n  entrypoints: [\"x/y\", \" \"]\n"},
		{name: "malformed yaml", yaml: "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
