// Package config provides configuration structures and loading logic for the
// API service.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/polis-apikit/internal/governance"
	"github.com/polisai/polis-apikit/pkg/domain"
	"github.com/polisai/polis-apikit/pkg/logging"
	"github.com/polisai/polis-apikit/pkg/policy"
	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the service.
type Config struct {
	Server     ServerConfig                    `yaml:"server"`
	Logging    LoggingConfig                   `yaml:"logging"`
	Log        ErrorLogConfig                  `yaml:"log"`
	Alert      AlertConfig                     `yaml:"alert"`
	Telemetry  TelemetryConfig                 `yaml:"telemetry"`
	Handlers   map[string]domain.HandlerConfig `yaml:"handlers"`
	Governance GovernanceConfig                `yaml:"governance"`
	Policy     PolicyConfig                    `yaml:"policy"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	AdminAddress    string        `yaml:"admin_address"`
	Version         string        `yaml:"version"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds configuration for the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ErrorLogConfig locates the exception log file.
type ErrorLogConfig struct {
	Path      string `yaml:"path"`
	ErrorFile string `yaml:"error_file"`
}

// AlertConfig holds configuration for the monitor webhook.
type AlertConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	// Target is the monitor robot key appended to the webhook URL.
	Target  string        `yaml:"monitor_key"`
	Title   string        `yaml:"title"`
	Timeout time.Duration `yaml:"timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// GovernanceConfig configures the request and method policies.
type GovernanceConfig struct {
	RateLimits     map[string]governance.RateLimiterConfig `yaml:"rate_limits"`
	AllowedMethods map[string][]string                     `yaml:"allowed_methods"`
}

// PolicyConfig configures the optional Rego request policy. When a file or
// module is set it runs after the rate limiter as a request policy.
type PolicyConfig struct {
	File       string `yaml:"file"`
	Module     string `yaml:"module"`
	Entrypoint string `yaml:"entrypoint"`

	// Entrypoints are evaluated in order; the first block or throttle
	// decision rejects the request. Empty evaluates Entrypoint alone.
	Entrypoints   []string `yaml:"entrypoints"`
	FailMode      string   `yaml:"fail_mode"`
	IncludeParams bool     `yaml:"include_params"`
	CacheSize     int      `yaml:"cache_size"`
}

// Enabled reports whether a Rego policy is configured.
func (c PolicyConfig) Enabled() bool {
	return c.File != "" || strings.TrimSpace(c.Module) != ""
}

// HandlerConfig returns the configured switches for route, falling back to
// the "*" entry.
func (c *Config) HandlerConfig(route string) (domain.HandlerConfig, bool) {
	if cfg, ok := c.Handlers[route]; ok {
		return cfg, true
	}
	cfg, ok := c.Handlers[governance.DefaultRoute]
	return cfg, ok
}

// Defaults.
const (
	DefaultAddress         = ":8080"
	DefaultAdminAddress    = ":19090"
	DefaultLogLevel        = "info"
	DefaultErrorLogPath    = "logs"
	DefaultAlertTitle      = "API service"
	DefaultServiceName     = "polis-apikit"
	DefaultReadTimeout     = 15 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultAlertTimeout    = 5 * time.Second
)

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         DefaultAddress,
			AdminAddress:    DefaultAdminAddress,
			ReadTimeout:     DefaultReadTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
		Log: ErrorLogConfig{
			Path:      DefaultErrorLogPath,
			ErrorFile: logging.DefaultErrorLogFile,
		},
		Alert: AlertConfig{
			Title:   DefaultAlertTitle,
			Timeout: DefaultAlertTimeout,
		},
		Telemetry: TelemetryConfig{
			ServiceName: DefaultServiceName,
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		data = raw
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data over the defaults, applies environment variable
// overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("APIKIT_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("APIKIT_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("APIKIT_VERSION"); val != "" {
		cfg.Server.Version = val
	}

	if val := os.Getenv("APIKIT_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("APIKIT_LOG_PRETTY"); val != "" {
		if pretty, err := strconv.ParseBool(val); err == nil {
			cfg.Logging.Pretty = pretty
		}
	}
	if val := os.Getenv("APIKIT_ERROR_LOG_PATH"); val != "" {
		cfg.Log.Path = val
	}

	if val := os.Getenv("APIKIT_ALERT_BASE_URL"); val != "" {
		cfg.Alert.BaseURL = val
	}
	if val := os.Getenv("APIKIT_MONITOR_KEY"); val != "" {
		cfg.Alert.Target = val
		cfg.Alert.Enabled = true
	}

	if val := os.Getenv("APIKIT_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("APIKIT_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("APIKIT_POLICY_FILE"); val != "" {
		cfg.Policy.File = val
	}
}

// Validate performs validation of the entire configuration, filling in
// defaults for blank required values.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log configuration: %w", err)
	}
	if err := c.Alert.Validate(); err != nil {
		return fmt.Errorf("alert configuration: %w", err)
	}
	if err := validateHandlers(c.Handlers); err != nil {
		return fmt.Errorf("handlers configuration: %w", err)
	}
	if err := c.Governance.Validate(); err != nil {
		return fmt.Errorf("governance configuration: %w", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = DefaultAddress
	}
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = DefaultAdminAddress
	}
	if c.Address == c.AdminAddress {
		return fmt.Errorf("address %q conflicts with admin_address", c.Address)
	}
	if c.MaxBodyBytes < 0 {
		return errors.New("max_body_bytes must not be negative")
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "":
		c.Level = DefaultLogLevel
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.Level)
	}
	return nil
}

// Validate performs validation of the error log location.
func (c *ErrorLogConfig) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		c.Path = DefaultErrorLogPath
	}
	if strings.TrimSpace(c.ErrorFile) == "" {
		c.ErrorFile = logging.DefaultErrorLogFile
	}
	if strings.ContainsAny(c.ErrorFile, `/\`) {
		return fmt.Errorf("error_file %q must be a file name", c.ErrorFile)
	}
	return nil
}

// Validate performs validation of alert configuration.
func (c *AlertConfig) Validate() error {
	if c.Title == "" {
		c.Title = DefaultAlertTitle
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultAlertTimeout
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base_url %q", c.BaseURL)
		}
	}
	if c.Enabled && strings.TrimSpace(c.Target) == "" {
		return errors.New("monitor_key is required when alerts are enabled")
	}
	return nil
}

func validateHandlers(handlers map[string]domain.HandlerConfig) error {
	for route := range handlers {
		if route != governance.DefaultRoute && !strings.HasPrefix(route, "/") {
			return fmt.Errorf("route %q must start with /", route)
		}
	}
	return nil
}

// Validate performs validation of rate limits and method allow-lists.
func (c *GovernanceConfig) Validate() error {
	for route, limit := range c.RateLimits {
		if limit.RequestsPerSecond < 0 || limit.BurstSize < 0 {
			return fmt.Errorf("rate limit for %q must not be negative", route)
		}
	}
	for route, methods := range c.AllowedMethods {
		if len(methods) == 0 {
			return fmt.Errorf("allowed methods for %q must not be empty", route)
		}
		for _, method := range methods {
			if !knownMethod(strings.ToUpper(strings.TrimSpace(method))) {
				return fmt.Errorf("unknown method %q for %q", method, route)
			}
		}
	}
	return nil
}

func knownMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// Validate performs validation of the Rego policy configuration.
func (c *PolicyConfig) Validate() error {
	if _, err := policy.ParseMode(c.FailMode); err != nil {
		return err
	}
	if !c.Enabled() && (c.Entrypoint != "" || len(c.Entrypoints) > 0) {
		return errors.New("entrypoint set without a policy file or module")
	}
	for i, entry := range c.Entrypoints {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("entrypoints[%d] is empty", i)
		}
	}
	return nil
}
