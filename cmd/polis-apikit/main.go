// Package main is the entry point for the polis-apikit binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/polisai/polis-apikit/internal/demo"
	"github.com/polisai/polis-apikit/internal/governance"
	"github.com/polisai/polis-apikit/pkg/alert"
	"github.com/polisai/polis-apikit/pkg/config"
	"github.com/polisai/polis-apikit/pkg/exception"
	"github.com/polisai/polis-apikit/pkg/handler"
	"github.com/polisai/polis-apikit/pkg/logging"
	"github.com/polisai/polis-apikit/pkg/policy"
	"github.com/polisai/polis-apikit/pkg/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultConfigPath = "config.yaml"
	pruneInterval     = time.Minute
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "polis-apikit",
		Short:        "JSON API service built on the apikit base controller",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML); empty uses defaults")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the API and admin endpoints",
		RunE:  runServe,
	}
	serveCmd.Flags().String("listen", "", "Address to listen on (overrides server.address)")
	serveCmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error); overrides logging.level")
	serveCmd.Flags().Bool("pretty", false, "Enable human readable logs")

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and compile its policies",
		Args:  cobra.NoArgs,
		RunE:  runCheckConfig,
	}

	rootCmd.AddCommand(serveCmd, checkCmd)
	return rootCmd
}

func runCheckConfig(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if _, err := buildRegoPolicy(cmd.Context(), cfg.Policy, slog.Default()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration OK: %s\n", path)
	fmt.Fprintf(out, "  address:        %s (admin %s)\n", cfg.Server.Address, cfg.Server.AdminAddress)
	fmt.Fprintf(out, "  handlers:       %d\n", len(cfg.Handlers))
	fmt.Fprintf(out, "  rate limits:    %d\n", len(cfg.Governance.RateLimits))
	fmt.Fprintf(out, "  rego policy:    %t\n", cfg.Policy.Enabled())
	fmt.Fprintf(out, "  alerts enabled: %t\n", cfg.Alert.Enabled)
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	listen, err := cmd.Flags().GetString("listen")
	if err != nil {
		return err
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return err
	}
	pretty, err := cmd.Flags().GetBool("pretty")
	if err != nil {
		return err
	}

	metrics := telemetry.NewHTTPMetrics(demo.RouteIndex, demo.RouteUserList, demo.RouteUserShow, demo.RouteUserCreate)

	var (
		cfg      *config.Config
		provider *config.FileProvider
	)
	if path != "" {
		provider, err = config.NewFileProvider(path, config.ProviderOptions{OnReload: metrics.RecordConfigReload})
		if err != nil {
			return err
		}
		defer func() { _ = provider.Close() }()
		cfg = provider.Current()
	} else {
		if cfg, err = config.Load(""); err != nil {
			return err
		}
	}

	if logLevel == "" {
		logLevel = cfg.Logging.Level
	}
	logger := logging.NewLogger(logging.Config{Level: logLevel, Pretty: pretty || cfg.Logging.Pretty})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	var configs handler.ConfigSource = cfg
	if provider != nil {
		configs = provider
	}

	a, err := newApp(ctx, cfg, configs, metrics, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if provider != nil {
		go a.watchConfig(ctx, provider.Subscribe())
	}
	go a.pruneLoop(ctx)

	address := cfg.Server.Address
	if listen != "" {
		address = listen
	}

	logger.Info("Starting polis-apikit", "config", path, "addr", address, "admin_addr", cfg.Server.AdminAddress)
	err = serve(ctx, logger, cfg.Server, address, a)

	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if shutdownErr := shutdownTracing(flushCtx); shutdownErr != nil {
		logger.Error("Tracer shutdown error", "error", shutdownErr)
	}
	return err
}

// app holds the wired components of a running service.
type app struct {
	logger   *slog.Logger
	limiter  *governance.RateLimiter
	methods  *governance.MethodAllowList
	metrics  *telemetry.HTTPMetrics
	errorLog *logging.FileErrorLog

	data  http.Handler
	admin http.Handler
}

func newApp(ctx context.Context, cfg *config.Config, configs handler.ConfigSource, metrics *telemetry.HTTPMetrics, logger *slog.Logger) (*app, error) {
	errorLog, err := logging.OpenFileErrorLog(cfg.Log.Path, cfg.Log.ErrorFile)
	if err != nil {
		return nil, err
	}

	var notifier alert.Notifier = alert.Nop{}
	if cfg.Alert.Enabled {
		notifier = alert.NewWebhookNotifier(alert.WebhookConfig{
			BaseURL: cfg.Alert.BaseURL,
			Timeout: cfg.Alert.Timeout,
			Logger:  logger,
		})
	}

	reporter := exception.NewReporter(exception.Config{
		ErrorLog: errorLog,
		Notifier: notifier,
		Target:   cfg.Alert.Target,
		Title:    cfg.Alert.Title,
		Metrics:  metrics,
		Logger:   logger,
	})

	a := &app{
		logger:   logger,
		limiter:  governance.NewRateLimiter(cfg.Governance.RateLimits),
		methods:  governance.NewMethodAllowList(cfg.Governance.AllowedMethods),
		metrics:  metrics,
		errorLog: errorLog,
	}

	requestPolicy := handler.RequestPolicies{a.limiter}
	regoPolicy, err := buildRegoPolicy(ctx, cfg.Policy, logger)
	if err != nil {
		_ = errorLog.Close()
		return nil, err
	}
	if regoPolicy != nil {
		requestPolicy = append(requestPolicy, regoPolicy)
	}

	opts := handler.Options{
		RequestPolicy: requestPolicy,
		MethodPolicy:  a.methods,
		Authorizer:    handler.TokenAuthorizer{},
		Reporter:      reporter,
		Metrics:       metrics,
		Logger:        logger,
		Configs:       configs,
		Version:       cfg.Server.Version,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	mux := http.NewServeMux()
	demo.Register(mux, demo.NewUserStore(0), opts)
	a.data = metrics.Middleware(otelhttp.NewHandler(mux, "polis.apikit"))

	admin := http.NewServeMux()
	admin.Handle("/metrics", metrics.Handler())
	admin.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	admin.HandleFunc("/debug/ratelimits", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(a.limiter.Stats()); err != nil {
			logger.Error("failed to encode rate limit stats", "error", err)
		}
	})
	a.admin = admin

	return a, nil
}

// buildRegoPolicy compiles the configured Rego policy. It returns nil when no
// policy is configured.
func buildRegoPolicy(ctx context.Context, cfg config.PolicyConfig, logger *slog.Logger) (*policy.RequestPolicy, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	modules, err := policy.LoadModules(cfg.File, cfg.Module)
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint:      cfg.Entrypoint,
		Modules:         modules,
		CacheMaxEntries: cfg.CacheSize,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build rego policy: %w", err)
	}
	if err := engine.Prepare(ctx, cfg.Entrypoints...); err != nil {
		return nil, fmt.Errorf("build rego policy: %w", err)
	}
	mode, err := policy.ParseMode(cfg.FailMode)
	if err != nil {
		return nil, err
	}
	return policy.NewRequestPolicy(policy.NewEntrypointChain(engine, cfg.Entrypoints...), policy.RequestPolicyOptions{
		Mode:          mode,
		IncludeParams: cfg.IncludeParams,
		Logger:        logger,
	}), nil
}

// watchConfig applies reloaded governance settings. Handler switches are read
// from the provider on every request and need no action here.
func (a *app) watchConfig(ctx context.Context, updates <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			a.limiter.Configure(cfg.Governance.RateLimits)
			a.methods.Configure(cfg.Governance.AllowedMethods)
			a.logger.Info("Governance configuration applied",
				"rate_limits", len(cfg.Governance.RateLimits),
				"allowed_methods", len(cfg.Governance.AllowedMethods),
			)
		}
	}
}

func (a *app) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Prune(10 * pruneInterval); n > 0 {
				a.logger.Debug("Pruned idle rate limit buckets", "count", n)
			}
		}
	}
}

func (a *app) Close() {
	if err := a.errorLog.Close(); err != nil {
		a.logger.Error("Failed to close error log", "error", err)
	}
}

func serve(ctx context.Context, logger *slog.Logger, cfg config.ServerConfig, address string, a *app) error {
	servers := []*http.Server{
		{Addr: address, Handler: a.data, ReadTimeout: cfg.ReadTimeout, WriteTimeout: 30 * time.Second, IdleTimeout: 120 * time.Second},
		{Addr: cfg.AdminAddress, Handler: a.admin, ReadTimeout: cfg.ReadTimeout},
	}

	listeners := make([]net.Listener, 0, len(servers))
	for _, server := range servers {
		listener, err := net.Listen("tcp", server.Addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return fmt.Errorf("bind listener %s: %w", server.Addr, err)
		}
		logger.Info("Server listening", "addr", listener.Addr().String())
		listeners = append(listeners, listener)
	}

	errCh := make(chan error, len(servers))
	for i, server := range servers {
		go func(server *http.Server, listener net.Listener) {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", server.Addr, err)
			}
		}(server, listeners[i])
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case serveErr = <-errCh:
		logger.Error("Server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown error", "addr", server.Addr, "error", err)
		}
	}
	return serveErr
}
