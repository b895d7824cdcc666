// Package main is the entry point for the BATV milter.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/batv-milter/internal/config"
	"github.com/shineum/batv-milter/internal/filter"
	"github.com/shineum/batv-milter/internal/hosts"
	"github.com/shineum/batv-milter/internal/keys"
	"github.com/shineum/batv-milter/internal/milter"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	km, err := keys.NewReloadable(cfg.BATV.KeyFile, cfg.BATV.KeyMapFile)
	if err != nil {
		slog.Error("failed to load keys", "error", err)
		os.Exit(1)
	}

	f, err := newFilter(cfg, km)
	if err != nil {
		slog.Error("failed to set up filter", "error", err)
		os.Exit(1)
	}

	mode, _ := cfg.SocketMode()
	server := milter.New(milter.ServerConfig{
		Listen:     cfg.Milter.Listen,
		SocketMode: mode,
		Filter:     f,
	})

	slog.Info("starting batv-milter",
		"listen", cfg.Milter.Listen,
		"sign", cfg.BATV.Sign,
		"verify", cfg.BATV.Verify,
		"lifetime", cfg.BATV.Lifetime,
		"delimiter", cfg.BATV.SubAddressDelimiter,
		"on_internal_error", cfg.BATV.OnInternalError,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	if cfg.BATV.WatchKeys {
		go func() {
			if err := km.Watch(ctx); err != nil {
				slog.Error("key file watcher stopped", "error", err)
			}
		}()
	}

	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg.Metrics.Listen, cfg.Metrics.Path)
	}

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("batv-milter stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// newFilter builds the shared filter from the loaded keys.
func newFilter(cfg *config.Config, km *keys.Reloadable) (*filter.Filter, error) {
	internal, err := hosts.Parse(cfg.BATV.InternalHosts)
	if err != nil {
		return nil, err
	}
	policy, err := cfg.FailurePolicy()
	if err != nil {
		return nil, err
	}

	slog.Info("loaded keys",
		"senders", km.Current().Len(),
		"default_key", km.Current().HasDefault(),
		"watch", cfg.BATV.WatchKeys,
		"internal_hosts", internal.Len(),
	)

	return filter.New(filter.Config{
		Sign:            cfg.BATV.Sign,
		Verify:          cfg.BATV.Verify,
		Keys:            km,
		InternalHosts:   internal,
		Lifetime:        cfg.BATV.Lifetime,
		Delimiter:       cfg.Delimiter(),
		OnInternalError: policy,
	})
}

// serveMetrics exposes Prometheus metrics until ctx is cancelled.
func serveMetrics(ctx context.Context, addr, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "addr", addr, "path", path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "error", err)
	}
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
