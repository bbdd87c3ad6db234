// Command offline-cache is a local caching proxy for the procurement
// API. It serves allow-listed reads from a durable cache when the
// backend is unreachable and replays queued writes once it returns.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/ajaytamvada/procleo-offline-cache/server"
	"github.com/ajaytamvada/procleo-offline-cache/telemetry"
)

var version = "dev"

type cli struct {
	Address  string `help:"Address to listen on." default:":8080"`
	Storage  string `help:"Bolt database file path." default:"./offline-cache.db"`
	Config   string `help:"YAML cache configuration file." type:"path"`
	Upstream string `help:"Upstream API base URL (overrides the config file)."`

	AuthToken string `help:"Bearer token required on non-exempt endpoints." env:"OFFLINE_CACHE_AUTH_TOKEN"`

	SyncInterval    time.Duration `help:"Periodic background sync cadence." default:"5m"`
	ReplayRateLimit float64       `help:"Mutation replay cap in requests per second (0 = unlimited)."`

	Metrics bool `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kong.Parse(&flags,
		kong.Name("offline-cache"),
		kong.Description("Offline-capable caching proxy for the procurement API."),
		kong.Vars{"version": version},
	)

	if err := run(flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags cli) error {
	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	shutdownMetrics, err := telemetry.InitMetrics(context.Background(), telemetry.MetricsConfig{
		ServiceName:      "offline-cache",
		ServiceVersion:   version,
		EnablePrometheus: flags.Metrics,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:         flags.Address,
		StoragePath:     flags.Storage,
		ConfigPath:      flags.Config,
		Upstream:        flags.Upstream,
		AuthToken:       flags.AuthToken,
		SyncInterval:    flags.SyncInterval,
		ReplayRateLimit: flags.ReplayRateLimit,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("point the application at the proxy",
		"proxy_url", fmt.Sprintf("http://localhost%s/", srv.Address()),
		"control_url", fmt.Sprintf("http://localhost%s/control", srv.Address()),
		"events_url", fmt.Sprintf("http://localhost%s/events", srv.Address()),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		err := srv.Shutdown(shutdownCtx)
		if metricsErr := shutdownMetrics(shutdownCtx); metricsErr != nil && err == nil {
			err = metricsErr
		}
		return err
	case err := <-errCh:
		return err
	}
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
