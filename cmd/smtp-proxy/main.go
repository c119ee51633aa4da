// Package main is the entry point for the SMTP proxy server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kylelaker/smtp-proxy/internal/config"
	"github.com/kylelaker/smtp-proxy/internal/relay"
	"github.com/kylelaker/smtp-proxy/internal/smtp"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("smtp-proxy", flag.ContinueOnError)
	var configPath string
	fs.StringVar(&configPath, "config", "", "path to YAML configuration file (required)")
	fs.StringVar(&configPath, "f", "", "shorthand for -config")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "smtp-proxy: -config is required")
		fs.Usage()
		return 2
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	rel, err := selectRelayer(cfg)
	if err != nil {
		slog.Error("failed to create relay", "error", err)
		return 1
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:      cfg.Server.Listen.Address(),
		Hostname:        cfg.Server.Hostname,
		Relayer:         rel,
		MaxMessageSize:  cfg.Server.MaxMessageSize,
		MaxSessions:     cfg.Server.MaxSessions,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	slog.Info("starting smtp-proxy",
		"listen", cfg.Server.Listen.Address(),
		"upstream", cfg.Proxy.Address(),
		"relay", rel.Name(),
		"tls_mode", cfg.Proxy.TLS.String(),
	)

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		return 1
	}

	slog.Info("smtp-proxy stopped")
	return 0
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

// selectRelayer builds the upstream relay named by proxy.api.
func selectRelayer(cfg *config.Config) (relay.Relayer, error) {
	switch cfg.Proxy.API {
	case config.APISES:
		slog.Info("using AWS SES API relay",
			"region", cfg.Proxy.Region,
			"endpoint", cfg.Proxy.Address(),
		)
		r, err := relay.NewSES(context.Background(), cfg.Proxy)
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.APISMTP, "":
		return relay.NewSMTP(cfg.Proxy), nil
	}
	return nil, fmt.Errorf("unknown proxy.api %q", cfg.Proxy.API)
}
