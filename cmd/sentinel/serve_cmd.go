package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/config"
	"github.com/Mindburn-Labs/sentinel/pkg/observability"
	"github.com/Mindburn-Labs/sentinel/pkg/sentinel"
)

const shutdownTimeout = 10 * time.Second

// signalContext is replaced in tests.
var signalContext = func() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runServeCmd implements `sentinel serve`.
//
// Exit codes:
//
//	0 = clean shutdown
//	2 = configuration or startup error
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var configPath string
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config file (environment wins)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
		return 2
	}

	logger, err := newLogger(cfg, stdout)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(logger)

	sigCtx, stop := signalContext()
	defer stop()
	ctx := context.Background()

	provider, err := observability.New(ctx, cfg.ObservabilityConfig())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
		return 2
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	svc, err := sentinel.New(ctx, cfg, sentinel.WithLogger(logger), sentinel.WithTelemetry(provider))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Stop(context.Background())
		_, _ = fmt.Fprintf(stderr, "Error: start: %v\n", err)
		return 2
	}

	<-sigCtx.Done()
	logger.Info("shutdown requested")

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Stop(shutCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	return 0
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Service.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("service", "sentinel", "environment", cfg.Service.Environment), nil
}
