package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"assistant-queue-worker/internal/app"
	"assistant-queue-worker/internal/config"
	"assistant-queue-worker/internal/dispatch"
	"assistant-queue-worker/internal/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// ---- Metrics ----
	var rec metrics.Recorder = metrics.Nop{}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		rec = metrics.NewPrometheus(reg)
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
		defer srv.Close()
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Components ----
	w, err := app.Build(ctx, cfg, awsCfg, logger, rec)
	if err != nil {
		logger.Error("failed to build worker", "err", err)
		os.Exit(1)
	}
	loop, err := w.Loop()
	if err != nil {
		logger.Error("failed to create processing loop", "err", err)
		os.Exit(1)
	}

	if err := loop.Run(ctx); err != nil {
		if errors.Is(err, dispatch.ErrRestartRequired) {
			logger.Error("worker unhealthy, exiting for restart", "err", err)
		} else {
			logger.Error("worker stopped", "err", err)
		}
		stop()
		os.Exit(1)
	}
}
