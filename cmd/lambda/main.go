package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"assistant-queue-worker/handler"
	"assistant-queue-worker/internal/app"
	"assistant-queue-worker/internal/config"
	"assistant-queue-worker/internal/health"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// Lambda has no scrape endpoint, so metrics stay disabled here.
	w, err := app.Build(ctx, cfg, awsCfg, logger, nil)
	if err != nil {
		logger.Error("failed to build worker", "err", err)
		os.Exit(1)
	}
	w.Monitor.Record(ctx, health.EventStartup, "lambda cold start")

	h, err := handler.NewHandler(w.Processor, w.Buffer,
		handler.WithWorkers(cfg.Workers),
		handler.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
