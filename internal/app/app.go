// Package app wires the worker's components from configuration. Both the
// long-running worker and the Lambda entry point build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"assistant-queue-worker/internal/assistants"
	"assistant-queue-worker/internal/config"
	"assistant-queue-worker/internal/convbuffer"
	"assistant-queue-worker/internal/dispatch"
	"assistant-queue-worker/internal/health"
	"assistant-queue-worker/internal/inflight"
	"assistant-queue-worker/internal/integrations/openai"
	"assistant-queue-worker/internal/integrations/paramstore"
	"assistant-queue-worker/internal/metrics"
	"assistant-queue-worker/internal/queue"
	"assistant-queue-worker/internal/repository"
	"assistant-queue-worker/internal/retry"
	"assistant-queue-worker/internal/session"
	"assistant-queue-worker/internal/usecase"
)

// Worker holds every long-lived component of one worker process.
type Worker struct {
	Config    config.Config
	Store     *repository.Retrying
	Receiver  *queue.Receiver
	Pool      *assistants.Pool
	Sessions  *session.Cache
	InFlight  *inflight.Tracker
	Buffer    *convbuffer.Buffer
	Answers   *usecase.AnswerService
	Monitor   *health.Monitor
	Processor *dispatch.Processor

	logger  *slog.Logger
	metrics metrics.Recorder
}

// NewLogger returns a JSON logger at the named level. Unknown levels fall
// back to info.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Build creates the clients and components and initialises the assistant pool.
func Build(ctx context.Context, cfg config.Config, awsCfg aws.Config, logger *slog.Logger, rec metrics.Recorder) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: paramstore: %w", err)
	}
	table, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		return nil, fmt.Errorf("app: state table: %w", err)
	}
	retrier := retry.New(retry.Policy{
		MaxAttempts:   cfg.StoreRetry.MaxAttempts,
		MaxElapsed:    cfg.StoreRetry.MaxElapsed,
		InitialDelay:  cfg.StoreRetry.InitialDelay,
		MaxDelay:      cfg.StoreRetry.MaxDelay,
		BackoffFactor: retry.DefaultPolicy.BackoffFactor,
		Jitter:        true,
	}, retry.WithLogger(logger))
	store, err := repository.NewRetrying(table, retrier)
	if err != nil {
		return nil, fmt.Errorf("app: state store: %w", err)
	}

	receiver, err := queue.NewReceiver(awssqs.NewFromConfig(awsCfg), cfg.QueueURL,
		queue.WithMaxMessages(cfg.BatchSize),
		queue.WithWaitTime(cfg.PollWait),
		queue.WithVisibilityTimeout(cfg.VisibilityTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("app: queue: %w", err)
	}

	aiOpts := []openai.Option{
		openai.WithRunAttempts(cfg.RunAttempts),
		openai.WithAssistantName(cfg.AssistantName),
		openai.WithLogger(logger),
	}
	if cfg.OpenAIBaseURL != "" {
		aiOpts = append(aiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	completer, err := openai.NewClient(ssmClient, cfg.ParamPrefix, aiOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: openai: %w", err)
	}

	policy, err := assistants.ParseEvictionPolicy(cfg.EvictionPolicy)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	pool, err := assistants.New(completer, store, cfg.PoolCapacity,
		assistants.WithPolicy(policy),
		assistants.WithLogger(logger),
		assistants.WithMetrics(rec),
	)
	if err != nil {
		return nil, fmt.Errorf("app: pool: %w", err)
	}
	if err := pool.Init(ctx); err != nil {
		return nil, fmt.Errorf("app: pool init: %w", err)
	}

	sessions := session.New(cfg.SessionTTL)
	tracker := inflight.New()

	buffer, err := convbuffer.New(store,
		convbuffer.WithThreshold(cfg.BufferThreshold),
		convbuffer.WithLogger(logger),
		convbuffer.WithMetrics(rec),
	)
	if err != nil {
		return nil, fmt.Errorf("app: buffer: %w", err)
	}

	answers, err := usecase.NewAnswerService(pool, sessions, completer,
		usecase.WithSlowCompletion(cfg.SlowCompletion),
		usecase.WithLogger(logger),
		usecase.WithMetrics(rec),
	)
	if err != nil {
		return nil, fmt.Errorf("app: answer service: %w", err)
	}

	monitor, err := health.New(health.Deps{
		Queue:    receiver,
		Store:    store,
		Events:   store,
		Pool:     pool,
		InFlight: tracker,
	},
		health.WithInstanceID(cfg.InstanceID),
		health.WithStuckAfter(cfg.StuckAfter),
		health.WithMaxConnectionErrors(cfg.MaxConnectionErrors),
		health.WithLogger(logger),
		health.WithMetrics(rec),
	)
	if err != nil {
		return nil, fmt.Errorf("app: health monitor: %w", err)
	}

	proc, err := dispatch.NewProcessor(tracker, store, answers, buffer,
		dispatch.WithProcessorLogger(logger),
		dispatch.WithProcessorMetrics(rec),
		dispatch.WithRetryableRedelivery(cfg.RedeliverInternalErrors),
	)
	if err != nil {
		return nil, fmt.Errorf("app: processor: %w", err)
	}

	return &Worker{
		Config:    cfg,
		Store:     store,
		Receiver:  receiver,
		Pool:      pool,
		Sessions:  sessions,
		InFlight:  tracker,
		Buffer:    buffer,
		Answers:   answers,
		Monitor:   monitor,
		Processor: proc,
		logger:    logger,
		metrics:   rec,
	}, nil
}

// Loop returns the polling loop for a long-running worker.
func (w *Worker) Loop() (*dispatch.Loop, error) {
	cfg := w.Config
	return dispatch.NewLoop(dispatch.LoopDeps{
		Receiver:  w.Receiver,
		Processor: w.Processor,
		Monitor:   w.Monitor,
		Pool:      w.Pool,
		Sessions:  w.Sessions,
		Retention: w.Store,
		Buffer:    w.Buffer,
	},
		dispatch.WithWorkers(cfg.Workers),
		dispatch.WithSchedule(Schedule(cfg)),
		dispatch.WithRetention(Retention(cfg)),
		dispatch.WithLoopLogger(w.logger),
		dispatch.WithLoopMetrics(w.metrics),
	)
}

// Schedule maps configuration onto the loop's maintenance intervals.
func Schedule(cfg config.Config) dispatch.Schedule {
	return dispatch.Schedule{
		HealthCheck:          cfg.HealthCheckInterval,
		NoMessagesTimeout:    cfg.NoMessagesTimeout,
		ConnectionErrorSleep: cfg.ConnectionErrorSleep,
		Revalidate:           cfg.RevalidateInterval,
		Cleanup:              cfg.CleanupInterval,
		MetricsSummary:       cfg.MetricsInterval,
		SessionTTL:           cfg.SessionTTL,
	}
}

// Retention maps the configured day counts onto retention windows.
func Retention(cfg config.Config) dispatch.Retention {
	return dispatch.Retention{
		Requests:      days(cfg.CleanupDays),
		Conversations: days(cfg.ConversationRetentionDays),
		Health:        days(cfg.HealthRetentionDays),
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
