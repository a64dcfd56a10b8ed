package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"assistant-queue-worker/internal/domain"
	"assistant-queue-worker/internal/health"
	"assistant-queue-worker/internal/metrics"
	"assistant-queue-worker/internal/queue"
	"assistant-queue-worker/internal/repository"
)

// ErrRestartRequired is returned by Run when the worker is unhealthy and the
// process should exit so its supervisor can start a fresh one.
var ErrRestartRequired = errors.New("dispatch: restart required")

// Receiver is the queue handle. It is used only from the Run goroutine.
type Receiver interface {
	Receive(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Abandon(ctx context.Context, msg queue.Message) error
}

// MessageProcessor decides the disposition of one message. *Processor satisfies it.
type MessageProcessor interface {
	Process(ctx context.Context, msg queue.Message) Outcome
}

// HealthMonitor is the part of *health.Monitor the loop drives.
type HealthMonitor interface {
	Check(ctx context.Context) health.Report
	ConnectionError(ctx context.Context, err error) int
	ConnectionOK()
	ShouldRestart() bool
	Failures() int
	Record(ctx context.Context, eventType, details string)
}

// PoolMaintainer is the part of the assistant pool kept up by maintenance.
type PoolMaintainer interface {
	Revalidate(ctx context.Context) int
	Replenish(ctx context.Context) int
	ReleaseIdle(olderThan time.Duration) int
	Size() int
}

type SessionSweeper interface {
	Sweep() []domain.SessionEntry
	Len() int
}

// RetentionStore deletes rows older than a cutoff, by entity.
type RetentionStore interface {
	DeleteCreatedBefore(ctx context.Context, entity string, cutoff time.Time) (int, error)
}

type Flusher interface {
	MaybeFlush(ctx context.Context, force bool) int
}

// LoopDeps are the components the loop composes.
type LoopDeps struct {
	Receiver  Receiver
	Processor MessageProcessor
	Monitor   HealthMonitor
	Pool      PoolMaintainer
	Sessions  SessionSweeper
	Retention RetentionStore
	Buffer    Flusher
}

// Retention is how long each kind of row is kept.
type Retention struct {
	Requests      time.Duration
	Conversations time.Duration
	Health        time.Duration
}

// Schedule holds the maintenance intervals.
type Schedule struct {
	HealthCheck          time.Duration
	NoMessagesTimeout    time.Duration
	ConnectionErrorSleep time.Duration
	Revalidate           time.Duration
	Cleanup              time.Duration
	MetricsSummary       time.Duration
	// SessionTTL is also how long an assigned slot may sit idle before it is released.
	SessionTTL time.Duration
}

// DefaultSchedule mirrors the worker's configuration defaults.
var DefaultSchedule = Schedule{
	HealthCheck:          5 * time.Minute,
	NoMessagesTimeout:    30 * time.Minute,
	ConnectionErrorSleep: 10 * time.Second,
	Revalidate:           15 * time.Minute,
	Cleanup:              24 * time.Hour,
	MetricsSummary:       time.Hour,
	SessionTTL:           30 * time.Minute,
}

var DefaultRetention = Retention{
	Requests:      7 * 24 * time.Hour,
	Conversations: 30 * 24 * time.Hour,
	Health:        7 * 24 * time.Hour,
}

// Loop pulls batches from the receiver, fans them out to a bounded worker
// pool, and applies every disposition itself once the batch is done.
type Loop struct {
	deps      LoopDeps
	workers   int
	schedule  Schedule
	retention Retention

	logger  *slog.Logger
	metrics metrics.Recorder
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration)

	lastHealth     time.Time
	lastMessage    time.Time
	lastCleanup    time.Time
	lastRevalidate time.Time
	statsStart     time.Time
	started        time.Time
	processed      int
	failed         int
	abandoned      int
	applyErrs      int
}

type LoopOption func(*Loop)

func WithWorkers(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithSchedule replaces the maintenance intervals. Zero fields keep their defaults.
func WithSchedule(s Schedule) LoopOption {
	return func(l *Loop) {
		mergeDuration(&l.schedule.HealthCheck, s.HealthCheck)
		mergeDuration(&l.schedule.NoMessagesTimeout, s.NoMessagesTimeout)
		mergeDuration(&l.schedule.ConnectionErrorSleep, s.ConnectionErrorSleep)
		mergeDuration(&l.schedule.Revalidate, s.Revalidate)
		mergeDuration(&l.schedule.Cleanup, s.Cleanup)
		mergeDuration(&l.schedule.MetricsSummary, s.MetricsSummary)
		mergeDuration(&l.schedule.SessionTTL, s.SessionTTL)
	}
}

// WithRetention replaces the retention windows. Zero fields keep their defaults.
func WithRetention(r Retention) LoopOption {
	return func(l *Loop) {
		mergeDuration(&l.retention.Requests, r.Requests)
		mergeDuration(&l.retention.Conversations, r.Conversations)
		mergeDuration(&l.retention.Health, r.Health)
	}
}

func WithLoopLogger(lg *slog.Logger) LoopOption {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

func WithLoopMetrics(m metrics.Recorder) LoopOption {
	return func(l *Loop) {
		if m != nil {
			l.metrics = m
		}
	}
}

func WithLoopClock(now func() time.Time) LoopOption {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLoopSleep replaces the pause after a receive error.
func WithLoopSleep(fn func(ctx context.Context, d time.Duration)) LoopOption {
	return func(l *Loop) {
		if fn != nil {
			l.sleep = fn
		}
	}
}

func mergeDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func NewLoop(deps LoopDeps, opts ...LoopOption) (*Loop, error) {
	switch {
	case deps.Receiver == nil:
		return nil, errors.New("dispatch: receiver must not be nil")
	case deps.Processor == nil:
		return nil, errors.New("dispatch: processor must not be nil")
	case deps.Monitor == nil:
		return nil, errors.New("dispatch: health monitor must not be nil")
	case deps.Pool == nil:
		return nil, errors.New("dispatch: pool must not be nil")
	case deps.Sessions == nil:
		return nil, errors.New("dispatch: session cache must not be nil")
	case deps.Retention == nil:
		return nil, errors.New("dispatch: retention store must not be nil")
	case deps.Buffer == nil:
		return nil, errors.New("dispatch: buffer must not be nil")
	}
	l := &Loop{
		deps:      deps,
		workers:   5,
		schedule:  DefaultSchedule,
		retention: DefaultRetention,
		logger:    slog.Default(),
		metrics:   metrics.Nop{},
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run processes messages until ctx is cancelled (returning nil) or the worker
// becomes unhealthy (returning an error wrapping ErrRestartRequired).
func (l *Loop) Run(ctx context.Context) error {
	now := l.now()
	l.started, l.lastHealth, l.lastMessage, l.lastCleanup, l.lastRevalidate, l.statsStart = now, now, now, now, now, now

	l.deps.Monitor.Record(ctx, health.EventStartup, fmt.Sprintf("worker started with %d workers", l.workers))
	if rep := l.deps.Monitor.Check(ctx); !rep.Healthy {
		l.logger.Warn("initial health check failed, proceeding anyway", "failures", rep.Failures)
	}
	l.logger.Info("starting message processing loop", "workers", l.workers)

	for {
		if ctx.Err() != nil {
			return l.shutdown(ctx)
		}
		if reason := l.maintain(ctx); reason != "" {
			return l.restart(ctx, reason)
		}

		msgs, err := l.deps.Receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return l.shutdown(ctx)
			}
			n := l.deps.Monitor.ConnectionError(ctx, err)
			if l.deps.Monitor.ShouldRestart() {
				return l.restart(ctx, fmt.Sprintf("%d consecutive queue errors", n))
			}
			l.sleep(ctx, l.schedule.ConnectionErrorSleep)
			continue
		}
		l.deps.Monitor.ConnectionOK()
		if len(msgs) == 0 {
			continue
		}

		l.lastMessage = l.now()
		l.logger.Info("received messages batch", "count", len(msgs))
		l.apply(ctx, l.dispatch(ctx, msgs))
	}
}

// dispatch processes a batch on at most l.workers goroutines and returns the
// outcomes in message order.
func (l *Loop) dispatch(ctx context.Context, msgs []queue.Message) []Outcome {
	outcomes := make([]Outcome, len(msgs))
	var g errgroup.Group
	g.SetLimit(l.workers)
	for i, msg := range msgs {
		g.Go(func() error {
			outcomes[i] = l.deps.Processor.Process(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// apply acknowledges or abandons each message. Dispositions are applied even
// during shutdown so finished work is not redelivered.
func (l *Loop) apply(ctx context.Context, outcomes []Outcome) {
	actx := context.WithoutCancel(ctx)
	for _, out := range outcomes {
		var err error
		switch out.Disposition {
		case Abandon:
			l.abandoned++
			err = l.deps.Receiver.Abandon(actx, out.Message)
		default:
			err = l.deps.Receiver.Ack(actx, out.Message)
		}
		l.processed++
		if out.Status == StatusError {
			l.failed++
		}
		if err != nil {
			l.applyErrs++
			l.metrics.IncQueueError()
			l.logger.Error("failed to apply message disposition",
				"message_id", out.Message.ID,
				"request_id", out.RequestID,
				"disposition", out.Disposition.String(),
				"err", err,
			)
		}
	}
}

// maintain runs whatever periodic work is due and returns a non-empty reason
// when the worker must restart.
func (l *Loop) maintain(ctx context.Context) string {
	now := l.now()

	if now.Sub(l.lastCleanup) >= l.schedule.Cleanup {
		l.lastCleanup = now
		l.cleanup(ctx, now)
	}

	if now.Sub(l.lastRevalidate) >= l.schedule.Revalidate {
		l.lastRevalidate = now
		removed := l.deps.Pool.Revalidate(ctx)
		added := l.deps.Pool.Replenish(ctx)
		idle := l.deps.Pool.ReleaseIdle(l.schedule.SessionTTL)
		expired := len(l.deps.Sessions.Sweep())
		l.logger.Info("pool maintenance",
			"removed", removed,
			"added", added,
			"released_idle", idle,
			"expired_sessions", expired,
			"pool_size", l.deps.Pool.Size(),
		)
	}

	if now.Sub(l.lastHealth) >= l.schedule.HealthCheck {
		l.lastHealth = now
		rep := l.deps.Monitor.Check(ctx)
		if !rep.Healthy && l.deps.Monitor.ShouldRestart() {
			return fmt.Sprintf("health check failed %d times", rep.Failures)
		}
	}

	if now.Sub(l.lastMessage) > l.schedule.NoMessagesTimeout {
		l.logger.Warn("no messages received recently, checking connectivity", "idle", now.Sub(l.lastMessage))
		l.lastMessage = now
		l.lastHealth = now
		if rep := l.deps.Monitor.Check(ctx); !rep.Healthy {
			return "health check failed after message timeout"
		}
	}

	if now.Sub(l.statsStart) >= l.schedule.MetricsSummary {
		l.summarize(ctx, now)
	}
	return ""
}

func (l *Loop) cleanup(ctx context.Context, now time.Time) {
	for _, r := range []struct {
		entity string
		keep   time.Duration
	}{
		{repository.EntityRequest, l.retention.Requests},
		{repository.EntityConversation, l.retention.Conversations},
		{repository.EntityHealth, l.retention.Health},
	} {
		n, err := l.deps.Retention.DeleteCreatedBefore(ctx, r.entity, now.Add(-r.keep))
		if err != nil {
			l.logger.Error("retention cleanup failed", "entity", r.entity, "err", err)
			continue
		}
		l.logger.Info("retention cleanup", "entity", r.entity, "deleted", n)
	}
}

type summary struct {
	UptimeHours       float64 `json:"uptime_hours"`
	MessagesProcessed int     `json:"messages_processed"`
	Errors            int     `json:"errors"`
	Abandoned         int     `json:"abandoned"`
	MessagesPerHour   float64 `json:"messages_per_hour"`
	PoolSize          int     `json:"pool_size"`
	Sessions          int     `json:"cached_sessions"`
	ConnectionErrors  int     `json:"connection_errors"`
}

// summarize logs and records the processing counters for the window that just
// ended, then resets them.
func (l *Loop) summarize(ctx context.Context, now time.Time) {
	window := now.Sub(l.statsStart).Hours()
	s := summary{
		UptimeHours:       roundTo(now.Sub(l.started).Hours(), 2),
		MessagesProcessed: l.processed,
		Errors:            l.failed + l.applyErrs,
		Abandoned:         l.abandoned,
		PoolSize:          l.deps.Pool.Size(),
		Sessions:          l.deps.Sessions.Len(),
		ConnectionErrors:  l.deps.Monitor.Failures(),
	}
	if window > 0 {
		s.MessagesPerHour = roundTo(float64(l.processed)/window, 2)
	}
	l.logger.Info("processor metrics",
		"uptime_hours", s.UptimeHours,
		"messages_processed", s.MessagesProcessed,
		"errors", s.Errors,
		"abandoned", s.Abandoned,
		"messages_per_hour", s.MessagesPerHour,
		"pool_size", s.PoolSize,
		"cached_sessions", s.Sessions,
		"connection_errors", s.ConnectionErrors,
	)
	if b, err := json.Marshal(s); err == nil {
		l.deps.Monitor.Record(ctx, health.EventMetrics, string(b))
	}
	l.statsStart = now
	l.processed, l.failed, l.abandoned, l.applyErrs = 0, 0, 0, 0
}

func (l *Loop) shutdown(ctx context.Context) error {
	bg := context.WithoutCancel(ctx)
	flushed := l.deps.Buffer.MaybeFlush(bg, true)
	l.deps.Monitor.Record(bg, health.EventShutdown, "worker stopped on interrupt")
	l.logger.Info("message processing stopped", "flushed", flushed)
	return nil
}

func (l *Loop) restart(ctx context.Context, reason string) error {
	bg := context.WithoutCancel(ctx)
	l.logger.Error("restarting worker", "reason", reason)
	l.deps.Buffer.MaybeFlush(bg, true)
	l.deps.Monitor.Record(bg, health.EventRestart, reason)
	return fmt.Errorf("%w: %s", ErrRestartRequired, reason)
}

func roundTo(v float64, places int) float64 {
	p := 1.0
	for range places {
		p *= 10
	}
	return float64(int64(v*p+0.5)) / p
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
