// Package health checks the worker's dependencies and decides when the process
// should give up and let its supervisor restart it.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistant-queue-worker/internal/domain"
	"assistant-queue-worker/internal/inflight"
	"assistant-queue-worker/internal/metrics"
)

// Health event types written to the store.
const (
	EventStartup           = "container_startup"
	EventShutdown          = "container_shutdown"
	EventRestart           = "container_restart"
	EventQueueError        = "queue_error"
	EventQueueConnectivity = "queue_connectivity"
	EventStoreConnectivity = "store_connectivity"
	EventStuckRequests     = "stuck_requests"
	EventPoolDepleted      = "pool_depleted"
	EventMetrics           = "metrics"
)

const (
	DefaultStuckAfter          = 10 * time.Minute
	DefaultMaxConnectionErrors = 10
	defaultCheckTimeout        = 10 * time.Second
)

type QueueChecker interface {
	Depth(ctx context.Context) (int, error)
}

type StoreChecker interface {
	Ping(ctx context.Context) error
}

type EventWriter interface {
	PutHealthEvent(ctx context.Context, ev domain.HealthEvent) error
}

// PoolChecker is the part of the assistant pool the monitor inspects and repairs.
type PoolChecker interface {
	Size() int
	Capacity() int
	Replenish(ctx context.Context) int
}

type InFlight interface {
	Stuck(olderThan time.Duration) []inflight.Marker
}

// Deps are the monitored components. Pool and InFlight are optional.
type Deps struct {
	Queue    QueueChecker
	Store    StoreChecker
	Events   EventWriter
	Pool     PoolChecker
	InFlight InFlight
}

// Report is the outcome of one Check.
type Report struct {
	Healthy      bool
	QueueDepth   int
	QueueErr     error
	StoreErr     error
	PoolSize     int
	PoolCapacity int
	Replenished  int
	Stuck        []inflight.Marker
	// Failures is the consecutive failure count after this check.
	Failures  int
	CheckedAt time.Time
}

// Monitor runs health checks and counts consecutive connectivity failures.
type Monitor struct {
	deps         Deps
	instanceID   string
	stuckAfter   time.Duration
	maxErrors    int
	checkTimeout time.Duration
	logger       *slog.Logger
	metrics      metrics.Recorder
	now          func() time.Time

	mu          sync.Mutex
	consecutive int
}

type Option func(*Monitor)

func WithInstanceID(id string) Option {
	return func(m *Monitor) {
		if id != "" {
			m.instanceID = id
		}
	}
}

// WithStuckAfter sets how long a request may stay in flight before it is reported.
func WithStuckAfter(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.stuckAfter = d
		}
	}
}

// WithMaxConnectionErrors sets how many consecutive failures are tolerated
// before ShouldRestart turns true.
func WithMaxConnectionErrors(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.maxErrors = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(m *Monitor) {
		if r != nil {
			m.metrics = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func New(deps Deps, opts ...Option) (*Monitor, error) {
	if deps.Queue == nil {
		return nil, errors.New("health: queue checker must not be nil")
	}
	if deps.Store == nil {
		return nil, errors.New("health: store checker must not be nil")
	}
	if deps.Events == nil {
		return nil, errors.New("health: event writer must not be nil")
	}
	m := &Monitor{
		deps:         deps,
		instanceID:   defaultInstanceID(),
		stuckAfter:   DefaultStuckAfter,
		maxErrors:    DefaultMaxConnectionErrors,
		checkTimeout: defaultCheckTimeout,
		logger:       slog.Default(),
		metrics:      metrics.Nop{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func defaultInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return uuid.NewString()
}

func (m *Monitor) InstanceID() string { return m.instanceID }

// Check tests the queue and the store, reports stuck requests and repairs a
// depleted pool. Stuck requests are reported but do not fail the check.
func (m *Monitor) Check(ctx context.Context) Report {
	rep := Report{CheckedAt: m.now(), Healthy: true}

	checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	rep.QueueDepth, rep.QueueErr = m.deps.Queue.Depth(checkCtx)
	if rep.QueueErr != nil {
		rep.Healthy = false
		m.logger.Error("queue health check failed", "err", rep.QueueErr)
		m.Record(ctx, EventQueueConnectivity, rep.QueueErr.Error())
	}
	if rep.StoreErr = m.deps.Store.Ping(checkCtx); rep.StoreErr != nil {
		rep.Healthy = false
		m.logger.Error("store health check failed", "err", rep.StoreErr)
		m.Record(ctx, EventStoreConnectivity, rep.StoreErr.Error())
	}

	if m.deps.InFlight != nil {
		rep.Stuck = m.deps.InFlight.Stuck(m.stuckAfter)
		if len(rep.Stuck) > 0 {
			details := m.stuckDetails(rep.Stuck)
			m.logger.Warn("found potentially stuck requests", "count", len(rep.Stuck), "requests", details)
			m.Record(ctx, EventStuckRequests, details)
		}
	}

	if m.deps.Pool != nil {
		rep.PoolCapacity = m.deps.Pool.Capacity()
		if m.deps.Pool.Size() == 0 {
			rep.Healthy = false
			m.logger.Error("assistant pool is depleted", "capacity", rep.PoolCapacity)
			rep.Replenished = m.deps.Pool.Replenish(ctx)
			m.Record(ctx, EventPoolDepleted, fmt.Sprintf("replenished %d of %d", rep.Replenished, rep.PoolCapacity))
		}
		rep.PoolSize = m.deps.Pool.Size()
	}

	m.mu.Lock()
	if rep.Healthy {
		m.consecutive = 0
	} else {
		m.consecutive++
	}
	rep.Failures = m.consecutive
	m.mu.Unlock()

	m.metrics.SetHealthy(rep.Healthy)
	if rep.Healthy {
		m.logger.Info("health check passed", "queue_depth", rep.QueueDepth, "pool_size", rep.PoolSize)
	} else {
		m.logger.Warn("health check failed", "consecutive_failures", rep.Failures)
	}
	return rep
}

func (m *Monitor) stuckDetails(stuck []inflight.Marker) string {
	now := m.now()
	ages := make(map[string]int64, len(stuck))
	for _, s := range stuck {
		ages[s.RequestID] = int64(now.Sub(s.Started) / time.Second)
	}
	b, err := json.Marshal(ages)
	if err != nil {
		return fmt.Sprintf("%d requests", len(stuck))
	}
	return string(b)
}

// ConnectionError counts a failed queue operation and returns the new
// consecutive failure count.
func (m *Monitor) ConnectionError(ctx context.Context, err error) int {
	m.mu.Lock()
	m.consecutive++
	n := m.consecutive
	m.mu.Unlock()

	m.metrics.IncQueueError()
	m.logger.Error("queue connection error", "err", err, "consecutive_errors", n)
	m.Record(ctx, EventQueueError, err.Error())
	return n
}

// ConnectionOK resets the consecutive failure count.
func (m *Monitor) ConnectionOK() {
	m.mu.Lock()
	m.consecutive = 0
	m.mu.Unlock()
}

func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutive
}

// ShouldRestart reports whether consecutive failures exceeded the limit.
func (m *Monitor) ShouldRestart() bool {
	return m.Failures() > m.maxErrors
}

// Record writes a health event. Failures are logged and otherwise ignored.
func (m *Monitor) Record(ctx context.Context, eventType, details string) {
	ev := domain.HealthEvent{
		InstanceID: m.instanceID,
		EventType:  eventType,
		Details:    details,
		CreatedAt:  m.now(),
	}
	if err := m.deps.Events.PutHealthEvent(ctx, ev); err != nil {
		m.logger.Warn("failed to record health event", "event_type", eventType, "err", err)
	}
}
