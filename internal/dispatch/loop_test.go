package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assistant-queue-worker/internal/domain"
	"assistant-queue-worker/internal/health"
	"assistant-queue-worker/internal/queue"
	"assistant-queue-worker/internal/repository"
)

var loopStart = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type receiveStep func() ([]queue.Message, error)

// scriptedReceiver plays back its steps and then cancels the run.
type scriptedReceiver struct {
	steps    []receiveStep
	cancel   context.CancelFunc
	calls    int
	acked    []string
	abandons []string
	ackErr   error
}

func (r *scriptedReceiver) Receive(ctx context.Context) ([]queue.Message, error) {
	if r.calls >= len(r.steps) {
		r.cancel()
		return nil, ctx.Err()
	}
	step := r.steps[r.calls]
	r.calls++
	return step()
}

func (r *scriptedReceiver) Ack(_ context.Context, msg queue.Message) error {
	r.acked = append(r.acked, msg.ID)
	return r.ackErr
}

func (r *scriptedReceiver) Abandon(_ context.Context, msg queue.Message) error {
	r.abandons = append(r.abandons, msg.ID)
	return nil
}

type fakeProcessor struct {
	fn      func(msg queue.Message) Outcome
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (p *fakeProcessor) Process(_ context.Context, msg queue.Message) Outcome {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		seen := p.maxSeen.Load()
		if n <= seen || p.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if p.fn != nil {
		return p.fn(msg)
	}
	return Outcome{Message: msg, Disposition: Ack, Status: StatusCompleted}
}

type fakeMonitor struct {
	mu           sync.Mutex
	checks       []health.Report
	checkCalls   int
	connErrs     int
	restartAfter int
	restart      bool
	oks          int
	events       []domain.HealthEvent
}

func (m *fakeMonitor) Check(context.Context) health.Report {
	m.checkCalls++
	if len(m.checks) == 0 {
		return health.Report{Healthy: true}
	}
	rep := m.checks[0]
	m.checks = m.checks[1:]
	return rep
}

func (m *fakeMonitor) ConnectionError(context.Context, error) int {
	m.connErrs++
	return m.connErrs
}

func (m *fakeMonitor) ConnectionOK() { m.connErrs = 0; m.oks++ }

func (m *fakeMonitor) ShouldRestart() bool {
	return m.restart || (m.restartAfter > 0 && m.connErrs > m.restartAfter)
}

func (m *fakeMonitor) Failures() int { return m.connErrs }

func (m *fakeMonitor) Record(_ context.Context, eventType, details string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, domain.HealthEvent{EventType: eventType, Details: details})
}

func (m *fakeMonitor) eventTypes() []string {
	var out []string
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (m *fakeMonitor) event(eventType string) (domain.HealthEvent, bool) {
	for _, ev := range m.events {
		if ev.EventType == eventType {
			return ev, true
		}
	}
	return domain.HealthEvent{}, false
}

type fakeMaintainedPool struct {
	revalidates, replenishes int
	idleAfter                []time.Duration
}

func (p *fakeMaintainedPool) Revalidate(context.Context) int { p.revalidates++; return 1 }
func (p *fakeMaintainedPool) Replenish(context.Context) int  { p.replenishes++; return 1 }
func (p *fakeMaintainedPool) Size() int                      { return 3 }

func (p *fakeMaintainedPool) ReleaseIdle(olderThan time.Duration) int {
	p.idleAfter = append(p.idleAfter, olderThan)
	return 0
}

type fakeSessions struct{ sweeps int }

func (s *fakeSessions) Sweep() []domain.SessionEntry {
	s.sweeps++
	return []domain.SessionEntry{{CallerID: "ana@example.com"}}
}

func (s *fakeSessions) Len() int { return 2 }

type retentionCall struct {
	entity string
	cutoff time.Time
}

type fakeRetention struct {
	calls []retentionCall
	err   error
}

func (r *fakeRetention) DeleteCreatedBefore(_ context.Context, entity string, cutoff time.Time) (int, error) {
	r.calls = append(r.calls, retentionCall{entity, cutoff})
	return 4, r.err
}

type fakeFlusher struct {
	mu     sync.Mutex
	forced int
}

func (f *fakeFlusher) MaybeFlush(_ context.Context, force bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if force {
		f.forced++
	}
	return 0
}

type loopFixture struct {
	loop      *Loop
	receiver  *scriptedReceiver
	processor *fakeProcessor
	monitor   *fakeMonitor
	pool      *fakeMaintainedPool
	sessions  *fakeSessions
	retention *fakeRetention
	buffer    *fakeFlusher
	clock     *fakeClock
	sleeps    []time.Duration
	ctx       context.Context
}

func newLoopFixture(t *testing.T, steps []receiveStep, opts ...LoopOption) *loopFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f := &loopFixture{
		receiver:  &scriptedReceiver{steps: steps, cancel: cancel},
		processor: &fakeProcessor{},
		monitor:   &fakeMonitor{},
		pool:      &fakeMaintainedPool{},
		sessions:  &fakeSessions{},
		retention: &fakeRetention{},
		buffer:    &fakeFlusher{},
		clock:     &fakeClock{t: loopStart},
		ctx:       ctx,
	}
	opts = append([]LoopOption{
		WithLoopClock(f.clock.Now),
		WithLoopSleep(func(_ context.Context, d time.Duration) { f.sleeps = append(f.sleeps, d) }),
	}, opts...)
	loop, err := NewLoop(LoopDeps{
		Receiver:  f.receiver,
		Processor: f.processor,
		Monitor:   f.monitor,
		Pool:      f.pool,
		Sessions:  f.sessions,
		Retention: f.retention,
		Buffer:    f.buffer,
	}, opts...)
	require.NoError(t, err)
	f.loop = loop
	return f
}

func batch(ids ...string) receiveStep {
	return func() ([]queue.Message, error) {
		msgs := make([]queue.Message, 0, len(ids))
		for _, id := range ids {
			msgs = append(msgs, queue.Message{ID: id, ReceiptHandle: "rh-" + id})
		}
		return msgs, nil
	}
}

func idleFor(c *fakeClock, d time.Duration) receiveStep {
	return func() ([]queue.Message, error) {
		c.Advance(d)
		return nil, nil
	}
}

func TestRun_AppliesDispositionsAndStopsOnCancel(t *testing.T) {
	f := newLoopFixture(t, []receiveStep{batch("m1", "m2", "m3")})
	f.processor.fn = func(msg queue.Message) Outcome {
		if msg.ID == "m2" {
			return Outcome{Message: msg, Disposition: Abandon, Status: StatusAbandoned}
		}
		return Outcome{Message: msg, Disposition: Ack, Status: StatusCompleted}
	}

	require.NoError(t, f.loop.Run(f.ctx))
	require.ElementsMatch(t, []string{"m1", "m3"}, f.receiver.acked)
	require.Equal(t, []string{"m2"}, f.receiver.abandons)
	require.Equal(t, []string{health.EventStartup, health.EventShutdown}, f.monitor.eventTypes())
	require.Equal(t, 1, f.buffer.forced, "buffer flushed on shutdown")
	require.Equal(t, 1, f.monitor.oks)
	require.Equal(t, 1, f.monitor.checkCalls, "only the startup check ran")
}

func TestRun_BoundsConcurrency(t *testing.T) {
	f := newLoopFixture(t, []receiveStep{batch("a", "b", "c", "d", "e", "f", "g", "h")}, WithWorkers(2))
	f.processor.fn = func(msg queue.Message) Outcome {
		time.Sleep(5 * time.Millisecond)
		return Outcome{Message: msg, Disposition: Ack}
	}

	require.NoError(t, f.loop.Run(f.ctx))
	require.Len(t, f.receiver.acked, 8)
	require.LessOrEqual(t, f.processor.maxSeen.Load(), int32(2))
}

func TestRun_AckFailuresDoNotStopTheLoop(t *testing.T) {
	f := newLoopFixture(t, []receiveStep{batch("m1", "m2")})
	f.receiver.ackErr = errors.New("receipt handle expired")

	require.NoError(t, f.loop.Run(f.ctx))
	require.Equal(t, []string{"m1", "m2"}, f.receiver.acked)
}

func TestRun_RestartsAfterRepeatedReceiveErrors(t *testing.T) {
	fail := func() ([]queue.Message, error) { return nil, errors.New("connection reset") }
	f := newLoopFixture(t, []receiveStep{fail, fail, fail, fail})
	f.monitor.restartAfter = 2

	err := f.loop.Run(f.ctx)
	require.ErrorIs(t, err, ErrRestartRequired)
	require.ErrorContains(t, err, "3 consecutive queue errors")
	require.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, f.sleeps)
	require.Equal(t, []string{health.EventStartup, health.EventRestart}, f.monitor.eventTypes())
	require.Equal(t, 1, f.buffer.forced, "buffer flushed before restart")
}

func TestRun_RestartsWhenPeriodicCheckFails(t *testing.T) {
	f := newLoopFixture(t, nil)
	f.receiver.steps = []receiveStep{idleFor(f.clock, 6*time.Minute), idleFor(f.clock, time.Second)}
	f.monitor.checks = []health.Report{{Healthy: true}, {Healthy: false, Failures: 11}}
	f.monitor.restart = true

	err := f.loop.Run(f.ctx)
	require.ErrorIs(t, err, ErrRestartRequired)
	require.ErrorContains(t, err, "health check failed 11 times")
	require.Equal(t, 2, f.monitor.checkCalls)
	ev, ok := f.monitor.event(health.EventRestart)
	require.True(t, ok)
	require.Equal(t, "health check failed 11 times", ev.Details)
}

func TestRun_UnhealthyCheckWithoutRestartKeepsRunning(t *testing.T) {
	f := newLoopFixture(t, nil)
	f.receiver.steps = []receiveStep{idleFor(f.clock, 6*time.Minute), batch("m1")}
	f.monitor.checks = []health.Report{{Healthy: false}, {Healthy: false, Failures: 1}}

	require.NoError(t, f.loop.Run(f.ctx))
	require.Equal(t, []string{"m1"}, f.receiver.acked)
}

func TestRun_RestartsWhenIdleAndUnhealthy(t *testing.T) {
	f := newLoopFixture(t, nil)
	f.receiver.steps = []receiveStep{idleFor(f.clock, 31*time.Minute)}
	// startup, periodic, then the idle connectivity check
	f.monitor.checks = []health.Report{{Healthy: true}, {Healthy: true}, {Healthy: false}}

	err := f.loop.Run(f.ctx)
	require.ErrorIs(t, err, ErrRestartRequired)
	require.ErrorContains(t, err, "message timeout")
	require.Equal(t, 3, f.monitor.checkCalls)
}

func TestRun_PeriodicMaintenance(t *testing.T) {
	f := newLoopFixture(t, nil, WithRetention(Retention{Conversations: 10 * 24 * time.Hour}))
	f.processor.fn = func(msg queue.Message) Outcome {
		if msg.ID == "m2" {
			return Outcome{Message: msg, Disposition: Abandon, Status: StatusAbandoned}
		}
		return Outcome{Message: msg, Disposition: Ack, Status: StatusError}
	}
	f.receiver.steps = []receiveStep{batch("m1", "m2"), idleFor(f.clock, 25*time.Hour)}

	require.NoError(t, f.loop.Run(f.ctx))

	now := loopStart.Add(25 * time.Hour)
	require.Equal(t, []retentionCall{
		{repository.EntityRequest, now.Add(-7 * 24 * time.Hour)},
		{repository.EntityConversation, now.Add(-10 * 24 * time.Hour)},
		{repository.EntityHealth, now.Add(-7 * 24 * time.Hour)},
	}, f.retention.calls)
	require.Equal(t, 1, f.pool.revalidates)
	require.Equal(t, 1, f.pool.replenishes)
	require.Equal(t, []time.Duration{30 * time.Minute}, f.pool.idleAfter)
	require.Equal(t, 1, f.sessions.sweeps)

	ev, ok := f.monitor.event(health.EventMetrics)
	require.True(t, ok)
	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(ev.Details), &summary))
	require.EqualValues(t, 2, summary["messages_processed"])
	require.EqualValues(t, 1, summary["abandoned"])
	require.EqualValues(t, 1, summary["errors"])
	require.EqualValues(t, 3, summary["pool_size"])
}

func TestRun_RetentionErrorsAreLogged(t *testing.T) {
	f := newLoopFixture(t, nil)
	f.receiver.steps = []receiveStep{idleFor(f.clock, 25*time.Hour)}
	f.retention.err = errors.New("throttled")

	require.NoError(t, f.loop.Run(f.ctx))
	require.Len(t, f.retention.calls, 3, "each entity is attempted")
}

func TestNewLoop_Validates(t *testing.T) {
	full := LoopDeps{
		Receiver:  &scriptedReceiver{},
		Processor: &fakeProcessor{},
		Monitor:   &fakeMonitor{},
		Pool:      &fakeMaintainedPool{},
		Sessions:  &fakeSessions{},
		Retention: &fakeRetention{},
		Buffer:    &fakeFlusher{},
	}
	_, err := NewLoop(full)
	require.NoError(t, err)

	for name, mutate := range map[string]func(*LoopDeps){
		"receiver":  func(d *LoopDeps) { d.Receiver = nil },
		"processor": func(d *LoopDeps) { d.Processor = nil },
		"monitor":   func(d *LoopDeps) { d.Monitor = nil },
		"pool":      func(d *LoopDeps) { d.Pool = nil },
		"sessions":  func(d *LoopDeps) { d.Sessions = nil },
		"retention": func(d *LoopDeps) { d.Retention = nil },
		"buffer":    func(d *LoopDeps) { d.Buffer = nil },
	} {
		t.Run(name, func(t *testing.T) {
			deps := full
			mutate(&deps)
			_, err := NewLoop(deps)
			require.Error(t, err)
		})
	}
}
