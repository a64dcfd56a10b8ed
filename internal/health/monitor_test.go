package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assistant-queue-worker/internal/domain"
	"assistant-queue-worker/internal/inflight"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeQueue struct {
	depth int
	err   error
}

func (f *fakeQueue) Depth(context.Context) (int, error) { return f.depth, f.err }

type fakeStore struct {
	pingErr  error
	eventErr error
	events   []domain.HealthEvent
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) PutHealthEvent(_ context.Context, ev domain.HealthEvent) error {
	f.events = append(f.events, ev)
	return f.eventErr
}

func (f *fakeStore) eventTypes() []string {
	var out []string
	for _, ev := range f.events {
		out = append(out, ev.EventType)
	}
	return out
}

type fakePool struct {
	size, capacity int
	replenishes    int
}

func (f *fakePool) Size() int     { return f.size }
func (f *fakePool) Capacity() int { return f.capacity }

func (f *fakePool) Replenish(context.Context) int {
	f.replenishes++
	added := f.capacity - f.size
	f.size = f.capacity
	return added
}

type fakeInFlight struct {
	markers   []inflight.Marker
	olderThan time.Duration
}

func (f *fakeInFlight) Stuck(olderThan time.Duration) []inflight.Marker {
	f.olderThan = olderThan
	return f.markers
}

func newMonitor(t *testing.T, deps Deps, opts ...Option) *Monitor {
	t.Helper()
	opts = append([]Option{WithInstanceID("worker-1"), WithClock(func() time.Time { return fixedNow })}, opts...)
	m, err := New(deps, opts...)
	require.NoError(t, err)
	return m
}

func TestCheck_Healthy(t *testing.T) {
	store := &fakeStore{}
	pool := &fakePool{size: 3, capacity: 3}
	m := newMonitor(t, Deps{Queue: &fakeQueue{depth: 4}, Store: store, Events: store, Pool: pool, InFlight: &fakeInFlight{}})

	rep := m.Check(context.Background())
	require.True(t, rep.Healthy)
	require.Equal(t, 4, rep.QueueDepth)
	require.Equal(t, 3, rep.PoolSize)
	require.Zero(t, rep.Failures)
	require.Empty(t, store.events)
	require.Zero(t, pool.replenishes)
}

func TestCheck_FailuresCountAndRecord(t *testing.T) {
	store := &fakeStore{pingErr: errors.New("table not reachable")}
	m := newMonitor(t, Deps{Queue: &fakeQueue{err: errors.New("dial tcp: timeout")}, Store: store, Events: store})

	rep := m.Check(context.Background())
	require.False(t, rep.Healthy)
	require.Error(t, rep.QueueErr)
	require.Error(t, rep.StoreErr)
	require.Equal(t, 1, rep.Failures, "one failed check counts once")
	require.Equal(t, []string{EventQueueConnectivity, EventStoreConnectivity}, store.eventTypes())
	require.Equal(t, "worker-1", store.events[0].InstanceID)
	require.Equal(t, fixedNow, store.events[0].CreatedAt)

	store.pingErr = nil
	m.deps.Queue = &fakeQueue{}
	rep = m.Check(context.Background())
	require.True(t, rep.Healthy)
	require.Zero(t, m.Failures())
}

func TestCheck_StuckRequestsAreReportedNotFailed(t *testing.T) {
	store := &fakeStore{}
	tracker := &fakeInFlight{markers: []inflight.Marker{{RequestID: "r1", Started: fixedNow.Add(-15 * time.Minute)}}}
	m := newMonitor(t, Deps{Queue: &fakeQueue{}, Store: store, Events: store, InFlight: tracker}, WithStuckAfter(5*time.Minute))

	rep := m.Check(context.Background())
	require.True(t, rep.Healthy)
	require.Len(t, rep.Stuck, 1)
	require.Equal(t, 5*time.Minute, tracker.olderThan)
	require.Equal(t, []string{EventStuckRequests}, store.eventTypes())
	require.JSONEq(t, `{"r1":900}`, store.events[0].Details)
}

func TestCheck_DepletedPoolIsUnhealthyAndReplenished(t *testing.T) {
	store := &fakeStore{}
	pool := &fakePool{size: 0, capacity: 2}
	m := newMonitor(t, Deps{Queue: &fakeQueue{}, Store: store, Events: store, Pool: pool})

	rep := m.Check(context.Background())
	require.False(t, rep.Healthy)
	require.Equal(t, 1, pool.replenishes)
	require.Equal(t, 2, rep.Replenished)
	require.Equal(t, 2, rep.PoolSize)
	require.Equal(t, []string{EventPoolDepleted}, store.eventTypes())
}

func TestConnectionErrors_TriggerRestart(t *testing.T) {
	store := &fakeStore{}
	m := newMonitor(t, Deps{Queue: &fakeQueue{}, Store: store, Events: store}, WithMaxConnectionErrors(2))

	for i := 1; i <= 2; i++ {
		require.Equal(t, i, m.ConnectionError(context.Background(), errors.New("receive failed")))
		require.False(t, m.ShouldRestart())
	}
	m.ConnectionError(context.Background(), errors.New("receive failed"))
	require.True(t, m.ShouldRestart())
	require.Len(t, store.events, 3)
	require.Equal(t, EventQueueError, store.events[0].EventType)

	m.ConnectionOK()
	require.False(t, m.ShouldRestart())
	require.Zero(t, m.Failures())
}

func TestRecord_IsBestEffort(t *testing.T) {
	store := &fakeStore{eventErr: errors.New("throttled")}
	m := newMonitor(t, Deps{Queue: &fakeQueue{}, Store: store, Events: store})

	require.NotPanics(t, func() { m.Record(context.Background(), EventStartup, "started") })
	require.Len(t, store.events, 1)
	require.Equal(t, "started", store.events[0].Details)
}

func TestNew_Validates(t *testing.T) {
	store := &fakeStore{}
	_, err := New(Deps{Store: store, Events: store})
	require.Error(t, err)
	_, err = New(Deps{Queue: &fakeQueue{}, Events: store})
	require.Error(t, err)
	_, err = New(Deps{Queue: &fakeQueue{}, Store: store})
	require.Error(t, err)

	m, err := New(Deps{Queue: &fakeQueue{}, Store: store, Events: store})
	require.NoError(t, err)
	require.NotEmpty(t, m.InstanceID())
}
