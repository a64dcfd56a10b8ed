package assistants

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant-queue-worker/internal/domain"
)

type fakeProvisioner struct {
	mu        sync.Mutex
	next      int
	live      map[string]bool
	createErr error
	existsErr error
	deleted   []string
}

func newFakeProvisioner(existing ...string) *fakeProvisioner {
	f := &fakeProvisioner{live: map[string]bool{}}
	for _, id := range existing {
		f.live[id] = true
	}
	return f
}

func (f *fakeProvisioner) CreateAssistant(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.next++
	id := fmt.Sprintf("asst_%d", f.next)
	f.live[id] = true
	return id, nil
}

func (f *fakeProvisioner) AssistantExists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.live[id], nil
}

func (f *fakeProvisioner) DeleteAssistant(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeProvisioner) kill(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, id)
}

type fakeMembers struct {
	mu      sync.Mutex
	ids     map[string]bool
	listErr error
	putErr  error
}

func newFakeMembers(ids ...string) *fakeMembers {
	m := &fakeMembers{ids: map[string]bool{}}
	for _, id := range ids {
		m.ids[id] = true
	}
	return m
}

func (m *fakeMembers) ListPoolMembers(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]string, 0, len(m.ids))
	for id := range m.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *fakeMembers) PutPoolMember(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.ids[id] = true
	return nil
}

func (m *fakeMembers) DeletePoolMember(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, id)
	return nil
}

func (m *fakeMembers) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[id]
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newPool(t *testing.T, prov *fakeProvisioner, members *fakeMembers, capacity int, opts ...Option) (*Pool, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	p, err := New(prov, members, capacity, append([]Option{WithClock(clk.now)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, p.Init(context.Background()))
	return p, clk
}

func assignedTo(slots []domain.ResourceSlot, caller string) []domain.ResourceSlot {
	var out []domain.ResourceSlot
	for _, s := range slots {
		if s.CallerID == caller {
			out = append(out, s)
		}
	}
	return out
}

func TestInit_CreatesAndPersistsMembers(t *testing.T) {
	prov := newFakeProvisioner()
	members := newFakeMembers()
	p, _ := newPool(t, prov, members, 3)

	require.Equal(t, 3, p.Size())
	for _, s := range p.Snapshot() {
		require.True(t, members.has(s.AssistantID))
		require.False(t, s.Assigned())
	}
}

func TestInit_RecoversValidMembersAndDropsMissing(t *testing.T) {
	prov := newFakeProvisioner("asst_keep")
	members := newFakeMembers("asst_keep", "asst_gone")
	p, _ := newPool(t, prov, members, 2)

	ids := []string{p.Snapshot()[0].AssistantID, p.Snapshot()[1].AssistantID}
	require.Contains(t, ids, "asst_keep")
	require.NotContains(t, ids, "asst_gone")
	require.False(t, members.has("asst_gone"))
}

func TestInit_TrimsOverCapacity(t *testing.T) {
	prov := newFakeProvisioner("a", "b", "c")
	members := newFakeMembers("a", "b", "c")
	p, _ := newPool(t, prov, members, 2)

	require.Equal(t, 2, p.Size())
	require.Equal(t, []string{"c"}, prov.deleted)
	require.False(t, members.has("c"))
}

func TestInit_ListFailureStillFillsPool(t *testing.T) {
	members := newFakeMembers()
	members.listErr = errors.New("table missing")
	p, err := New(newFakeProvisioner(), members, 2)
	require.NoError(t, err)

	require.Error(t, p.Init(context.Background()))
	require.Equal(t, 2, p.Size())
}

// Capacity 2, three callers, no releases: the third caller takes the first
// caller's slot because it was used least recently.
func TestAcquire_LRUPreemptsOldestSession(t *testing.T) {
	p, clk := newPool(t, newFakeProvisioner(), newFakeMembers(), 2)
	ctx := context.Background()

	first, err := p.Acquire(ctx, "first")
	require.NoError(t, err)
	clk.advance(time.Minute)
	_, err = p.Acquire(ctx, "second")
	require.NoError(t, err)
	clk.advance(time.Minute)
	third, err := p.Acquire(ctx, "third")
	require.NoError(t, err)

	require.Equal(t, first.AssistantID, third.AssistantID)
	require.False(t, third.Ephemeral)
	slots := p.Snapshot()
	require.Empty(t, assignedTo(slots, "first"))
	require.Len(t, assignedTo(slots, "third"), 1)
	require.Len(t, assignedTo(slots, "second"), 1)

	_, ok := p.Resume("first", first.AssistantID, "thread_first")
	require.False(t, ok, "a preempted caller must not resume the reassigned slot")
}

func TestAcquire_SameCallerKeepsItsSlot(t *testing.T) {
	p, clk := newPool(t, newFakeProvisioner(), newFakeMembers(), 2)
	ctx := context.Background()

	a, err := p.Acquire(ctx, "ana")
	require.NoError(t, err)
	p.SetThread(a, "thread_1")
	clk.advance(time.Minute)
	b, err := p.Acquire(ctx, "ana")
	require.NoError(t, err)

	require.Equal(t, a.AssistantID, b.AssistantID)
	require.True(t, b.NewConversation)
	require.Len(t, assignedTo(p.Snapshot(), "ana"), 1)
}

func TestAcquire_ExclusiveUnderConcurrency(t *testing.T) {
	p, _ := newPool(t, newFakeProvisioner(), newFakeMembers(), 4)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Acquire(ctx, fmt.Sprintf("caller-%d", i%10))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, s := range p.Snapshot() {
		if !s.InUse {
			continue
		}
		require.False(t, seen[s.CallerID], "caller %s holds two slots", s.CallerID)
		seen[s.CallerID] = true
	}
	require.Equal(t, 4, p.Size())
}

func TestAcquire_IdleOnlyFallsBackToEmergency(t *testing.T) {
	prov := newFakeProvisioner()
	p, _ := newPool(t, prov, newFakeMembers(), 1, WithPolicy(EvictIdleOnly))
	ctx := context.Background()

	busy, err := p.Acquire(ctx, "busy")
	require.NoError(t, err)
	lease, err := p.Acquire(ctx, "other")
	require.NoError(t, err)
	require.True(t, lease.Ephemeral)
	require.NotEqual(t, busy.AssistantID, lease.AssistantID)
	require.Len(t, assignedTo(p.Snapshot(), "busy"), 1)

	p.Release(ctx, lease)
	require.Contains(t, prov.deleted, lease.AssistantID)
	require.Equal(t, 1, p.Size())
}

func TestAcquire_IdleOnlyTakesIdleSlot(t *testing.T) {
	p, clk := newPool(t, newFakeProvisioner(), newFakeMembers(), 2, WithPolicy(EvictIdleOnly))
	ctx := context.Background()

	a, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	clk.advance(time.Second)
	b, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	clk.advance(time.Second)
	p.Release(ctx, b)
	// b is unassigned now, so c takes it without evicting a.
	c, err := p.Acquire(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, b.AssistantID, c.AssistantID)
	require.Len(t, assignedTo(p.Snapshot(), "a"), 1)
	require.NotEqual(t, a.AssistantID, c.AssistantID)
}

func TestAcquire_EmptyPoolUsesEmergency(t *testing.T) {
	prov := newFakeProvisioner()
	members := newFakeMembers()
	members.putErr = errors.New("store down")
	p, _ := newPool(t, prov, members, 2)
	require.Equal(t, 0, p.Size())

	lease, err := p.Acquire(context.Background(), "ana")
	require.NoError(t, err)
	require.True(t, lease.Ephemeral)
}

func TestAcquire_EmergencyCreateFails(t *testing.T) {
	prov := newFakeProvisioner()
	prov.createErr = errors.New("quota")
	p, err := New(prov, newFakeMembers(), 1)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), "ana")
	require.Error(t, err)
	require.Contains(t, err.Error(), "emergency")
}

func TestAcquire_RequiresCaller(t *testing.T) {
	p, _ := newPool(t, newFakeProvisioner(), newFakeMembers(), 1)
	_, err := p.Acquire(context.Background(), "")
	require.Error(t, err)
}

func TestResume(t *testing.T) {
	p, _ := newPool(t, newFakeProvisioner(), newFakeMembers(), 1)
	ctx := context.Background()
	lease, err := p.Acquire(ctx, "ana")
	require.NoError(t, err)
	p.SetThread(lease, "thread_1")

	got, ok := p.Resume("ana", lease.AssistantID, "")
	require.True(t, ok)
	require.Equal(t, "thread_1", got.ThreadID)
	require.False(t, got.NewConversation)

	_, ok = p.Resume("bob", lease.AssistantID, "thread_1")
	require.False(t, ok)
	_, ok = p.Resume("ana", "asst_unknown", "thread_1")
	require.False(t, ok)
}

func TestRelease_OnlyByCurrentOwner(t *testing.T) {
	p, clk := newPool(t, newFakeProvisioner(), newFakeMembers(), 1)
	ctx := context.Background()
	old, err := p.Acquire(ctx, "old")
	require.NoError(t, err)
	clk.advance(time.Minute)
	_, err = p.Acquire(ctx, "new")
	require.NoError(t, err)

	p.Release(ctx, old)
	require.Len(t, assignedTo(p.Snapshot(), "new"), 1)
}

func TestReleaseCallerAndIdle(t *testing.T) {
	p, clk := newPool(t, newFakeProvisioner(), newFakeMembers(), 3)
	ctx := context.Background()
	for _, c := range []string{"a", "b"} {
		_, err := p.Acquire(ctx, c)
		require.NoError(t, err)
	}
	require.True(t, p.ReleaseCaller("a"))
	require.False(t, p.ReleaseCaller("a"))

	clk.advance(2 * time.Hour)
	_, err := p.Acquire(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, 1, p.ReleaseIdle(time.Hour))
	slots := p.Snapshot()
	require.Empty(t, assignedTo(slots, "b"))
	require.Len(t, assignedTo(slots, "c"), 1)
}

func TestEvict_ReplacesStaleAssistant(t *testing.T) {
	prov := newFakeProvisioner()
	members := newFakeMembers()
	p, _ := newPool(t, prov, members, 2)
	ctx := context.Background()

	lease, err := p.Acquire(ctx, "ana")
	require.NoError(t, err)
	prov.kill(lease.AssistantID)
	p.Evict(ctx, lease.AssistantID)

	require.Equal(t, 2, p.Size())
	require.False(t, members.has(lease.AssistantID))
	next, err := p.Acquire(ctx, "ana")
	require.NoError(t, err)
	require.NotEqual(t, lease.AssistantID, next.AssistantID)
}

func TestRevalidateAndReplenish_RestoreCapacity(t *testing.T) {
	prov := newFakeProvisioner()
	members := newFakeMembers()
	p, _ := newPool(t, prov, members, 3)
	ctx := context.Background()

	slots := p.Snapshot()
	prov.kill(slots[0].AssistantID)
	prov.kill(slots[2].AssistantID)

	require.Equal(t, 2, p.Revalidate(ctx))
	require.Equal(t, 1, p.Size())
	require.Equal(t, 2, p.Replenish(ctx))
	require.Equal(t, p.Capacity(), p.Size())
}

func TestReplenish_CreateFailureIsRetriedLater(t *testing.T) {
	prov := newFakeProvisioner()
	prov.createErr = errors.New("rate limited")
	p, err := New(prov, newFakeMembers(), 2)
	require.NoError(t, err)
	require.NoError(t, p.Init(context.Background()))
	require.Equal(t, 0, p.Size())

	prov.mu.Lock()
	prov.createErr = nil
	prov.mu.Unlock()
	require.Equal(t, 2, p.Replenish(context.Background()))
}

func TestReplenish_ConcurrentCallsDoNotOvershoot(t *testing.T) {
	p, err := New(newFakeProvisioner(), newFakeMembers(), 5)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Replenish(context.Background())
		}()
	}
	wg.Wait()
	require.Equal(t, 5, p.Size())
}

func TestParseEvictionPolicy(t *testing.T) {
	p, err := ParseEvictionPolicy("idle_only")
	require.NoError(t, err)
	require.Equal(t, EvictIdleOnly, p)
	p, err = ParseEvictionPolicy("")
	require.NoError(t, err)
	require.Equal(t, EvictLRU, p)
	_, err = ParseEvictionPolicy("random")
	require.Error(t, err)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, newFakeMembers(), 1)
	require.Error(t, err)
	_, err = New(newFakeProvisioner(), nil, 1)
	require.Error(t, err)
	_, err = New(newFakeProvisioner(), newFakeMembers(), 0)
	require.Error(t, err)
}
