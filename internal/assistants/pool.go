// Package assistants manages the fixed-size pool of hosted assistants shared by
// all workers. Each slot is assigned to at most one caller at a time; membership
// is persisted so a restarted worker reuses the same assistants.
package assistants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"assistant-queue-worker/internal/domain"
	"assistant-queue-worker/internal/metrics"
)

// Provisioner creates and inspects assistants on the completion service.
type Provisioner interface {
	CreateAssistant(ctx context.Context) (string, error)
	AssistantExists(ctx context.Context, assistantID string) (bool, error)
	DeleteAssistant(ctx context.Context, assistantID string) error
}

// Membership is the durable record of which assistants belong to the pool.
type Membership interface {
	ListPoolMembers(ctx context.Context) ([]string, error)
	PutPoolMember(ctx context.Context, assistantID string) error
	DeletePoolMember(ctx context.Context, assistantID string) error
}

// EvictionPolicy decides which slot is taken when every slot is assigned.
type EvictionPolicy int

const (
	// EvictLRU takes the least recently used slot even if its session is active.
	EvictLRU EvictionPolicy = iota
	// EvictIdleOnly only takes slots that are not in use; otherwise an emergency
	// assistant is created outside the pool.
	EvictIdleOnly
)

func (p EvictionPolicy) String() string {
	if p == EvictIdleOnly {
		return "idle_only"
	}
	return "lru"
}

// ParseEvictionPolicy accepts "lru" and "idle_only".
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lru":
		return EvictLRU, nil
	case "idle_only", "idle-only", "strict":
		return EvictIdleOnly, nil
	default:
		return EvictLRU, fmt.Errorf("assistants: unknown eviction policy %q", s)
	}
}

// Lease is a caller's hold on an assistant. ThreadID is empty when the caller
// must start a new conversation.
type Lease struct {
	AssistantID     string
	ThreadID        string
	CallerID        string
	NewConversation bool
	// Ephemeral leases come from the emergency path and are deleted on Release.
	Ephemeral bool
}

// Pool is the assistant resource pool.
type Pool struct {
	mu    sync.Mutex
	slots []*domain.ResourceSlot

	// replenishMu serializes Replenish so concurrent callers don't overshoot capacity.
	replenishMu sync.Mutex

	capacity int
	policy   EvictionPolicy
	prov     Provisioner
	members  Membership
	logger   *slog.Logger
	metrics  metrics.Recorder
	now      func() time.Time
}

type Option func(*Pool)

func WithPolicy(p EvictionPolicy) Option {
	return func(pl *Pool) { pl.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates an empty pool. Call Init to load or create its assistants.
func New(prov Provisioner, members Membership, capacity int, opts ...Option) (*Pool, error) {
	if prov == nil {
		return nil, errors.New("assistants: provisioner must not be nil")
	}
	if members == nil {
		return nil, errors.New("assistants: membership store must not be nil")
	}
	if capacity <= 0 {
		return nil, errors.New("assistants: capacity must be positive")
	}
	p := &Pool{
		capacity: capacity,
		prov:     prov,
		members:  members,
		logger:   slog.Default(),
		metrics:  metrics.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Init recovers pool membership from the store, drops members whose assistant
// no longer exists, trims anything beyond capacity and tops the pool up.
func (p *Pool) Init(ctx context.Context) error {
	ids, err := p.members.ListPoolMembers(ctx)
	if err != nil {
		p.Replenish(ctx)
		return fmt.Errorf("assistants: Init list members: %w", err)
	}

	var valid []string
	for _, id := range ids {
		exists, err := p.prov.AssistantExists(ctx, id)
		if err != nil {
			// Keep it; the next Revalidate decides.
			p.logger.Warn("could not verify pool assistant", "assistant_id", id, "err", err)
			valid = append(valid, id)
			continue
		}
		if !exists {
			p.logger.Info("dropping missing pool assistant", "assistant_id", id)
			p.forget(ctx, id)
			continue
		}
		valid = append(valid, id)
	}

	if len(valid) > p.capacity {
		for _, id := range valid[p.capacity:] {
			p.logger.Info("trimming pool assistant over capacity", "assistant_id", id)
			p.forget(ctx, id)
			if err := p.prov.DeleteAssistant(ctx, id); err != nil {
				p.logger.Warn("failed to delete surplus assistant", "assistant_id", id, "err", err)
			}
		}
		valid = valid[:p.capacity]
	}

	p.mu.Lock()
	p.slots = p.slots[:0]
	for _, id := range valid {
		p.slots = append(p.slots, &domain.ResourceSlot{AssistantID: id})
	}
	p.mu.Unlock()

	added := p.Replenish(ctx)
	p.logger.Info("assistant pool initialized",
		"recovered", len(valid),
		"created", added,
		"size", p.Size(),
		"capacity", p.capacity,
		"policy", p.policy.String(),
	)
	return nil
}

// Acquire assigns an assistant to callerID. A caller that already owns a slot
// gets that slot back; otherwise an unassigned slot is used, then an evicted one,
// and finally an emergency assistant outside the pool.
func (p *Pool) Acquire(ctx context.Context, callerID string) (Lease, error) {
	if callerID == "" {
		return Lease{}, errors.New("assistants: Acquire: caller id is required")
	}
	p.mu.Lock()
	slot, preempted := p.pickLocked(callerID)
	if slot != nil {
		slot.CallerID = callerID
		slot.ThreadID = ""
		slot.InUse = true
		slot.LastUsed = p.now()
		lease := Lease{AssistantID: slot.AssistantID, CallerID: callerID, NewConversation: true}
		p.mu.Unlock()

		if preempted != "" {
			p.metrics.IncEviction("lru")
			p.logger.Warn("reassigned assistant from least recently used caller",
				"assistant_id", lease.AssistantID,
				"previous_caller", preempted,
				"caller_id", callerID,
			)
		}
		return lease, nil
	}
	size := len(p.slots)
	p.mu.Unlock()

	p.metrics.IncEmergencyAssistant()
	p.logger.Warn("no pool assistant available, creating emergency assistant",
		"caller_id", callerID,
		"pool_size", size,
		"policy", p.policy.String(),
	)
	id, err := p.prov.CreateAssistant(ctx)
	if err != nil {
		return Lease{}, fmt.Errorf("assistants: Acquire emergency create: %w", err)
	}
	return Lease{AssistantID: id, CallerID: callerID, NewConversation: true, Ephemeral: true}, nil
}

// pickLocked returns the slot to hand to callerID and, when another caller was
// displaced, that caller's ID.
func (p *Pool) pickLocked(callerID string) (*domain.ResourceSlot, string) {
	for _, s := range p.slots {
		if s.CallerID == callerID {
			return s, ""
		}
	}
	for _, s := range p.slots {
		if !s.Assigned() {
			return s, ""
		}
	}
	var victim *domain.ResourceSlot
	for _, s := range p.slots {
		if p.policy == EvictIdleOnly && s.InUse {
			continue
		}
		if victim == nil || s.LastUsed.Before(victim.LastUsed) {
			victim = s
		}
	}
	if victim == nil {
		return nil, ""
	}
	return victim, victim.CallerID
}

// Resume re-enters a cached session. It fails when the slot was evicted or has
// been reassigned to another caller since.
func (p *Pool) Resume(callerID, assistantID, threadID string) (Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.AssistantID != assistantID {
			continue
		}
		if s.CallerID != callerID {
			return Lease{}, false
		}
		s.InUse = true
		s.LastUsed = p.now()
		if threadID != "" {
			s.ThreadID = threadID
		}
		return Lease{AssistantID: assistantID, ThreadID: s.ThreadID, CallerID: callerID}, true
	}
	return Lease{}, false
}

// SetThread records the conversation a lease is using, if the caller still owns the slot.
func (p *Pool) SetThread(lease Lease, threadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.ownedLocked(lease); s != nil {
		s.ThreadID = threadID
		s.LastUsed = p.now()
	}
}

// Release returns the lease's slot to the unassigned state. The assistant
// itself is kept unless the lease is ephemeral.
func (p *Pool) Release(ctx context.Context, lease Lease) {
	if lease.Ephemeral {
		if err := p.prov.DeleteAssistant(ctx, lease.AssistantID); err != nil {
			p.logger.Warn("failed to delete emergency assistant", "assistant_id", lease.AssistantID, "err", err)
		}
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.ownedLocked(lease); s != nil {
		unassign(s)
	}
}

// ReleaseCaller releases whatever slot callerID owns and reports whether there was one.
func (p *Pool) ReleaseCaller(callerID string) bool {
	if callerID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.CallerID == callerID {
			unassign(s)
			return true
		}
	}
	return false
}

// ReleaseIdle releases slots not used for longer than olderThan. It closes the
// window in which an expired session still holds its slot.
func (p *Pool) ReleaseIdle(olderThan time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-olderThan)
	n := 0
	for _, s := range p.slots {
		if s.Assigned() && s.LastUsed.Before(cutoff) {
			unassign(s)
			n++
		}
	}
	return n
}

// Evict drops a slot whose assistant is stale, removes its membership and tops
// the pool back up.
func (p *Pool) Evict(ctx context.Context, assistantID string) {
	if !p.remove(assistantID) {
		return
	}
	p.metrics.IncEviction("stale")
	p.logger.Warn("evicted stale assistant", "assistant_id", assistantID)
	p.forget(ctx, assistantID)
	p.Replenish(ctx)
}

// Revalidate removes slots whose assistant no longer exists and returns how
// many were removed. Existence checks run without holding the pool lock.
func (p *Pool) Revalidate(ctx context.Context) int {
	p.mu.Lock()
	ids := make([]string, 0, len(p.slots))
	for _, s := range p.slots {
		ids = append(ids, s.AssistantID)
	}
	p.mu.Unlock()

	removed := 0
	for _, id := range ids {
		exists, err := p.prov.AssistantExists(ctx, id)
		if err != nil {
			p.logger.Warn("could not verify pool assistant", "assistant_id", id, "err", err)
			continue
		}
		if exists {
			continue
		}
		if p.remove(id) {
			removed++
			p.metrics.IncEviction("invalid")
			p.logger.Info("pool assistant no longer exists", "assistant_id", id)
			p.forget(ctx, id)
		}
	}
	return removed
}

// Replenish creates assistants until the pool is back at capacity. Each new
// assistant is persisted as a member before it becomes usable. Creation
// failures stop the pass; the next pass tries again.
func (p *Pool) Replenish(ctx context.Context) int {
	p.replenishMu.Lock()
	defer p.replenishMu.Unlock()

	added := 0
	defer func() { p.metrics.SetPoolSize(p.Size()) }()
	for p.Size() < p.capacity {
		id, err := p.prov.CreateAssistant(ctx)
		if err != nil {
			p.logger.Error("failed to create pool assistant", "err", err)
			return added
		}
		if err := p.members.PutPoolMember(ctx, id); err != nil {
			p.logger.Error("failed to persist pool assistant", "assistant_id", id, "err", err)
			if derr := p.prov.DeleteAssistant(ctx, id); derr != nil {
				p.logger.Warn("failed to delete unpersisted assistant", "assistant_id", id, "err", derr)
			}
			return added
		}
		p.mu.Lock()
		p.slots = append(p.slots, &domain.ResourceSlot{AssistantID: id})
		p.mu.Unlock()
		added++
	}
	if added > 0 {
		p.logger.Info("replenished assistant pool", "added", added, "capacity", p.capacity)
	}
	return added
}

// Snapshot returns a copy of every slot.
func (p *Pool) Snapshot() []domain.ResourceSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ResourceSlot, len(p.slots))
	for i, s := range p.slots {
		out[i] = *s
	}
	return out
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

func (p *Pool) Capacity() int { return p.capacity }

func (p *Pool) ownedLocked(lease Lease) *domain.ResourceSlot {
	for _, s := range p.slots {
		if s.AssistantID == lease.AssistantID && s.CallerID == lease.CallerID {
			return s
		}
	}
	return nil
}

func (p *Pool) remove(assistantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.slots {
		if s.AssistantID == assistantID {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) forget(ctx context.Context, assistantID string) {
	if err := p.members.DeletePoolMember(ctx, assistantID); err != nil {
		p.logger.Warn("failed to remove pool membership", "assistant_id", assistantID, "err", err)
	}
}

func unassign(s *domain.ResourceSlot) {
	s.CallerID = ""
	s.ThreadID = ""
	s.InUse = false
}
