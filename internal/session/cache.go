// Package session remembers which assistant and thread each caller is talking to.
package session

import (
	"sync"
	"time"

	"assistant-queue-worker/internal/domain"
)

// DefaultTTL is how long a caller keeps its assistant and thread between messages.
const DefaultTTL = 30 * time.Minute

// Cache maps caller IDs to their current session. Expired entries are dropped
// lazily on Lookup or in bulk by Sweep; the assistant slot behind an expired entry
// is reclaimed separately by the pool.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]domain.SessionEntry
}

type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]domain.SessionEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Lookup returns the caller's live session, if any.
func (c *Cache) Lookup(callerID string) (domain.SessionEntry, bool) {
	if callerID == "" {
		return domain.SessionEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[callerID]
	if !ok {
		return domain.SessionEntry{}, false
	}
	if c.expired(e) {
		delete(c.entries, callerID)
		return domain.SessionEntry{}, false
	}
	return e, true
}

// Put records (or replaces) the caller's session, restarting its TTL.
func (c *Cache) Put(callerID, assistantID, threadID string) {
	if callerID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[callerID] = domain.SessionEntry{
		CallerID:    callerID,
		AssistantID: assistantID,
		ThreadID:    threadID,
		CreatedAt:   c.now(),
	}
}

// Invalidate forgets the caller's session.
func (c *Cache) Invalidate(callerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, callerID)
}

// Sweep removes every expired entry and returns them.
func (c *Cache) Sweep() []domain.SessionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dropped []domain.SessionEntry
	for id, e := range c.entries {
		if c.expired(e) {
			dropped = append(dropped, e)
			delete(c.entries, id)
		}
	}
	return dropped
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expired(e domain.SessionEntry) bool {
	return c.now().Sub(e.CreatedAt) > c.ttl
}
