// Package inflight keeps a request from being processed by two workers at once.
package inflight

import (
	"sort"
	"sync"
	"time"
)

// Tracker is the set of request IDs currently being worked on.
type Tracker struct {
	mu      sync.Mutex
	now     func() time.Time
	started map[string]time.Time
}

// Marker is a claimed request and when it was claimed.
type Marker struct {
	RequestID string
	Started   time.Time
}

func New() *Tracker {
	return &Tracker{now: time.Now, started: make(map[string]time.Time)}
}

// TryClaim marks requestID as in flight. It returns false if it already is.
func (t *Tracker) TryClaim(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.started[requestID]; ok {
		return false
	}
	t.started[requestID] = t.now()
	return true
}

// Release clears the marker for requestID. Releasing an unclaimed ID is a no-op.
func (t *Tracker) Release(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.started, requestID)
}

// Claim is TryClaim returning the matching release, meant for defer.
func (t *Tracker) Claim(requestID string) (release func(), ok bool) {
	if !t.TryClaim(requestID) {
		return func() {}, false
	}
	var once sync.Once
	return func() { once.Do(func() { t.Release(requestID) }) }, true
}

// Stuck lists requests claimed longer ago than olderThan, oldest first.
func (t *Tracker) Stuck(olderThan time.Duration) []Marker {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-olderThan)
	var out []Marker
	for id, started := range t.started {
		if started.Before(cutoff) {
			out = append(out, Marker{RequestID: id, Started: started})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.started)
}
