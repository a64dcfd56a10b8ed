package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(ttl time.Duration) (*Cache, *clock) {
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(ttl, WithClock(clk.now)), clk
}

func TestLookup_ReturnsLiveEntry(t *testing.T) {
	c, clk := newTestCache(time.Hour)
	c.Put("ana", "asst_1", "thread_1")
	clk.advance(59 * time.Minute)

	e, ok := c.Lookup("ana")
	require.True(t, ok)
	require.Equal(t, "asst_1", e.AssistantID)
	require.Equal(t, "thread_1", e.ThreadID)
}

func TestLookup_ExpiredEntryIsDropped(t *testing.T) {
	c, clk := newTestCache(time.Hour)
	c.Put("ana", "asst_1", "thread_1")
	clk.advance(61 * time.Minute)

	_, ok := c.Lookup("ana")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestPut_RestartsTTL(t *testing.T) {
	c, clk := newTestCache(time.Hour)
	c.Put("ana", "asst_1", "thread_1")
	clk.advance(50 * time.Minute)
	c.Put("ana", "asst_1", "thread_2")
	clk.advance(50 * time.Minute)

	e, ok := c.Lookup("ana")
	require.True(t, ok)
	require.Equal(t, "thread_2", e.ThreadID)
}

func TestPut_IgnoresAnonymousCaller(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	c.Put("", "asst_1", "thread_1")
	require.Equal(t, 0, c.Len())
	_, ok := c.Lookup("")
	require.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	c.Put("ana", "asst_1", "thread_1")
	c.Invalidate("ana")
	_, ok := c.Lookup("ana")
	require.False(t, ok)
}

func TestSweep_ReturnsOnlyExpired(t *testing.T) {
	c, clk := newTestCache(time.Hour)
	c.Put("old", "asst_1", "thread_1")
	clk.advance(45 * time.Minute)
	c.Put("new", "asst_2", "thread_2")
	clk.advance(30 * time.Minute)

	dropped := c.Sweep()
	require.Len(t, dropped, 1)
	require.Equal(t, "old", dropped[0].CallerID)
	require.Equal(t, 1, c.Len())
}

func TestNew_DefaultsTTL(t *testing.T) {
	require.Equal(t, DefaultTTL, New(0).TTL())
}
