package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestLimiterSetEvictsIdleClients(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	set := newLimiterSet(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}, time.Minute)
	set.now = clock.now

	first := set.get("10.0.0.1")
	set.get("10.0.0.2")
	assert.Equal(t, 2, set.len())
	assert.Same(t, first, set.get("10.0.0.1"))

	clock.advance(30 * time.Second)
	set.get("10.0.0.1")

	// .2 has been idle a full minute; .1 was seen 30s ago.
	clock.advance(30 * time.Second)
	set.get("10.0.0.3")
	assert.Equal(t, 2, set.len())

	clock.advance(time.Hour)
	set.get("10.0.0.4")
	assert.Equal(t, 1, set.len())
}

func TestLimiterSetKeepsBucketState(t *testing.T) {
	set := newLimiterSet(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}, time.Minute)

	assert.True(t, set.get("a").Allow())
	assert.True(t, set.get("a").Allow())
	assert.False(t, set.get("a").Allow())
	assert.True(t, set.get("b").Allow())
}
