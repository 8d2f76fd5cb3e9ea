package tallybot

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock shared by the limiter, renamer
// and tracker tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRateLimiter(
	n int,
	per time.Duration,
	cleanup time.Duration,
) (*RateLimiter, *fakeClock) {
	clock := newFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	r := NewRateLimiter(n, per, cleanup)
	r.now = clock.Now
	return r, clock
}

func TestRateLimiter_Timing(t *testing.T) {
	t.Parallel()
	r, clock := newTestRateLimiter(1, 30*time.Second, time.Hour)

	allowed, retryAfter := r.Check("u")
	assert.True(t, allowed)
	assert.Equal(t, time.Duration(0), retryAfter)

	clock.Advance(12 * time.Second)
	allowed, retryAfter = r.Check("u")
	assert.False(t, allowed)
	assert.InDelta(
		t,
		(18 * time.Second).Seconds(),
		retryAfter.Seconds(),
		0.001,
	)

	clock.Advance(18*time.Second + time.Millisecond)
	allowed, _ = r.Check("u")
	assert.True(t, allowed)
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()
	r, _ := newTestRateLimiter(1, 30*time.Second, time.Hour)

	allowed, _ := r.Check("alice")
	assert.True(t, allowed)
	allowed, _ = r.Check("alice")
	assert.False(t, allowed)

	allowed, _ = r.Check("bob")
	assert.True(t, allowed)
	assert.Equal(t, 2, r.Len())
}

func TestRateLimiter_Burst(t *testing.T) {
	t.Parallel()
	r, clock := newTestRateLimiter(
		DefaultGuildRefreshRate,
		DefaultGuildRefreshPer,
		time.Hour,
	)

	for i := 0; i < DefaultGuildRefreshRate; i++ {
		allowed, _ := r.Check("guild")
		require.True(t, allowed, "check %d", i)
	}
	allowed, retryAfter := r.Check("guild")
	assert.False(t, allowed)
	assert.InDelta(t, 10.0, retryAfter.Seconds(), 0.001)

	clock.Advance(5 * time.Second)
	allowed, retryAfter = r.Check("guild")
	assert.False(t, allowed)
	assert.InDelta(t, 5.0, retryAfter.Seconds(), 0.001)
}

func TestRateLimiter_Boundedness(t *testing.T) {
	t.Parallel()
	const n = 3
	r, clock := newTestRateLimiter(n, 9*time.Second, time.Hour)

	steps := []time.Duration{
		0, 0, 0, 0, time.Second, 500 * time.Millisecond, 4 * time.Second,
		time.Minute, 0, 0, 0, 0, 0, 2 * time.Second, 10 * time.Hour,
	}
	for i, step := range steps {
		clock.Advance(step)
		r.Check("k")
		tokens, ok := r.Tokens("k")
		require.True(t, ok)
		assert.GreaterOrEqual(t, tokens, 0.0, "step %d", i)
		assert.LessOrEqual(t, tokens, float64(n), "step %d", i)
	}
}

func TestRateLimiter_Eviction(t *testing.T) {
	t.Parallel()
	per := 30 * time.Second
	r, clock := newTestRateLimiter(1, per, time.Minute)

	// first call starts the cleanup clock
	allowed, _ := r.Check("stale")
	require.True(t, allowed)
	allowed, _ = r.Check("stale")
	require.False(t, allowed)

	clock.Advance(2*per + time.Second)
	allowed, _ = r.Check("fresh")
	require.True(t, allowed)

	_, ok := r.Tokens("stale")
	assert.False(t, ok, "expected stale key to be evicted")
	assert.Equal(t, 1, r.Len())

	allowed, retryAfter := r.Check("stale")
	assert.True(t, allowed)
	assert.Equal(t, time.Duration(0), retryAfter)
}

func TestRateLimiter_NoEvictionBeforeCleanupInterval(t *testing.T) {
	t.Parallel()
	per := time.Second
	r, clock := newTestRateLimiter(1, per, time.Hour)

	r.Check("a")
	clock.Advance(time.Minute)
	r.Check("b")

	_, ok := r.Tokens("a")
	assert.True(t, ok)
}

func TestRateLimiter_Concurrent(t *testing.T) {
	t.Parallel()
	r, _ := newTestRateLimiter(5, time.Hour, time.Hour)

	var allowedCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := r.Check("shared"); ok {
				allowedCount.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5), allowedCount.Load())
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		n    int
		per  time.Duration
		want int
	}{
		{n: 0, per: time.Second, want: 1},
		{n: -1, per: 0, want: 1},
		{n: 4, per: time.Minute, want: 4},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%d/%s", tc.n, tc.per), func(t *testing.T) {
			r := NewRateLimiter(tc.n, tc.per, 0)
			assert.Equal(t, tc.want, r.rate)
			assert.Greater(t, r.per, time.Duration(0))
		})
	}
}
