package tallybot

import (
	"golang.org/x/time/rate"
	"sync"
	"time"
)

const (
	DefaultUserRefreshRate     = 1
	DefaultUserRefreshPer      = 30 * time.Second
	DefaultGuildRefreshRate    = 6
	DefaultGuildRefreshPer     = 60 * time.Second
	DefaultRateLimiterCleanup  = 5 * time.Minute
	rateLimiterEvictMultiplier = 2
)

// RateLimiter is a token bucket limiter keyed by an arbitrary string
// (user ID, guild ID, ...). Each key holds up to `rate` tokens, refilled
// continuously at rate/per tokens per second. Refill is computed lazily on
// each Check, and keys idle for longer than 2*per are evicted by a sweep
// that also runs inside Check, at most once per cleanup interval.
type RateLimiter struct {
	rate            int
	per             time.Duration
	cleanupInterval time.Duration

	mu          sync.Mutex
	buckets     map[string]*tokenBucket
	lastCleanup time.Time

	// now is swapped in tests
	now func() time.Time
}

type tokenBucket struct {
	limiter    *rate.Limiter
	lastUpdate time.Time
}

// NewRateLimiter returns a RateLimiter allowing `n` actions per `per` for
// each key. A cleanupInterval <= 0 sweeps on every call.
func NewRateLimiter(n int, per time.Duration, cleanupInterval time.Duration) *RateLimiter {
	if n <= 0 {
		n = 1
	}
	if per <= 0 {
		per = time.Second
	}
	return &RateLimiter{
		rate:            n,
		per:             per,
		cleanupInterval: cleanupInterval,
		buckets:         map[string]*tokenBucket{},
		now:             time.Now,
	}
}

// Check consumes a token for key if one is available. When no token is
// available, it returns false along with the time until the next token
// is available.
func (r *RateLimiter) Check(key string) (allowed bool, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.maybeCleanup(now)

	b, ok := r.buckets[key]
	if !ok {
		b = &tokenBucket{
			limiter: rate.NewLimiter(
				rate.Limit(float64(r.rate)/r.per.Seconds()),
				r.rate,
			),
		}
		r.buckets[key] = b
	}
	b.lastUpdate = now

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}

	tokens := b.limiter.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}
	wait := (1 - tokens) * float64(r.per) / float64(r.rate)
	return false, time.Duration(wait)
}

// Tokens returns the number of tokens currently available for key, and
// whether the key is being tracked at all.
func (r *RateLimiter) Tokens(key string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok {
		return 0, false
	}
	return b.limiter.TokensAt(r.now()), true
}

// Len returns the number of tracked keys
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// maybeCleanup must be called with mu held.
func (r *RateLimiter) maybeCleanup(now time.Time) {
	if r.lastCleanup.IsZero() {
		r.lastCleanup = now
		return
	}
	if now.Sub(r.lastCleanup) < r.cleanupInterval {
		return
	}
	r.lastCleanup = now
	staleAfter := rateLimiterEvictMultiplier * r.per
	for key, b := range r.buckets {
		if now.Sub(b.lastUpdate) > staleAfter {
			delete(r.buckets, key)
		}
	}
}
