// Package ratelimit provides token-bucket admission control keyed by caller
// identity. Refill is computed lazily from elapsed time at access; there is
// no per-key ticking goroutine.
package ratelimit

import (
	"log"
	"sync"
	"time"

	"github.com/KostasNoreika/claude-studio/internal/errdefs"
	"github.com/KostasNoreika/claude-studio/internal/logutil"
)

// Class selects the limit applied to an operation.
type Class string

const (
	ClassGeneral          Class = "general"
	ClassLifecycle        Class = "lifecycle"
	ClassPreviewConfigure Class = "preview_configure"
	ClassConnect          Class = "connect"
)

// Limit describes one operation class: sustained refill rate and burst size.
type Limit struct {
	Rate  float64 // tokens per second
	Burst int     // bucket capacity
}

// Config maps operation classes to their limits.
type Config struct {
	Limits     map[Class]Limit
	IdleExpiry time.Duration // evict buckets untouched for this long
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter holds independent token buckets per (class, key) pair.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
	nowFn   func() time.Time // injectable clock for testing
}

// Snapshot reports the bucket view used for X-RateLimit response headers.
type Snapshot struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// New creates a Limiter. Missing classes fall back to ClassGeneral's limit.
func New(cfg Config) *Limiter {
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = 10 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		nowFn:   time.Now,
	}
}

func (l *Limiter) limitFor(class Class) Limit {
	if lim, ok := l.cfg.Limits[class]; ok {
		return lim
	}
	if lim, ok := l.cfg.Limits[ClassGeneral]; ok {
		return lim
	}
	return Limit{Rate: 10, Burst: 20}
}

// refill advances the bucket to now. Caller holds l.mu.
func refill(b *bucket, lim Limit, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * lim.Rate
		if b.tokens > float64(lim.Burst) {
			b.tokens = float64(lim.Burst)
		}
		b.lastRefill = now
	}
}

// Allow consumes one token for key under the given class. When no token is
// available it returns an errdefs.RateLimitError carrying the time at which
// at least one token will be available again.
func (l *Limiter) Allow(class Class, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim := l.limitFor(class)
	now := l.nowFn()
	id := string(class) + "|" + key

	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{tokens: float64(lim.Burst), lastRefill: now}
		l.buckets[id] = b
	}
	refill(b, lim, now)

	if b.tokens >= 1 {
		b.tokens--
		return nil
	}

	deficit := 1 - b.tokens
	wait := time.Duration(deficit / lim.Rate * float64(time.Second))
	log.Printf("[ratelimit] class=%s key=%s rejected (retry in %s)",
		class, logutil.SanitizeForLog(key), wait.Truncate(time.Millisecond))
	return &errdefs.RateLimitError{ResetAt: now.Add(wait), Limit: lim.Burst}
}

// Peek returns the header snapshot for key without consuming a token.
func (l *Limiter) Peek(class Class, key string) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim := l.limitFor(class)
	now := l.nowFn()
	id := string(class) + "|" + key

	b, ok := l.buckets[id]
	if !ok {
		return Snapshot{Limit: lim.Burst, Remaining: lim.Burst, Reset: now}
	}
	refill(b, lim, now)

	remaining := int(b.tokens)
	reset := now
	if b.tokens < float64(lim.Burst) {
		deficit := float64(lim.Burst) - b.tokens
		reset = now.Add(time.Duration(deficit / lim.Rate * float64(time.Second)))
	}
	return Snapshot{Limit: lim.Burst, Remaining: remaining, Reset: reset}
}

// Sweep evicts buckets idle longer than the configured expiry, bounding
// memory under many distinct caller identities. Returns the eviction count.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	evicted := 0
	for id, b := range l.buckets {
		if now.Sub(b.lastRefill) > l.cfg.IdleExpiry {
			delete(l.buckets, id)
			evicted++
		}
	}
	if evicted > 0 {
		log.Printf("[ratelimit] evicted %d idle buckets", evicted)
	}
	return evicted
}
