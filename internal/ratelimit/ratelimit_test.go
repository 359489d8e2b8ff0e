package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/KostasNoreika/claude-studio/internal/errdefs"
)

func newTestLimiter(rate float64, burst int) (*Limiter, *time.Time) {
	now := time.Now()
	l := New(Config{
		Limits: map[Class]Limit{
			ClassGeneral:   {Rate: rate, Burst: burst},
			ClassLifecycle: {Rate: 0.5, Burst: 2},
		},
		IdleExpiry: time.Minute,
	})
	l.nowFn = func() time.Time { return now }
	return l, &now
}

func TestBurstThenReject(t *testing.T) {
	l, _ := newTestLimiter(1, 5)

	for i := 0; i < 5; i++ {
		if err := l.Allow(ClassGeneral, "1.2.3.4"); err != nil {
			t.Fatalf("burst request %d rejected: %v", i+1, err)
		}
	}

	err := l.Allow(ClassGeneral, "1.2.3.4")
	if err == nil {
		t.Fatal("expected rejection after burst exhausted")
	}
	var rle *errdefs.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %T", err)
	}
	if !rle.Retryable() {
		t.Error("rate limit rejections are retryable")
	}
	if rle.ResetAt.IsZero() {
		t.Error("rejection must carry a reset timestamp")
	}
}

func TestRefillRestoresTokens(t *testing.T) {
	l, now := newTestLimiter(1, 2)

	l.Allow(ClassGeneral, "k")
	l.Allow(ClassGeneral, "k")
	if err := l.Allow(ClassGeneral, "k"); err == nil {
		t.Fatal("expected rejection with empty bucket")
	}

	// One full refill interval restores at least one token.
	*now = now.Add(time.Second)
	if err := l.Allow(ClassGeneral, "k"); err != nil {
		t.Fatalf("expected token after refill interval: %v", err)
	}
}

func TestKeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 1)

	if err := l.Allow(ClassGeneral, "alice"); err != nil {
		t.Fatalf("alice rejected: %v", err)
	}
	if err := l.Allow(ClassGeneral, "bob"); err != nil {
		t.Fatalf("bob must have an independent bucket: %v", err)
	}
	if err := l.Allow(ClassGeneral, "alice"); err == nil {
		t.Error("alice should be exhausted")
	}
}

func TestClassesIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 1)

	l.Allow(ClassGeneral, "k")
	if err := l.Allow(ClassLifecycle, "k"); err != nil {
		t.Fatalf("lifecycle class has its own bucket: %v", err)
	}
	if err := l.Allow(ClassLifecycle, "k"); err != nil {
		t.Fatalf("lifecycle burst is 2: %v", err)
	}
	if err := l.Allow(ClassLifecycle, "k"); err == nil {
		t.Error("lifecycle bucket should be exhausted")
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	l, _ := newTestLimiter(1, 3)

	snap := l.Peek(ClassGeneral, "k")
	if snap.Limit != 3 || snap.Remaining != 3 {
		t.Fatalf("fresh bucket snapshot wrong: %+v", snap)
	}

	l.Allow(ClassGeneral, "k")
	snap = l.Peek(ClassGeneral, "k")
	if snap.Remaining != 2 {
		t.Errorf("expected 2 remaining, got %d", snap.Remaining)
	}
	// Peeking twice must not change the count.
	if snap2 := l.Peek(ClassGeneral, "k"); snap2.Remaining != 2 {
		t.Errorf("Peek consumed a token: %+v", snap2)
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	l, now := newTestLimiter(1, 1)

	l.Allow(ClassGeneral, "old")
	*now = now.Add(2 * time.Minute)
	l.Allow(ClassGeneral, "fresh")

	if n := l.Sweep(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	// The evicted key starts over with a full bucket.
	if err := l.Allow(ClassGeneral, "old"); err != nil {
		t.Errorf("evicted key should get a fresh bucket: %v", err)
	}
}
