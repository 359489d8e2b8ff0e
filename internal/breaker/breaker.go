// Package breaker implements a circuit breaker around the container runtime.
//
// One Breaker instance is shared by every session issuing calls through a
// gateway. State transitions are serialized under a single mutex so
// concurrent callers always observe a consistent state.
package breaker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned immediately for calls made while the breaker is open.
var ErrOpen = fmt.Errorf("circuit open: container runtime calls suspended")

// StateChangeCallback is invoked on every state transition, outside the
// breaker's lock.
type StateChangeCallback func(from, to State)

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures in CLOSED before opening
	SuccessThreshold int           // consecutive successes in HALF_OPEN before closing
	ResetTimeout     time.Duration // OPEN duration before a HALF_OPEN probe
	OnStateChange    StateChangeCallback
}

// Metrics is a point-in-time snapshot for observability.
type Metrics struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	NextAttemptTime time.Time `json:"next_attempt_time"`
}

// Breaker is a failure-isolating wrapper around an unreliable dependency.
type Breaker struct {
	mu           sync.Mutex
	cfg          Config
	state        State
	failureCount int
	successCount int
	nextAttempt  time.Time
	nowFn        func() time.Time // injectable clock for testing
}

// New creates a closed breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: Closed, nowFn: time.Now}
}

// transitionRecord captures a state change performed under the lock so the
// callback can fire after the lock is released.
type transitionRecord struct {
	from, to State
	fired    bool
}

// Execute runs fn through the breaker. While OPEN it fails immediately with
// ErrOpen without invoking fn. The breaker never swallows fn's error; it only
// tallies it.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow checks admission and performs the OPEN → HALF_OPEN transition once
// the reset timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	var tr transitionRecord
	if b.state == Open {
		if b.nowFn().Before(b.nextAttempt) {
			b.mu.Unlock()
			return ErrOpen
		}
		tr = b.transition(HalfOpen)
		b.successCount = 0
	}
	b.mu.Unlock()
	b.notify(tr)
	return nil
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	var tr transitionRecord
	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.nextAttempt = b.nowFn().Add(b.cfg.ResetTimeout)
			tr = b.transition(Open)
		}
	case HalfOpen:
		// A single probe failure reopens the breaker.
		b.nextAttempt = b.nowFn().Add(b.cfg.ResetTimeout)
		b.successCount = 0
		tr = b.transition(Open)
	}
	b.mu.Unlock()
	b.notify(tr)
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	var tr transitionRecord
	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.failureCount = 0
			b.successCount = 0
			tr = b.transition(Closed)
		}
	}
	b.mu.Unlock()
	b.notify(tr)
}

// transition updates state under the lock and returns the record to notify with.
func (b *Breaker) transition(to State) transitionRecord {
	from := b.state
	if from == to {
		return transitionRecord{}
	}
	b.state = to
	log.Printf("[breaker] %s -> %s (failures=%d)", from, to, b.failureCount)
	return transitionRecord{from: from, to: to, fired: true}
}

func (b *Breaker) notify(tr transitionRecord) {
	if tr.fired && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(tr.from, tr.to)
	}
}

// ManualReset forces the breaker CLOSED unconditionally and zeroes all counters.
func (b *Breaker) ManualReset() {
	b.mu.Lock()
	b.failureCount = 0
	b.successCount = 0
	b.nextAttempt = time.Time{}
	tr := b.transition(Closed)
	b.mu.Unlock()
	b.notify(tr)
}

// GetMetrics returns a snapshot of the breaker state.
func (b *Breaker) GetMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		NextAttemptTime: b.nextAttempt,
	}
}
