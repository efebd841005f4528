package llm

import (
	"log/slog"
	"sync"
	"time"
)

// Breaker is a per-provider circuit breaker over network failures. Repeated
// network-level failures inside the rolling window open the circuit; while
// open, calls fail fast without touching the network. The circuit closes
// again after the open interval elapses.
type Breaker struct {
	provider  string
	window    time.Duration
	threshold int
	openFor   time.Duration

	mu        sync.Mutex
	failures  []time.Time
	openUntil time.Time
	now       func() time.Time
}

// NewBreaker creates a breaker for one provider.
func NewBreaker(provider string, window time.Duration, threshold int, openFor time.Duration) *Breaker {
	return &Breaker{
		provider:  provider,
		window:    window,
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. Returns a BreakerOpenError when
// the circuit is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Before(b.openUntil) {
		return &BreakerOpenError{Provider: b.provider}
	}
	return nil
}

// RecordFailure records one network-level failure. Crossing the threshold
// inside the window opens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.failures = append(b.failures, now)
	b.prune(now)
	if len(b.failures) >= b.threshold {
		b.openUntil = now.Add(b.openFor)
		b.failures = b.failures[:0]
		slog.Warn("LLM circuit breaker opened",
			"provider", b.provider,
			"open_for", b.openFor)
	}
}

// RecordSuccess clears the failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}
