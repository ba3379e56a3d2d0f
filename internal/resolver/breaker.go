package resolver

import (
	"sync"
	"time"

	"github.com/sodav/monitor/internal/metrics"
)

// Circuit breaker tuning: 10 failures inside 60s opens the breaker for
// 5 minutes, after which a single half-open probe is allowed.
const (
	breakerFailureThreshold = 10
	breakerWindow           = 60 * time.Second
	breakerOpenFor          = 5 * time.Minute
)

// breakerState is the classic three-state machine
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker guards one external provider. Process-wide, mutex
// protected.
type CircuitBreaker struct {
	provider string

	mu       sync.Mutex
	state    breakerState
	failures []time.Time
	openedAt time.Time

	now func() time.Time // injectable clock for tests
}

// NewCircuitBreaker creates a closed breaker for a provider
func NewCircuitBreaker(provider string) *CircuitBreaker {
	return &CircuitBreaker{
		provider: provider,
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it permits
// one half-open probe per open interval.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerHalfOpen:
		// one probe in flight; hold further calls until it reports
		return false
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= breakerOpenFor {
			b.state = breakerHalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure window
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = breakerClosed
	b.failures = b.failures[:0]
	metrics.Get().CircuitBreakerOpen.WithLabelValues(b.provider).Set(0)
}

// RecordFailure counts a transient failure; enough failures inside the
// window open the breaker. A failed half-open probe reopens immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == breakerHalfOpen {
		b.open(now)
		return
	}

	// drop failures older than the window
	cutoff := now.Add(-breakerWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= breakerFailureThreshold {
		b.open(now)
	}
}

func (b *CircuitBreaker) open(now time.Time) {
	b.state = breakerOpen
	b.openedAt = now
	b.failures = b.failures[:0]
	metrics.Get().CircuitBreakerOpen.WithLabelValues(b.provider).Set(1)
}

// Open reports whether the breaker currently rejects calls
func (b *CircuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && b.now().Sub(b.openedAt) < breakerOpenFor
}
