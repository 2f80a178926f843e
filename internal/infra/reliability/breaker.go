package reliability

import (
	"fmt"
	"sync"
	"time"

	"github.com/fleetllm/fleet/internal/domain"
)

// ─── Circuit Breaker ────────────────────────────────────────────────────────
//
// States:
//   - CLOSED  (normal) → failures exceed threshold → OPEN
//   - OPEN    (blocking) → after reset timeout → HALF_OPEN
//   - HALF_OPEN (probing) → enough successes → CLOSED, any failure → OPEN

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // requests pass through
	BreakerOpen                         // tripped — rejected immediately
	BreakerHalfOpen                     // recovery probe — limited traffic
)

// String returns a human-readable breaker state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures a per-node circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive-ish failures to trip
	ResetTimeout     time.Duration // time in OPEN before HALF_OPEN
	HalfOpenMax      int           // successes needed in HALF_OPEN to close
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMax:      3,
	}
}

// Breaker implements the circuit breaker pattern. Thread-safe.
type Breaker struct {
	mu        sync.Mutex
	name      string
	config    BreakerConfig
	state     BreakerState
	failures  int
	successes int // successes in HALF_OPEN
	trippedAt time.Time
	now       func() time.Time // injectable clock for testing
}

// NewBreaker creates a breaker guarding one node.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &Breaker{name: name, config: cfg, state: BreakerClosed, now: time.Now}
}

// Allow checks whether a request should be permitted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.trippedAt) >= b.config.ResetTimeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			return nil
		}
		return fmt.Errorf("%s: %w", b.name, domain.ErrBreakerOpen)
	case BreakerHalfOpen:
		return nil
	}
	return nil
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.config.HalfOpenMax {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	case BreakerClosed:
		// Decay failures on success so sporadic errors never trip.
		if b.failures > 0 {
			b.failures--
		}
	}
}

// RecordFailure records a failed request. May trip the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = BreakerOpen
			b.trippedAt = b.now()
		}
	case BreakerHalfOpen:
		// Any failure while probing reopens the circuit.
		b.state = BreakerOpen
		b.trippedAt = b.now()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
