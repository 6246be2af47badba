// Package resilience provides the circuit-breaker primitives that protect
// the quota-managed model client from hammering a failing backend.
//
// Breakers are keyed: the model client maintains one breaker per
// (operation, API-key) pair through a [BreakerSet], so a key that keeps
// failing chat calls is masked without affecting embeddings on the same key
// or chat on other keys.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Allow] while the breaker is
// open and the reset timeout has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures before the breaker
	// opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before allowing calls
	// again. Default: 60s.
	ResetTimeout time.Duration
}

// CircuitBreaker is a two-state (closed/open) breaker. After MaxFailures
// consecutive failures it rejects calls for ResetTimeout, then lets traffic
// through again with the failure counter one short of the trip point, so a
// single post-reset failure re-opens it immediately.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu              sync.Mutex
	open            bool
	consecutiveFail int
	openedAt        time.Time
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
	}
}

// Allow reports whether a call may proceed. It returns [ErrCircuitOpen]
// while the breaker is open and within the reset timeout.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return nil
	}
	if time.Since(cb.openedAt) < cb.resetTimeout {
		return ErrCircuitOpen
	}
	// Probe window: one failure away from re-opening.
	cb.open = false
	cb.consecutiveFail = cb.maxFailures - 1
	slog.Info("circuit breaker probing after reset timeout", "name", cb.name)
	return nil
}

// Record feeds the outcome of a call into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.consecutiveFail = 0
		return
	}
	cb.consecutiveFail++
	if !cb.open && cb.consecutiveFail >= cb.maxFailures {
		cb.open = true
		cb.openedAt = time.Now()
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail,
			"reset_timeout", cb.resetTimeout,
		)
	}
}

// Trip forces the breaker open immediately, regardless of failure count.
// Used when the backend signals a condition where further calls are
// pointless (e.g. a quota rejection on a specific key).
func (cb *CircuitBreaker) Trip() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		slog.Warn("circuit breaker tripped", "name", cb.name)
	}
	cb.open = true
	cb.openedAt = time.Now()
	cb.consecutiveFail = cb.maxFailures
}

// Open reports whether the breaker currently rejects calls.
func (cb *CircuitBreaker) Open() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.open && time.Since(cb.openedAt) < cb.resetTimeout
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// BreakerSet is a lazily populated registry of breakers keyed by
// (operation, key index). All breakers share one configuration.
type BreakerSet struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty [BreakerSet]. cfg.Name is used as a prefix
// for the per-breaker names.
func NewBreakerSet(cfg CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// For returns the breaker for (operation, keyIndex), creating it on first use.
func (bs *BreakerSet) For(operation string, keyIndex int) *CircuitBreaker {
	id := fmt.Sprintf("%s/%d", operation, keyIndex)

	bs.mu.Lock()
	defer bs.mu.Unlock()
	cb, ok := bs.breakers[id]
	if !ok {
		cfg := bs.cfg
		if cfg.Name != "" {
			cfg.Name = cfg.Name + "." + id
		} else {
			cfg.Name = id
		}
		cb = NewCircuitBreaker(cfg)
		bs.breakers[id] = cb
	}
	return cb
}
