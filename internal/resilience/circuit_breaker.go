// Package resilience implements the bounded-retry and circuit-breaker
// primitives the Store Gateway wraps around its Redis backend. Nothing
// here is backend-specific; the Gateway is the
// only caller, and both primitives are tuned for a single upstream
// dependency rather than a pool of heterogeneous services.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker-level errors surfaced to withRetry when the backend is being
// protected from further load.
var (
	ErrCircuitOpen     = errors.New("resilience: circuit breaker is open")
	ErrTooManyRequests = errors.New("resilience: too many probe requests in half-open state")
)

// BreakerConfig tunes a CircuitBreaker. The Store Gateway derives its own
// values from Config.MaxRetries rather than using DefaultBreakerConfig
// directly, since the breaker's failure budget should scale with the
// gateway's configured retry budget instead of a fixed constant.
type BreakerConfig struct {
	MaxFailures   int           // consecutive transport failures before opening
	Timeout       time.Duration // time spent open before a half-open probe is allowed
	HalfOpenMax   int           // probe requests allowed while half-open
	OnStateChange func(from, to BreakerState)
}

// DefaultBreakerConfig returns a breaker tuned for a single Redis backend
// with the Store Gateway's own default retry budget (store.DefaultConfig:
// MaxRetries=3).
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 6, // 2x the default MaxRetries, so one bad retry cycle doesn't trip it alone
		Timeout:     30 * time.Second,
		HalfOpenMax: 1, // a single probe, matching Health's single-ping check
	}
}

// CircuitBreaker guards the Store Gateway's calls into Redis: once
// consecutive transport failures cross MaxFailures it stops dispatching new
// commands for Timeout, then allows a bounded number of half-open probes
// before either closing again or reopening.
type CircuitBreaker struct {
	mu           sync.RWMutex
	config       BreakerConfig
	state        BreakerState
	failures     int
	successes    int
	halfOpenReqs int
	lastFailure  time.Time
}

// NewCircuitBreaker constructs a CircuitBreaker from cfg, filling in
// DefaultBreakerConfig's values for any unset field.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 6
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &CircuitBreaker{config: cfg, state: StateClosed}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Execute runs fn guarded by the breaker: rejected outright while open,
// gated to HalfOpenMax concurrent probes while half-open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.config.Timeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenReqs = 1
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenReqs >= cb.config.HalfOpenMax {
			return ErrTooManyRequests
		}
		cb.halfOpenReqs++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenMax {
			cb.setState(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen)
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) setState(newState BreakerState) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenReqs = 0

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(old, newState)
	}
}
