// Package ratelimit provides a token-bucket guard shared by the Fan-out
// Hub's new-connection admission path, protecting it from a connect
// storm that the MaxConnections cap alone would admit in one burst, and by
// the Performance Optimizer's sample collection cadence.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Config configures a Limiter.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 100, Burst: 200}
}

// Limiter wraps golang.org/x/time/rate with reset support, since the
// underlying limiter has no way to change its rate after construction.
type Limiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	config  Config
}

// New builds a Limiter from the given configuration.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:  cfg,
	}
}

// Allow reports whether an event may proceed right now, consuming a token if so.
func (l *Limiter) Allow() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	lim := l.limiter
	l.mu.RUnlock()
	return lim.Wait(ctx)
}

// Reset restores the limiter to its configured rate and burst, discarding
// any currently accumulated or borrowed tokens.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter = rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)
}
