// Package store is the Store Gateway: a thin, typed adapter over a
// Redis-shaped backend exposing get/set, hash, set, sorted-set, list,
// pub/sub, pipeline, scan, info, config, slow-log and ping, with bounded
// retry and circuit-breaker-backed health reporting.
package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/taskstream/internal/resilience"
	"github.com/R3E-Network/taskstream/pkg/logger"
	"github.com/R3E-Network/taskstream/pkg/selfmetrics"
)

// Config configures the gateway's connection and retry policy.
type Config struct {
	Addr       string
	Password   string
	DB         int
	MaxRetries int // bounded retry attempts, default 3
	OpTimeout  time.Duration
	Deadline   time.Duration // total deadline including retries, default 15s
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6379",
		MaxRetries: 3,
		OpTimeout:  5 * time.Second,
		Deadline:   15 * time.Second,
	}
}

// HealthState is the three-valued health reported by Health.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Health captures the result of a ping probe.
type Health struct {
	State HealthState
	RTT   time.Duration
	Err   error
}

// Gateway is the Store Gateway. All public methods are safe for concurrent
// use.
type Gateway struct {
	client  *redis.Client
	cfg     Config
	log     *logger.Logger
	breaker *resilience.CircuitBreaker

	// closing and degraded are read from every withRetry/Health call and
	// written from Close/Health concurrently with in-flight operations
	// during the shutdown drain window, so both are atomic rather than
	// plain bools.
	closing  atomic.Bool
	degraded atomic.Bool
}

// New constructs a Gateway against a Redis-compatible backend.
func New(cfg Config, log *logger.Logger) *Gateway {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 15 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if log == nil {
		log = logger.NewDefault("store")
	}
	g := &Gateway{
		client: client,
		cfg:    cfg,
		log:    log,
	}
	g.breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
		MaxFailures: cfg.MaxRetries * 2,
		Timeout:     30 * time.Second,
		HalfOpenMax: 1,
		OnStateChange: func(from, to resilience.BreakerState) {
			g.log.WithFields(map[string]interface{}{"from": from.String(), "to": to.String()}).
				Warn("store circuit breaker state change")
		},
	})
	return g
}

// NewFromClient wraps an existing *redis.Client (used by tests against
// miniredis, and by callers that already manage connection pooling).
func NewFromClient(client *redis.Client, cfg Config, log *logger.Logger) *Gateway {
	g := New(cfg, log)
	g.client = client
	return g
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	g.closing.Store(true)
	return g.client.Close()
}

// retryConfig maps the gateway's bounded-retry policy onto resilience.Retry.
func (g *Gateway) retryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  g.cfg.MaxRetries,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// withRetry runs fn with the gateway's bounded exponential backoff,
// classifying backend errors as transport-class (retryable) or not.
// Non-transport errors (redis.Nil, WRONGTYPE, syntax errors) fail immediately
// without consuming a retry.
func (g *Gateway) withRetry(ctx context.Context, command string, fn func(ctx context.Context) error) error {
	if g.closing.Load() {
		return ErrShuttingDown
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Deadline)
	defer cancel()

	start := time.Now()
	var outcome error
	breakerErr := g.breaker.Execute(ctx, func() error {
		outcome = resilience.Retry(ctx, g.retryConfig(), func() error {
			opCtx, opCancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
			defer opCancel()

			err := fn(opCtx)
			if err == nil {
				return nil
			}
			if err == redis.Nil {
				return resilience.Permanent(err) // not-found, never retried
			}
			if isTransportErr(err) {
				return &TransportError{Class: classifyTransport(err), Err: err}
			}
			return resilience.Permanent(err) // validation/wrong-type/conflict, fails immediately
		})
		// Only transport-class failures count against the breaker; a
		// not-found or validation result is not a connectivity problem.
		if IsTransport(outcome) {
			return outcome
		}
		return nil
	})
	err := outcome
	if err == nil && breakerErr != nil {
		err = breakerErr // circuit currently open: surface that instead
	}

	result := "ok"
	if err != nil && err != redis.Nil {
		result = "error"
	}
	selfmetrics.ObserveStoreCommand(command, result, time.Since(start).Seconds())

	return err
}

func isTransportErr(err error) bool {
	if err == nil {
		return false
	}
	switch err.(type) {
	case *TransportError:
		return true
	}
	netErr, ok := err.(interface{ Timeout() bool })
	if ok && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return contains(msg, "connection refused") ||
		contains(msg, "broken pipe") ||
		contains(msg, "i/o timeout") ||
		contains(msg, "use of closed network connection") ||
		contains(msg, "pool exhausted") ||
		contains(msg, "EOF")
}

func classifyTransport(err error) string {
	msg := err.Error()
	switch {
	case contains(msg, "timeout"):
		return "timeout"
	case contains(msg, "pool exhausted"):
		return "pool_exhausted"
	default:
		return "connection_lost"
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// --- Health -----------------------------------------------------------

// Health probes the backend once and reports a three-valued status: a
// single probe failure downgrades only to degraded, never straight to
// unhealthy.
func (g *Gateway) Health(ctx context.Context) Health {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
	defer cancel()

	err := g.client.Ping(ctx).Err()
	rtt := time.Since(start)

	if err == nil && g.breaker.State() == resilience.StateClosed {
		g.degraded.Store(false)
		selfmetrics.SetStoreHealth(1)
		return Health{State: HealthHealthy, RTT: rtt}
	}

	if !g.degraded.Load() && g.breaker.State() != resilience.StateOpen {
		g.degraded.Store(true)
		selfmetrics.SetStoreHealth(0.5)
		return Health{State: HealthDegraded, RTT: rtt, Err: err}
	}

	g.degraded.Store(true)
	selfmetrics.SetStoreHealth(0)
	return Health{State: HealthUnhealthy, RTT: rtt, Err: err}
}

// Ping is the raw liveness probe.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.withRetry(ctx, "ping", func(ctx context.Context) error {
		return g.client.Ping(ctx).Err()
	})
}

// --- Strings / TTL ------------------------------------------------------

func (g *Gateway) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := g.withRetry(ctx, "get", func(ctx context.Context) error {
		v, err := g.client.Get(ctx, key).Result()
		val = v
		return err
	})
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (g *Gateway) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.withRetry(ctx, "set", func(ctx context.Context) error {
		return g.client.Set(ctx, key, value, ttl).Err()
	})
}

func (g *Gateway) Delete(ctx context.Context, keys ...string) error {
	return g.withRetry(ctx, "del", func(ctx context.Context) error {
		return g.client.Del(ctx, keys...).Err()
	})
}

// --- Hash -----------------------------------------------------------

func (g *Gateway) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return g.withRetry(ctx, "hset", func(ctx context.Context) error {
		return g.client.HSet(ctx, key, fields).Err()
	})
}

func (g *Gateway) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := g.withRetry(ctx, "hgetall", func(ctx context.Context) error {
		v, err := g.client.HGetAll(ctx, key).Result()
		out = v
		return err
	})
	if len(out) == 0 && err == nil {
		return nil, ErrNotFound
	}
	return out, err
}

// --- Set -----------------------------------------------------------

func (g *Gateway) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return g.withRetry(ctx, "sadd", func(ctx context.Context) error {
		return g.client.SAdd(ctx, key, members...).Err()
	})
}

func (g *Gateway) SRem(ctx context.Context, key string, members ...interface{}) error {
	return g.withRetry(ctx, "srem", func(ctx context.Context) error {
		return g.client.SRem(ctx, key, members...).Err()
	})
}

func (g *Gateway) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := g.withRetry(ctx, "smembers", func(ctx context.Context) error {
		v, err := g.client.SMembers(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (g *Gateway) SCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := g.withRetry(ctx, "scard", func(ctx context.Context) error {
		v, err := g.client.SCard(ctx, key).Result()
		n = v
		return err
	})
	return n, err
}

// --- Sorted set -----------------------------------------------------------

func (g *Gateway) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return g.withRetry(ctx, "zadd", func(ctx context.Context) error {
		return g.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
	})
}

func (g *Gateway) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	var out []string
	err := g.withRetry(ctx, "zrangebyscore", func(ctx context.Context) error {
		v, err := g.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: fmt.Sprintf("%f", min),
			Max: fmt.Sprintf("%f", max),
		}).Result()
		out = v
		return err
	})
	return out, err
}

// --- List -----------------------------------------------------------

// LPushTrim pushes a value to the head of a list and trims it to maxLen,
// matching the "head is newest, trimmed to N" layout used by events:<id>
// and metrics:series:<name>.
func (g *Gateway) LPushTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	return g.withRetry(ctx, "lpush_trim", func(ctx context.Context) error {
		pipe := g.client.TxPipeline()
		pipe.LPush(ctx, key, value)
		pipe.LTrim(ctx, key, 0, maxLen-1)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (g *Gateway) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := g.withRetry(ctx, "lrange", func(ctx context.Context) error {
		v, err := g.client.LRange(ctx, key, start, stop).Result()
		out = v
		return err
	})
	return out, err
}

// --- Pub/sub -----------------------------------------------------------

func (g *Gateway) Publish(ctx context.Context, channel, message string) error {
	return g.withRetry(ctx, "publish", func(ctx context.Context) error {
		return g.client.Publish(ctx, channel, message).Err()
	})
}

// Subscribe returns a live subscription. The caller owns its lifetime and
// must call Close when done. Publish is fire-and-forget; Subscribe
// never blocks the publisher.
func (g *Gateway) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return g.client.Subscribe(ctx, channels...)
}

// --- Scan / introspection -----------------------------------------------------------

func (g *Gateway) Scan(ctx context.Context, cursor uint64, match string, count int64) (keys []string, next uint64, err error) {
	err = g.withRetry(ctx, "scan", func(ctx context.Context) error {
		k, c, e := g.client.Scan(ctx, cursor, match, count).Result()
		keys, next = k, c
		return e
	})
	return keys, next, err
}

func (g *Gateway) Info(ctx context.Context, section ...string) (string, error) {
	var out string
	err := g.withRetry(ctx, "info", func(ctx context.Context) error {
		v, err := g.client.Info(ctx, section...).Result()
		out = v
		return err
	})
	return out, err
}

func (g *Gateway) ConfigGet(ctx context.Context, parameter string) (map[string]string, error) {
	var out map[string]string
	err := g.withRetry(ctx, "config_get", func(ctx context.Context) error {
		vals, err := g.client.ConfigGet(ctx, parameter).Result()
		if err != nil {
			return err
		}
		out = make(map[string]string, len(vals)/2)
		for i := 0; i+1 < len(vals); i += 2 {
			k, _ := vals[i].(string)
			v, _ := vals[i+1].(string)
			out[k] = v
		}
		return nil
	})
	return out, err
}

func (g *Gateway) ConfigSet(ctx context.Context, parameter, value string) error {
	return g.withRetry(ctx, "config_set", func(ctx context.Context) error {
		return g.client.ConfigSet(ctx, parameter, value).Err()
	})
}

func (g *Gateway) SlowLogGet(ctx context.Context, n int64) ([]redis.SlowLog, error) {
	var out []redis.SlowLog
	err := g.withRetry(ctx, "slowlog_get", func(ctx context.Context) error {
		v, err := g.client.SlowLogGet(ctx, n).Result()
		out = v
		return err
	})
	return out, err
}

func (g *Gateway) MemoryUsage(ctx context.Context, key string) (int64, error) {
	var n int64
	err := g.withRetry(ctx, "memory_usage", func(ctx context.Context) error {
		v, err := g.client.MemoryUsage(ctx, key).Result()
		n = v
		return err
	})
	return n, err
}
