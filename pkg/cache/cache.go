// Package cache memoizes expensive lookups by key, coalesces concurrent
// identical lookups and backs off exponentially after failures.
//
// For one key, Get behaves as follows:
//
//  1. A fresh value is returned without calling the producer.
//  2. Inside a backoff window the error that opened the window is returned
//     again, without calling the producer.
//  3. If a producer call is already running, the caller shares its result.
//  4. Otherwise the producer runs once. Success caches the value for TTL and
//     clears the backoff state; failure opens a window of
//     BaseBackoff * 2^failures (capped at MaxBackoff) and caches nothing.
//
// A key never holds a fresh value and an active backoff window at the same
// time.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/neuland-ingolstadt/thi-tunnel/pkg/metrics"
)

// Defaults.
const (
	DefaultTTL           = 10 * time.Minute
	DefaultBaseBackoff   = 60 * time.Second
	DefaultMaxBackoff    = time.Hour
	DefaultPurgeInterval = 10 * time.Second
)

// Config configures a Cache.
type Config struct {
	// TTL is how long a value stays fresh (default: 10m).
	TTL time.Duration

	// BaseBackoff is the window after the first failure (default: 60s).
	BaseBackoff time.Duration

	// MaxBackoff caps the window (default: 1h).
	MaxBackoff time.Duration

	// Name labels metrics (default: "default").
	Name string

	// Logger for debug output (optional).
	Logger *slog.Logger
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		TTL:         DefaultTTL,
		BaseBackoff: DefaultBaseBackoff,
		MaxBackoff:  DefaultMaxBackoff,
		Name:        "default",
	}
}

// Producer computes the value for a key.
type Producer[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value    V
	expires  time.Time
	hasValue bool

	failures     int
	lastErr      error
	backoffUntil time.Time
}

// Cache is a keyed memoizing cache with request coalescing and failure
// backoff. It is safe for concurrent use.
type Cache[V any] struct {
	config Config

	mu      sync.Mutex
	entries map[string]*entry[V]
	group   singleflight.Group

	timeNow func() time.Time
}

// New creates a cache. Zero config fields take their defaults.
func New[V any](config Config) *Cache[V] {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = DefaultBaseBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.MaxBackoff < config.BaseBackoff {
		config.MaxBackoff = config.BaseBackoff
	}
	if config.Name == "" {
		config.Name = "default"
	}
	return &Cache[V]{
		config:  config,
		entries: make(map[string]*entry[V]),
		timeNow: time.Now,
	}
}

// Get returns the value for key, calling producer at most once across
// concurrent callers. If ctx ends while waiting, Get returns ctx.Err() but
// the shared producer call still completes and its outcome is recorded.
func (c *Cache[V]) Get(ctx context.Context, key string, producer Producer[V]) (V, error) {
	if v, ok, err := c.lookup(key, true); ok {
		return v, err
	}

	// Set only in the goroutine that runs the flight.
	ran := false
	ch := c.group.DoChan(key, func() (any, error) {
		ran = true
		if v, ok, err := c.lookup(key, false); ok {
			return v, err
		}
		metrics.CacheLookups.WithLabelValues(c.config.Name, metrics.CacheMiss).Inc()
		v, err := producer(context.WithoutCancel(ctx))
		c.record(key, v, err)
		return v, err
	})

	select {
	case r := <-ch:
		if !ran {
			metrics.CacheLookups.WithLabelValues(c.config.Name, metrics.CacheCoalesced).Inc()
		}
		v, _ := r.Val.(V)
		return v, r.Err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// lookup returns a fresh value or the backoff error for key. ok is false
// when the producer has to run.
func (c *Cache[V]) lookup(key string, count bool) (v V, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[key]
	if e == nil {
		return v, false, nil
	}
	now := c.timeNow()
	if e.hasValue && now.Before(e.expires) {
		if count {
			metrics.CacheLookups.WithLabelValues(c.config.Name, metrics.CacheHit).Inc()
		}
		return e.value, true, nil
	}
	if e.lastErr != nil && now.Before(e.backoffUntil) {
		if count {
			metrics.CacheLookups.WithLabelValues(c.config.Name, metrics.CacheBackoff).Inc()
		}
		return v, true, e.lastErr
	}
	return v, false, nil
}

// record stores the outcome of a producer call.
func (c *Cache[V]) record(key string, v V, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeNow()
	e := c.entries[key]
	if e == nil {
		e = &entry[V]{}
		c.entries[key] = e
	}

	if err == nil {
		*e = entry[V]{value: v, expires: now.Add(c.config.TTL), hasValue: true}
		return
	}

	window := c.backoff(e.failures)
	var zero V
	e.value = zero
	e.hasValue = false
	e.failures++
	e.lastErr = err
	e.backoffUntil = now.Add(window)

	metrics.CacheLookups.WithLabelValues(c.config.Name, metrics.CacheFailure).Inc()
	c.debugLog("producer failed, backing off",
		"cache", c.config.Name, "key", key, "failures", e.failures, "window", window, "error", err)
}

// backoff returns BaseBackoff * 2^failures, capped at MaxBackoff.
func (c *Cache[V]) backoff(failures int) time.Duration {
	d := c.config.BaseBackoff
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= c.config.MaxBackoff {
			return c.config.MaxBackoff
		}
	}
	return min(d, c.config.MaxBackoff)
}

// Set stores a fresh value for key and clears its backoff state.
func (c *Cache[V]) Set(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry[V]{value: v, expires: c.timeNow().Add(c.config.TTL), hasValue: true}
}

// Delete forgets key, including its backoff state.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Flush forgets every key.
func (c *Cache[V]) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.debugLog("cache flushed", "cache", c.config.Name)
}

// InBackoff reports whether key is inside a backoff window and how much of
// the window remains.
func (c *Cache[V]) InBackoff(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[key]
	if e == nil || e.lastErr == nil {
		return 0, false
	}
	remaining := e.backoffUntil.Sub(c.timeNow())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// Len returns the number of tracked keys.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops expired values. Failure state is kept for MaxBackoff after
// its window closes so consecutive failures keep growing the window.
// It returns the number of keys removed.
func (c *Cache[V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeNow()
	removed := 0
	for key, e := range c.entries {
		switch {
		case e.hasValue && now.Before(e.expires):
		case e.lastErr != nil && now.Before(e.backoffUntil.Add(c.config.MaxBackoff)):
		default:
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Run purges the cache every interval until ctx is done.
func (c *Cache[V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Purge(); n > 0 {
				c.debugLog("purged expired entries", "cache", c.config.Name, "count", n)
			}
		}
	}
}

// debugLog logs a debug message if logging is enabled.
func (c *Cache[V]) debugLog(msg string, args ...any) {
	if c.config.Logger != nil {
		c.config.Logger.Debug(msg, args...)
	}
}
