// Package ratelimit provides per-caller request throttling for the HTTP API
// and per-caller daily quotas for metered tools.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config configures token-bucket throttling.
type Config struct {
	// RequestsPerSecond is the sustained refill rate.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the bucket capacity.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether throttling is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default throttling configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 2,
		BurstSize:         10,
		Enabled:           true,
	}
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// Limiter keeps one token bucket per key (usually a caller id).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   float64
	enabled bool
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a keyed limiter from cfg.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = int(math.Max(1, cfg.RequestsPerSecond*2))
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    cfg.RequestsPerSecond,
		burst:   float64(cfg.BurstSize),
		enabled: cfg.Enabled,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow consumes a token for key and reports whether the request may proceed.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Reserve(key)
	return ok
}

// Reserve consumes a token for key. When none is available it returns how
// long the caller should wait before retrying.
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	if l == nil || !l.enabled {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketLocked(key, now)
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*l.rate)
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

func (l *Limiter) bucketLocked(key string, now time.Time) *bucket {
	if b, ok := l.buckets[key]; ok {
		return b
	}
	if len(l.buckets) >= l.maxKeys {
		l.pruneLocked(now)
	}
	b := &bucket{tokens: l.burst, lastSeen: now}
	l.buckets[key] = b
	return b
}

// pruneLocked drops buckets that would already have refilled completely.
func (l *Limiter) pruneLocked(now time.Time) {
	idle := time.Duration(l.burst / l.rate * float64(time.Second))
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= idle {
			delete(l.buckets, key)
		}
	}
}
