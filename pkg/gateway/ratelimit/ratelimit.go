// Package ratelimit implements a per-caller token bucket for the input
// submission endpoint. Single-process only; state lives in memory.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	// Operational bounds for the in-memory map.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*bucket
}

type bucket struct {
	tokens   float64
	last     time.Time
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*bucket),
	}
}

// KeyFromAPIKey derives a stable limiter key without retaining the raw key.
func KeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "k_" + hex.EncodeToString(sum[:16])
}

type Decision struct {
	Allowed    bool
	RetryAfter int // seconds; 0 when allowed
}

// Allow consumes one token for the given key at time now.
func (l *Limiter) Allow(key string, now time.Time) Decision {
	if key == "" {
		key = "anonymous"
	}
	if l.cfg.RPS <= 0 || l.cfg.Burst <= 0 {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.m[key]
	if !ok {
		if len(l.m) >= l.cfg.MaxEntries {
			l.gcLocked(now)
			// If still too big, drop one arbitrary entry (bounded memory > perfect fairness).
			if len(l.m) >= l.cfg.MaxEntries {
				for k := range l.m {
					delete(l.m, k)
					break
				}
			}
		}
		b = &bucket{tokens: float64(l.cfg.Burst), last: now}
		l.m[key] = b
	}
	b.lastSeen = now

	capacity := float64(l.cfg.Burst)
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*l.cfg.RPS)
		b.last = now
	}

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return Decision{Allowed: true}
	}

	needed := 1.0 - b.tokens
	retryAfter := int(math.Ceil(needed / l.cfg.RPS))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL {
			delete(l.m, k)
		}
	}
}
