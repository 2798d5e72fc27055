// Package ratelimit implements per-source token buckets that admit or reject
// work without waiting.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-product-stream/internal/metrics"
)

// Config holds rate limiter configuration. Sources without an override use
// the defaults; a non-positive rate disables limiting.
type Config struct {
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	PerSource    map[string]float64 `mapstructure:"per_source"`
}

// Limiter manages per-source rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	perSource    map[string]rate.Limit
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	per := make(map[string]rate.Limit, len(cfg.PerSource))
	for src, rps := range cfg.PerSource {
		per[src] = limit(rps)
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  limit(cfg.DefaultRPS),
		defaultBurst: burst,
		perSource:    per,
	}
}

func limit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Allow takes a token for source if one is available. A rejection is
// counted in the rate-limited metric.
func (l *Limiter) Allow(source string) bool {
	if l == nil {
		return true
	}
	if l.bucket(source).Allow() {
		return true
	}
	metrics.ObserveRateLimited(source)
	return false
}

func (l *Limiter) bucket(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[source]
	if !ok {
		r, overridden := l.perSource[source]
		if !overridden {
			r = l.defaultRate
		}
		limiter = rate.NewLimiter(r, l.defaultBurst)
		l.limiters[source] = limiter
	}
	return limiter
}
