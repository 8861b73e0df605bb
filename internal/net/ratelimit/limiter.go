// Package ratelimit provides per-host request pacing for outbound REST calls.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter provides per-host rate limiting using a token bucket per host.
// Hosts get their limiter lazily on first use.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a limiter handing out rps tokens per second with the
// given burst capacity to every host.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *Limiter) getLimiter(host string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[host]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring the write lock
	if limiter, exists := l.limiters[host]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[host] = limiter
	return limiter
}

// Allow reports whether a request for the host may proceed immediately.
func (l *Limiter) Allow(host string) bool {
	return l.getLimiter(host).Allow()
}

// Wait blocks until a request for the host is allowed or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	return l.getLimiter(host).Wait(ctx)
}
