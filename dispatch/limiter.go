// Package dispatch provides admission-control primitives the Poller uses
// when handing selected rows to handlers: per-service rate shaping and
// overload shedding. Neither is part of the scheduler's pure selection
// algorithm; both are operational guardrails around it.
package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter defines the interface for per-key rate limiting.
type RateLimiter interface {
	Allow(key string) bool
}

// TokenBucketLimiter implements RateLimiter using one token bucket per key,
// keyed by service_name.
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a new limiter with rate r dispatches per
// second and burst b, per service.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether service may dispatch another row right now.
func (l *TokenBucketLimiter) Allow(service string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[service]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[service] = limiter
	}

	return limiter.Allow()
}

// Reserve checks permission and returns the delay until the next token
// would be available, without consuming it.
func (l *TokenBucketLimiter) Reserve(service string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[service]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[service] = limiter
	}

	r := limiter.Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// EnsureLimiter guarantees a limiter exists for service, so the first
// dispatch after startup is not treated as a cold key.
func (l *TokenBucketLimiter) EnsureLimiter(service string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.limiters[service]; !exists {
		l.limiters[service] = rate.NewLimiter(l.r, l.b)
	}
}
