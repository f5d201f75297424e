package auth

import (
	"context"
	"sync"
	"time"
)

// RateLimiter checks whether a request should be allowed for an identity.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// InProcessLimiter is a fixed-window rate limiter that tracks request
// counts per subject in memory.
type InProcessLimiter struct {
	rpm int
	now func() time.Time

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	count    int
	windowAt time.Time
}

// NewInProcessLimiter creates a limiter allowing requestsPerMinute per
// subject. A non-positive limit allows everything.
func NewInProcessLimiter(requestsPerMinute int, now func() time.Time) *InProcessLimiter {
	if now == nil {
		now = time.Now
	}
	return &InProcessLimiter{
		rpm:      requestsPerMinute,
		now:      now,
		counters: make(map[string]*counter),
	}
}

// Allow checks if the request is within the rate limit.
func (l *InProcessLimiter) Allow(_ context.Context, identity *Identity) error {
	if l.rpm <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.counters[identity.Subject]
	if !ok || now.Sub(c.windowAt) >= time.Minute {
		l.counters[identity.Subject] = &counter{count: 1, windowAt: now}
		l.pruneLocked(now)
		return nil
	}

	c.count++
	if c.count > l.rpm {
		return ErrTooManyRequests
	}
	return nil
}

// pruneLocked drops windows that ended, so subjects seen once do not
// accumulate.
func (l *InProcessLimiter) pruneLocked(now time.Time) {
	for subject, c := range l.counters {
		if now.Sub(c.windowAt) >= time.Minute {
			delete(l.counters, subject)
		}
	}
}
