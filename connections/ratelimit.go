package connections

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

var DefaultRateLimit = RateLimitConfig{RequestsPerSecond: 5, BurstSize: 10}

// RateLimiter is a token bucket with an extra backoff window set after the
// upstream API reports a rate limit.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize)}
}

func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	retryAt := r.retryAt
	r.mu.Unlock()

	if wait := time.Until(retryAt); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return r.limiter.Wait(ctx)
}

// RecordRateLimitError pauses the limiter for retryAfterSeconds, or a minute
// when the upstream gave no hint.
func (r *RateLimiter) RecordRateLimitError(retryAfterSeconds int) {
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 60
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryAt = time.Now().Add(time.Duration(retryAfterSeconds) * time.Second)
}
