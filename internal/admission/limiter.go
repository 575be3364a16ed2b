// Package admission provides rate limit evaluation.
package admission

import (
	"context"
	"time"
)

// RateLimiter evaluates rules against the shared counter store.
type RateLimiter struct {
	store   CounterStore
	timeout time.Duration
}

// NewRateLimiter constructs a limiter with a bounded store-call timeout.
func NewRateLimiter(store CounterStore, timeout time.Duration) *RateLimiter {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &RateLimiter{store: store, timeout: timeout}
}

// Evaluate applies one rule to a derived key. The store call is the single
// atomic read-modify-write for the decision; a store error is returned as-is
// so the controller can apply the configured fail-open/fail-closed policy.
func (l *RateLimiter) Evaluate(ctx context.Context, rule *RateLimitRule, key string, permits int64) (*Decision, error) {
	if l == nil || l.store == nil || rule == nil || key == "" || permits <= 0 {
		return nil, ErrInvalidInput
	}
	if rule.Limit == 0 {
		// A zero-limit rule always denies and touches no shared state.
		return &Decision{
			Allowed:    false,
			Remaining:  0,
			Limit:      0,
			ResetAfter: rule.Window,
			RetryAfter: rule.Window,
		}, nil
	}
	params := LimitParams{Limit: rule.Limit, Window: rule.Window, Burst: rule.Burst}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	switch rule.Algorithm {
	case AlgorithmFixedWindow:
		return l.store.FixedWindow(ctx, key, params, permits)
	case AlgorithmSlidingWindow:
		return l.store.SlidingWindow(ctx, key, params, permits)
	case AlgorithmTokenBucket:
		return l.store.TokenBucket(ctx, key, params, permits)
	case AlgorithmLeakyBucket:
		return l.store.LeakyBucket(ctx, key, params, permits)
	default:
		return nil, ErrInvalidInput
	}
}
