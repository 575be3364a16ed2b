// Package admission defines the shared counter store contract.
package admission

import (
	"context"
	"time"
)

// LimitParams carries the algorithm parameters for one evaluation.
type LimitParams struct {
	Limit  int64
	Window time.Duration
	Burst  int64
}

// Capacity returns the burst-adjusted capacity for bucket algorithms.
func (p LimitParams) Capacity() int64 {
	if p.Burst > p.Limit {
		return p.Burst
	}
	return p.Limit
}

// CounterStore holds limiter counters shared across gateway replicas.
// Every method is a single atomic read-modify-write for the given key:
// concurrent calls for the same key must never both consume the last permit.
// Counter state expires after twice the rule window when idle.
type CounterStore interface {
	FixedWindow(ctx context.Context, key string, params LimitParams, permits int64) (*Decision, error)
	SlidingWindow(ctx context.Context, key string, params LimitParams, permits int64) (*Decision, error)
	TokenBucket(ctx context.Context, key string, params LimitParams, permits int64) (*Decision, error)
	LeakyBucket(ctx context.Context, key string, params LimitParams, permits int64) (*Decision, error)
	Healthy(ctx context.Context) bool
	Close() error
}
