// Package admission provides an in-memory counter store.
package admission

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// InMemoryStore implements CounterStore in process memory. It is the store
// used in tests and single-replica deployments; the atomicity contract is
// satisfied with one mutex over all counters.
type InMemoryStore struct {
	mu            sync.Mutex
	now           func() time.Time
	windows       map[string]*windowState
	buckets       map[string]*bucketState
	queues        map[string]*queueState
	healthy       atomic.Bool
	windowDefault time.Duration
	lastSweep     time.Time
}

type windowState struct {
	slot      int64
	used      int64
	prevUsed  int64
	expiresAt time.Time
}

type bucketState struct {
	tokens    float64
	last      time.Time
	expiresAt time.Time
}

type queueState struct {
	level     float64
	last      time.Time
	expiresAt time.Time
}

// NewInMemoryStore constructs an in-memory store with an injectable clock.
func NewInMemoryStore(now func() time.Time) *InMemoryStore {
	if now == nil {
		now = time.Now
	}
	store := &InMemoryStore{
		now:           now,
		windows:       make(map[string]*windowState),
		buckets:       make(map[string]*bucketState),
		queues:        make(map[string]*queueState),
		windowDefault: time.Second,
	}
	store.healthy.Store(true)
	return store
}

// Healthy reports store health.
func (s *InMemoryStore) Healthy(ctx context.Context) bool {
	if s == nil {
		return false
	}
	return s.healthy.Load()
}

// SetHealthy updates the health flag, used to simulate store outages.
func (s *InMemoryStore) SetHealthy(v bool) {
	if s == nil {
		return
	}
	s.healthy.Store(v)
}

// Close releases the store.
func (s *InMemoryStore) Close() error {
	return nil
}

// FixedWindow evaluates a fixed window counter.
func (s *InMemoryStore) FixedWindow(ctx context.Context, key string, params LimitParams, permits int64) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(params, permits); err != nil {
		return nil, err
	}
	window := s.windowOf(params)
	now := s.now()
	s.sweepLocked(now)
	slot := now.UnixNano() / window.Nanoseconds()
	state := s.windowEntry(key, slot, now, window)

	allowed := state.used+permits <= params.Limit
	if allowed {
		state.used += permits
	}
	remaining := params.Limit - state.used
	if remaining < 0 {
		remaining = 0
	}
	resetAfter := time.Duration((slot+1)*window.Nanoseconds() - now.UnixNano())
	retryAfter := time.Duration(0)
	if !allowed {
		retryAfter = resetAfter
	}
	return &Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      params.Limit,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}, nil
}

// SlidingWindow evaluates the two-window counter approximation: the previous
// window's count is weighted by its remaining overlap with the sliding
// interval. The approximation never permits more than 2*limit inside any
// window-length interval.
func (s *InMemoryStore) SlidingWindow(ctx context.Context, key string, params LimitParams, permits int64) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(params, permits); err != nil {
		return nil, err
	}
	window := s.windowOf(params)
	now := s.now()
	s.sweepLocked(now)
	slot := now.UnixNano() / window.Nanoseconds()
	state := s.windowEntry(key, slot, now, window)

	elapsed := now.UnixNano() - slot*window.Nanoseconds()
	weight := 1 - float64(elapsed)/float64(window.Nanoseconds())
	weighted := int64(math.Floor(float64(state.prevUsed)*weight)) + state.used

	allowed := weighted+permits <= params.Limit
	if allowed {
		state.used += permits
		weighted += permits
	}
	remaining := params.Limit - weighted
	if remaining < 0 {
		remaining = 0
	}
	resetAfter := window - time.Duration(elapsed)
	retryAfter := time.Duration(0)
	if !allowed {
		retryAfter = resetAfter
	}
	return &Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      params.Limit,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}, nil
}

// TokenBucket evaluates a token bucket refilled at limit/window.
func (s *InMemoryStore) TokenBucket(ctx context.Context, key string, params LimitParams, permits int64) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(params, permits); err != nil {
		return nil, err
	}
	window := s.windowOf(params)
	now := s.now()
	s.sweepLocked(now)
	capacity := float64(params.Capacity())
	rate := float64(params.Limit) / window.Seconds()

	state := s.buckets[key]
	if state == nil {
		state = &bucketState{tokens: capacity, last: now}
		s.buckets[key] = state
	}
	elapsed := now.Sub(state.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	state.tokens = math.Min(capacity, state.tokens+elapsed*rate)
	state.last = now
	state.expiresAt = now.Add(2 * window)

	allowed := state.tokens >= float64(permits)
	if allowed {
		state.tokens -= float64(permits)
	}
	retryAfter := time.Duration(0)
	if !allowed && rate > 0 {
		needed := float64(permits) - state.tokens
		retryAfter = time.Duration(needed / rate * float64(time.Second))
	}
	resetAfter := time.Duration(0)
	if rate > 0 {
		resetAfter = time.Duration((capacity - state.tokens) / rate * float64(time.Second))
	}
	return &Decision{
		Allowed:    allowed,
		Remaining:  int64(math.Floor(state.tokens)),
		Limit:      params.Limit,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}, nil
}

// LeakyBucket evaluates a queue draining at limit/window.
func (s *InMemoryStore) LeakyBucket(ctx context.Context, key string, params LimitParams, permits int64) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(params, permits); err != nil {
		return nil, err
	}
	window := s.windowOf(params)
	now := s.now()
	s.sweepLocked(now)
	capacity := float64(params.Capacity())
	drain := float64(params.Limit) / window.Seconds()

	state := s.queues[key]
	if state == nil {
		state = &queueState{last: now}
		s.queues[key] = state
	}
	elapsed := now.Sub(state.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	state.level = math.Max(0, state.level-elapsed*drain)
	state.last = now
	state.expiresAt = now.Add(2 * window)

	allowed := state.level+float64(permits) <= capacity
	if allowed {
		state.level += float64(permits)
	}
	retryAfter := time.Duration(0)
	if !allowed && drain > 0 {
		over := state.level + float64(permits) - capacity
		retryAfter = time.Duration(over / drain * float64(time.Second))
	}
	resetAfter := time.Duration(0)
	if drain > 0 {
		resetAfter = time.Duration(state.level / drain * float64(time.Second))
	}
	return &Decision{
		Allowed:    allowed,
		Remaining:  int64(math.Floor(capacity - state.level)),
		Limit:      params.Limit,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}, nil
}

func (s *InMemoryStore) checkLocked(params LimitParams, permits int64) error {
	if !s.healthy.Load() {
		return ErrStoreUnavailable
	}
	if permits <= 0 || params.Limit <= 0 {
		return ErrInvalidInput
	}
	return nil
}

func (s *InMemoryStore) windowOf(params LimitParams) time.Duration {
	if params.Window <= 0 {
		return s.windowDefault
	}
	return params.Window
}

func (s *InMemoryStore) windowEntry(key string, slot int64, now time.Time, window time.Duration) *windowState {
	state := s.windows[key]
	if state == nil {
		state = &windowState{slot: slot}
		s.windows[key] = state
	}
	if state.slot != slot {
		if state.slot == slot-1 {
			state.prevUsed = state.used
		} else {
			state.prevUsed = 0
		}
		state.slot = slot
		state.used = 0
	}
	state.expiresAt = now.Add(2 * window)
	return state
}

// sweepLocked drops idle entries past their 2x-window TTL. Runs at most once
// per second of store time.
func (s *InMemoryStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < time.Second {
		return
	}
	s.lastSweep = now
	for key, state := range s.windows {
		if now.After(state.expiresAt) {
			delete(s.windows, key)
		}
	}
	for key, state := range s.buckets {
		if now.After(state.expiresAt) {
			delete(s.buckets, key)
		}
	}
	for key, state := range s.queues {
		if now.After(state.expiresAt) {
			delete(s.queues, key)
		}
	}
}
