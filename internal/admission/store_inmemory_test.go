package admission

import (
	"context"
	"errors"
	"testing"
	"time"
)

func minuteParams(limit int64) LimitParams {
	return LimitParams{Limit: limit, Window: time.Minute}
}

func TestInMemoryStore_FixedWindow_DeniesPastLimit(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := NewInMemoryStore(clock.Now)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		decision, err := store.FixedWindow(ctx, "k", minuteParams(5), 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d: expected allow", i+1)
		}
		if decision.Remaining != 4-i {
			t.Fatalf("request %d: expected remaining %d got %d", i+1, 4-i, decision.Remaining)
		}
	}

	decision, err := store.FixedWindow(ctx, "k", minuteParams(5), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected denial past limit")
	}
	if decision.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", decision.Remaining)
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter > time.Minute {
		t.Fatalf("expected retry after within the window, got %v", decision.RetryAfter)
	}
}

func TestInMemoryStore_FixedWindow_ResetsAtBoundary(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := NewInMemoryStore(clock.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.FixedWindow(ctx, "k", minuteParams(5), 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	clock.Advance(time.Minute)

	decision, err := store.FixedWindow(ctx, "k", minuteParams(5), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed || decision.Remaining != 4 {
		t.Fatalf("expected fresh window allow with remaining 4, got allowed=%v remaining=%d", decision.Allowed, decision.Remaining)
	}
}

func TestInMemoryStore_SlidingWindow_WeighsPreviousWindow(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := NewInMemoryStore(clock.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision, err := store.SlidingWindow(ctx, "k", minuteParams(5), 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d: expected allow", i+1)
		}
	}

	// At the boundary the previous window still carries full weight.
	clock.Advance(time.Minute)
	decision, err := store.SlidingWindow(ctx, "k", minuteParams(5), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected denial at boundary with full previous weight")
	}

	// Halfway through, the previous 5 count for 2, leaving 3 permits.
	clock.Advance(30 * time.Second)
	for i := 0; i < 3; i++ {
		decision, err = store.SlidingWindow(ctx, "k", minuteParams(5), 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d: expected allow at half weight", i+1)
		}
	}
	decision, err = store.SlidingWindow(ctx, "k", minuteParams(5), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected denial once the weighted count reaches the limit")
	}
}

func TestInMemoryStore_TokenBucket_BurstAndRefill(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := NewInMemoryStore(clock.Now)
	ctx := context.Background()
	params := LimitParams{Limit: 5, Window: time.Minute, Burst: 8}

	for i := 0; i < 8; i++ {
		decision, err := store.TokenBucket(ctx, "k", params, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d: expected burst allow", i+1)
		}
	}
	decision, err := store.TokenBucket(ctx, "k", params, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected denial with empty bucket")
	}
	if decision.RetryAfter <= 0 {
		t.Fatalf("expected positive retry after, got %v", decision.RetryAfter)
	}

	// Refill rate is limit/window: 13s restores a full token.
	clock.Advance(13 * time.Second)
	decision, err = store.TokenBucket(ctx, "k", params, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allow after refill")
	}
}

func TestInMemoryStore_LeakyBucket_DrainsOverTime(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := NewInMemoryStore(clock.Now)
	ctx := context.Background()
	params := LimitParams{Limit: 5, Window: time.Minute}

	for i := 0; i < 5; i++ {
		decision, err := store.LeakyBucket(ctx, "k", params, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d: expected allow", i+1)
		}
	}
	decision, err := store.LeakyBucket(ctx, "k", params, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected denial with full queue")
	}

	clock.Advance(13 * time.Second)
	decision, err = store.LeakyBucket(ctx, "k", params, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allow after drain")
	}
}

func TestInMemoryStore_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := NewInMemoryStore(clock.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.FixedWindow(ctx, "a", minuteParams(5), 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	decision, err := store.FixedWindow(ctx, "b", minuteParams(5), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed || decision.Remaining != 4 {
		t.Fatalf("expected key b untouched, got allowed=%v remaining=%d", decision.Allowed, decision.Remaining)
	}
}

func TestInMemoryStore_UnhealthyReturnsStoreUnavailable(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := NewInMemoryStore(clock.Now)
	store.SetHealthy(false)

	_, err := store.FixedWindow(context.Background(), "k", minuteParams(5), 1)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if store.Healthy(context.Background()) {
		t.Fatalf("expected unhealthy store")
	}
}

func TestInMemoryStore_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore(newTestClock().Now)
	if _, err := store.FixedWindow(context.Background(), "k", minuteParams(5), 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero permits, got %v", err)
	}
	if _, err := store.TokenBucket(context.Background(), "k", LimitParams{Limit: 0, Window: time.Minute}, 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero limit, got %v", err)
	}
}

func TestInMemoryStore_SweepsIdleEntries(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	store := NewInMemoryStore(clock.Now)
	ctx := context.Background()

	if _, err := store.FixedWindow(ctx, "idle", minuteParams(5), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Idle entries expire after twice the window.
	clock.Advance(3 * time.Minute)
	if _, err := store.FixedWindow(ctx, "other", minuteParams(5), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.mu.Lock()
	_, ok := store.windows["idle"]
	store.mu.Unlock()
	if ok {
		t.Fatalf("expected idle entry to be swept")
	}
}
