package admission

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// testClock is a mutable clock aligned to a window boundary so window slot
// arithmetic in tests is deterministic.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_040, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustLoadRules(t *testing.T, rules *RuleStore, doc string) *RuleSnapshot {
	t.Helper()
	snapshot, err := rules.Load([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	return snapshot
}

type controllerFixture struct {
	controller *Controller
	rules      *RuleStore
	store      *InMemoryStore
	breakers   *BreakerGroup
	clock      *testClock
}

func newControllerFixture(t *testing.T, doc string, failOpen bool) *controllerFixture {
	t.Helper()
	clock := newTestClock()
	store := NewInMemoryStore(clock.Now)
	rules := NewRuleStore()
	snapshot := mustLoadRules(t, rules, doc)
	breakers := NewBreakerGroup(CircuitBreakerConfig{}, clock.Now, nil)
	breakers.Configure(snapshot.Breakers)
	controller, err := NewController(ControllerOptions{
		Rules:    rules,
		Limiter:  NewRateLimiter(store, time.Second),
		Breakers: breakers,
		Logger:   zerolog.Nop(),
		FailOpen: failOpen,
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected controller error: %v", err)
	}
	return &controllerFixture{
		controller: controller,
		rules:      rules,
		store:      store,
		breakers:   breakers,
		clock:      clock,
	}
}
