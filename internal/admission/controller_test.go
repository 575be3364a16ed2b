package admission

import (
	"context"
	"testing"
	"time"
)

const controllerRuleDocument = `
version: 1
rate_limits:
  - id: per-client
    route: "/api/*"
    key: client_id
    algorithm: fixed_window
    limit: 5
    window: 1m
circuit_breakers:
  - backend: payments
    failure_rate_threshold: 0.5
    sliding_window_size: 10
    wait_duration_open: 30s
    half_open_permitted_calls: 3
waf_rules:
  - id: block-internal
    priority: 10
    action: block
    severity: high
    match:
      type: path
      path: "/internal/*"
  - id: log-search
    priority: 20
    action: log
    severity: low
    match:
      type: path
      path: "/api/search"
`

func apiRequest(clientID string) *RequestContext {
	return &RequestContext{ClientID: clientID, Route: "/api/orders", BackendID: "orders"}
}

func TestController_AllowsUntilLimitThenRateLimits(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, controllerRuleDocument, true)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		verdict := fx.controller.Admit(ctx, apiRequest("acme"))
		if verdict.Outcome != OutcomeAllow {
			t.Fatalf("request %d: expected allow, got %v", i+1, verdict.Outcome)
		}
		if verdict.Remaining != 4-i {
			t.Fatalf("request %d: expected remaining %d got %d", i+1, 4-i, verdict.Remaining)
		}
	}

	verdict := fx.controller.Admit(ctx, apiRequest("acme"))
	if verdict.Outcome != OutcomeRateLimited {
		t.Fatalf("expected rate limited, got %v", verdict.Outcome)
	}
	if verdict.MatchedRule != "per-client" {
		t.Fatalf("expected per-client to match, got %q", verdict.MatchedRule)
	}
	if verdict.RetryAfter <= 0 || verdict.RetryAfter > time.Minute {
		t.Fatalf("expected retry after within the window, got %v", verdict.RetryAfter)
	}
	if verdict.Headers["X-RateLimit-Remaining"] != "0" {
		t.Fatalf("expected remaining header 0, got %q", verdict.Headers["X-RateLimit-Remaining"])
	}
	if verdict.Allowed() {
		t.Fatalf("expected denial verdict")
	}
}

func TestController_ClientsAreIsolated(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, controllerRuleDocument, true)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		fx.controller.Admit(ctx, apiRequest("noisy"))
	}
	verdict := fx.controller.Admit(ctx, apiRequest("quiet"))
	if verdict.Outcome != OutcomeAllow {
		t.Fatalf("expected quiet client to be allowed, got %v", verdict.Outcome)
	}
}

func TestController_WAFBlockPrecedesLimiter(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, controllerRuleDocument, true)
	verdict := fx.controller.Admit(context.Background(), &RequestContext{
		ClientID:  "acme",
		Route:     "/internal/metrics",
		BackendID: "orders",
	})
	if verdict.Outcome != OutcomeWAFBlocked {
		t.Fatalf("expected waf blocked, got %v", verdict.Outcome)
	}
	if verdict.Headers["X-Block-Reason"] != "block-internal" {
		t.Fatalf("expected block reason header, got %q", verdict.Headers["X-Block-Reason"])
	}
}

func TestController_LogRulesDoNotDeny(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, controllerRuleDocument, true)
	verdict := fx.controller.Admit(context.Background(), &RequestContext{
		ClientID: "acme",
		Route:    "/api/search",
	})
	if verdict.Outcome != OutcomeAllow {
		t.Fatalf("expected allow, got %v", verdict.Outcome)
	}
	if len(verdict.LogMatches) != 1 || verdict.LogMatches[0] != "log-search" {
		t.Fatalf("expected log-search match, got %v", verdict.LogMatches)
	}
}

func TestController_CircuitOpenDeniesBackend(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, controllerRuleDocument, true)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		fx.controller.Report("payments", false)
	}
	for i := 0; i < 4; i++ {
		fx.controller.Report("payments", true)
	}

	verdict := fx.controller.Admit(ctx, &RequestContext{
		ClientID:  "acme",
		Route:     "/api/pay",
		BackendID: "payments",
	})
	if verdict.Outcome != OutcomeCircuitOpen {
		t.Fatalf("expected circuit open, got %v", verdict.Outcome)
	}
	if verdict.RetryAfter != 30*time.Second {
		t.Fatalf("expected retry after 30s, got %v", verdict.RetryAfter)
	}

	// Other backends are unaffected.
	verdict = fx.controller.Admit(ctx, apiRequest("acme"))
	if verdict.Outcome != OutcomeAllow {
		t.Fatalf("expected orders backend to be allowed, got %v", verdict.Outcome)
	}

	// After the wait duration the next request is a probe and goes through.
	fx.clock.Advance(31 * time.Second)
	verdict = fx.controller.Admit(ctx, &RequestContext{
		ClientID:  "beta",
		Route:     "/api/pay",
		BackendID: "payments",
	})
	if verdict.Outcome != OutcomeAllow {
		t.Fatalf("expected probe to be admitted, got %v", verdict.Outcome)
	}
}

func TestController_FailOpenAdmitsOnStoreFault(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, controllerRuleDocument, true)
	fx.store.SetHealthy(false)

	verdict := fx.controller.Admit(context.Background(), apiRequest("acme"))
	if verdict.Outcome != OutcomeFailOpen {
		t.Fatalf("expected fail open, got %v", verdict.Outcome)
	}
	if !verdict.Allowed() {
		t.Fatalf("expected fail open verdict to admit")
	}
	if verdict.Headers["X-Admission-Degraded"] != "fail-open" {
		t.Fatalf("expected degraded header, got %q", verdict.Headers["X-Admission-Degraded"])
	}
}

func TestController_FailClosedDeniesOnStoreFault(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, controllerRuleDocument, false)
	fx.store.SetHealthy(false)

	verdict := fx.controller.Admit(context.Background(), apiRequest("acme"))
	if verdict.Outcome != OutcomeFailClosed {
		t.Fatalf("expected fail closed, got %v", verdict.Outcome)
	}
	if verdict.Allowed() {
		t.Fatalf("expected fail closed verdict to deny")
	}
	if verdict.RetryAfter != time.Second {
		t.Fatalf("expected 1s retry hint, got %v", verdict.RetryAfter)
	}
}

func TestController_RateDerivedWAFSpendsOnePermit(t *testing.T) {
	t.Parallel()

	doc := `
version: 1
rate_limits:
  - id: tight
    route: "/api/*"
    key: client_id
    algorithm: fixed_window
    limit: 2
    window: 1m
waf_rules:
  - id: abuse
    priority: 1
    action: block
    severity: high
    match:
      type: rate_derived
      rule_id: tight
`
	fx := newControllerFixture(t, doc, true)
	ctx := context.Background()

	// Each admit spends exactly one permit even though the limiter result
	// feeds both the WAF matcher and the limiter stage.
	for i := 0; i < 2; i++ {
		verdict := fx.controller.Admit(ctx, apiRequest("acme"))
		if verdict.Outcome != OutcomeAllow {
			t.Fatalf("request %d: expected allow, got %v", i+1, verdict.Outcome)
		}
	}
	verdict := fx.controller.Admit(ctx, apiRequest("acme"))
	if verdict.Outcome != OutcomeWAFBlocked {
		t.Fatalf("expected waf block on denied rate, got %v", verdict.Outcome)
	}
	if verdict.MatchedRule != "abuse" {
		t.Fatalf("expected abuse rule, got %q", verdict.MatchedRule)
	}
}

func TestController_CheckRateOnlyRunsLimiterStage(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, controllerRuleDocument, true)
	ctx := context.Background()

	// The route is WAF blocked for Admit, but CheckRate ignores WAF rules.
	rc := &RequestContext{ClientID: "acme", Route: "/internal/metrics"}
	verdict := fx.controller.CheckRate(ctx, rc, 1)
	if verdict.Outcome != OutcomeAllow {
		t.Fatalf("expected allow from rate-only stage, got %v", verdict.Outcome)
	}

	// Multi-permit requests drain the budget faster.
	rc = &RequestContext{ClientID: "bulk", Route: "/api/orders"}
	verdict = fx.controller.CheckRate(ctx, rc, 5)
	if verdict.Outcome != OutcomeAllow || verdict.Remaining != 0 {
		t.Fatalf("expected allow with remaining 0, got %v remaining %d", verdict.Outcome, verdict.Remaining)
	}
	verdict = fx.controller.CheckRate(ctx, &RequestContext{ClientID: "bulk", Route: "/api/orders"}, 1)
	if verdict.Outcome != OutcomeRateLimited {
		t.Fatalf("expected rate limited, got %v", verdict.Outcome)
	}
}

func TestController_NoMatchingRulesAllows(t *testing.T) {
	t.Parallel()

	fx := newControllerFixture(t, controllerRuleDocument, true)
	verdict := fx.controller.Admit(context.Background(), &RequestContext{Route: "/healthz"})
	if verdict.Outcome != OutcomeAllow {
		t.Fatalf("expected allow with no matching rules, got %v", verdict.Outcome)
	}
}
