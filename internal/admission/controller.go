// Package admission provides the admission controller.
package admission

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Controller orchestrates the pipeline in fixed order: WAF, rate limiter,
// circuit breaker. Any stage's denial produces a verdict without invoking
// later stages. One controller serves one gateway instance; all
// dependencies are injected.
type Controller struct {
	rules    *RuleStore
	limiter  *RateLimiter
	breakers *BreakerGroup
	keys     *KeyBuilder
	metrics  *Metrics
	log      zerolog.Logger
	failOpen bool
	now      func() time.Time
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Rules    *RuleStore
	Limiter  *RateLimiter
	Breakers *BreakerGroup
	Metrics  *Metrics
	Logger   zerolog.Logger
	FailOpen bool
	Now      func() time.Time
}

// NewController constructs a controller.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Rules == nil {
		return nil, errors.New("rule store is required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if opts.Breakers == nil {
		return nil, errors.New("breaker group is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		rules:    opts.Rules,
		limiter:  opts.Limiter,
		breakers: opts.Breakers,
		keys:     &KeyBuilder{},
		metrics:  opts.Metrics,
		log:      opts.Logger,
		failOpen: opts.FailOpen,
		now:      now,
	}, nil
}

// Admit runs the pipeline and returns the final verdict. It never returns
// an error: decision outcomes and dependency faults are both expressed as
// typed verdicts.
func (c *Controller) Admit(ctx context.Context, rc *RequestContext) *Verdict {
	start := c.now()
	verdict := c.admit(ctx, rc)
	if c.metrics != nil {
		c.metrics.Decision(verdict.Outcome, verdict.MatchedRule, c.now().Sub(start))
	}
	if verdict.Outcome != OutcomeAllow {
		c.log.Info().
			Str("outcome", string(verdict.Outcome)).
			Str("rule", verdict.MatchedRule).
			Str("route", routeOf(rc)).
			Str("backend", backendOf(rc)).
			Msg("request denied or degraded")
	}
	return verdict
}

func (c *Controller) admit(ctx context.Context, rc *RequestContext) *Verdict {
	if c == nil || rc == nil {
		return &Verdict{Outcome: OutcomeWAFBlocked}
	}
	snapshot := c.rules.Snapshot()

	// Rate-derived WAF rules read limiter outcomes, so limits are computed
	// first when the snapshot contains one. The decisions are cached on the
	// context and reused by the limiter stage; no permit is spent twice.
	var limitVerdict *Verdict
	if snapshot.needsRate {
		limitVerdict = c.evaluateLimits(ctx, snapshot, rc)
	}

	wafVerdict := EvaluateWAF(snapshot.waf, rc)
	for _, id := range wafVerdict.LogMatches {
		if c.metrics != nil {
			c.metrics.WAFMatch(id, ActionLog)
		}
	}
	if wafVerdict.MatchedRule != "" {
		if c.metrics != nil {
			c.metrics.WAFMatch(wafVerdict.MatchedRule, wafVerdict.Action)
		}
		if wafVerdict.Action == ActionBlock {
			return &Verdict{
				Outcome:     OutcomeWAFBlocked,
				MatchedRule: wafVerdict.MatchedRule,
				Headers:     map[string]string{"X-Block-Reason": wafVerdict.MatchedRule},
				LogMatches:  wafVerdict.LogMatches,
			}
		}
	}

	if limitVerdict == nil {
		limitVerdict = c.evaluateLimits(ctx, snapshot, rc)
	}
	// Fail-open is still an admit, so the breaker stage runs for it.
	if limitVerdict.Outcome != OutcomeAllow && limitVerdict.Outcome != OutcomeFailOpen {
		limitVerdict.LogMatches = wafVerdict.LogMatches
		return limitVerdict
	}

	if rc.BackendID != "" {
		breaker := c.breakers.Get(rc.BackendID)
		if breaker != nil && !breaker.Allow() {
			return &Verdict{
				Outcome:     OutcomeCircuitOpen,
				MatchedRule: rc.BackendID,
				RetryAfter:  breaker.RemainingOpen(),
				LogMatches:  wafVerdict.LogMatches,
			}
		}
	}

	limitVerdict.LogMatches = wafVerdict.LogMatches
	return limitVerdict
}

// evaluateLimits applies every rule scoped to the route. The most
// constrained allowing rule supplies the remaining count; the first denial
// wins. Decisions are cached on the request context.
func (c *Controller) evaluateLimits(ctx context.Context, snapshot *RuleSnapshot, rc *RequestContext) *Verdict {
	return c.evaluateLimitsN(ctx, snapshot, rc, 1)
}

func (c *Controller) evaluateLimitsN(ctx context.Context, snapshot *RuleSnapshot, rc *RequestContext, permits int64) *Verdict {
	allow := &Verdict{Outcome: OutcomeAllow, Remaining: -1}
	for i := range snapshot.Limits {
		rule := &snapshot.Limits[i]
		if !routeMatches(rule.Route, rc.Route) {
			continue
		}
		decision, ok := rc.RateDecision(rule.ID)
		if !ok {
			key := c.keys.DeriveKey(rule, rc)
			var err error
			decision, err = c.limiter.Evaluate(ctx, rule, key, permits)
			if err != nil {
				return c.faultVerdict(rule, err)
			}
			rc.CacheRateDecision(rule.ID, decision)
		}
		if !decision.Allowed {
			return &Verdict{
				Outcome:     OutcomeRateLimited,
				MatchedRule: rule.ID,
				RetryAfter:  decision.RetryAfter,
				Remaining:   0,
				Limit:       decision.Limit,
				Headers: map[string]string{
					"X-RateLimit-Remaining": "0",
					"X-RateLimit-Limit":     strconv.FormatInt(decision.Limit, 10),
				},
			}
		}
		if allow.Remaining < 0 || decision.Remaining < allow.Remaining {
			allow.Remaining = decision.Remaining
			allow.Limit = decision.Limit
			allow.MatchedRule = rule.ID
		}
	}
	if allow.Remaining < 0 {
		allow.Remaining = 0
	}
	return allow
}

func (c *Controller) faultVerdict(rule *RateLimitRule, err error) *Verdict {
	if c.failOpen {
		if c.metrics != nil {
			c.metrics.StoreFault("fail_open")
		}
		c.log.Error().Err(err).Str("rule", rule.ID).Msg("counter store fault, failing open")
		return &Verdict{
			Outcome:     OutcomeFailOpen,
			MatchedRule: rule.ID,
			Headers:     map[string]string{"X-Admission-Degraded": "fail-open"},
		}
	}
	if c.metrics != nil {
		c.metrics.StoreFault("fail_closed")
	}
	c.log.Error().Err(err).Str("rule", rule.ID).Msg("counter store fault, failing closed")
	return &Verdict{
		Outcome:     OutcomeFailClosed,
		MatchedRule: rule.ID,
		RetryAfter:  time.Second,
	}
}

// CheckRate runs only the rate-limit stage, used by transports that speak
// a rate-limit-only protocol such as the envoy RLS surface.
func (c *Controller) CheckRate(ctx context.Context, rc *RequestContext, permits int64) *Verdict {
	if c == nil || rc == nil {
		return &Verdict{Outcome: OutcomeFailClosed}
	}
	if permits <= 0 {
		permits = 1
	}
	snapshot := c.rules.Snapshot()
	start := c.now()
	verdict := c.evaluateLimitsN(ctx, snapshot, rc, permits)
	if c.metrics != nil {
		c.metrics.Decision(verdict.Outcome, verdict.MatchedRule, c.now().Sub(start))
	}
	return verdict
}

// Report feeds a downstream call outcome into the backend's breaker.
// Whether the outcome counts as failure is the caller's classification.
func (c *Controller) Report(backendID string, success bool) {
	if c == nil || backendID == "" {
		return
	}
	c.breakers.Record(backendID, success)
}

func backendOf(rc *RequestContext) string {
	if rc == nil {
		return ""
	}
	return rc.BackendID
}
