// Package admission defines core request and rule models.
package admission

import "time"

// Outcome classifies the result of an admission decision.
type Outcome string

const (
	OutcomeAllow       Outcome = "allow"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeWAFBlocked  Outcome = "waf_blocked"
	OutcomeFailOpen    Outcome = "fail_open"
	OutcomeFailClosed  Outcome = "fail_closed"
)

// Algorithm names accepted in rate limit rules.
const (
	AlgorithmFixedWindow   = "fixed_window"
	AlgorithmSlidingWindow = "sliding_window"
	AlgorithmTokenBucket   = "token_bucket"
	AlgorithmLeakyBucket   = "leaky_bucket"
)

// Key templates accepted in rate limit rules.
const (
	KeyClientID     = "client_id"
	KeyIP           = "ip"
	KeyAPIKey       = "api_key"
	KeyRoute        = "route"
	KeyHeaderPrefix = "header:"
)

// WAF actions and matcher types.
const (
	ActionBlock = "block"
	ActionAllow = "allow"
	ActionLog   = "log"

	MatchPath           = "path"
	MatchHeaderEquals   = "header_equals"
	MatchHeaderContains = "header_contains"
	MatchBodyRegex      = "body_regex"
	MatchRateDerived    = "rate_derived"
)

// RequestContext is the per-request classification fed into the pipeline.
// It is built once by the embedding layer and never reused across requests.
type RequestContext struct {
	ClientID   string
	RemoteIP   string
	APIKey     string
	Method     string
	Route      string
	BackendID  string
	Headers    map[string]string
	BodySample []byte

	derivedKeys   map[string]string
	rateDecisions map[string]*Decision
}

// Header returns a header value by case-insensitive name.
func (rc *RequestContext) Header(name string) string {
	if rc == nil || rc.Headers == nil {
		return ""
	}
	if v, ok := rc.Headers[name]; ok {
		return v
	}
	return rc.Headers[lowerASCII(name)]
}

// CacheKey stores a derived limiter key for a rule.
func (rc *RequestContext) CacheKey(ruleID, key string) {
	if rc == nil {
		return
	}
	if rc.derivedKeys == nil {
		rc.derivedKeys = make(map[string]string)
	}
	rc.derivedKeys[ruleID] = key
}

// CachedKey returns a previously derived limiter key.
func (rc *RequestContext) CachedKey(ruleID string) (string, bool) {
	if rc == nil || rc.derivedKeys == nil {
		return "", false
	}
	key, ok := rc.derivedKeys[ruleID]
	return key, ok
}

// CacheRateDecision records a limiter decision for a rule so WAF
// rate-derived matchers and the limiter stage observe the same outcome.
func (rc *RequestContext) CacheRateDecision(ruleID string, d *Decision) {
	if rc == nil || d == nil {
		return
	}
	if rc.rateDecisions == nil {
		rc.rateDecisions = make(map[string]*Decision)
	}
	rc.rateDecisions[ruleID] = d
}

// RateDecision returns a cached limiter decision for a rule.
func (rc *RequestContext) RateDecision(ruleID string) (*Decision, bool) {
	if rc == nil || rc.rateDecisions == nil {
		return nil, false
	}
	d, ok := rc.rateDecisions[ruleID]
	return d, ok
}

// AnyRateDenied reports whether any cached limiter decision denied.
func (rc *RequestContext) AnyRateDenied() bool {
	if rc == nil {
		return false
	}
	for _, d := range rc.rateDecisions {
		if d != nil && !d.Allowed {
			return true
		}
	}
	return false
}

// RateLimitRule scopes a limit to a route and a derived key.
// Rules are immutable once loaded; reloads replace the whole snapshot.
type RateLimitRule struct {
	ID          string
	Route       string
	KeyTemplate string
	Algorithm   string
	Limit       int64
	Window      time.Duration
	Burst       int64
}

// CircuitBreakerConfig tunes one backend's breaker.
type CircuitBreakerConfig struct {
	BackendID              string
	FailureRateThreshold   float64
	SlidingWindowSize      int
	WaitDurationOpen       time.Duration
	HalfOpenPermittedCalls int
}

// WAFRule is an ordered predicate with an action.
type WAFRule struct {
	ID       string
	Priority int
	Action   string
	Severity string
	Match    MatcherSpec
}

// MatcherSpec describes one matcher from the closed matcher set.
type MatcherSpec struct {
	Type    string
	Path    string
	Header  string
	Value   string
	Pattern string
	RuleID  string
}

// Decision captures one limiter evaluation outcome.
type Decision struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	ResetAfter time.Duration
	RetryAfter time.Duration
}

// Verdict is the final admission result consumed by the routing layer.
type Verdict struct {
	Outcome     Outcome
	RetryAfter  time.Duration
	MatchedRule string
	Remaining   int64
	Limit       int64
	Headers     map[string]string
	LogMatches  []string
}

// Allowed reports whether the request may proceed.
func (v *Verdict) Allowed() bool {
	if v == nil {
		return false
	}
	return v.Outcome == OutcomeAllow || v.Outcome == OutcomeFailOpen
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
