// Package admission provides the versioned rule store.
package admission

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// RuleDocument is the on-disk rule configuration format.
type RuleDocument struct {
	Version         int64                 `yaml:"version"`
	RateLimits      []rateLimitEntry      `yaml:"rate_limits"`
	CircuitBreakers []circuitBreakerEntry `yaml:"circuit_breakers"`
	WAFRules        []wafRuleEntry        `yaml:"waf_rules"`
}

type rateLimitEntry struct {
	ID        string       `yaml:"id"`
	Route     string       `yaml:"route"`
	Key       string       `yaml:"key"`
	Algorithm string       `yaml:"algorithm"`
	Limit     int64        `yaml:"limit"`
	Window    yamlDuration `yaml:"window"`
	Burst     int64        `yaml:"burst"`
}

type circuitBreakerEntry struct {
	Backend                string       `yaml:"backend"`
	FailureRateThreshold   float64      `yaml:"failure_rate_threshold"`
	SlidingWindowSize      int          `yaml:"sliding_window_size"`
	WaitDurationOpen       yamlDuration `yaml:"wait_duration_open"`
	HalfOpenPermittedCalls int          `yaml:"half_open_permitted_calls"`
}

type wafRuleEntry struct {
	ID       string       `yaml:"id"`
	Priority int          `yaml:"priority"`
	Action   string       `yaml:"action"`
	Severity string       `yaml:"severity"`
	Match    matcherEntry `yaml:"match"`
}

type matcherEntry struct {
	Type    string `yaml:"type"`
	Path    string `yaml:"path"`
	Header  string `yaml:"header"`
	Value   string `yaml:"value"`
	Pattern string `yaml:"pattern"`
	RuleID  string `yaml:"rule_id"`
}

type yamlDuration struct {
	value time.Duration
}

func (d *yamlDuration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.value = parsed
	return nil
}

// RuleSnapshot is an immutable view of one validated rule document.
// Readers always see a whole snapshot, never a partial mix of two versions.
type RuleSnapshot struct {
	Version   int64
	Limits    []RateLimitRule
	Breakers  []CircuitBreakerConfig
	waf       []compiledWAFRule
	needsRate bool
}

// WAFRuleCount returns the number of compiled WAF rules.
func (s *RuleSnapshot) WAFRuleCount() int {
	if s == nil {
		return 0
	}
	return len(s.waf)
}

// LimitsFor returns the rate limit rules scoped to a route, in document
// order. A rule route of "*" matches everything; a trailing "*" matches by
// prefix; otherwise the match is exact.
func (s *RuleSnapshot) LimitsFor(route string) []RateLimitRule {
	if s == nil {
		return nil
	}
	var out []RateLimitRule
	for _, rule := range s.Limits {
		if routeMatches(rule.Route, route) {
			out = append(out, rule)
		}
	}
	return out
}

func routeMatches(pattern, route string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(route, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == route
	}
}

// RuleStore holds the active snapshot behind an atomic pointer. Reload
// validates the whole document and swaps atomically; a document with any
// invalid record leaves the previous snapshot active.
type RuleStore struct {
	current atomic.Pointer[RuleSnapshot]
}

// NewRuleStore constructs a store with an empty version-zero snapshot.
func NewRuleStore() *RuleStore {
	store := &RuleStore{}
	store.current.Store(&RuleSnapshot{})
	return store
}

// Snapshot returns the active snapshot.
func (rs *RuleStore) Snapshot() *RuleSnapshot {
	if rs == nil {
		return &RuleSnapshot{}
	}
	return rs.current.Load()
}

// LoadFile reads, validates, and activates a rule document from disk.
func (rs *RuleStore) LoadFile(path string) (*RuleSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return rs.Load(data)
}

// Load validates and activates a serialized rule document.
func (rs *RuleStore) Load(data []byte) (*RuleSnapshot, error) {
	var doc RuleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuleInvalid, err)
	}
	snapshot, err := buildSnapshot(&doc)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, ErrRuleInvalid
	}
	active := rs.current.Load()
	if active != nil && active.Version > 0 && snapshot.Version <= active.Version {
		return nil, fmt.Errorf("%w: have %d, got %d", ErrStaleVersion, active.Version, snapshot.Version)
	}
	rs.current.Store(snapshot)
	return snapshot, nil
}

func buildSnapshot(doc *RuleDocument) (*RuleSnapshot, error) {
	if doc == nil {
		return nil, ErrRuleInvalid
	}
	if doc.Version <= 0 {
		return nil, fmt.Errorf("%w: version must be positive", ErrRuleInvalid)
	}

	limits := make([]RateLimitRule, 0, len(doc.RateLimits))
	seen := make(map[string]bool, len(doc.RateLimits))
	for _, entry := range doc.RateLimits {
		rule, err := buildRateLimitRule(entry)
		if err != nil {
			return nil, err
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("%w: duplicate rate limit rule %q", ErrRuleInvalid, rule.ID)
		}
		seen[rule.ID] = true
		limits = append(limits, rule)
	}

	breakers := make([]CircuitBreakerConfig, 0, len(doc.CircuitBreakers))
	seenBackend := make(map[string]bool, len(doc.CircuitBreakers))
	for _, entry := range doc.CircuitBreakers {
		cfg, err := buildBreakerConfig(entry)
		if err != nil {
			return nil, err
		}
		if seenBackend[cfg.BackendID] {
			return nil, fmt.Errorf("%w: duplicate breaker for backend %q", ErrRuleInvalid, cfg.BackendID)
		}
		seenBackend[cfg.BackendID] = true
		breakers = append(breakers, cfg)
	}

	wafRules := make([]WAFRule, 0, len(doc.WAFRules))
	seenWAF := make(map[string]bool, len(doc.WAFRules))
	for _, entry := range doc.WAFRules {
		rule, err := buildWAFRule(entry)
		if err != nil {
			return nil, err
		}
		if seenWAF[rule.ID] {
			return nil, fmt.Errorf("%w: duplicate waf rule %q", ErrRuleInvalid, rule.ID)
		}
		seenWAF[rule.ID] = true
		wafRules = append(wafRules, rule)
	}
	compiled, err := compileWAFRules(wafRules)
	if err != nil {
		return nil, err
	}

	return &RuleSnapshot{
		Version:   doc.Version,
		Limits:    limits,
		Breakers:  breakers,
		waf:       compiled,
		needsRate: needsRateDecisions(compiled),
	}, nil
}

func buildRateLimitRule(entry rateLimitEntry) (RateLimitRule, error) {
	if entry.ID == "" {
		return RateLimitRule{}, fmt.Errorf("%w: rate limit rule requires an id", ErrRuleInvalid)
	}
	switch entry.Algorithm {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow, AlgorithmTokenBucket, AlgorithmLeakyBucket:
	default:
		return RateLimitRule{}, fmt.Errorf("%w: rule %q: unknown algorithm %q", ErrRuleInvalid, entry.ID, entry.Algorithm)
	}
	if entry.Limit < 0 {
		return RateLimitRule{}, fmt.Errorf("%w: rule %q: negative limit", ErrRuleInvalid, entry.ID)
	}
	if entry.Window.value <= 0 {
		return RateLimitRule{}, fmt.Errorf("%w: rule %q: window must be positive", ErrRuleInvalid, entry.ID)
	}
	if entry.Burst < 0 {
		return RateLimitRule{}, fmt.Errorf("%w: rule %q: negative burst", ErrRuleInvalid, entry.ID)
	}
	key := entry.Key
	if key == "" {
		key = KeyRoute
	}
	switch {
	case key == KeyClientID || key == KeyIP || key == KeyAPIKey || key == KeyRoute:
	case strings.HasPrefix(key, KeyHeaderPrefix) && len(key) > len(KeyHeaderPrefix):
	default:
		return RateLimitRule{}, fmt.Errorf("%w: rule %q: unknown key template %q", ErrRuleInvalid, entry.ID, key)
	}
	return RateLimitRule{
		ID:          entry.ID,
		Route:       entry.Route,
		KeyTemplate: key,
		Algorithm:   entry.Algorithm,
		Limit:       entry.Limit,
		Window:      entry.Window.value,
		Burst:       entry.Burst,
	}, nil
}

func buildBreakerConfig(entry circuitBreakerEntry) (CircuitBreakerConfig, error) {
	if entry.Backend == "" {
		return CircuitBreakerConfig{}, fmt.Errorf("%w: breaker requires a backend", ErrRuleInvalid)
	}
	if entry.FailureRateThreshold <= 0 || entry.FailureRateThreshold > 1 {
		return CircuitBreakerConfig{}, fmt.Errorf("%w: backend %q: failure_rate_threshold out of range", ErrRuleInvalid, entry.Backend)
	}
	if entry.SlidingWindowSize <= 0 {
		return CircuitBreakerConfig{}, fmt.Errorf("%w: backend %q: sliding_window_size must be positive", ErrRuleInvalid, entry.Backend)
	}
	if entry.WaitDurationOpen.value <= 0 {
		return CircuitBreakerConfig{}, fmt.Errorf("%w: backend %q: wait_duration_open must be positive", ErrRuleInvalid, entry.Backend)
	}
	if entry.HalfOpenPermittedCalls <= 0 {
		return CircuitBreakerConfig{}, fmt.Errorf("%w: backend %q: half_open_permitted_calls must be positive", ErrRuleInvalid, entry.Backend)
	}
	return CircuitBreakerConfig{
		BackendID:              entry.Backend,
		FailureRateThreshold:   entry.FailureRateThreshold,
		SlidingWindowSize:      entry.SlidingWindowSize,
		WaitDurationOpen:       entry.WaitDurationOpen.value,
		HalfOpenPermittedCalls: entry.HalfOpenPermittedCalls,
	}, nil
}

func buildWAFRule(entry wafRuleEntry) (WAFRule, error) {
	if entry.ID == "" {
		return WAFRule{}, fmt.Errorf("%w: waf rule requires an id", ErrRuleInvalid)
	}
	switch entry.Action {
	case ActionBlock, ActionAllow, ActionLog:
	default:
		return WAFRule{}, fmt.Errorf("%w: waf rule %q: unknown action %q", ErrRuleInvalid, entry.ID, entry.Action)
	}
	return WAFRule{
		ID:       entry.ID,
		Priority: entry.Priority,
		Action:   entry.Action,
		Severity: entry.Severity,
		Match: MatcherSpec{
			Type:    entry.Match.Type,
			Path:    entry.Match.Path,
			Header:  entry.Match.Header,
			Value:   entry.Match.Value,
			Pattern: entry.Match.Pattern,
			RuleID:  entry.Match.RuleID,
		},
	}, nil
}
