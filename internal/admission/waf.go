// Package admission provides WAF rule evaluation.
package admission

import (
	"regexp"
	"sort"
	"strings"
)

// WAFVerdict is the outcome of evaluating the WAF rule chain.
type WAFVerdict struct {
	Action      string
	MatchedRule string
	LogMatches  []string
}

// compiledWAFRule pairs a rule with its prebuilt matcher. Matchers are
// compiled once at load time; a pattern that fails to compile rejects the
// whole document, so evaluation never sees a malformed rule.
type compiledWAFRule struct {
	rule  WAFRule
	match func(rc *RequestContext) bool
}

// compileWAFRules validates and compiles rules into stable priority order.
// Ties on priority preserve document order.
func compileWAFRules(rules []WAFRule) ([]compiledWAFRule, error) {
	compiled := make([]compiledWAFRule, 0, len(rules))
	for _, rule := range rules {
		fn, err := compileMatcher(rule.Match)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledWAFRule{rule: rule, match: fn})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority < compiled[j].rule.Priority
	})
	return compiled, nil
}

func compileMatcher(spec MatcherSpec) (func(rc *RequestContext) bool, error) {
	switch spec.Type {
	case MatchPath:
		pattern := spec.Path
		if pattern == "" {
			return nil, ErrRuleInvalid
		}
		if strings.HasSuffix(pattern, "*") {
			prefix := strings.TrimSuffix(pattern, "*")
			return func(rc *RequestContext) bool {
				return rc != nil && strings.HasPrefix(rc.Route, prefix)
			}, nil
		}
		return func(rc *RequestContext) bool {
			return rc != nil && rc.Route == pattern
		}, nil
	case MatchHeaderEquals:
		if spec.Header == "" {
			return nil, ErrRuleInvalid
		}
		name, value := spec.Header, spec.Value
		return func(rc *RequestContext) bool {
			return rc != nil && rc.Header(name) == value
		}, nil
	case MatchHeaderContains:
		if spec.Header == "" || spec.Value == "" {
			return nil, ErrRuleInvalid
		}
		name, value := spec.Header, spec.Value
		return func(rc *RequestContext) bool {
			return rc != nil && strings.Contains(rc.Header(name), value)
		}, nil
	case MatchBodyRegex:
		if spec.Pattern == "" {
			return nil, ErrRuleInvalid
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, ErrRuleInvalid
		}
		return func(rc *RequestContext) bool {
			return rc != nil && len(rc.BodySample) > 0 && re.Match(rc.BodySample)
		}, nil
	case MatchRateDerived:
		ruleID := spec.RuleID
		return func(rc *RequestContext) bool {
			if rc == nil {
				return false
			}
			if ruleID == "" {
				return rc.AnyRateDenied()
			}
			d, ok := rc.RateDecision(ruleID)
			return ok && d != nil && !d.Allowed
		}, nil
	default:
		return nil, ErrRuleInvalid
	}
}

// EvaluateWAF runs the compiled chain against a request. The first matching
// block or allow rule stops evaluation; log matches accumulate and continue.
// With no match the verdict is allow. Evaluation is a pure function of the
// snapshot and the request context.
func EvaluateWAF(rules []compiledWAFRule, rc *RequestContext) WAFVerdict {
	verdict := WAFVerdict{Action: ActionAllow}
	for _, entry := range rules {
		if !entry.match(rc) {
			continue
		}
		switch entry.rule.Action {
		case ActionLog:
			verdict.LogMatches = append(verdict.LogMatches, entry.rule.ID)
		case ActionBlock:
			verdict.Action = ActionBlock
			verdict.MatchedRule = entry.rule.ID
			return verdict
		case ActionAllow:
			verdict.Action = ActionAllow
			verdict.MatchedRule = entry.rule.ID
			return verdict
		}
	}
	return verdict
}

// needsRateDecisions reports whether any rule delegates to limiter outcomes,
// in which case the controller computes limits before WAF evaluation.
func needsRateDecisions(rules []compiledWAFRule) bool {
	for _, entry := range rules {
		if entry.rule.Match.Type == MatchRateDerived {
			return true
		}
	}
	return false
}
