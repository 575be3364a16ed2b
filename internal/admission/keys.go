// Package admission provides limiter key derivation.
package admission

import "strings"

// KeyBuilder derives the limiting key for a (rule, request) pair.
// A request whose identity cannot be resolved falls back to the rule's
// route scope so limiting is never bypassed.
type KeyBuilder struct{}

// DeriveKey builds a stable key. Derived keys are cached on the request
// context so repeated lookups for the same rule are free.
func (kb *KeyBuilder) DeriveKey(rule *RateLimitRule, rc *RequestContext) string {
	if rule == nil {
		return ""
	}
	if cached, ok := rc.CachedKey(rule.ID); ok {
		return cached
	}
	scope := kb.scopeValue(rule.KeyTemplate, rc)
	if scope == "" {
		// Missing identity: collapse to the per-route global scope.
		scope = "route\x1f" + routeOf(rc)
	}
	key := rule.ID + "\x1f" + scope
	rc.CacheKey(rule.ID, key)
	return key
}

func (kb *KeyBuilder) scopeValue(template string, rc *RequestContext) string {
	if rc == nil {
		return ""
	}
	switch {
	case template == KeyClientID:
		if rc.ClientID == "" {
			return ""
		}
		return "client\x1f" + rc.ClientID
	case template == KeyIP:
		if rc.RemoteIP == "" {
			return ""
		}
		return "ip\x1f" + rc.RemoteIP
	case template == KeyAPIKey:
		if rc.APIKey == "" {
			return ""
		}
		return "apikey\x1f" + rc.APIKey
	case template == KeyRoute:
		return "route\x1f" + routeOf(rc)
	case strings.HasPrefix(template, KeyHeaderPrefix):
		name := template[len(KeyHeaderPrefix):]
		value := rc.Header(name)
		if value == "" {
			return ""
		}
		return "header\x1f" + name + "\x1f" + value
	default:
		return ""
	}
}

func routeOf(rc *RequestContext) string {
	if rc == nil {
		return ""
	}
	return rc.Route
}
