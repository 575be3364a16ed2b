package admission

import (
	"testing"
	"time"
)

func TestKeyBuilder_DerivesPerTemplate(t *testing.T) {
	t.Parallel()

	kb := &KeyBuilder{}
	rc := &RequestContext{
		ClientID: "acme",
		RemoteIP: "203.0.113.9",
		APIKey:   "key-1",
		Route:    "/api/orders",
		Headers:  map[string]string{"x-tenant": "blue"},
	}

	cases := []struct {
		template string
		want     string
	}{
		{KeyClientID, "r\x1fclient\x1facme"},
		{KeyIP, "r\x1fip\x1f203.0.113.9"},
		{KeyAPIKey, "r\x1fapikey\x1fkey-1"},
		{KeyRoute, "r\x1froute\x1f/api/orders"},
		{"header:x-tenant", "r\x1fheader\x1fx-tenant\x1fblue"},
	}
	for _, tc := range cases {
		rule := &RateLimitRule{ID: "r", KeyTemplate: tc.template, Algorithm: AlgorithmFixedWindow, Limit: 5, Window: time.Minute}
		fresh := *rc
		if got := kb.DeriveKey(rule, &fresh); got != tc.want {
			t.Fatalf("template %q: expected %q got %q", tc.template, tc.want, got)
		}
	}
}

func TestKeyBuilder_MissingIdentityFallsBackToRoute(t *testing.T) {
	t.Parallel()

	kb := &KeyBuilder{}
	rule := &RateLimitRule{ID: "r", KeyTemplate: KeyClientID, Algorithm: AlgorithmFixedWindow, Limit: 5, Window: time.Minute}
	rc := &RequestContext{Route: "/api/orders"}

	if got := kb.DeriveKey(rule, rc); got != "r\x1froute\x1f/api/orders" {
		t.Fatalf("expected route fallback, got %q", got)
	}
}

func TestKeyBuilder_DistinctRulesDistinctKeys(t *testing.T) {
	t.Parallel()

	kb := &KeyBuilder{}
	rc := &RequestContext{ClientID: "acme", Route: "/api/orders"}
	a := kb.DeriveKey(&RateLimitRule{ID: "a", KeyTemplate: KeyClientID}, rc)
	b := kb.DeriveKey(&RateLimitRule{ID: "b", KeyTemplate: KeyClientID}, rc)
	if a == b {
		t.Fatalf("expected distinct keys per rule, both %q", a)
	}
}

func TestKeyBuilder_CachesDerivedKey(t *testing.T) {
	t.Parallel()

	kb := &KeyBuilder{}
	rule := &RateLimitRule{ID: "r", KeyTemplate: KeyClientID}
	rc := &RequestContext{ClientID: "acme"}

	first := kb.DeriveKey(rule, rc)
	rc.ClientID = "changed"
	if got := kb.DeriveKey(rule, rc); got != first {
		t.Fatalf("expected cached key %q, got %q", first, got)
	}
}
