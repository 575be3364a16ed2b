package admission

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestAppConfig(t *testing.T) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(testRuleDocument), 0o600); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	return &Config{
		RulePath:     path,
		StoreTimeout: 50 * time.Millisecond,
		FailOpen:     true,
		DrainTimeout: time.Second,
		LogLevel:     "disabled",
	}
}

func TestApplication_StartLoadsRulesAndServesDecisions(t *testing.T) {
	t.Parallel()

	app, err := NewApplication(newTestAppConfig(t))
	if err != nil {
		t.Fatalf("unexpected application error: %v", err)
	}
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			t.Fatalf("unexpected shutdown error: %v", err)
		}
	}()

	if !app.Ready() {
		t.Fatalf("expected application to be ready after start")
	}
	if app.Rules.Snapshot().Version != 1 {
		t.Fatalf("expected initial rule load, got version %d", app.Rules.Snapshot().Version)
	}

	verdict := app.Controller.Admit(ctx, &RequestContext{ClientID: "acme", Route: "/api/orders"})
	if verdict.Outcome != OutcomeAllow {
		t.Fatalf("expected allow, got %v", verdict.Outcome)
	}
}

func TestApplication_StartFailsOnInvalidRuleFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("version: 0"), 0o600); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	app, err := NewApplication(&Config{RulePath: path, LogLevel: "disabled"})
	if err != nil {
		t.Fatalf("unexpected application error: %v", err)
	}
	if err := app.Start(context.Background()); err == nil {
		t.Fatalf("expected start to fail on invalid rule file")
	}
}

func TestApplication_RequiresConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewApplication(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

func TestApplication_NotReadyWhenStoreUnhealthy(t *testing.T) {
	t.Parallel()

	app, err := NewApplication(newTestAppConfig(t))
	if err != nil {
		t.Fatalf("unexpected application error: %v", err)
	}
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
	}()

	app.Store.(*InMemoryStore).SetHealthy(false)
	if app.Ready() {
		t.Fatalf("expected not ready with unhealthy store")
	}
}
