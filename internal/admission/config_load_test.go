package admission

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(LoadOptions{Args: []string{}, Environ: []string{}})
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if !cfg.EnableHTTP || cfg.HTTPListenAddr != ":8080" {
		t.Fatalf("unexpected http defaults: %v %q", cfg.EnableHTTP, cfg.HTTPListenAddr)
	}
	if !cfg.FailOpen {
		t.Fatalf("expected fail open by default")
	}
	if cfg.StoreTimeout != 50*time.Millisecond {
		t.Fatalf("expected 50ms store timeout, got %v", cfg.StoreTimeout)
	}
	if cfg.DefaultBreaker.FailureRateThreshold != 0.5 || cfg.DefaultBreaker.HalfOpenPermittedCalls != 3 {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.DefaultBreaker)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	payload := `{
  "HTTPListenAddr": ":9999",
  "FailOpen": false,
  "StoreTimeout": 75,
  "DefaultBreaker": {"WaitDurationOpen": "45s"}
}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	cfg, err := LoadConfig(LoadOptions{ConfigPath: path, Args: []string{}, Environ: []string{}})
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPListenAddr != ":9999" {
		t.Fatalf("expected file address, got %q", cfg.HTTPListenAddr)
	}
	if cfg.FailOpen {
		t.Fatalf("expected fail open disabled by file")
	}
	if cfg.StoreTimeout != 75*time.Millisecond {
		t.Fatalf("expected numeric duration in ms, got %v", cfg.StoreTimeout)
	}
	if cfg.DefaultBreaker.WaitDurationOpen != 45*time.Second {
		t.Fatalf("expected duration string parsed, got %v", cfg.DefaultBreaker.WaitDurationOpen)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"HTTPListenAddr": ":9999"}`), 0o600); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	cfg, err := LoadConfig(LoadOptions{
		ConfigPath: path,
		Args:       []string{},
		Environ: []string{
			"ADMISSION_HTTP_ADDR=:7777",
			"ADMISSION_ADMIN_TOKEN=hunter2",
			"ADMISSION_STORE_TIMEOUT_MS=120",
		},
	})
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPListenAddr != ":7777" {
		t.Fatalf("expected env address, got %q", cfg.HTTPListenAddr)
	}
	if !cfg.EnableAuth || cfg.AdminToken != "hunter2" {
		t.Fatalf("expected admin token to enable auth, got %v %q", cfg.EnableAuth, cfg.AdminToken)
	}
	if cfg.StoreTimeout != 120*time.Millisecond {
		t.Fatalf("expected env timeout, got %v", cfg.StoreTimeout)
	}
}

func TestLoadConfig_FlagsWin(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(LoadOptions{
		Args: []string{
			"-http_addr", ":6060",
			"-redis_addr", "localhost:6379",
			"-fail_open=false",
			"-watch_rules=false",
			"-rules", "/etc/gateway/rules.yaml",
		},
		Environ: []string{"ADMISSION_HTTP_ADDR=:7777"},
	})
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPListenAddr != ":6060" {
		t.Fatalf("expected flag to beat env, got %q", cfg.HTTPListenAddr)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("expected redis addr, got %q", cfg.RedisAddr)
	}
	if cfg.FailOpen {
		t.Fatalf("expected fail open disabled by flag")
	}
	if cfg.WatchRules {
		t.Fatalf("expected watch disabled by flag")
	}
	if cfg.RulePath != "/etc/gateway/rules.yaml" {
		t.Fatalf("expected rule path, got %q", cfg.RulePath)
	}
}

func TestLoadConfig_ConfigFlagSelectsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"GRPCListenAddr": ":5005"}`), 0o600); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	cfg, err := LoadConfig(LoadOptions{Args: []string{"-config", path}, Environ: []string{}})
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.GRPCListenAddr != ":5005" {
		t.Fatalf("expected file from flag, got %q", cfg.GRPCListenAddr)
	}
}

func TestLoadConfig_InvalidFlagFails(t *testing.T) {
	t.Parallel()

	if _, err := LoadConfig(LoadOptions{Args: []string{"-store_timeout_ms", "abc"}, Environ: []string{}}); err == nil {
		t.Fatalf("expected error for invalid flag value")
	}
}
