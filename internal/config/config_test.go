package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", filepath.Join(tmp, "cache"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmp, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	return tmp
}

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	tmp := isolate(t)
	configPath := filepath.Join(tmp, "config.yaml")
	body := "output: plain\nretries: 1\nsafety:\n  max_per_tx_usd: 250\n  max_daily_usd: 900\nautopilot:\n  cycle_interval: 2m\n"
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("AUTOPILOT_OUTPUT", "json")
	t.Setenv("AUTOPILOT_SAFETY_MAX_DAILY_USD", "1200")
	flags := GlobalFlags{ConfigPath: configPath, Plain: true, Retries: 5}
	settings, err := Load(flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "plain" {
		t.Fatalf("expected flag to win, got output=%s", settings.OutputMode)
	}
	if settings.Retries != 5 {
		t.Fatalf("expected retries from flags, got %d", settings.Retries)
	}
	if settings.Safety.MaxPerTxUSD != 250 {
		t.Fatalf("expected per-tx limit from file, got %v", settings.Safety.MaxPerTxUSD)
	}
	if settings.Safety.MaxDailyUSD != 1200 {
		t.Fatalf("expected env to override file, got %v", settings.Safety.MaxDailyUSD)
	}
	if settings.AutoPilot.CycleInterval != 2*time.Minute {
		t.Fatalf("unexpected cycle interval %s", settings.AutoPilot.CycleInterval)
	}
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	settings, err := Load(GlobalFlags{Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.Executor.SigningMode != "cold" {
		t.Fatalf("expected cold signing by default, got %s", settings.Executor.SigningMode)
	}
	if settings.Executor.GasBuffer != 1.3 {
		t.Fatalf("unexpected gas buffer %v", settings.Executor.GasBuffer)
	}
	if settings.Queue.Concurrency != 3 || settings.AutoPilot.MaxConsecutiveFailures != 5 {
		t.Fatalf("unexpected queue/autopilot defaults: %+v %+v", settings.Queue, settings.AutoPilot)
	}
	if settings.Retries != 2 {
		t.Fatalf("expected default retries, got %d", settings.Retries)
	}
}

func TestLoadEnvFile(t *testing.T) {
	tmp := isolate(t)
	envPath := filepath.Join(tmp, "test.env")
	if err := os.WriteFile(envPath, []byte("AUTOPILOT_EXECUTOR_SIGNING_MODE=hot\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("AUTOPILOT_EXECUTOR_SIGNING_MODE") })

	settings, err := Load(GlobalFlags{EnvFile: envPath, Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.Executor.SigningMode != "hot" {
		t.Fatalf("expected signing mode from env file, got %s", settings.Executor.SigningMode)
	}
}

func TestLoadRejectsInvalidLimits(t *testing.T) {
	isolate(t)
	t.Setenv("AUTOPILOT_SAFETY_MAX_PER_TX_USD", "9000")
	if _, err := Load(GlobalFlags{Retries: -1}); err == nil {
		t.Fatal("expected per-tx above daily limit to be rejected")
	}
}

func TestLoadMutuallyExclusiveOutputFlags(t *testing.T) {
	isolate(t)
	_, err := Load(GlobalFlags{JSON: true, Plain: true})
	if err == nil {
		t.Fatal("expected error with --json and --plain")
	}
}

func TestLoadRejectsUnknownSections(t *testing.T) {
	tmp := isolate(t)
	configPath := filepath.Join(tmp, "config.yaml")
	body := "safty:\n  max_per_tx_usd: 1\nchains:\n  base:\n    rpc_url: http://localhost:8545\n"
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(GlobalFlags{ConfigPath: configPath, Retries: -1})
	if err == nil {
		t.Fatal("expected misspelled section to be rejected")
	}
	if !strings.Contains(err.Error(), "safty (line 1)") {
		t.Fatalf("unexpected error: %v", err)
	}
}
