package config

import (
	"strings"
	"testing"
	"time"
)

func clearHarnessEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HARNESS_USERS", "HARNESS_OPEN_DELAY", "HARNESS_DELIVERY_DELAY",
		"HARNESS_FAILURE_RATE", "HARNESS_HISTORY_LIMIT", "HARNESS_RATE_WINDOW",
		"HARNESS_RATE_LIMIT", "HARNESS_NETWORK_PROFILE", "HARNESS_PROFILE_PATH",
		"HARNESS_RECORDER_ROOT", "HARNESS_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearHarnessEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Users != DefaultUsers {
		t.Fatalf("expected default users %d, got %d", DefaultUsers, cfg.Users)
	}
	if cfg.OpenDelay != DefaultOpenDelay {
		t.Fatalf("expected default open delay %v, got %v", DefaultOpenDelay, cfg.OpenDelay)
	}
	if cfg.FailureRate != 0 {
		t.Fatalf("expected zero failure rate, got %v", cfg.FailureRate)
	}
	if cfg.HistoryLimit != DefaultHistoryLimit {
		t.Fatalf("expected default history limit %d, got %d", DefaultHistoryLimit, cfg.HistoryLimit)
	}
	if cfg.NetworkProfile != DefaultNetworkProfile {
		t.Fatalf("expected default network profile %q, got %q", DefaultNetworkProfile, cfg.NetworkProfile)
	}
	if cfg.RecorderRoot != "" {
		t.Fatalf("expected recording disabled by default, got %q", cfg.RecorderRoot)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.Logging.Level)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearHarnessEnv(t)
	t.Setenv("HARNESS_USERS", "7")
	t.Setenv("HARNESS_OPEN_DELAY", "25ms")
	t.Setenv("HARNESS_DELIVERY_DELAY", "40ms")
	t.Setenv("HARNESS_FAILURE_RATE", "0.25")
	t.Setenv("HARNESS_HISTORY_LIMIT", "500")
	t.Setenv("HARNESS_RATE_WINDOW", "1s")
	t.Setenv("HARNESS_RATE_LIMIT", "50")
	t.Setenv("HARNESS_NETWORK_PROFILE", "slow-cellular")
	t.Setenv("HARNESS_RECORDER_ROOT", "/tmp/runs")
	t.Setenv("HARNESS_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Users != 7 {
		t.Fatalf("expected 7 users, got %d", cfg.Users)
	}
	if cfg.OpenDelay != 25*time.Millisecond || cfg.DeliveryDelay != 40*time.Millisecond {
		t.Fatalf("unexpected delays: open=%v delivery=%v", cfg.OpenDelay, cfg.DeliveryDelay)
	}
	if cfg.FailureRate != 0.25 {
		t.Fatalf("expected failure rate 0.25, got %v", cfg.FailureRate)
	}
	if cfg.HistoryLimit != 500 {
		t.Fatalf("expected history limit 500, got %d", cfg.HistoryLimit)
	}
	if cfg.RateLimitWindow != time.Second || cfg.RateLimitCount != 50 {
		t.Fatalf("unexpected rate limit: window=%v count=%d", cfg.RateLimitWindow, cfg.RateLimitCount)
	}
	if cfg.NetworkProfile != "slow-cellular" {
		t.Fatalf("unexpected network profile %q", cfg.NetworkProfile)
	}
	if cfg.RecorderRoot != "/tmp/runs" {
		t.Fatalf("unexpected recorder root %q", cfg.RecorderRoot)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected log level %q", cfg.Logging.Level)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearHarnessEnv(t)
	t.Setenv("HARNESS_USERS", "0")
	t.Setenv("HARNESS_FAILURE_RATE", "1.5")
	t.Setenv("HARNESS_OPEN_DELAY", "soon")
	t.Setenv("HARNESS_LOG_LEVEL", "shout")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	for _, fragment := range []string{"HARNESS_USERS", "HARNESS_FAILURE_RATE", "HARNESS_OPEN_DELAY", "HARNESS_LOG_LEVEL"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("error must mention %s, got %v", fragment, err)
		}
	}
}

func TestLoadRequiresRateLimitPair(t *testing.T) {
	clearHarnessEnv(t)
	t.Setenv("HARNESS_RATE_WINDOW", "1s")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "provided together") {
		t.Fatalf("expected paired rate limit validation, got %v", err)
	}
}
