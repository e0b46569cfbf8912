package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"loomboard/harness/internal/logging"
)

const (
	// DefaultUsers is the number of concurrent simulated users per run.
	DefaultUsers = 3
	// DefaultOpenDelay approximates the connect handshake before a channel opens.
	DefaultOpenDelay = 10 * time.Millisecond
	// DefaultDeliveryDelay is the broker-side hold applied to every delivery. Zero means immediate.
	DefaultDeliveryDelay = time.Duration(0)
	// DefaultFailureRate is the fraction of deliveries the broker drops, between 0 and 1.
	DefaultFailureRate = 0.0
	// DefaultHistoryLimit bounds the broker's retained broadcast history.
	DefaultHistoryLimit = 100
	// DefaultNetworkProfile names the condition applied to every session at startup.
	DefaultNetworkProfile = "fast-wifi"

	// DefaultLogLevel controls verbosity for harness logs.
	DefaultLogLevel = "info"
)

// Config captures all runtime tunables for a harness run.
type Config struct {
	Users           int
	OpenDelay       time.Duration
	DeliveryDelay   time.Duration
	FailureRate     float64
	HistoryLimit    int
	RateLimitWindow time.Duration
	RateLimitCount  int
	NetworkProfile  string
	ProfilePath     string
	RecorderRoot    string
	Logging         LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level string
}

// Load reads the harness configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Users:          DefaultUsers,
		OpenDelay:      DefaultOpenDelay,
		DeliveryDelay:  DefaultDeliveryDelay,
		FailureRate:    DefaultFailureRate,
		HistoryLimit:   DefaultHistoryLimit,
		NetworkProfile: getString("HARNESS_NETWORK_PROFILE", DefaultNetworkProfile),
		ProfilePath:    strings.TrimSpace(os.Getenv("HARNESS_PROFILE_PATH")),
		RecorderRoot:   strings.TrimSpace(os.Getenv("HARNESS_RECORDER_ROOT")),
		Logging: LoggingConfig{
			Level: strings.TrimSpace(getString("HARNESS_LOG_LEVEL", DefaultLogLevel)),
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("HARNESS_USERS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("HARNESS_USERS must be a positive integer, got %q", raw))
		} else {
			cfg.Users = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HARNESS_OPEN_DELAY")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("HARNESS_OPEN_DELAY must be a positive duration, got %q", raw))
		} else {
			cfg.OpenDelay = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HARNESS_DELIVERY_DELAY")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("HARNESS_DELIVERY_DELAY must be a non-negative duration, got %q", raw))
		} else {
			cfg.DeliveryDelay = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HARNESS_FAILURE_RATE")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 0 || value > 1 {
			problems = append(problems, fmt.Sprintf("HARNESS_FAILURE_RATE must be between 0 and 1, got %q", raw))
		} else {
			cfg.FailureRate = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HARNESS_HISTORY_LIMIT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("HARNESS_HISTORY_LIMIT must be a positive integer, got %q", raw))
		} else {
			cfg.HistoryLimit = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HARNESS_RATE_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("HARNESS_RATE_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.RateLimitWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HARNESS_RATE_LIMIT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("HARNESS_RATE_LIMIT must be a positive integer, got %q", raw))
		} else {
			cfg.RateLimitCount = value
		}
	}

	if (cfg.RateLimitWindow == 0) != (cfg.RateLimitCount == 0) {
		problems = append(problems, "HARNESS_RATE_WINDOW and HARNESS_RATE_LIMIT must be provided together")
	}

	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		problems = append(problems, fmt.Sprintf("HARNESS_LOG_LEVEL is invalid: %v", err))
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
