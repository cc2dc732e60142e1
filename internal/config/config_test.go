// Copyright 2025 James Ross
package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Supervisor.MaxSandboxes != 64 {
		t.Fatalf("expected default max_sandboxes 64, got %d", cfg.Supervisor.MaxSandboxes)
	}
	if cfg.RateLimit.Backend != "memory" {
		t.Fatalf("expected default rate_limit backend memory, got %s", cfg.RateLimit.Backend)
	}
	if cfg.Analytics.RetentionDays != 30 {
		t.Fatalf("expected default retention_days 30, got %d", cfg.Analytics.RetentionDays)
	}
}

func TestValidateFailsOnMaxSandboxes(t *testing.T) {
	cfg := defaultConfig()
	cfg.Supervisor.MaxSandboxes = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for max_sandboxes < 1")
	}
}

func TestValidateFailsOnRateLimitBackend(t *testing.T) {
	cfg := defaultConfig()
	cfg.RateLimit.Backend = "bogus"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown rate_limit backend")
	}
}

func TestValidateFailsOnRedisBackendMissingAddr(t *testing.T) {
	cfg := defaultConfig()
	cfg.RateLimit.Backend = "redis"
	cfg.RateLimit.RedisAddr = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for redis backend without redis_addr")
	}
}

func TestValidateFailsOnRetentionOutOfRange(t *testing.T) {
	cfg := defaultConfig()
	cfg.Analytics.RetentionDays = 45
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for retention_days > 30")
	}
}

func TestValidateFailsOnMetricsPort(t *testing.T) {
	cfg := defaultConfig()
	cfg.Observability.MetricsPort = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid metrics_port")
	}
}
