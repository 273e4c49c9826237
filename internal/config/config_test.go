package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.AppName != "hookrelay" {
		t.Errorf("AppName = %q", cfg.AppName)
	}
	if cfg.Delivery.PoolSize != 8 {
		t.Errorf("PoolSize = %d, want 8", cfg.Delivery.PoolSize)
	}
	if cfg.Delivery.DefaultTimeout != 30*time.Second {
		t.Errorf("DefaultTimeout = %v, want 30s", cfg.Delivery.DefaultTimeout)
	}
	if cfg.Delivery.DefaultMaxRetries != 5 {
		t.Errorf("DefaultMaxRetries = %d, want 5", cfg.Delivery.DefaultMaxRetries)
	}
	if cfg.Delivery.BackoffBase != time.Second || cfg.Delivery.BackoffMax != 5*time.Minute {
		t.Errorf("backoff = %v/%v, want 1s/5m", cfg.Delivery.BackoffBase, cfg.Delivery.BackoffMax)
	}
	if cfg.NSQ.Enabled {
		t.Error("NSQ should be disabled by default")
	}
	if cfg.Retention.Schedule != "@every 1h" {
		t.Errorf("Retention.Schedule = %q", cfg.Retention.Schedule)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DELIVERY_POOL_SIZE", "32")
	t.Setenv("SWEEP_INTERVAL", "250ms")
	t.Setenv("BACKOFF_JITTER_PCT", "0.5")
	t.Setenv("NSQ_ENABLED", "true")
	t.Setenv("STRICT_EVENT_TYPES", "true")

	cfg := FromEnv()
	if cfg.Delivery.PoolSize != 32 {
		t.Errorf("PoolSize = %d, want 32", cfg.Delivery.PoolSize)
	}
	if cfg.Delivery.SweepInterval != 250*time.Millisecond {
		t.Errorf("SweepInterval = %v", cfg.Delivery.SweepInterval)
	}
	if cfg.Delivery.BackoffJitter != 0.5 {
		t.Errorf("BackoffJitter = %v", cfg.Delivery.BackoffJitter)
	}
	if !cfg.NSQ.Enabled || !cfg.StrictEventTypes {
		t.Error("boolean overrides not applied")
	}
}

func TestFromEnvBadValuesFallBack(t *testing.T) {
	t.Setenv("DELIVERY_POOL_SIZE", "not-a-number")
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("NSQ_ENABLED", "maybe")

	cfg := FromEnv()
	if cfg.Delivery.PoolSize != 8 {
		t.Errorf("bad int did not fall back: %d", cfg.Delivery.PoolSize)
	}
	if cfg.Delivery.SweepInterval != 5*time.Second {
		t.Errorf("bad duration did not fall back: %v", cfg.Delivery.SweepInterval)
	}
	if cfg.NSQ.Enabled {
		t.Error("bad bool did not fall back")
	}
}

func TestDSN(t *testing.T) {
	t.Setenv("DB_USER", "hr")
	t.Setenv("DB_PASS", "pw")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("DB_NAME", "hooks")

	want := "postgres://hr:pw@db.internal:5433/hooks?sslmode=disable"
	if got := FromEnv().DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
