package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"GUARD_POLL_INTERVAL", "GUARD_POLL_ATTEMPTS", "PIXEL_RATIO", "DEFAULT_SCALE", "ALLOWED_ORIGINS", "EXTRACT_BATCH_SIZE", "EXTRACT_PERSIST_TIMEOUT"} {
		t.Setenv(k, "")
	}
	cfg := FromEnv()
	if cfg.GuardPollInterval != 50*time.Millisecond || cfg.GuardPollAttempts != 20 {
		t.Fatalf("guard = %v x %d", cfg.GuardPollInterval, cfg.GuardPollAttempts)
	}
	if cfg.PixelRatio != 2 || cfg.DefaultScale != 1 {
		t.Fatalf("ratio %v scale %v", cfg.PixelRatio, cfg.DefaultScale)
	}
	if cfg.ExtractBatchSize != 10 || cfg.ExtractPersistTimeout != 30*time.Second {
		t.Fatalf("extract = %d / %v", cfg.ExtractBatchSize, cfg.ExtractPersistTimeout)
	}
	if len(cfg.AllowedOrigins) != 1 {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("GUARD_COOLDOWN", "1s")
	t.Setenv("PIXEL_RATIO", "3")
	t.Setenv("EXTRACT_WORKERS", "4")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("TEXT_STORE_URL", "https://text.example/api/")

	cfg := FromEnv()
	if cfg.GuardCooldown != time.Second || cfg.PixelRatio != 3 || cfg.ExtractWorkers != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
	if cfg.TextStoreURL != "https://text.example/api" {
		t.Fatalf("text store url = %q", cfg.TextStoreURL)
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	tests := []struct {
		key, value string
		check      func(*Config) bool
	}{
		{"GUARD_POLL_ATTEMPTS", "many", func(c *Config) bool { return c.GuardPollAttempts == 20 }},
		{"GUARD_SETTLE_DELAY", "soon", func(c *Config) bool { return c.GuardSettleDelay == 300*time.Millisecond }},
		{"DEFAULT_SCALE", "-1", func(c *Config) bool { return c.DefaultScale == 1 }},
		{"RATE_LIMIT_BURST", "x", func(c *Config) bool { return c.RateLimitBurst == 40 }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if !tt.check(FromEnv()) {
				t.Fatalf("%s=%q did not fall back to the default", tt.key, tt.value)
			}
		})
	}
}
