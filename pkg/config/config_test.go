package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "DB_PATH", "RATE_LIMIT_MAX", "RATE_LIMIT_PERIOD", "START_STAGGER", "LOG_DEV"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.DBPath != "./data/trader.db" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.RateLimitMax != 1000 || cfg.RateLimitPeriod != time.Minute {
		t.Errorf("unexpected rate limit defaults: %d %s", cfg.RateLimitMax, cfg.RateLimitPeriod)
	}
	if cfg.StartStagger != 500*time.Millisecond || cfg.LogDev {
		t.Errorf("unexpected fleet defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_MAX", "1200")
	t.Setenv("RATE_LIMIT_PERIOD", "30")
	t.Setenv("START_JITTER_MAX", "250ms")
	t.Setenv("LOG_DEV", "true")
	t.Setenv("SIM_INITIAL_USDT", "oops")

	cfg, _ := Load()
	if cfg.RateLimitMax != 1200 || cfg.RateLimitPeriod != 30*time.Second {
		t.Errorf("rate limit overrides ignored: %d %s", cfg.RateLimitMax, cfg.RateLimitPeriod)
	}
	if cfg.StartJitterMax != 250*time.Millisecond || !cfg.LogDev {
		t.Errorf("overrides ignored: %+v", cfg)
	}
	if cfg.SimInitialUSDT != 10000 {
		t.Errorf("unparseable value should fall back, got %v", cfg.SimInitialUSDT)
	}
}
