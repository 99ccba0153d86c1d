package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading control plane.
type Config struct {
	Port string

	// Database
	DBPath string

	// Logging
	LogLevel string
	LogDev   bool

	// Accounts/combos seed (YAML), optional
	SeedFile string

	// Exchange
	BinanceTestnet    bool
	EnablePriceStream bool
	SimInitialUSDT    float64
	SimFollowMarket   bool

	// Shared outbound budget
	RateLimitMax    int
	RateLimitPeriod time.Duration

	// Fleet scheduling
	StartJitterMax time.Duration
	StartStagger   time.Duration
	StepTimeout    time.Duration

	// Cron jobs (seconds field first)
	PriceRefreshCron string
	HealthLogCron    string

	// Secrets / auth
	MasterEncryptionKey string
	OpsJWTSecret        string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/trader.db"),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogDev:              getEnvBool("LOG_DEV", false),
		SeedFile:            getEnv("SEED_FILE", ""),
		BinanceTestnet:      getEnvBool("BINANCE_TESTNET", false),
		EnablePriceStream:   getEnvBool("ENABLE_PRICE_STREAM", false),
		SimInitialUSDT:      getEnvFloat("SIM_INITIAL_USDT", 10000),
		SimFollowMarket:     getEnvBool("SIM_FOLLOW_MARKET", true),
		RateLimitMax:        getEnvInt("RATE_LIMIT_MAX", 1000),
		RateLimitPeriod:     getEnvDuration("RATE_LIMIT_PERIOD", 60*time.Second),
		StartJitterMax:      getEnvDuration("START_JITTER_MAX", 3*time.Second),
		StartStagger:        getEnvDuration("START_STAGGER", 500*time.Millisecond),
		StepTimeout:         getEnvDuration("STEP_TIMEOUT", 180*time.Second),
		PriceRefreshCron:    getEnv("PRICE_REFRESH_CRON", "*/15 * * * * *"),
		HealthLogCron:       getEnv("HEALTH_LOG_CRON", "0 */5 * * * *"),
		MasterEncryptionKey: os.Getenv("MASTER_ENCRYPTION_KEY"),
		OpsJWTSecret:        os.Getenv("OPS_JWT_SECRET"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
