// Package config loads application configuration.
//
// Configuration Loading Order:
// 1. Load from .env file (if present)
// 2. Read environment variables
// 3. Caller overlays the enabled-symbol list from the coin_config table
//    (database precedence over environment, same rule the teacher applies
//    to its settings database).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the environment-sourced configuration of spec.md §6.4.
type Config struct {
	SchedulerEnabled        bool
	SchedulerInterval       time.Duration
	SchedulerInitialDelay   time.Duration
	AutoExecute             bool
	ReflectionEnabled       bool
	ReflectionInterval      time.Duration
	ReflectionInitialDelay  time.Duration

	ExchangeAPIKey     string
	ExchangeSecret     string
	ExchangePassphrase string
	ExchangeSandbox    bool

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveAccessKey string
	ArchiveSecretKey string

	DataDir  string
	LogLevel string
}

// defaultInterval and defaultInitialDelay mirror spec.md §4.10/§4.11.
const (
	defaultInterval      = 300 * time.Second
	defaultInitialDelay  = 30 * time.Second
	defaultReflectionInit = 60 * time.Second
)

// Load reads configuration from .env (if present) and the environment.
// Missing exchange or LLM credentials are not fatal here — fatal-ness is
// the caller's decision (spec.md §7: ConfigError is fatal only at startup,
// and only once the scheduler is actually about to run live).
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	cfg := &Config{
		SchedulerEnabled:       getBool("SCHED_AI_ENABLED", true),
		SchedulerInterval:      getDurationMS("SCHED_AI_INTERVAL_MS", defaultInterval),
		SchedulerInitialDelay:  defaultInitialDelay,
		AutoExecute:            getBool("SCHED_AI_AUTO_EXECUTE", false),
		ReflectionEnabled:      getBool("SCHED_REFLECTION_ENABLED", true),
		ReflectionInterval:     getDurationMS("SCHED_REFLECTION_INTERVAL_MS", defaultInterval),
		ReflectionInitialDelay: defaultReflectionInit,

		ExchangeAPIKey:     os.Getenv("EX_API_KEY"),
		ExchangeSecret:     os.Getenv("EX_SECRET"),
		ExchangePassphrase: os.Getenv("EX_PASSPHRASE"),
		ExchangeSandbox:    getBool("EX_SANDBOX", false),

		LLMBaseURL: os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:  os.Getenv("LLM_API_KEY"),
		LLMModel:   os.Getenv("LLM_MODEL"),

		ArchiveBucket:    os.Getenv("ARCHIVE_BUCKET"),
		ArchiveEndpoint:  os.Getenv("ARCHIVE_ENDPOINT"),
		ArchiveRegion:    getString("ARCHIVE_REGION", "auto"),
		ArchiveAccessKey: os.Getenv("ARCHIVE_ACCESS_KEY"),
		ArchiveSecretKey: os.Getenv("ARCHIVE_SECRET_KEY"),

		DataDir:  getString("TRADER_DATA_DIR", "./data"),
		LogLevel: getString("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// ValidateForLive returns a ConfigError-worthy error when credentials
// required to run live are missing. Called once at startup before the
// schedulers are started; internal/domain.KindConfig is fatal.
func (c *Config) ValidateForLive() error {
	if c.ExchangeAPIKey == "" || c.ExchangeSecret == "" || c.ExchangePassphrase == "" {
		return fmt.Errorf("missing exchange credentials (EX_API_KEY/EX_SECRET/EX_PASSPHRASE)")
	}
	if c.LLMBaseURL == "" || c.LLMAPIKey == "" {
		return fmt.Errorf("missing LLM oracle credentials (LLM_BASE_URL/LLM_API_KEY)")
	}
	return nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDurationMS(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
