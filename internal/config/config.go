// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration. Values come from the
// environment (with .env support); the settings table may override
// credentials at runtime via UpdateFromSettings.
type Config struct {
	DataDir  string // base directory for the three databases, always absolute
	Port     int
	LogLevel string
	DevMode  bool

	// LLM provider (OpenAI-compatible). APIKey is required.
	LLMAPIKey      string
	LLMBaseURL     string
	LLMModel       string
	LLMTemperature float64

	// Broker. Missing credentials switch the client to mock mode.
	AlpacaAPIKey    string
	AlpacaAPISecret string
	AlpacaPaper     bool

	// Compliance policy source.
	PolicyPath          string
	PolicyWatchInterval int // seconds; 0 disables the watcher

	MaxPositionSize float64 // supervisor pre-guard threshold, fraction of portfolio

	// Database connection pool knobs.
	PoolSize    int
	MaxOverflow int
	PoolTimeout int // seconds
	PoolRecycle int // seconds

	// S3-compatible backup target. Empty bucket disables backups.
	BackupBucket    string
	BackupEndpoint  string
	BackupAccessKey string
	BackupSecretKey string
	BackupRegion    string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		LLMAPIKey:      getEnv("LLM_API_KEY", ""),
		LLMBaseURL:     getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o"),
		LLMTemperature: getEnvAsFloat("LLM_TEMPERATURE", 0.2),

		AlpacaAPIKey:    getEnv("ALPACA_API_KEY", ""),
		AlpacaAPISecret: getEnv("ALPACA_API_SECRET", ""),
		AlpacaPaper:     getEnvAsBool("ALPACA_PAPER", true),

		PolicyPath:          getEnv("POLICY_PATH", filepath.Join(absDataDir, "policies.json")),
		PolicyWatchInterval: getEnvAsInt("POLICY_WATCH_INTERVAL_SEC", 30),

		MaxPositionSize: getEnvAsFloat("MAX_POSITION_SIZE", 0.25),

		PoolSize:    getEnvAsInt("POOL_SIZE", 25),
		MaxOverflow: getEnvAsInt("MAX_OVERFLOW", 10),
		PoolTimeout: getEnvAsInt("POOL_TIMEOUT", 30),
		PoolRecycle: getEnvAsInt("POOL_RECYCLE", 3600),

		BackupBucket:    getEnv("BACKUP_BUCKET", ""),
		BackupEndpoint:  getEnv("BACKUP_ENDPOINT", ""),
		BackupAccessKey: getEnv("BACKUP_ACCESS_KEY", ""),
		BackupSecretKey: getEnv("BACKUP_SECRET_KEY", ""),
		BackupRegion:    getEnv("BACKUP_REGION", "auto"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required configuration. A missing LLM key is fatal;
// broker credentials are optional (mock mode).
func (c *Config) Validate() error {
	if c.LLMAPIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.MaxPositionSize <= 0 || c.MaxPositionSize > 1 {
		return fmt.Errorf("MAX_POSITION_SIZE must be in (0,1]: %f", c.MaxPositionSize)
	}
	return nil
}

// BrokerMockMode reports whether the broker client should run in mock
// mode because credentials are missing.
func (c *Config) BrokerMockMode() bool {
	return c.AlpacaAPIKey == "" || c.AlpacaAPISecret == ""
}

// SettingsGetter is the subset of the settings repository the config
// layer needs. Defined here so config does not import the module.
type SettingsGetter interface {
	Get(key string) (*string, error)
}

// UpdateFromSettings overrides credentials from the settings table.
// Non-empty settings values take precedence over environment values.
func (c *Config) UpdateFromSettings(repo SettingsGetter) error {
	overrides := []struct {
		key string
		dst *string
	}{
		{"alpaca_api_key", &c.AlpacaAPIKey},
		{"alpaca_api_secret", &c.AlpacaAPISecret},
		{"llm_api_key", &c.LLMAPIKey},
		{"llm_model", &c.LLMModel},
	}
	for _, o := range overrides {
		val, err := repo.Get(o.key)
		if err != nil {
			return fmt.Errorf("failed to get %s from settings: %w", o.key, err)
		}
		if val != nil && *val != "" {
			*o.dst = *val
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
