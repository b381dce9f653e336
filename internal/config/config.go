package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Storage backends. Agents go to Postgres, then SQLite, then memory;
	// inboxes and rate windows go to Redis, then memory.
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Credentials
	KeyPepper       string // HMAC key for API key derivations
	AdminSecretHash string // bcrypt hash of the admin bearer secret

	// Message exchange
	SendRateLimit  int
	SendRateWindow time.Duration
	MessageTTL     time.Duration
	SweepInterval  time.Duration

	// Capability index
	SearchResultLimit       int
	SearchMaturityThreshold int64

	// Edge protection
	MaxBodyBytes       int64
	IPThrottleEnabled  bool
	RateLimitWhitelist []string // IPs or CIDRs exempt from IP throttling
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// It panics on malformed values and, in production, on missing
// required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		Env:             getEnv("ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SQLitePath:      os.Getenv("SQLITE_PATH"),
		RedisURL:        os.Getenv("REDIS_URL"),
		KeyPepper:       os.Getenv("KEY_PEPPER"),
		AdminSecretHash: os.Getenv("ADMIN_SECRET_HASH"),

		SendRateLimit:  getEnvInt("SEND_RATE_LIMIT", 12),
		SendRateWindow: getEnvDuration("SEND_RATE_WINDOW", time.Minute),
		MessageTTL:     getEnvDuration("MESSAGE_TTL", 7*24*time.Hour),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 10*time.Minute),

		SearchResultLimit:       getEnvInt("SEARCH_RESULT_LIMIT", 50),
		SearchMaturityThreshold: int64(getEnvInt("SEARCH_MATURITY_THRESHOLD", 100)),

		MaxBodyBytes:      int64(getEnvInt("MAX_BODY_BYTES", 256*1024)),
		IPThrottleEnabled: getEnvBool("IP_THROTTLE_ENABLED", true),
		AutoBlockEnabled:  getEnvBool("AUTO_BLOCK_ENABLED", false),
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	if cfg.SendRateLimit < 1 {
		panic("SEND_RATE_LIMIT must be at least 1")
	}
	if cfg.SendRateWindow <= 0 || cfg.MessageTTL <= 0 || cfg.SweepInterval <= 0 {
		panic("SEND_RATE_WINDOW, MESSAGE_TTL and SWEEP_INTERVAL must be positive")
	}
	if cfg.SearchResultLimit < 1 {
		panic("SEARCH_RESULT_LIMIT must be at least 1")
	}

	// In production, require persistent backends and a key pepper
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
		if cfg.KeyPepper == "" {
			panic("KEY_PEPPER is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		panic(fmt.Sprintf("invalid %s: %v", key, err))
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("invalid %s: %v", key, err))
	}
	return d
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		panic(fmt.Sprintf("invalid %s: %v", key, err))
	}
	return b
}
