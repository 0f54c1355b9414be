package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the process-wide gateway configuration. Per-instance
// credentials live in the database, not here.
type Config struct {
	// APIKey protects the admin API (x-api-key header).
	APIKey string
	// DatabaseURL is the postgres DSN.
	DatabaseURL string
	// Environment is "production" or "test"; test bypasses admin auth.
	Environment string
	LogLevel    string
	Port        string

	// Rate limiter knobs (global; see DESIGN.md open-question notes).
	RateLimitMaxRequests     int
	RateLimitWindowSeconds   int
	RateLimitCleanupSeconds  int

	// Trace store knobs.
	TraceRetentionDays        int
	CompressionThresholdBytes int

	// Optional redis for the identity memo cache. Empty addr disables it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Discord gateway event queue sizing.
	DiscordQueueSize int
	DiscordWorkers   int

	// WebhookMaxConcurrent bounds in-flight webhook pipelines.
	WebhookMaxConcurrent int
}

// Load reads configuration from environment variables, applying
// defaults for everything except the database URL.
func Load() *Config {
	return &Config{
		APIKey:      os.Getenv("AUTOMAGIK_OMNI_API_KEY"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Environment: getEnvOrDefault("ENVIRONMENT", "production"),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
		Port:        getEnvOrDefault("PORT", "8882"),

		RateLimitMaxRequests:    getEnvIntOrDefault("RATE_LIMIT_MAX_REQUESTS", 30),
		RateLimitWindowSeconds:  getEnvIntOrDefault("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitCleanupSeconds: getEnvIntOrDefault("RATE_LIMIT_CLEANUP_SECONDS", 300),

		TraceRetentionDays:        getEnvIntOrDefault("TRACE_RETENTION_DAYS", 30),
		CompressionThresholdBytes: getEnvIntOrDefault("TRACE_COMPRESSION_THRESHOLD", 1024),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvIntOrDefault("REDIS_DB", 0),

		DiscordQueueSize: getEnvIntOrDefault("DISCORD_QUEUE_SIZE", 256),
		DiscordWorkers:   getEnvIntOrDefault("DISCORD_WORKERS", 8),

		WebhookMaxConcurrent: getEnvIntOrDefault("WEBHOOK_MAX_CONCURRENT", 64),
	}
}

// IsTest reports whether the gateway runs in test mode.
func (c *Config) IsTest() bool {
	return strings.EqualFold(c.Environment, "test")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
