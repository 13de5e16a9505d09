package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the collector service.
type Config struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	IngestTimeout      time.Duration
	LogQueryLimit      int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("COLLECTOR_ADDR", ":8080"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://lookout:lookout@db:5432/lookout?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./migrations"),
		IngestTimeout:      time.Duration(GetInt("INGEST_TIMEOUT_MS", 2000)) * time.Millisecond,
		LogQueryLimit:      GetInt("LOG_QUERY_LIMIT", 100),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}
