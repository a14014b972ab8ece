package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerHost string
	ServerPort string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBDisabled bool

	RedisAddr string // empty disables the cross-replica relay

	// Client-side protocol timeouts
	JoinTimeout time.Duration
	LockTimeout time.Duration

	// Hub housekeeping
	SweepInterval time.Duration
	SessionTTL    time.Duration
	CursorTTL     time.Duration

	// Observability
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerHost: getEnv("SERVER_HOST", "localhost"),
		ServerPort: getEnv("SERVER_PORT", "8080"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "lexcollab"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		DBDisabled: getEnvBool("DB_DISABLED", false),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		JoinTimeout: getEnvDurationMS("JOIN_TIMEOUT_MS", 5000),
		LockTimeout: getEnvDurationMS("LOCK_TIMEOUT_MS", 5000),

		SweepInterval: getEnvDurationMS("SWEEP_INTERVAL_MS", 30_000),
		SessionTTL:    getEnvDurationMS("SESSION_TTL_MS", 300_000),
		CursorTTL:     getEnvDurationMS("CURSOR_TTL_MS", 120_000),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if cfg.JoinTimeout <= 0 || cfg.LockTimeout <= 0 {
		return nil, fmt.Errorf("protocol timeouts must be positive")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationMS(key string, defaultMS int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return time.Duration(defaultMS) * time.Millisecond
}
