package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	Env         string
	DatabaseDSN string
	JWTSecret   string
	JWTExpiry   time.Duration

	// OperatorKeyHash is the argon2id PHC hash of the operator API key
	// required on resolve/retry/cancel endpoints.
	OperatorKeyHash string

	RemoteBaseURL  string
	RemoteToken    string
	RemoteRPS      float64
	RemoteBurst    int
	RemotePageSize int

	DrainInterval   time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	ProcessingLease time.Duration
}

func Load() Config {
	cfg := Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseDSN: getEnv("DATABASE_DSN", "root:password@tcp(127.0.0.1:3306)/equipsync?parseTime=true"),
		JWTSecret:   getEnv("JWT_SECRET", "dev-secret-change-in-production"),
		JWTExpiry:   24 * time.Hour,

		OperatorKeyHash: getEnv("OPERATOR_KEY_HASH", ""),

		RemoteBaseURL:  getEnv("REMOTE_BASE_URL", "http://127.0.0.1:9090"),
		RemoteToken:    getEnv("REMOTE_TOKEN", ""),
		RemoteRPS:      getEnvFloat("REMOTE_RPS", 10),
		RemoteBurst:    getEnvInt("REMOTE_BURST", 20),
		RemotePageSize: getEnvInt("REMOTE_PAGE_SIZE", 100),

		DrainInterval:   getEnvDuration("DRAIN_INTERVAL", 15*time.Second),
		MaxAttempts:     getEnvInt("MAX_ATTEMPTS", 5),
		BackoffBase:     getEnvDuration("BACKOFF_BASE", 30*time.Second),
		BackoffCap:      getEnvDuration("BACKOFF_CAP", time.Hour),
		ProcessingLease: getEnvDuration("PROCESSING_LEASE", 5*time.Minute),
	}

	if cfg.Env == "production" && cfg.JWTSecret == "dev-secret-change-in-production" {
		slog.Error("JWT_SECRET must be set in production environment")
		os.Exit(1)
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer env value, using fallback", "key", key, "value", v)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		slog.Warn("invalid float env value, using fallback", "key", key, "value", v)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration env value, using fallback", "key", key, "value", v)
	}
	return fallback
}
