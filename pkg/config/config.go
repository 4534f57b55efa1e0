// Package config loads process configuration from the environment and the
// optional policy file.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Addr          string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	PolicyFile    string
	AdminSecret   string
	OTLPEndpoint  string
	LedgerTimeout time.Duration
	// AllowVolatileLedger admits a durable store in front of the in-memory
	// ledger. Session state then outlives the balances that back it.
	AllowVolatileLedger bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	addr := os.Getenv("HELM_PAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	// empty means the in-memory store
	dbURL := os.Getenv("DATABASE_URL")

	ledgerTimeout := 30 * time.Second
	if v := os.Getenv("HELM_PAY_LEDGER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			ledgerTimeout = d
		}
	}

	volatile, _ := strconv.ParseBool(os.Getenv("HELM_PAY_ALLOW_VOLATILE_LEDGER"))

	return &Config{
		Addr:                addr,
		LogLevel:            logLevel,
		DatabaseURL:         dbURL,
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		PolicyFile:          os.Getenv("HELM_PAY_POLICY_FILE"),
		AdminSecret:         os.Getenv("HELM_PAY_ADMIN_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LedgerTimeout:       ledgerTimeout,
		AllowVolatileLedger: volatile,
	}
}

// SlogLevel maps LogLevel to a slog level, defaulting to INFO.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
