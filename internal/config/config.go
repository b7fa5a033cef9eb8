// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/estocks/settlement-engine/internal/calc"
)

// Config holds all runtime configuration for the settlement engine.
type Config struct {
	Port     int
	LogLevel string

	// DatabaseURL selects the PostgreSQL store; empty means in-memory.
	DatabaseURL string
	// RedisURL enables the quote cache; empty disables it.
	RedisURL      string
	QuoteCacheTTL time.Duration
	QuoteTimeout  time.Duration

	MarginRate decimal.Decimal
	FundTerm   time.Duration
	Currency   string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", port)
	}

	logLevel := strings.ToLower(getStr("LOG_LEVEL", "info"))
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	quoteCacheTTL, err := getDuration("QUOTE_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid QUOTE_CACHE_TTL: %w", err)
	}

	quoteTimeout, err := getDuration("QUOTE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid QUOTE_TIMEOUT: %w", err)
	}

	marginRate, err := decimal.NewFromString(getStr("MARGIN_RATE", calc.DefaultMarginRate.String()))
	if err != nil {
		return nil, fmt.Errorf("invalid MARGIN_RATE: %w", err)
	}
	if err := calc.ValidateRate(marginRate); err != nil {
		return nil, fmt.Errorf("invalid MARGIN_RATE: %w", err)
	}

	fundTerm, err := getDuration("FUND_TERM", 365*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid FUND_TERM: %w", err)
	}
	if fundTerm <= 0 {
		return nil, fmt.Errorf("invalid FUND_TERM: must be positive")
	}

	currency := strings.ToUpper(getStr("CURRENCY", "PKR"))
	if money.GetCurrency(currency) == nil {
		return nil, fmt.Errorf("invalid CURRENCY: unknown code %q", currency)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		QuoteCacheTTL:   quoteCacheTTL,
		QuoteTimeout:    quoteTimeout,
		MarginRate:      marginRate,
		FundTerm:        fundTerm,
		Currency:        currency,
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		IdleTimeout:     idleTimeout,
		ShutdownTimeout: shutdownTimeout,
	}, nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
