package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv    string
	Port      string
	LogLevel  string
	LogFormat string

	UpstreamBaseURL string
	UpstreamTimeout time.Duration
	MarketSymbol    string

	HeartbeatInterval time.Duration
	PingTimeout       time.Duration

	RateLimitWindow      time.Duration
	MaxMessagesPerWindow int

	MarketPollInterval   time.Duration
	PositionPollInterval time.Duration
	AccountPollInterval  time.Duration

	MarketTTL   time.Duration
	PositionTTL time.Duration
	AccountTTL  time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:       getEnv("APP_ENV", "development"),
		Port:         getEnv("PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "text"),
		MarketSymbol: getEnv("MARKET_SYMBOL", "XBTUSD"),
	}

	cfg.UpstreamBaseURL = getEnv("UPSTREAM_BASE_URL", "")
	if cfg.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("UPSTREAM_BASE_URL is required")
	}

	var err error
	if cfg.UpstreamTimeout, err = getDuration("UPSTREAM_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = getDuration("HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.PingTimeout, err = getDuration("PING_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = getDuration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.MarketPollInterval, err = getDuration("MARKET_POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.PositionPollInterval, err = getDuration("POSITION_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.AccountPollInterval, err = getDuration("ACCOUNT_POLL_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}

	// Staleness tolerance tracks the poll cadence of each data class.
	if cfg.MarketTTL, err = getDuration("MARKET_TTL", time.Second); err != nil {
		return nil, err
	}
	if cfg.PositionTTL, err = getDuration("POSITION_TTL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.AccountTTL, err = getDuration("ACCOUNT_TTL", 30*time.Second); err != nil {
		return nil, err
	}

	if cfg.MaxMessagesPerWindow, err = getInt("RATE_LIMIT_MAX_MESSAGES", 100); err != nil {
		return nil, err
	}
	if cfg.MaxMessagesPerWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX_MESSAGES must be positive")
	}
	if cfg.HeartbeatInterval <= 0 || cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("HEARTBEAT_INTERVAL and PING_TIMEOUT must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
