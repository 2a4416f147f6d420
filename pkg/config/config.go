// Package config loads runtime configuration from the environment,
// optionally seeded from a .env file via github.com/joho/godotenv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime-tunable option the server reads at startup.
type Config struct {
	DatabaseURL           string
	UnclaimedOrderTimeout time.Duration
	UnpaidOrderTimeout    time.Duration
	ConnectionPoolSize    int
	EventQueueCapacity    int
	EventPublishTimeout   time.Duration
	MaxRetries            int
	LogLevel              string
	AdminJWTSecret        string
	RPCURL                string
	TokenContracts        map[string]string // asset name -> contract address
	HTTPAddr              string
	ExpiryTickInterval    time.Duration
}

// Load reads .env (if present, ignored if absent) then the process
// environment, applying a sensible default for anything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:           getString("DATABASE_URL", "file:flowpay.db?_pragma=busy_timeout(5000)"),
		UnclaimedOrderTimeout: getDuration("UNCLAIMED_ORDER_TIMEOUT", 30*time.Minute),
		UnpaidOrderTimeout:    getDuration("UNPAID_ORDER_TIMEOUT", 60*time.Minute),
		ConnectionPoolSize:    getInt("CONNECTION_POOL_SIZE", 25),
		EventQueueCapacity:    getInt("EVENT_QUEUE_CAPACITY", 256),
		EventPublishTimeout:   getDuration("EVENT_PUBLISH_TIMEOUT", 5*time.Second),
		MaxRetries:            getInt("MAX_RETRIES", 5),
		LogLevel:              getString("LOG_LEVEL", "info"),
		AdminJWTSecret:        getString("ADMIN_JWT_SECRET", ""),
		RPCURL:                getString("RPC_URL", ""),
		TokenContracts:        parseTokenContracts(getString("TOKEN_CONTRACT_ADDRESSES", "")),
		HTTPAddr:              getString("HTTP_ADDR", ":8080"),
		ExpiryTickInterval:    getDuration("EXPIRY_TICK_INTERVAL", 60*time.Second),
	}

	if cfg.AdminJWTSecret == "" {
		return nil, fmt.Errorf("config: ADMIN_JWT_SECRET must be set")
	}
	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// parseTokenContracts parses "asset=address,asset=address" pairs, the
// pkg/chainwatch.Verifier config shape.
func parseTokenContracts(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}
