// Package appconfig loads environment-driven settings for the copy-trading
// engine.
//
// Grounded on pkg/config/config.go's Load/getEnv*/splitAndTrim shape,
// generalized to this domain's settings and still loaded through
// github.com/joho/godotenv exactly as the teacher does.
package appconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the copy-trading engine.
type Config struct {
	// Port is reported in the startup log line; the status API listens on
	// COPYCORE_STATUS_ADDR instead.
	Port string

	// Leader account
	LeaderExchangeID string
	LeaderAPIKey     string
	LeaderAPISecret  string
	LeaderTestnet    bool

	// Credential store
	CredentialStorePath string
	EncryptionKeysPath  string

	// Reconciliation
	ReconciliationInterval time.Duration

	// JWTSecret is loaded but not read; the status API takes its secret
	// from COPYCORE_STATUS_JWT_SECRET.
	JWTSecret string

	// Localization
	Language string

	DryRun bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		Port:                   getEnv("PORT", "8080"),
		LeaderExchangeID:       strings.ToLower(getEnv("LEADER_EXCHANGE_ID", "binance")),
		LeaderAPIKey:           os.Getenv("LEADER_API_KEY"),
		LeaderAPISecret:        os.Getenv("LEADER_API_SECRET"),
		LeaderTestnet:          getEnv("LEADER_TESTNET", "false") == "true",
		CredentialStorePath:    getEnv("CREDENTIAL_STORE_PATH", "./data/followers.json"),
		EncryptionKeysPath:     getEnv("ENCRYPTION_KEYS_PATH", "./data/keys.json"),
		ReconciliationInterval: getEnvDuration("RECONCILIATION_INTERVAL_SECONDS", 20*time.Second),
		JWTSecret:              getEnv("JWT_SECRET", "dev-secret"),
		Language:               getEnv("LANGUAGE", "en"),
		DryRun:                 getEnv("DRY_RUN", "false") == "true",
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
