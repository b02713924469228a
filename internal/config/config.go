// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger settings
	RPCURL         string
	Cluster        string // "mainnet-beta", "devnet", "testnet"
	TreasuryWallet string // destination for platform and cancellation fees

	// Custody
	MasterSecret string // passphrase protecting custodial wallet secrets

	// AdminSecret guards dispute resolution and manual release endpoints.
	// Empty disables admin routes outside development.
	AdminSecret string

	// Fee settings
	PlatformFeePercent float64 // fee deducted from payouts, default 3

	// UnfundedCancellationFee applies the 1% cancellation fee to partial
	// refunds of contracts that never reached fully_funded. Off by default:
	// only confirmed deposits refunded through mutual cancellation pay it.
	UnfundedCancellationFee bool

	// Timeout settings
	TimeoutScanInterval int // seconds between timeout monitor scans
	DepositScanInterval int // seconds between deposit monitor scans
	WarningWindowHours  int // pre-expiry notification window

	// Notifications
	WebhookURL    string // fire-and-forget notification endpoint (optional)
	WebhookSecret string // HMAC key for webhook payload signing

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultRPCURL       = "https://api.devnet.solana.com"
	DefaultCluster      = "devnet"
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultFeePercent   = 3.0
	DefaultTimeoutScan  = 60
	DefaultDepositScan  = 30
	DefaultWarningHours = 2
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:             os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:                  getEnv("RPC_URL", DefaultRPCURL),
		Cluster:                 getEnv("CLUSTER", DefaultCluster),
		TreasuryWallet:          os.Getenv("TREASURY_WALLET"),
		MasterSecret:            os.Getenv("MASTER_SECRET"), // Required, no default
		AdminSecret:             os.Getenv("ADMIN_SECRET"),
		PlatformFeePercent:      getEnvFloat("PLATFORM_FEE_PERCENT", DefaultFeePercent),
		UnfundedCancellationFee: getEnvBool("UNFUNDED_CANCELLATION_FEE", false),
		TimeoutScanInterval:     int(getEnvInt64("TIMEOUT_SCAN_INTERVAL", DefaultTimeoutScan)),
		DepositScanInterval:     int(getEnvInt64("DEPOSIT_SCAN_INTERVAL", DefaultDepositScan)),
		WarningWindowHours:      int(getEnvInt64("WARNING_WINDOW_HOURS", DefaultWarningHours)),
		WebhookURL:              os.Getenv("WEBHOOK_URL"),
		WebhookSecret:           os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.MasterSecret == "" {
		return fmt.Errorf("MASTER_SECRET is required")
	}
	if len(c.MasterSecret) < 16 {
		return fmt.Errorf("MASTER_SECRET must be at least 16 characters")
	}

	if c.TreasuryWallet == "" {
		return fmt.Errorf("TREASURY_WALLET is required")
	}

	if c.PlatformFeePercent < 0 || c.PlatformFeePercent > 100 {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be between 0 and 100")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
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
