// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

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

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	PrivateKey     string // Hex-encoded, with or without 0x prefix
	BridgeContract string // Address of the bridge contract set

	// Mobile money rail (Daraja-style gateway)
	MobileMoneyBaseURL      string
	MobileMoneyAppKey       string
	MobileMoneyAppSecret    string
	MobileMoneyShortCode    string
	MobileMoneyPassKey      string
	MobileMoneyInitiator    string
	MobileMoneySecurityCred string
	MobileMoneyCallbackURL  string

	// Bank rail (Stripe)
	StripeAPIKey string

	// KYC provider
	KYCBaseURL   string
	KYCThreshold string // Fiat/token amount above which KYC is mandatory

	// Signal sources for the peg oracle and rebase engine
	CentralBankAPIURL string
	TelcoAPIURL       string
	PlatformStatsURL  string

	// Peg policy
	GrowthThreshold float64
	VolumeThreshold float64

	// Scheduling
	OracleInterval time.Duration
	RebaseInterval time.Duration

	// Settlement behaviour
	ExternalCallTimeout time.Duration
	MaxSettleAttempts   int

	// Observability
	OTLPEndpoint string
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultChainID         = 1337
	DefaultKYCThreshold    = "500000"
	DefaultGrowthThreshold = 5.0
	DefaultVolumeThreshold = 100_000_000
	DefaultOracleInterval  = time.Hour
	DefaultRebaseInterval  = 24 * time.Hour
	DefaultCallTimeout     = 30 * time.Second
	DefaultSettleAttempts  = 3
	DefaultRateLimit       = 60
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:             os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:                  os.Getenv("RPC_URL"),
		ChainID:                 getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:              os.Getenv("PRIVATE_KEY"), // Required, no default
		BridgeContract:          os.Getenv("BRIDGE_CONTRACT"),
		MobileMoneyBaseURL:      os.Getenv("MOBILE_MONEY_BASE_URL"),
		MobileMoneyAppKey:       os.Getenv("MOBILE_MONEY_APP_KEY"),
		MobileMoneyAppSecret:    os.Getenv("MOBILE_MONEY_APP_SECRET"),
		MobileMoneyShortCode:    os.Getenv("MOBILE_MONEY_SHORT_CODE"),
		MobileMoneyPassKey:      os.Getenv("MOBILE_MONEY_PASS_KEY"),
		MobileMoneyInitiator:    os.Getenv("MOBILE_MONEY_INITIATOR"),
		MobileMoneySecurityCred: os.Getenv("MOBILE_MONEY_SECURITY_CREDENTIAL"),
		MobileMoneyCallbackURL:  os.Getenv("MOBILE_MONEY_CALLBACK_URL"),
		StripeAPIKey:            os.Getenv("STRIPE_API_KEY"),
		KYCBaseURL:              os.Getenv("KYC_BASE_URL"),
		KYCThreshold:            getEnv("KYC_THRESHOLD", DefaultKYCThreshold),
		CentralBankAPIURL:       os.Getenv("CENTRAL_BANK_API_URL"),
		TelcoAPIURL:             os.Getenv("TELCO_API_URL"),
		PlatformStatsURL:        os.Getenv("PLATFORM_STATS_URL"),
		GrowthThreshold:         getEnvFloat("GROWTH_THRESHOLD", DefaultGrowthThreshold),
		VolumeThreshold:         getEnvFloat("VOLUME_THRESHOLD", DefaultVolumeThreshold),
		OracleInterval:          getEnvDuration("ORACLE_INTERVAL", DefaultOracleInterval),
		RebaseInterval:          getEnvDuration("REBASE_INTERVAL", DefaultRebaseInterval),
		ExternalCallTimeout:     getEnvDuration("EXTERNAL_CALL_TIMEOUT", DefaultCallTimeout),
		MaxSettleAttempts:       int(getEnvInt64("MAX_SETTLE_ATTEMPTS", DefaultSettleAttempts)),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:            int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.BridgeContract == "" {
		return fmt.Errorf("BRIDGE_CONTRACT is required")
	}
	if c.MaxSettleAttempts <= 0 {
		return fmt.Errorf("MAX_SETTLE_ATTEMPTS must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
