// Package config handles service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL DSN; in-memory stores when unset

	// Escrow settings
	PlatformFeeBps    int64         // platform fee in basis points, hard ceiling 1000
	SweepInterval     time.Duration // deadline sweep cadence
	ReconcileInterval time.Duration // conservation check cadence

	// Chain settlement (optional; custodial-only mode when unset)
	RPCURL            string
	ChainID           int64
	CustodyAddress    string
	CustodyPrivateKey string   // hex-encoded, 0x prefix optional
	TokenContracts    []string // ERC-20 contracts watched for deposits

	// Security
	AdminSecret    string
	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string

	// Observability
	OTLPEndpoint string

	// Webhooks
	WebhookWorkers int
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultPlatformFeeBps = 100 // 1%
	MaxPlatformFeeBps     = 1000
	DefaultSweepInterval  = 30 * time.Second
	DefaultReconcile      = 5 * time.Minute
	DefaultChainID        = 84532 // Base Sepolia
	DefaultRateLimitRPS   = 100
	DefaultRateLimitBurst = 200
	DefaultWebhookWorkers = 8
)

// Load reads configuration from environment variables. A .env file is
// loaded first if present (local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		PlatformFeeBps:    getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBps),
		SweepInterval:     getEnvDuration("DEADLINE_SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcile),
		RPCURL:            os.Getenv("RPC_URL"),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		CustodyAddress:    os.Getenv("CUSTODY_ADDRESS"),
		CustodyPrivateKey: os.Getenv("CUSTODY_PRIVATE_KEY"),
		TokenContracts:    getEnvList("TOKEN_CONTRACTS"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimitRPS)),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:       getEnvList("CORS_ORIGINS"),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
		WebhookWorkers:    int(getEnvInt64("WEBHOOK_WORKERS", DefaultWebhookWorkers)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration ranges and cross-field requirements.
func (c *Config) Validate() error {
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > MaxPlatformFeeBps {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and %d, got %d", MaxPlatformFeeBps, c.PlatformFeeBps)
	}

	if c.SweepInterval < time.Second {
		return fmt.Errorf("DEADLINE_SWEEP_INTERVAL must be at least 1s")
	}

	if c.ReconcileInterval < time.Second {
		return fmt.Errorf("RECONCILE_INTERVAL must be at least 1s")
	}

	// Chain settlement is optional, but when a signing key is configured it
	// must be well-formed and an RPC endpoint must be reachable.
	if c.CustodyPrivateKey != "" {
		key := strings.TrimPrefix(c.CustodyPrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("CUSTODY_PRIVATE_KEY must be 64 hex characters (0x prefix optional)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when CUSTODY_PRIVATE_KEY is set")
		}
	}

	if len(c.TokenContracts) > 0 && c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required when TOKEN_CONTRACTS is set")
	}

	return nil
}

// ChainEnabled reports whether on-chain settlement is configured.
func (c *Config) ChainEnabled() bool {
	return c.CustodyPrivateKey != "" && c.RPCURL != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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

// getEnvDuration parses a Go duration, additionally accepting a "d" suffix
// for whole days ("7d" = 168h).
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if strings.HasSuffix(value, "d") {
		if days, err := strconv.Atoi(strings.TrimSuffix(value, "d")); err == nil {
			return time.Duration(days) * 24 * time.Hour
		}
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
