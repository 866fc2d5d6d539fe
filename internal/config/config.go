// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT"       envDefault:"8080"`
	Env       string `env:"ENV"        envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Storage. DatabaseURL wins over SQLitePath; neither means in-memory.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH"`
	RedisURL    string `env:"REDIS_URL"` // Optional; enables cross-replica locking

	// Registry policy
	AdminAddress      string        `env:"ADMIN_ADDRESS"`
	ConfirmationMode  string        `env:"CONFIRMATION_MODE"   envDefault:"admin"`
	MaxPayloadBytes   int           `env:"MAX_PAYLOAD_BYTES"   envDefault:"4096"`
	DefaultPeriod     time.Duration `env:"DEFAULT_PERIOD"      envDefault:"0s"`
	RequireClaimToken bool          `env:"REQUIRE_CLAIM_TOKEN" envDefault:"false"`
	OpenSweep         bool          `env:"OPEN_SWEEP"          envDefault:"false"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL"      envDefault:"30s"`
	SweepBatch        int           `env:"SWEEP_BATCH"         envDefault:"100"`

	// Security
	JWTSecret    string        `env:"JWT_SECRET"`
	JWTTTL       time.Duration `env:"JWT_TTL"        envDefault:"1h"`
	RateLimitRPM int           `env:"RATE_LIMIT_RPM" envDefault:"120"`
	CORSOrigins  []string      `env:"CORS_ORIGINS"   envSeparator:","` // Empty disables cross-origin access

	// Notifications
	WebhookURLs   []string `env:"WEBHOOK_URLS" envSeparator:","`
	WebhookSecret string   `env:"WEBHOOK_SECRET"`

	// Tracing
	OTLPEndpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPSampleRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1"`
}

// MinJWTSecretLen is the shortest accepted HS256 secret.
const MinJWTSecretLen = 32

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AdminAddress == "" {
		return fmt.Errorf("ADMIN_ADDRESS is required")
	}
	if !common.IsHexAddress(c.AdminAddress) || common.HexToAddress(c.AdminAddress) == (common.Address{}) {
		return fmt.Errorf("ADMIN_ADDRESS must be a non-zero 0x-prefixed address")
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < MinJWTSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", MinJWTSecretLen)
	}

	switch c.ConfirmationMode {
	case "admin", "owner":
	default:
		return fmt.Errorf("CONFIRMATION_MODE must be admin or owner, got %q", c.ConfirmationMode)
	}

	if c.DefaultPeriod < 0 {
		return fmt.Errorf("DEFAULT_PERIOD must not be negative")
	}
	if c.DefaultPeriod%time.Second != 0 {
		return fmt.Errorf("DEFAULT_PERIOD must be whole seconds")
	}
	if c.OTLPSampleRatio < 0 || c.OTLPSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	for _, u := range c.WebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("WEBHOOK_URLS entry %q must be an http(s) URL", u)
		}
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}

	return nil
}

// Admin returns the configured admin address.
func (c *Config) Admin() common.Address {
	return common.HexToAddress(c.AdminAddress)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
