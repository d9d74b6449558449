package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                  int    `env:"PORT" envDefault:"8080"`
	DatabaseURL           string `env:"DATABASE_URL,required"`
	RedisURL              string `env:"REDIS_URL,required"`
	VaultKey              string `env:"VAULT_KEY,required"`
	PaymentWebhookSecret  string `env:"PAYMENT_WEBHOOK_SECRET,required"`
	ServiceAPIKey         string `env:"SERVICE_API_KEY"`
	AdminKeyHash          string `env:"ADMIN_KEY_HASH"`
	RunnerURL             string `env:"RUNNER_URL" envDefault:"http://localhost:5000"`
	RunnerSecret          string `env:"RUNNER_SECRET"`
	SessionDir            string `env:"SESSION_DIR" envDefault:"./sessions"`
	PairingWindowSeconds  int    `env:"PAIRING_WINDOW_SECONDS" envDefault:"120"`
	ConnectTimeoutSeconds int    `env:"CONNECT_TIMEOUT_SECONDS" envDefault:"60"`
	ReconnectMaxAttempts  int    `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	RestoreConcurrency    int    `env:"RESTORE_CONCURRENCY" envDefault:"8"`
	ExpirySweepSchedule   string `env:"EXPIRY_SWEEP_SCHEDULE" envDefault:"@every 10m"`
	PairingSweepSchedule  string `env:"PAIRING_SWEEP_SCHEDULE" envDefault:"@every 1m"`
	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
	Environment           string `env:"APP_ENV" envDefault:"development"`
	AutoMigrate           bool   `env:"AUTO_MIGRATE" envDefault:"false"`
	RateLimitPerMinute    int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
}

func (c *Config) PairingWindow() time.Duration {
	return time.Duration(c.PairingWindowSeconds) * time.Second
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	key, err := hex.DecodeString(c.VaultKey)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("VAULT_KEY must be 32 bytes hex encoded (generate with: orchestrator keygen)")
	}

	if c.AdminKeyHash != "" {
		if !strings.HasPrefix(c.AdminKeyHash, "$2a$") &&
			!strings.HasPrefix(c.AdminKeyHash, "$2b$") &&
			!strings.HasPrefix(c.AdminKeyHash, "$2y$") {
			return fmt.Errorf("ADMIN_KEY_HASH must be a bcrypt hash (generate with: orchestrator hash-key <key>)")
		}
	}

	if c.PairingWindowSeconds <= 0 {
		return fmt.Errorf("PAIRING_WINDOW_SECONDS must be positive")
	}
	if c.RestoreConcurrency <= 0 {
		return fmt.Errorf("RESTORE_CONCURRENCY must be positive")
	}

	if isProduction {
		if err := validateSecret("PAYMENT_WEBHOOK_SECRET", c.PaymentWebhookSecret); err != nil {
			return err
		}
		if err := validateSecret("SERVICE_API_KEY", c.ServiceAPIKey); err != nil {
			return err
		}
		if err := validateSecret("RUNNER_SECRET", c.RunnerSecret); err != nil {
			return err
		}

		if c.AdminKeyHash == "" {
			log.Warn().Msg("ADMIN_KEY_HASH is empty in production: admin endpoints disabled")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// DatabaseConfig is the subset needed by commands that only touch the schema.
type DatabaseConfig struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

func LoadDatabase() (*DatabaseConfig, error) {
	var cfg DatabaseConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
