package config

import (
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
	Port        int    `env:"PORT" envDefault:"8019"`
	Env         string `env:"ENV" envDefault:"development"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	ServiceToken   string `env:"SERVICE_TOKEN"`
	AdminTokenHash string `env:"ADMIN_TOKEN_HASH"`
	EncryptionKey  string `env:"ENCRYPTION_KEY"`

	MinPoolSize             int `env:"MIN_POOL_SIZE" envDefault:"5"`
	MaxPoolSize             int `env:"MAX_POOL_SIZE" envDefault:"50"`
	DefaultAllocateCount    int `env:"DEFAULT_ALLOCATE_COUNT" envDefault:"1"`
	MaxAllocateCount        int `env:"MAX_ALLOCATE_COUNT" envDefault:"10"`
	EmergencyReplenishCount int `env:"EMERGENCY_REPLENISH_COUNT" envDefault:"5"`
	ReplenishBatchSize      int `env:"REPLENISH_BATCH_SIZE" envDefault:"10"`

	ProvisionerURL          string `env:"PROVISIONER_URL" envDefault:""`
	ProvisionerAPIKey       string `env:"PROVISIONER_API_KEY"`
	ProvisionConcurrency    int    `env:"PROVISION_CONCURRENCY" envDefault:"3"`
	ProvisionTimeoutSeconds int    `env:"PROVISION_TIMEOUT_SECONDS" envDefault:"300"`

	SecureTokenURL            string `env:"SECURETOKEN_URL" envDefault:"https://securetoken.googleapis.com/v1/token"`
	FirebaseAPIKey            string `env:"FIREBASE_API_KEY"`
	RefreshTimeoutSeconds     int    `env:"REFRESH_TIMEOUT_SECONDS" envDefault:"30"`
	MinRefreshIntervalMinutes int    `env:"MIN_REFRESH_INTERVAL_MINUTES" envDefault:"60"`
	RefreshBufferMinutes      int    `env:"REFRESH_BUFFER_MINUTES" envDefault:"10"`

	SessionTimeoutMinutes      int  `env:"SESSION_TIMEOUT_MINUTES" envDefault:"30"`
	MaintenanceIntervalSeconds int  `env:"MAINTENANCE_INTERVAL_SECONDS" envDefault:"60"`
	ReclaimOnStart             bool `env:"RECLAIM_ON_START" envDefault:"true"`

	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`
}

func (c *Config) ProvisionTimeout() time.Duration {
	return time.Duration(c.ProvisionTimeoutSeconds) * time.Second
}

func (c *Config) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutSeconds) * time.Second
}

func (c *Config) MinRefreshInterval() time.Duration {
	return time.Duration(c.MinRefreshIntervalMinutes) * time.Minute
}

func (c *Config) RefreshBuffer() time.Duration {
	return time.Duration(c.RefreshBufferMinutes) * time.Minute
}

func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

func (c *Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) ProvisionerEnabled() bool {
	return c.ProvisionerURL != ""
}

func (c *Config) Validate(isProduction bool) error {
	if c.AdminTokenHash != "" {
		if !strings.HasPrefix(c.AdminTokenHash, "$2a$") &&
			!strings.HasPrefix(c.AdminTokenHash, "$2b$") &&
			!strings.HasPrefix(c.AdminTokenHash, "$2y$") {
			return fmt.Errorf("ADMIN_TOKEN_HASH must be a bcrypt hash (generate with: go run scripts/hash-token.go <token>)")
		}
	}

	if c.MinPoolSize < 0 {
		return fmt.Errorf("MIN_POOL_SIZE must not be negative")
	}
	if c.MaxPoolSize < c.MinPoolSize {
		return fmt.Errorf("MAX_POOL_SIZE (%d) must be >= MIN_POOL_SIZE (%d)", c.MaxPoolSize, c.MinPoolSize)
	}
	if c.DefaultAllocateCount < 1 {
		return fmt.Errorf("DEFAULT_ALLOCATE_COUNT must be at least 1")
	}
	if c.MaxAllocateCount < c.DefaultAllocateCount {
		return fmt.Errorf("MAX_ALLOCATE_COUNT (%d) must be >= DEFAULT_ALLOCATE_COUNT (%d)", c.MaxAllocateCount, c.DefaultAllocateCount)
	}
	if c.ReplenishBatchSize < 1 {
		return fmt.Errorf("REPLENISH_BATCH_SIZE must be at least 1")
	}
	if c.ProvisionConcurrency < 1 {
		return fmt.Errorf("PROVISION_CONCURRENCY must be at least 1")
	}
	if c.MinRefreshIntervalMinutes < 1 {
		return fmt.Errorf("MIN_REFRESH_INTERVAL_MINUTES must be at least 1")
	}
	if c.EncryptionKey != "" && len(c.EncryptionKey) != 64 {
		return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters (generate with: openssl rand -hex 32)")
	}

	if isProduction {
		if err := validateSecret("SERVICE_TOKEN", c.ServiceToken); err != nil {
			return err
		}

		if c.AdminTokenHash == "" {
			log.Warn().Msg("ADMIN_TOKEN_HASH is empty in production: admin operations fall back to the service token")
		}
		if c.FirebaseAPIKey == "" {
			log.Warn().Msg("FIREBASE_API_KEY is empty in production: token refresh will fail")
		}
		if !c.ProvisionerEnabled() {
			log.Warn().Msg("PROVISIONER_URL is empty in production: pool replenishment disabled")
		}
		if c.RedisURL == "" {
			log.Warn().Msg("REDIS_URL is empty in production: rate limiting falls back to per-instance in-memory windows")
		} else if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: refresh tokens will not be encrypted at rest")
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
