package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("ProvisionTimeout converts seconds to duration", func(t *testing.T) {
		cfg := &Config{ProvisionTimeoutSeconds: 300}
		assert.Equal(t, 300*time.Second, cfg.ProvisionTimeout())
	})

	t.Run("RefreshTimeout converts seconds to duration", func(t *testing.T) {
		cfg := &Config{RefreshTimeoutSeconds: 30}
		assert.Equal(t, 30*time.Second, cfg.RefreshTimeout())
	})

	t.Run("MinRefreshInterval converts minutes to duration", func(t *testing.T) {
		cfg := &Config{MinRefreshIntervalMinutes: 60}
		assert.Equal(t, time.Hour, cfg.MinRefreshInterval())
	})

	t.Run("SessionTimeout converts minutes to duration", func(t *testing.T) {
		cfg := &Config{SessionTimeoutMinutes: 30}
		assert.Equal(t, 30*time.Minute, cfg.SessionTimeout())
	})

	t.Run("MaintenanceInterval converts seconds to duration", func(t *testing.T) {
		cfg := &Config{MaintenanceIntervalSeconds: 60}
		assert.Equal(t, time.Minute, cfg.MaintenanceInterval())
	})

	t.Run("IsProduction", func(t *testing.T) {
		assert.True(t, (&Config{Env: "production"}).IsProduction())
		assert.False(t, (&Config{Env: "development"}).IsProduction())
	})

	t.Run("ProvisionerEnabled", func(t *testing.T) {
		assert.False(t, (&Config{}).ProvisionerEnabled())
		assert.True(t, (&Config{ProvisionerURL: "https://issuer.example.com"}).ProvisionerEnabled())
	})
}

func TestLoad(t *testing.T) {
	originalEnv := map[string]string{
		"PORT":                         os.Getenv("PORT"),
		"DATABASE_URL":                 os.Getenv("DATABASE_URL"),
		"REDIS_URL":                    os.Getenv("REDIS_URL"),
		"MIN_POOL_SIZE":                os.Getenv("MIN_POOL_SIZE"),
		"MAX_POOL_SIZE":                os.Getenv("MAX_POOL_SIZE"),
		"SESSION_TIMEOUT_MINUTES":      os.Getenv("SESSION_TIMEOUT_MINUTES"),
		"MIN_REFRESH_INTERVAL_MINUTES": os.Getenv("MIN_REFRESH_INTERVAL_MINUTES"),
		"LOG_LEVEL":                    os.Getenv("LOG_LEVEL"),
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("loads config with defaults", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Unsetenv("PORT")
		os.Unsetenv("MIN_POOL_SIZE")
		os.Unsetenv("MAX_POOL_SIZE")
		os.Unsetenv("SESSION_TIMEOUT_MINUTES")
		os.Unsetenv("MIN_REFRESH_INTERVAL_MINUTES")
		os.Unsetenv("LOG_LEVEL")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8019, cfg.Port)
		assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
		assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
		assert.Equal(t, 5, cfg.MinPoolSize)
		assert.Equal(t, 50, cfg.MaxPoolSize)
		assert.Equal(t, 1, cfg.DefaultAllocateCount)
		assert.Equal(t, 10, cfg.MaxAllocateCount)
		assert.Equal(t, 5, cfg.EmergencyReplenishCount)
		assert.Equal(t, 10, cfg.ReplenishBatchSize)
		assert.Equal(t, 3, cfg.ProvisionConcurrency)
		assert.Equal(t, 30, cfg.SessionTimeoutMinutes)
		assert.Equal(t, 60, cfg.MinRefreshIntervalMinutes)
		assert.Equal(t, 10, cfg.RefreshBufferMinutes)
		assert.Equal(t, 60, cfg.MaintenanceIntervalSeconds)
		assert.Equal(t, "https://securetoken.googleapis.com/v1/token", cfg.SecureTokenURL)
		assert.True(t, cfg.ReclaimOnStart)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("loads custom values", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Setenv("PORT", "3000")
		os.Setenv("MIN_POOL_SIZE", "8")
		os.Setenv("MAX_POOL_SIZE", "80")
		os.Setenv("LOG_LEVEL", "debug")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, 8, cfg.MinPoolSize)
		assert.Equal(t, 80, cfg.MaxPoolSize)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("fails without required DATABASE_URL", func(t *testing.T) {
		os.Unsetenv("DATABASE_URL")
		os.Setenv("REDIS_URL", "redis://localhost:6379")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("redis url is optional", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Unsetenv("REDIS_URL")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Empty(t, cfg.RedisURL)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			MinPoolSize:               5,
			MaxPoolSize:               50,
			DefaultAllocateCount:      1,
			MaxAllocateCount:          10,
			ReplenishBatchSize:        10,
			ProvisionConcurrency:      3,
			MinRefreshIntervalMinutes: 60,
		}
	}

	t.Run("accepts defaults", func(t *testing.T) {
		assert.NoError(t, valid().Validate(false))
	})

	t.Run("rejects non-bcrypt admin token hash", func(t *testing.T) {
		cfg := valid()
		cfg.AdminTokenHash = "sha256:abcdef"
		err := cfg.Validate(false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ADMIN_TOKEN_HASH")
	})

	t.Run("accepts bcrypt admin token hash", func(t *testing.T) {
		cfg := valid()
		cfg.AdminTokenHash = "$2a$10$N9qo8uLOickgx2ZMRZoMye"
		cfg.ServiceToken = "0123456789abcdef0123456789abcdef"
		assert.NoError(t, cfg.Validate(true))
	})

	t.Run("rejects max below min pool size", func(t *testing.T) {
		cfg := valid()
		cfg.MinPoolSize = 20
		cfg.MaxPoolSize = 10
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects max allocate below default", func(t *testing.T) {
		cfg := valid()
		cfg.DefaultAllocateCount = 5
		cfg.MaxAllocateCount = 2
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects zero refresh interval", func(t *testing.T) {
		cfg := valid()
		cfg.MinRefreshIntervalMinutes = 0
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects short encryption key", func(t *testing.T) {
		cfg := valid()
		cfg.EncryptionKey = "abcdef"
		err := cfg.Validate(false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ENCRYPTION_KEY")
	})

	t.Run("accepts 64 hex char encryption key", func(t *testing.T) {
		cfg := valid()
		cfg.EncryptionKey = "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f"
		assert.NoError(t, cfg.Validate(false))
	})

	t.Run("production requires strong service token", func(t *testing.T) {
		cfg := valid()
		cfg.ServiceToken = "secret"
		err := cfg.Validate(true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SERVICE_TOKEN")
	})

	t.Run("production accepts strong service token", func(t *testing.T) {
		cfg := valid()
		cfg.ServiceToken = "0123456789abcdef0123456789abcdef"
		assert.NoError(t, cfg.Validate(true))
	})
}
