package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entity-registry/internal/config"
	"entity-registry/internal/db"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := config.Load(false)
	require.NoError(t, err)

	assert.Equal(t, config.StoreMemory, cfg.StoreDriver)
	assert.Equal(t, 5, cfg.Auth.LockThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Auth.LockDuration)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.True(t, cfg.Auth.RequireEmailVerification)
	assert.Equal(t, 10, cfg.LoginRateLimitMax)
	assert.Equal(t, time.Minute, cfg.LoginRateLimitWindow)

	_, ok := cfg.Dialect()
	assert.False(t, ok)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/auth.db")
	t.Setenv("AUTH_LOCK_THRESHOLD", "3")
	t.Setenv("AUTH_LOCK_DURATION_MINUTES", "15")
	t.Setenv("AUTH_REQUIRE_EMAIL_VERIFICATION", "off")
	t.Setenv("AUTH_PASSWORD_COMPLEXITY_REQUIRED", "yes")
	t.Setenv("AUTH_MIN_PASSWORD_LENGTH", "not-a-number")

	cfg, err := config.Load(false)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Auth.LockThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Auth.LockDuration)
	assert.False(t, cfg.Auth.RequireEmailVerification)
	assert.True(t, cfg.Auth.PasswordComplexityRequired)
	assert.Equal(t, 8, cfg.Auth.MinPasswordLength)

	dialect, ok := cfg.Dialect()
	require.True(t, ok)
	assert.Equal(t, db.SQLite, dialect)
	assert.Equal(t, "/tmp/auth.db", cfg.DSN())
}

func TestLoadValidation(t *testing.T) {
	t.Run("jwt secret is required", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		t.Setenv("STORE_DRIVER", "memory")
		_, err := config.Load(false)
		assert.ErrorContains(t, err, "JWT_SECRET")
	})

	t.Run("postgres needs a database url", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("STORE_DRIVER", "postgres")
		t.Setenv("DATABASE_URL", "")
		_, err := config.Load(false)
		assert.ErrorContains(t, err, "DATABASE_URL")
	})

	t.Run("driver aliases share the dialect parser", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("DATABASE_URL", "postgres://localhost/auth")
		for input, want := range map[string]db.Dialect{"pgx": db.Postgres, "PostgreSQL": db.Postgres, "sqlite3": db.SQLite} {
			t.Setenv("STORE_DRIVER", input)
			cfg, err := config.Load(false)
			require.NoError(t, err, input)
			dialect, ok := cfg.Dialect()
			require.True(t, ok, input)
			assert.Equal(t, want, dialect, input)
			assert.Equal(t, string(want), cfg.StoreDriver, input)
		}
	})

	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("STORE_DRIVER", "mongo")
		_, err := config.Load(false)
		assert.ErrorContains(t, err, "STORE_DRIVER")
	})
}

func TestEnvBoolOrDefault(t *testing.T) {
	t.Setenv("FLAG_ON", "TRUE")
	t.Setenv("FLAG_OFF", "0")
	t.Setenv("FLAG_JUNK", "maybe")

	assert.True(t, config.EnvBoolOrDefault("FLAG_ON", false))
	assert.False(t, config.EnvBoolOrDefault("FLAG_OFF", true))
	assert.True(t, config.EnvBoolOrDefault("FLAG_JUNK", true))
	assert.False(t, config.EnvBoolOrDefault("FLAG_UNSET_FOR_TEST", false))
}
