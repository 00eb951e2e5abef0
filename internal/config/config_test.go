package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_SIGNING_SECRET", "secret")
	t.Setenv("STORE_DRIVER", StoreDriverMemory)

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 168*time.Hour, cfg.Auth.RefreshTTL)
	assert.Equal(t, 5, cfg.Auth.LockoutThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Auth.LockoutDuration)
	assert.Equal(t, 10, cfg.Login.RateLimitMax)
	assert.Equal(t, time.Minute, cfg.Login.RateLimitWindow)
	assert.False(t, cfg.HTTP.TrustProxy)
	assert.Equal(t, 336*time.Hour, cfg.Cleanup.RefreshRetention)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AUTH_SIGNING_SECRET", "secret")
	t.Setenv("DB_URL", "postgres://localhost:5432/records")
	t.Setenv("AUTH_ACCESS_TTL", "5m")
	t.Setenv("AUTH_LOCKOUT_THRESHOLD", "3")
	t.Setenv("AUTH_LOCKOUT_DURATION", "1h")
	t.Setenv("ADMIN_EMAIL", "root@x.com")
	t.Setenv("RUN_MIGRATIONS", "true")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("HTTP_TRUST_PROXY", "true")

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, StoreDriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost:5432/records", cfg.DB.URL)
	assert.Equal(t, 5*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 3, cfg.Auth.LockoutThreshold)
	assert.Equal(t, time.Hour, cfg.Auth.LockoutDuration)
	assert.Equal(t, "root@x.com", cfg.Admin.Email)
	assert.True(t, cfg.RunMigrations)
	assert.True(t, cfg.Log.Pretty)
	assert.True(t, cfg.HTTP.TrustProxy)
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: memory
auth:
  signing_secret: from-file
  issuer: file-issuer
  refresh_ttl: 24h
`), 0o600))

	t.Setenv("AUTH_ISSUER", "env-issuer")

	cfg, err := Load(Options{File: path})
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Auth.SigningSecret)
	assert.Equal(t, "env-issuer", cfg.Auth.Issuer)
	assert.Equal(t, 24*time.Hour, cfg.Auth.RefreshTTL)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{"STORE_DRIVER": StoreDriverMemory}},
		{"postgres without url", map[string]string{"AUTH_SIGNING_SECRET": "s"}},
		{"unknown driver", map[string]string{"AUTH_SIGNING_SECRET": "s", "STORE_DRIVER": "redis"}},
		{"access ttl too long", map[string]string{
			"AUTH_SIGNING_SECRET": "s", "STORE_DRIVER": StoreDriverMemory,
			"AUTH_ACCESS_TTL": "200h",
		}},
		{"zero threshold", map[string]string{
			"AUTH_SIGNING_SECRET": "s", "STORE_DRIVER": StoreDriverMemory,
			"AUTH_LOCKOUT_THRESHOLD": "0",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(Options{})
			assert.Error(t, err)
		})
	}
}
