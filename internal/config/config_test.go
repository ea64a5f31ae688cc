package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "inspect-session", cfg.App.Name)
	assert.Equal(t, time.Minute, cfg.Refresh.PollInterval())
	assert.Equal(t, 5, cfg.Refresh.Attempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Refresh.BackoffInitial())
	assert.Equal(t, 30*time.Second, cfg.Refresh.BackoffMax())
	assert.True(t, cfg.Refresh.Jitter)
	assert.Equal(t, "tokenRefreshLock", cfg.Lock.Key)
	assert.Equal(t, 20, cfg.Lock.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Lock.Settle())
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "127.0.0.1:4000", cfg.API.EndpointURL().Host)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("API_ENDPOINT", "https://api.example.com")
	t.Setenv("REFRESH_ATTEMPTS", "3")
	t.Setenv("REFRESH_BACKOFF_JITTER", "false")
	t.Setenv("STORAGE_DRIVER", "redis")
	t.Setenv("LOCK_MODE", "redis")
	t.Setenv("REDIS_DB", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "api.example.com", cfg.API.EndpointURL().Host)
	assert.Equal(t, 3, cfg.Refresh.Attempts)
	assert.False(t, cfg.Refresh.Jitter)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 120*time.Second, cfg.Lock.Lease())
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("REFRESH_ATTEMPTS", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Refresh.Attempts)
}

func TestLoadRejectsBadRedisDB(t *testing.T) {
	t.Setenv("REDIS_DB", "x")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "ftp scheme", mutate: func(c *Config) { c.API.Endpoint = "ftp://host" }, wantErr: true},
		{name: "missing host", mutate: func(c *Config) { c.API.Endpoint = "http://" }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "sqlite" }, wantErr: true},
		{name: "redis lock without redis storage", mutate: func(c *Config) { c.Lock.Mode = "redis" }, wantErr: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				API:     APIConfig{Endpoint: "http://localhost:4000"},
				Storage: StorageConfig{Driver: "memory"},
				Lock:    LockConfig{Mode: "storage"},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
