package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STATE_BACKEND", "")
	t.Setenv("ADMIN_NAME", "")

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, DevelopmentSecret, cfg.JWTSecret)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 168*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, 10, cfg.LoginRateLimitMax)
	assert.Equal(t, 10*time.Minute, cfg.LoginRateLimitWindow)
	assert.Equal(t, 5, cfg.MaxFailedAttempts)
	assert.Equal(t, 15*time.Minute, cfg.LockoutDuration)
	assert.Equal(t, "memory", cfg.StateBackend)
	assert.Equal(t, "Administrator", cfg.AdminName)
	assert.Equal(t, 30*time.Minute, cfg.DBConnMaxLifetime)
	assert.False(t, cfg.NeedsDatabase())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("MAX_FAILED_ATTEMPTS", "3")
	t.Setenv("LOGIN_RATE_LIMIT_WINDOW_SECONDS", "60")
	t.Setenv("LOGIN_RATE_LIMIT_MAX", "not-a-number")

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 3, cfg.MaxFailedAttempts)
	assert.Equal(t, time.Minute, cfg.LoginRateLimitWindow)
	assert.Equal(t, 10, cfg.LoginRateLimitMax)
}

func TestLoadFailsClosedInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "  ")

	_, err := Load(Options{})
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestLoadRejectsBackendWithoutURL(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("STATE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "")

	_, err := Load(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestResolveSecret(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		value       string
		want        string
		wantErr     error
	}{
		{name: "configured", environment: "production", value: "abc", want: "abc"},
		{name: "staging without secret", environment: "staging", wantErr: ErrMissingSecret},
		{name: "development fallback", environment: "development", want: DevelopmentSecret},
		{name: "test fallback", environment: "test", value: " ", want: DevelopmentSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveSecret(tt.environment, tt.value)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
