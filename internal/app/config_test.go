package app

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-jwt-secret")
	t.Setenv("OAUTH_TOKEN_KEY", strings.Repeat("k", 32))
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 30*time.Minute, cfg.AccessTokenTTL)
	require.Equal(t, 15*time.Minute, cfg.TokenRefreshWindow)
	require.False(t, cfg.IsProduction())

	// The state secret falls back to the JWT secret when unset.
	require.Equal(t, "test-jwt-secret", cfg.OAuthStateSecret)
}

func TestLoadConfigRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("OAUTH_TOKEN_KEY", strings.Repeat("k", 32))

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigTokenKeyLength(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-jwt-secret")
	t.Setenv("OAUTH_TOKEN_KEY", "short")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigProduction(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("OAUTH_STATE_SECRET", "dedicated-state-secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, "dedicated-state-secret", cfg.OAuthStateSecret)
}
