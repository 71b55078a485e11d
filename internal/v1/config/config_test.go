package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unsetEnv removes a variable for the duration of the test; t.Setenv first so
// the original value is restored on cleanup.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

// setValidEnv sets the minimum viable environment; tests override per case.
func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PORT", "8080")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017/classkit")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JWT_SECRET", strings.Repeat("a", 32))
	t.Setenv("REFRESH_SECRET", strings.Repeat("b", 32))
	// Clear optionals that may leak in from the host environment.
	for _, key := range []string{
		"STUN_SERVERS", "TURN_SERVER", "TURN_USERNAME", "TURN_PASSWORD",
		"MEETING_TTL", "STATS_SYNC_INTERVAL_MS", "GO_ENV", "LOG_LEVEL",
		"RATE_LIMIT_GENERAL", "RATE_LIMIT_AUTH", "RATE_LIMIT_HEAVY",
		"ACCESS_TOKEN_TTL", "REFRESH_TOKEN_TTL",
	} {
		unsetEnv(t, key)
	}
}

func TestValidateEnvAppliesDefaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []string{"stun.l.google.com:19302"}, cfg.StunServers)
	assert.Equal(t, 4*time.Hour, cfg.MeetingTTL)
	assert.Equal(t, 5*time.Minute, cfg.StatsSyncInterval)
	assert.Equal(t, "production", cfg.GoEnv)
	assert.False(t, cfg.DevelopmentMode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "100-15M", cfg.RateLimitGeneral)
	assert.Equal(t, "20-15M", cfg.RateLimitAuth)
	assert.Equal(t, 7*24*time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.RefreshTokenTTL)
}

func TestValidateEnvListsEveryMissingVariable(t *testing.T) {
	setValidEnv(t)
	for _, key := range []string{"PORT", "MONGO_URI", "REDIS_ADDR", "JWT_SECRET", "REFRESH_SECRET"} {
		unsetEnv(t, key)
	}

	_, err := ValidateEnv()
	require.Error(t, err)
	for _, want := range []string{
		"PORT is required",
		"MONGO_URI is required",
		"REDIS_ADDR is required",
		"JWT_SECRET is required",
		"REFRESH_SECRET is required",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateEnvRejectsBadPort(t *testing.T) {
	setValidEnv(t)
	t.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT must be a valid port number")
}

func TestValidateEnvRejectsShortSecrets(t *testing.T) {
	setValidEnv(t)
	t.Setenv("JWT_SECRET", "short")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET must be at least 32 characters")
}

func TestValidateEnvRejectsBadRedisAddr(t *testing.T) {
	setValidEnv(t)
	t.Setenv("REDIS_ADDR", "no-port-here")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR must be in format 'host:port'")
}

func TestValidateEnvRejectsBadStunEntry(t *testing.T) {
	setValidEnv(t)
	t.Setenv("STUN_SERVERS", "stun.example.com:3478, bogus")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STUN_SERVERS entry must be in format 'host:port'")
}

func TestValidateEnvParsesStunList(t *testing.T) {
	setValidEnv(t)
	t.Setenv("STUN_SERVERS", "stun1.example.com:3478, stun2.example.com:3478")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"stun1.example.com:3478", "stun2.example.com:3478"}, cfg.StunServers)
}

func TestTurnServerRequiresCredentials(t *testing.T) {
	setValidEnv(t)
	t.Setenv("TURN_SERVER", "turn.example.com:3478")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TURN_USERNAME and TURN_PASSWORD are required")

	t.Setenv("TURN_USERNAME", "relay")
	t.Setenv("TURN_PASSWORD", "secret")
	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, "turn.example.com:3478", cfg.TurnServer)
}

func TestStatsSyncIntervalLowerBound(t *testing.T) {
	setValidEnv(t)
	t.Setenv("STATS_SYNC_INTERVAL_MS", "500")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STATS_SYNC_INTERVAL_MS must be an integer >= 1000")

	t.Setenv("STATS_SYNC_INTERVAL_MS", "60000")
	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.StatsSyncInterval)
}

func TestDevelopmentModeFlag(t *testing.T) {
	setValidEnv(t)
	t.Setenv("GO_ENV", "development")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.True(t, cfg.DevelopmentMode)
}

func TestMeetingTTLOverride(t *testing.T) {
	setValidEnv(t)
	t.Setenv("MEETING_TTL", "3600")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.MeetingTTL)

	t.Setenv("MEETING_TTL", "zero")
	_, err = ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEETING_TTL must be a positive integer")
}

func TestIsValidHostPort(t *testing.T) {
	assert.True(t, isValidHostPort("localhost:6379"))
	assert.True(t, isValidHostPort("10.0.0.1:1"))
	assert.False(t, isValidHostPort("localhost"))
	assert.False(t, isValidHostPort(":6379"))
	assert.False(t, isValidHostPort("host:0"))
	assert.False(t, isValidHostPort("host:notaport"))
}

func TestRedactSecret(t *testing.T) {
	assert.Equal(t, "***", redactSecret("short"))
	assert.Equal(t, "abcdefgh***", redactSecret("abcdefghijklmnop"))
}
