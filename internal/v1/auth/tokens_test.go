package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/classkit/backend-go/internal/v1/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testAccessSecret  = "access-secret-0123456789-0123456789"
	testRefreshSecret = "refresh-secret-0123456789-0123456789"
)

func newTestTokens(t *testing.T) *Tokens {
	tk, err := NewTokens(testAccessSecret, testRefreshSecret, 0, 0)
	require.NoError(t, err)
	return tk
}

func TestNewTokensRejectsShortSecrets(t *testing.T) {
	_, err := NewTokens("short", testRefreshSecret, 0, 0)
	assert.Error(t, err)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	tk := newTestTokens(t)

	raw, err := tk.IssueAccessToken("u1", "Teacher")
	require.NoError(t, err)

	id, err := tk.ParseAccessToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, wire.RoleTeacher, id.Role)
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	tk := newTestTokens(t)

	raw, err := tk.IssueRefreshToken("u2")
	require.NoError(t, err)

	userID, err := tk.ParseRefreshToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "u2", userID)

	// A refresh token is not a valid access token.
	_, err = tk.ParseAccessToken(raw)
	assert.Error(t, err)
}

func TestExpiredDistinguishedFromInvalid(t *testing.T) {
	tk := newTestTokens(t)

	raw, err := tk.IssueAccessToken("u1", "Student")
	require.NoError(t, err)

	// Move the clock past expiry.
	tk.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	_, err = tk.ParseAccessToken(raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, wire.ErrTokenExpired))

	// A mangled token is invalid, not expired.
	mangled := strings.TrimSuffix(raw, raw[len(raw)-4:]) + "AAAA"
	_, err = tk.ParseAccessToken(mangled)
	require.Error(t, err)
	assert.False(t, errors.Is(err, wire.ErrTokenExpired))
}

func TestWrongSecretRejected(t *testing.T) {
	tk := newTestTokens(t)
	other, err := NewTokens("another-secret-0123456789-0123456789", testRefreshSecret, 0, 0)
	require.NoError(t, err)

	raw, err := tk.IssueAccessToken("u1", "Admin")
	require.NoError(t, err)

	_, err = other.ParseAccessToken(raw)
	assert.Error(t, err)
}
