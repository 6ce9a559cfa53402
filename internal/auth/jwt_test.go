package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParsePair(t *testing.T) {
	tm := NewTokenManager("test-secret", "escrow-backend", 15*time.Minute, 24*time.Hour)

	access, refresh, exp, err := tm.GeneratePair("user-1", "user")
	require.NoError(t, err)
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)
	assert.True(t, exp.After(time.Now()))

	claims, err := tm.ParseAccess(access)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "user", claims.Role)

	rc, err := tm.ParseRefresh(refresh)
	require.NoError(t, err)
	assert.Equal(t, "user-1", rc.UserID)
}

func TestTokenTypeEnforced(t *testing.T) {
	tm := NewTokenManager("test-secret", "escrow-backend", 15*time.Minute, 24*time.Hour)
	access, refresh, _, err := tm.GeneratePair("user-1", "user")
	require.NoError(t, err)

	_, err = tm.ParseAccess(refresh)
	assert.Error(t, err)
	_, err = tm.ParseRefresh(access)
	assert.Error(t, err)
}

func TestWrongSecretRejected(t *testing.T) {
	tm := NewTokenManager("secret-a", "escrow-backend", 15*time.Minute, 24*time.Hour)
	other := NewTokenManager("secret-b", "escrow-backend", 15*time.Minute, 24*time.Hour)

	access, _, _, err := tm.GeneratePair("user-1", "user")
	require.NoError(t, err)
	_, err = other.ParseAccess(access)
	assert.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	tm := NewTokenManager("test-secret", "escrow-backend", -time.Minute, 24*time.Hour)
	access, _, _, err := tm.GeneratePair("user-1", "user")
	require.NoError(t, err)

	_, err = tm.ParseAccess(access)
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret!")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret!", hash)

	assert.NoError(t, VerifyPassword("s3cret!", hash))
	assert.Error(t, VerifyPassword("wrong", hash))
}
