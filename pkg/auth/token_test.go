package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/models"
)

func testUser() models.User {
	return models.User{ID: 7, Username: "ops", Role: models.RoleAdmin}
}

func TestTokens_MintVerify(t *testing.T) {
	tokens := NewTokens("test-secret", time.Hour)

	signed, err := tokens.Mint(testUser(), time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	claims, err := tokens.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Username)
	assert.Equal(t, models.RoleAdmin, claims.Role)
	assert.Equal(t, int64(7), claims.UserID())
}

func TestTokens_RejectsExpired(t *testing.T) {
	tokens := NewTokens("test-secret", time.Hour)

	signed, err := tokens.Mint(testUser(), time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	_, err = tokens.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_RejectsWrongSecret(t *testing.T) {
	minter := NewTokens("secret-a", time.Hour)
	verifier := NewTokens("secret-b", time.Hour)

	signed, err := minter.Mint(testUser(), time.Now())
	require.NoError(t, err)

	_, err = verifier.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_RejectsGarbage(t *testing.T) {
	tokens := NewTokens("test-secret", time.Hour)

	_, err := tokens.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
