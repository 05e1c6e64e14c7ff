package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/models"
)

func TestAPIKeyService_CreateAndVerify(t *testing.T) {
	ctx := context.Background()
	client, audit := setupClient(t)
	svc := NewAPIKeyService(client, audit)

	key, cleartext, err := svc.Create(ctx, "ci-ingest", models.RoleUser, "admin", "127.0.0.1")
	require.NoError(t, err)
	assert.NotZero(t, key.ID)
	assert.True(t, strings.HasPrefix(cleartext, "lh_"), "keys carry the lh_ prefix")
	assert.True(t, key.Enabled)

	t.Run("verify accepts the issued key and stamps usage", func(t *testing.T) {
		got, err := svc.Verify(ctx, cleartext)
		require.NoError(t, err)
		assert.Equal(t, key.ID, got.ID)
		assert.Equal(t, models.RoleUser, got.Role)

		keys, err := svc.List(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.NotNil(t, keys[0].LastUsedAt)
	})

	t.Run("verify rejects an unknown key", func(t *testing.T) {
		_, err := svc.Verify(ctx, "lh_not-a-real-key")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("disabled keys stop verifying", func(t *testing.T) {
		require.NoError(t, svc.SetEnabled(ctx, key.ID, false, "admin", ""))
		_, err := svc.Verify(ctx, cleartext)
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		require.NoError(t, svc.SetEnabled(ctx, key.ID, true, "admin", ""))
		_, err = svc.Verify(ctx, cleartext)
		assert.NoError(t, err)
	})

	t.Run("deleted keys stop verifying", func(t *testing.T) {
		require.NoError(t, svc.Delete(ctx, key.ID, "admin", ""))
		_, err := svc.Verify(ctx, cleartext)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestAPIKeyService_Validation(t *testing.T) {
	ctx := context.Background()
	client, audit := setupClient(t)
	svc := NewAPIKeyService(client, audit)

	t.Run("rejects empty name", func(t *testing.T) {
		_, _, err := svc.Create(ctx, "", models.RoleUser, "admin", "")
		assert.True(t, IsValidationError(err))
	})

	t.Run("rejects unknown role", func(t *testing.T) {
		_, _, err := svc.Create(ctx, "k", models.Role("root"), "admin", "")
		assert.True(t, IsValidationError(err))
	})

	t.Run("rejects duplicate name", func(t *testing.T) {
		_, _, err := svc.Create(ctx, "dup", models.RoleViewer, "admin", "")
		require.NoError(t, err)
		_, _, err = svc.Create(ctx, "dup", models.RoleViewer, "admin", "")
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("missing key id surfaces not found", func(t *testing.T) {
		assert.ErrorIs(t, svc.SetEnabled(ctx, 9999, false, "admin", ""), ErrNotFound)
		assert.ErrorIs(t, svc.Delete(ctx, 9999, "admin", ""), ErrNotFound)
	})
}
