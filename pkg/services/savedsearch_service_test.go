package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/models"
)

func TestSavedSearchService_CRUD(t *testing.T) {
	ctx := context.Background()
	client, audit := setupClient(t)
	svc := NewSavedSearchService(client, audit)

	filter := json.RawMessage(`{"levels":["error"],"text":"timeout"}`)

	created, err := svc.Create(ctx, "alice", "errors", "prod error triage", filter, models.VisibilityPrivate, "")
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, models.VisibilityPrivate, created.Visibility)

	t.Run("owner reads it back", func(t *testing.T) {
		got, err := svc.Get(ctx, created.ID, "alice", false)
		require.NoError(t, err)
		assert.Equal(t, "errors", got.Name)
		assert.JSONEq(t, string(filter), string(got.Filter))
	})

	t.Run("another user cannot see a private search", func(t *testing.T) {
		_, err := svc.Get(ctx, created.ID, "bob", false)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("admin sees everything", func(t *testing.T) {
		_, err := svc.Get(ctx, created.ID, "root", true)
		assert.NoError(t, err)
	})

	t.Run("update flips visibility", func(t *testing.T) {
		updated, err := svc.Update(ctx, created.ID, "alice", false, "", "", nil, models.VisibilityPublic, "")
		require.NoError(t, err)
		assert.Equal(t, models.VisibilityPublic, updated.Visibility)
		assert.Equal(t, "errors", updated.Name, "empty name keeps the old one")

		_, err = svc.Get(ctx, created.ID, "bob", false)
		assert.NoError(t, err, "public searches are visible to all")
	})

	t.Run("non-owner cannot update or delete", func(t *testing.T) {
		_, err := svc.Update(ctx, created.ID, "bob", false, "stolen", "", nil, "", "")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, svc.Delete(ctx, created.ID, "bob", false, ""), ErrNotFound)
	})

	t.Run("touch use bumps counters", func(t *testing.T) {
		svc.TouchUse(created.ID)
		svc.TouchUse(created.ID)

		got, err := svc.Get(ctx, created.ID, "alice", false)
		require.NoError(t, err)
		assert.EqualValues(t, 2, got.UseCount)
		assert.NotNil(t, got.LastUsedAt)
	})

	t.Run("owner deletes", func(t *testing.T) {
		require.NoError(t, svc.Delete(ctx, created.ID, "alice", false, ""))
		_, err := svc.Get(ctx, created.ID, "alice", false)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSavedSearchService_List(t *testing.T) {
	ctx := context.Background()
	client, audit := setupClient(t)
	svc := NewSavedSearchService(client, audit)

	filter := json.RawMessage(`{}`)
	_, err := svc.Create(ctx, "alice", "mine", "", filter, models.VisibilityPrivate, "")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "alice", "shared", "", filter, models.VisibilityPublic, "")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "bob", "bobs-own", "", filter, models.VisibilityPrivate, "")
	require.NoError(t, err)

	t.Run("user sees own plus public", func(t *testing.T) {
		list, err := svc.List(ctx, "alice", false)
		require.NoError(t, err)
		require.Len(t, list, 2)

		list, err = svc.List(ctx, "bob", false)
		require.NoError(t, err)
		require.Len(t, list, 2)

		names := []string{list[0].Name, list[1].Name}
		assert.Contains(t, names, "bobs-own")
		assert.Contains(t, names, "shared")
	})

	t.Run("admin sees all", func(t *testing.T) {
		list, err := svc.List(ctx, "root", true)
		require.NoError(t, err)
		assert.Len(t, list, 3)
	})
}

func TestSavedSearchService_Validation(t *testing.T) {
	ctx := context.Background()
	client, audit := setupClient(t)
	svc := NewSavedSearchService(client, audit)

	filter := json.RawMessage(`{}`)

	t.Run("name unique per owner, not globally", func(t *testing.T) {
		_, err := svc.Create(ctx, "alice", "same", "", filter, models.VisibilityPrivate, "")
		require.NoError(t, err)
		_, err = svc.Create(ctx, "alice", "same", "", filter, models.VisibilityPrivate, "")
		assert.ErrorIs(t, err, ErrAlreadyExists)

		_, err = svc.Create(ctx, "bob", "same", "", filter, models.VisibilityPrivate, "")
		assert.NoError(t, err, "different owners may reuse a name")
	})

	tests := []struct {
		name       string
		search     string
		filter     json.RawMessage
		visibility models.Visibility
	}{
		{"empty name", "", filter, models.VisibilityPrivate},
		{"invalid filter json", "x", json.RawMessage(`{broken`), models.VisibilityPrivate},
		{"unknown visibility", "y", filter, models.Visibility("org")},
	}
	for _, tt := range tests {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, "alice", tt.search, "", tt.filter, tt.visibility, "")
			assert.True(t, IsValidationError(err))
		})
	}
}
