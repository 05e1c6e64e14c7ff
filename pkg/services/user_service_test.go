package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/models"
)

func setupUserService(t *testing.T) *UserService {
	t.Helper()

	client, audit := setupClient(t)
	sessions := setupSessionsStore(t)
	return NewUserService(client, sessions, audit, time.Hour)
}

func TestUserService_EnsureAdmin(t *testing.T) {
	ctx := context.Background()

	t.Run("creates admin with explicit password", func(t *testing.T) {
		svc := setupUserService(t)
		require.NoError(t, svc.EnsureAdmin(ctx, "hunter2hunter2"))

		user, err := svc.Authenticate(ctx, "admin", "hunter2hunter2")
		require.NoError(t, err)
		assert.Equal(t, "admin", user.Username)
		assert.Equal(t, models.RoleAdmin, user.Role)
	})

	t.Run("creates admin with generated password when none given", func(t *testing.T) {
		svc := setupUserService(t)
		require.NoError(t, svc.EnsureAdmin(ctx, ""))

		users, err := svc.List(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "admin", users[0].Username)
	})

	t.Run("is idempotent", func(t *testing.T) {
		svc := setupUserService(t)
		require.NoError(t, svc.EnsureAdmin(ctx, "hunter2hunter2"))
		require.NoError(t, svc.EnsureAdmin(ctx, ""))

		users, err := svc.List(ctx)
		require.NoError(t, err)
		assert.Len(t, users, 1)
	})

	t.Run("resets password when one is supplied on a later boot", func(t *testing.T) {
		svc := setupUserService(t)
		require.NoError(t, svc.EnsureAdmin(ctx, "firstpassword"))
		require.NoError(t, svc.EnsureAdmin(ctx, "secondpassword"))

		_, err := svc.Authenticate(ctx, "admin", "firstpassword")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		_, err = svc.Authenticate(ctx, "admin", "secondpassword")
		assert.NoError(t, err)
	})
}

func TestUserService_Authenticate(t *testing.T) {
	ctx := context.Background()
	svc := setupUserService(t)
	require.NoError(t, svc.EnsureAdmin(ctx, "correct-password"))

	t.Run("accepts correct credentials and stamps last login", func(t *testing.T) {
		user, err := svc.Authenticate(ctx, "admin", "correct-password")
		require.NoError(t, err)

		reloaded, err := svc.Get(ctx, user.ID)
		require.NoError(t, err)
		require.NotNil(t, reloaded.LastLoginAt)
	})

	t.Run("rejects wrong password", func(t *testing.T) {
		_, err := svc.Authenticate(ctx, "admin", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("rejects unknown user", func(t *testing.T) {
		_, err := svc.Authenticate(ctx, "nobody", "whatever")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestUserService_Create(t *testing.T) {
	ctx := context.Background()
	svc := setupUserService(t)

	t.Run("creates a user", func(t *testing.T) {
		user, err := svc.Create(ctx, "alice", "a-long-password", models.RoleUser, "admin", "127.0.0.1")
		require.NoError(t, err)
		assert.NotZero(t, user.ID)
		assert.Equal(t, models.RoleUser, user.Role)

		_, err = svc.Authenticate(ctx, "alice", "a-long-password")
		assert.NoError(t, err)
	})

	t.Run("rejects duplicate username", func(t *testing.T) {
		_, err := svc.Create(ctx, "alice", "another-password", models.RoleViewer, "admin", "127.0.0.1")
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	tests := []struct {
		name     string
		username string
		password string
		role     models.Role
		field    string
	}{
		{"empty username", "", "longenoughpw", models.RoleUser, "username"},
		{"short password", "bob", "short", models.RoleUser, "password"},
		{"bad role", "bob", "longenoughpw", models.Role("owner"), "role"},
	}
	for _, tt := range tests {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.username, tt.password, tt.role, "admin", "127.0.0.1")
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestUserService_LastAdminGuards(t *testing.T) {
	ctx := context.Background()
	svc := setupUserService(t)
	require.NoError(t, svc.EnsureAdmin(ctx, "admin-password"))

	admin, err := svc.Authenticate(ctx, "admin", "admin-password")
	require.NoError(t, err)

	t.Run("cannot demote the last admin", func(t *testing.T) {
		err := svc.UpdateRole(ctx, admin.ID, models.RoleUser, "admin", "")
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("cannot delete the last admin", func(t *testing.T) {
		err := svc.Delete(ctx, admin.ID, "admin", "")
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("demotion allowed once a second admin exists", func(t *testing.T) {
		second, err := svc.Create(ctx, "root2", "another-admin-pw", models.RoleAdmin, "admin", "")
		require.NoError(t, err)

		require.NoError(t, svc.UpdateRole(ctx, second.ID, models.RoleViewer, "admin", ""))
		reloaded, err := svc.Get(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RoleViewer, reloaded.Role)
	})
}

func TestUserService_Sessions(t *testing.T) {
	ctx := context.Background()
	svc := setupUserService(t)
	require.NoError(t, svc.EnsureAdmin(ctx, "admin-password"))
	admin, err := svc.Authenticate(ctx, "admin", "admin-password")
	require.NoError(t, err)

	t.Run("create and fetch", func(t *testing.T) {
		created, err := svc.CreateSession(ctx, "token-1", admin, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, admin.ID, created.UserID)

		got, err := svc.GetSession(ctx, "token-1")
		require.NoError(t, err)
		assert.Equal(t, "admin", got.Username)
		assert.Equal(t, models.RoleAdmin, got.Role)
		assert.Equal(t, "10.0.0.1", got.IP)
	})

	t.Run("unknown token reads as expired", func(t *testing.T) {
		_, err := svc.GetSession(ctx, "no-such-token")
		assert.ErrorIs(t, err, ErrSessionExpired)
	})

	t.Run("delete revokes", func(t *testing.T) {
		_, err := svc.CreateSession(ctx, "token-2", admin, "")
		require.NoError(t, err)
		require.NoError(t, svc.DeleteSession(ctx, "token-2"))

		_, err = svc.GetSession(ctx, "token-2")
		assert.ErrorIs(t, err, ErrSessionExpired)
	})

	t.Run("password change revokes all sessions", func(t *testing.T) {
		_, err := svc.CreateSession(ctx, "token-3", admin, "")
		require.NoError(t, err)

		require.NoError(t, svc.ChangePassword(ctx, admin.ID, "a-new-password", "admin", ""))
		_, err = svc.GetSession(ctx, "token-3")
		assert.ErrorIs(t, err, ErrSessionExpired)
	})
}

func TestUserService_PurgeExpiredSessions(t *testing.T) {
	ctx := context.Background()
	client, audit := setupClient(t)
	sessions := setupSessionsStore(t)
	// Negative TTL backdates every session so the purge sees it as expired.
	svc := NewUserService(client, sessions, audit, -time.Minute)

	require.NoError(t, svc.EnsureAdmin(ctx, "admin-password"))
	admin, err := svc.Authenticate(ctx, "admin", "admin-password")
	require.NoError(t, err)

	_, err = svc.CreateSession(ctx, "stale", admin, "")
	require.NoError(t, err)

	_, err = svc.GetSession(ctx, "stale")
	assert.ErrorIs(t, err, ErrSessionExpired)

	purged, err := svc.PurgeExpiredSessions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}
