package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// UserService manages accounts in the primary store and login sessions in
// the sessions store. Sessions live in their own database file so a restore
// of the primary backup does not revive old tokens.
type UserService struct {
	client   *database.Client
	sessions *sqlx.DB
	audit    *AuditService

	sessionTTL time.Duration
}

func NewUserService(client *database.Client, sessions *sqlx.DB, audit *AuditService, sessionTTL time.Duration) *UserService {
	return &UserService{client: client, sessions: sessions, audit: audit, sessionTTL: sessionTTL}
}

// dummyHash is compared against when the username does not exist.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("loghive-no-such-user"), bcrypt.MinCost)

type userRow struct {
	ID           int64         `db:"id"`
	Username     string        `db:"username"`
	PasswordHash string        `db:"password_hash"`
	Role         string        `db:"role"`
	CreatedAt    int64         `db:"created_at"`
	LastLoginAt  sql.NullInt64 `db:"last_login_at"`
}

func (r userRow) model() models.User {
	u := models.User{
		ID:           r.ID,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		Role:         models.Role(r.Role),
		CreatedAt:    models.FromMillis(r.CreatedAt),
	}
	if r.LastLoginAt.Valid {
		t := models.FromMillis(r.LastLoginAt.Int64)
		u.LastLoginAt = &t
	}
	return u
}

// EnsureAdmin creates the admin account on first boot. When password is
// empty a random one is generated and logged once so the operator can sign
// in and change it.
func (s *UserService) EnsureAdmin(ctx context.Context, password string) error {
	var count int
	if err := s.client.Reader().GetContext(ctx, &count,
		`SELECT COUNT(*) FROM users WHERE username = 'admin'`); err != nil {
		return fmt.Errorf("failed to check admin account: %w", err)
	}
	if count > 0 {
		if password == "" {
			return nil
		}
		// AUTH_PASSWORD always wins so operators can recover a lost password.
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash admin password: %w", err)
		}
		if _, err := s.client.Writer().ExecContext(ctx,
			`UPDATE users SET password_hash = ? WHERE username = 'admin'`, hash); err != nil {
			return fmt.Errorf("failed to reset admin password: %w", err)
		}
		return nil
	}

	generated := false
	if password == "" {
		raw := make([]byte, 12)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("failed to generate admin password: %w", err)
		}
		password = hex.EncodeToString(raw)
		generated = true
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}
	_, err = s.client.Writer().ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, created_at) VALUES ('admin', ?, 'admin', ?)`,
		hash, models.ToMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to create admin account: %w", err)
	}
	if generated {
		slog.Warn("Generated admin password, change it after first login", "username", "admin", "password", password)
	} else {
		slog.Info("Admin account created", "username", "admin")
	}
	return nil
}

// Authenticate verifies credentials and returns the account. The bcrypt
// comparison runs even for unknown users to keep timing flat.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (models.User, error) {
	var row userRow
	err := s.client.Reader().GetContext(ctx, &row,
		`SELECT id, username, password_hash, role, created_at, last_login_at FROM users WHERE username = ?`,
		username)
	if errors.Is(err, sql.ErrNoRows) {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return models.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to look up user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(row.PasswordHash), []byte(password)) != nil {
		return models.User{}, ErrInvalidCredentials
	}

	now := models.ToMillis(time.Now())
	if _, err := s.client.Writer().ExecContext(ctx,
		`UPDATE users SET last_login_at = ? WHERE id = ?`, now, row.ID); err != nil {
		slog.Error("Failed to record last login", "user", username, "error", err)
	}
	return row.model(), nil
}

// Get returns a user by id.
func (s *UserService) Get(ctx context.Context, id int64) (models.User, error) {
	var row userRow
	err := s.client.Reader().GetContext(ctx, &row,
		`SELECT id, username, password_hash, role, created_at, last_login_at FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to load user: %w", err)
	}
	return row.model(), nil
}

// List returns all accounts ordered by username.
func (s *UserService) List(ctx context.Context) ([]models.User, error) {
	var rows []userRow
	if err := s.client.Reader().SelectContext(ctx, &rows,
		`SELECT id, username, password_hash, role, created_at, last_login_at FROM users ORDER BY username`); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	out := make([]models.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// Create adds an account. Usernames are unique.
func (s *UserService) Create(httpCtx context.Context, username, password string, role models.Role, actor, ip string) (models.User, error) {
	if username == "" {
		return models.User{}, NewValidationError("username", "required")
	}
	if len(password) < 8 {
		return models.User{}, NewValidationError("password", "must be at least 8 characters")
	}
	if !role.Valid() {
		return models.User{}, NewValidationError("role", "must be admin, user or viewer")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	res, err := s.client.Writer().ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, created_at) VALUES (?, ?, ?, ?)`,
		username, hash, string(role), models.ToMillis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrAlreadyExists
		}
		return models.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	id, _ := res.LastInsertId()

	s.audit.Record(httpCtx, actor, "users.create", fmt.Sprintf("users/%d", id), ip)
	return models.User{ID: id, Username: username, PasswordHash: string(hash), Role: role, CreatedAt: now.UTC()}, nil
}

// UpdateRole changes an account's role. The last admin cannot be demoted.
func (s *UserService) UpdateRole(httpCtx context.Context, id int64, role models.Role, actor, ip string) error {
	if !role.Valid() {
		return NewValidationError("role", "must be admin, user or viewer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.client.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		if err := tx.GetContext(ctx, &current, `SELECT role FROM users WHERE id = ?`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load user: %w", err)
		}
		if current == string(models.RoleAdmin) && role != models.RoleAdmin {
			var admins int
			if err := tx.GetContext(ctx, &admins, `SELECT COUNT(*) FROM users WHERE role = 'admin'`); err != nil {
				return fmt.Errorf("failed to count admins: %w", err)
			}
			if admins <= 1 {
				return NewValidationError("role", "cannot demote the last admin")
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE users SET role = ? WHERE id = ?`, string(role), id)
		return err
	})
	if err != nil {
		return err
	}

	s.audit.Record(httpCtx, actor, "users.update_role", fmt.Sprintf("users/%d", id), ip)
	return nil
}

// ChangePassword sets a new password and revokes the account's sessions so
// stolen tokens stop working.
func (s *UserService) ChangePassword(httpCtx context.Context, id int64, password, actor, ip string) error {
	if len(password) < 8 {
		return NewValidationError("password", "must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.client.Writer().ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`, hash, id)
	if err != nil {
		return fmt.Errorf("failed to change password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := s.sessions.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, id); err != nil {
		slog.Error("Failed to revoke sessions after password change", "user_id", id, "error", err)
	}

	s.audit.Record(httpCtx, actor, "users.change_password", fmt.Sprintf("users/%d", id), ip)
	return nil
}

// Delete removes an account and its sessions. The last admin cannot be
// deleted.
func (s *UserService) Delete(httpCtx context.Context, id int64, actor, ip string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.client.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		var role string
		if err := tx.GetContext(ctx, &role, `SELECT role FROM users WHERE id = ?`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load user: %w", err)
		}
		if role == string(models.RoleAdmin) {
			var admins int
			if err := tx.GetContext(ctx, &admins, `SELECT COUNT(*) FROM users WHERE role = 'admin'`); err != nil {
				return fmt.Errorf("failed to count admins: %w", err)
			}
			if admins <= 1 {
				return NewValidationError("id", "cannot delete the last admin")
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return err
	}
	if _, err := s.sessions.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, id); err != nil {
		slog.Error("Failed to delete sessions for removed user", "user_id", id, "error", err)
	}

	s.audit.Record(httpCtx, actor, "users.delete", fmt.Sprintf("users/%d", id), ip)
	return nil
}

// CreateSession records a login session keyed by the JWT ID.
func (s *UserService) CreateSession(ctx context.Context, token string, user models.User, ip string) (models.Session, error) {
	now := time.Now()
	expires := now.Add(s.sessionTTL)
	_, err := s.sessions.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, username, role, created_at, expires_at, ip) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token, user.ID, user.Username, string(user.Role), models.ToMillis(now), models.ToMillis(expires), ip)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return models.Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		CreatedAt: now.UTC(),
		ExpiresAt: expires.UTC(),
		IP:        ip,
	}, nil
}

// GetSession returns a live session or ErrSessionExpired.
func (s *UserService) GetSession(ctx context.Context, token string) (models.Session, error) {
	type sessionRow struct {
		Token     string `db:"token"`
		UserID    int64  `db:"user_id"`
		Username  string `db:"username"`
		Role      string `db:"role"`
		CreatedAt int64  `db:"created_at"`
		ExpiresAt int64  `db:"expires_at"`
		IP        string `db:"ip"`
	}
	var row sessionRow
	err := s.sessions.GetContext(ctx, &row,
		`SELECT token, user_id, username, role, created_at, expires_at, ip FROM sessions WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrSessionExpired
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	if models.FromMillis(row.ExpiresAt).Before(time.Now()) {
		return models.Session{}, ErrSessionExpired
	}
	return models.Session{
		Token:     row.Token,
		UserID:    row.UserID,
		Username:  row.Username,
		Role:      models.Role(row.Role),
		CreatedAt: models.FromMillis(row.CreatedAt),
		ExpiresAt: models.FromMillis(row.ExpiresAt),
		IP:        row.IP,
	}, nil
}

// DeleteSession revokes a session on logout.
func (s *UserService) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.sessions.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// PurgeExpiredSessions drops sessions past their expiry. Called from the
// maintenance loop.
func (s *UserService) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.sessions.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`, models.ToMillis(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
