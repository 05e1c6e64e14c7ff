package models

import "time"

// Role controls API authorization. Admin manages rules, settings, keys and
// retention; User owns saved searches and queries; Viewer is read-only.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleAdmin, RoleUser, RoleViewer:
		return Role(s), true
	}
	return "", false
}

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	_, ok := ParseRole(string(r))
	return ok
}

// CanWrite reports whether the role may mutate resources it owns.
func (r Role) CanWrite() bool {
	return r == RoleAdmin || r == RoleUser
}

// User is an API account. PasswordHash is bcrypt and never serialized.
type User struct {
	ID           int64      `json:"id" db:"id"`
	Username     string     `json:"username" db:"username"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Role         Role       `json:"role" db:"role"`
	CreatedAt    time.Time  `json:"created_at" db:"-"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"-"`
}

// Session is a server-side login session, persisted in the dedicated
// sessions store so that restarts keep users logged in.
type Session struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IP        string    `json:"ip,omitempty"`
}

// APIKey authenticates programmatic clients via the X-API-Key header.
// Only the hash is stored; the cleartext key is returned once at creation.
type APIKey struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	Role       Role       `json:"role"`
	Enabled    bool       `json:"enabled"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// AuditRecord is an append-only trace of every mutating API action.
type AuditRecord struct {
	ID       int64     `json:"id"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Resource string    `json:"resource"`
	IP       string    `json:"ip,omitempty"`
	At       time.Time `json:"at"`
}
