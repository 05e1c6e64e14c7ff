package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// AuthConfig holds authentication and session settings.
type AuthConfig struct {
	// JWTSecret signs API tokens (HS256). Required in production; in
	// development an ephemeral secret is generated when empty, unless
	// AllowDevSecret is false.
	JWTSecret string `yaml:"jwt_secret"`

	// AllowDevSecret permits an ephemeral generated secret outside
	// development. Tokens then do not survive restarts.
	AllowDevSecret bool `yaml:"allow_dev_secret"`

	// AdminPassword bootstraps the default admin account on first start.
	// Required in production.
	AdminPassword string `yaml:"admin_password"`

	TokenTTL   time.Duration `yaml:"token_ttl"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// DefaultAuthConfig returns the built-in auth defaults.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		TokenTTL:   24 * time.Hour,
		SessionTTL: 7 * 24 * time.Hour,
	}
}

// ephemeralSecret is set when the process generated its own JWT secret.
var ephemeralSecret bool

// ResolveSecret returns the signing secret, generating an ephemeral one when
// permitted. production controls whether a missing secret is an error.
func (c *AuthConfig) ResolveSecret(production bool) (string, error) {
	if c.JWTSecret != "" {
		return c.JWTSecret, nil
	}
	if production && !c.AllowDevSecret {
		return "", fmt.Errorf("%w: JWT_SECRET (set ALLOW_DEV_SECRET=true to run with an ephemeral secret)", ErrMissingRequiredField)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating ephemeral secret: %w", err)
	}
	ephemeralSecret = true
	return hex.EncodeToString(buf), nil
}

// UsingEphemeralSecret reports whether ResolveSecret generated the secret.
func (c *AuthConfig) UsingEphemeralSecret() bool { return ephemeralSecret }

// Validate checks the auth section. Production requirements are enforced in
// ValidateProduction because they depend on the server section.
func (c *AuthConfig) Validate() error {
	if c.TokenTTL <= 0 {
		return fmt.Errorf("%w: token_ttl must be positive", ErrInvalidValue)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("%w: session_ttl must be positive", ErrInvalidValue)
	}
	return nil
}

// ValidateProduction enforces the production-only requirements.
func (c *AuthConfig) ValidateProduction() error {
	if c.AdminPassword == "" {
		return fmt.Errorf("%w: AUTH_PASSWORD is required in production", ErrMissingRequiredField)
	}
	if c.JWTSecret == "" && !c.AllowDevSecret {
		return fmt.Errorf("%w: JWT_SECRET is required in production", ErrMissingRequiredField)
	}
	return nil
}
