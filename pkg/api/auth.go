package api

import (
	"errors"
	"net"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/services"
)

const (
	principalKey  = "principal"
	sessionCookie = "loghive_session"
)

// principal is the authenticated caller, resolved once per request by the
// authenticate middleware. Source records which credential was presented.
type principal struct {
	Username string
	Role     models.Role
	Source   string
	UserID   int64
}

func currentPrincipal(c *echo.Context) principal {
	p, _ := c.Get(principalKey).(principal)
	return p
}

// authenticate resolves the caller from, in order, a bearer token, an
// X-API-Key header, or the session cookie. A credential that is present but
// invalid fails the request; fallthrough only happens when a credential is
// absent entirely.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		r := c.Request()

		if header := r.Header.Get("Authorization"); header != "" {
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "malformed authorization header")
			}
			claims, err := s.tokens.Verify(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set(principalKey, principal{
				Username: claims.Username,
				Role:     claims.Role,
				Source:   "token",
				UserID:   claims.UserID(),
			})
			return next(c)
		}

		if key := r.Header.Get("X-API-Key"); key != "" {
			if s.apiKeys == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "api key authentication not enabled")
			}
			ak, err := s.apiKeys.Verify(r.Context(), key)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}
			c.Set(principalKey, principal{
				Username: "key:" + ak.Name,
				Role:     ak.Role,
				Source:   "api_key",
			})
			return next(c)
		}

		if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
			sess, err := s.users.GetSession(r.Context(), cookie.Value)
			if err != nil {
				if errors.Is(err, services.ErrSessionExpired) {
					return echo.NewHTTPError(http.StatusUnauthorized, "session expired")
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid session")
			}
			c.Set(principalKey, principal{
				Username: sess.Username,
				Role:     sess.Role,
				Source:   "session",
				UserID:   sess.UserID,
			})
			return next(c)
		}

		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
}

func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if currentPrincipal(c).Role != models.RoleAdmin {
			return echo.NewHTTPError(http.StatusForbidden, "admin role required")
		}
		return next(c)
	}
}

func (s *Server) requireWriter(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if !currentPrincipal(c).Role.CanWrite() {
			return echo.NewHTTPError(http.StatusForbidden, "write permission required")
		}
		return next(c)
	}
}

// clientIP extracts the caller address for audit records, trusting proxy
// headers when present.
func clientIP(c *echo.Context) string {
	r := c.Request()
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
