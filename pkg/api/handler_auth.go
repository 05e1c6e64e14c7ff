package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/loghive/loghive/pkg/models"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// loginHandler handles POST /api/auth/login. A successful login returns a
// bearer token and also sets the session cookie for browser clients.
func (s *Server) loginHandler(c *echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	ctx := c.Request().Context()
	user, err := s.users.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return mapServiceError(err)
	}

	token, err := s.tokens.Mint(user, time.Now())
	if err != nil {
		return mapServiceError(err)
	}

	sess, err := s.users.CreateSession(ctx, uuid.New().String(), user, clientIP(c))
	if err != nil {
		return mapServiceError(err)
	}
	http.SetCookie(c.Response(), &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.cfg.UseHTTPS,
		SameSite: http.SameSiteLaxMode,
	})

	return c.JSON(http.StatusOK, loginResponse{Token: token, User: user})
}

// logoutHandler handles POST /api/auth/logout. It drops the server-side
// session and expires the cookie; bearer tokens simply age out.
func (s *Server) logoutHandler(c *echo.Context) error {
	if cookie, err := c.Request().Cookie(sessionCookie); err == nil && cookie.Value != "" {
		if err := s.users.DeleteSession(c.Request().Context(), cookie.Value); err != nil {
			return mapServiceError(err)
		}
	}
	http.SetCookie(c.Response(), &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

type meResponse struct {
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
	Source   string      `json:"source"`
	UserID   int64       `json:"user_id,omitempty"`
}

// meHandler handles GET /api/auth/me.
func (s *Server) meHandler(c *echo.Context) error {
	p := currentPrincipal(c)
	return c.JSON(http.StatusOK, meResponse{
		Username: p.Username,
		Role:     p.Role,
		Source:   p.Source,
		UserID:   p.UserID,
	})
}
