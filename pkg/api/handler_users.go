package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/loghive/loghive/pkg/models"
)

func (s *Server) listUsersHandler(c *echo.Context) error {
	users, err := s.users.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, users)
}

type createUserRequest struct {
	Username string      `json:"username"`
	Password string      `json:"password"`
	Role     models.Role `json:"role"`
}

func (s *Server) createUserHandler(c *echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	created, err := s.users.Create(c.Request().Context(), req.Username, req.Password, req.Role, currentPrincipal(c).Username, clientIP(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

type updateRoleRequest struct {
	Role models.Role `json:"role"`
}

func (s *Server) updateUserRoleHandler(c *echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req updateRoleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.users.UpdateRole(c.Request().Context(), id, req.Role, currentPrincipal(c).Username, clientIP(c)); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

type changePasswordRequest struct {
	Password string `json:"password"`
}

// changePasswordHandler handles PUT /api/users/:id/password. Admins can set
// anyone's password; other roles only their own.
func (s *Server) changePasswordHandler(c *echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p := currentPrincipal(c)
	if p.Role != models.RoleAdmin && p.UserID != id {
		return echo.NewHTTPError(http.StatusForbidden, "cannot change another user's password")
	}
	var req changePasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.users.ChangePassword(c.Request().Context(), id, req.Password, p.Username, clientIP(c)); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) deleteUserHandler(c *echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.users.Delete(c.Request().Context(), id, currentPrincipal(c).Username, clientIP(c)); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}
