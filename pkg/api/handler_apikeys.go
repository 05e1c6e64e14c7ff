package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/loghive/loghive/pkg/models"
)

func (s *Server) requireAPIKeys() error {
	if s.apiKeys == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "api keys not available")
	}
	return nil
}

func (s *Server) listAPIKeysHandler(c *echo.Context) error {
	if err := s.requireAPIKeys(); err != nil {
		return err
	}
	keys, err := s.apiKeys.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, keys)
}

type createAPIKeyRequest struct {
	Name string      `json:"name"`
	Role models.Role `json:"role"`
}

type createAPIKeyResponse struct {
	Key       models.APIKey `json:"key"`
	Cleartext string        `json:"cleartext"`
}

// createAPIKeyHandler handles POST /api/api-keys. The cleartext key appears
// in this response and nowhere else; only its hash is stored.
func (s *Server) createAPIKeyHandler(c *echo.Context) error {
	if err := s.requireAPIKeys(); err != nil {
		return err
	}
	var req createAPIKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	key, cleartext, err := s.apiKeys.Create(c.Request().Context(), req.Name, req.Role, currentPrincipal(c).Username, clientIP(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, createAPIKeyResponse{Key: key, Cleartext: cleartext})
}

type updateAPIKeyRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) updateAPIKeyHandler(c *echo.Context) error {
	if err := s.requireAPIKeys(); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req updateAPIKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.apiKeys.SetEnabled(c.Request().Context(), id, req.Enabled, currentPrincipal(c).Username, clientIP(c)); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) deleteAPIKeyHandler(c *echo.Context) error {
	if err := s.requireAPIKeys(); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.apiKeys.Delete(c.Request().Context(), id, currentPrincipal(c).Username, clientIP(c)); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}
