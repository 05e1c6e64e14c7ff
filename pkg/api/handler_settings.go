package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

func (s *Server) listSettingsHandler(c *echo.Context) error {
	if s.settings == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "settings not available")
	}
	return c.JSON(http.StatusOK, s.settings.All())
}

type putSettingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

// putSettingHandler handles PUT /api/settings: one audited key update,
// broadcast to stream subscribers by the service.
func (s *Server) putSettingHandler(c *echo.Context) error {
	if s.settings == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "settings not available")
	}
	var req putSettingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}
	updated, err := s.settings.Set(c.Request().Context(), req.Key, req.Value, req.Type, currentPrincipal(c).Username, clientIP(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, updated)
}
