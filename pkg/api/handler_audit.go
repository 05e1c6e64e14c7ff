package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listAuditHandler handles GET /api/audit, newest first.
func (s *Server) listAuditHandler(c *echo.Context) error {
	records, err := s.audit.List(c.Request().Context(), queryInt(c, "limit", 100), queryInt(c, "offset", 0))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, records)
}
