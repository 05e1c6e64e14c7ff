package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/retention"
)

func (s *Server) requireRetention() error {
	if s.policies == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "retention not available")
	}
	return nil
}

func (s *Server) listRetentionPoliciesHandler(c *echo.Context) error {
	if err := s.requireRetention(); err != nil {
		return err
	}
	policies, err := s.policies.List(c.Request().Context(), false)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, policies)
}

func (s *Server) createRetentionPolicyHandler(c *echo.Context) error {
	if err := s.requireRetention(); err != nil {
		return err
	}
	var policy models.RetentionPolicy
	if err := c.Bind(&policy); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	created, err := s.policies.Create(c.Request().Context(), policy, currentPrincipal(c).Username, clientIP(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) updateRetentionPolicyHandler(c *echo.Context) error {
	if err := s.requireRetention(); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var policy models.RetentionPolicy
	if err := c.Bind(&policy); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	policy.ID = id
	updated, err := s.policies.Update(c.Request().Context(), policy, currentPrincipal(c).Username, clientIP(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteRetentionPolicyHandler(c *echo.Context) error {
	if err := s.requireRetention(); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.policies.Delete(c.Request().Context(), id, currentPrincipal(c).Username, clientIP(c)); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// runRetentionHandler handles POST /api/retention/run: a synchronous manual
// pass. A pass already in flight answers 409. A degraded pass still returns
// its result; failures ride inside it as backup_error.
func (s *Server) runRetentionHandler(c *echo.Context) error {
	if s.runner == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "retention not available")
	}
	result, err := s.runner.Run(c.Request().Context(), "manual")
	if errors.Is(err, retention.ErrBusy) {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) listBackupsHandler(c *echo.Context) error {
	if s.runner == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "retention not available")
	}
	backups, err := s.runner.ListBackups()
	if err != nil {
		return mapServiceError(err)
	}
	if backups == nil {
		backups = []models.BackupInfo{}
	}
	return c.JSON(http.StatusOK, backups)
}
