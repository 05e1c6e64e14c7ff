package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/loghive/loghive/pkg/models"
)

func (s *Server) requireRules() error {
	if s.rules == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "alerting not available")
	}
	return nil
}

// reloadEngine nudges the evaluation loop after a definition change. The
// engine is optional; definitions can be edited before it starts.
func (s *Server) reloadEngine() {
	if s.engine != nil {
		s.engine.Reload()
	}
}

func (s *Server) listAlertRulesHandler(c *echo.Context) error {
	if err := s.requireRules(); err != nil {
		return err
	}
	out, err := s.rules.ListRules(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createAlertRuleHandler(c *echo.Context) error {
	if err := s.requireRules(); err != nil {
		return err
	}
	var rule models.AlertRule
	if err := c.Bind(&rule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	created, err := s.rules.CreateRule(c.Request().Context(), rule, currentPrincipal(c).Username, clientIP(c))
	if err != nil {
		return mapServiceError(err)
	}
	s.reloadEngine()
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) getAlertRuleHandler(c *echo.Context) error {
	if err := s.requireRules(); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	rule, err := s.rules.GetRule(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rule)
}

func (s *Server) updateAlertRuleHandler(c *echo.Context) error {
	if err := s.requireRules(); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var rule models.AlertRule
	if err := c.Bind(&rule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rule.ID = id
	updated, err := s.rules.UpdateRule(c.Request().Context(), rule, currentPrincipal(c).Username, clientIP(c))
	if err != nil {
		return mapServiceError(err)
	}
	s.reloadEngine()
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteAlertRuleHandler(c *echo.Context) error {
	if err := s.requireRules(); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.rules.DeleteRule(c.Request().Context(), id, currentPrincipal(c).Username, clientIP(c)); err != nil {
		return mapServiceError(err)
	}
	s.reloadEngine()
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// alertHistoryHandler handles GET /api/alerts/history. rule_id narrows to
// one rule; zero means all rules.
func (s *Server) alertHistoryHandler(c *echo.Context) error {
	if err := s.requireRules(); err != nil {
		return err
	}
	var ruleID int64
	if raw := c.QueryParam("rule_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid rule_id")
		}
		ruleID = id
	}
	firings, err := s.rules.ListFirings(c.Request().Context(), ruleID, queryInt(c, "limit", 100), queryInt(c, "offset", 0))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, firings)
}

func (s *Server) listCorrelationsHandler(c *echo.Context) error {
	if err := s.requireRules(); err != nil {
		return err
	}
	out, err := s.rules.ListPatterns(c.Request().Context(), false)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createCorrelationHandler(c *echo.Context) error {
	if err := s.requireRules(); err != nil {
		return err
	}
	var pattern models.CorrelationPattern
	if err := c.Bind(&pattern); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	created, err := s.rules.CreatePattern(c.Request().Context(), pattern, currentPrincipal(c).Username, clientIP(c))
	if err != nil {
		return mapServiceError(err)
	}
	s.reloadEngine()
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) getCorrelationHandler(c *echo.Context) error {
	if err := s.requireRules(); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	pattern, err := s.rules.GetPattern(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, pattern)
}

func (s *Server) updateCorrelationHandler(c *echo.Context) error {
	if err := s.requireRules(); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var pattern models.CorrelationPattern
	if err := c.Bind(&pattern); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pattern.ID = id
	updated, err := s.rules.UpdatePattern(c.Request().Context(), pattern, currentPrincipal(c).Username, clientIP(c))
	if err != nil {
		return mapServiceError(err)
	}
	s.reloadEngine()
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteCorrelationHandler(c *echo.Context) error {
	if err := s.requireRules(); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.rules.DeletePattern(c.Request().Context(), id, currentPrincipal(c).Username, clientIP(c)); err != nil {
		return mapServiceError(err)
	}
	s.reloadEngine()
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// anomaliesHandler handles GET /api/alerts/anomalies, a snapshot of the
// per-(category, level) rate trackers.
func (s *Server) anomaliesHandler(c *echo.Context) error {
	if s.engine == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "anomaly detection not available")
	}
	snapshots := s.engine.Anomalies()
	if snapshots == nil {
		snapshots = []models.AnomalySnapshot{}
	}
	return c.JSON(http.StatusOK, snapshots)
}
