package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/loghive/loghive/pkg/ingest"
	"github.com/loghive/loghive/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's health verdict.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /health. Only loghive's own components are
// checked; a full queue degrades rather than fails so orchestrators do not
// restart a server that is merely shedding load.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := s.client.Health(reqCtx); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.queue != nil {
		depth, capacity := s.queue.Len(), s.queue.Cap()
		if capacity > 0 && depth*10 >= capacity*9 {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["queue"] = HealthCheck{
				Status:  healthStatusDegraded,
				Message: fmt.Sprintf("%d of %d slots used", depth, capacity),
			}
		} else {
			checks["queue"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Checks:  checks,
	})
}

// metricsHandler serves the Prometheus registry on GET /metrics.
func (s *Server) metricsHandler(c *echo.Context) error {
	s.metricsHTTP.ServeHTTP(c.Response(), c.Request())
	return nil
}

type queueStatus struct {
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
}

type retryStatus struct {
	Pending     int64 `json:"pending"`
	Quarantined int64 `json:"quarantined"`
}

type ingestionStatusResponse struct {
	Protocols []ingest.ProtocolStatus `json:"protocols"`
	Queue     queueStatus             `json:"queue"`
	Retry     retryStatus             `json:"retry"`
}

// ingestionStatusHandler handles GET /api/ingestion/status: per-protocol
// counters plus queue depth and the retry backlog.
func (s *Server) ingestionStatusHandler(c *echo.Context) error {
	if s.manager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "ingestion not available")
	}

	resp := ingestionStatusResponse{Protocols: s.manager.Status()}
	if s.queue != nil {
		resp.Queue = queueStatus{Depth: s.queue.Len(), Capacity: s.queue.Cap()}
	}
	if s.failed != nil {
		pending, quarantined, err := s.failed.Counts(c.Request().Context())
		if err != nil {
			return mapServiceError(err)
		}
		resp.Retry = retryStatus{Pending: pending, Quarantined: quarantined}
	}
	return c.JSON(http.StatusOK, resp)
}
