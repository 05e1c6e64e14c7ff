package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/loghive/loghive/pkg/retention"
	"github.com/loghive/loghive/pkg/rules"
	"github.com/loghive/loghive/pkg/search"
	"github.com/loghive/loghive/pkg/services"
)

// errorBody is the error object inside the failure envelope.
type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// errorEnvelope is the uniform failure shape for every non-2xx response.
type errorEnvelopeBody struct {
	Success   bool      `json:"success"`
	Error     errorBody `json:"error"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}

// mapServiceError translates service and engine errors into HTTP errors.
// Anything unrecognized is logged and masked as a 500.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, services.ErrInvalidCredentials) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if errors.Is(err, services.ErrSessionExpired) {
		return echo.NewHTTPError(http.StatusUnauthorized, "session expired")
	}
	if errors.Is(err, search.ErrBadRegex) ||
		errors.Is(err, search.ErrBadLevel) ||
		errors.Is(err, search.ErrBadCursor) ||
		errors.Is(err, search.ErrBadFilter) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, search.ErrTimeout) {
		return echo.NewHTTPError(http.StatusInternalServerError, "query timed out")
	}
	if errors.Is(err, rules.ErrBadQuery) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, retention.ErrBusy) {
		return echo.NewHTTPError(http.StatusConflict, "retention pass already running")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
