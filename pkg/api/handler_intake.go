package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/loghive/loghive/pkg/ingest"
)

// intakeHandler handles POST /log: a JSON record, an array of records, or a
// plain text line. No auth. Records that fail to normalize are counted by
// the manager, not surfaced here; only an empty or oversized body fails the
// request.
func (s *Server) intakeHandler(c *echo.Context) error {
	if s.manager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "ingestion not available")
	}
	if !s.intakeLimiter.Allow() {
		return echo.NewHTTPError(http.StatusTooManyRequests, "intake rate exceeded")
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxIntakeBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty request body")
	}

	ctx := c.Request().Context()
	now := time.Now()
	peer := clientIP(c)
	accepted := 0
	for _, payload := range splitRecords(body) {
		frame := ingest.RawFrame{
			Proto:      ingest.ProtoHTTP,
			Payload:    payload,
			PeerIP:     peer,
			ReceivedAt: now,
		}
		if err := s.manager.Ingest(ctx, frame); err == nil {
			accepted++
		}
	}

	return c.JSON(http.StatusOK, map[string]any{"success": true, "accepted": accepted})
}

// splitRecords yields one payload per record: the elements of a JSON array,
// or the body itself. A non-array body is passed through untouched so plain
// text lines survive, including ones that happen to start with a bracket.
func splitRecords(body []byte) [][]byte {
	if body[0] == '[' {
		var records []json.RawMessage
		if err := json.Unmarshal(body, &records); err == nil {
			out := make([][]byte, len(records))
			for i, r := range records {
				out[i] = []byte(r)
			}
			return out
		}
	}
	return [][]byte{body}
}
