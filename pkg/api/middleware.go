package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// errorEnvelope returns middleware that renders every handler error as the
// uniform JSON failure envelope. Handlers return errors; nothing below this
// middleware writes an error body itself.
func (s *Server) errorEnvelope() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			if r, _ := echo.UnwrapResponse(c.Response()); r != nil && r.Committed {
				// Streaming handlers that fail mid-body cannot be repaired.
				return nil
			}

			he := &echo.HTTPError{}
			if !errors.As(err, &he) {
				var sc echo.HTTPStatusCoder
				if errors.As(err, &sc) {
					he = echo.NewHTTPError(sc.StatusCode(), err.Error())
				} else {
					he = mapServiceError(err)
				}
			}

			msg := fmt.Sprintf("%v", he.Message)
			if msg == "" || msg == "<nil>" {
				msg = http.StatusText(he.Code)
			}
			return c.JSON(he.Code, errorEnvelopeBody{
				Success:   false,
				Error:     errorBody{Message: msg, Code: codeForStatus(he.Code)},
				Path:      c.Request().URL.Path,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}
