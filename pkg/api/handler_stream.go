package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// streamHandler upgrades GET /stream to WebSocket and hands the connection
// to the hub. Authentication happens inside the protocol, so subscribing is
// gated without blocking the upgrade itself.
func (s *Server) streamHandler(c *echo.Context) error {
	if s.stream == nil {
		return echo.NewHTTPError(503, "streaming not available")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.stream.HandleConnection(c.Request().Context(), conn)
	return nil
}
