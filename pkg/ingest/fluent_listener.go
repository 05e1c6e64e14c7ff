package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// fluentMaxBody caps one forward-protocol POST body.
const fluentMaxBody = 8 << 20

// fluentListener serves the Fluent forward protocol over HTTP on its own
// port. Each decoded entry becomes one frame; the tag rides in Origin.
type fluentListener struct {
	m    *Manager
	port int

	srv  *http.Server
	done chan struct{}
}

func newFluentListener(m *Manager, port int) Listener {
	return &fluentListener{m: m, port: port}
}

func (l *fluentListener) Name() string { return "fluent" }

func (l *fluentListener) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.port))
	if err != nil {
		return fmt.Errorf("fluent: listen tcp :%d: %w", l.port, err)
	}

	e := echo.New()
	e.POST("/", l.intakeHandler)
	e.POST("/*", l.intakeHandler)

	l.srv = &http.Server{Handler: e, ReadHeaderTimeout: 10 * time.Second}
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Fluent server failed", "error", err)
		}
	}()
	return nil
}

func (l *fluentListener) Stop(ctx context.Context) error {
	if l.srv == nil {
		return nil
	}
	err := l.srv.Shutdown(ctx)
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (l *fluentListener) intakeHandler(c *echo.Context) error {
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, fluentMaxBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "body too large")
	}

	entries, err := parseFluent(body, c.Request().Header.Get(echo.HeaderContentType))
	if err != nil {
		l.m.countFramingError(ProtoFluent, err)
		return echo.NewHTTPError(http.StatusBadRequest, Reason(err))
	}

	now := time.Now()
	peer := c.RealIP()
	for _, entry := range entries {
		record := entry.Record
		if !entry.Time.IsZero() && !hasTimeField(record) {
			record["timestamp"] = entry.Time.UTC().Format(time.RFC3339Nano)
		}
		blob, err := json.Marshal(record)
		if err != nil {
			l.m.countFramingError(ProtoFluent, err)
			continue
		}
		l.m.offer(RawFrame{
			Proto:      ProtoFluent,
			Payload:    blob,
			PeerIP:     peer,
			ReceivedAt: now,
			Origin:     entry.Tag,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"accepted": len(entries)})
}

func hasTimeField(record map[string]any) bool {
	for _, key := range []string{"timestamp", "time", "ts"} {
		if _, ok := record[key]; ok {
			return true
		}
	}
	return false
}
