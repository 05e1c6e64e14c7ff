package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

// WSClient is one stream connection, authenticated and subscribed through
// the real in-protocol handshake.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// ConnectWS dials the app's /stream endpoint.
func (a *TestApp) ConnectWS(t *testing.T) *WSClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, a.WSURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	c := &WSClient{conn: conn, t: t}
	c.Expect("connected")
	return c
}

func (c *WSClient) write(msg map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))
}

// Read returns the next envelope within the timeout.
func (c *WSClient) Read(timeout time.Duration) (map[string]any, bool) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, false
	}
	var env map[string]any
	require.NoError(c.t, json.Unmarshal(data, &env))
	return env, true
}

// Expect reads envelopes until one carries the wanted event, failing after
// a few seconds. Heartbeats and interleaved broadcasts are skipped.
func (c *WSClient) Expect(event string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env, ok := c.Read(time.Until(deadline))
		if !ok {
			break
		}
		if env["event"] == event {
			return env
		}
	}
	c.t.Fatalf("no %q envelope before deadline", event)
	return nil
}

// Authenticate runs the in-protocol token handshake.
func (c *WSClient) Authenticate(token string) {
	c.t.Helper()
	c.write(map[string]any{"event": "authenticate", "token": token})
	c.Expect("authenticated")
}

// Subscribe joins the given channels and waits for the acknowledgement.
func (c *WSClient) Subscribe(channels ...string) {
	c.t.Helper()
	c.write(map[string]any{"event": "subscribe", "channels": channels})
	c.Expect("subscribed")
}

// SubscribeRaw sends a subscribe without waiting, for refusal scenarios.
func (c *WSClient) SubscribeRaw(channels ...string) {
	c.t.Helper()
	c.write(map[string]any{"event": "subscribe", "channels": channels})
}
