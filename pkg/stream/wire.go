// Package stream is the WebSocket hub behind /stream. Clients subscribe to
// channels; the hub fans out committed log batches, alert notices, and
// periodic metric snapshots with per-client backpressure.
package stream

import "time"

// Server event names. Channel payload events additionally use the notice
// kinds from the pipeline (alert_fired, correlation_matched, ...).
const (
	EventConnected      = "connected"
	EventAuthenticated  = "authenticated"
	EventSubscribed     = "subscribed"
	EventUnsubscribed   = "unsubscribed"
	EventPong           = "pong"
	EventError          = "error"
	EventLogs           = "logs"
	EventMetric         = "metric"
	EventStreamLag      = "stream_lag"
	EventServerShutdown = "server_shutdown"
)

// Envelope is the server-to-client wire format.
type Envelope struct {
	Event     string    `json:"event"`
	Channel   string    `json:"channel,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// clientMessage is the client-to-server format. Event is one of
// authenticate, subscribe, unsubscribe, ping.
type clientMessage struct {
	Event    string   `json:"event"`
	Token    string   `json:"token,omitempty"`
	Channels []string `json:"channels,omitempty"`
}
