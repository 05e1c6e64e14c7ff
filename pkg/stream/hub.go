package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/loghive/loghive/pkg/auth"
	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/pipeline"
)

// metricsInterval is the period of metric snapshots on the metrics channel.
const metricsInterval = 10 * time.Second

// shutdownGrace bounds how long Stop waits for client queues to flush the
// server_shutdown notice.
const shutdownGrace = 2 * time.Second

// SnapshotFunc produces the payload broadcast on the metrics channel.
type SnapshotFunc func() any

var validChannels = map[string]bool{
	pipeline.ChannelLogs:     true,
	pipeline.ChannelAlerts:   true,
	pipeline.ChannelMetrics:  true,
	pipeline.ChannelSessions: true,
}

// Hub owns every stream client and bridges the pipeline hub onto the
// WebSocket channels. Each process has one Hub instance.
type Hub struct {
	cfg      *config.StreamConfig
	phub     *pipeline.Hub
	tokens   *auth.Tokens
	snapshot SnapshotFunc
	met      *metrics.Metrics
	notify   pipeline.TaskNotify

	// Active clients: client id -> *client
	mu      sync.RWMutex
	clients map[string]*client

	// Channel subscriptions: channel -> set of client ids
	channelMu sync.RWMutex
	channels  map[string]map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(
	cfg *config.StreamConfig,
	phub *pipeline.Hub,
	tokens *auth.Tokens,
	snapshot SnapshotFunc,
	met *metrics.Metrics,
	notify pipeline.TaskNotify,
) *Hub {
	return &Hub{
		cfg:      cfg,
		phub:     phub,
		tokens:   tokens,
		snapshot: snapshot,
		met:      met,
		notify:   notify,
		clients:  make(map[string]*client),
		channels: make(map[string]map[string]bool),
	}
}

// Start launches the bridge that feeds committed batches, notices, and
// metric snapshots into the channels.
func (h *Hub) Start(ctx context.Context) {
	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})

	events := h.phub.SubscribeEvents("stream_hub", 256)
	notices := h.phub.SubscribeNotices("stream_hub", 256)
	go func() {
		defer close(h.done)
		pipeline.RunSupervised(ctx, "stream_hub", h.notify, func(ctx context.Context) {
			h.run(ctx, events, notices)
		})
	}()
	slog.Info("Stream hub started", "max_clients", h.cfg.MaxClients)
}

// Stop halts the bridge, tells every client the server is going away, and
// closes all connections.
func (h *Hub) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done

	bye, err := json.Marshal(Envelope{Event: EventServerShutdown, Timestamp: time.Now().UTC()})
	if err != nil {
		bye = nil
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if bye != nil {
		for _, c := range clients {
			c.enqueue(bye)
		}
	}

	// Let the write loops flush the goodbye before tearing down.
	deadline := time.Now().Add(shutdownGrace)
	for time.Now().Before(deadline) {
		pending := 0
		for _, c := range clients {
			pending += c.pendingBytes()
		}
		if pending == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutdown")
	}
	slog.Info("Stream hub stopped", "clients_closed", len(clients))
}

func (h *Hub) run(ctx context.Context, events <-chan []models.LogEvent, notices <-chan pipeline.Notice) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-events:
			h.Broadcast(pipeline.ChannelLogs, Envelope{
				Event:     EventLogs,
				Channel:   pipeline.ChannelLogs,
				Data:      batch,
				Timestamp: time.Now().UTC(),
			})
		case n := <-notices:
			h.Broadcast(n.Channel, Envelope{
				Event:     n.Event,
				Channel:   n.Channel,
				Data:      n.Payload,
				Timestamp: time.Now().UTC(),
			})
		case <-ticker.C:
			h.broadcastMetric()
		}
	}
}

func (h *Hub) broadcastMetric() {
	if h.snapshot == nil {
		return
	}
	h.Broadcast(pipeline.ChannelMetrics, Envelope{
		Event:     EventMetric,
		Channel:   pipeline.ChannelMetrics,
		Data:      h.snapshot(),
		Timestamp: time.Now().UTC(),
	})
}

// HandleConnection runs the lifecycle of a single WebSocket connection.
// Called by the HTTP handler after upgrade; blocks until the connection
// closes.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	h.evictForCapacity()

	c := newClient(parentCtx, uuid.New().String(), conn, h)
	h.register(c)
	defer h.unregister(c)

	go c.writeLoop(h.cfg.WriteTimeout)
	go h.heartbeat(c)

	h.send(c, Envelope{
		Event:     EventConnected,
		Data:      map[string]string{"client_id": c.id},
		Timestamp: time.Now().UTC(),
	})

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid stream message", "client_id", c.id, "error", err)
			h.sendError(c, "invalid message")
			continue
		}
		h.handleClientMessage(c, &msg)
	}
}

func (h *Hub) handleClientMessage(c *client, msg *clientMessage) {
	switch msg.Event {
	case "authenticate":
		if msg.Token == "" {
			h.sendError(c, "token is required")
			return
		}
		claims, err := h.tokens.Verify(msg.Token)
		if err != nil {
			slog.Warn("Stream authentication failed", "client_id", c.id, "error", err)
			h.sendError(c, "authentication failed")
			return
		}
		c.authenticated = true
		c.username = claims.Username
		c.role = claims.Role
		h.send(c, Envelope{
			Event:     EventAuthenticated,
			Data:      map[string]any{"username": c.username, "role": c.role},
			Timestamp: time.Now().UTC(),
		})

	case "subscribe":
		if len(msg.Channels) == 0 {
			h.sendError(c, "channels are required for subscribe")
			return
		}
		// No public channels: every subscription needs authentication.
		if !c.authenticated {
			h.sendError(c, "authentication required")
			return
		}
		accepted := make([]string, 0, len(msg.Channels))
		for _, ch := range msg.Channels {
			if !validChannels[ch] {
				h.sendError(c, "unknown channel: "+ch)
				continue
			}
			h.subscribe(c, ch)
			accepted = append(accepted, ch)
		}
		if len(accepted) > 0 {
			h.send(c, Envelope{
				Event:     EventSubscribed,
				Data:      map[string]any{"channels": accepted},
				Timestamp: time.Now().UTC(),
			})
		}

	case "unsubscribe":
		if len(msg.Channels) == 0 {
			h.sendError(c, "channels are required for unsubscribe")
			return
		}
		for _, ch := range msg.Channels {
			h.unsubscribe(c, ch)
		}
		h.send(c, Envelope{
			Event:     EventUnsubscribed,
			Data:      map[string]any{"channels": msg.Channels},
			Timestamp: time.Now().UTC(),
		})

	case "ping":
		h.send(c, Envelope{Event: EventPong, Timestamp: time.Now().UTC()})

	default:
		h.sendError(c, "unknown event: "+msg.Event)
	}
}

// Broadcast queues env for every client subscribed to channel. Never
// blocks on slow clients.
func (h *Hub) Broadcast(channel string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Warn("Failed to marshal stream event", "event", env.Event, "error", err)
		return
	}

	h.channelMu.RLock()
	subs, exists := h.channels[channel]
	if !exists {
		h.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	h.channelMu.RUnlock()

	h.mu.RLock()
	targets := make([]*client, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

// ActiveClients returns the number of connected stream clients.
func (h *Hub) ActiveClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// subscriberCount reports subscribers for a channel. Tests poll it
// instead of sleeping.
func (h *Hub) subscriberCount(channel string) int {
	h.channelMu.RLock()
	defer h.channelMu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) subscribe(c *client, channel string) {
	h.channelMu.Lock()
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[string]bool)
	}
	h.channels[channel][c.id] = true
	h.channelMu.Unlock()
	c.subscriptions[channel] = true
}

func (h *Hub) unsubscribe(c *client, channel string) {
	h.channelMu.Lock()
	if subs, ok := h.channels[channel]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	h.channelMu.Unlock()
	delete(c.subscriptions, channel)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.met.StreamClients.Inc()
}

func (h *Hub) unregister(c *client) {
	for ch := range c.subscriptions {
		h.unsubscribe(c, ch)
	}
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if present {
		h.met.StreamClients.Dec()
	}
	c.cancel()
	<-c.writerDone
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// evictForCapacity terminates the oldest-connected clients until a new
// one fits under the cap.
func (h *Hub) evictForCapacity() {
	for {
		h.mu.Lock()
		if len(h.clients) < h.cfg.MaxClients {
			h.mu.Unlock()
			return
		}
		var oldest *client
		for _, c := range h.clients {
			if oldest == nil || c.connectedAt.Before(oldest.connectedAt) {
				oldest = c
			}
		}
		h.mu.Unlock()
		if oldest == nil {
			return
		}
		h.met.StreamEvicted.Inc()
		slog.Warn("Evicting oldest stream client at capacity", "client_id", oldest.id)
		// Closing wakes its read loop, which unregisters it.
		oldest.close(websocket.StatusTryAgainLater, "connection limit reached")
	}
}

// heartbeat pings the client on the transport level and terminates it
// when a pong does not come back in time.
func (h *Hub) heartbeat(c *client) {
	wait := h.cfg.PongTimeout - h.cfg.PingInterval
	if wait <= 0 {
		wait = 5 * time.Second
	}
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(c.ctx, wait)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					slog.Info("Stream client missed heartbeat", "client_id", c.id)
					c.close(websocket.StatusPolicyViolation, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (h *Hub) send(c *client, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Warn("Failed to marshal stream event", "client_id", c.id, "error", err)
		return
	}
	c.enqueue(data)
}

func (h *Hub) sendError(c *client, message string) {
	h.send(c, Envelope{
		Event:     EventError,
		Data:      map[string]string{"message": message},
		Timestamp: time.Now().UTC(),
	})
}

// lagMessage builds the marker queued after a backpressure drop.
func (h *Hub) lagMessage(dropped int) []byte {
	data, err := json.Marshal(Envelope{
		Event:     EventStreamLag,
		Data:      map[string]int{"dropped": dropped},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil
	}
	return data
}
