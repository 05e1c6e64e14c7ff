package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loghive/loghive/pkg/models"
)

// Notice is an operational record headed for stream clients: a fired
// alert, a completed correlation, a quarantined batch. The producer is
// responsible for persisting it to system_events; the hub only delivers.
type Notice struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
}

type eventSub struct {
	name string
	ch   chan []models.LogEvent
}

type noticeSub struct {
	name string
	ch   chan Notice
}

// Hub is the post-commit fan-out point. The batch writer and the replay
// worker publish committed batches; the rule engine and the stream bridge
// subscribe. Publishing never blocks: a subscriber that stops draining
// loses batches, counted and logged, so a stuck consumer cannot stall
// the write path.
type Hub struct {
	mu       sync.RWMutex
	events   []eventSub
	notices  []noticeSub
	dropWarn *rate.Limiter
}

// NewHub builds a hub with no subscribers.
func NewHub() *Hub {
	return &Hub{dropWarn: rate.NewLimiter(rate.Every(time.Second), 1)}
}

// SubscribeEvents registers a committed-batch consumer. buffer bounds the
// pending batches; name appears in drop logs.
func (h *Hub) SubscribeEvents(name string, buffer int) <-chan []models.LogEvent {
	ch := make(chan []models.LogEvent, buffer)
	h.mu.Lock()
	h.events = append(h.events, eventSub{name: name, ch: ch})
	h.mu.Unlock()
	return ch
}

// SubscribeNotices registers an operational-notice consumer.
func (h *Hub) SubscribeNotices(name string, buffer int) <-chan Notice {
	ch := make(chan Notice, buffer)
	h.mu.Lock()
	h.notices = append(h.notices, noticeSub{name: name, ch: ch})
	h.mu.Unlock()
	return ch
}

// PublishEvents delivers a committed batch to every subscriber.
func (h *Hub) PublishEvents(batch []models.LogEvent) {
	if len(batch) == 0 {
		return
	}
	h.mu.RLock()
	subs := h.events
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- batch:
		default:
			if h.dropWarn.Allow() {
				slog.Warn("Fan-out subscriber lagging, batch dropped",
					"subscriber", s.name, "events", len(batch))
			}
		}
	}
}

// PublishNotice delivers one operational notice to every subscriber.
func (h *Hub) PublishNotice(n Notice) {
	h.mu.RLock()
	subs := h.notices
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- n:
		default:
			if h.dropWarn.Allow() {
				slog.Warn("Fan-out subscriber lagging, notice dropped",
					"subscriber", s.name, "event", n.Event)
			}
		}
	}
}
