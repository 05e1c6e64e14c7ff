// Package pipeline moves normalized events from the listeners into the
// store: a bounded level-aware queue, the coalescing batch writer, the
// failed-batch replay worker, and the post-commit fan-out hub.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
)

// Stream channel names shared by notice producers and the stream hub.
const (
	ChannelLogs     = "logs"
	ChannelAlerts   = "alerts"
	ChannelMetrics  = "metrics"
	ChannelSessions = "sessions"
)

type qentry struct {
	seq uint64
	ev  models.LogEvent
}

// levelFIFO is a slice-backed FIFO with a moving head, compacted once the
// dead prefix dominates.
type levelFIFO struct {
	items []qentry
	head  int
}

func (f *levelFIFO) push(e qentry) { f.items = append(f.items, e) }

func (f *levelFIFO) len() int { return len(f.items) - f.head }

func (f *levelFIFO) peek() qentry { return f.items[f.head] }

func (f *levelFIFO) pop() qentry {
	e := f.items[f.head]
	f.items[f.head] = qentry{}
	f.head++
	if f.head > 1024 && f.head*2 >= len(f.items) {
		f.items = append(f.items[:0], f.items[f.head:]...)
		f.head = 0
	}
	return e
}

// Queue is the bounded buffer between the listeners and the batch writer.
// Offer never blocks: on overflow the oldest event of the lowest queued
// level is displaced when the incoming event outranks it, otherwise the
// incoming event itself is dropped. Arrival order is preserved across
// levels for consumers.
type Queue struct {
	capacity     int
	drainTimeout time.Duration
	met          *metrics.Metrics
	overflowWarn *rate.Limiter

	mu     sync.Mutex
	levels [5]levelFIFO
	size   int
	seq    uint64

	wake chan struct{}
}

// NewQueue builds an empty queue with the configured capacity.
func NewQueue(cfg *config.QueueConfig, met *metrics.Metrics) *Queue {
	return &Queue{
		capacity:     cfg.Capacity,
		drainTimeout: cfg.DrainTimeout,
		met:          met,
		overflowWarn: rate.NewLimiter(rate.Every(time.Second), 1),
		wake:         make(chan struct{}, 1),
	}
}

// Offer enqueues ev, applying the drop policy when full. Safe for
// concurrent use by every listener.
func (q *Queue) Offer(ev models.LogEvent) {
	if !ev.Level.Valid() {
		ev.Level = models.LevelInfo
	}
	rank := ev.Level.Rank()

	q.mu.Lock()
	var dropped models.Level
	if q.size >= q.capacity {
		victim, ok := q.displaceBelow(rank)
		if !ok {
			q.mu.Unlock()
			q.met.DropsByLevel.WithLabelValues(string(ev.Level)).Inc()
			if q.overflowWarn.Allow() {
				slog.Warn("Ingest queue full, dropping incoming event",
					"level", ev.Level, "source", ev.Source, "capacity", q.capacity)
			}
			return
		}
		dropped = victim
	}
	q.seq++
	q.levels[rank].push(qentry{seq: q.seq, ev: ev})
	q.size++
	depth := q.size
	q.mu.Unlock()

	q.met.QueueDepth.Set(float64(depth))
	if dropped != "" {
		q.met.DropsByLevel.WithLabelValues(string(dropped)).Inc()
		if q.overflowWarn.Allow() {
			slog.Warn("Ingest queue full, displaced oldest event",
				"dropped_level", dropped, "incoming_level", ev.Level, "capacity", q.capacity)
		}
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// displaceBelow removes the oldest event of the lowest level strictly
// below rank. ok is false when nothing lower is queued.
func (q *Queue) displaceBelow(rank int) (models.Level, bool) {
	for r := 0; r < rank; r++ {
		if q.levels[r].len() > 0 {
			e := q.levels[r].pop()
			q.size--
			return e.ev.Level, true
		}
	}
	return "", false
}

// PopBatch removes up to max events in arrival order. It never blocks;
// an empty queue yields nil.
func (q *Queue) PopBatch(max int) []models.LogEvent {
	q.mu.Lock()
	n := q.size
	if n > max {
		n = max
	}
	if n == 0 {
		q.mu.Unlock()
		return nil
	}
	out := make([]models.LogEvent, 0, n)
	for len(out) < n {
		best := -1
		var bestSeq uint64
		for r := range q.levels {
			if q.levels[r].len() == 0 {
				continue
			}
			if s := q.levels[r].peek().seq; best < 0 || s < bestSeq {
				best, bestSeq = r, s
			}
		}
		out = append(out, q.levels[best].pop().ev)
		q.size--
	}
	depth := q.size
	q.mu.Unlock()

	q.met.QueueDepth.Set(float64(depth))
	return out
}

// Len reports the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap reports the configured capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

// WaitNonEmpty blocks until the queue holds at least one event or ctx
// ends, reporting which.
func (q *Queue) WaitNonEmpty(ctx context.Context) bool {
	for {
		if q.Len() > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-q.wake:
		}
	}
}
