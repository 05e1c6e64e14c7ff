package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/services"
)

const insertEventSQL = `INSERT OR IGNORE INTO log_events
	(timestamp, ingest_time, level, source, category, message,
	 host, peer_ip, geo, user_agent, tags, metadata, dedup_key)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Writer is the single consumer of the ingest queue. It coalesces events
// into batches closed by size or age, commits each batch in one
// transaction, and hands committed events to the fan-out hub. A failed
// batch goes to the persistent replay queue, never into an inline retry.
type Writer struct {
	cfg    *config.WriterConfig
	client *database.Client
	queue  *Queue
	failed *services.FailedBatchService
	hub    *Hub
	met    *metrics.Metrics
	notify TaskNotify

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter wires the writer to its queue and store. Nothing runs until
// Start.
func NewWriter(cfg *config.WriterConfig, client *database.Client, queue *Queue,
	failed *services.FailedBatchService, hub *Hub, met *metrics.Metrics, notify TaskNotify) *Writer {
	return &Writer{
		cfg:    cfg,
		client: client,
		queue:  queue,
		failed: failed,
		hub:    hub,
		met:    met,
		notify: notify,
	}
}

// Start launches the consumer loop.
func (w *Writer) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		RunSupervised(ctx, "batch_writer", w.notify, w.run)
	}()

	slog.Info("Batch writer started",
		"max_batch", w.cfg.MaxBatch, "max_wait", w.cfg.MaxWait)
}

// Stop drains the queue for up to its configured drain timeout, then lets
// the loop flush one final batch and exits. Events still queued after
// that are lost; events already handed to the replay queue are not.
func (w *Writer) Stop() {
	if w.cancel == nil {
		return
	}
	deadline := time.Now().Add(w.queue.drainTimeout)
	for time.Now().Before(deadline) {
		if w.queue.Len() == 0 {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	w.cancel()
	<-w.done
	slog.Info("Batch writer stopped")
}

func (w *Writer) run(ctx context.Context) {
	for {
		if !w.queue.WaitNonEmpty(ctx) {
			w.finalFlush()
			return
		}
		if batch := w.collect(ctx); len(batch) > 0 {
			w.flush(batch)
		}
	}
}

// collect closes a batch by size or age, whichever comes first. The age
// clock starts at the first event.
func (w *Writer) collect(ctx context.Context) []models.LogEvent {
	batch := w.queue.PopBatch(w.cfg.MaxBatch)
	if len(batch) == 0 || len(batch) >= w.cfg.MaxBatch {
		return batch
	}

	timer := time.NewTimer(w.cfg.MaxWait)
	defer timer.Stop()

	for len(batch) < w.cfg.MaxBatch {
		select {
		case <-ctx.Done():
			return batch
		case <-timer.C:
			return batch
		case <-w.queue.wake:
			batch = append(batch, w.queue.PopBatch(w.cfg.MaxBatch-len(batch))...)
		}
	}
	return batch
}

// finalFlush commits whatever one last batch holds after the loop context
// ended. Shutdown uses a fresh context so the write is not aborted by the
// cancellation that triggered it.
func (w *Writer) finalFlush() {
	if batch := w.queue.PopBatch(w.cfg.MaxBatch); len(batch) > 0 {
		w.flush(batch)
	}
	if n := w.queue.Len(); n > 0 {
		slog.Warn("Shutting down with events still queued", "remaining", n)
	}
}

func (w *Writer) flush(batch []models.LogEvent) {
	committed, err := w.commitBatch(context.Background(), batch)
	if err != nil {
		w.met.WriteFailures.Inc()
		slog.Error("Batch write failed, queueing for replay",
			"events", len(batch), "error", err)
		if _, qErr := w.failed.Enqueue(context.Background(), batch); qErr != nil {
			slog.Error("Failed to persist batch for replay, events lost",
				"events", len(batch), "error", qErr)
		}
		return
	}
	w.hub.PublishEvents(committed)
}

// commitBatch writes events in a single transaction under the write
// deadline and returns the inserted subset with ids assigned. Events
// suppressed by the dedup constraint are counted and excluded. The replay
// worker calls this too, so retried batches take the identical path.
func (w *Writer) commitBatch(ctx context.Context, events []models.LogEvent) ([]models.LogEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	committed := make([]models.LogEvent, 0, len(events))
	var deduped int64

	err := w.client.WithWriteTx(ctx, func(tx *sqlx.Tx) error {
		committed = committed[:0]
		deduped = 0
		stmt, err := tx.PrepareContext(ctx, insertEventSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, ev := range events {
			res, err := stmt.ExecContext(ctx, eventArgs(ev)...)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				deduped++
				continue
			}
			id, _ := res.LastInsertId()
			ev.ID = id
			committed = append(committed, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.met.WriteLatency.Observe(float64(time.Since(start).Microseconds()) / 1000)
	w.met.BatchSize.Observe(float64(len(events)))
	if deduped > 0 {
		w.met.Deduplicated.Add(float64(deduped))
	}
	type tally struct{ events, bytes int }
	bySource := make(map[string]*tally)
	for i := range committed {
		t := bySource[committed[i].Source]
		if t == nil {
			t = &tally{}
			bySource[committed[i].Source] = t
		}
		t.events++
		t.bytes += len(committed[i].Message)
	}
	for source, t := range bySource {
		w.met.EventsWritten.WithLabelValues(source).Add(float64(t.events))
		w.met.BytesWritten.WithLabelValues(source).Add(float64(t.bytes))
	}
	return committed, nil
}

// eventArgs maps an event onto the insert placeholders. Empty optional
// columns become NULL; dedup_key in particular must be NULL, not "", for
// the partial unique index to skip it.
func eventArgs(ev models.LogEvent) []any {
	return []any{
		models.ToMillis(ev.Timestamp),
		models.ToMillis(ev.IngestTime),
		string(ev.Level),
		ev.Source,
		ev.Category,
		ev.Message,
		nullable(ev.Host),
		nullable(ev.PeerIP),
		jsonColumn(ev.Geo),
		jsonColumn(ev.UserAgent),
		jsonColumn(ev.Tags),
		jsonColumn(ev.Metadata),
		nullable(ev.DedupKey),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// jsonColumn marshals v for a TEXT column, treating nils and empty
// containers as NULL. A value that will not marshal is logged and stored
// as NULL rather than poisoning the whole batch.
func jsonColumn(v any) any {
	switch t := v.(type) {
	case *models.GeoInfo:
		if t == nil {
			return nil
		}
	case *models.UserAgentInfo:
		if t == nil {
			return nil
		}
	case []string:
		if len(t) == 0 {
			return nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Undecodable event field dropped", "error", err)
		return nil
	}
	return string(b)
}
