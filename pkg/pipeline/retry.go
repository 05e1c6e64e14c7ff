package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/services"
)

// Retry replays persisted failed batches through the writer's transaction
// path. Each batch follows the doubling backoff schedule; a batch that
// exhausts its attempts is quarantined, announced on the alerts channel,
// and left in the table for inspection.
type Retry struct {
	cfg    *config.RetryConfig
	failed *services.FailedBatchService
	writer *Writer
	system *services.SystemEventService
	hub    *Hub
	met    *metrics.Metrics
	notify TaskNotify

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetry wires the replay worker. Nothing runs until Start.
func NewRetry(cfg *config.RetryConfig, failed *services.FailedBatchService, writer *Writer,
	system *services.SystemEventService, hub *Hub, met *metrics.Metrics, notify TaskNotify) *Retry {
	return &Retry{
		cfg:    cfg,
		failed: failed,
		writer: writer,
		system: system,
		hub:    hub,
		met:    met,
		notify: notify,
	}
}

// Start launches the polling loop. The first scan runs immediately so
// batches surviving a crash are replayed without waiting a full interval.
func (r *Retry) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		RunSupervised(ctx, "retry_replayer", r.notify, r.run)
	}()

	slog.Info("Retry replayer started", "poll_interval", r.cfg.PollInterval)
}

// Stop ends the loop. A replay in flight is abandoned mid-transaction and
// picked up again after restart; the dedup constraint absorbs any partial
// overlap.
func (r *Retry) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	slog.Info("Retry replayer stopped")
}

func (r *Retry) run(ctx context.Context) {
	r.replayDue(ctx)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.replayDue(ctx)
		}
	}
}

func (r *Retry) replayDue(ctx context.Context) {
	due, err := r.failed.DueBatches(ctx, time.Now(), r.cfg.BaseBackoff, r.cfg.MaxBackoff)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Failed to scan replay queue", "error", err)
		}
		return
	}

	for _, batch := range due {
		if ctx.Err() != nil {
			return
		}
		committed, err := r.writer.commitBatch(ctx, batch.Events)
		if err != nil {
			r.failBatch(ctx, batch.ID, len(batch.Events), err)
			continue
		}
		if err := r.failed.Delete(ctx, batch.ID); err != nil {
			slog.Error("Replayed batch not deleted, rerun will be dedup-suppressed",
				"batch_id", batch.ID, "error", err)
		}
		r.met.RetryReplayed.Inc()
		slog.Info("Replayed failed batch",
			"batch_id", batch.ID, "events", len(batch.Events), "attempt", batch.Attempt)
		r.hub.PublishEvents(committed)
	}
}

func (r *Retry) failBatch(ctx context.Context, id int64, size int, cause error) {
	attempt, err := r.failed.MarkAttempt(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Failed to record replay attempt", "batch_id", id, "error", err)
		}
		return
	}
	if attempt < r.cfg.MaxAttempts {
		slog.Warn("Batch replay failed",
			"batch_id", id, "attempt", attempt, "error", cause)
		return
	}

	if err := r.failed.Quarantine(ctx, id); err != nil {
		slog.Error("Failed to quarantine batch", "batch_id", id, "error", err)
		return
	}
	r.met.RetryQuarantined.Inc()
	payload := map[string]any{
		"batch_id": id,
		"events":   size,
		"attempts": attempt,
		"error":    cause.Error(),
	}
	r.system.Append(services.SystemEventBatchQuarantined, ChannelAlerts, payload)
	r.hub.PublishNotice(Notice{
		Event:   services.SystemEventBatchQuarantined,
		Channel: ChannelAlerts,
		Payload: payload,
	})
	slog.Error("Batch quarantined after exhausting replay attempts",
		"batch_id", id, "attempts", attempt, "error", cause)
}
