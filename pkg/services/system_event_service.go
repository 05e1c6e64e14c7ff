package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// SystemEvent kinds emitted by the engines and background tasks.
const (
	SystemEventAlertFired       = "alert_fired"
	SystemEventCorrelationMatch = "correlation_matched"
	SystemEventAnomalyFlagged   = "anomaly_flagged"
	SystemEventBatchQuarantined = "batch_quarantined"
	SystemEventBackupCompleted  = "backup_completed"
	SystemEventBackupFailed     = "backup_failed"
	SystemEventRetentionRun     = "retention_run"
	SystemEventTaskPanic        = "task_panic"
)

// SystemEventService appends to and reads the system_events side table.
// Appends never fail the caller; a lost operational event is logged and
// dropped.
type SystemEventService struct {
	client *database.Client
}

func NewSystemEventService(client *database.Client) *SystemEventService {
	return &SystemEventService{client: client}
}

// Append records a system event. payload is marshaled to JSON; nil becomes
// an empty object.
func (s *SystemEventService) Append(kind, channel string, payload any) {
	body := []byte("{}")
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			slog.Error("Failed to encode system event payload", "kind", kind, "error", err)
		} else {
			body = encoded
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.client.Writer().ExecContext(ctx,
		`INSERT INTO system_events (kind, channel, payload, created_at) VALUES (?, ?, ?, ?)`,
		kind, channel, string(body), models.ToMillis(time.Now()))
	if err != nil {
		slog.Error("Failed to record system event", "kind", kind, "channel", channel, "error", err)
	}
}

// List returns system events newest first, optionally narrowed to one kind.
func (s *SystemEventService) List(ctx context.Context, kind string, limit, offset int) ([]models.SystemEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, kind, channel, payload, created_at FROM system_events
	          ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args := []any{limit, offset}
	if kind != "" {
		query = `SELECT id, kind, channel, payload, created_at FROM system_events
		         WHERE kind = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
		args = []any{kind, limit, offset}
	}

	type row struct {
		ID        int64  `db:"id"`
		Kind      string `db:"kind"`
		Channel   string `db:"channel"`
		Payload   string `db:"payload"`
		CreatedAt int64  `db:"created_at"`
	}
	var rows []row
	if err := s.client.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list system events: %w", err)
	}

	out := make([]models.SystemEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.SystemEvent{
			ID:        r.ID,
			Kind:      r.Kind,
			Channel:   r.Channel,
			Payload:   json.RawMessage(r.Payload),
			CreatedAt: models.FromMillis(r.CreatedAt),
		})
	}
	return out, nil
}

// Prune drops system events older than the cutoff, returning rows removed.
// The retention job calls this alongside event eviction.
func (s *SystemEventService) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.client.Writer().ExecContext(ctx,
		`DELETE FROM system_events WHERE created_at < ?`, models.ToMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to prune system events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
