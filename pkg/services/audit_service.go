package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// AuditService appends and lists audit records. Every mutating API action
// goes through Record; failures are logged but never fail the action itself.
type AuditService struct {
	client *database.Client
}

// NewAuditService creates a new AuditService.
func NewAuditService(client *database.Client) *AuditService {
	return &AuditService{client: client}
}

// Record appends one audit row.
func (s *AuditService) Record(httpCtx context.Context, actor, action, resource, ip string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.client.Writer().ExecContext(ctx,
		`INSERT INTO audit_log (actor, action, resource, ip, at) VALUES (?, ?, ?, ?, ?)`,
		actor, action, resource, ip, models.ToMillis(time.Now()))
	if err != nil {
		slog.Error("Failed to write audit record",
			"actor", actor, "action", action, "resource", resource, "error", err)
	}
}

type auditRow struct {
	ID       int64  `db:"id"`
	Actor    string `db:"actor"`
	Action   string `db:"action"`
	Resource string `db:"resource"`
	IP       string `db:"ip"`
	At       int64  `db:"at"`
}

// List returns the newest records first.
func (s *AuditService) List(ctx context.Context, limit, offset int) ([]models.AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var rows []auditRow
	err := s.client.Reader().SelectContext(ctx, &rows,
		`SELECT id, actor, action, resource, ip, at FROM audit_log ORDER BY at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	out := make([]models.AuditRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.AuditRecord{
			ID:       r.ID,
			Actor:    r.Actor,
			Action:   r.Action,
			Resource: r.Resource,
			IP:       r.IP,
			At:       models.FromMillis(r.At),
		})
	}
	return out, nil
}
