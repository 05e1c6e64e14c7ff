package search

import (
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/loghive/loghive/pkg/models"
)

const eventColumns = `id, timestamp, ingest_time, level, source, category, message,
	host, peer_ip, geo, user_agent, tags, metadata, dedup_key`

// eventRow is the sqlx scan target for log_events.
type eventRow struct {
	ID         int64          `db:"id"`
	Timestamp  int64          `db:"timestamp"`
	IngestTime int64          `db:"ingest_time"`
	Level      string         `db:"level"`
	Source     string         `db:"source"`
	Category   string         `db:"category"`
	Message    string         `db:"message"`
	Host       sql.NullString `db:"host"`
	PeerIP     sql.NullString `db:"peer_ip"`
	Geo        sql.NullString `db:"geo"`
	UserAgent  sql.NullString `db:"user_agent"`
	Tags       sql.NullString `db:"tags"`
	Metadata   sql.NullString `db:"metadata"`
	DedupKey   sql.NullString `db:"dedup_key"`
}

func (r eventRow) model() models.LogEvent {
	ev := models.LogEvent{
		ID:         r.ID,
		Timestamp:  models.FromMillis(r.Timestamp),
		IngestTime: models.FromMillis(r.IngestTime),
		Level:      models.Level(r.Level),
		Source:     r.Source,
		Category:   r.Category,
		Message:    r.Message,
		Host:       r.Host.String,
		PeerIP:     r.PeerIP.String,
		DedupKey:   r.DedupKey.String,
	}
	if r.Geo.Valid && r.Geo.String != "" {
		var geo models.GeoInfo
		if err := json.Unmarshal([]byte(r.Geo.String), &geo); err == nil {
			ev.Geo = &geo
		} else {
			slog.Warn("Undecodable geo column", "event_id", r.ID, "error", err)
		}
	}
	if r.UserAgent.Valid && r.UserAgent.String != "" {
		var ua models.UserAgentInfo
		if err := json.Unmarshal([]byte(r.UserAgent.String), &ua); err == nil {
			ev.UserAgent = &ua
		} else {
			slog.Warn("Undecodable user agent column", "event_id", r.ID, "error", err)
		}
	}
	if r.Tags.Valid && r.Tags.String != "" {
		_ = json.Unmarshal([]byte(r.Tags.String), &ev.Tags)
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		_ = json.Unmarshal([]byte(r.Metadata.String), &ev.Metadata)
	}
	return ev
}
