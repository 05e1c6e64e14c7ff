// Package retention enforces storage bounds on the primary store: scheduled
// policy-driven eviction, timestamped verified backups, and compaction after
// large deletes.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/pipeline"
	"github.com/loghive/loghive/pkg/services"
)

// ErrBusy is returned when a pass is requested while one is running.
var ErrBusy = errors.New("retention pass already running")

const (
	backupPrefix     = "enterprise_logs_"
	backupTimeLayout = "2006-01-02_15-04-05"

	// System events older than this are pruned during housekeeping.
	systemEventRetention = 90 * 24 * time.Hour
)

// Result summarizes one eviction+backup pass.
type Result struct {
	Trigger    string `json:"trigger"`
	Evicted    int64  `json:"evicted"`
	Compacted  bool   `json:"compacted"`
	Backup     string `json:"backup,omitempty"`
	BackupErr  string `json:"backup_error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Runner executes retention passes on a cron schedule and on demand. A pass
// evicts the union of all enabled policies in bounded batches, compacts the
// store when enough rows were deleted, prunes expired sessions and old
// system events, and finishes with a verified backup.
type Runner struct {
	cfg        *config.RetentionConfig
	client     *database.Client
	policies   *services.RetentionService
	system     *services.SystemEventService
	users      *services.UserService
	hub        *pipeline.Hub
	met        *metrics.Metrics
	backupsDir string

	passMu sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewRunner assembles a retention runner. users may be nil when session
// housekeeping is not wanted.
func NewRunner(
	cfg *config.RetentionConfig,
	client *database.Client,
	policies *services.RetentionService,
	system *services.SystemEventService,
	users *services.UserService,
	hub *pipeline.Hub,
	met *metrics.Metrics,
	backupsDir string,
) *Runner {
	return &Runner{
		cfg:        cfg,
		client:     client,
		policies:   policies,
		system:     system,
		users:      users,
		hub:        hub,
		met:        met,
		backupsDir: backupsDir,
	}
}

// Start schedules passes per the configured cron expression.
func (r *Runner) Start(ctx context.Context) error {
	if r.cron != nil {
		return nil
	}
	ctx, r.cancel = context.WithCancel(ctx)

	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Schedule, func() { r.runScheduled(ctx) }); err != nil {
		r.cancel()
		r.cancel = nil
		return fmt.Errorf("failed to schedule retention: %w", err)
	}
	r.cron = c
	c.Start()

	slog.Info("Retention runner started",
		"schedule", r.cfg.Schedule,
		"eviction_batch", r.cfg.EvictionBatch,
		"backup_keep", r.cfg.BackupKeep)
	return nil
}

// Stop halts the schedule and waits for an in-flight pass to finish.
func (r *Runner) Stop() {
	if r.cron == nil {
		return
	}
	r.cancel()
	<-r.cron.Stop().Done()
	r.cron = nil
	r.cancel = nil
	slog.Info("Retention runner stopped")
}

func (r *Runner) runScheduled(ctx context.Context) {
	if _, err := r.Run(ctx, "scheduled"); err != nil && !errors.Is(err, ErrBusy) {
		slog.Error("Retention: scheduled pass failed", "error", err)
	}
}

// Run executes one pass. A pass already in flight returns ErrBusy; the next
// scheduled tick retries whatever this one could not finish.
func (r *Runner) Run(ctx context.Context, trigger string) (Result, error) {
	if !r.passMu.TryLock() {
		return Result{}, ErrBusy
	}
	defer r.passMu.Unlock()

	start := time.Now()
	res := Result{Trigger: trigger}

	evicted, evictErr := r.evict(ctx)
	res.Evicted = evicted
	if evicted > 0 {
		r.met.RetentionDeleted.Add(float64(evicted))
		slog.Info("Retention: evicted events", "count", evicted)
	}
	if evictErr != nil {
		slog.Error("Retention: eviction incomplete", "error", evictErr)
	}

	if evicted >= r.cfg.CompactionThreshold {
		if err := r.compact(ctx); err != nil {
			slog.Error("Retention: compaction failed", "error", err)
		} else {
			res.Compacted = true
			slog.Info("Retention: store compacted", "evicted", evicted)
		}
	}

	r.housekeeping(ctx)

	info, backupErr := r.backup(ctx, start)
	if backupErr != nil {
		res.BackupErr = backupErr.Error()
		slog.Error("Retention: backup failed", "error", backupErr)
		r.system.Append(services.SystemEventBackupFailed, pipeline.ChannelAlerts,
			map[string]string{"error": backupErr.Error()})
		r.hub.PublishNotice(pipeline.Notice{
			Event:   services.SystemEventBackupFailed,
			Channel: pipeline.ChannelAlerts,
			Payload: map[string]string{"error": backupErr.Error()},
		})
	} else {
		res.Backup = info.Name
		slog.Info("Retention: backup written", "name", info.Name, "size_bytes", info.SizeBytes)
		r.system.Append(services.SystemEventBackupCompleted, pipeline.ChannelMetrics, info)
	}

	res.DurationMS = time.Since(start).Milliseconds()
	r.system.Append(services.SystemEventRetentionRun, pipeline.ChannelMetrics, res)

	return res, errors.Join(evictErr, backupErr)
}

// evict applies every enabled policy in turn; sequential deletes realize
// the union of their eviction sets. A failing policy does not stop the
// others.
func (r *Runner) evict(ctx context.Context) (int64, error) {
	policies, err := r.policies.List(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("failed to list retention policies: %w", err)
	}

	var total int64
	var errs []error
	for _, p := range policies {
		n, err := r.applyPolicy(ctx, p)
		total += n
		if err != nil {
			slog.Error("Retention: policy failed",
				"policy_id", p.ID, "kind", string(p.Kind), "error", err)
			errs = append(errs, fmt.Errorf("policy %d: %w", p.ID, err))
			continue
		}
		if n > 0 {
			slog.Info("Retention: policy evicted events",
				"policy_id", p.ID, "kind", string(p.Kind), "count", n)
		}
	}
	return total, errors.Join(errs...)
}

func (r *Runner) applyPolicy(ctx context.Context, p models.RetentionPolicy) (int64, error) {
	cats, all, err := r.matchedCategories(ctx, p.CategoryGlob)
	if err != nil {
		return 0, err
	}
	if !all && len(cats) == 0 {
		return 0, nil
	}

	switch p.Kind {
	case models.RetainByAge:
		cutoff := models.ToMillis(time.Now().AddDate(0, 0, -int(p.Parameter)))
		return r.deleteOldest(ctx, "timestamp < ?", []any{cutoff}, cats, -1)

	case models.RetainByCount:
		count, err := r.countMatching(ctx, cats)
		if err != nil {
			return 0, err
		}
		if count <= p.Parameter {
			return 0, nil
		}
		return r.deleteOldest(ctx, "1=1", nil, cats, count-p.Parameter)

	case models.RetainBySize:
		var total int64
		for {
			size, err := r.liveBytes(ctx)
			if err != nil {
				return total, err
			}
			if size <= p.Parameter {
				return total, nil
			}
			n, err := r.deleteOldest(ctx, "1=1", nil, cats, int64(r.cfg.EvictionBatch))
			total += n
			if err != nil {
				return total, err
			}
			if n == 0 {
				// Nothing left under this policy's scope; the store may
				// still exceed the target because of other categories.
				return total, nil
			}
		}
	}
	return 0, nil
}

// matchedCategories resolves a category glob against the categories
// currently in the store. all is true for the unrestricted "*" glob, which
// skips the IN filter entirely so events with empty categories are covered.
func (r *Runner) matchedCategories(ctx context.Context, glob string) ([]string, bool, error) {
	if glob == "" || glob == "*" {
		return nil, true, nil
	}
	var cats []string
	if err := r.client.Reader().SelectContext(ctx, &cats,
		`SELECT DISTINCT category FROM log_events`); err != nil {
		return nil, false, fmt.Errorf("failed to list categories: %w", err)
	}
	matched := cats[:0]
	for _, c := range cats {
		ok, err := doublestar.Match(glob, c)
		if err != nil {
			return nil, false, fmt.Errorf("bad category glob %q: %w", glob, err)
		}
		if ok {
			matched = append(matched, c)
		}
	}
	return matched, false, nil
}

func (r *Runner) countMatching(ctx context.Context, cats []string) (int64, error) {
	query := `SELECT COUNT(*) FROM log_events`
	var args []any
	if cats != nil {
		query += ` WHERE category IN (?)`
		q, expanded, err := sqlx.In(query, cats)
		if err != nil {
			return 0, fmt.Errorf("failed to build count query: %w", err)
		}
		query, args = q, expanded
	}
	var count int64
	if err := r.client.Reader().GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// deleteOldest removes rows matching pred, oldest first, in EvictionBatch
// chunks so no single transaction holds the write lock for long. maxRows
// caps the total; negative means unbounded.
func (r *Runner) deleteOldest(ctx context.Context, pred string, args []any, cats []string, maxRows int64) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch := int64(r.cfg.EvictionBatch)
		if maxRows >= 0 && maxRows-total < batch {
			batch = maxRows - total
		}
		if batch <= 0 {
			return total, nil
		}

		query := `DELETE FROM log_events WHERE id IN (
		            SELECT id FROM log_events WHERE ` + pred
		qargs := append([]any{}, args...)
		if cats != nil {
			query += ` AND category IN (?)`
			qargs = append(qargs, cats)
		}
		query += ` ORDER BY timestamp, id LIMIT ?)`
		qargs = append(qargs, batch)

		q, expanded, err := sqlx.In(query, qargs...)
		if err != nil {
			return total, fmt.Errorf("failed to build eviction query: %w", err)
		}
		res, err := r.client.Writer().ExecContext(ctx, q, expanded...)
		if err != nil {
			return total, fmt.Errorf("failed to evict events: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
		if n < batch {
			return total, nil
		}
	}
}

// liveBytes is the store size excluding freelist pages, so eviction progress
// is visible before compaction reclaims the file space.
func (r *Runner) liveBytes(ctx context.Context) (int64, error) {
	var pageCount, freelist, pageSize int64
	if err := r.client.Reader().GetContext(ctx, &pageCount, `PRAGMA page_count`); err != nil {
		return 0, fmt.Errorf("page_count: %w", err)
	}
	if err := r.client.Reader().GetContext(ctx, &freelist, `PRAGMA freelist_count`); err != nil {
		return 0, fmt.Errorf("freelist_count: %w", err)
	}
	if err := r.client.Reader().GetContext(ctx, &pageSize, `PRAGMA page_size`); err != nil {
		return 0, fmt.Errorf("page_size: %w", err)
	}
	return (pageCount - freelist) * pageSize, nil
}

// compact reclaims freed pages. VACUUM runs outside any transaction on the
// writer handle, then the WAL is truncated so the reclaimed space is real.
func (r *Runner) compact(ctx context.Context) error {
	if _, err := r.client.Writer().ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if _, err := r.client.Writer().ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

func (r *Runner) housekeeping(ctx context.Context) {
	if r.users != nil {
		if n, err := r.users.PurgeExpiredSessions(ctx); err != nil {
			slog.Error("Retention: session purge failed", "error", err)
		} else if n > 0 {
			slog.Info("Retention: purged expired sessions", "count", n)
		}
	}
	if n, err := r.system.Prune(ctx, time.Now().Add(-systemEventRetention)); err != nil {
		slog.Error("Retention: system event prune failed", "error", err)
	} else if n > 0 {
		slog.Info("Retention: pruned old system events", "count", n)
	}
}

// backup snapshots the store with VACUUM INTO, verifies the copy by opening
// it and probing, then prunes snapshots beyond the keep count. A copy that
// fails verification is removed so a broken file never lingers as the
// newest backup.
func (r *Runner) backup(ctx context.Context, now time.Time) (models.BackupInfo, error) {
	if err := os.MkdirAll(r.backupsDir, 0o755); err != nil {
		return models.BackupInfo{}, fmt.Errorf("failed to create backups dir: %w", err)
	}
	name := backupPrefix + now.UTC().Format(backupTimeLayout) + ".db"
	dest := filepath.Join(r.backupsDir, name)

	start := time.Now()
	if _, err := r.client.Writer().ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		_ = os.Remove(dest)
		return models.BackupInfo{}, fmt.Errorf("failed to write backup: %w", err)
	}
	if err := verifyBackup(ctx, dest); err != nil {
		_ = os.Remove(dest)
		return models.BackupInfo{}, fmt.Errorf("backup verification failed: %w", err)
	}
	r.met.BackupDuration.Observe(time.Since(start).Seconds())

	fi, err := os.Stat(dest)
	if err != nil {
		return models.BackupInfo{}, fmt.Errorf("failed to stat backup: %w", err)
	}

	r.pruneBackups()

	return models.BackupInfo{Name: name, SizeBytes: fi.Size(), CreatedAt: now.UTC()}, nil
}

func verifyBackup(ctx context.Context, path string) error {
	db, err := sqlx.Open("sqlite", database.DSN(path, time.Second, false))
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	var result string
	if err := db.GetContext(ctx, &result, `PRAGMA integrity_check(1)`); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	var count int64
	if err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM log_events`); err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	return nil
}

// ListBackups returns the snapshots in the backups directory, newest first.
func (r *Runner) ListBackups() ([]models.BackupInfo, error) {
	entries, err := os.ReadDir(r.backupsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backups dir: %w", err)
	}

	var out []models.BackupInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, ".db") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		created := fi.ModTime().UTC()
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), ".db")
		if t, err := time.Parse(backupTimeLayout, stamp); err == nil {
			created = t.UTC()
		}
		out = append(out, models.BackupInfo{Name: name, SizeBytes: fi.Size(), CreatedAt: created})
	}
	// Timestamped names order chronologically; newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

func (r *Runner) pruneBackups() {
	infos, err := r.ListBackups()
	if err != nil {
		slog.Warn("Retention: backup listing failed", "error", err)
		return
	}
	for i := r.cfg.BackupKeep; i < len(infos); i++ {
		if err := os.Remove(filepath.Join(r.backupsDir, infos[i].Name)); err != nil {
			slog.Warn("Retention: backup prune failed", "name", infos[i].Name, "error", err)
			continue
		}
		slog.Info("Retention: pruned old backup", "name", infos[i].Name)
	}
}
