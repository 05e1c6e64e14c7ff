package services

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ugorji/go/codec"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/models"
)

// Replay policy for failed batches.
const (
	MaxBatchAttempts = 10
	ReplaySelectCap  = 50
)

// FailedBatch is one persisted write batch awaiting replay.
type FailedBatch struct {
	ID            int64
	Events        []models.LogEvent
	FirstFailedAt time.Time
	LastAttemptAt time.Time
	Attempt       int
	Quarantined   bool
}

// FailedBatchService persists batches the writer could not commit, so a
// crash between failure and replay loses nothing.
type FailedBatchService struct {
	client *database.Client
}

func NewFailedBatchService(client *database.Client) *FailedBatchService {
	return &FailedBatchService{client: client}
}

// batchHandle configures msgpack for the payload blobs. RawToString keeps
// metadata strings as strings on the way back out.
func batchHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.WriteExt = true
	return h
}

func encodeBatch(events []models.LogEvent) ([]byte, error) {
	var blob []byte
	if err := codec.NewEncoderBytes(&blob, batchHandle()).Encode(events); err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	return blob, nil
}

func decodeBatch(blob []byte) ([]models.LogEvent, error) {
	var events []models.LogEvent
	if err := codec.NewDecoderBytes(blob, batchHandle()).Decode(&events); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}
	return events, nil
}

// Enqueue stores a freshly failed batch with attempt = 1.
func (s *FailedBatchService) Enqueue(ctx context.Context, events []models.LogEvent) (int64, error) {
	blob, err := encodeBatch(events)
	if err != nil {
		return 0, err
	}
	now := models.ToMillis(time.Now())
	res, err := s.client.Writer().ExecContext(ctx,
		`INSERT INTO failed_batches (payload_blob, first_failed_at, last_attempt_at, attempt)
		 VALUES (?, ?, ?, 1)`, blob, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue batch: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

type failedBatchRow struct {
	ID            int64  `db:"id"`
	PayloadBlob   []byte `db:"payload_blob"`
	FirstFailedAt int64  `db:"first_failed_at"`
	LastAttemptAt int64  `db:"last_attempt_at"`
	Attempt       int    `db:"attempt"`
	Quarantined   bool   `db:"quarantined"`
}

func (r failedBatchRow) model() (FailedBatch, error) {
	events, err := decodeBatch(r.PayloadBlob)
	if err != nil {
		return FailedBatch{}, err
	}
	return FailedBatch{
		ID:            r.ID,
		Events:        events,
		FirstFailedAt: models.FromMillis(r.FirstFailedAt),
		LastAttemptAt: models.FromMillis(r.LastAttemptAt),
		Attempt:       r.Attempt,
		Quarantined:   r.Quarantined,
	}, nil
}

// DueBatches returns up to ReplaySelectCap non-quarantined batches whose
// backoff window has elapsed at time now, oldest attempt first. A batch
// whose payload no longer decodes is quarantined on the spot rather than
// wedging the replay loop.
func (s *FailedBatchService) DueBatches(ctx context.Context, now time.Time, baseBackoff, maxBackoff time.Duration) ([]FailedBatch, error) {
	var rows []failedBatchRow
	err := s.client.Reader().SelectContext(ctx, &rows,
		`SELECT id, payload_blob, first_failed_at, last_attempt_at, attempt, quarantined
		 FROM failed_batches
		 WHERE quarantined = 0 AND attempt < ?
		 ORDER BY attempt, last_attempt_at
		 LIMIT ?`, MaxBatchAttempts, ReplaySelectCap)
	if err != nil {
		return nil, fmt.Errorf("failed to select due batches: %w", err)
	}

	out := make([]FailedBatch, 0, len(rows))
	for _, r := range rows {
		wait := backoffFor(r.Attempt, baseBackoff, maxBackoff)
		if now.Sub(models.FromMillis(r.LastAttemptAt)) < wait {
			continue
		}
		b, err := r.model()
		if err != nil {
			if qErr := s.Quarantine(ctx, r.ID); qErr != nil {
				return nil, qErr
			}
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// backoffFor doubles per attempt from base, capped at limit. The schedule
// must be deterministic so DueBatches stays idempotent across pollers, hence
// zero randomization.
func backoffFor(attempt int, base, limit time.Duration) time.Duration {
	bo := backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         limit,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()

	d := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	if d > limit {
		d = limit
	}
	return d
}

// MarkAttempt bumps the attempt counter after a failed replay.
func (s *FailedBatchService) MarkAttempt(ctx context.Context, id int64) (int, error) {
	_, err := s.client.Writer().ExecContext(ctx,
		`UPDATE failed_batches SET attempt = attempt + 1, last_attempt_at = ? WHERE id = ?`,
		models.ToMillis(time.Now()), id)
	if err != nil {
		return 0, fmt.Errorf("failed to mark batch attempt: %w", err)
	}
	var attempt int
	if err := s.client.Reader().GetContext(ctx, &attempt,
		`SELECT attempt FROM failed_batches WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("failed to read batch attempt: %w", err)
	}
	return attempt, nil
}

// Quarantine marks a batch terminal. It stays in the table for inspection
// until deleted by an operator.
func (s *FailedBatchService) Quarantine(ctx context.Context, id int64) error {
	if _, err := s.client.Writer().ExecContext(ctx,
		`UPDATE failed_batches SET quarantined = 1, last_attempt_at = ? WHERE id = ?`,
		models.ToMillis(time.Now()), id); err != nil {
		return fmt.Errorf("failed to quarantine batch: %w", err)
	}
	return nil
}

// Delete removes a replayed or inspected batch.
func (s *FailedBatchService) Delete(ctx context.Context, id int64) error {
	if _, err := s.client.Writer().ExecContext(ctx,
		`DELETE FROM failed_batches WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}
	return nil
}

// Counts reports pending and quarantined totals for health and metrics.
func (s *FailedBatchService) Counts(ctx context.Context) (pending, quarantined int64, err error) {
	type countRow struct {
		Quarantined bool  `db:"quarantined"`
		N           int64 `db:"n"`
	}
	var rows []countRow
	if err := s.client.Reader().SelectContext(ctx, &rows,
		`SELECT quarantined, COUNT(*) AS n FROM failed_batches GROUP BY quarantined`); err != nil {
		return 0, 0, fmt.Errorf("failed to count batches: %w", err)
	}
	for _, r := range rows {
		if r.Quarantined {
			quarantined = r.N
		} else {
			pending = r.N
		}
	}
	return pending, quarantined, nil
}
