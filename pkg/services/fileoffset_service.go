package services

import (
	"context"
	"fmt"
	"time"

	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/ingest"
	"github.com/loghive/loghive/pkg/models"
)

// FileOffsetService persists file-tail replay positions so tailing resumes
// where it left off after a restart. It backs ingest.OffsetStore.
type FileOffsetService struct {
	client *database.Client
}

func NewFileOffsetService(client *database.Client) *FileOffsetService {
	return &FileOffsetService{client: client}
}

type fileOffsetRow struct {
	Path      string `db:"path"`
	Inode     uint64 `db:"inode"`
	Offset    int64  `db:"offset"`
	UpdatedAt int64  `db:"updated_at"`
}

// LoadOffsets returns every stored position keyed by path.
func (s *FileOffsetService) LoadOffsets(ctx context.Context) (map[string]ingest.FileOffset, error) {
	var rows []fileOffsetRow
	if err := s.client.Reader().SelectContext(ctx, &rows,
		`SELECT path, inode, "offset", updated_at FROM file_offsets`); err != nil {
		return nil, fmt.Errorf("failed to load file offsets: %w", err)
	}

	out := make(map[string]ingest.FileOffset, len(rows))
	for _, r := range rows {
		out[r.Path] = ingest.FileOffset{Path: r.Path, Inode: r.Inode, Offset: r.Offset}
	}
	return out, nil
}

// SaveOffset upserts the position for path.
func (s *FileOffsetService) SaveOffset(ctx context.Context, path string, inode uint64, offset int64) error {
	_, err := s.client.Writer().ExecContext(ctx,
		`INSERT INTO file_offsets (path, inode, "offset", updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET inode = excluded.inode,
		   "offset" = excluded."offset", updated_at = excluded.updated_at`,
		path, inode, offset, models.ToMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save offset for %s: %w", path, err)
	}
	return nil
}

// DeleteOffset forgets the position for a removed file.
func (s *FileOffsetService) DeleteOffset(ctx context.Context, path string) error {
	if _, err := s.client.Writer().ExecContext(ctx,
		`DELETE FROM file_offsets WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete offset for %s: %w", path, err)
	}
	return nil
}
