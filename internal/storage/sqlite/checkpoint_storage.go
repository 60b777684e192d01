package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
)

// CheckpointStorage implements SQLite persistence for per-job resume state
type CheckpointStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewCheckpointStorage creates a new checkpoint storage instance
func NewCheckpointStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.CheckpointStorage {
	return &CheckpointStorage{db: db, logger: logger}
}

// Save upserts the checkpoint blob. The upsert is a single statement, so
// the replace is atomic; a crash leaves either the old or the new blob.
func (s *CheckpointStorage) Save(ctx context.Context, jobID string, checkpoint *models.ScrapeCheckpoint) error {
	blob, err := checkpoint.ToJSON()
	if err != nil {
		return models.Tag(models.ErrKindStorage, err)
	}

	query := `
		INSERT INTO checkpoints (job_id, blob, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			blob = excluded.blob,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.db.ExecContext(ctx, query, jobID, string(blob), time.Now().Unix()); err != nil {
		return models.Tag(models.ErrKindStorage, fmt.Errorf("failed to save checkpoint: %w", err))
	}
	return nil
}

// Load returns the checkpoint for a job, or nil when none exists
func (s *CheckpointStorage) Load(ctx context.Context, jobID string) (*models.ScrapeCheckpoint, error) {
	var blob string
	err := s.db.db.QueryRowContext(ctx,
		`SELECT blob FROM checkpoints WHERE job_id = ?`, jobID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, models.Tag(models.ErrKindStorage, fmt.Errorf("failed to load checkpoint: %w", err))
	}
	return models.CheckpointFromJSON([]byte(blob))
}

// Delete removes a job's checkpoint. Called only on successful completion
// or explicit administrative reset.
func (s *CheckpointStorage) Delete(ctx context.Context, jobID string) error {
	if _, err := s.db.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE job_id = ?`, jobID); err != nil {
		return models.Tag(models.ErrKindStorage, fmt.Errorf("failed to delete checkpoint: %w", err))
	}
	return nil
}
