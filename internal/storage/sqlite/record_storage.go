package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
)

// RecordStorage implements SQLite persistence for extracted records
type RecordStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewRecordStorage creates a new record storage instance
func NewRecordStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.RecordStorage {
	return &RecordStorage{db: db, logger: logger}
}

// AppendRecords inserts a batch in a single transaction. The unique
// (job_id, fingerprint) index absorbs retried inserts; duplicates are
// counted, not errors. Either all non-duplicate rows commit or none do.
func (s *RecordStorage) AppendRecords(ctx context.Context, jobID string, records []*models.Record) (*interfaces.AppendResult, error) {
	result := &interfaces.AppendResult{}
	if len(records) == 0 {
		return result, nil
	}

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, models.Tag(models.ErrKindStorage, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO records
			(id, job_id, fingerprint, target_key, payload_json, author, category, synced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`)
	if err != nil {
		return nil, models.Tag(models.ErrKindStorage, fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	for _, record := range records {
		record.JobID = jobID
		payload, err := json.Marshal(record)
		if err != nil {
			return nil, models.Tag(models.ErrKindStorage, fmt.Errorf("failed to marshal record: %w", err))
		}

		res, err := stmt.ExecContext(ctx,
			record.ID,
			jobID,
			record.Fingerprint(),
			record.Target.Key(),
			string(payload),
			record.Author,
			record.Category,
			record.CreatedAt.Unix(),
		)
		if err != nil {
			return nil, models.Tag(models.ErrKindStorage, fmt.Errorf("failed to insert record: %w", err))
		}

		rows, _ := res.RowsAffected()
		if rows > 0 {
			result.Inserted++
		} else {
			result.DuplicateSkipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, models.Tag(models.ErrKindStorage, fmt.Errorf("failed to commit batch: %w", err))
	}

	s.logger.Debug().
		Str("job_id", jobID).
		Int("inserted", result.Inserted).
		Int("duplicates", result.DuplicateSkipped).
		Msg("Record batch appended")

	return result, nil
}

// ListUnsynced returns unsynced records in insertion order so an upload
// consumer can replay the timeline. Empty jobID means all jobs.
func (s *RecordStorage) ListUnsynced(ctx context.Context, jobID string, limit int) ([]*models.Record, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT payload_json, synced, category FROM records
		WHERE synced = 0 AND (? = '' OR job_id = ?)
		ORDER BY rowid ASC
		LIMIT ?
	`
	rows, err := s.db.db.QueryContext(ctx, query, jobID, jobID, limit)
	if err != nil {
		return nil, models.Tag(models.ErrKindStorage, fmt.Errorf("failed to list unsynced records: %w", err))
	}
	defer rows.Close()

	return scanRecords(rows)
}

// MarkSynced flips synced=true for the given records. Idempotent: marking
// an already-synced record is a no-op.
func (s *RecordStorage) MarkSynced(ctx context.Context, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(recordIDs))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf(`UPDATE records SET synced = 1 WHERE id IN (%s)`, placeholders)

	args := make([]interface{}, len(recordIDs))
	for i, id := range recordIDs {
		args[i] = id
	}

	if _, err := s.db.db.ExecContext(ctx, query, args...); err != nil {
		return models.Tag(models.ErrKindStorage, fmt.Errorf("failed to mark records synced: %w", err))
	}
	return nil
}

// ResetSyncFlag clears synced for a job's records (administrative re-sync)
func (s *RecordStorage) ResetSyncFlag(ctx context.Context, jobID string) (int, error) {
	result, err := s.db.db.ExecContext(ctx,
		`UPDATE records SET synced = 0 WHERE job_id = ?`, jobID)
	if err != nil {
		return 0, models.Tag(models.ErrKindStorage, fmt.Errorf("failed to reset sync flags: %w", err))
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// ListRecords returns records matching the filter in insertion order
func (s *RecordStorage) ListRecords(ctx context.Context, filter *models.RecordFilter) ([]*models.Record, error) {
	if filter == nil {
		filter = &models.RecordFilter{}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var conditions []string
	var args []interface{}

	if filter.JobID != "" {
		conditions = append(conditions, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.Synced != nil {
		conditions = append(conditions, "synced = ?")
		args = append(args, boolToInt(*filter.Synced))
	}
	if filter.Author != "" {
		conditions = append(conditions, "author = ?")
		args = append(args, filter.Author)
	}
	if filter.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, filter.Category)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT payload_json, synced, category FROM records
		%s
		ORDER BY rowid ASC
		LIMIT ? OFFSET ?
	`, where)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.Tag(models.ErrKindStorage, fmt.Errorf("failed to list records: %w", err))
	}
	defer rows.Close()

	return scanRecords(rows)
}

// CountRecords returns the record count for a job
func (s *RecordStorage) CountRecords(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE job_id = ?`, jobID).Scan(&count)
	if err != nil {
		return 0, models.Tag(models.ErrKindStorage, err)
	}
	return count, nil
}

// SetCategory overwrites the classifier hint with the user's category.
// The override is authoritative; the payload blob is updated to match.
func (s *RecordStorage) SetCategory(ctx context.Context, recordID, category string) error {
	var payload string
	err := s.db.db.QueryRowContext(ctx,
		`SELECT payload_json FROM records WHERE id = ?`, recordID).Scan(&payload)
	if err == sql.ErrNoRows {
		return fmt.Errorf("record %s not found", recordID)
	}
	if err != nil {
		return models.Tag(models.ErrKindStorage, err)
	}

	var record models.Record
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return models.Tag(models.ErrKindStorage, fmt.Errorf("failed to unmarshal record payload: %w", err))
	}
	record.Category = category

	updated, err := json.Marshal(&record)
	if err != nil {
		return models.Tag(models.ErrKindStorage, fmt.Errorf("failed to marshal record payload: %w", err))
	}

	_, err = s.db.db.ExecContext(ctx,
		`UPDATE records SET category = ?, payload_json = ? WHERE id = ?`,
		category, string(updated), recordID)
	if err != nil {
		return models.Tag(models.ErrKindStorage, fmt.Errorf("failed to set category: %w", err))
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]*models.Record, error) {
	var records []*models.Record
	for rows.Next() {
		var (
			payload  string
			synced   int
			category sql.NullString
		)
		if err := rows.Scan(&payload, &synced, &category); err != nil {
			return nil, models.Tag(models.ErrKindStorage, err)
		}

		var record models.Record
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			return nil, models.Tag(models.ErrKindStorage, fmt.Errorf("failed to unmarshal record: %w", err))
		}
		// Columns are authoritative for mutable fields
		record.Synced = synced == 1
		if category.Valid {
			record.Category = category.String
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
