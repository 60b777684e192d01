package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
)

// JobStorage implements SQLite persistence for scrape jobs
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{db: db, logger: logger}
}

// CreateJob inserts a new job row
func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	specJSON, err := job.Spec.ToJSON()
	if err != nil {
		return models.Tag(models.ErrKindStorage, err)
	}

	shortfallsJSON, err := marshalShortfalls(job.Shortfalls)
	if err != nil {
		return models.Tag(models.ErrKindStorage, err)
	}

	query := `
		INSERT INTO jobs (id, name, spec_json, status, priority, record_count,
			last_error, error_kind, upload_error, shortfalls_json,
			created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.db.ExecContext(ctx, query,
		job.ID,
		job.Spec.Name,
		specJSON,
		string(job.Status),
		job.Spec.Priority,
		job.RecordCount,
		job.LastError,
		string(job.ErrorKind),
		job.UploadError,
		shortfallsJSON,
		job.CreatedAt.Unix(),
		nullableUnix(job.StartedAt),
		nullableUnix(job.CompletedAt),
	)
	if err != nil {
		return models.Tag(models.ErrKindStorage, fmt.Errorf("failed to insert job: %w", err))
	}

	s.logger.Debug().Str("job_id", job.ID).Str("name", job.Spec.Name).Msg("Job created")
	return nil
}

// GetJob loads a job by id
func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	query := `
		SELECT id, spec_json, status, record_count, last_error, error_kind,
			upload_error, shortfalls_json, created_at, started_at, completed_at
		FROM jobs WHERE id = ?
	`
	row := s.db.db.QueryRowContext(ctx, query, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return nil, models.Tag(models.ErrKindStorage, err)
	}
	return job, nil
}

// UpdateJob persists the job's mutable state
func (s *JobStorage) UpdateJob(ctx context.Context, job *models.Job) error {
	shortfallsJSON, err := marshalShortfalls(job.Shortfalls)
	if err != nil {
		return models.Tag(models.ErrKindStorage, err)
	}

	query := `
		UPDATE jobs SET status = ?, record_count = ?, last_error = ?,
			error_kind = ?, upload_error = ?, shortfalls_json = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?
	`
	result, err := s.db.db.ExecContext(ctx, query,
		string(job.Status),
		job.RecordCount,
		job.LastError,
		string(job.ErrorKind),
		job.UploadError,
		shortfallsJSON,
		nullableUnix(job.StartedAt),
		nullableUnix(job.CompletedAt),
		job.ID,
	)
	if err != nil {
		return models.Tag(models.ErrKindStorage, fmt.Errorf("failed to update job: %w", err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

// UpdateJobState transitions only the job status
func (s *JobStorage) UpdateJobState(ctx context.Context, jobID string, status models.JobStatus) error {
	query := `UPDATE jobs SET status = ? WHERE id = ?`
	result, err := s.db.db.ExecContext(ctx, query, string(status), jobID)
	if err != nil {
		return models.Tag(models.ErrKindStorage, fmt.Errorf("failed to update job state: %w", err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("job %s not found", jobID)
	}
	return nil
}

// ListJobs returns jobs matching the filter, newest first by default
func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	if opts == nil {
		opts = &interfaces.JobListOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	orderBy := "created_at"
	if opts.OrderBy == "name" || opts.OrderBy == "status" {
		orderBy = opts.OrderBy
	}
	orderDir := "DESC"
	if opts.OrderDir == "ASC" || opts.OrderDir == "asc" {
		orderDir = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT id, spec_json, status, record_count, last_error, error_kind,
			upload_error, shortfalls_json, created_at, started_at, completed_at
		FROM jobs
		WHERE (? = '' OR status = ?)
		ORDER BY %s %s
		LIMIT ? OFFSET ?
	`, orderBy, orderDir)

	rows, err := s.db.db.QueryContext(ctx, query, opts.Status, opts.Status, limit, opts.Offset)
	if err != nil {
		return nil, models.Tag(models.ErrKindStorage, fmt.Errorf("failed to list jobs: %w", err))
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, models.Tag(models.ErrKindStorage, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobs returns the total job count
func (s *JobStorage) CountJobs(ctx context.Context) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&count)
	if err != nil {
		return 0, models.Tag(models.ErrKindStorage, err)
	}
	return count, nil
}

// NextPending returns the oldest admissible pending or queued job,
// highest priority first.
func (s *JobStorage) NextPending(ctx context.Context) (*models.Job, error) {
	query := `
		SELECT id, spec_json, status, record_count, last_error, error_kind,
			upload_error, shortfalls_json, created_at, started_at, completed_at
		FROM jobs
		WHERE status IN (?, ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`
	row := s.db.db.QueryRowContext(ctx, query,
		string(models.JobStatusPending), string(models.JobStatusQueued))
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, models.Tag(models.ErrKindStorage, err)
	}
	return job, nil
}

// ResetInterrupted transitions all Running and Queued jobs back to Pending.
// Invoked once at scheduler start so no job survives a crash mid-flight.
func (s *JobStorage) ResetInterrupted(ctx context.Context) (int, error) {
	query := `UPDATE jobs SET status = ? WHERE status IN (?, ?)`
	result, err := s.db.db.ExecContext(ctx, query,
		string(models.JobStatusPending),
		string(models.JobStatusRunning),
		string(models.JobStatusQueued))
	if err != nil {
		return 0, models.Tag(models.ErrKindStorage, fmt.Errorf("failed to reset interrupted jobs: %w", err))
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		s.logger.Info().Int64("count", rows).Msg("Interrupted jobs reset to pending")
	}
	return int(rows), nil
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job            models.Job
		specJSON       string
		status         string
		lastError      sql.NullString
		errorKind      sql.NullString
		uploadError    sql.NullString
		shortfallsJSON sql.NullString
		createdAt      int64
		startedAt      sql.NullInt64
		completedAt    sql.NullInt64
	)

	err := row.Scan(&job.ID, &specJSON, &status, &job.RecordCount,
		&lastError, &errorKind, &uploadError, &shortfallsJSON,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	spec, err := models.JobSpecFromJSON(specJSON)
	if err != nil {
		return nil, err
	}
	job.Spec = *spec
	job.Status = models.JobStatus(status)
	job.LastError = lastError.String
	job.ErrorKind = models.ErrKind(errorKind.String)
	job.UploadError = uploadError.String
	job.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		job.StartedAt = time.Unix(startedAt.Int64, 0)
	}
	if completedAt.Valid {
		job.CompletedAt = time.Unix(completedAt.Int64, 0)
	}

	job.Shortfalls = make(map[string]models.Shortfall)
	if shortfallsJSON.Valid && shortfallsJSON.String != "" {
		if err := json.Unmarshal([]byte(shortfallsJSON.String), &job.Shortfalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal shortfalls: %w", err)
		}
	}

	return &job, nil
}

func marshalShortfalls(shortfalls map[string]models.Shortfall) (string, error) {
	if len(shortfalls) == 0 {
		return "", nil
	}
	data, err := json.Marshal(shortfalls)
	if err != nil {
		return "", fmt.Errorf("failed to marshal shortfalls: %w", err)
	}
	return string(data), nil
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Valid: true, Int64: t.Unix()}
}
