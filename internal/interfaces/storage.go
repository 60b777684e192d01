package interfaces

import (
	"context"

	"github.com/ternarybob/aviary/internal/models"
)

// JobListOptions narrows and pages job listings
type JobListOptions struct {
	Status   string
	Limit    int
	Offset   int
	OrderBy  string
	OrderDir string
}

// JobStorage persists jobs and their state transitions
type JobStorage interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	UpdateJobState(ctx context.Context, jobID string, status models.JobStatus) error
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	CountJobs(ctx context.Context) (int, error)

	// NextPending returns the oldest admissible job (FIFO by priority then
	// creation time), or nil when the backlog is empty.
	NextPending(ctx context.Context) (*models.Job, error)

	// ResetInterrupted transitions all Running and Queued jobs to Pending.
	// Called once at scheduler start; returns the number of jobs reset.
	ResetInterrupted(ctx context.Context) (int, error)
}

// AppendResult reports the outcome of a batched record insert
type AppendResult struct {
	Inserted         int
	DuplicateSkipped int
}

// RecordStorage persists extracted records and their upload state
type RecordStorage interface {
	// AppendRecords inserts a batch atomically, deduplicating by fingerprint
	// within the job. Duplicates are skipped, not errors.
	AppendRecords(ctx context.Context, jobID string, records []*models.Record) (*AppendResult, error)

	// ListUnsynced returns unsynced records in insertion order. Empty jobID
	// means all jobs.
	ListUnsynced(ctx context.Context, jobID string, limit int) ([]*models.Record, error)

	// MarkSynced flips synced=true for the given record ids. Idempotent.
	MarkSynced(ctx context.Context, recordIDs []string) error

	// ResetSyncFlag clears synced for a job's records (administrative re-sync)
	ResetSyncFlag(ctx context.Context, jobID string) (int, error)

	ListRecords(ctx context.Context, filter *models.RecordFilter) ([]*models.Record, error)
	CountRecords(ctx context.Context, jobID string) (int, error)
	SetCategory(ctx context.Context, recordID, category string) error
}

// CheckpointStorage persists per-job resume state
type CheckpointStorage interface {
	Save(ctx context.Context, jobID string, checkpoint *models.ScrapeCheckpoint) error
	Load(ctx context.Context, jobID string) (*models.ScrapeCheckpoint, error) // nil when absent
	Delete(ctx context.Context, jobID string) error
}

// ConfigStorage reads and writes persisted system configuration rows.
// Values may be overridden at process start by environment variables with
// the same uppercased key.
type ConfigStorage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value, description string) error
	List(ctx context.Context) (map[string]string, error)
}
