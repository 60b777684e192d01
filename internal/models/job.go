package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/aviary/internal/common"
)

// JobStatus represents the lifecycle state of a scrape job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobSpec is the user-supplied definition of a scrape job. It is captured
// as an immutable snapshot when the job is created.
type JobSpec struct {
	Name       string   `json:"name" validate:"required"`
	Accounts   []string `json:"accounts"` // Target handles, without the leading @
	Keywords   []string `json:"keywords"`
	MinLikes   uint32   `json:"min_likes"`
	MinReplies uint32   `json:"min_replies"`
	MinReposts uint32   `json:"min_reposts"`
	MaxRecords int      `json:"max_records" validate:"gte=0"` // Per-target cap
	Priority   int      `json:"priority"`
	AutoUpload bool     `json:"auto_upload"`
}

// Validate checks spec constraints that tags cannot express
func (s *JobSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if len(s.Accounts) == 0 && len(s.Keywords) == 0 {
		return fmt.Errorf("at least one target account or keyword is required")
	}
	if s.MaxRecords < 0 {
		return fmt.Errorf("max_records cannot be negative")
	}
	return nil
}

// ToJSON serializes the spec for storage
func (s *JobSpec) ToJSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job spec: %w", err)
	}
	return string(data), nil
}

// JobSpecFromJSON deserializes a spec from its stored form
func JobSpecFromJSON(data string) (*JobSpec, error) {
	var spec JobSpec
	if err := json.Unmarshal([]byte(data), &spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job spec: %w", err)
	}
	return &spec, nil
}

// Job is a persisted scrape job with its runtime state
type Job struct {
	ID          string               `json:"id"`
	Spec        JobSpec              `json:"spec"`
	Status      JobStatus            `json:"status"`
	RecordCount int                  `json:"record_count"` // Records accepted so far
	LastError   string               `json:"last_error,omitempty"`
	ErrorKind   ErrKind              `json:"error_kind,omitempty"`
	UploadError string               `json:"upload_error,omitempty"` // Last upload error, never affects Status
	Shortfalls  map[string]Shortfall `json:"shortfalls,omitempty"`   // Keyed by target key
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   time.Time            `json:"started_at,omitempty"`
	CompletedAt time.Time            `json:"completed_at,omitempty"`
}

// NewJob creates a pending job from a validated spec
func NewJob(spec JobSpec) *Job {
	return &Job{
		ID:         common.NewJobID(),
		Spec:       spec,
		Status:     JobStatusPending,
		Shortfalls: make(map[string]Shortfall),
		CreatedAt:  time.Now(),
	}
}

// MarkStarted marks the job as running
func (j *Job) MarkStarted() {
	j.Status = JobStatusRunning
	j.StartedAt = time.Now()
}

// MarkCompleted marks the job as completed
func (j *Job) MarkCompleted() {
	j.Status = JobStatusCompleted
	j.CompletedAt = time.Now()
}

// MarkFailed marks the job as failed with a taxonomic kind
func (j *Job) MarkFailed(kind ErrKind, errorMsg string) {
	j.Status = JobStatusFailed
	j.ErrorKind = kind
	j.LastError = errorMsg
	j.CompletedAt = time.Now()
}

// MarkCancelled marks the job as cancelled
func (j *Job) MarkCancelled() {
	j.Status = JobStatusCancelled
	j.CompletedAt = time.Now()
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted ||
		j.Status == JobStatusFailed ||
		j.Status == JobStatusCancelled
}

// RecordShortfall notes that a target delivered fewer records than requested.
// A shortfall is observable metadata, not an error.
func (j *Job) RecordShortfall(target Target, requested, delivered int) {
	if j.Shortfalls == nil {
		j.Shortfalls = make(map[string]Shortfall)
	}
	j.Shortfalls[target.Key()] = Shortfall{Requested: requested, Delivered: delivered}
}

// Shortfall is the gap between records requested and delivered for a target
type Shortfall struct {
	Requested int `json:"requested"`
	Delivered int `json:"delivered"`
}

// DriverStatus is the discriminated result a driver run terminates with.
// The scheduler owns the corresponding job state transition.
type DriverStatus string

const (
	DriverCompleted DriverStatus = "completed"
	DriverFailed    DriverStatus = "failed"
	DriverCancelled DriverStatus = "cancelled"
)

// DriverResult is returned by a single driver run
type DriverResult struct {
	Status DriverStatus
	Kind   ErrKind
	Err    error
}
