package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/aviary/internal/models"
)

// SchedulerService admits, supervises and cancels jobs
type SchedulerService interface {
	Submit(ctx context.Context, spec models.JobSpec) (string, error)
	Cancel(ctx context.Context, jobID string) error
	Restart(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	Stats() SchedulerStats
}

// SchedulerStats is a point-in-time view of the scheduler
type SchedulerStats struct {
	Running        int `json:"running"`
	Backlog        int `json:"backlog"`
	MaxConcurrency int `json:"max_concurrency"`
}

// UploadService replicates unsynced records to the external tabular service
type UploadService interface {
	// Upload pushes a single job's unsynced records. Empty jobID means all.
	Upload(ctx context.Context, jobID string) (*UploadResult, error)
}

// UploadResult summarizes one upload run
type UploadResult struct {
	Uploaded int    `json:"uploaded"`
	Failed   int    `json:"failed"`
	Skipped  int    `json:"skipped"` // Fields dropped or records deferred this run
	LastErr  string `json:"last_error,omitempty"`
}

// EventType classifies progress events
type EventType string

const (
	EventJobCreated    EventType = "job_created"
	EventJobStarted    EventType = "job_started"
	EventJobCompleted  EventType = "job_completed"
	EventJobFailed     EventType = "job_failed"
	EventJobCancelled  EventType = "job_cancelled"
	EventScrapeRound   EventType = "scrape_round"
	EventUploadFlushed EventType = "upload_flushed"
)

// Event is one progress notification
type Event struct {
	Type      EventType              `json:"type"`
	JobID     string                 `json:"job_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventService fans progress events out to subscribers (WebSocket clients)
type EventService interface {
	Publish(event Event)
	Subscribe() (<-chan Event, func())
	Close()
}
