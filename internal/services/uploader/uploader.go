package uploader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
	"github.com/ternarybob/aviary/internal/ratelimit"
)

// Service replicates unsynced records into the external tabular service.
// Upload failures never change job status; they surface as UploadError on
// the job's metadata.
type Service struct {
	client  *Client
	records interfaces.RecordStorage
	jobs    interfaces.JobStorage
	events  interfaces.EventService
	config  *common.UploaderConfig
	logger  arbor.ILogger

	schemaMu    sync.Mutex
	tableSchema schema

	// droppedLogged keeps the absence of a remote field to one log line per
	// process instead of one per row
	droppedMu     sync.Mutex
	droppedLogged map[string]struct{}

	// sleep is swappable so tests run without real backoff delays
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates the upload service. events may be nil.
func NewService(
	client *Client,
	records interfaces.RecordStorage,
	jobs interfaces.JobStorage,
	events interfaces.EventService,
	config *common.UploaderConfig,
	logger arbor.ILogger,
) *Service {
	return &Service{
		client:        client,
		records:       records,
		jobs:          jobs,
		events:        events,
		config:        config,
		logger:        logger,
		droppedLogged: make(map[string]struct{}),
		sleep:         ratelimit.Sleep,
	}
}

// Upload pushes a job's unsynced records in batches. Empty jobID pushes all
// jobs' unsynced records. Records are marked synced only after the service
// confirms them; a partial confirmation leaves the tail unsynced for the
// next run.
func (s *Service) Upload(ctx context.Context, jobID string) (*interfaces.UploadResult, error) {
	result := &interfaces.UploadResult{}

	tableSchema, err := s.schema(ctx)
	if err != nil {
		s.noteUploadError(ctx, jobID, err)
		return result, err
	}

	for {
		batch, err := s.records.ListUnsynced(ctx, jobID, s.config.BatchSize)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		rows := make([]map[string]interface{}, 0, len(batch))
		for _, record := range batch {
			row, dropped := marshalRow(record, tableSchema)
			s.logDroppedFields(dropped)
			rows = append(rows, row)
		}

		confirmed, err := s.sendWithRetries(ctx, rows)
		if err != nil {
			result.Failed += len(batch)
			result.LastErr = err.Error()
			s.noteUploadError(ctx, jobID, err)
			s.logger.Warn().
				Err(err).
				Str("job_id", jobID).
				Int("batch_size", len(batch)).
				Msg("Upload batch failed")
			return result, err
		}

		// Confirmation order matches submission order; the confirmed prefix
		// is synced, the rest stays behind for the next run.
		ids := make([]string, 0, confirmed)
		for i := 0; i < confirmed && i < len(batch); i++ {
			ids = append(ids, batch[i].ID)
		}
		if len(ids) > 0 {
			if err := s.records.MarkSynced(ctx, ids); err != nil {
				return result, err
			}
		}
		result.Uploaded += len(ids)

		if confirmed < len(batch) {
			result.Skipped += len(batch) - confirmed
			s.logger.Warn().
				Str("job_id", jobID).
				Int("sent", len(batch)).
				Int("confirmed", confirmed).
				Msg("Partial batch confirmation, deferring remainder")
			break
		}
	}

	s.publishFlushed(jobID, result)
	return result, nil
}

// sendWithRetries pushes one batch, retrying rate-limit and transient errors
// with exponential backoff. An expired token is refreshed and retried without
// consuming an attempt.
func (s *Service) sendWithRetries(ctx context.Context, rows []map[string]interface{}) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; {
		confirmed, err := s.client.BatchCreate(ctx, s.config.DocToken, s.config.TableID, rows)
		if err == nil {
			return confirmed, nil
		}
		lastErr = err

		switch models.KindOf(err) {
		case models.ErrKindAuthExpired:
			// Transparent refresh: not counted against maxRetries
			s.client.InvalidateToken()
			s.logger.Debug().Msg("Token expired mid-upload, refreshing")
		case models.ErrKindRateLimit, models.ErrKindTransientNetwork:
			if err := s.sleep(ctx, ratelimit.BackoffDelay(attempt)); err != nil {
				return 0, err
			}
			attempt++
		default:
			return 0, err
		}
	}
	return 0, fmt.Errorf("batch upload failed after %d attempts: %w", s.config.MaxRetries+1, lastErr)
}

// schema discovers the destination table's fields once per process. A
// failed discovery is retried on the next Upload call.
func (s *Service) schema(ctx context.Context) (schema, error) {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.tableSchema != nil {
		return s.tableSchema, nil
	}
	fields, err := s.client.Fields(ctx, s.config.DocToken, s.config.TableID)
	if err != nil {
		return nil, err
	}
	s.tableSchema = newSchema(fields)
	return s.tableSchema, nil
}

// logDroppedFields notes columns the destination table has no field for,
// once per field per process
func (s *Service) logDroppedFields(dropped []string) {
	if len(dropped) == 0 {
		return
	}
	s.droppedMu.Lock()
	defer s.droppedMu.Unlock()
	for _, column := range dropped {
		if _, seen := s.droppedLogged[column]; seen {
			continue
		}
		s.droppedLogged[column] = struct{}{}
		s.logger.Info().Str("column", column).Msg("Destination table has no matching field, column dropped")
	}
}

// noteUploadError records the failure on the job without touching its status
func (s *Service) noteUploadError(ctx context.Context, jobID string, uploadErr error) {
	if jobID == "" {
		return
	}
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	job.UploadError = uploadErr.Error()
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to record upload error")
	}
}

func (s *Service) publishFlushed(jobID string, result *interfaces.UploadResult) {
	if s.events == nil || result.Uploaded == 0 {
		return
	}
	s.events.Publish(interfaces.Event{
		Type:  interfaces.EventUploadFlushed,
		JobID: jobID,
		Payload: map[string]interface{}{
			"uploaded": result.Uploaded,
			"skipped":  result.Skipped,
		},
		Timestamp: time.Now(),
	})
}
