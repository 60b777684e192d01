package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
	"github.com/ternarybob/aviary/internal/profiles"
)

// JobRunner executes one job against a leased profile and reports how the
// run ended. The extraction driver is the production implementation.
type JobRunner interface {
	Run(ctx context.Context, job *models.Job, profileID string) *models.DriverResult
}

// Scheduler admits pending jobs against the profile pool and supervises each
// running job in its own goroutine. It is the only component that transitions
// job status; the driver just reports how its run ended.
type Scheduler struct {
	jobs        interfaces.JobStorage
	records     interfaces.RecordStorage
	checkpoints interfaces.CheckpointStorage
	pool        interfaces.ProfilePool
	driver      JobRunner
	uploader    interfaces.UploadService
	events      interfaces.EventService
	config      *common.SchedulerConfig
	logger      arbor.ILogger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup

	stopCh   chan struct{}
	stopOnce sync.Once
	cron     *cron.Cron
}

// New creates a scheduler. uploader and events may be nil.
func New(
	jobs interfaces.JobStorage,
	records interfaces.RecordStorage,
	checkpoints interfaces.CheckpointStorage,
	pool interfaces.ProfilePool,
	driver JobRunner,
	uploader interfaces.UploadService,
	events interfaces.EventService,
	config *common.SchedulerConfig,
	logger arbor.ILogger,
) *Scheduler {
	return &Scheduler{
		jobs:        jobs,
		records:     records,
		checkpoints: checkpoints,
		pool:        pool,
		driver:      driver,
		uploader:    uploader,
		events:      events,
		config:      config,
		logger:      logger,
		running:     make(map[string]context.CancelFunc),
		stopCh:      make(chan struct{}),
	}
}

// Start recovers interrupted jobs, then begins the admission loop and the
// periodic upload sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}

	common.SafeGo(s.logger, "scheduler-admission", func() {
		s.admissionLoop(ctx)
	})

	if s.config.UploadSweep != "" && s.uploader != nil {
		s.cron = cron.New()
		_, err := s.cron.AddFunc(s.config.UploadSweep, func() {
			sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := s.uploader.Upload(sweepCtx, ""); err != nil {
				s.logger.Warn().Err(err).Msg("Upload sweep failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid upload sweep schedule %q: %w", s.config.UploadSweep, err)
		}
		s.cron.Start()
	}

	s.logger.Info().
		Int("max_concurrency", s.config.MaxConcurrency).
		Int("pool_size", s.pool.Size()).
		Msg("Scheduler started")
	return nil
}

// Stop halts admission, cancels running jobs and waits for them to unwind
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.cron != nil {
		s.cron.Stop()
	}

	s.mu.Lock()
	for jobID, cancel := range s.running {
		s.logger.Info().Str("job_id", jobID).Msg("Cancelling job for shutdown")
		cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Submit validates and persists a new job in the pending backlog
func (s *Scheduler) Submit(ctx context.Context, spec models.JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", models.Tag(models.ErrKindConstraintViolation, err)
	}

	job := models.NewJob(spec)
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return "", err
	}

	s.publish(interfaces.EventJobCreated, job.ID, nil)
	s.logger.Info().
		Str("job_id", job.ID).
		Str("name", spec.Name).
		Int("targets", len(models.ExpandTargets(&spec))).
		Msg("Job submitted")
	return job.ID, nil
}

// Cancel requests cooperative cancellation of a job. A running job stops at
// its next round boundary; a backlogged job is cancelled immediately.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	cancel, isRunning := s.running[jobID]
	s.mu.Unlock()

	if isRunning {
		cancel()
		return nil
	}

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return models.Tagf(models.ErrKindConstraintViolation,
			"job %s is already %s", jobID, job.Status)
	}

	job.MarkCancelled()
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return err
	}
	s.publish(interfaces.EventJobCancelled, jobID, nil)
	return nil
}

// Restart re-queues a terminal job. A failed or cancelled job resumes from
// its surviving checkpoint; a completed one starts clean.
func (s *Scheduler) Restart(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return models.Tagf(models.ErrKindConstraintViolation,
			"job %s is %s, only terminal jobs can be restarted", jobID, job.Status)
	}

	job.Status = models.JobStatusPending
	job.LastError = ""
	job.ErrorKind = ""
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return err
	}

	s.logger.Info().Str("job_id", jobID).Msg("Job requeued")
	return nil
}

// Status returns the current persisted state of a job
func (s *Scheduler) Status(ctx context.Context, jobID string) (*models.Job, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// List returns jobs matching the options
func (s *Scheduler) List(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return s.jobs.ListJobs(ctx, opts)
}

// Stats returns a point-in-time scheduler snapshot
func (s *Scheduler) Stats() interfaces.SchedulerStats {
	s.mu.Lock()
	running := len(s.running)
	s.mu.Unlock()

	backlog := 0
	if jobs, err := s.jobs.ListJobs(context.Background(), &interfaces.JobListOptions{
		Status: string(models.JobStatusPending),
	}); err == nil {
		backlog = len(jobs)
	}

	return interfaces.SchedulerStats{
		Running:        running,
		Backlog:        backlog,
		MaxConcurrency: s.concurrencyCap(),
	}
}

// recover resets jobs interrupted by a previous process and clears orphan
// profile leases. Checkpoints survive, so reset jobs resume where they were.
func (s *Scheduler) recover(ctx context.Context) error {
	reset, err := s.jobs.ResetInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("restart recovery failed: %w", err)
	}
	s.pool.ReleaseAll()
	if reset > 0 {
		s.logger.Info().Int("jobs", reset).Msg("Interrupted jobs reset to pending")
	}
	return nil
}

// admissionLoop polls the backlog and starts jobs while capacity and a ready
// profile exist.
func (s *Scheduler) admissionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.admitNext(ctx)
		}
	}
}

// admitNext starts at most one backlogged job per tick
func (s *Scheduler) admitNext(ctx context.Context) {
	s.mu.Lock()
	atCapacity := len(s.running) >= s.concurrencyCap()
	s.mu.Unlock()
	if atCapacity {
		return
	}

	job, err := s.jobs.NextPending(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Backlog poll failed")
		return
	}
	if job == nil {
		return
	}

	profileID, err := s.pool.Lease(job.ID)
	if err != nil {
		if errors.Is(err, profiles.ErrNotReady) || errors.Is(err, profiles.ErrExhausted) {
			// Keep the job visible as queued until a profile frees up
			if job.Status != models.JobStatusQueued {
				if err := s.jobs.UpdateJobState(ctx, job.ID, models.JobStatusQueued); err != nil {
					s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to queue job")
				}
			}
			return
		}
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Profile lease failed")
		return
	}

	s.startJob(ctx, job, profileID)
}

// startJob transitions the job to running and supervises the driver run in
// its own goroutine under the per-job deadline.
func (s *Scheduler) startJob(ctx context.Context, job *models.Job, profileID string) {
	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobDeadline)

	job.MarkStarted()
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		cancel()
		if releaseErr := s.pool.Release(profileID, job.ID); releaseErr != nil {
			s.logger.Warn().Err(releaseErr).Msg("Failed to release profile")
		}
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job running")
		return
	}

	s.mu.Lock()
	s.running[job.ID] = cancel
	s.mu.Unlock()

	s.publish(interfaces.EventJobStarted, job.ID, map[string]interface{}{"profile_id": profileID})

	s.wg.Add(1)
	common.SafeGo(s.logger, "job-"+job.ID, func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
			if err := s.pool.Release(profileID, job.ID); err != nil {
				s.logger.Warn().Err(err).Str("profile_id", profileID).Msg("Profile release failed")
			}
		}()

		result := s.driver.Run(jobCtx, job, profileID)
		s.finishJob(job, result)
	})
}

// finishJob applies the driver's terminal result to the job record
func (s *Scheduler) finishJob(job *models.Job, result *models.DriverResult) {
	// The run context may be dead; persistence must still happen
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch result.Status {
	case models.DriverCompleted:
		job.MarkCompleted()
	case models.DriverCancelled:
		job.MarkCancelled()
	case models.DriverFailed:
		job.MarkFailed(result.Kind, result.Err.Error())
	}

	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist terminal job state")
		return
	}

	switch result.Status {
	case models.DriverCompleted:
		s.publish(interfaces.EventJobCompleted, job.ID, map[string]interface{}{
			"records":    job.RecordCount,
			"shortfalls": len(job.Shortfalls),
		})
		s.logger.Info().
			Str("job_id", job.ID).
			Int("records", job.RecordCount).
			Int("shortfalls", len(job.Shortfalls)).
			Msg("Job completed")

		if job.Spec.AutoUpload && s.uploader != nil {
			if _, err := s.uploader.Upload(ctx, job.ID); err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Auto-upload failed")
			}
		}
	case models.DriverCancelled:
		s.publish(interfaces.EventJobCancelled, job.ID, nil)
		s.logger.Info().Str("job_id", job.ID).Msg("Job cancelled")
	case models.DriverFailed:
		s.publish(interfaces.EventJobFailed, job.ID, map[string]interface{}{
			"kind": string(result.Kind),
		})
		s.logger.Warn().
			Str("job_id", job.ID).
			Str("kind", string(result.Kind)).
			Err(result.Err).
			Msg("Job failed")
	}
}

// concurrencyCap is bounded by both configuration and pool size
func (s *Scheduler) concurrencyCap() int {
	limit := s.config.MaxConcurrency
	if size := s.pool.Size(); size < limit {
		limit = size
	}
	return limit
}

func (s *Scheduler) publish(eventType interfaces.EventType, jobID string, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(interfaces.Event{
		Type:      eventType,
		JobID:     jobID,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}
