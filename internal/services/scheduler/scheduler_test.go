package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
	"github.com/ternarybob/aviary/internal/profiles"
	"github.com/ternarybob/aviary/internal/storage/sqlite"
)

// fakeRunner scripts the driver's terminal result per run
type fakeRunner struct {
	runs    atomic.Int32
	result  func(ctx context.Context, job *models.Job) *models.DriverResult
}

func (r *fakeRunner) Run(ctx context.Context, job *models.Job, profileID string) *models.DriverResult {
	r.runs.Add(1)
	return r.result(ctx, job)
}

func completes(records int) func(ctx context.Context, job *models.Job) *models.DriverResult {
	return func(ctx context.Context, job *models.Job) *models.DriverResult {
		job.RecordCount = records
		return &models.DriverResult{Status: models.DriverCompleted}
	}
}

func blocksUntilCancelled() func(ctx context.Context, job *models.Job) *models.DriverResult {
	return func(ctx context.Context, job *models.Job) *models.DriverResult {
		<-ctx.Done()
		return &models.DriverResult{Status: models.DriverCancelled}
	}
}

// fakeUploader counts upload calls
type fakeUploader struct {
	calls atomic.Int32
}

func (u *fakeUploader) Upload(ctx context.Context, jobID string) (*interfaces.UploadResult, error) {
	u.calls.Add(1)
	return &interfaces.UploadResult{}, nil
}

type fixture struct {
	scheduler *Scheduler
	manager   *sqlite.Manager
	runner    *fakeRunner
	uploader  *fakeUploader
	pool      *profiles.Pool
}

func newFixture(t *testing.T, profileCount int) *fixture {
	t.Helper()

	storageCfg := &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "test.db"),
		WALMode:       true,
		CacheSizeMB:   16,
		BusyTimeoutMS: 1000,
	}
	manager, err := sqlite.NewManager(storageCfg, common.GetLogger())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	ids := make([]string, profileCount)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}
	poolCfg := common.Default().Profiles
	poolCfg.Ids = ids
	poolCfg.MinInterUseGap = 0
	pool := profiles.NewPool(&poolCfg, common.GetLogger())

	schedCfg := common.Default().Scheduler
	schedCfg.PollInterval = 10 * time.Millisecond
	schedCfg.JobDeadline = 5 * time.Second
	schedCfg.UploadSweep = "" // Cron sweep stays off in tests

	runner := &fakeRunner{result: completes(1)}
	uploader := &fakeUploader{}

	scheduler := New(manager.Jobs, manager.Records, manager.Checkpoints, pool,
		runner, uploader, nil, &schedCfg, common.GetLogger())

	return &fixture{
		scheduler: scheduler,
		manager:   manager,
		runner:    runner,
		uploader:  uploader,
		pool:      pool,
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.scheduler.Start(context.Background()))
	t.Cleanup(f.scheduler.Stop)
}

func waitForStatus(t *testing.T, f *fixture, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.manager.Jobs.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := f.manager.Jobs.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last status %s", jobID, want, job.Status)
	return nil
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.scheduler.Submit(context.Background(), models.JobSpec{Name: "no targets"})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindConstraintViolation, models.KindOf(err))

	_, err = f.scheduler.Submit(context.Background(), models.JobSpec{Accounts: []string{"alice"}})
	require.Error(t, err)
}

func TestAdmissionRunsJobToCompletion(t *testing.T) {
	f := newFixture(t, 1)
	f.runner.result = completes(7)
	f.start(t)

	jobID, err := f.scheduler.Submit(context.Background(), models.JobSpec{
		Name: "t", Accounts: []string{"alice"}, MaxRecords: 7,
	})
	require.NoError(t, err)

	job := waitForStatus(t, f, jobID, models.JobStatusCompleted)
	assert.Equal(t, 7, job.RecordCount)
	assert.Equal(t, int32(1), f.runner.runs.Load())

	// The lease came back to the pool
	for _, lease := range f.pool.Leases() {
		assert.Empty(t, lease.HeldBy)
	}
}

func TestAutoUploadRunsAfterCompletion(t *testing.T) {
	f := newFixture(t, 1)
	f.start(t)

	jobID, err := f.scheduler.Submit(context.Background(), models.JobSpec{
		Name: "t", Accounts: []string{"alice"}, AutoUpload: true,
	})
	require.NoError(t, err)

	waitForStatus(t, f, jobID, models.JobStatusCompleted)

	deadline := time.Now().Add(2 * time.Second)
	for f.uploader.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int32(1), f.uploader.calls.Load())
}

func TestCompletionWithoutAutoUploadSkipsUploader(t *testing.T) {
	f := newFixture(t, 1)
	f.start(t)

	jobID, err := f.scheduler.Submit(context.Background(), models.JobSpec{
		Name: "t", Accounts: []string{"alice"},
	})
	require.NoError(t, err)

	waitForStatus(t, f, jobID, models.JobStatusCompleted)
	assert.Equal(t, int32(0), f.uploader.calls.Load())
}

func TestCancelRunningJob(t *testing.T) {
	f := newFixture(t, 1)
	f.runner.result = blocksUntilCancelled()
	f.start(t)

	jobID, err := f.scheduler.Submit(context.Background(), models.JobSpec{
		Name: "t", Accounts: []string{"alice"},
	})
	require.NoError(t, err)

	waitForStatus(t, f, jobID, models.JobStatusRunning)
	require.NoError(t, f.scheduler.Cancel(context.Background(), jobID))
	waitForStatus(t, f, jobID, models.JobStatusCancelled)
}

func TestCancelBackloggedJob(t *testing.T) {
	f := newFixture(t, 1)
	// Scheduler not started: the job stays pending

	jobID, err := f.scheduler.Submit(context.Background(), models.JobSpec{
		Name: "t", Accounts: []string{"alice"},
	})
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Cancel(context.Background(), jobID))
	job, err := f.manager.Jobs.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)

	// Cancelling a terminal job is a constraint violation
	err = f.scheduler.Cancel(context.Background(), jobID)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindConstraintViolation, models.KindOf(err))
}

func TestRestartRequeuesTerminalJob(t *testing.T) {
	f := newFixture(t, 1)

	jobID, err := f.scheduler.Submit(context.Background(), models.JobSpec{
		Name: "t", Accounts: []string{"alice"},
	})
	require.NoError(t, err)

	// Not terminal yet
	err = f.scheduler.Restart(context.Background(), jobID)
	require.Error(t, err)

	job, err := f.manager.Jobs.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	job.MarkFailed(models.ErrKindSessionLost, "browser died")
	require.NoError(t, f.manager.Jobs.UpdateJob(context.Background(), job))

	require.NoError(t, f.scheduler.Restart(context.Background(), jobID))
	job, err = f.manager.Jobs.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Empty(t, job.LastError)
}

func TestStartRecoversInterruptedJobs(t *testing.T) {
	f := newFixture(t, 1)

	jobID, err := f.scheduler.Submit(context.Background(), models.JobSpec{
		Name: "t", Accounts: []string{"alice"},
	})
	require.NoError(t, err)

	// Simulate a previous process dying mid-run
	job, err := f.manager.Jobs.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	job.MarkStarted()
	require.NoError(t, f.manager.Jobs.UpdateJob(context.Background(), job))

	f.start(t)

	// Recovery resets it to pending, then admission re-runs it
	waitForStatus(t, f, jobID, models.JobStatusCompleted)
}

func TestConcurrencyBoundedByPoolSize(t *testing.T) {
	f := newFixture(t, 1) // MaxConcurrency 2 by default, pool of 1 wins
	release := make(chan struct{})
	f.runner.result = func(ctx context.Context, job *models.Job) *models.DriverResult {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &models.DriverResult{Status: models.DriverCompleted}
	}
	f.start(t)

	first, err := f.scheduler.Submit(context.Background(), models.JobSpec{
		Name: "a", Accounts: []string{"alice"},
	})
	require.NoError(t, err)
	second, err := f.scheduler.Submit(context.Background(), models.JobSpec{
		Name: "b", Accounts: []string{"bob"},
	})
	require.NoError(t, err)

	waitForStatus(t, f, first, models.JobStatusRunning)

	// The second job cannot start while the only profile is leased
	time.Sleep(100 * time.Millisecond)
	job, err := f.manager.Jobs.GetJob(context.Background(), second)
	require.NoError(t, err)
	assert.NotEqual(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, int32(1), f.runner.runs.Load())

	close(release)
	waitForStatus(t, f, first, models.JobStatusCompleted)
	waitForStatus(t, f, second, models.JobStatusCompleted)
}

func TestStatsReflectsBacklog(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.scheduler.Submit(context.Background(), models.JobSpec{
		Name: "t", Accounts: []string{"alice"},
	})
	require.NoError(t, err)

	stats := f.scheduler.Stats()
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 1, stats.Backlog)
	assert.Equal(t, 2, stats.MaxConcurrency) // min(config 2, pool 3)
}
