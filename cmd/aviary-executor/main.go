// aviary-executor runs a single job to completion against the shared store,
// for cron-style scheduling or debugging a job outside the server process.
// Exit codes: 0 on completion, 1 on failure, 130 when interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/models"
	"github.com/ternarybob/aviary/internal/profiles"
	"github.com/ternarybob/aviary/internal/services/scraper"
	"github.com/ternarybob/aviary/internal/storage/sqlite"
)

const (
	exitOK          = 0
	exitFailed      = 1
	exitInterrupted = 130
)

var (
	configPath = flag.String("config", "", "Configuration file path")
	jobID      = flag.String("job", "", "Job id to execute (required)")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *jobID == "" {
		fmt.Fprintln(os.Stderr, "usage: aviary-executor -job <job_id> [-config <path>]")
		return exitFailed
	}

	config, err := common.LoadFromFile(*configPath)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Failed to load configuration")
		return exitFailed
	}
	logger := common.InitLogger(config)

	storage, err := sqlite.NewManager(&config.Storage.SQLite, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open storage")
		return exitFailed
	}
	defer storage.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.Scheduler.JobDeadline)
	defer cancel()

	// SIGINT cancels cooperatively; the driver checkpoints before exiting
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("Interrupt received, cancelling job")
		cancel()
	}()

	job, err := storage.Jobs.GetJob(ctx, *jobID)
	if err != nil {
		logger.Error().Err(err).Str("job_id", *jobID).Msg("Job not found")
		return exitFailed
	}
	if job.IsTerminal() {
		logger.Error().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Job is already terminal")
		return exitFailed
	}

	pool := profiles.NewPool(&config.Profiles, logger)
	profileID, err := pool.Lease(job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Profile lease failed")
		return exitFailed
	}
	defer func() {
		if err := pool.Release(profileID, job.ID); err != nil {
			logger.Warn().Err(err).Msg("Profile release failed")
		}
	}()

	sessions := scraper.NewSessionFactory(&config.Profiles, &config.Scraper, logger)
	extractor := scraper.NewTimelineExtractor(logger)
	driver := scraper.NewDriver(sessions, extractor, storage.Records, storage.Checkpoints,
		pool, nil, scraper.NewClassifier(nil), &config.Scraper, logger)

	job.MarkStarted()
	if err := storage.Jobs.UpdateJob(ctx, job); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job running")
		return exitFailed
	}

	result := driver.Run(ctx, job, profileID)

	// Persistence outlives the cancelled run context
	persistCtx := context.WithoutCancel(ctx)
	switch result.Status {
	case models.DriverCompleted:
		job.MarkCompleted()
	case models.DriverCancelled:
		job.MarkCancelled()
	case models.DriverFailed:
		job.MarkFailed(result.Kind, result.Err.Error())
	}
	if err := storage.Jobs.UpdateJob(persistCtx, job); err != nil {
		logger.Error().Err(err).Msg("Failed to persist terminal job state")
		return exitFailed
	}

	switch result.Status {
	case models.DriverCompleted:
		logger.Info().
			Str("job_id", job.ID).
			Int("records", job.RecordCount).
			Msg("Job completed")
		return exitOK
	case models.DriverCancelled:
		logger.Info().Str("job_id", job.ID).Msg("Job interrupted, checkpoint saved")
		return exitInterrupted
	default:
		logger.Error().
			Str("job_id", job.ID).
			Str("kind", string(result.Kind)).
			Err(result.Err).
			Msg("Job failed")
		return exitFailed
	}
}
