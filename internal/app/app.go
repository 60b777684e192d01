package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/profiles"
	"github.com/ternarybob/aviary/internal/ratelimit"
	"github.com/ternarybob/aviary/internal/services/events"
	"github.com/ternarybob/aviary/internal/services/export"
	"github.com/ternarybob/aviary/internal/services/scheduler"
	"github.com/ternarybob/aviary/internal/services/scraper"
	"github.com/ternarybob/aviary/internal/services/uploader"
	"github.com/ternarybob/aviary/internal/storage/sqlite"
)

// App holds the wired application: configuration, storage and all services.
// Construction order matters; dependencies flow strictly downward.
type App struct {
	Config  *common.Config
	Logger  arbor.ILogger
	Storage *sqlite.Manager

	Pool      interfaces.ProfilePool
	Driver    *scraper.Driver
	Uploader  interfaces.UploadService
	Scheduler *scheduler.Scheduler
	Exporter  *export.Service
	Events    interfaces.EventService
}

// New wires the application from configuration
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	storage, err := sqlite.NewManager(&config.Storage.SQLite, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	eventService := events.NewService(logger)
	pool := profiles.NewPool(&config.Profiles, logger)

	sessions := scraper.NewSessionFactory(&config.Profiles, &config.Scraper, logger)
	extractor := scraper.NewTimelineExtractor(logger)
	classifier := scraper.NewClassifier(nil)
	driver := scraper.NewDriver(sessions, extractor, storage.Records, storage.Checkpoints,
		pool, eventService, classifier, &config.Scraper, logger)

	resolveCredentials(context.Background(), storage.Config, &config.Uploader)

	governor := ratelimit.NewGovernor(config.Uploader.RateCeiling)
	client := uploader.NewClient(&config.Uploader, governor, logger)
	uploadService := uploader.NewService(client, storage.Records, storage.Jobs,
		eventService, &config.Uploader, logger)

	sched := scheduler.New(storage.Jobs, storage.Records, storage.Checkpoints, pool,
		driver, uploadService, eventService, &config.Scheduler, logger)

	exporter := export.NewService(storage.Records, logger)

	return &App{
		Config:    config,
		Logger:    logger,
		Storage:   storage,
		Pool:      pool,
		Driver:    driver,
		Uploader:  uploadService,
		Scheduler: sched,
		Exporter:  exporter,
		Events:    eventService,
	}, nil
}

// resolveCredentials overlays uploader credentials from the system_config
// table. ConfigStorage.Get checks the uppercased env var first, so the
// precedence is env > system_config > config file.
func resolveCredentials(ctx context.Context, store interfaces.ConfigStorage, cfg *common.UploaderConfig) {
	resolve := func(dst *string, key string) {
		if value, err := store.Get(ctx, key); err == nil && value != "" {
			*dst = value
		}
	}
	resolve(&cfg.AppID, "aviary_uploader_app_id")
	resolve(&cfg.AppSecret, "aviary_uploader_app_secret")
	resolve(&cfg.DocToken, "aviary_uploader_doc_token")
	resolve(&cfg.TableID, "aviary_uploader_table_id")
}

// Start begins background processing (scheduler admission, upload sweep)
func (a *App) Start(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}

// Close stops services and releases resources in reverse wiring order
func (a *App) Close() error {
	a.Scheduler.Stop()
	a.Events.Close()

	if err := a.Storage.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}
