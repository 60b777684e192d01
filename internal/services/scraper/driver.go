package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
	"github.com/ternarybob/aviary/internal/ratelimit"
)

// stagnantDeltaPx is the minimum scroll progress per round. A smaller delta
// means the feed stopped loading and the round counts as stagnant.
const stagnantDeltaPx = 50

// stuckRoundsThreshold is how many consecutive stagnant rounds trigger the
// harder scroll step and longer settle delay.
const stuckRoundsThreshold = 3

// timelineSelector is the container whose appearance marks a usable page
const timelineSelector = `div[data-testid="primaryColumn"]`

// Driver runs one job's extraction loop: navigate each target, scroll until
// the per-target cap or end of feed, and persist accepted records and resume
// state as it goes. The driver never transitions job status itself; it
// reports a discriminated result and leaves the transition to the scheduler.
type Driver struct {
	sessions    interfaces.SessionProvider
	extractor   interfaces.RecordExtractor
	records     interfaces.RecordStorage
	checkpoints interfaces.CheckpointStorage
	pool        interfaces.ProfilePool
	events      interfaces.EventService
	classifier  *Classifier
	config      *common.ScraperConfig
	logger      arbor.ILogger

	// sleep is swappable so tests run without real delays
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDriver creates an extraction driver. events may be nil.
func NewDriver(
	sessions interfaces.SessionProvider,
	extractor interfaces.RecordExtractor,
	records interfaces.RecordStorage,
	checkpoints interfaces.CheckpointStorage,
	pool interfaces.ProfilePool,
	events interfaces.EventService,
	classifier *Classifier,
	config *common.ScraperConfig,
	logger arbor.ILogger,
) *Driver {
	return &Driver{
		sessions:    sessions,
		extractor:   extractor,
		records:     records,
		checkpoints: checkpoints,
		pool:        pool,
		events:      events,
		classifier:  classifier,
		config:      config,
		logger:      logger,
		sleep:       ratelimit.Sleep,
	}
}

// Run executes the job against the leased profile. A surviving checkpoint is
// resumed; cancellation persists the checkpoint before returning so the next
// run picks up where this one stopped.
func (d *Driver) Run(ctx context.Context, job *models.Job, profileID string) *models.DriverResult {
	targets := models.ExpandTargets(&job.Spec)
	if len(targets) == 0 {
		return &models.DriverResult{
			Status: models.DriverFailed,
			Kind:   models.ErrKindConstraintViolation,
			Err:    fmt.Errorf("job %s has no targets", job.ID),
		}
	}

	checkpoint, err := d.checkpoints.Load(ctx, job.ID)
	if err != nil {
		return failure(err)
	}
	if checkpoint == nil {
		checkpoint = models.NewScrapeCheckpoint()
	} else {
		d.logger.Info().
			Str("job_id", job.ID).
			Int("target_index", checkpoint.TargetIndex).
			Int("seen", len(checkpoint.SeenFingerprints)).
			Msg("Resuming from checkpoint")
	}

	session, err := d.sessions.Session(ctx, profileID)
	if err != nil {
		return failure(err)
	}
	defer session.Close()

	seen := checkpoint.SeenSet()

	for checkpoint.TargetIndex < len(targets) {
		target := targets[checkpoint.TargetIndex]

		result := d.runTarget(ctx, job, session, profileID, target, checkpoint, seen)
		if result != nil {
			// Interrupted mid-target: persist resume state before reporting
			checkpoint.SetSeen(seen)
			if saveErr := d.checkpoints.Save(context.WithoutCancel(ctx), job.ID, checkpoint); saveErr != nil {
				d.logger.Warn().Err(saveErr).Str("job_id", job.ID).Msg("Failed to persist checkpoint")
			}
			return result
		}

		checkpoint.TargetIndex++
		checkpoint.LastScrollOffset = 0
		checkpoint.StagnantRounds = 0
		checkpoint.SetSeen(seen)
		if err := d.checkpoints.Save(ctx, job.ID, checkpoint); err != nil {
			return failure(err)
		}
	}

	// Shortfalls ride on the job; the checkpoint's copy is working state
	for key, shortfall := range checkpoint.Shortfalls {
		job.Shortfalls[key] = shortfall
	}

	if err := d.checkpoints.Delete(ctx, job.ID); err != nil {
		d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to delete checkpoint after completion")
	}

	return &models.DriverResult{Status: models.DriverCompleted}
}

// runTarget drives one target to its cap or end of feed. A nil return means
// the target finished; a non-nil result interrupts the whole run.
func (d *Driver) runTarget(
	ctx context.Context,
	job *models.Job,
	session interfaces.BrowserSession,
	profileID string,
	target models.Target,
	checkpoint *models.ScrapeCheckpoint,
	seen map[string]struct{},
) *models.DriverResult {
	limit := job.Spec.MaxRecords

	if err := d.navigateWithRetries(ctx, session, profileID, d.targetURL(target)); err != nil {
		if errors.Is(err, context.Canceled) {
			return cancelled()
		}
		if models.KindOf(err) == models.ErrKindSessionLost {
			return failure(err)
		}
		// Exhausted transient retries cost this target, not the job
		d.logger.Warn().Err(err).Str("target", target.Key()).Msg("Target unreachable, skipping")
		checkpoint.Shortfalls[target.Key()] = models.Shortfall{
			Requested: limit,
			Delivered: checkpoint.DeliveredByTarget[target.Key()],
		}
		return nil
	}

	// A zero cap asks for nothing: confirm the page renders, record the
	// empty shortfall, and move on without scrolling.
	if limit == 0 {
		checkpoint.Shortfalls[target.Key()] = models.Shortfall{}
		return nil
	}

	// A resumed target re-scrolls to its last offset; already-seen records
	// on the way down are deduplicated, not double-counted.
	if checkpoint.LastScrollOffset > 0 {
		if err := session.ScrollBy(ctx, checkpoint.LastScrollOffset); err != nil {
			d.logger.Debug().Err(err).Msg("Resume scroll failed, continuing from top")
		}
		if err := d.sleep(ctx, d.config.SettleDelay); err != nil {
			return cancelled()
		}
	}

	delivered := checkpoint.DeliveredByTarget[target.Key()]

	for attempts := 0; attempts < d.config.ScrollBudget; attempts++ {
		if ctx.Err() != nil {
			return cancelled()
		}
		if delivered >= limit {
			break
		}

		candidates, err := d.extractor.Extract(ctx, session)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return cancelled()
			}
			if models.KindOf(err) == models.ErrKindSessionLost {
				return failure(err)
			}
			// Malformed extraction of a whole round: skip it and keep scrolling
			d.logger.Warn().Err(err).Str("target", target.Key()).Msg("Extraction round failed")
			candidates = nil
		}

		accepted := d.filterCandidates(job, target, candidates, seen, limit, &delivered)
		if len(accepted) > 0 {
			appendResult, err := d.records.AppendRecords(ctx, job.ID, accepted)
			if err != nil {
				return failure(err)
			}
			job.RecordCount += appendResult.Inserted
			d.publishRound(job.ID, target, appendResult.Inserted)
		}

		endOfFeed, err := d.scrollRound(ctx, session, profileID, checkpoint, len(accepted))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return cancelled()
			}
			if models.KindOf(err) == models.ErrKindSessionLost {
				return failure(err)
			}
			d.logger.Debug().Err(err).Msg("Scroll round failed")
		}
		if endOfFeed {
			d.logger.Info().
				Str("target", target.Key()).
				Int("delivered", delivered).
				Msg("End of feed reached")
			break
		}

		checkpoint.DeliveredByTarget[target.Key()] = delivered
		checkpoint.SetSeen(seen)
		if err := d.checkpoints.Save(ctx, job.ID, checkpoint); err != nil {
			return failure(err)
		}
	}

	checkpoint.DeliveredByTarget[target.Key()] = delivered
	if delivered < limit {
		checkpoint.Shortfalls[target.Key()] = models.Shortfall{Requested: limit, Delivered: delivered}
	}
	return nil
}

// filterCandidates applies validation, thresholds, dedup and the per-target
// cap, returning fully-formed records ready for storage.
func (d *Driver) filterCandidates(
	job *models.Job,
	target models.Target,
	candidates []*models.Record,
	seen map[string]struct{},
	limit int,
	delivered *int,
) []*models.Record {
	accepted := make([]*models.Record, 0, len(candidates))
	for _, c := range candidates {
		if limit > 0 && *delivered >= limit {
			break
		}
		if err := c.Validate(); err != nil {
			d.logger.Debug().Err(err).Msg("Skipping malformed candidate")
			continue
		}
		if !c.PassesThresholds(&job.Spec) {
			continue
		}

		fp := c.Fingerprint()
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}

		record := models.NewRecord(job.ID, target)
		record.Author = c.Author
		record.Content = c.Content
		record.PublishedAt = c.PublishedAt
		record.Likes = c.Likes
		record.Replies = c.Replies
		record.Reposts = c.Reposts
		record.Link = c.Link
		record.Hashtags = c.Hashtags
		record.Media = c.Media
		if d.classifier != nil {
			record.Category = d.classifier.Classify(c.Content, c.Hashtags)
		}

		accepted = append(accepted, record)
		*delivered++
	}
	return accepted
}

// scrollRound advances the feed once and updates stagnancy state. A round is
// stagnant when it produced no new fingerprints or the scroll offset barely
// moved. Returns true when the feed has stopped producing new content.
func (d *Driver) scrollRound(
	ctx context.Context,
	session interfaces.BrowserSession,
	profileID string,
	checkpoint *models.ScrapeCheckpoint,
	newRecords int,
) (bool, error) {
	step := d.config.ScrollStep
	settle := d.config.SettleDelay
	if checkpoint.StagnantRounds >= stuckRoundsThreshold {
		// A stuck feed gets a harder shove and more time to respond
		step = d.config.ScrollStepStuck
		settle = d.config.SettleDelayStuck
	}

	before, err := session.ScrollOffset(ctx)
	if err != nil {
		return false, err
	}
	if err := session.ScrollBy(ctx, step); err != nil {
		return false, err
	}
	d.pool.RecordRequest(profileID)
	if err := d.sleep(ctx, settle); err != nil {
		return false, err
	}
	after, err := session.ScrollOffset(ctx)
	if err != nil {
		return false, err
	}

	checkpoint.LastScrollOffset = after
	if newRecords > 0 && after-before >= stagnantDeltaPx {
		checkpoint.StagnantRounds = 0
	} else {
		checkpoint.StagnantRounds++
	}
	return checkpoint.StagnantRounds >= d.config.MaxStagnantRounds, nil
}

// navigateWithRetries loads the target page, waiting for the timeline
// container to render. Transient failures retry with a growing delay.
func (d *Driver) navigateWithRetries(ctx context.Context, session interfaces.BrowserSession, profileID, pageURL string) error {
	var lastErr error
	for attempt := 0; attempt <= d.config.NavRetries; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
				return err
			}
		}

		err := session.Navigate(ctx, pageURL)
		if err == nil {
			d.pool.RecordRequest(profileID)
			err = session.WaitVisible(ctx, timelineSelector, d.config.ElementTimeout)
			if err == nil {
				return nil
			}
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		if kind := models.KindOf(err); kind == models.ErrKindSessionLost {
			return err
		}
		lastErr = err
		d.logger.Warn().
			Err(err).
			Str("url", pageURL).
			Int("attempt", attempt+1).
			Msg("Navigation failed")
	}
	return models.Tag(models.ErrKindTransientNetwork,
		fmt.Errorf("navigation to %s failed after %d attempts: %w", pageURL, d.config.NavRetries+1, lastErr))
}

// targetURL maps a target to its timeline page: the profile page for a bare
// account, live search for a keyword, and a scoped search for a pair.
func (d *Driver) targetURL(target models.Target) string {
	base := d.config.BaseURL
	switch {
	case target.Account != "" && target.Keyword != "":
		query := fmt.Sprintf("from:%s %s", target.Account, target.Keyword)
		return fmt.Sprintf("%s/search?q=%s&f=live", base, url.QueryEscape(query))
	case target.Keyword != "":
		return fmt.Sprintf("%s/search?q=%s&f=live", base, url.QueryEscape(target.Keyword))
	default:
		return fmt.Sprintf("%s/%s", base, url.PathEscape(target.Account))
	}
}

func (d *Driver) publishRound(jobID string, target models.Target, inserted int) {
	if d.events == nil || inserted == 0 {
		return
	}
	d.events.Publish(interfaces.Event{
		Type:  interfaces.EventScrapeRound,
		JobID: jobID,
		Payload: map[string]interface{}{
			"target":   target.Key(),
			"inserted": inserted,
		},
		Timestamp: time.Now(),
	})
}

func failure(err error) *models.DriverResult {
	return &models.DriverResult{
		Status: models.DriverFailed,
		Kind:   models.KindOf(err),
		Err:    err,
	}
}

func cancelled() *models.DriverResult {
	return &models.DriverResult{Status: models.DriverCancelled}
}
