package scraper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
)

// chromeSession is the chromedp-backed BrowserSession. Each session owns a
// dedicated browser instance bound to one profile's user data dir, so
// cookies and local storage stay isolated per profile.
type chromeSession struct {
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
	navLimiter      *rate.Limiter
	logger          arbor.ILogger
}

// SessionFactory creates browser sessions for leased profiles
type SessionFactory struct {
	profiles *common.ProfilesConfig
	scraper  *common.ScraperConfig
	logger   arbor.ILogger
}

// NewSessionFactory creates a session factory from configuration
func NewSessionFactory(profiles *common.ProfilesConfig, scraper *common.ScraperConfig, logger arbor.ILogger) *SessionFactory {
	return &SessionFactory{
		profiles: profiles,
		scraper:  scraper,
		logger:   logger,
	}
}

// Session launches a browser for the given profile and verifies it responds
func (f *SessionFactory) Session(ctx context.Context, profileID string) (interfaces.BrowserSession, error) {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.UserAgent(f.profiles.UserAgent),
		chromedp.UserDataDir(filepath.Join(f.profiles.DataDir, profileID)),
		chromedp.Flag("headless", f.profiles.Headless),
		chromedp.Flag("no-sandbox", f.profiles.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	// Startup test: an unresponsive browser fails here, not mid-job
	testCtx, testCancel := context.WithTimeout(browserCtx, f.scraper.NavigationTimeout)
	defer testCancel()
	err := chromedp.Run(testCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": "en-US,en;q=0.9"}),
		chromedp.Navigate("about:blank"),
	)
	if err != nil {
		browserCancel()
		allocatorCancel()
		return nil, models.Tag(models.ErrKindSessionLost,
			fmt.Errorf("browser for profile %q failed startup test: %w", profileID, err))
	}

	f.logger.Debug().
		Str("profile_id", profileID).
		Bool("headless", f.profiles.Headless).
		Msg("Browser session created")

	// One navigation per pace interval keeps per-profile traffic polite
	pace := rate.Every(f.scraper.NavigationPace)
	if f.scraper.NavigationPace <= 0 {
		pace = rate.Inf
	}

	return &chromeSession{
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
		navLimiter:      rate.NewLimiter(pace, 1),
		logger:          f.logger,
	}, nil
}

// Navigate loads the URL, honoring the per-profile pacing limiter
func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	if err := s.navLimiter.Wait(ctx); err != nil {
		return err
	}

	runCtx, cancel := s.bound(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return classifySessionErr(fmt.Errorf("navigation to %s failed: %w", url, err))
	}
	return nil
}

// WaitVisible blocks until the selector renders or the timeout fires
func (s *chromeSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	runCtx, cancel := s.bound(ctx)
	defer cancel()
	waitCtx, waitCancel := context.WithTimeout(runCtx, timeout)
	defer waitCancel()

	if err := chromedp.Run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return classifySessionErr(fmt.Errorf("wait for %q failed: %w", selector, err))
	}
	return nil
}

// Evaluate runs a JavaScript expression and unmarshals the result into out
func (s *chromeSession) Evaluate(ctx context.Context, expression string, out interface{}) error {
	runCtx, cancel := s.bound(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expression, out)); err != nil {
		return classifySessionErr(fmt.Errorf("evaluate failed: %w", err))
	}
	return nil
}

// ScrollBy scrolls the page vertically by the given number of pixels
func (s *chromeSession) ScrollBy(ctx context.Context, pixels float64) error {
	expr := fmt.Sprintf("window.scrollBy(0, %f); undefined", pixels)
	return s.Evaluate(ctx, expr, nil)
}

// ScrollOffset returns the current vertical scroll position
func (s *chromeSession) ScrollOffset(ctx context.Context) (float64, error) {
	var offset float64
	if err := s.Evaluate(ctx, "window.scrollY", &offset); err != nil {
		return 0, err
	}
	return offset, nil
}

// Close releases the browser and its allocator
func (s *chromeSession) Close() error {
	s.browserCancel()
	s.allocatorCancel()
	return nil
}

// bound ties a chromedp run to both the caller's context and the browser's
func (s *chromeSession) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(s.browserCtx)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// classifySessionErr tags closed-browser failures as session loss so the
// driver fails the job instead of retrying the target. Caller cancellation
// passes through untagged.
func classifySessionErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	for _, marker := range []string{"websocket: close", "connection refused", "browser closed", "target closed"} {
		if strings.Contains(msg, marker) {
			return models.Tag(models.ErrKindSessionLost, err)
		}
	}
	return models.Tag(models.ErrKindTransientNetwork, err)
}
