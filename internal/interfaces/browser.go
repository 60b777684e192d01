package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/aviary/internal/models"
)

// BrowserSession is an opaque handle to a live headless-browser page.
// The core only needs navigation, DOM waits, JavaScript evaluation and
// scrolling; the control transport behind it is out of scope.
type BrowserSession interface {
	// Navigate loads the URL and returns once the page commits
	Navigate(ctx context.Context, url string) error

	// WaitVisible blocks until the selector is rendered or the timeout fires
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error

	// Evaluate runs a JavaScript expression and unmarshals the result into out
	Evaluate(ctx context.Context, expression string, out interface{}) error

	// ScrollBy scrolls the page vertically by the given number of pixels
	ScrollBy(ctx context.Context, pixels float64) error

	// ScrollOffset returns the current vertical scroll position
	ScrollOffset(ctx context.Context) (float64, error)

	// Close releases the underlying page
	Close() error
}

// SessionProvider maps a leased profile id to a live browser session
type SessionProvider interface {
	Session(ctx context.Context, profileID string) (BrowserSession, error)
}

// RecordExtractor turns the currently rendered page into candidate records.
// Malformed candidates are the caller's problem to skip; the extractor never
// fails the whole page for one bad node.
type RecordExtractor interface {
	Extract(ctx context.Context, session BrowserSession) ([]*models.Record, error)
}

// ProfileLease describes the pool's view of one profile
type ProfileLease struct {
	ProfileID    string    `json:"profile_id"`
	HeldBy       string    `json:"held_by,omitempty"` // Job id, empty when free
	LastRelease  time.Time `json:"last_release"`
	RequestCount int       `json:"request_count"` // Rolling navigation count
}

// ProfilePool lends and returns profile ids under fairness and cooldown
// rules. Lease never blocks; a pool in cooldown reports not-ready so the
// scheduler can keep the job queued.
type ProfilePool interface {
	// Lease acquires the best available profile for the given job
	Lease(jobID string) (string, error)

	// Release returns a profile. Releasing a profile not held by jobID is an
	// error and a no-op.
	Release(profileID, jobID string) error

	// RecordRequest bumps the rolling request count for a held profile
	RecordRequest(profileID string)

	// ReleaseAll force-releases every lease (restart recovery)
	ReleaseAll()

	// Leases returns a snapshot of all profile states
	Leases() []ProfileLease

	// Size returns the number of profiles in the pool
	Size() int
}
