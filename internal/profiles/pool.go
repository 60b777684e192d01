package profiles

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/interfaces"
)

var (
	// ErrNotReady signals every free profile is still inside its cooldown
	// gap. The scheduler keeps the job queued and polls again.
	ErrNotReady = errors.New("no profile ready: pool in cooldown")

	// ErrExhausted signals every profile is currently held
	ErrExhausted = errors.New("no profile available: all leased")
)

// requestWeight penalizes heavily used profiles in the selection score
const requestWeight = 10

// profileState tracks one profile's lease and usage history
type profileState struct {
	id           string
	heldBy       string // Job id, empty when free
	lastRelease  time.Time
	requestCount int
}

// Pool lends and returns browser profile ids. The profile set is fixed at
// construction; at most one lease per profile is held at any instant.
type Pool struct {
	mu             sync.Mutex
	profiles       map[string]*profileState
	order          []string // Stable iteration order for deterministic tie-breaks
	minInterUseGap time.Duration
	switchInterval time.Duration
	logger         arbor.ILogger
	now            func() time.Time
}

// NewPool creates a pool from configuration. Profiles start free and
// immediately eligible.
func NewPool(cfg *common.ProfilesConfig, logger arbor.ILogger) *Pool {
	p := &Pool{
		profiles:       make(map[string]*profileState, len(cfg.Ids)),
		minInterUseGap: cfg.MinInterUseGap,
		switchInterval: cfg.SwitchInterval,
		logger:         logger,
		now:            time.Now,
	}
	for _, id := range cfg.Ids {
		if _, exists := p.profiles[id]; exists {
			continue
		}
		p.profiles[id] = &profileState{id: id}
		p.order = append(p.order, id)
	}
	return p
}

// Lease picks the free profile maximizing
// (now - lastRelease) - requestWeight*requestCount, with a decisive bias for
// profiles idle longer than the switch interval. Profiles inside the
// minimum inter-use gap are not eligible; if only those remain, ErrNotReady
// is returned so the caller can queue instead of block.
func (p *Pool) Lease(jobID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *profileState
	bestScore := 0.0
	anyFree := false
	anyCooling := false

	for _, id := range p.order {
		state := p.profiles[id]
		if state.heldBy != "" {
			continue
		}
		anyFree = true

		idle := now.Sub(state.lastRelease)
		if !state.lastRelease.IsZero() && idle < p.minInterUseGap {
			anyCooling = true
			continue
		}

		score := idle.Seconds() - float64(requestWeight*state.requestCount)
		if !state.lastRelease.IsZero() && idle > p.switchInterval {
			// Long-idle profiles win outright over recently used ones
			score += 1e9
		}

		if best == nil || score > bestScore {
			best = state
			bestScore = score
		}
	}

	if best == nil {
		if anyFree && anyCooling {
			return "", ErrNotReady
		}
		return "", ErrExhausted
	}

	best.heldBy = jobID
	p.logger.Debug().
		Str("profile_id", best.id).
		Str("job_id", jobID).
		Int("request_count", best.requestCount).
		Msg("Profile leased")

	return best.id, nil
}

// Release returns a profile to the pool. Releasing a profile not held by
// jobID is an error and a no-op.
func (p *Pool) Release(profileID, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, exists := p.profiles[profileID]
	if !exists {
		return fmt.Errorf("unknown profile %q", profileID)
	}
	if state.heldBy == "" {
		return fmt.Errorf("profile %q is not leased", profileID)
	}
	if state.heldBy != jobID {
		return fmt.Errorf("profile %q is held by %q, not %q", profileID, state.heldBy, jobID)
	}

	state.heldBy = ""
	state.lastRelease = p.now()

	p.logger.Debug().
		Str("profile_id", profileID).
		Str("job_id", jobID).
		Msg("Profile released")

	return nil
}

// RecordRequest bumps the rolling request count for a profile
func (p *Pool) RecordRequest(profileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state, exists := p.profiles[profileID]; exists {
		state.requestCount++
	}
}

// ReleaseAll force-releases every lease. Used by restart recovery to clear
// orphaned leases before the admission loop starts.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, state := range p.profiles {
		if state.heldBy != "" {
			state.heldBy = ""
			state.lastRelease = p.now()
		}
	}
}

// Leases returns a snapshot of all profile states
func (p *Pool) Leases() []interfaces.ProfileLease {
	p.mu.Lock()
	defer p.mu.Unlock()

	leases := make([]interfaces.ProfileLease, 0, len(p.order))
	for _, id := range p.order {
		state := p.profiles[id]
		leases = append(leases, interfaces.ProfileLease{
			ProfileID:    state.id,
			HeldBy:       state.heldBy,
			LastRelease:  state.lastRelease,
			RequestCount: state.requestCount,
		})
	}
	return leases
}

// Size returns the number of profiles in the pool
func (p *Pool) Size() int {
	return len(p.order)
}
