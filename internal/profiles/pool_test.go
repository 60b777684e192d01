package profiles

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/aviary/internal/common"
)

func newTestPool(t *testing.T, ids ...string) *Pool {
	t.Helper()
	cfg := &common.ProfilesConfig{
		Ids:            ids,
		MinInterUseGap: 2 * time.Second,
		SwitchInterval: 30 * time.Second,
	}
	return NewPool(cfg, common.GetLogger())
}

func TestLeaseAndRelease(t *testing.T) {
	pool := newTestPool(t, "p1")

	id, err := pool.Lease("job-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", id)

	// Only profile is held
	_, err = pool.Lease("job-2")
	assert.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, pool.Release("p1", "job-1"))
}

func TestAtMostOneLeasePerProfile(t *testing.T) {
	pool := newTestPool(t, "p1", "p2")

	a, err := pool.Lease("job-1")
	require.NoError(t, err)
	b, err := pool.Lease("job-2")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "two jobs must not share a profile")
	for _, lease := range pool.Leases() {
		assert.NotEmpty(t, lease.HeldBy)
	}
}

func TestDoubleReleaseIsError(t *testing.T) {
	pool := newTestPool(t, "p1")

	_, err := pool.Lease("job-1")
	require.NoError(t, err)

	require.NoError(t, pool.Release("p1", "job-1"))
	assert.Error(t, pool.Release("p1", "job-1"), "second release must fail")
}

func TestReleaseByNonHolderIsError(t *testing.T) {
	pool := newTestPool(t, "p1")

	_, err := pool.Lease("job-1")
	require.NoError(t, err)

	assert.Error(t, pool.Release("p1", "job-2"))

	// The lease is untouched
	leases := pool.Leases()
	require.Len(t, leases, 1)
	assert.Equal(t, "job-1", leases[0].HeldBy)
}

func TestCooldownReportsNotReady(t *testing.T) {
	pool := newTestPool(t, "p1")

	_, err := pool.Lease("job-1")
	require.NoError(t, err)
	require.NoError(t, pool.Release("p1", "job-1"))

	// Inside the 2s inter-use gap the pool must not block, just report
	_, err = pool.Lease("job-2")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestCooldownExpires(t *testing.T) {
	pool := newTestPool(t, "p1")
	base := time.Now()
	pool.now = func() time.Time { return base }

	_, err := pool.Lease("job-1")
	require.NoError(t, err)
	require.NoError(t, pool.Release("p1", "job-1"))

	pool.now = func() time.Time { return base.Add(3 * time.Second) }

	id, err := pool.Lease("job-2")
	require.NoError(t, err)
	assert.Equal(t, "p1", id)
}

func TestSelectionPrefersLessLoadedProfile(t *testing.T) {
	pool := newTestPool(t, "p1", "p2")
	base := time.Now()
	pool.now = func() time.Time { return base }

	// Both released long ago, p1 carries a heavy request count
	for _, state := range pool.profiles {
		state.lastRelease = base.Add(-10 * time.Second)
	}
	pool.profiles["p1"].requestCount = 5

	id, err := pool.Lease("job-1")
	require.NoError(t, err)
	assert.Equal(t, "p2", id)
}

func TestSelectionPrefersLongIdleDecisively(t *testing.T) {
	pool := newTestPool(t, "p1", "p2")
	base := time.Now()
	pool.now = func() time.Time { return base }

	// p1 idle past the switch interval wins despite its request count
	pool.profiles["p1"].lastRelease = base.Add(-60 * time.Second)
	pool.profiles["p1"].requestCount = 100
	pool.profiles["p2"].lastRelease = base.Add(-5 * time.Second)

	id, err := pool.Lease("job-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", id)
}

func TestReleaseAllClearsOrphans(t *testing.T) {
	pool := newTestPool(t, "p1", "p2")

	_, err := pool.Lease("job-1")
	require.NoError(t, err)
	_, err = pool.Lease("job-2")
	require.NoError(t, err)

	pool.ReleaseAll()

	for _, lease := range pool.Leases() {
		assert.Empty(t, lease.HeldBy)
	}
}
