package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGovernorAdmitsUnderCeiling(t *testing.T) {
	g := NewGovernor(3)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, g.AcquireApp(ctx))
		g.RecordApp()
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "first three calls must not block")
}

func TestGovernorBlocksAtCeiling(t *testing.T) {
	// 100ms window keeps the test fast; semantics are window-size independent
	g := NewGovernor(3, WithWindow(100*time.Millisecond))
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, g.AcquireApp(ctx))
		g.RecordApp()
	}
	elapsed := time.Since(start)

	// 10 dispatches at 3 per window require at least 3 full windows
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond,
		"the 10th dispatch must wait out three windows")
}

func TestGovernorPerDocWindowsAreIndependent(t *testing.T) {
	g := NewGovernor(1, WithWindow(time.Second))
	ctx := context.Background()

	require.NoError(t, g.AcquireDoc(ctx, "doc-a"))
	g.RecordDoc("doc-a")

	// doc-b has its own window and must not block
	done := make(chan struct{})
	go func() {
		_ = g.AcquireDoc(ctx, "doc-b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("doc-b acquisition blocked on doc-a's window")
	}
}

func TestGovernorAcquireHonorsCancellation(t *testing.T) {
	g := NewGovernor(1, WithWindow(time.Hour))
	require.NoError(t, g.AcquireApp(context.Background()))
	g.RecordApp()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := g.AcquireApp(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackoffDelayBounds(t *testing.T) {
	for attempt := 0; attempt <= 6; attempt++ {
		expected := time.Duration(float64(time.Second) * float64(int(1)<<attempt))
		for i := 0; i < 20; i++ {
			delay := BackoffDelay(attempt)
			assert.GreaterOrEqual(t, delay, minDuration(expected, backoffCap),
				"attempt %d below lower bound", attempt)
			upper := time.Duration(float64(expected) * 1.1)
			assert.LessOrEqual(t, delay, minDuration(upper, backoffCap),
				"attempt %d above upper bound", attempt)
		}
	}
}

func TestBackoffDelayCap(t *testing.T) {
	assert.Equal(t, 60*time.Second, BackoffDelay(20))
	assert.Equal(t, 60*time.Second, BackoffDelay(100))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
