package inference

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int) (*CircuitBreaker, *time.Time) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(threshold, 60*time.Second, 60*time.Second)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3)
	require.Equal(t, BreakerClosed, cb.State())

	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, BreakerClosed, cb.State())
	require.True(t, cb.Allows())

	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())
	require.False(t, cb.Allows())
}

func TestCircuitBreaker_SlidingWindowForgetsOldFailures(t *testing.T) {
	cb, now := newTestBreaker(3)

	cb.RecordFailure()
	cb.RecordFailure()

	// Old failures age out of the 60s window.
	*now = now.Add(61 * time.Second)
	require.Equal(t, 0, cb.FailureCount())

	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, now := newTestBreaker(1)

	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())

	// Before recovery timeout: still open.
	*now = now.Add(30 * time.Second)
	require.Equal(t, BreakerOpen, cb.State())

	// After recovery timeout: lazy transition to half-open.
	*now = now.Add(31 * time.Second)
	require.Equal(t, BreakerHalfOpen, cb.State())
	require.True(t, cb.Allows())
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb, now := newTestBreaker(1)
	cb.RecordFailure()
	*now = now.Add(61 * time.Second)
	require.Equal(t, BreakerHalfOpen, cb.State())

	cb.RecordSuccess()
	require.Equal(t, BreakerClosed, cb.State())
	require.Equal(t, 0, cb.FailureCount(), "window cleared on close")
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(1)
	cb.RecordFailure()
	*now = now.Add(61 * time.Second)
	require.Equal(t, BreakerHalfOpen, cb.State())

	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())

	// And it can recover again after another timeout.
	*now = now.Add(61 * time.Second)
	require.Equal(t, BreakerHalfOpen, cb.State())
}

func TestCircuitBreaker_SuccessInClosedKeepsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3)
	cb.RecordFailure()
	cb.RecordSuccess()
	require.Equal(t, BreakerClosed, cb.State())
	// Success in CLOSED does not clear the window, only prunes.
	require.Equal(t, 1, cb.FailureCount())
}

func TestCircuitBreaker_CheckFailsFastWhenOpen(t *testing.T) {
	cb, _ := newTestBreaker(1)
	require.NoError(t, cb.Check())

	cb.RecordFailure()
	require.ErrorIs(t, cb.Check(), ErrCircuitOpen)
}

func TestCircuitBreaker_ForceOpenAndReset(t *testing.T) {
	cb, _ := newTestBreaker(5)

	cb.ForceOpen()
	require.Equal(t, BreakerOpen, cb.State())
	require.ErrorIs(t, cb.Check(), ErrCircuitOpen)

	cb.Reset()
	require.Equal(t, BreakerClosed, cb.State())
	require.Equal(t, 0, cb.FailureCount())
}

func TestCircuitBreaker_Metrics(t *testing.T) {
	cb, _ := newTestBreaker(3)
	cb.RecordFailure()

	m := cb.Metrics()
	require.Equal(t, BreakerClosed, m["state"])
	require.Equal(t, 1, m["failure_count"])
	require.Equal(t, 3, m["threshold"])
}
