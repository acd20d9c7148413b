package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

func newController(t *testing.T, limit int64) *Controller {
	t.Helper()
	c, err := New(3, limit)
	require.NoError(t, err)
	return c
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	c := newController(t, 0)
	require.NoError(t, c.CheckAutomated())

	assert.False(t, c.RecordFailure("credit failed", now))
	assert.False(t, c.RecordFailure("credit failed", now))
	require.NoError(t, c.CheckAutomated(), "still closed below threshold")

	assert.True(t, c.RecordFailure("credit failed", now))
	assert.ErrorIs(t, c.CheckAutomated(), ErrCircuitOpen)
	assert.Equal(t, "credit failed", c.State().LastFailureReason)

	c.ResetCircuitBreaker()
	assert.NoError(t, c.CheckAutomated())
	assert.Zero(t, c.State().ConsecutiveFailures)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	c := newController(t, 0)
	c.RecordFailure("x", now)
	c.RecordFailure("x", now)
	c.RecordSuccess()
	assert.False(t, c.RecordFailure("x", now))
	assert.NoError(t, c.CheckAutomated())
}

func TestPauseGatesEverything(t *testing.T) {
	c := newController(t, 0)
	c.Pause()
	assert.ErrorIs(t, c.CheckNotPaused(), ErrPaused)
	assert.ErrorIs(t, c.CheckAutomated(), ErrPaused)
	c.SetAutomationEnabled(false)
	assert.ErrorIs(t, c.CheckManualFallback(), ErrPaused)

	c.Unpause()
	assert.NoError(t, c.CheckNotPaused())
}

func TestAutomationSwitch(t *testing.T) {
	c := newController(t, 0)
	assert.ErrorIs(t, c.CheckManualFallback(), ErrAutomationEnabled)

	c.SetAutomationEnabled(false)
	assert.ErrorIs(t, c.CheckAutomated(), ErrAutomationDisabled)
	assert.NoError(t, c.CheckManualFallback())

	// The manual fallback ignores an open breaker.
	for i := 0; i < 3; i++ {
		c.RecordFailure("x", now)
	}
	assert.NoError(t, c.CheckManualFallback())
}

func TestDailyLimit(t *testing.T) {
	c := newController(t, 10000)

	require.NoError(t, c.ReserveWithdrawal(6000, now))
	require.NoError(t, c.ReserveWithdrawal(4000, now.Add(time.Hour)))
	assert.ErrorIs(t, c.ReserveWithdrawal(1, now.Add(2*time.Hour)), ErrDailyLimitExceeded)

	u := c.DailyUsage(now)
	assert.Equal(t, int64(10000), u.Withdrawn)
	assert.Zero(t, u.Remaining)

	tomorrow := now.Add(24 * time.Hour)
	assert.Zero(t, c.DailyUsage(tomorrow).Withdrawn)
	require.NoError(t, c.ReserveWithdrawal(9000, tomorrow))
	assert.Equal(t, int64(1000), c.DailyUsage(tomorrow).Remaining)
}

func TestReleaseWithdrawal(t *testing.T) {
	c := newController(t, 10000)
	require.NoError(t, c.ReserveWithdrawal(6000, now))

	c.ReleaseWithdrawal(2000, DayID(now))
	assert.Equal(t, int64(4000), c.DailyUsage(now).Withdrawn)
	c.ReleaseWithdrawal(9000, DayID(now))
	assert.Zero(t, c.DailyUsage(now).Withdrawn)

	tomorrow := now.Add(24 * time.Hour)
	require.NoError(t, c.ReserveWithdrawal(3000, tomorrow))
	c.ReleaseWithdrawal(3000, DayID(now))
	assert.Equal(t, int64(3000), c.DailyUsage(tomorrow).Withdrawn, "stale day is ignored")
}

func TestZeroLimitIsUnlimited(t *testing.T) {
	c := newController(t, 0)
	require.NoError(t, c.ReserveWithdrawal(1_000_000_000, now))
	assert.Zero(t, c.DailyUsage(now).Remaining)

	assert.ErrorIs(t, c.SetDailyLimit(-1), ErrInvalidLimit)
	require.NoError(t, c.SetDailyLimit(500))
	assert.ErrorIs(t, c.ReserveWithdrawal(1, now), ErrDailyLimitExceeded)
}

func TestRestoreKeepsThreshold(t *testing.T) {
	c := newController(t, 0)
	c.Restore(State{Paused: true, ConsecutiveFailures: 2, FailureThreshold: 99})
	assert.Equal(t, 3, c.State().FailureThreshold)
	assert.True(t, c.State().Paused)
	assert.True(t, c.RecordFailure("x", now))
}

func TestNewValidation(t *testing.T) {
	_, err := New(0, 0)
	assert.Error(t, err)
	_, err = New(1, -5)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}
