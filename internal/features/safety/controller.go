// Package safety holds the pause switch, the upkeep circuit breaker, the
// automation flag and the global daily withdrawal ceiling.
package safety

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPaused             = errors.New("system is paused")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrAutomationDisabled = errors.New("automation is disabled")
	ErrAutomationEnabled  = errors.New("automation is enabled")
	ErrDailyLimitExceeded = errors.New("daily withdrawal limit exceeded")
	ErrInvalidLimit       = errors.New("daily withdrawal limit cannot be negative")
)

const secondsPerDay = 24 * 60 * 60

// DayID buckets a timestamp into a UTC day.
func DayID(t time.Time) int64 {
	return t.Unix() / secondsPerDay
}

// State is the persisted safety state.
type State struct {
	Paused              bool      `json:"paused"`
	AutomationEnabled   bool      `json:"automation_enabled"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	LastFailureReason   string    `json:"last_failure_reason,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	DailyLimit          int64     `json:"daily_limit"`
	DayID               int64     `json:"day_id"`
	WithdrawnToday      int64     `json:"withdrawn_today"`
}

// BreakerOpen reports whether automated upkeep is blocked.
func (s State) BreakerOpen() bool {
	return s.FailureThreshold > 0 && s.ConsecutiveFailures >= s.FailureThreshold
}

// DailyUsage is the read view of the withdrawal tracker.
type DailyUsage struct {
	DayID     int64 `json:"day_id"`
	Withdrawn int64 `json:"withdrawn"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

// Controller is not safe for concurrent use; the engine serialises access.
type Controller struct {
	state State
}

// New starts unpaused with automation on. A dailyLimit of 0 disables the ceiling.
func New(failureThreshold int, dailyLimit int64) (*Controller, error) {
	if failureThreshold < 1 {
		return nil, fmt.Errorf("failure threshold must be at least 1")
	}
	if dailyLimit < 0 {
		return nil, ErrInvalidLimit
	}
	return &Controller{state: State{
		AutomationEnabled: true,
		FailureThreshold:  failureThreshold,
		DailyLimit:        dailyLimit,
	}}, nil
}

func (c *Controller) State() State { return c.state }

// Restore replaces the state, keeping the configured failure threshold.
func (c *Controller) Restore(s State) {
	threshold := c.state.FailureThreshold
	c.state = s
	c.state.FailureThreshold = threshold
}

func (c *Controller) Pause()   { c.state.Paused = true }
func (c *Controller) Unpause() { c.state.Paused = false }

func (c *Controller) CheckNotPaused() error {
	if c.state.Paused {
		return ErrPaused
	}
	return nil
}

// CheckAutomated gates the keeper-triggered upkeep path.
func (c *Controller) CheckAutomated() error {
	if err := c.CheckNotPaused(); err != nil {
		return err
	}
	if !c.state.AutomationEnabled {
		return ErrAutomationDisabled
	}
	if c.state.BreakerOpen() {
		return fmt.Errorf("%w: %d consecutive failures", ErrCircuitOpen, c.state.ConsecutiveFailures)
	}
	return nil
}

// CheckManualFallback gates emergency distribution: allowed only while
// automation is switched off. The breaker does not apply.
func (c *Controller) CheckManualFallback() error {
	if err := c.CheckNotPaused(); err != nil {
		return err
	}
	if c.state.AutomationEnabled {
		return ErrAutomationEnabled
	}
	return nil
}

// RecordFailure counts a failed automated upkeep and reports whether the
// breaker is now open.
func (c *Controller) RecordFailure(reason string, now time.Time) bool {
	c.state.ConsecutiveFailures++
	c.state.LastFailureReason = reason
	c.state.LastFailureAt = now
	return c.state.BreakerOpen()
}

func (c *Controller) RecordSuccess() {
	c.state.ConsecutiveFailures = 0
}

func (c *Controller) ResetCircuitBreaker() {
	c.state.ConsecutiveFailures = 0
	c.state.LastFailureReason = ""
	c.state.LastFailureAt = time.Time{}
}

func (c *Controller) SetAutomationEnabled(enabled bool) {
	c.state.AutomationEnabled = enabled
}

func (c *Controller) SetDailyLimit(limit int64) error {
	if limit < 0 {
		return ErrInvalidLimit
	}
	c.state.DailyLimit = limit
	return nil
}

func (c *Controller) rollDay(now time.Time) {
	if day := DayID(now); day != c.state.DayID {
		c.state.DayID = day
		c.state.WithdrawnToday = 0
	}
}

// ReserveWithdrawal books amount against today's ceiling.
func (c *Controller) ReserveWithdrawal(amount int64, now time.Time) error {
	c.rollDay(now)
	if c.state.DailyLimit > 0 && c.state.WithdrawnToday+amount > c.state.DailyLimit {
		return fmt.Errorf("%w: %d requested, %d of %d used", ErrDailyLimitExceeded,
			amount, c.state.WithdrawnToday, c.state.DailyLimit)
	}
	c.state.WithdrawnToday += amount
	return nil
}

// ReleaseWithdrawal returns amount reserved on day to the bucket. Reservations
// from a day that has already rolled over are dropped.
func (c *Controller) ReleaseWithdrawal(amount int64, day int64) {
	if day != c.state.DayID {
		return
	}
	c.state.WithdrawnToday = max(c.state.WithdrawnToday-amount, 0)
}

// DailyUsage reports the tracker as seen at now without mutating it.
func (c *Controller) DailyUsage(now time.Time) DailyUsage {
	u := DailyUsage{DayID: DayID(now), Limit: c.state.DailyLimit}
	if u.DayID == c.state.DayID {
		u.Withdrawn = c.state.WithdrawnToday
	}
	if u.Limit > 0 {
		u.Remaining = max(u.Limit-u.Withdrawn, 0)
	}
	return u
}
