package pool

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const week = 7 * 24 * time.Hour

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := NewScheduler([]Pool{
		{ID: GlobalHelp, Interval: week},
		{ID: LeaderBonus, Interval: 2 * week},
		{ID: Club, Interval: 30 * 24 * time.Hour},
	}, start)
	require.NoError(t, err)
	return s
}

func acceptAll(credited map[string]int64) CreditFunc {
	return func(user string, amount int64) (int64, error) {
		credited[user] += amount
		return amount, nil
	}
}

func equalRecipients(n int) []Recipient {
	out := make([]Recipient, n)
	for i := range out {
		out[i] = Recipient{User: fmt.Sprintf("u%d", i), Weight: 1}
	}
	return out
}

func TestDistributeEqualSplitThenTooEarly(t *testing.T) {
	s := newScheduler(t)
	require.NoError(t, s.Deposit(GlobalHelp, 900))

	now := start.Add(week)
	due, err := s.IsDue(GlobalHelp, now)
	require.NoError(t, err)
	require.True(t, due)

	credited := map[string]int64{}
	d, err := s.Distribute(GlobalHelp, equalRecipients(10), acceptAll(credited), now, false)
	require.NoError(t, err)
	assert.Equal(t, int64(900), d.Credited)
	assert.Zero(t, d.CarriedOver)
	assert.Len(t, d.Shares, 10)
	for user, amount := range credited {
		assert.Equal(t, int64(90), amount, user)
	}

	p, _ := s.Get(GlobalHelp)
	assert.Zero(t, p.Balance)
	assert.Equal(t, now, p.LastDistribution)

	_, err = s.Distribute(GlobalHelp, equalRecipients(10), acceptAll(credited), now, false)
	assert.ErrorIs(t, err, ErrTooEarly)
}

func TestDistributeCarriesRemainderAndRejections(t *testing.T) {
	s := newScheduler(t)
	require.NoError(t, s.Deposit(GlobalHelp, 1001))

	// u0 only accepts 50 of its share.
	credit := func(user string, amount int64) (int64, error) {
		if user == "u0" {
			return 50, nil
		}
		return amount, nil
	}
	d, err := s.Distribute(GlobalHelp, equalRecipients(3), credit, start.Add(week), false)
	require.NoError(t, err)
	// 1001/3 = 333 each, remainder 2; u0 rejects 283.
	assert.Equal(t, int64(50+333+333), d.Credited)
	assert.Equal(t, int64(2+283), d.CarriedOver)
	assert.Equal(t, d.Balance, d.Credited+d.CarriedOver)

	p, _ := s.Get(GlobalHelp)
	assert.Equal(t, d.CarriedOver, p.Balance)
	assert.Equal(t, d.Credited, p.TotalDistributed)
}

func TestDistributeWeighted(t *testing.T) {
	s := newScheduler(t)
	require.NoError(t, s.Deposit(LeaderBonus, 1000))

	credited := map[string]int64{}
	recipients := []Recipient{{User: "gold", Weight: 3}, {User: "silver", Weight: 1}, {User: "nobody", Weight: 0}}
	d, err := s.Distribute(LeaderBonus, recipients, acceptAll(credited), start.Add(2*week), false)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"gold": 750, "silver": 250}, credited)
	assert.Zero(t, d.CarriedOver)
}

func TestDistributeWithoutRecipientsAdvancesClock(t *testing.T) {
	s := newScheduler(t)
	require.NoError(t, s.Deposit(Club, 500))

	now := start.Add(30 * 24 * time.Hour)
	d, err := s.Distribute(Club, nil, acceptAll(map[string]int64{}), now, false)
	require.NoError(t, err)
	assert.Equal(t, int64(500), d.CarriedOver)

	p, _ := s.Get(Club)
	assert.Equal(t, int64(500), p.Balance)
	assert.Equal(t, now, p.LastDistribution)
	assert.False(t, p.IsDue(now))
}

func TestDistributeForceSkipsTimeGate(t *testing.T) {
	s := newScheduler(t)
	require.NoError(t, s.Deposit(GlobalHelp, 100))

	_, err := s.Distribute(GlobalHelp, equalRecipients(1), acceptAll(map[string]int64{}), start.Add(time.Hour), false)
	require.ErrorIs(t, err, ErrTooEarly)

	d, err := s.Distribute(GlobalHelp, equalRecipients(1), acceptAll(map[string]int64{}), start.Add(time.Hour), true)
	require.NoError(t, err)
	assert.True(t, d.Forced)
	assert.Equal(t, int64(100), d.Credited)
}

func TestDistributeCreditErrorLeavesPoolUntouched(t *testing.T) {
	s := newScheduler(t)
	require.NoError(t, s.Deposit(GlobalHelp, 100))
	before, _ := s.Get(GlobalHelp)

	boom := errors.New("boom")
	_, err := s.Distribute(GlobalHelp, equalRecipients(2), func(string, int64) (int64, error) {
		return 0, boom
	}, start.Add(week), false)
	assert.ErrorIs(t, err, boom)

	after, _ := s.Get(GlobalHelp)
	assert.Equal(t, before, after)
}

func TestCheckUpkeepPriority(t *testing.T) {
	s := newScheduler(t)

	needed, _ := s.CheckUpkeep(start.Add(week - time.Second))
	assert.False(t, needed)

	needed, id := s.CheckUpkeep(start.Add(2 * week))
	assert.True(t, needed)
	assert.Equal(t, GlobalHelp, id)

	_, err := s.Distribute(GlobalHelp, nil, acceptAll(map[string]int64{}), start.Add(2*week), false)
	require.NoError(t, err)

	needed, id = s.CheckUpkeep(start.Add(2 * week))
	assert.True(t, needed)
	assert.Equal(t, LeaderBonus, id)
}

func TestDepositAndLookupErrors(t *testing.T) {
	s := newScheduler(t)
	assert.ErrorIs(t, s.Deposit(GlobalHelp, 0), ErrInvalidDeposit)
	assert.ErrorIs(t, s.Deposit("nope", 10), ErrUnknownPool)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownPool)

	_, err = ParseID("club")
	assert.NoError(t, err)
	_, err = ParseID("vip")
	assert.ErrorIs(t, err, ErrUnknownPool)
}

func TestNewSchedulerValidation(t *testing.T) {
	_, err := NewScheduler([]Pool{{ID: GlobalHelp}}, start)
	assert.ErrorIs(t, err, ErrInvalidPool)

	_, err = NewScheduler([]Pool{{ID: GlobalHelp, Interval: week}, {ID: GlobalHelp, Interval: week}}, start)
	assert.ErrorIs(t, err, ErrInvalidPool)
}

func TestRestoreKeepsConfiguredInterval(t *testing.T) {
	s := newScheduler(t)
	saved := Pool{ID: GlobalHelp, Balance: 42, LastDistribution: start.Add(week), Interval: time.Minute, Distributions: 1}
	require.NoError(t, s.Restore([]Pool{saved}))

	p, _ := s.Get(GlobalHelp)
	assert.Equal(t, int64(42), p.Balance)
	assert.Equal(t, week, p.Interval)
	assert.Equal(t, start.Add(2*week), p.NextDue())
}
