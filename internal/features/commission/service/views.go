package service

import (
	"fmt"

	"matrix-ledger-backend/internal/features/allocation"
	"matrix-ledger-backend/internal/features/commission/models"
	"matrix-ledger-backend/internal/features/ledger"
	"matrix-ledger-backend/internal/features/pool"
)

func (e *Engine) GetUser(user string) (models.Member, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	acc, ok := e.ledger.Get(user)
	if !ok {
		return models.Member{}, toAppError(fmt.Errorf("%w: %s", ledger.ErrUserNotFound, user))
	}
	m := models.Member{Account: acc, RankName: e.ledger.RankName(acc.Rank)}
	m.WithdrawalRate, _ = e.ledger.WithdrawalRate(user)
	if node, ok := e.tree.Node(user); ok {
		m.Matrix = &node
	}
	return m, nil
}

func (e *Engine) GetUserCapStatus(user string) (ledger.CapStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st, ok := e.ledger.CapStatus(user)
	if !ok {
		return ledger.CapStatus{}, toAppError(fmt.Errorf("%w: %s", ledger.ErrUserNotFound, user))
	}
	return st, nil
}

func (e *Engine) GetPoolBalances() []pool.Pool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pools.Pools()
}

func (e *Engine) GetUpkeepStatus() models.UpkeepStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.clock.Now()
	st := e.safety.State()
	needed, id := e.pools.CheckUpkeep(now)
	out := models.UpkeepStatus{
		UpkeepCheck:         models.UpkeepCheck{Needed: needed, Pool: id},
		Paused:              st.Paused,
		AutomationEnabled:   st.AutomationEnabled,
		CircuitBreakerOpen:  st.BreakerOpen(),
		ConsecutiveFailures: st.ConsecutiveFailures,
		FailureThreshold:    st.FailureThreshold,
		LastFailureReason:   st.LastFailureReason,
		DailyWithdrawals:    e.safety.DailyUsage(now),
		CheckedAt:           now,
	}
	if !st.LastFailureAt.IsZero() {
		at := st.LastFailureAt
		out.LastFailureAt = &at
	}
	for _, p := range e.pools.Pools() {
		out.Pools = append(out.Pools, models.PoolStatus{Pool: p, NextDue: p.NextDue(), Due: p.IsDue(now)})
	}
	return out
}

// AllocationTable returns the tiers currently in force.
func (e *Engine) AllocationTable() []allocation.Tier {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.table.Tiers()
}
