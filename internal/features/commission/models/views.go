package models

import (
	"time"

	"matrix-ledger-backend/internal/features/allocation"
	"matrix-ledger-backend/internal/features/ledger"
	"matrix-ledger-backend/internal/features/matrix"
	"matrix-ledger-backend/internal/features/pool"
	"matrix-ledger-backend/internal/features/safety"
)

// Member is the read view of one user.
type Member struct {
	ledger.Account
	RankName       string           `json:"rank_name,omitempty"`
	WithdrawalRate int64            `json:"withdrawal_rate_bps"`
	Matrix         *matrix.NodeView `json:"matrix,omitempty"`
}

type PoolStatus struct {
	pool.Pool
	NextDue time.Time `json:"next_due"`
	Due     bool      `json:"due"`
}

// UpkeepCheck is the answer to checkUpkeep.
type UpkeepCheck struct {
	Needed bool    `json:"needed"`
	Pool   pool.ID `json:"pool,omitempty"`
}

type UpkeepStatus struct {
	UpkeepCheck
	Paused              bool              `json:"paused"`
	AutomationEnabled   bool              `json:"automation_enabled"`
	CircuitBreakerOpen  bool              `json:"circuit_breaker_open"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	FailureThreshold    int               `json:"failure_threshold"`
	LastFailureReason   string            `json:"last_failure_reason,omitempty"`
	LastFailureAt       *time.Time        `json:"last_failure_at,omitempty"`
	Pools               []PoolStatus      `json:"pools"`
	DailyWithdrawals    safety.DailyUsage `json:"daily_withdrawals"`
	CheckedAt           time.Time         `json:"checked_at"`
}

// Settings are the runtime-adjustable parts of the plan that are persisted
// alongside the ledger.
type Settings struct {
	Tiers []allocation.Tier `json:"tiers"`
}
