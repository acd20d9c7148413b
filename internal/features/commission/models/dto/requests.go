package dto

import "matrix-ledger-backend/internal/features/allocation"

// RegisterRequest is an entry payment. Sponsor may only be empty for the
// very first member. TxHash names the transfer to the service wallet; it is
// required whenever the TON rail is enabled.
type RegisterRequest struct {
	User    string `json:"user" binding:"required,tonaddr" example:"EQD4FPq-PRD4YtG87wgL7AErgQwHUMFQ-JxyYw8jzBPhqjfH"`
	Sponsor string `json:"sponsor" binding:"omitempty,tonaddr"`
	Tier    int    `json:"tier" binding:"required,min=1"`
	Amount  int64  `json:"amount" binding:"required,gt=0"`
	TxHash  string `json:"tx_hash" binding:"omitempty,len=64,hexadecimal"`
}

type UpgradeRequest struct {
	Tier   int    `json:"tier" binding:"required,min=2"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
	TxHash string `json:"tx_hash" binding:"omitempty,len=64,hexadecimal"`
}

type WithdrawRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

// DailyLimitRequest sets the global per-day withdrawal ceiling; 0 removes it.
type DailyLimitRequest struct {
	Limit *int64 `json:"limit" binding:"required,min=0"`
}

// ResolvePayoutRequest closes a pending payout: sent settles it, otherwise
// the withdrawal is reversed.
type ResolvePayoutRequest struct {
	Sent *bool `json:"sent" binding:"required"`
}

type AutomationRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type BlacklistRequest struct {
	Blacklisted *bool `json:"blacklisted" binding:"required"`
}

// AllocationRequest carries basis points per bucket; they must sum to 10000.
type AllocationRequest struct {
	Sponsor    int64 `json:"sponsor" binding:"min=0"`
	Level      int64 `json:"level" binding:"min=0"`
	Upline     int64 `json:"upline" binding:"min=0"`
	LeaderPool int64 `json:"leader_pool" binding:"min=0"`
	HelpPool   int64 `json:"help_pool" binding:"min=0"`
}

func (r AllocationRequest) Weights() allocation.Weights {
	return allocation.Weights{
		Sponsor:    r.Sponsor,
		Level:      r.Level,
		Upline:     r.Upline,
		LeaderPool: r.LeaderPool,
		HelpPool:   r.HelpPool,
	}
}

// StatusResponse acknowledges an admin action.
type StatusResponse struct {
	Success bool   `json:"success"`
	Action  string `json:"action"`
}
