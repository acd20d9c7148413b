package models

import (
	"time"

	"matrix-ledger-backend/internal/features/allocation"
	"matrix-ledger-backend/internal/features/ledger"
	"matrix-ledger-backend/internal/features/matrix"
	"matrix-ledger-backend/internal/features/pool"
)

type ReceiptKind string

const (
	KindRegister     ReceiptKind = "register"
	KindUpgrade      ReceiptKind = "upgrade"
	KindWithdrawal   ReceiptKind = "withdrawal"
	KindDistribution ReceiptKind = "distribution"
	KindAdmin        ReceiptKind = "admin"
)

// Deposit reasons.
const (
	ReasonAllocation = "allocation"
	ReasonForfeit    = "forfeit"
	ReasonUnassigned = "unassigned"
	ReasonAdminFee   = "admin_fee"
)

// CreditLine is one bonus credit attempt. Forfeited is the part the earnings
// cap (or the beneficiary's status) refused.
type CreditLine struct {
	User      string          `json:"user"`
	Category  ledger.Category `json:"category"`
	Level     int             `json:"level,omitempty"`
	Amount    int64           `json:"amount"`
	Credited  int64           `json:"credited"`
	Forfeited int64           `json:"forfeited,omitempty"`
}

type PoolDeposit struct {
	Pool   pool.ID `json:"pool"`
	Amount int64   `json:"amount"`
	Reason string  `json:"reason"`
}

// Receipt is the full, audited outcome of one committed operation.
type Receipt struct {
	ID           string             `json:"id"`
	Kind         ReceiptKind        `json:"kind"`
	User         string             `json:"user,omitempty"`
	Sponsor      string             `json:"sponsor,omitempty"`
	Tier         int                `json:"tier,omitempty"`
	Amount       int64              `json:"amount,omitempty"`
	TxHash       string             `json:"tx_hash,omitempty"`
	Action       string             `json:"action,omitempty"`
	Caller       string             `json:"caller,omitempty"`
	Placement    *matrix.Placement  `json:"placement,omitempty"`
	Split        *allocation.Split  `json:"split,omitempty"`
	Credits      []CreditLine       `json:"credits,omitempty"`
	Deposits     []PoolDeposit      `json:"deposits,omitempty"`
	Withdrawal   *ledger.Withdrawal `json:"withdrawal,omitempty"`
	Distribution *pool.Distribution `json:"distribution,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

func (r *Receipt) TotalCredited() int64 {
	var sum int64
	for _, c := range r.Credits {
		sum += c.Credited
	}
	return sum
}

func (r *Receipt) TotalDeposited() int64 {
	var sum int64
	for _, d := range r.Deposits {
		sum += d.Amount
	}
	return sum
}

// CreditedTo sums what a user received in this receipt.
func (r *Receipt) CreditedTo(user string) int64 {
	var sum int64
	for _, c := range r.Credits {
		if c.User == user {
			sum += c.Credited
		}
	}
	return sum
}

// PendingPayout is a withdrawal whose debit is committed while the transfer
// is in flight or its outcome is unknown. ID is the withdrawal receipt id.
type PendingPayout struct {
	ID         string            `json:"id"`
	Withdrawal ledger.Withdrawal `json:"withdrawal"`
	DayID      int64             `json:"day_id"`
	CreatedAt  time.Time         `json:"created_at"`
}
