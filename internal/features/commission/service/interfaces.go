package service

import (
	"context"
	"time"

	"matrix-ledger-backend/internal/features/allocation"
	"matrix-ledger-backend/internal/features/commission/models"
	"matrix-ledger-backend/internal/features/ledger"
	"matrix-ledger-backend/internal/features/pool"
)

// Rail moves the ledger asset in and out of the engine. Errors that are
// AppErrors keep their code: an internal one from MoveIn marks an outage
// rather than a bad payment, and PAYOUT_UNCONFIRMED from MoveOut means the
// transfer may have left the wallet.
type Rail interface {
	MoveIn(ctx context.Context, from string, amount int64, txHash string) error
	MoveOut(ctx context.Context, to string, amount int64) error
}

type Authorizer interface {
	IsAdmin(caller string) bool
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// AdminList authorizes a fixed set of caller ids.
type AdminList map[string]struct{}

func NewAdminList(ids []string) AdminList {
	l := make(AdminList, len(ids))
	for _, id := range ids {
		if id != "" {
			l[id] = struct{}{}
		}
	}
	return l
}

func (l AdminList) IsAdmin(caller string) bool {
	_, ok := l[caller]
	return ok
}

// LedgerService is what the HTTP layer and the workers drive.
type LedgerService interface {
	Register(ctx context.Context, user, sponsor string, tier int, amount int64, txHash string) (*models.Receipt, error)
	Upgrade(ctx context.Context, user string, tier int, amount int64, txHash string) (*models.Receipt, error)
	Withdraw(ctx context.Context, user string, amount int64) (*models.Receipt, error)
	PendingPayouts() []models.PendingPayout
	ResolvePayout(ctx context.Context, caller, id string, sent bool) (*models.Receipt, error)

	CheckUpkeep() models.UpkeepCheck
	PerformUpkeep(ctx context.Context, id pool.ID) (*models.Receipt, error)
	EmergencyDistribute(ctx context.Context, caller string, id pool.ID) (*models.Receipt, error)

	Pause(ctx context.Context, caller string) error
	Unpause(ctx context.Context, caller string) error
	ResetCircuitBreaker(ctx context.Context, caller string) error
	SetDailyWithdrawalLimit(ctx context.Context, caller string, limit int64) error
	SetAutomationEnabled(ctx context.Context, caller string, enabled bool) error
	SetAllocationTable(ctx context.Context, caller string, tier int, w allocation.Weights) error
	SetBlacklisted(ctx context.Context, caller, user string, blacklisted bool) error

	GetUser(user string) (models.Member, error)
	GetUserCapStatus(user string) (ledger.CapStatus, error)
	GetPoolBalances() []pool.Pool
	GetUpkeepStatus() models.UpkeepStatus
	AllocationTable() []allocation.Tier
}

var _ LedgerService = (*Engine)(nil)
