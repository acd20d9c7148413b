package repository

import (
	"context"

	"matrix-ledger-backend/internal/features/commission/models"
	"matrix-ledger-backend/internal/features/ledger"
	"matrix-ledger-backend/internal/features/matrix"
	"matrix-ledger-backend/internal/features/pool"
	"matrix-ledger-backend/internal/features/safety"
)

// Snapshot is everything needed to rebuild the engine after a restart.
// Placements are in commit order. Nil fields were never saved.
type Snapshot struct {
	Accounts    []ledger.Account
	Placements  []matrix.Placement
	PaymentRefs []string
	Payouts     []models.PendingPayout
	Pools       []pool.Pool
	Safety      *safety.State
	Settings    *models.Settings
}

// Commit is the delta of one engine operation. It must be applied atomically.
// PaymentRef is a newly booked payment hash; Payout opens a pending payout
// and SettledPayout closes one by id.
type Commit struct {
	Accounts      []ledger.Account
	Placement     *matrix.Placement
	PaymentRef    string
	Payout        *models.PendingPayout
	SettledPayout string
	Pools         []pool.Pool
	Safety        safety.State
	Settings      models.Settings
	Receipt       *models.Receipt
}

type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, c Commit) error
}

// ReceiptReader lists recent receipts, newest first.
type ReceiptReader interface {
	RecentReceipts(ctx context.Context, count int64) ([]models.Receipt, error)
}

type LedgerRepository interface {
	Store
	ReceiptReader
}
