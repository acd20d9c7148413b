package service

import (
	"context"
	"fmt"
	"sync"

	apperrors "matrix-ledger-backend/internal/common/errors"
	"matrix-ledger-backend/internal/common/logger"
	"matrix-ledger-backend/internal/features/allocation"
	"matrix-ledger-backend/internal/features/commission/models"
	"matrix-ledger-backend/internal/features/commission/repository"
	"matrix-ledger-backend/internal/features/ledger"
	"matrix-ledger-backend/internal/features/matrix"
	"matrix-ledger-backend/internal/features/pool"
	"matrix-ledger-backend/internal/features/safety"

	"github.com/google/uuid"
)

// Config is the compensation plan the engine runs.
type Config struct {
	Tiers                []allocation.Tier
	CapMultiplier        int64
	WithdrawalRates      []ledger.RateStep
	AdminFeeBps          int64
	MinWithdrawal        int64
	Ranks                []ledger.RankRule
	LevelWeights         []int64
	UplineDepth          int
	Pools                []pool.Pool
	FailureThreshold     int
	DailyWithdrawalLimit int64
	LeaderMinRank        int
	ClubMinRank          int
}

func (c Config) Validate() error {
	if len(c.LevelWeights) == 0 {
		return fmt.Errorf("level weights are empty")
	}
	var sum int64
	for _, w := range c.LevelWeights {
		if w < 0 {
			return fmt.Errorf("level weight %d is negative", w)
		}
		sum += w
	}
	if sum != allocation.TotalBasisPoints {
		return fmt.Errorf("level weights sum to %d, want %d", sum, allocation.TotalBasisPoints)
	}
	if c.UplineDepth < 1 {
		return fmt.Errorf("upline depth must be at least 1")
	}
	for _, id := range pool.IDs {
		found := false
		for _, p := range c.Pools {
			found = found || p.ID == id
		}
		if !found {
			return fmt.Errorf("pool %s is not configured", id)
		}
	}
	for name, rank := range map[string]int{"leader": c.LeaderMinRank, "club": c.ClubMinRank} {
		if rank < 1 || rank > len(c.Ranks) {
			return fmt.Errorf("%s minimum rank %d is outside the rank ladder", name, rank)
		}
	}
	return nil
}

// Engine is the single writer over the matrix, the ledger, the pools and
// the safety state. Mutations hold the write lock for their whole duration
// and either commit completely or leave no trace. Payouts are the exception:
// the transfer runs between two commits with only payoutMu held.
type Engine struct {
	mu     sync.RWMutex
	cfg    Config
	table  *allocation.Table
	tree   *matrix.Tree
	ledger *ledger.Ledger
	pools  *pool.Scheduler
	safety *safety.Controller

	// booked payment transaction hashes
	payments map[string]struct{}
	payouts  map[string]models.PendingPayout
	// payoutMu serializes payouts; the service wallet sends one at a time.
	payoutMu sync.Mutex

	store repository.Store
	rail  Rail
	auth  Authorizer
	clock Clock
}

func NewEngine(cfg Config, store repository.Store, rail Rail, auth Authorizer, clock Clock) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table, err := allocation.NewTable(cfg.Tiers)
	if err != nil {
		return nil, err
	}
	l, err := ledger.New(ledger.Config{
		TierCount:       table.Len(),
		CapMultiplier:   cfg.CapMultiplier,
		WithdrawalRates: cfg.WithdrawalRates,
		AdminFeeBps:     cfg.AdminFeeBps,
		MinWithdrawal:   cfg.MinWithdrawal,
		Ranks:           cfg.Ranks,
	})
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock{}
	}
	pools, err := pool.NewScheduler(cfg.Pools, clock.Now())
	if err != nil {
		return nil, err
	}
	sc, err := safety.New(cfg.FailureThreshold, cfg.DailyWithdrawalLimit)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		table:    table,
		tree:     matrix.NewTree(),
		ledger:   l,
		pools:    pools,
		safety:   sc,
		payments: make(map[string]struct{}),
		payouts:  make(map[string]models.PendingPayout),
		store:    store,
		rail:     rail,
		auth:     auth,
		clock:    clock,
	}, nil
}

// Load rebuilds the in-memory state from the store. Call it once before
// serving traffic.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := e.ledger.Restore(snap.Accounts); err != nil {
		return err
	}
	for _, p := range snap.Placements {
		if err := e.tree.Attach(p); err != nil {
			return fmt.Errorf("replay placement of %s: %w", p.User, err)
		}
	}
	if e.tree.Len() != e.ledger.Len() {
		return fmt.Errorf("snapshot has %d accounts but %d placements", e.ledger.Len(), e.tree.Len())
	}
	if err := e.pools.Restore(snap.Pools); err != nil {
		return err
	}
	if snap.Safety != nil {
		e.safety.Restore(*snap.Safety)
	}
	for _, ref := range snap.PaymentRefs {
		e.payments[ref] = struct{}{}
	}
	for _, p := range snap.Payouts {
		e.payouts[p.ID] = p
		logger.Warn().
			Str("payout_id", p.ID).
			Str("user", p.Withdrawal.User).
			Int64("paid_out", p.Withdrawal.PaidOut).
			Msg("Payout outcome unknown, resolve it through the admin API")
	}
	if snap.Settings != nil {
		for _, tier := range snap.Settings.Tiers {
			if err := e.table.Set(tier.Level, tier.Weights); err != nil {
				logger.Warn().Err(err).Int("tier", tier.Level).Msg("Ignoring saved allocation for tier")
			}
		}
	}
	logger.Info().
		Int("accounts", e.ledger.Len()).
		Int("placements", e.tree.Len()).
		Int("pending_payouts", len(e.payouts)).
		Bool("paused", e.safety.State().Paused).
		Msg("Ledger state loaded")
	return nil
}

type tx struct {
	placement *matrix.Placement
	payment   string
	payout    *models.PendingPayout
	settled   string
}

// atomically runs fn and persists the result. Any error, including a failed
// save, restores the state captured before fn ran.
func (e *Engine) atomically(ctx context.Context, r *models.Receipt, fn func(t *tx) error) error {
	if err := e.ledger.Begin(); err != nil {
		return err
	}
	mark := e.tree.Mark()
	pools := e.pools.Pools()
	safetyState := e.safety.State()
	table := e.table.Clone()

	t := &tx{}
	err := fn(t)
	if err == nil {
		err = e.persist(ctx, e.ledger.Pending(), t, r)
	}
	if err != nil {
		e.ledger.Rollback()
		e.tree.Truncate(mark)
		if rerr := e.pools.Restore(pools); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to restore pools")
		}
		e.safety.Restore(safetyState)
		e.table = table
		return err
	}
	e.ledger.Commit()
	if t.payment != "" {
		e.payments[t.payment] = struct{}{}
	}
	if t.payout != nil {
		e.payouts[t.payout.ID] = *t.payout
	}
	if t.settled != "" {
		delete(e.payouts, t.settled)
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, accounts []ledger.Account, t *tx, r *models.Receipt) error {
	err := e.store.Save(ctx, repository.Commit{
		Accounts:      accounts,
		Placement:     t.placement,
		PaymentRef:    t.payment,
		Payout:        t.payout,
		SettledPayout: t.settled,
		Pools:         e.pools.Pools(),
		Safety:        e.safety.State(),
		Settings:      models.Settings{Tiers: e.table.Tiers()},
		Receipt:       r,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return nil
}

func (e *Engine) newReceipt(kind models.ReceiptKind) *models.Receipt {
	return &models.Receipt{ID: uuid.New().String(), Kind: kind, CreatedAt: e.clock.Now()}
}

func (e *Engine) committed(r *models.Receipt) {
	logger.Debug().
		Str("receipt_id", r.ID).
		Str("kind", string(r.Kind)).
		Str("user", r.User).
		Int64("amount", r.Amount).
		Int64("credited", r.TotalCredited()).
		Int64("deposited", r.TotalDeposited()).
		Msg("Receipt committed")
}

// reject logs a refused operation and maps it to an AppError.
func (e *Engine) reject(op string, err error) error {
	appErr := toAppError(err)
	ev := logger.Info()
	if ae, ok := apperrors.AsAppError(appErr); ok && ae.IsInternal() {
		ev = logger.Error()
	}
	ev.Err(err).Str("op", op).Msg("Operation rejected")
	return appErr
}
