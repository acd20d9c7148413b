package service

import (
	"context"
	"fmt"

	apperrors "matrix-ledger-backend/internal/common/errors"
	"matrix-ledger-backend/internal/features/allocation"
	"matrix-ledger-backend/internal/features/commission/models"
	"matrix-ledger-backend/internal/features/ledger"
	"matrix-ledger-backend/internal/features/matrix"
	"matrix-ledger-backend/internal/features/pool"
)

// Register processes an entry payment: the user gets a ledger account and a
// matrix slot under the sponsor, and the payment is split across the bonus
// buckets. An empty sponsor is only accepted for the very first user.
// txHash identifies the payment on the rail; each hash is booked once.
func (e *Engine) Register(ctx context.Context, user, sponsor string, tier int, amount int64, txHash string) (*models.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.safety.CheckNotPaused(); err != nil {
		return nil, e.reject("register", err)
	}
	t, err := e.tierFor(tier, amount)
	if err != nil {
		return nil, e.reject("register", err)
	}

	now := e.clock.Now()
	r := e.newReceipt(models.KindRegister)
	r.User, r.Sponsor, r.Tier, r.Amount, r.TxHash = user, sponsor, tier, amount, txHash
	err = e.atomically(ctx, r, func(x *tx) error {
		if err := e.claimPayment(x, txHash); err != nil {
			return err
		}
		if _, err := e.ledger.Register(user, sponsor, tier, amount, now); err != nil {
			return err
		}
		var (
			p   matrix.Placement
			err error
		)
		if sponsor == "" {
			p, err = e.tree.PlaceRoot(user)
		} else {
			p, err = e.tree.Place(user, sponsor)
		}
		if err != nil {
			return err
		}
		x.placement, r.Placement = &p, &p
		if err := e.moveIn(ctx, user, amount, txHash); err != nil {
			return err
		}
		return e.allocate(r, t, user)
	})
	if err != nil {
		return nil, e.reject("register", err)
	}
	e.committed(r)
	return r, nil
}

// Upgrade moves a user to a higher tier. The payment runs through the same
// split as a registration; the matrix position does not change.
func (e *Engine) Upgrade(ctx context.Context, user string, tier int, amount int64, txHash string) (*models.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.safety.CheckNotPaused(); err != nil {
		return nil, e.reject("upgrade", err)
	}
	t, err := e.tierFor(tier, amount)
	if err != nil {
		return nil, e.reject("upgrade", err)
	}

	now := e.clock.Now()
	r := e.newReceipt(models.KindUpgrade)
	r.User, r.Tier, r.Amount, r.TxHash = user, tier, amount, txHash
	r.Sponsor, _ = e.ledger.SponsorOf(user)
	err = e.atomically(ctx, r, func(x *tx) error {
		if err := e.claimPayment(x, txHash); err != nil {
			return err
		}
		if _, err := e.ledger.Upgrade(user, tier, amount, now); err != nil {
			return err
		}
		if err := e.moveIn(ctx, user, amount, txHash); err != nil {
			return err
		}
		return e.allocate(r, t, user)
	})
	if err != nil {
		return nil, e.reject("upgrade", err)
	}
	e.committed(r)
	return r, nil
}

func (e *Engine) tierFor(level int, amount int64) (allocation.Tier, error) {
	t, err := e.table.Tier(level)
	if err != nil {
		return allocation.Tier{}, fmt.Errorf("%w: %d", ledger.ErrInvalidTier, level)
	}
	if amount != t.Price {
		return allocation.Tier{}, fmt.Errorf("%w: tier %d costs %d, got %d", ledger.ErrInvalidAmount, level, t.Price, amount)
	}
	return t, nil
}

// claimPayment refuses a transaction hash that already paid for a booking.
// The hash is recorded only if the commit succeeds.
func (e *Engine) claimPayment(x *tx, txHash string) error {
	if txHash == "" {
		return nil
	}
	if _, booked := e.payments[txHash]; booked {
		return fmt.Errorf("%w: %s", ErrPaymentReused, txHash)
	}
	x.payment = txHash
	return nil
}

// moveIn keeps rail outages (already AppErrors) retryable; anything else is
// a rejected payment.
func (e *Engine) moveIn(ctx context.Context, user string, amount int64, txHash string) error {
	err := e.rail.MoveIn(ctx, user, amount, txHash)
	if err == nil {
		return nil
	}
	if _, ok := apperrors.AsAppError(err); ok {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPaymentRejected, err)
}

// allocate routes every minor unit of the payment either to a user credit or
// to a pool deposit.
func (e *Engine) allocate(r *models.Receipt, t allocation.Tier, payer string) error {
	split, err := t.Weights.Split(r.Amount)
	if err != nil {
		return err
	}
	if split.Total() != r.Amount {
		return fmt.Errorf("%w: split %d of %d", ErrAllocationInvariant, split.Total(), r.Amount)
	}
	r.Split = &split

	sponsor, _ := e.ledger.SponsorOf(payer)
	if sponsor == "" {
		if err := e.deposit(r, pool.GlobalHelp, split.Sponsor, models.ReasonUnassigned); err != nil {
			return err
		}
	} else if err := e.credit(r, sponsor, split.Sponsor, ledger.CategorySponsor, 1); err != nil {
		return err
	}
	if err := e.payLevels(r, sponsor, split.Level); err != nil {
		return err
	}
	if err := e.payUpline(r, payer, split.Upline); err != nil {
		return err
	}
	if err := e.deposit(r, pool.LeaderBonus, split.LeaderPool, models.ReasonAllocation); err != nil {
		return err
	}
	if err := e.deposit(r, pool.GlobalHelp, split.HelpPool, models.ReasonAllocation); err != nil {
		return err
	}

	if routed := r.TotalCredited() + r.TotalDeposited(); routed != r.Amount {
		return fmt.Errorf("%w: routed %d of %d", ErrAllocationInvariant, routed, r.Amount)
	}
	return nil
}

// payLevels walks the sponsor chain, level 1 being the direct sponsor.
func (e *Engine) payLevels(r *models.Receipt, sponsor string, amount int64) error {
	var routed int64
	next := sponsor
	for i, w := range e.cfg.LevelWeights {
		if next == "" {
			break
		}
		share := allocation.ApplyBps(amount, w)
		if err := e.credit(r, next, share, ledger.CategoryLevel, i+1); err != nil {
			return err
		}
		routed += share
		next, _ = e.ledger.SponsorOf(next)
	}
	return e.deposit(r, pool.GlobalHelp, amount-routed, models.ReasonUnassigned)
}

// payUpline spreads amount evenly over the matrix ancestors of payer.
func (e *Engine) payUpline(r *models.Receipt, payer string, amount int64) error {
	per := amount / int64(e.cfg.UplineDepth)
	var routed int64
	level := 0
	for ancestor := range e.tree.UplineChain(payer, e.cfg.UplineDepth) {
		level++
		if err := e.credit(r, ancestor, per, ledger.CategoryUpline, level); err != nil {
			return err
		}
		routed += per
	}
	return e.deposit(r, pool.GlobalHelp, amount-routed, models.ReasonUnassigned)
}

// credit books a bonus; whatever the ledger refuses goes to the help pool.
func (e *Engine) credit(r *models.Receipt, user string, amount int64, cat ledger.Category, level int) error {
	if amount <= 0 {
		return nil
	}
	credited, forfeited, err := e.ledger.Credit(user, amount, cat)
	if err != nil {
		return err
	}
	r.Credits = append(r.Credits, models.CreditLine{
		User:      user,
		Category:  cat,
		Level:     level,
		Amount:    amount,
		Credited:  credited,
		Forfeited: forfeited,
	})
	return e.deposit(r, pool.GlobalHelp, forfeited, models.ReasonForfeit)
}

func (e *Engine) deposit(r *models.Receipt, id pool.ID, amount int64, reason string) error {
	if amount <= 0 {
		return nil
	}
	if err := e.pools.Deposit(id, amount); err != nil {
		return err
	}
	for i := range r.Deposits {
		if r.Deposits[i].Pool == id && r.Deposits[i].Reason == reason {
			r.Deposits[i].Amount += amount
			return nil
		}
	}
	r.Deposits = append(r.Deposits, models.PoolDeposit{Pool: id, Amount: amount, Reason: reason})
	return nil
}
