package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	apperrors "matrix-ledger-backend/internal/common/errors"
	"matrix-ledger-backend/internal/common/logger"
	"matrix-ledger-backend/internal/features/commission/models"
	"matrix-ledger-backend/internal/features/pool"
	"matrix-ledger-backend/internal/features/safety"

	"github.com/google/uuid"
)

// Withdraw debits amount from the user's balance, pays out the rate share
// minus the admin fee through the rail and reinvests the rest. The fee funds
// the club pool.
//
// The debit is committed as a pending payout before the transfer starts, so
// a crash or a failed save can never leave the balance spendable after the
// funds have left. A failed transfer reverses the debit; an unconfirmed one
// stays pending until an admin resolves it.
func (e *Engine) Withdraw(ctx context.Context, user string, amount int64) (*models.Receipt, error) {
	e.payoutMu.Lock()
	defer e.payoutMu.Unlock()

	p, err := e.openPayout(ctx, user, amount)
	if err != nil {
		return nil, e.reject("withdraw", err)
	}

	// the outcome must be recorded even if the caller goes away
	ctx = context.WithoutCancel(ctx)
	if p.Withdrawal.PaidOut > 0 {
		if err := e.rail.MoveOut(ctx, user, p.Withdrawal.PaidOut); err != nil {
			return nil, e.failPayout(ctx, p, err)
		}
	}

	r, err := e.settlePayout(ctx, p, "")
	if err != nil {
		logger.Error().Err(err).
			Str("payout_id", p.ID).
			Str("user", user).
			Int64("paid_out", p.Withdrawal.PaidOut).
			Msg("Payout sent but settlement was not persisted")
		return nil, e.reject("withdraw", err)
	}
	return r, nil
}

// openPayout commits the debit and the daily reservation together with the
// pending payout record.
func (e *Engine) openPayout(ctx context.Context, user string, amount int64) (models.PendingPayout, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.safety.CheckNotPaused(); err != nil {
		return models.PendingPayout{}, err
	}
	now := e.clock.Now()
	p := models.PendingPayout{ID: uuid.New().String(), DayID: safety.DayID(now), CreatedAt: now}
	err := e.atomically(ctx, nil, func(x *tx) error {
		w, err := e.ledger.Withdraw(user, amount, now)
		if err != nil {
			return err
		}
		if err := e.safety.ReserveWithdrawal(amount, now); err != nil {
			return err
		}
		p.Withdrawal = w
		x.payout = &p
		return nil
	})
	return p, err
}

// settlePayout books the admin fee and closes the payout with the
// withdrawal receipt.
func (e *Engine) settlePayout(ctx context.Context, p models.PendingPayout, caller string) (*models.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := p.Withdrawal
	r := &models.Receipt{
		ID:         p.ID,
		Kind:       models.KindWithdrawal,
		User:       w.User,
		Amount:     w.Requested,
		Caller:     caller,
		Withdrawal: &w,
		CreatedAt:  e.clock.Now(),
	}
	err := e.atomically(ctx, r, func(x *tx) error {
		if err := e.deposit(r, pool.Club, w.Fee, models.ReasonAdminFee); err != nil {
			return err
		}
		x.settled = p.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.committed(r)
	return r, nil
}

// reversePayout returns the debit to the user and frees the daily
// reservation. r is nil for automatic reversals.
func (e *Engine) reversePayout(ctx context.Context, p models.PendingPayout, r *models.Receipt) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.atomically(ctx, r, func(x *tx) error {
		if err := e.ledger.ReverseWithdrawal(p.Withdrawal, e.clock.Now()); err != nil {
			return err
		}
		e.safety.ReleaseWithdrawal(p.Withdrawal.Requested, p.DayID)
		x.settled = p.ID
		return nil
	})
}

func (e *Engine) failPayout(ctx context.Context, p models.PendingPayout, cause error) error {
	log := logger.Error().Err(cause).
		Str("payout_id", p.ID).
		Str("user", p.Withdrawal.User).
		Int64("paid_out", p.Withdrawal.PaidOut)

	if ae, ok := apperrors.AsAppError(cause); ok && ae.Code == apperrors.ErrCodePayoutUnconfirmed {
		log.Msg("Payout not confirmed, left pending")
		return e.reject("withdraw", cause)
	}
	if err := e.reversePayout(ctx, p, nil); err != nil {
		log.AnErr("reverse_error", err).Msg("Payout failed and its reversal was not persisted")
	} else {
		log.Msg("Payout failed, withdrawal reversed")
	}
	return e.reject("withdraw", fmt.Errorf("%w: %v", ErrPayoutFailed, cause))
}

// PendingPayouts lists payouts whose transfer is in flight or unresolved,
// oldest first.
func (e *Engine) PendingPayouts() []models.PendingPayout {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]models.PendingPayout, 0, len(e.payouts))
	for _, p := range e.payouts {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b models.PendingPayout) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// ResolvePayout closes a pending payout after an admin checked the chain:
// sent settles it as a completed withdrawal, otherwise the debit is
// reversed.
func (e *Engine) ResolvePayout(ctx context.Context, caller, id string, sent bool) (*models.Receipt, error) {
	if err := e.authorize(caller); err != nil {
		return nil, e.reject("resolve_payout", err)
	}
	// waits for an in-flight transfer to finish
	e.payoutMu.Lock()
	defer e.payoutMu.Unlock()

	e.mu.RLock()
	p, ok := e.payouts[id]
	e.mu.RUnlock()
	if !ok {
		return nil, e.reject("resolve_payout", fmt.Errorf("%w: %s", ErrPayoutNotFound, id))
	}

	if sent {
		r, err := e.settlePayout(ctx, p, caller)
		if err != nil {
			return nil, e.reject("resolve_payout", err)
		}
		logger.Info().Str("caller", caller).Str("payout_id", id).Msg("Payout resolved as sent")
		return r, nil
	}

	w := p.Withdrawal
	r := e.newReceipt(models.KindAdmin)
	r.Action, r.Caller, r.User, r.Amount, r.Withdrawal = "reverse_payout", caller, w.User, w.Requested, &w
	if err := e.reversePayout(ctx, p, r); err != nil {
		return nil, e.reject("resolve_payout", err)
	}
	logger.Info().Str("caller", caller).Str("payout_id", id).Str("receipt_id", r.ID).Msg("Payout reversed")
	return r, nil
}
