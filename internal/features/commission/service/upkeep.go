package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matrix-ledger-backend/internal/common/logger"
	"matrix-ledger-backend/internal/features/commission/models"
	"matrix-ledger-backend/internal/features/ledger"
	"matrix-ledger-backend/internal/features/pool"
)

// CheckUpkeep reports the first due pool in priority order. Read-only.
func (e *Engine) CheckUpkeep() models.UpkeepCheck {
	e.mu.RLock()
	defer e.mu.RUnlock()
	needed, id := e.pools.CheckUpkeep(e.clock.Now())
	return models.UpkeepCheck{Needed: needed, Pool: id}
}

// PerformUpkeep is the automated, untrusted entry point. Calling it before the
// pool is due returns TOO_EARLY. Internal failures are counted by the circuit
// breaker and surface only as UPKEEP_FAILED.
func (e *Engine) PerformUpkeep(ctx context.Context, id pool.ID) (*models.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.pools.Get(id); err != nil {
		return nil, e.reject("perform_upkeep", err)
	}
	if err := e.safety.CheckAutomated(); err != nil {
		return nil, e.reject("perform_upkeep", err)
	}

	now := e.clock.Now()
	r, err := e.distribute(ctx, id, now, false)
	if err == nil {
		e.committed(r)
		return r, nil
	}
	if errors.Is(err, pool.ErrTooEarly) {
		return nil, e.reject("perform_upkeep", err)
	}

	open := e.safety.RecordFailure(err.Error(), now)
	e.saveSafety(ctx)
	logger.Error().Err(err).
		Str("pool", string(id)).
		Int("consecutive_failures", e.safety.State().ConsecutiveFailures).
		Bool("breaker_open", open).
		Msg("Upkeep failed")
	return nil, toAppError(fmt.Errorf("%w: %s", ErrUpkeepFailed, id))
}

// EmergencyDistribute is the admin fallback while automation is switched off.
// It skips the time gate and the circuit breaker, not the pause.
func (e *Engine) EmergencyDistribute(ctx context.Context, caller string, id pool.ID) (*models.Receipt, error) {
	if err := e.authorize(caller); err != nil {
		return nil, e.reject("emergency_distribute", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.pools.Get(id); err != nil {
		return nil, e.reject("emergency_distribute", err)
	}
	if err := e.safety.CheckManualFallback(); err != nil {
		return nil, e.reject("emergency_distribute", err)
	}
	r, err := e.distribute(ctx, id, e.clock.Now(), true)
	if err != nil {
		return nil, e.reject("emergency_distribute", err)
	}
	r.Caller = caller
	logger.Warn().Str("caller", caller).Str("pool", string(id)).Int64("credited", r.TotalCredited()).
		Msg("Emergency distribution executed")
	e.committed(r)
	return r, nil
}

func (e *Engine) distribute(ctx context.Context, id pool.ID, now time.Time, force bool) (*models.Receipt, error) {
	r := e.newReceipt(models.KindDistribution)
	r.Action = string(id)
	cat := categoryFor(id)
	err := e.atomically(ctx, r, func(*tx) error {
		d, err := e.pools.Distribute(id, e.recipients(id), func(user string, amount int64) (int64, error) {
			credited, forfeited, err := e.ledger.Credit(user, amount, cat)
			if err != nil {
				return 0, err
			}
			r.Credits = append(r.Credits, models.CreditLine{
				User: user, Category: cat, Amount: amount, Credited: credited, Forfeited: forfeited,
			})
			return credited, nil
		}, now, force)
		if err != nil {
			return err
		}
		r.Distribution = &d
		r.Amount = d.Balance
		if !force {
			e.safety.RecordSuccess()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func categoryFor(id pool.ID) ledger.Category {
	switch id {
	case pool.LeaderBonus:
		return ledger.CategoryLeaderBonus
	case pool.Club:
		return ledger.CategoryClub
	default:
		return ledger.CategoryGlobalHelp
	}
}

// recipients selects eligible users in registration order. Everyone must be
// active, not blacklisted and below the cap; the leader and club pools also
// require a minimum rank, and the leader pool weights by rank.
func (e *Engine) recipients(id pool.ID) []pool.Recipient {
	eligible := func(a *ledger.Account) bool {
		return a.IsActive && !a.IsBlacklisted && !a.IsCapped
	}
	var out []pool.Recipient
	switch id {
	case pool.GlobalHelp:
		for _, a := range e.ledger.Select(eligible) {
			out = append(out, pool.Recipient{User: a.User, Weight: 1})
		}
	case pool.LeaderBonus:
		for _, a := range e.ledger.Select(func(a *ledger.Account) bool {
			return eligible(a) && a.Rank >= e.cfg.LeaderMinRank
		}) {
			out = append(out, pool.Recipient{User: a.User, Weight: e.ledger.RankWeight(a.Rank)})
		}
	case pool.Club:
		for _, a := range e.ledger.Select(func(a *ledger.Account) bool {
			return eligible(a) && a.Rank >= e.cfg.ClubMinRank
		}) {
			out = append(out, pool.Recipient{User: a.User, Weight: 1})
		}
	}
	return out
}

// saveSafety persists the safety state on its own, outside any rolled back
// operation.
func (e *Engine) saveSafety(ctx context.Context) {
	if err := e.persist(ctx, nil, nil, nil); err != nil {
		logger.Error().Err(err).Msg("Failed to persist safety state")
	}
}
