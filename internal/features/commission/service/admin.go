package service

import (
	"context"
	"fmt"

	"matrix-ledger-backend/internal/common/logger"
	"matrix-ledger-backend/internal/features/allocation"
	"matrix-ledger-backend/internal/features/commission/models"
)

func (e *Engine) authorize(caller string) error {
	if e.auth == nil || !e.auth.IsAdmin(caller) {
		return fmt.Errorf("%w: %q", ErrUnauthorized, caller)
	}
	return nil
}

// admin runs fn as a committed admin action. Admin actions stay available
// while the system is paused or the breaker is open.
func (e *Engine) admin(ctx context.Context, caller, action string, fill func(r *models.Receipt), fn func() error) error {
	if err := e.authorize(caller); err != nil {
		return e.reject(action, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.newReceipt(models.KindAdmin)
	r.Action, r.Caller = action, caller
	if fill != nil {
		fill(r)
	}
	if err := e.atomically(ctx, r, func(*tx) error { return fn() }); err != nil {
		return e.reject(action, err)
	}
	logger.Info().Str("caller", caller).Str("action", action).Str("receipt_id", r.ID).Msg("Admin action applied")
	return nil
}

func (e *Engine) Pause(ctx context.Context, caller string) error {
	return e.admin(ctx, caller, "pause", nil, func() error {
		e.safety.Pause()
		return nil
	})
}

func (e *Engine) Unpause(ctx context.Context, caller string) error {
	return e.admin(ctx, caller, "unpause", nil, func() error {
		e.safety.Unpause()
		return nil
	})
}

func (e *Engine) ResetCircuitBreaker(ctx context.Context, caller string) error {
	return e.admin(ctx, caller, "reset_circuit_breaker", nil, func() error {
		e.safety.ResetCircuitBreaker()
		return nil
	})
}

// SetDailyWithdrawalLimit sets the global per-day ceiling; 0 removes it.
func (e *Engine) SetDailyWithdrawalLimit(ctx context.Context, caller string, limit int64) error {
	return e.admin(ctx, caller, "set_daily_withdrawal_limit",
		func(r *models.Receipt) { r.Amount = limit },
		func() error { return e.safety.SetDailyLimit(limit) })
}

func (e *Engine) SetAutomationEnabled(ctx context.Context, caller string, enabled bool) error {
	action := "disable_automation"
	if enabled {
		action = "enable_automation"
	}
	return e.admin(ctx, caller, action, nil, func() error {
		e.safety.SetAutomationEnabled(enabled)
		return nil
	})
}

// SetAllocationTable replaces a tier's weights after re-validating the sum.
func (e *Engine) SetAllocationTable(ctx context.Context, caller string, tier int, w allocation.Weights) error {
	return e.admin(ctx, caller, "set_allocation_table",
		func(r *models.Receipt) { r.Tier = tier },
		func() error { return e.table.Set(tier, w) })
}

func (e *Engine) SetBlacklisted(ctx context.Context, caller, user string, blacklisted bool) error {
	action := "unblacklist"
	if blacklisted {
		action = "blacklist"
	}
	return e.admin(ctx, caller, action,
		func(r *models.Receipt) { r.User = user },
		func() error { return e.ledger.SetBlacklisted(user, blacklisted, e.clock.Now()) })
}
