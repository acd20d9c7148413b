package service

import (
	stderrors "errors"

	apperrors "matrix-ledger-backend/internal/common/errors"
	"matrix-ledger-backend/internal/features/allocation"
	"matrix-ledger-backend/internal/features/ledger"
	"matrix-ledger-backend/internal/features/matrix"
	"matrix-ledger-backend/internal/features/pool"
	"matrix-ledger-backend/internal/features/safety"
)

var (
	ErrUnauthorized        = stderrors.New("caller is not an admin")
	ErrAllocationInvariant = stderrors.New("allocation does not add up to the payment")
	ErrPayoutFailed        = stderrors.New("payout failed")
	ErrPaymentRejected     = stderrors.New("payment rejected by the rail")
	ErrPaymentReused       = stderrors.New("payment transaction already booked")
	ErrPayoutNotFound      = stderrors.New("pending payout not found")
	ErrUpkeepFailed        = stderrors.New("upkeep failed")
	ErrPersistFailed       = stderrors.New("failed to persist ledger state")
)

var codes = []struct {
	err     error
	code    apperrors.ErrorCode
	message string
}{
	{ErrUnauthorized, apperrors.ErrCodeUnauthorized, "Admin access required"},
	{ErrAllocationInvariant, apperrors.ErrCodeAllocationInvariant, "Allocation invariant violated"},
	{ErrPayoutFailed, apperrors.ErrCodePayoutFailed, "Payout failed"},
	{ErrPaymentRejected, apperrors.ErrCodePaymentRejected, "Payment rejected"},
	{ErrPaymentReused, apperrors.ErrCodePaymentAlreadyBooked, "Payment already booked"},
	{ErrPayoutNotFound, apperrors.ErrCodePayoutNotFound, "Pending payout not found"},
	{ErrUpkeepFailed, apperrors.ErrCodeUpkeepFailed, "Upkeep failed"},
	{ErrPersistFailed, apperrors.ErrCodeStorageError, "Failed to persist ledger state"},

	{ledger.ErrAlreadyRegistered, apperrors.ErrCodeAlreadyRegistered, "User already registered"},
	{ledger.ErrInvalidSponsor, apperrors.ErrCodeInvalidSponsor, "Invalid sponsor"},
	{ledger.ErrInvalidTier, apperrors.ErrCodeInvalidTier, "Invalid package tier"},
	{ledger.ErrInvalidAmount, apperrors.ErrCodeInvalidAmount, "Invalid amount"},
	{ledger.ErrUserNotFound, apperrors.ErrCodeUserNotFound, "User not found"},
	{ledger.ErrBlacklisted, apperrors.ErrCodeUserBlacklisted, "User is blacklisted"},
	{ledger.ErrInsufficientBalance, apperrors.ErrCodeInsufficientBalance, "Insufficient balance"},
	{ledger.ErrBelowMinimum, apperrors.ErrCodeBelowMinimum, "Amount below minimum withdrawal"},

	{matrix.ErrReferrerNotFound, apperrors.ErrCodeInvalidSponsor, "Referrer has no matrix position"},
	{matrix.ErrAlreadyPlaced, apperrors.ErrCodeAlreadyRegistered, "User already placed"},
	{matrix.ErrRootExists, apperrors.ErrCodeInvalidSponsor, "Root already exists"},

	{allocation.ErrInvalidWeights, apperrors.ErrCodeInvalidAllocation, "Allocation weights must sum to 10000"},
	{allocation.ErrUnknownTier, apperrors.ErrCodeInvalidTier, "Unknown package tier"},
	{allocation.ErrNegativeAmount, apperrors.ErrCodeInvalidAmount, "Amount cannot be negative"},

	{pool.ErrTooEarly, apperrors.ErrCodeTooEarly, "Pool distribution is not due yet"},
	{pool.ErrUnknownPool, apperrors.ErrCodeUnknownPool, "Unknown pool"},

	{safety.ErrPaused, apperrors.ErrCodeSystemPaused, "System is paused"},
	{safety.ErrCircuitOpen, apperrors.ErrCodeCircuitBreakerOpen, "Circuit breaker is open"},
	{safety.ErrAutomationDisabled, apperrors.ErrCodeAutomationDisabled, "Automation is disabled"},
	{safety.ErrAutomationEnabled, apperrors.ErrCodeAutomationEnabled, "Disable automation before emergency distribution"},
	{safety.ErrDailyLimitExceeded, apperrors.ErrCodeDailyLimitExceeded, "Daily withdrawal limit exceeded"},
	{safety.ErrInvalidLimit, apperrors.ErrCodeInvalidWithdrawLimit, "Daily withdrawal limit cannot be negative"},
}

// toAppError maps domain sentinels to their client-facing code. The domain
// error stays reachable through errors.Is.
func toAppError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.AsAppError(err); ok {
		return err
	}
	for _, c := range codes {
		if stderrors.Is(err, c.err) {
			return apperrors.Wrap(err, c.code, c.message)
		}
	}
	return apperrors.Wrap(err, apperrors.ErrCodeInternal, "Internal error")
}
