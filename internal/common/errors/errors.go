package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode is the stable, client-facing error identifier.
type ErrorCode string

const (
	// Generic
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden       ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest      ErrorCode = "BAD_REQUEST"
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"

	// Validation
	ErrCodeInvalidSponsor       ErrorCode = "INVALID_SPONSOR"
	ErrCodeInvalidTier          ErrorCode = "INVALID_TIER"
	ErrCodeInvalidAmount        ErrorCode = "INVALID_AMOUNT"
	ErrCodeAlreadyRegistered    ErrorCode = "ALREADY_REGISTERED"
	ErrCodeUserNotFound         ErrorCode = "USER_NOT_FOUND"
	ErrCodeAllocationInvariant  ErrorCode = "ALLOCATION_INVARIANT_VIOLATED"
	ErrCodeInvalidAllocation    ErrorCode = "INVALID_ALLOCATION_TABLE"
	ErrCodeInvalidWithdrawLimit ErrorCode = "INVALID_DAILY_LIMIT"

	// Liquidity
	ErrCodeInsufficientBalance  ErrorCode = "INSUFFICIENT_BALANCE"
	ErrCodeBelowMinimum         ErrorCode = "BELOW_MINIMUM_WITHDRAWAL"
	ErrCodeDailyLimitExceeded   ErrorCode = "DAILY_LIMIT_EXCEEDED"
	ErrCodePayoutFailed         ErrorCode = "PAYOUT_FAILED"
	ErrCodePayoutUnconfirmed    ErrorCode = "PAYOUT_UNCONFIRMED"
	ErrCodePayoutNotFound       ErrorCode = "PAYOUT_NOT_FOUND"
	ErrCodePaymentRejected      ErrorCode = "PAYMENT_REJECTED"
	ErrCodePaymentAlreadyBooked ErrorCode = "PAYMENT_ALREADY_BOOKED"

	// Scheduling
	ErrCodeTooEarly     ErrorCode = "TOO_EARLY"
	ErrCodeUpkeepFailed ErrorCode = "UPKEEP_FAILED"
	ErrCodeUnknownPool  ErrorCode = "UNKNOWN_POOL"

	// Safety
	ErrCodeSystemPaused       ErrorCode = "SYSTEM_PAUSED"
	ErrCodeCircuitBreakerOpen ErrorCode = "CIRCUIT_BREAKER_OPEN"
	ErrCodeAutomationDisabled ErrorCode = "AUTOMATION_DISABLED"
	ErrCodeAutomationEnabled  ErrorCode = "AUTOMATION_ENABLED"
	ErrCodeUserBlacklisted    ErrorCode = "USER_BLACKLISTED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Storage and rails
	ErrCodeStorageError ErrorCode = "STORAGE_ERROR"
	ErrCodeExternalAPI  ErrorCode = "EXTERNAL_API_ERROR"
)

// AppError is the typed application error rendered by the HTTP layer.
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Context   map[string]string      `json:"context,omitempty"`
	Stack     []string               `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
	Cause     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the domain sentinel so errors.Is keeps working.
func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) IsNotFound() bool {
	switch e.Code {
	case ErrCodeNotFound, ErrCodeUserNotFound, ErrCodeUnknownPool, ErrCodePayoutNotFound:
		return true
	}
	return false
}

// IsValidation covers the validation and liquidity groups: the caller sent
// something the ledger refuses.
func (e *AppError) IsValidation() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeInvalidSponsor, ErrCodeInvalidTier,
		ErrCodeInvalidAmount, ErrCodeAlreadyRegistered, ErrCodeInvalidAllocation, ErrCodeInvalidWithdrawLimit,
		ErrCodeInsufficientBalance, ErrCodeBelowMinimum, ErrCodeDailyLimitExceeded, ErrCodeTooEarly,
		ErrCodePaymentRejected, ErrCodePaymentAlreadyBooked:
		return true
	}
	return false
}

func (e *AppError) IsUnauthorized() bool {
	return e.Code == ErrCodeUnauthorized || e.Code == ErrCodeForbidden
}

func (e *AppError) IsInternal() bool {
	switch e.Code {
	case ErrCodeInternal, ErrCodeStorageError, ErrCodeAllocationInvariant,
		ErrCodeUpkeepFailed, ErrCodePayoutFailed, ErrCodePayoutUnconfirmed, ErrCodeExternalAPI:
		return true
	}
	return false
}

func (e *AppError) WithContext(key, value string) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

func (e *AppError) WithCaller(caller string) *AppError {
	e.Caller = caller
	return e
}

func (e *AppError) WithStack() *AppError {
	e.Stack = getStackTrace()
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Stack:     getStackTrace(),
	}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	appErr := New(code, message)
	appErr.Cause = err
	return appErr
}

func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func getStackTrace() []string {
	var stack []string
	for i := 2; ; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		// skip frames from this package
		if strings.Contains(fn.Name(), "internal/common/errors") {
			continue
		}
		stack = append(stack, fmt.Sprintf("%s:%d %s", file, line, fn.Name()))
		if len(stack) >= 10 {
			break
		}
	}
	return stack
}

func NewValidationError(field, reason string) *AppError {
	return New(ErrCodeValidation, fmt.Sprintf("Validation failed for field '%s': %s", field, reason)).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func NewUserNotFoundError(user string) *AppError {
	return New(ErrCodeUserNotFound, fmt.Sprintf("User not found: %s", user)).
		WithDetail("user", user)
}

func NewUnauthorizedError(reason string) *AppError {
	return New(ErrCodeUnauthorized, fmt.Sprintf("Unauthorized: %s", reason)).
		WithDetail("reason", reason)
}

func NewForbiddenError(reason string) *AppError {
	return New(ErrCodeForbidden, fmt.Sprintf("Forbidden: %s", reason)).
		WithDetail("reason", reason)
}

func NewStorageError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeStorageError, fmt.Sprintf("Storage operation failed: %s", operation)).
		WithDetail("operation", operation)
}

func NewRateLimitError(service string, retryAfter time.Duration) *AppError {
	return New(ErrCodeRateLimit, fmt.Sprintf("Rate limit exceeded for %s", service)).
		WithDetail("service", service).
		WithDetail("retry_after", retryAfter.String())
}

func IsAppError(err error) bool {
	_, ok := AsAppError(err)
	return ok
}

// AsAppError finds an AppError anywhere in the chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if err != nil && errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
