package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"matrix-ledger-backend/internal/common/errors"
	"matrix-ledger-backend/internal/common/logger"
)

const (
	RequestIDKey = "request_id"
	CallerIDKey  = "caller_id"
)

// ErrorHandler recovers panics and renders them as INTERNAL_ERROR.
func ErrorHandler() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		requestID := getRequestID(c)

		logger.Error().
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Interface("panic", recovered).
			Str("stack", string(debug.Stack())).
			Msg("Panic recovered")

		appErr := errors.New(errors.ErrCodeInternal, "Internal server error").
			WithDetail("panic", fmt.Sprintf("%v", recovered))
		sendErrorResponse(c, appErr)
	})
}

// RequestID propagates X-Request-ID or generates one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

type ErrorResponse struct {
	Success   bool             `json:"success"`
	Error     *errors.AppError `json:"error"`
	Timestamp time.Time        `json:"timestamp"`
	RequestID string           `json:"request_id"`
	Path      string           `json:"path,omitempty"`
	Method    string           `json:"method,omitempty"`
}

// SendError aborts the request with err rendered as an error response.
// Errors that are not AppErrors become INTERNAL_ERROR.
func SendError(c *gin.Context, err error) {
	appErr, ok := errors.AsAppError(err)
	if !ok {
		appErr = errors.Wrap(err, errors.ErrCodeInternal, "Internal server error")
	}
	sendErrorResponse(c, appErr)
}

// HandleErrors renders the last error a handler attached with c.Error.
func HandleErrors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		SendError(c, c.Errors.Last().Err)
	}
}

func sendErrorResponse(c *gin.Context, appErr *errors.AppError) {
	requestID := getRequestID(c)
	appErr.WithRequestID(requestID).
		WithContext("path", c.Request.URL.Path).
		WithContext("method", c.Request.Method)

	logError(appErr, c)
	if appErr.IsInternal() {
		// internal causes stay in the logs
		appErr.Details = nil
	} else if appErr.Cause != nil {
		if _, ok := appErr.Details["reason"]; !ok {
			appErr.WithDetail("reason", appErr.Cause.Error())
		}
	}
	c.AbortWithStatusJSON(StatusCode(appErr), ErrorResponse{
		Success:   false,
		Error:     appErr,
		Timestamp: time.Now(),
		RequestID: requestID,
		Path:      c.Request.URL.Path,
		Method:    c.Request.Method,
	})
}

// StatusCode maps an error code to its HTTP status.
func StatusCode(appErr *errors.AppError) int {
	switch appErr.Code {
	case errors.ErrCodeValidation, errors.ErrCodeBadRequest, errors.ErrCodeInvalidSponsor,
		errors.ErrCodeInvalidTier, errors.ErrCodeInvalidAmount, errors.ErrCodeInvalidAllocation,
		errors.ErrCodeInvalidWithdrawLimit, errors.ErrCodeBelowMinimum, errors.ErrCodePaymentRejected:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound, errors.ErrCodeUserNotFound, errors.ErrCodeUnknownPool,
		errors.ErrCodePayoutNotFound:
		return http.StatusNotFound
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeForbidden, errors.ErrCodeUserBlacklisted:
		return http.StatusForbidden
	case errors.ErrCodeAlreadyRegistered, errors.ErrCodeDailyLimitExceeded,
		errors.ErrCodeAutomationDisabled, errors.ErrCodeAutomationEnabled, errors.ErrCodePaymentAlreadyBooked:
		return http.StatusConflict
	case errors.ErrCodeInsufficientBalance:
		return http.StatusPaymentRequired
	case errors.ErrCodeTooEarly:
		return http.StatusTooEarly
	case errors.ErrCodeSystemPaused:
		return http.StatusLocked
	case errors.ErrCodeCircuitBreakerOpen:
		return http.StatusServiceUnavailable
	case errors.ErrCodeTooManyRequests, errors.ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case errors.ErrCodePayoutFailed, errors.ErrCodePayoutUnconfirmed, errors.ErrCodeExternalAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func logError(appErr *errors.AppError, c *gin.Context) {
	var (
		ev  *zerolog.Event
		msg string
	)
	switch {
	case appErr.IsInternal():
		ev, msg = logger.Error(), "Internal error occurred"
	case appErr.IsUnauthorized():
		ev, msg = logger.Warn(), "Unauthorized access attempt"
	default:
		ev, msg = logger.Info(), "Request rejected"
	}

	ev = ev.
		Str("request_id", getRequestID(c)).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Str("error_code", string(appErr.Code)).
		Str("error_message", appErr.Message)
	if caller := c.GetString(CallerIDKey); caller != "" {
		ev = ev.Str("caller_id", caller)
	}
	if len(appErr.Details) > 0 {
		ev = ev.Interface("details", appErr.Details)
	}
	if appErr.Cause != nil {
		ev = ev.Err(appErr.Cause)
	}
	ev.Msg(msg)
}

func getRequestID(c *gin.Context) string {
	if id := c.GetString(RequestIDKey); id != "" {
		return id
	}
	return "unknown"
}
