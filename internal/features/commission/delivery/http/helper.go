package http

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	apperrors "matrix-ledger-backend/internal/common/errors"
	"matrix-ledger-backend/internal/common/middleware"
	"matrix-ledger-backend/internal/common/validation"
)

// userParam reads the :user path segment as a normalized TON address,
// writing the error response itself when it is not one.
func userParam(c *gin.Context) (string, bool) {
	user, err := validation.NormalizeAddress(c.Param("user"))
	if err != nil {
		middleware.SendError(c, apperrors.NewValidationError("user", err.Error()))
		return "", false
	}
	return user, true
}

// bindError turns a binding failure into a VALIDATION_ERROR naming the
// offending fields.
func bindError(err error) *apperrors.AppError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Wrap(err, apperrors.ErrCodeBadRequest, "Malformed request body")
	}
	appErr := apperrors.New(apperrors.ErrCodeValidation, "Request validation failed")
	for _, fe := range verrs {
		appErr.WithDetail(fe.Field(), fe.Tag())
	}
	return appErr
}

// txHashField normalizes an optional payment hash from the body.
func txHashField(c *gin.Context, raw string) (string, bool) {
	hash, err := validation.NormalizeTxHash(raw)
	if err != nil {
		middleware.SendError(c, apperrors.NewValidationError("tx_hash", err.Error()))
		return "", false
	}
	return hash, true
}
