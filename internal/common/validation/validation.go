package validation

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/xssnick/tonutils-go/address"
)

const (
	// TagTONAddress is the binding tag for wallet addresses.
	TagTONAddress = "tonaddr"

	MaxTier = 64
)

// RegisterBindings adds the custom tags to gin's validator engine.
func RegisterBindings() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected binding engine %T", binding.Validator.Engine())
	}
	return Register(v)
}

// Register adds the custom tags to v.
func Register(v *validator.Validate) error {
	return v.RegisterValidation(TagTONAddress, func(fl validator.FieldLevel) bool {
		_, err := NormalizeAddress(fl.Field().String())
		return err == nil
	})
}

// NormalizeAddress parses a user-friendly or raw TON address and returns its
// raw form. Bounceable, non-bounceable and raw spellings of one account map
// to the same ledger user.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("address cannot be empty")
	}
	parse := address.ParseAddr
	if strings.Contains(s, ":") {
		parse = address.ParseRawAddr
	}
	addr, err := parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid TON address %q: %w", s, err)
	}
	return addr.StringRaw(), nil
}

// NormalizeTxHash lowercases a hex transaction hash so one payment has a
// single spelling. An empty hash stays empty.
func NormalizeTxHash(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	if b, err := hex.DecodeString(s); err != nil || len(b) != 32 {
		return "", fmt.Errorf("tx hash must be 64 hex characters")
	}
	return s, nil
}

// ValidateTier checks a package tier number.
func ValidateTier(tier int) error {
	if tier < 1 || tier > MaxTier {
		return fmt.Errorf("tier must be between 1 and %d", MaxTier)
	}
	return nil
}

// ValidatePositiveInt checks that value is positive
func ValidatePositiveInt(value int64, fieldName string) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive", fieldName)
	}
	return nil
}
