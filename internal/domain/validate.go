package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MaxTransactionAmount is the provider's ceiling for a single push payment.
var MaxTransactionAmount = decimal.NewFromInt(70000)

// ValidationError reports a caller mistake at request-creation time. It is
// the only error class surfaced synchronously to the initiating caller
// besides gateway failures.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidateAmount enforces the provider's (0, 70000] range.
func ValidateAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if amount.GreaterThan(MaxTransactionAmount) {
		return &ValidationError{Field: "amount", Reason: "exceeds single-transaction ceiling"}
	}
	return nil
}
