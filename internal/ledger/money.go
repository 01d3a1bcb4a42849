package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money arithmetic is fixed-point decimal at a configured scale. Floats are
// never used on a money path; inbound amount strings are parsed and
// re-quantized once at the boundary.

// DefaultAmountScale matches the scheme-wide ledger precision.
const DefaultAmountScale = 4

// ParseAmount parses an inbound amount string and quantizes it to scale.
// Amounts with more fractional digits than the scale are refused rather
// than rounded: a rounding ledger is a lying ledger.
func ParseAmount(s string, scale int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.Exponent() < -scale {
		return decimal.Zero, &ValidationError{
			Reason: fmt.Sprintf("amount %s exceeds allowed scale %d", s, scale),
		}
	}
	return d.Round(scale), nil
}

// RequirePositive refuses zero and negative principal amounts.
func RequirePositive(d decimal.Decimal) error {
	if d.Sign() <= 0 {
		return &ValidationError{Reason: fmt.Sprintf("amount must be positive, got %s", d)}
	}
	return nil
}

// FormatAmount renders a decimal at the ledger scale for wire payloads.
func FormatAmount(d decimal.Decimal, scale int32) string {
	return d.StringFixed(scale)
}
