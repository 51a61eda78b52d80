package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("amount has too many decimal places")
)

// Scale is the number of fractional digits every stored amount carries.
const Scale = 2

var hundred = decimal.NewFromInt(100)

// Parse reads a positive amount such as "12", "12.5" or "12.50".
func Parse(input string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || trimmed[0] == '-' || trimmed[0] == '+' {
		return decimal.Zero, ErrInvalidAmount
	}
	parts := strings.SplitN(trimmed, ".", 2)
	if parts[0] == "" || !isDigits(parts[0]) {
		return decimal.Zero, ErrInvalidAmount
	}
	if len(parts) == 2 {
		if parts[1] == "" || !isDigits(parts[1]) {
			return decimal.Zero, ErrInvalidAmount
		}
		if len(parts[1]) > Scale {
			return decimal.Zero, ErrTooManyDecimals
		}
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := Validate(amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// Validate accepts strictly positive amounts with at most two fractional digits.
func Validate(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(Scale)) {
		return ErrTooManyDecimals
	}
	return nil
}

func Format(amount decimal.Decimal) string {
	return amount.StringFixed(Scale)
}

// BundlePrice applies a whole-percent discount to the bundle's list price.
func BundlePrice(original decimal.Decimal, discountPercent int) decimal.Decimal {
	if discountPercent <= 0 {
		return original.Round(Scale)
	}
	if discountPercent >= 100 {
		return decimal.Zero
	}
	factor := hundred.Sub(decimal.NewFromInt(int64(discountPercent))).Div(hundred)
	return original.Mul(factor).Round(Scale)
}

// Split divides total into n cent-exact shares that sum to total. Leftover
// cents go to the first shares.
func Split(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	cents := total.Shift(Scale).IntPart()
	base := cents / int64(n)
	remainder := cents % int64(n)
	shares := make([]decimal.Decimal, n)
	for i := range shares {
		share := base
		if int64(i) < remainder {
			share++
		}
		shares[i] = decimal.New(share, -Scale)
	}
	return shares
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
