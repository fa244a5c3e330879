// Package numeric converts between human decimal prices/sizes and the
// exchange's integer fixed-point units.
package numeric

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// CollateralDecimals is the fixed-point scale of USDC and outcome tokens.
const CollateralDecimals int32 = 6

var ten = big.NewInt(10)

// ToExchangeUnits converts d to an integer scaled by 10^decimals. It never
// rounds: a value with more significant fractional digits than decimals
// yields a *domain.PrecisionError.
func ToExchangeUnits(d decimal.Decimal, decimals int32) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("numeric: negative scale %d", decimals)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("numeric: negative value %s: %w", d, domain.ErrPrecision)
	}
	if DecimalPlaces(d) > decimals {
		return nil, &domain.PrecisionError{Value: d.String(), Decimals: decimals}
	}
	return d.Shift(decimals).BigInt(), nil
}

// FromExchangeUnits is the inverse of ToExchangeUnits.
func FromExchangeUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// ToCollateralUnits converts to 6-decimal exchange units.
func ToCollateralUnits(d decimal.Decimal) (*big.Int, error) {
	return ToExchangeUnits(d, CollateralDecimals)
}

// DecimalPlaces returns the number of significant fractional digits of d,
// ignoring trailing zeros.
func DecimalPlaces(d decimal.Decimal) int32 {
	exp := d.Exponent()
	if exp >= 0 {
		return 0
	}
	coef := new(big.Int).Abs(d.Coefficient())
	if coef.Sign() == 0 {
		return 0
	}
	mod := new(big.Int)
	for exp < 0 {
		q, m := new(big.Int).QuoRem(coef, ten, mod)
		if m.Sign() != 0 {
			break
		}
		coef = q
		exp++
	}
	return -exp
}

// RoundDown truncates d toward zero at places decimals.
func RoundDown(d decimal.Decimal, places int32) decimal.Decimal {
	return d.RoundDown(places)
}

// RoundUp rounds d toward positive infinity at places decimals.
func RoundUp(d decimal.Decimal, places int32) decimal.Decimal {
	return d.RoundCeil(places)
}

// RoundNormal rounds half away from zero.
func RoundNormal(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// Parse reads a decimal string, trimming whitespace.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("numeric: empty decimal")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("numeric: parse %q: %w", s, err)
	}
	return d, nil
}

// ParseOrZero is Parse for optional fields.
func ParseOrZero(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// IsMultipleOf reports whether d is an integer multiple of step.
func IsMultipleOf(d, step decimal.Decimal) bool {
	if step.IsZero() {
		return false
	}
	return d.Mod(step).IsZero()
}
