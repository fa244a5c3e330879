package numeric

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

func TestToExchangeUnitsRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1", "0.5", "0.000001", "123.456789", "1000000.1", "0.010000"} {
		d := decimal.RequireFromString(s)
		units, err := ToCollateralUnits(d)
		require.NoError(t, err, s)
		assert.True(t, FromExchangeUnits(units, CollateralDecimals).Equal(d), s)
	}
}

func TestToExchangeUnitsValues(t *testing.T) {
	units, err := ToExchangeUnits(decimal.RequireFromString("0.52"), 6)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(520000), units)

	units, err = ToExchangeUnits(decimal.RequireFromString("12.5"), 0)
	require.Error(t, err)
	assert.Nil(t, units)
}

func TestToExchangeUnitsRefusesExcessPrecision(t *testing.T) {
	_, err := ToExchangeUnits(decimal.RequireFromString("0.0000001"), 6)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPrecision))

	var perr *domain.PrecisionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, int32(6), perr.Decimals)
}

func TestToExchangeUnitsRejectsNegative(t *testing.T) {
	_, err := ToExchangeUnits(decimal.RequireFromString("-1"), 6)
	assert.ErrorIs(t, err, domain.ErrPrecision)
}

func TestDecimalPlaces(t *testing.T) {
	cases := map[string]int32{
		"1":        0,
		"100":      0,
		"0.1":      1,
		"0.10":     1,
		"0.0001":   4,
		"2.500000": 1,
		"0":        0,
		"0.000":    0,
	}
	for in, want := range cases {
		assert.Equal(t, want, DecimalPlaces(decimal.RequireFromString(in)), in)
	}
}

func TestRounding(t *testing.T) {
	d := decimal.RequireFromString("1.23456")
	assert.Equal(t, "1.23", RoundDown(d, 2).String())
	assert.Equal(t, "1.24", RoundUp(d, 2).String())
	assert.Equal(t, "1.235", RoundNormal(d, 3).String())
	assert.Equal(t, "1.2", RoundNormal(decimal.RequireFromString("1.15"), 1).String())
}

func TestIsMultipleOf(t *testing.T) {
	tick := decimal.RequireFromString("0.01")
	assert.True(t, IsMultipleOf(decimal.RequireFromString("0.55"), tick))
	assert.False(t, IsMultipleOf(decimal.RequireFromString("0.555"), tick))
	assert.False(t, IsMultipleOf(decimal.RequireFromString("0.5"), decimal.Zero))
}

func TestParse(t *testing.T) {
	d, err := Parse(" 0.25 ")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("0.25")))

	_, err = Parse("")
	assert.Error(t, err)
	_, err = Parse("abc")
	assert.Error(t, err)
	assert.True(t, ParseOrZero("x").IsZero())
}
