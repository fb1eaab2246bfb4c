package fxmath

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestVWAP(t *testing.T) {
	// 30@1.0540 + 50@1.0545 + 20@1.0530 over 100 filled
	notional := decimal.Zero
	notional = notional.Add(Notional(decimal.NewFromInt(30), decimal.RequireFromString("1.0540")))
	notional = notional.Add(Notional(decimal.NewFromInt(50), decimal.RequireFromString("1.0545")))
	notional = notional.Add(Notional(decimal.NewFromInt(20), decimal.RequireFromString("1.0530")))

	vwap := VWAP(notional, decimal.NewFromInt(100))
	assert.Equal(t, "1.05405", vwap.String())
}

func TestVWAP_ZeroQuantity(t *testing.T) {
	vwap := VWAP(decimal.RequireFromString("105.45"), decimal.Zero)
	assert.True(t, vwap.IsZero())
}

func TestVWAP_RoundsHalfUpToEightPlaces(t *testing.T) {
	// 1/3 = 0.333... rounds to 8 places
	vwap := VWAP(decimal.NewFromInt(1), decimal.NewFromInt(3))
	assert.Equal(t, "0.33333333", vwap.String())

	// midpoint rounds up
	vwap = VWAP(decimal.RequireFromString("0.000000125"), decimal.NewFromInt(1))
	assert.Equal(t, "0.00000013", vwap.String())
}

func TestRounding(t *testing.T) {
	assert.Equal(t, "100.1235", RoundQuantity(decimal.RequireFromString("100.12345")).String())
	assert.Equal(t, "1.054001", RoundPrice(decimal.RequireFromString("1.0540005")).String())
	assert.Equal(t, "1.23456789", RoundFxRate(decimal.RequireFromString("1.234567885")).String())
}

func TestMarketValue(t *testing.T) {
	mv := MarketValue(decimal.NewFromInt(100), decimal.RequireFromString("150.25"), decimal.RequireFromString("0.92"))
	assert.Equal(t, "13823", mv.String())
}

func TestTriangulate(t *testing.T) {
	// EUR/USD via EUR/GBP * GBP/USD
	cross := Triangulate(decimal.RequireFromString("0.85"), decimal.RequireFromString("1.27"))
	assert.Equal(t, "1.0795", cross.String())
}

func TestInvert(t *testing.T) {
	inv := Invert(decimal.RequireFromString("1.25"))
	assert.Equal(t, "0.8", inv.String())
	assert.True(t, Invert(decimal.Zero).IsZero())
}
