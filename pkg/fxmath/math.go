package fxmath

import (
	"github.com/shopspring/decimal"
)

// Canonical scales used across the platform.
const (
	QuantityDecimals = 4
	PriceDecimals    = 6
	FxRateDecimals   = 8
	VWAPDecimals     = 8
)

// RoundQuantity rounds a quantity to the canonical 4 decimal places.
func RoundQuantity(qty decimal.Decimal) decimal.Decimal {
	return qty.Round(QuantityDecimals)
}

// RoundPrice rounds a price to the canonical 6 decimal places.
func RoundPrice(price decimal.Decimal) decimal.Decimal {
	return price.Round(PriceDecimals)
}

// RoundFxRate rounds an FX rate to the canonical 8 decimal places.
func RoundFxRate(rate decimal.Decimal) decimal.Decimal {
	return rate.Round(FxRateDecimals)
}

// VWAP computes notional / filledQty rounded half-up to 8 decimal places.
// A zero filled quantity yields zero rather than a division error.
func VWAP(notional, filledQty decimal.Decimal) decimal.Decimal {
	if filledQty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(filledQty).Round(VWAPDecimals)
}

// Notional accumulates qty * px at full precision.
func Notional(qty, px decimal.Decimal) decimal.Decimal {
	return qty.Mul(px)
}

// MarketValue computes quantity * price * fxRate.
func MarketValue(qty, price, fxRate decimal.Decimal) decimal.Decimal {
	return qty.Mul(price).Mul(fxRate)
}

// Triangulate derives a cross rate A/B from A/base and base/B legs,
// rounded to the canonical FX scale.
func Triangulate(aToBase, baseToB decimal.Decimal) decimal.Decimal {
	return RoundFxRate(aToBase.Mul(baseToB))
}

// Invert returns 1/rate at the canonical FX scale, zero if the rate is zero.
func Invert(rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).DivRound(rate, FxRateDecimals)
}
