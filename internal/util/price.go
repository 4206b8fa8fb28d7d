// Package util holds small cross-cutting helpers shared by components that
// otherwise have no natural common home; currently just tick-size rounding
// for fill prices (§4.5's fill models operate on decimal.Decimal exclusively,
// so this is decimal.Decimal throughout rather than the float64 the teacher
// used for its strike/credit rounding).
package util

import "github.com/shopspring/decimal"

// RoundToTick rounds x to the nearest multiple of tick. A zero or negative
// tick is a no-op (callers that haven't configured a tick size get exact
// prices back).
func RoundToTick(x, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return x
	}
	return x.DivRound(tick, 0).Mul(tick)
}

// FloorToTick rounds x down to the nearest multiple of tick; use for sell
// fill prices so a round trip never credits more than the market gave.
func FloorToTick(x, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return x
	}
	return x.Div(tick).Floor().Mul(tick)
}

// CeilToTick rounds x up to the nearest multiple of tick; use for buy fill
// prices so a round trip never debits less than the market asked.
func CeilToTick(x, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return x
	}
	return x.Div(tick).Ceil().Mul(tick)
}
