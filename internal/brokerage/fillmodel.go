package brokerage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/scranton/synctrader/internal/data"
	"github.com/scranton/synctrader/internal/order"
	"github.com/scranton/synctrader/internal/util"
)

// defaultTick is the equity tick size (USD) used to normalize limit/stop
// fill prices a discretionary model might otherwise emit off-tick.
var defaultTick = decimal.NewFromFloat(0.01)

// FillModel is a deterministic function from (security state, order) to an
// order.Event, per the glossary's "Fill model" definition. One instance is
// consulted per order type; Scan dispatches to the matching model.
type FillModel interface {
	Fill(o *order.Order, bar data.TradeBar, now time.Time) order.Event
}

// MarketFillModel fills the full order quantity at the bar's open, modeling
// the instant the next bar becomes known (S1 in spec.md §8).
type MarketFillModel struct{}

// Fill implements FillModel.
func (MarketFillModel) Fill(o *order.Order, bar data.TradeBar, now time.Time) order.Event {
	return order.Event{
		OrderID:      o.ID,
		UtcTime:      now,
		Status:       order.StatusFilled,
		FillQuantity: o.Quantity,
		FillPrice:    bar.Open,
	}
}

// LimitFillModel fills when the bar's range crosses the limit price: for a
// buy, when Low <= Limit; for a sell, when High >= Limit. Fill price is the
// more favorable of Limit and the bar's open, matching a marketable-limit
// semantics without look-ahead bias beyond "the bar traded through it".
type LimitFillModel struct{}

// Fill implements FillModel.
func (LimitFillModel) Fill(o *order.Order, bar data.TradeBar, now time.Time) order.Event {
	buy := o.Quantity.Sign() > 0
	crossed := false
	fillPrice := o.Limit
	if buy {
		crossed = bar.Low.LessThanOrEqual(o.Limit)
		if crossed && bar.Open.LessThan(o.Limit) {
			fillPrice = bar.Open
		}
	} else {
		crossed = bar.High.GreaterThanOrEqual(o.Limit)
		if crossed && bar.Open.GreaterThan(o.Limit) {
			fillPrice = bar.Open
		}
	}
	if !crossed {
		return order.Event{OrderID: o.ID, UtcTime: now, Status: o.Status, FillQuantity: decimal.Zero}
	}
	if buy {
		fillPrice = util.CeilToTick(fillPrice, defaultTick)
	} else {
		fillPrice = util.FloorToTick(fillPrice, defaultTick)
	}
	return order.Event{OrderID: o.ID, UtcTime: now, Status: order.StatusFilled, FillQuantity: o.Quantity, FillPrice: fillPrice}
}

// StopMarketFillModel triggers a market fill once the bar trades through the
// stop price.
type StopMarketFillModel struct{}

// Fill implements FillModel.
func (StopMarketFillModel) Fill(o *order.Order, bar data.TradeBar, now time.Time) order.Event {
	buy := o.Quantity.Sign() > 0
	triggered := false
	fillPrice := o.Stop
	if buy {
		triggered = bar.High.GreaterThanOrEqual(o.Stop)
		if triggered && bar.Open.GreaterThan(o.Stop) {
			fillPrice = bar.Open
		}
	} else {
		triggered = bar.Low.LessThanOrEqual(o.Stop)
		if triggered && bar.Open.LessThan(o.Stop) {
			fillPrice = bar.Open
		}
	}
	if !triggered {
		return order.Event{OrderID: o.ID, UtcTime: now, Status: o.Status, FillQuantity: decimal.Zero}
	}
	if buy {
		fillPrice = util.CeilToTick(fillPrice, defaultTick)
	} else {
		fillPrice = util.FloorToTick(fillPrice, defaultTick)
	}
	return order.Event{OrderID: o.ID, UtcTime: now, Status: order.StatusFilled, FillQuantity: o.Quantity, FillPrice: fillPrice}
}

// StopLimitFillModel triggers like a stop, then requires the limit to also
// be satisfied before filling; otherwise the order converts silently into a
// resting limit (no event) until a future bar satisfies both.
type StopLimitFillModel struct{}

// Fill implements FillModel.
func (StopLimitFillModel) Fill(o *order.Order, bar data.TradeBar, now time.Time) order.Event {
	sm := StopMarketFillModel{}
	triggerEvt := sm.Fill(o, bar, now)
	if triggerEvt.FillQuantity.IsZero() {
		return order.Event{OrderID: o.ID, UtcTime: now, Status: o.Status, FillQuantity: decimal.Zero}
	}
	lm := LimitFillModel{}
	return lm.Fill(o, bar, now)
}

// MarketOnOpenFillModel fills at the open of the first bar whose Time is
// strictly after the order's creation day, modeling next-session-open
// semantics.
type MarketOnOpenFillModel struct{}

// Fill implements FillModel.
func (MarketOnOpenFillModel) Fill(o *order.Order, bar data.TradeBar, now time.Time) order.Event {
	cy, cm, cd := o.CreatedUtc.Date()
	nextDay := time.Date(cy, cm, cd+1, 0, 0, 0, 0, o.CreatedUtc.Location())
	if bar.Time.Before(nextDay) {
		return order.Event{OrderID: o.ID, UtcTime: now, Status: o.Status, FillQuantity: decimal.Zero}
	}
	return order.Event{
		OrderID:      o.ID,
		UtcTime:      now,
		Status:       order.StatusFilled,
		FillQuantity: o.Quantity,
		FillPrice:    bar.Open,
	}
}

// MarketOnCloseFillModel fills at the close of the bar it is scanned
// against, i.e. the first bar scanned after submission; it does not wait for
// the session's final bar.
type MarketOnCloseFillModel struct{}

// Fill implements FillModel.
func (MarketOnCloseFillModel) Fill(o *order.Order, bar data.TradeBar, now time.Time) order.Event {
	return order.Event{
		OrderID:      o.ID,
		UtcTime:      now,
		Status:       order.StatusFilled,
		FillQuantity: o.Quantity,
		FillPrice:    bar.Close,
	}
}

// ModelFor returns the fill model registered for an order type.
func ModelFor(t order.Type) FillModel {
	switch t {
	case order.TypeLimit:
		return LimitFillModel{}
	case order.TypeStopMarket:
		return StopMarketFillModel{}
	case order.TypeStopLimit:
		return StopLimitFillModel{}
	case order.TypeMarketOnOpen:
		return MarketOnOpenFillModel{}
	case order.TypeMarketOnClose:
		return MarketOnCloseFillModel{}
	default:
		return MarketFillModel{}
	}
}
