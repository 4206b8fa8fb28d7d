// Package brokerage implements the simulated brokerage of spec.md §4.5
// (C7): a pending-order book plus the per-slice Scan algorithm that turns
// market data into fill events.
package brokerage

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/scranton/synctrader/internal/data"
	"github.com/scranton/synctrader/internal/order"
	"github.com/scranton/synctrader/internal/portfolio"
	"github.com/scranton/synctrader/internal/symbol"
)

// Brokerage is the C7 surface the transaction handler and engine loop
// depend on: a pending-order book plus the per-slice Scan that turns market
// data (backtest) or gateway push events (live) into order events.
// Simulated and Live both satisfy it.
type Brokerage interface {
	PlaceOrder(o *order.Order) (order.Event, bool)
	UpdateOrder(o *order.Order) (order.Event, bool)
	CancelOrder(id int64, now time.Time) (order.Event, bool)
	Scan(currentUtc time.Time, lookup securityLookup, p *portfolio.Portfolio) []order.Event
	Pending() int
}

// BrokerageModel governs whether an order may be placed at all and what it
// costs, per the glossary's "Brokerage model" definition.
type BrokerageModel interface {
	CanExecute(sym symbol.Symbol, o *order.Order) bool
	Fee(o *order.Order, fillQty, fillPrice decimal.Decimal) decimal.Decimal
}

// DefaultBrokerageModel allows every order and charges no fee; a starting
// point tests and simple backtests can use as-is.
type DefaultBrokerageModel struct{}

// CanExecute implements BrokerageModel.
func (DefaultBrokerageModel) CanExecute(symbol.Symbol, *order.Order) bool { return true }

// Fee implements BrokerageModel.
func (DefaultBrokerageModel) Fee(*order.Order, decimal.Decimal, decimal.Decimal) decimal.Decimal {
	return decimal.Zero
}

// Simulated is the backtest-mode brokerage: Scan drives fills directly from
// TradeBar data, with no network round trip.
type Simulated struct {
	pending map[int64]*order.Order
	dirty   bool
	model   BrokerageModel
}

// New constructs a Simulated brokerage using model for execution policy and
// fees (DefaultBrokerageModel if nil).
func New(model BrokerageModel) *Simulated {
	if model == nil {
		model = DefaultBrokerageModel{}
	}
	return &Simulated{pending: make(map[int64]*order.Order), model: model}
}

// PlaceOrder stores a clone of a New order and marks the book dirty, per
// §4.5's PlaceOrder contract.
func (s *Simulated) PlaceOrder(o *order.Order) (order.Event, bool) {
	if o.Status != order.StatusNew {
		return order.Event{}, false
	}
	clone := o.Clone()
	_ = clone.Transition(order.StatusSubmitted, order.ConditionSubmit)
	s.pending[clone.ID] = clone
	s.dirty = true
	return order.Event{OrderID: o.ID, UtcTime: clone.CreatedUtc, Status: order.StatusSubmitted}, true
}

// UpdateOrder replaces the stored clone for order.ID if pending, per §4.5.
func (s *Simulated) UpdateOrder(o *order.Order) (order.Event, bool) {
	if _, ok := s.pending[o.ID]; !ok {
		return order.Event{}, false
	}
	clone := o.Clone()
	s.pending[clone.ID] = clone
	s.dirty = true
	return order.Event{OrderID: o.ID, UtcTime: time.Now().UTC(), Status: order.StatusSubmitted}, true
}

// CancelOrder removes order.ID from the pending book if present, per §4.5.
func (s *Simulated) CancelOrder(id int64, now time.Time) (order.Event, bool) {
	o, ok := s.pending[id]
	if !ok {
		return order.Event{}, false
	}
	delete(s.pending, id)
	_ = o.Transition(order.StatusCanceled, order.ConditionCancel)
	return order.Event{OrderID: id, UtcTime: now, Status: order.StatusCanceled}, true
}

// securityLookup resolves a symbol to its most recent TradeBar, the only
// market-data shape the fill models consume. Unknown symbols make Scan
// emit Invalid per §4.5.1 step 3.
type securityLookup func(symbol.Symbol) (data.TradeBar, bool)

// Scan implements the §4.5.1 algorithm for one slice. It returns the
// ordered (ascending order id) events produced this step; the caller
// (transaction handler) is responsible for applying them to the portfolio.
func (s *Simulated) Scan(currentUtc time.Time, lookup securityLookup, p *portfolio.Portfolio) []order.Event {
	if !s.dirty {
		return nil
	}

	ids := make([]int64, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var events []order.Event
	stillDirty := false

	for _, id := range ids {
		o, ok := s.pending[id]
		if !ok {
			continue // removed by an earlier iteration (shouldn't happen, defensive)
		}

		if o.Status.IsTerminal() {
			delete(s.pending, id)
			continue
		}

		if o.CreatedUtc.Equal(currentUtc) && o.Type != order.TypeMarket {
			stillDirty = true
			continue
		}

		bar, ok := lookup(o.Symbol)
		if !ok {
			evt := order.Event{OrderID: id, UtcTime: currentUtc, Status: order.StatusInvalid, Message: "unknown security"}
			_ = o.Transition(order.StatusInvalid, order.ConditionInvalidate)
			events = append(events, evt)
			delete(s.pending, id)
			continue
		}

		if !s.model.CanExecute(o.Symbol, o) {
			stillDirty = true
			continue
		}

		notional := bar.Close.Mul(o.Quantity.Abs())
		sufficient, err := p.HasSufficientBuyingPower(notional)
		if err != nil || !sufficient {
			evt := order.Event{OrderID: id, UtcTime: currentUtc, Status: order.StatusInvalid, Message: "insufficient buying power"}
			_ = o.Transition(order.StatusInvalid, order.ConditionInvalidate)
			events = append(events, evt)
			delete(s.pending, id)
			continue
		}

		evt := ModelFor(o.Type).Fill(o, bar, currentUtc)
		if evt.Status != o.Status || !evt.FillQuantity.IsZero() {
			if !evt.FillQuantity.IsZero() {
				evt.OrderFee = s.model.Fee(o, evt.FillQuantity, evt.FillPrice)
				remaining := o.Quantity.Sub(o.FilledQty).Sub(evt.FillQuantity)
				o.FilledQty = o.FilledQty.Add(evt.FillQuantity)
				if remaining.IsZero() {
					_ = o.Transition(order.StatusFilled, order.ConditionFill)
					evt.Status = order.StatusFilled
				} else {
					_ = o.Transition(order.StatusPartiallyFilled, order.ConditionPartialFill)
					evt.Status = order.StatusPartiallyFilled
				}
			}
			events = append(events, evt)
		}

		if o.Status.IsTerminal() {
			delete(s.pending, id)
		} else {
			stillDirty = true
		}
	}

	s.dirty = stillDirty
	return events
}

// Pending returns the number of resting orders, mainly for tests and
// diagnostics.
func (s *Simulated) Pending() int { return len(s.pending) }
