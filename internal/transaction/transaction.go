// Package transaction implements the transaction handler of spec.md §4.6
// (C8): the single writer over the order book that turns submit/update/
// cancel requests into brokerage calls and folds the resulting order
// events into the portfolio. Its single-writer discipline and the shape of
// its Config mirror the teacher's internal/orders.Manager.
package transaction

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/scranton/synctrader/internal/brokerage"
	"github.com/scranton/synctrader/internal/order"
	"github.com/scranton/synctrader/internal/portfolio"
	"github.com/scranton/synctrader/internal/symbol"
)

// ErrUnknownOrder is returned when an update/cancel request names an order
// the handler has never seen.
var ErrUnknownOrder = fmt.Errorf("transaction: unknown order id")

// ErrTerminalOrder is returned when a request targets an order already in
// an absorbing state, per §4.7 "once terminal, all further requests fail".
var ErrTerminalOrder = fmt.Errorf("transaction: order already terminal")

// SecurityLookup resolves a symbol to a price. The Handler does not use it
// (fill prices arrive on order events), and brokerage Scan takes its own
// TradeBar lookup instead.
type SecurityLookup func(symbol.Symbol) (decimal.Decimal, bool)

// Handler is the single writer over the order book. All of its methods are
// meant to be called from one goroutine (the engine loop); it performs no
// internal locking, matching the "engine thread" concurrency model of
// spec.md §5.
type Handler struct {
	brokerage brokerage.Brokerage
	portfolio *portfolio.Portfolio
	logger    *log.Logger

	nextOrderID int64
	tickets     map[int64]*order.Ticket
}

// New constructs a Handler wired to the given brokerage and portfolio. b
// may be *brokerage.Simulated (backtest) or *brokerage.Live (live mode).
func New(b brokerage.Brokerage, p *portfolio.Portfolio, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "transaction: ", log.LstdFlags)
	}
	return &Handler{
		brokerage: b,
		portfolio: p,
		logger:    logger,
		tickets:   make(map[int64]*order.Ticket),
	}
}

// nextID allocates order ids strictly increasing from 1 (testable property
// 3 in spec.md §8).
func (h *Handler) nextID() int64 {
	return atomic.AddInt64(&h.nextOrderID, 1)
}

// Submit allocates an id, creates the Order and its Ticket, forwards to the
// brokerage, and returns the Ticket for the caller (the algorithm) to hold.
func (h *Handler) Submit(req order.SubmitRequest) *order.Ticket {
	o := &order.Order{
		ID:         h.nextID(),
		Symbol:     req.Symbol,
		Quantity:   req.Quantity,
		Type:       req.Type,
		Status:     order.StatusNew,
		CreatedUtc: req.UtcTime,
		Limit:      req.Limit,
		Stop:       req.Stop,
		Tag:        req.Tag,
	}
	ticket := order.NewTicket(o)
	h.tickets[o.ID] = ticket

	evt, accepted := h.brokerage.PlaceOrder(o)
	if !accepted {
		ticket.AddResponse(order.Response{UtcTime: req.UtcTime, Success: false, Message: "brokerage rejected placement"})
		_ = o.Transition(order.StatusInvalid, order.ConditionInvalidate)
		return ticket
	}
	o.Status = evt.Status
	ticket.AddResponse(order.Response{UtcTime: evt.UtcTime, Success: true, Message: "submitted"})
	return ticket
}

// Update mutates a pending order's parameters and re-submits it to the
// brokerage. Fails with ErrUnknownOrder / ErrTerminalOrder per §4.6 step 3.
func (h *Handler) Update(req order.UpdateRequest) error {
	ticket, ok := h.tickets[req.OrderID]
	if !ok {
		return ErrUnknownOrder
	}
	o := ticket.Order()
	if o.Status.IsTerminal() {
		ticket.AddResponse(order.Response{UtcTime: req.UtcTime, Success: false, Message: "order already terminal"})
		return ErrTerminalOrder
	}
	if req.Quantity != nil {
		o.Quantity = *req.Quantity
	}
	if req.Limit != nil {
		o.Limit = *req.Limit
	}
	if req.Stop != nil {
		o.Stop = *req.Stop
	}
	if req.Tag != nil {
		o.Tag = *req.Tag
	}
	evt, accepted := h.brokerage.UpdateOrder(o)
	if !accepted {
		ticket.AddResponse(order.Response{UtcTime: req.UtcTime, Success: false, Message: "brokerage rejected update"})
		return ErrUnknownOrder
	}
	o.Status = evt.Status
	ticket.AddResponse(order.Response{UtcTime: evt.UtcTime, Success: true, Message: "updated"})
	return nil
}

// Cancel removes a pending order from the brokerage's book. Fails with
// ErrUnknownOrder / ErrTerminalOrder per §4.6 step 3.
func (h *Handler) Cancel(req order.CancelRequest) error {
	ticket, ok := h.tickets[req.OrderID]
	if !ok {
		return ErrUnknownOrder
	}
	o := ticket.Order()
	if o.Status.IsTerminal() {
		ticket.AddResponse(order.Response{UtcTime: req.UtcTime, Success: false, Message: "order already terminal"})
		return ErrTerminalOrder
	}
	evt, accepted := h.brokerage.CancelOrder(req.OrderID, req.UtcTime)
	if !accepted {
		ticket.AddResponse(order.Response{UtcTime: req.UtcTime, Success: false, Message: "brokerage rejected cancel"})
		return ErrUnknownOrder
	}
	o.Status = evt.Status
	ticket.AddResponse(order.Response{UtcTime: evt.UtcTime, Success: true, Message: "canceled"})
	return nil
}

// Ticket returns the ticket for a previously submitted order id.
func (h *Handler) Ticket(orderID int64) (*order.Ticket, bool) {
	t, ok := h.tickets[orderID]
	return t, ok
}

// ApplyEvents folds a batch of brokerage order events (in emission order,
// per §4.6 step 4) into ticket history and the portfolio. fee is carried on
// each event already; ApplyEvents does not look it up separately.
func (h *Handler) ApplyEvents(events []order.Event) {
	for _, evt := range events {
		ticket, ok := h.tickets[evt.OrderID]
		if !ok {
			h.logger.Printf("order event for unknown order id %d", evt.OrderID)
			continue
		}
		o := ticket.Order()
		o.Status = evt.Status

		msg := evt.Message
		if msg == "" {
			msg = string(evt.Status)
		}
		ticket.AddResponse(order.Response{UtcTime: evt.UtcTime, Success: evt.Status != order.StatusInvalid, Message: msg})

		if !evt.FillQuantity.IsZero() {
			h.applyFillToPortfolio(o, evt)
		}
	}
}

func (h *Handler) applyFillToPortfolio(o *order.Order, evt order.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Printf("panic applying fill for order %d: %v", o.ID, r)
			_ = o.Transition(order.StatusInvalid, order.ConditionInvalidate)
		}
	}()
	h.portfolio.ApplyFill(o.Symbol, evt.FillQuantity, evt.FillPrice, evt.OrderFee)
}
