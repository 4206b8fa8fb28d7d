// Package order defines Order, OrderTicket, and the order state machine of
// spec.md §4.7. The state machine itself is a direct generalization of the
// teacher's position state machine (ValidTransitions table + O(1) lookup)
// applied to order lifecycle states instead of a strategy's management
// states.
package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/scranton/synctrader/internal/symbol"
)

// Type enumerates the order types the brokerage (C7) and fill models
// understand.
type Type uint8

// Order types.
const (
	TypeMarket Type = iota
	TypeLimit
	TypeStopMarket
	TypeStopLimit
	TypeMarketOnOpen
	TypeMarketOnClose
)

func (t Type) String() string {
	switch t {
	case TypeMarket:
		return "Market"
	case TypeLimit:
		return "Limit"
	case TypeStopMarket:
		return "StopMarket"
	case TypeStopLimit:
		return "StopLimit"
	case TypeMarketOnOpen:
		return "MarketOnOpen"
	case TypeMarketOnClose:
		return "MarketOnClose"
	default:
		return "Unknown"
	}
}

// Status is a node in the order state machine.
type Status string

// Order statuses, per spec.md §4.7.
const (
	StatusNew             Status = "New"
	StatusSubmitted       Status = "Submitted"
	StatusPartiallyFilled Status = "PartiallyFilled"
	StatusFilled          Status = "Filled"
	StatusCanceled        Status = "Canceled"
	StatusInvalid         Status = "Invalid"
	StatusCancelPending   Status = "CancelPending"
	StatusUpdated         Status = "Updated"
)

// IsTerminal reports whether status is one of the absorbing states.
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusInvalid
}

// transition conditions, named so callers and tests share one vocabulary.
const (
	ConditionSubmit      = "submit"
	ConditionPartialFill = "partial_fill"
	ConditionFill        = "fill"
	ConditionCancel      = "cancel"
	ConditionInvalidate  = "invalidate"
	ConditionUpdate      = "update"
	ConditionCancelAck   = "cancel_pending"
)

type transition struct {
	From, To  Status
	Condition string
}

// validTransitions is the order-state machine's transition table, directly
// mirroring the shape (and lookup strategy) of the teacher's
// models.ValidTransitions.
var validTransitions = []transition{
	{StatusNew, StatusSubmitted, ConditionSubmit},
	{StatusNew, StatusInvalid, ConditionInvalidate},

	{StatusSubmitted, StatusPartiallyFilled, ConditionPartialFill},
	{StatusSubmitted, StatusFilled, ConditionFill},
	{StatusSubmitted, StatusCanceled, ConditionCancel},
	{StatusSubmitted, StatusInvalid, ConditionInvalidate},
	{StatusSubmitted, StatusCancelPending, ConditionCancelAck},
	{StatusSubmitted, StatusUpdated, ConditionUpdate},

	{StatusPartiallyFilled, StatusPartiallyFilled, ConditionPartialFill},
	{StatusPartiallyFilled, StatusFilled, ConditionFill},
	{StatusPartiallyFilled, StatusCanceled, ConditionCancel},
	{StatusPartiallyFilled, StatusUpdated, ConditionUpdate},
	{StatusPartiallyFilled, StatusCancelPending, ConditionCancelAck},

	{StatusUpdated, StatusSubmitted, ConditionSubmit},
	{StatusUpdated, StatusPartiallyFilled, ConditionPartialFill},
	{StatusUpdated, StatusFilled, ConditionFill},
	{StatusUpdated, StatusCanceled, ConditionCancel},
	{StatusUpdated, StatusInvalid, ConditionInvalidate},

	{StatusCancelPending, StatusCanceled, ConditionCancel},
}

var transitionLookup map[Status]map[Status]map[string]bool

func init() {
	transitionLookup = make(map[Status]map[Status]map[string]bool)
	for _, tr := range validTransitions {
		if transitionLookup[tr.From] == nil {
			transitionLookup[tr.From] = make(map[Status]map[string]bool)
		}
		if transitionLookup[tr.From][tr.To] == nil {
			transitionLookup[tr.From][tr.To] = make(map[string]bool)
		}
		transitionLookup[tr.From][tr.To][tr.Condition] = true
	}
}

// IsValidTransition reports whether moving from `from` to `to` under
// `condition` is defined by the state machine. Terminal states never have
// outgoing transitions (the table above has none for Filled/Canceled/
// Invalid), so this also enforces "once terminal, all further requests
// fail" per §4.7.
func IsValidTransition(from, to Status, condition string) bool {
	toMap, ok := transitionLookup[from]
	if !ok {
		return false
	}
	conds, ok := toMap[to]
	if !ok {
		return false
	}
	return conds[condition]
}

// Order is the mutable record of a single order's lifecycle. Ownership:
// the transaction handler (C8) is the sole mutator; everyone else holds
// snapshots or reads through an OrderTicket.
type Order struct {
	ID         int64
	BrokerIDs  []string
	Symbol     symbol.Symbol
	Quantity   decimal.Decimal // signed
	Type       Type
	Status     Status
	CreatedUtc time.Time
	Limit      decimal.Decimal
	Stop       decimal.Decimal
	Tag        string
	FilledQty  decimal.Decimal
}

// Clone returns a deep-enough copy for the brokerage's pending-order store,
// matching the "clones and stores a copy" contract of §4.5.
func (o *Order) Clone() *Order {
	clone := *o
	clone.BrokerIDs = append([]string(nil), o.BrokerIDs...)
	return &clone
}

// Transition attempts to move the order to `to` under `condition`,
// returning an error if the state machine forbids it. On success it
// mutates Status in place.
func (o *Order) Transition(to Status, condition string) error {
	if !IsValidTransition(o.Status, to, condition) {
		return fmt.Errorf("order %d: invalid transition %s -> %s (%s)", o.ID, o.Status, to, condition)
	}
	o.Status = to
	return nil
}

// EventStatus mirrors Status but is carried on OrderEvent for clarity at
// call sites that only ever read it (never transition against it).
type EventStatus = Status

// Event is the brokerage's report of a state change for one order
// (spec.md §6 "OrderEvent").
type Event struct {
	OrderID          int64
	UtcTime          time.Time
	Status           EventStatus
	FillQuantity     decimal.Decimal
	FillPrice        decimal.Decimal
	FillPriceCurrency string
	Message          string
	OrderFee         decimal.Decimal
}

// Response is one entry in an OrderTicket's append-only history.
type Response struct {
	UtcTime time.Time
	Success bool
	Message string
}

// Ticket is the owner of the mutable Order, recording every response the
// transaction handler produces for it.
type Ticket struct {
	order     *Order
	responses []Response
}

// NewTicket wraps order in a fresh, response-less ticket.
func NewTicket(o *Order) *Ticket {
	return &Ticket{order: o}
}

// Order returns the underlying order. Callers outside the transaction
// handler must treat the result as read-only.
func (t *Ticket) Order() *Order { return t.order }

// AddResponse appends to the ticket's response history.
func (t *Ticket) AddResponse(r Response) { t.responses = append(t.responses, r) }

// Responses returns the full response history in arrival order.
func (t *Ticket) Responses() []Response { return t.responses }

// LastResponse returns the most recent response, or the zero value if none
// has been recorded yet.
func (t *Ticket) LastResponse() (Response, bool) {
	if len(t.responses) == 0 {
		return Response{}, false
	}
	return t.responses[len(t.responses)-1], true
}

// FilledQuantity returns the order's aggregate fill quantity.
func (t *Ticket) FilledQuantity() decimal.Decimal { return t.order.FilledQty }

// UpdateRequest asks the transaction handler to mutate a pending order's
// parameters in place.
type UpdateRequest struct {
	OrderID  int64
	Quantity *decimal.Decimal
	Limit    *decimal.Decimal
	Stop     *decimal.Decimal
	Tag      *string
	UtcTime  time.Time
}

// CancelRequest asks the transaction handler to cancel a pending order.
type CancelRequest struct {
	OrderID int64
	UtcTime time.Time
}

// SubmitRequest asks the transaction handler to create and submit a new
// order.
type SubmitRequest struct {
	Type     Type
	Symbol   symbol.Symbol
	Quantity decimal.Decimal
	Limit    decimal.Decimal
	Stop     decimal.Decimal
	Tag      string
	UtcTime  time.Time
}
