package brokerage

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/scranton/synctrader/internal/order"
	"github.com/scranton/synctrader/internal/portfolio"
)

// Gateway is the external live-broker surface C7's live variant submits
// against: a remote venue's order entry API. Distinct from BrokerageModel,
// which governs simulated fill eligibility and fees.
type Gateway interface {
	SubmitOrder(ctx context.Context, o *order.Order) (externalID string, err error)
	CancelOrder(ctx context.Context, externalID string) error
}

// Live is C7's live-mode brokerage: orders go out to a Gateway behind a
// gobreaker circuit breaker (the teacher wraps Tradier calls the same way),
// and fills/rejects arrive asynchronously over a channel a market-data-style
// push transport (internal/feed/live's sibling on the order side) feeds,
// mirroring Simulated's pending-book bookkeeping so the transaction handler
// can treat both brokerages identically.
type Live struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
	events  <-chan order.Event
	logger  *log.Logger

	mu         sync.Mutex
	pending    map[int64]*order.Order
	externalID map[int64]string
}

// NewLive constructs a Live brokerage. events is the channel the gateway's
// push transport delivers asynchronous order lifecycle updates on; Scan
// drains whatever has arrived since the last call.
func NewLive(gateway Gateway, events <-chan order.Event, logger *log.Logger) *Live {
	if logger == nil {
		logger = log.New(os.Stderr, "brokerage/live: ", log.LstdFlags)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "brokerage-gateway",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Live{
		gateway:    gateway,
		breaker:    breaker,
		events:     events,
		logger:     logger,
		pending:    make(map[int64]*order.Order),
		externalID: make(map[int64]string),
	}
}

// PlaceOrder submits o to the gateway through the circuit breaker. A
// breaker trip or gateway error surfaces as an Invalid event rather than
// panicking the engine loop, per spec.md §7.
func (l *Live) PlaceOrder(o *order.Order) (order.Event, bool) {
	if o.Status != order.StatusNew {
		return order.Event{}, false
	}
	clone := o.Clone()

	result, err := l.breaker.Execute(func() (interface{}, error) {
		return l.gateway.SubmitOrder(context.Background(), clone)
	})
	if err != nil {
		l.logger.Printf("submit order %d failed: %v", o.ID, err)
		_ = clone.Transition(order.StatusInvalid, order.ConditionInvalidate)
		return order.Event{OrderID: o.ID, UtcTime: time.Now().UTC(), Status: order.StatusInvalid, Message: err.Error()}, true
	}

	_ = clone.Transition(order.StatusSubmitted, order.ConditionSubmit)
	l.mu.Lock()
	l.pending[clone.ID] = clone
	l.externalID[clone.ID] = result.(string)
	l.mu.Unlock()
	return order.Event{OrderID: o.ID, UtcTime: clone.CreatedUtc, Status: order.StatusSubmitted}, true
}

// UpdateOrder replaces the stored clone for order.ID if pending. Live
// brokers generally require cancel-and-replace rather than in-place amends;
// callers get the same Simulated-shaped contract regardless.
func (l *Live) UpdateOrder(o *order.Order) (order.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[o.ID]; !ok {
		return order.Event{}, false
	}
	l.pending[o.ID] = o.Clone()
	return order.Event{OrderID: o.ID, UtcTime: time.Now().UTC(), Status: order.StatusSubmitted}, true
}

// CancelOrder requests cancellation of order id through the gateway.
func (l *Live) CancelOrder(id int64, now time.Time) (order.Event, bool) {
	l.mu.Lock()
	extID, ok := l.externalID[id]
	l.mu.Unlock()
	if !ok {
		return order.Event{}, false
	}

	_, err := l.breaker.Execute(func() (interface{}, error) {
		return nil, l.gateway.CancelOrder(context.Background(), extID)
	})
	if err != nil {
		l.logger.Printf("cancel order %d failed: %v", id, err)
		return order.Event{OrderID: id, UtcTime: now, Status: order.StatusInvalid, Message: err.Error()}, true
	}

	l.mu.Lock()
	delete(l.pending, id)
	delete(l.externalID, id)
	l.mu.Unlock()
	return order.Event{OrderID: id, UtcTime: now, Status: order.StatusCanceled}, true
}

// Scan drains whatever order events the gateway's push transport has
// delivered since the last call; unlike Simulated, no fill model runs here,
// the venue is the source of truth.
func (l *Live) Scan(_ time.Time, _ securityLookup, _ *portfolio.Portfolio) []order.Event {
	var events []order.Event
	for {
		select {
		case evt, ok := <-l.events:
			if !ok {
				return events
			}
			l.mu.Lock()
			if o, ok := l.pending[evt.OrderID]; ok && evt.Status.IsTerminal() {
				delete(l.pending, evt.OrderID)
				delete(l.externalID, evt.OrderID)
				_ = o
			}
			l.mu.Unlock()
			events = append(events, evt)
		default:
			return events
		}
	}
}

// Pending returns the number of resting orders.
func (l *Live) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
