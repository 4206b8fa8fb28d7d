// Package engine implements the engine loop of spec.md §4.8 (C11): the
// single-threaded per-slice orchestration that pulls TimeSlices from the
// data feed, drains scheduled events, scans the brokerage for fills, and
// invokes the algorithm's callbacks in the order spec.md §5 guarantees.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/scranton/synctrader/internal/brokerage"
	"github.com/scranton/synctrader/internal/data"
	"github.com/scranton/synctrader/internal/feed"
	"github.com/scranton/synctrader/internal/order"
	"github.com/scranton/synctrader/internal/portfolio"
	"github.com/scranton/synctrader/internal/result"
	"github.com/scranton/synctrader/internal/scheduler"
	"github.com/scranton/synctrader/internal/symbol"
)

// Mode selects backtest vs. live suspension semantics for "pull next
// slice", per spec.md §4.8 step 1.
type Mode int

// Supported run modes.
const (
	ModeBacktest Mode = iota
	ModeLive
)

// Algorithm is the user-supplied callback set the engine drives. Every
// method runs on the engine thread; none may block indefinitely. The engine
// calls each method directly and applies no timeout: Config.CallbackTimeout
// is defaulted but not enforced.
type Algorithm interface {
	Initialize(e *Engine) error
	OnData(ts *data.TimeSlice) error
	OnSecuritiesChanged(changes data.SecurityChanges)
	OnOrderEvent(evt order.Event)
	OnEndOfDay(sym symbol.Symbol)
	// OnMarginCall receives the engine's default liquidation requests (one
	// market order flattening each non-zero position; pending orders are not
	// cancelled) and returns the requests to submit. The engine submits
	// exactly the returned slice, so returning nil submits nothing.
	OnMarginCall(requests []order.SubmitRequest) []order.SubmitRequest
}

// NoopAlgorithm is an embeddable base implementing every Algorithm method
// as a no-op, so a concrete algorithm only needs to override what it cares
// about (the teacher's strategies similarly only override the decision
// hooks they need).
type NoopAlgorithm struct{}

func (NoopAlgorithm) Initialize(*Engine) error                { return nil }
func (NoopAlgorithm) OnData(*data.TimeSlice) error             { return nil }
func (NoopAlgorithm) OnSecuritiesChanged(data.SecurityChanges) {}
func (NoopAlgorithm) OnOrderEvent(order.Event)                 {}
func (NoopAlgorithm) OnEndOfDay(symbol.Symbol)                 {}
func (NoopAlgorithm) OnMarginCall(reqs []order.SubmitRequest) []order.SubmitRequest {
	return reqs
}

// MaintenanceMarginFn computes the minimum portfolio value required to
// avoid a margin call. The default requires total value to stay
// non-negative (a pure cash account never needs a margin call).
type MaintenanceMarginFn func(snap portfolio.Snapshot) decimal.Decimal

// Config configures an Engine.
type Config struct {
	Mode                Mode
	AlgorithmID         string
	ProjectID           string
	CallbackTimeout     time.Duration // default 5m backtest, 10s live, per spec.md §5
	MaintenanceMargin   MaintenanceMarginFn
	ResultHTTPPort      int
}

// Engine is the C11 orchestrator.
type Engine struct {
	cfg Config

	feed        *feed.Feed
	scheduler   *scheduler.Scheduler
	brokerage   brokerage.Brokerage
	transaction *transaction
	portfolio   *portfolio.Portfolio
	result      *result.Channel
	algorithm   Algorithm
	logger      *log.Logger

	lastTradeBar map[symbol.Symbol]data.TradeBar
	lastDate     map[symbol.Symbol]time.Time // exchange-local date last seen, for OnEndOfDay rollover

	utcTime time.Time
	stopped int32
}

// transaction is the narrow surface Engine needs from internal/transaction,
// named locally to avoid a direct import cycle concern and to make the
// wiring point explicit; New below requires the concrete type from the
// caller (cmd/engine composes it), satisfying this interface structurally.
type transaction interface {
	Submit(req order.SubmitRequest) *order.Ticket
	Cancel(req order.CancelRequest) error
	ApplyEvents(events []order.Event)
	Ticket(orderID int64) (*order.Ticket, bool)
}

// New constructs an Engine wired to its collaborators. logger defaults to
// stderr.
func New(cfg Config, f *feed.Feed, sch *scheduler.Scheduler, b *brokerage.Simulated, tx transaction, p *portfolio.Portfolio, algorithm Algorithm, logger *log.Logger) *Engine {
	if cfg.CallbackTimeout == 0 {
		if cfg.Mode == ModeLive {
			cfg.CallbackTimeout = 10 * time.Second
		} else {
			cfg.CallbackTimeout = 5 * time.Minute
		}
	}
	if cfg.MaintenanceMargin == nil {
		cfg.MaintenanceMargin = func(portfolio.Snapshot) decimal.Decimal { return decimal.Zero }
	}
	if logger == nil {
		logger = log.New(os.Stderr, "engine: ", log.LstdFlags)
	}
	return &Engine{
		cfg:          cfg,
		feed:         f,
		scheduler:    sch,
		brokerage:    b,
		transaction:  tx,
		portfolio:    p,
		result:       result.New(result.Config{AlgorithmID: cfg.AlgorithmID, ProjectID: cfg.ProjectID, HTTPPort: cfg.ResultHTTPPort}, nil),
		algorithm:    algorithm,
		logger:       logger,
		lastTradeBar: make(map[symbol.Symbol]data.TradeBar),
		lastDate:     make(map[symbol.Symbol]time.Time),
	}
}

// Time returns the engine clock in its own (currently UTC) representation;
// a future per-subscription local-time projection would live here too.
func (e *Engine) Time() time.Time { return e.utcTime }

// UtcTime returns the canonical clock, per spec.md §6.
func (e *Engine) UtcTime() time.Time { return e.utcTime }

// Portfolio exposes a read-only snapshot accessor for the algorithm.
func (e *Engine) Portfolio() portfolio.Snapshot { return e.portfolio.Snapshot() }

// Submit forwards an order submission to the transaction handler.
func (e *Engine) Submit(req order.SubmitRequest) *order.Ticket {
	req.UtcTime = e.utcTime
	return e.transaction.Submit(req)
}

// Cancel forwards a cancellation to the transaction handler.
func (e *Engine) Cancel(orderID int64) error {
	return e.transaction.Cancel(order.CancelRequest{OrderID: orderID, UtcTime: e.utcTime})
}

// Result exposes the result channel for direct Debug/Error emission from
// algorithm code.
func (e *Engine) Result() *result.Channel { return e.result }

// Stop sets the atomic stop flag checked at every suspension point, per
// spec.md §5 "Cancellation".
func (e *Engine) Stop() { atomic.StoreInt32(&e.stopped, 1) }

func (e *Engine) stopRequested() bool { return atomic.LoadInt32(&e.stopped) != 0 }

// Run drives the engine loop until the feed is exhausted or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	e.result.EmitStatus(result.StatusInitializing, "")
	if err := e.algorithm.Initialize(e); err != nil {
		e.result.EmitStatus(result.StatusDeployError, err.Error())
		return fmt.Errorf("engine: algorithm initialize: %w", err)
	}
	e.result.EmitStatus(result.StatusRunning, "")

	for {
		if e.stopRequested() {
			e.result.EmitStatus(result.StatusStopped, "stop requested")
			return nil
		}
		done, err := e.step(ctx)
		if err != nil {
			e.result.EmitStatus(result.StatusRuntimeError, err.Error())
			e.result.EmitError(err.Error(), "")
			return err
		}
		if done {
			e.result.EmitStatus(result.StatusCompleted, "")
			return nil
		}
	}
}

// step performs the nine substeps of spec.md §4.8 for one TimeSlice.
// Returns done=true once the feed is exhausted in backtest mode.
func (e *Engine) step(ctx context.Context) (done bool, err error) {
	// 1. Pull next TimeSlice.
	ts, ok, err := e.feed.Next(ctx)
	if err != nil {
		return false, fmt.Errorf("engine: pulling next slice: %w", err)
	}
	if !ok {
		if e.cfg.Mode == ModeBacktest && e.feed.Exhausted() {
			return true, nil
		}
		// Either live mode, or a backtest with subscriptions still pending
		// retry (§4.3.4); the caller re-invokes Run's loop for the next tick.
		return false, nil
	}

	// 2. Advance clock.
	e.utcTime = ts.UtcTime

	// 3. Security changes already applied by the feed itself (it owns
	// subscription activation); surface them to the algorithm below.

	// 4. Update prices/conversion rates.
	for _, su := range ts.SecurityUpdates {
		e.portfolio.UpdateMarketPrice(su.Symbol, su.LastPrice)
	}
	for _, cu := range ts.CashUpdates {
		e.portfolio.UpdateConversionRate(cu.CurrencyCode, cu.LastPrice)
	}
	for sym, bar := range ts.Slice.TradeBars {
		e.lastTradeBar[sym] = bar
		e.checkEndOfDay(sym, bar.EndTime)
	}

	// 5. Drain scheduler.
	for _, schedErr := range e.scheduler.Drain(ts.UtcTime) {
		e.result.EmitError(schedErr.Error(), "")
	}

	// 6. Brokerage scan, then pump events into the transaction handler.
	events := e.brokerage.Scan(ts.UtcTime, e.securityLookup, e.portfolio)
	e.transaction.ApplyEvents(events)
	for _, evt := range events {
		e.safeOnOrderEvent(evt)
	}

	// 7. Algorithm callbacks.
	if !ts.SecurityChanges.IsEmpty() {
		e.safeOnSecuritiesChanged(ts.SecurityChanges)
	}
	if err := e.safeOnData(ts); err != nil {
		return false, err
	}

	// 8. Margin check.
	e.checkMarginCall()

	// 9. Push delta to the result channel.
	e.pushSnapshot(ts)

	return false, nil
}

// securityLookup adapts the engine's last-known-bar cache to the shape
// internal/brokerage.Scan requires.
func (e *Engine) securityLookup(sym symbol.Symbol) (data.TradeBar, bool) {
	bar, ok := e.lastTradeBar[sym]
	return bar, ok
}

func (e *Engine) checkEndOfDay(sym symbol.Symbol, endTimeLocal time.Time) {
	date := endTimeLocal.Truncate(24 * time.Hour)
	prev, seen := e.lastDate[sym]
	if seen && !prev.Equal(date) {
		e.safeOnEndOfDay(sym)
	}
	e.lastDate[sym] = date
}

func (e *Engine) checkMarginCall() {
	snap := e.portfolio.Snapshot()
	minimum := e.cfg.MaintenanceMargin(snap)
	total := e.portfolio.TotalValue()
	if total.GreaterThanOrEqual(minimum) {
		return
	}

	var liquidation []order.SubmitRequest
	for sym, h := range snap.Holdings {
		if h.Quantity.IsZero() {
			continue
		}
		liquidation = append(liquidation, order.SubmitRequest{
			Type: order.TypeMarket, Symbol: sym, Quantity: h.Quantity.Neg(), UtcTime: e.utcTime,
			Tag: "margin-call-liquidation",
		})
	}
	approved := e.algorithm.OnMarginCall(liquidation)
	for _, req := range approved {
		req.UtcTime = e.utcTime
		e.transaction.Submit(req)
	}
}

func (e *Engine) pushSnapshot(ts *data.TimeSlice) {
	e.result.Emit(result.Packet{
		Kind:    "snapshot",
		UtcTime: ts.UtcTime,
		Snapshot: result.SnapshotPacket{
			TotalValue:    e.portfolio.TotalValue().String(),
			CashValue:     e.portfolio.TotalCashValue().String(),
			HoldingsValue: e.portfolio.TotalHoldingsValue().String(),
			OpenOrders:    e.brokerage.Pending(),
		},
	})
}

// safeOnData invokes the algorithm's OnData, recovering a panic into a
// runtime error per spec.md §7 "Never panic through callback boundaries".
func (e *Engine) safeOnData(ts *data.TimeSlice) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: OnData panicked: %v", r)
		}
	}()
	return e.algorithm.OnData(ts)
}

func (e *Engine) safeOnSecuritiesChanged(changes data.SecurityChanges) {
	defer func() {
		if r := recover(); r != nil {
			e.result.EmitError(fmt.Sprintf("OnSecuritiesChanged panicked: %v", r), "")
		}
	}()
	e.algorithm.OnSecuritiesChanged(changes)
}

func (e *Engine) safeOnOrderEvent(evt order.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.result.EmitError(fmt.Sprintf("OnOrderEvent panicked: %v", r), "")
		}
	}()
	e.algorithm.OnOrderEvent(evt)
}

func (e *Engine) safeOnEndOfDay(sym symbol.Symbol) {
	defer func() {
		if r := recover(); r != nil {
			e.result.EmitError(fmt.Sprintf("OnEndOfDay panicked: %v", r), "")
		}
	}()
	e.algorithm.OnEndOfDay(sym)
}
