// Package samplealgo is a minimal reference engine.Algorithm: a single-
// symbol moving-average crossover that buys on a bullish cross and
// liquidates on a bearish one. It exists to exercise the engine end to end
// (subscription -> feed -> scheduler -> brokerage -> transaction ->
// portfolio -> algorithm callbacks) the way the teacher's
// internal/strategy.StrangleStrategy exercised the original bot loop: same
// shape (a Config struct, a *log.Logger, entry/exit decision methods), new
// domain (a generic trend-following equity algorithm instead of a
// Tradier-specific options strangle).
package samplealgo

import (
	"log"
	"os"

	"github.com/shopspring/decimal"

	"github.com/scranton/synctrader/internal/data"
	"github.com/scranton/synctrader/internal/engine"
	"github.com/scranton/synctrader/internal/order"
	"github.com/scranton/synctrader/internal/symbol"
)

// Config parameterizes the crossover: FastPeriods/SlowPeriods are bar
// counts, not durations — the algorithm is resolution-agnostic.
type Config struct {
	Symbol       symbol.Symbol
	Quantity     decimal.Decimal
	FastPeriods  int
	SlowPeriods  int
}

// MovingAverageCrossover is a long-only trend follower: flat-to-long when
// the fast SMA crosses above the slow SMA, long-to-flat on the reverse
// cross. It holds at most one position at a time.
type MovingAverageCrossover struct {
	engine.NoopAlgorithm

	cfg    Config
	logger *log.Logger

	closes     []decimal.Decimal
	inPosition bool
	eng        *engine.Engine
}

// New constructs a MovingAverageCrossover. logger defaults like every other
// component constructor in this module.
func New(cfg Config, logger *log.Logger) *MovingAverageCrossover {
	if logger == nil {
		logger = log.New(os.Stderr, "samplealgo: ", log.LstdFlags)
	}
	if cfg.SlowPeriods <= cfg.FastPeriods {
		cfg.SlowPeriods = cfg.FastPeriods + 1
	}
	return &MovingAverageCrossover{cfg: cfg, logger: logger}
}

// Initialize captures the engine handle for later Submit calls.
func (a *MovingAverageCrossover) Initialize(e *engine.Engine) error {
	a.eng = e
	return nil
}

// OnData appends the latest close for the tracked symbol and acts on a
// crossover once enough history has accumulated.
func (a *MovingAverageCrossover) OnData(ts *data.TimeSlice) error {
	bar, ok := ts.Slice.TradeBars[a.cfg.Symbol]
	if !ok {
		return nil
	}
	a.closes = append(a.closes, bar.Close)
	if len(a.closes) > a.cfg.SlowPeriods {
		a.closes = a.closes[len(a.closes)-a.cfg.SlowPeriods:]
	}
	if len(a.closes) < a.cfg.SlowPeriods {
		return nil
	}

	fast := sma(a.closes, a.cfg.FastPeriods)
	slow := sma(a.closes, a.cfg.SlowPeriods)

	switch {
	case !a.inPosition && fast.GreaterThan(slow):
		a.eng.Submit(order.SubmitRequest{
			Type:     order.TypeMarket,
			Symbol:   a.cfg.Symbol,
			Quantity: a.cfg.Quantity,
			UtcTime:  ts.UtcTime,
			Tag:      "ma-cross-entry",
		})
		a.inPosition = true
	case a.inPosition && fast.LessThan(slow):
		a.eng.Submit(order.SubmitRequest{
			Type:     order.TypeMarket,
			Symbol:   a.cfg.Symbol,
			Quantity: a.cfg.Quantity.Neg(),
			UtcTime:  ts.UtcTime,
			Tag:      "ma-cross-exit",
		})
		a.inPosition = false
	}
	return nil
}

// OnOrderEvent logs terminal fills; a real algorithm would reconcile
// position state here, but MovingAverageCrossover tracks inPosition
// optimistically at submit time.
func (a *MovingAverageCrossover) OnOrderEvent(evt order.Event) {
	if evt.Status.IsTerminal() {
		a.logger.Printf("order %d terminal: status=%s fillQty=%s fillPrice=%s",
			evt.OrderID, evt.Status, evt.FillQuantity, evt.FillPrice)
	}
}

// OnEndOfDay logs the day's close for the tracked symbol.
func (a *MovingAverageCrossover) OnEndOfDay(sym symbol.Symbol) {
	if sym != a.cfg.Symbol || len(a.closes) == 0 {
		return
	}
	a.logger.Printf("end of day %s: close=%s", sym.Ticker, a.closes[len(a.closes)-1])
}

// sma returns the simple moving average of the last n values in closes.
// closes must have at least n elements.
func sma(closes []decimal.Decimal, n int) decimal.Decimal {
	window := closes[len(closes)-n:]
	sum := decimal.Zero
	for _, c := range window {
		sum = sum.Add(c)
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}
