package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scranton/synctrader/internal/brokerage"
	"github.com/scranton/synctrader/internal/data"
	"github.com/scranton/synctrader/internal/feed"
	"github.com/scranton/synctrader/internal/order"
	"github.com/scranton/synctrader/internal/portfolio"
	"github.com/scranton/synctrader/internal/scheduler"
	"github.com/scranton/synctrader/internal/symbol"
	"github.com/scranton/synctrader/internal/transaction"
)

func testSymbol(ticker string) symbol.Symbol {
	reg := symbol.NewRegistry()
	return symbol.Symbol{SID: symbol.NewEquity(reg, "usa", ticker, symbol.SecurityTypeEquity), Ticker: ticker}
}

type sliceReader struct {
	items []data.BaseData
	i     int
}

func (r *sliceReader) Next(ctx context.Context) (data.BaseData, bool, error) {
	if r.i >= len(r.items) {
		return data.BaseData{}, false, nil
	}
	item := r.items[r.i]
	r.i++
	return item, true, nil
}

func bar(sym symbol.Symbol, t time.Time, closePx float64) data.BaseData {
	return data.BaseData{Kind: data.KindTradeBar, TradeBar: data.TradeBar{
		Symbol: sym, Time: t.Add(-time.Minute), EndTime: t,
		Open: decimal.NewFromFloat(closePx), High: decimal.NewFromFloat(closePx),
		Low: decimal.NewFromFloat(closePx), Close: decimal.NewFromFloat(closePx),
	}}
}

// buyOnFirstTick submits a single market buy order from Initialize, before
// the first OnData, and records every order event it observes thereafter.
type buyOnFirstTick struct {
	NoopAlgorithm
	sym      symbol.Symbol
	qty      decimal.Decimal
	submitted bool
	events    []order.Event
}

func (a *buyOnFirstTick) OnData(ts *data.TimeSlice) error {
	if !a.submitted {
		a.submitted = true
	}
	return nil
}

func (a *buyOnFirstTick) OnOrderEvent(evt order.Event) {
	a.events = append(a.events, evt)
}

func (a *buyOnFirstTick) Initialize(e *Engine) error {
	e.Submit(order.SubmitRequest{Type: order.TypeMarket, Symbol: a.sym, Quantity: a.qty})
	return nil
}

func TestEngine_RunsFullSliceAndFillsOrder(t *testing.T) {
	sym := testSymbol("AAPL")
	base := time.Date(2026, 1, 2, 14, 31, 0, 0, time.UTC)

	f := feed.New(nil)
	sub := feed.NewSubscription(feed.Config{Symbol: sym, Resolution: data.ResolutionMinute}, &sliceReader{items: []data.BaseData{
		bar(sym, base, 100),
		bar(sym, base.Add(time.Minute), 101),
	}}, nil, nil)
	require.NoError(t, f.AddSubscription(context.Background(), sub))

	sch := scheduler.New(nil)
	b := brokerage.New(nil)
	p := portfolio.New("USD", decimal.NewFromInt(100000), nil)
	tx := transaction.New(b, p, nil)

	algo := &buyOnFirstTick{sym: sym, qty: decimal.NewFromInt(10)}
	e := New(Config{Mode: ModeBacktest, AlgorithmID: "algo", ProjectID: "proj"}, f, sch, b, tx, p, algo, nil)

	err := e.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, algo.events, "order should have filled once a bar became available")
	assert.Equal(t, order.StatusFilled, algo.events[len(algo.events)-1].Status)

	h, ok := p.Holding(sym)
	require.True(t, ok)
	assert.True(t, h.Quantity.Equal(decimal.NewFromInt(10)))

	packets := e.Result().Drain()
	var sawSnapshot, sawRunning, sawCompleted bool
	for _, pkt := range packets {
		switch {
		case pkt.Kind == "snapshot":
			sawSnapshot = true
		case pkt.Kind == "status" && pkt.Status.Status == "Running":
			sawRunning = true
		case pkt.Kind == "status" && pkt.Status.Status == "Completed":
			sawCompleted = true
		}
	}
	assert.True(t, sawSnapshot)
	assert.True(t, sawRunning)
	assert.True(t, sawCompleted)
}

func TestEngine_ClockAdvancesMonotonically(t *testing.T) {
	sym := testSymbol("AAPL")
	base := time.Date(2026, 1, 2, 14, 31, 0, 0, time.UTC)

	f := feed.New(nil)
	sub := feed.NewSubscription(feed.Config{Symbol: sym, Resolution: data.ResolutionMinute}, &sliceReader{items: []data.BaseData{
		bar(sym, base, 100),
		bar(sym, base.Add(time.Minute), 101),
	}}, nil, nil)
	require.NoError(t, f.AddSubscription(context.Background(), sub))

	sch := scheduler.New(nil)
	b := brokerage.New(nil)
	p := portfolio.New("USD", decimal.NewFromInt(100000), nil)
	tx := transaction.New(b, p, nil)

	var times []time.Time
	algo := &recordingAlgorithm{onData: func(ts *data.TimeSlice) { times = append(times, ts.UtcTime) }}
	e := New(Config{Mode: ModeBacktest}, f, sch, b, tx, p, algo, nil)

	require.NoError(t, e.Run(context.Background()))
	require.Len(t, times, 2)
	assert.True(t, times[0].Before(times[1]))
}

type recordingAlgorithm struct {
	NoopAlgorithm
	onData func(*data.TimeSlice)
}

func (a *recordingAlgorithm) OnData(ts *data.TimeSlice) error {
	a.onData(ts)
	return nil
}

func TestEngine_PanicInOnDataBecomesRuntimeError(t *testing.T) {
	sym := testSymbol("AAPL")
	base := time.Date(2026, 1, 2, 14, 31, 0, 0, time.UTC)

	f := feed.New(nil)
	sub := feed.NewSubscription(feed.Config{Symbol: sym, Resolution: data.ResolutionMinute}, &sliceReader{items: []data.BaseData{
		bar(sym, base, 100),
	}}, nil, nil)
	require.NoError(t, f.AddSubscription(context.Background(), sub))

	sch := scheduler.New(nil)
	b := brokerage.New(nil)
	p := portfolio.New("USD", decimal.NewFromInt(100000), nil)
	tx := transaction.New(b, p, nil)

	algo := &panicAlgorithm{}
	e := New(Config{Mode: ModeBacktest}, f, sch, b, tx, p, algo, nil)

	err := e.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

type panicAlgorithm struct{ NoopAlgorithm }

func (panicAlgorithm) OnData(*data.TimeSlice) error { panic("boom") }
