package feed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scranton/synctrader/internal/data"
	"github.com/scranton/synctrader/internal/symbol"
)

func testSymbol(ticker string) symbol.Symbol {
	reg := symbol.NewRegistry()
	return symbol.Symbol{SID: symbol.NewEquity(reg, "usa", ticker, symbol.SecurityTypeEquity), Ticker: ticker}
}

// sliceReader replays a fixed slice of bars through the Reader interface.
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

func TestFeed_MergesTwoSubscriptionsInTimeOrder(t *testing.T) {
	aapl := testSymbol("AAPL")
	msft := testSymbol("MSFT")
	base := time.Date(2026, 1, 2, 14, 31, 0, 0, time.UTC)

	subA := NewSubscription(Config{Symbol: aapl, Resolution: data.ResolutionMinute}, &sliceReader{items: []data.BaseData{
		bar(aapl, base, 100), bar(aapl, base.Add(time.Minute), 101),
	}}, nil, nil)
	subB := NewSubscription(Config{Symbol: msft, Resolution: data.ResolutionMinute}, &sliceReader{items: []data.BaseData{
		bar(msft, base, 200),
	}}, nil, nil)

	f := New(nil)
	ctx := context.Background()
	require.NoError(t, f.AddSubscription(ctx, subA))
	require.NoError(t, f.AddSubscription(ctx, subB))

	ts1, ok, err := f.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base, ts1.UtcTime)
	assert.Equal(t, 2, ts1.Count, "both subscriptions share the same instant")
	assert.Len(t, ts1.Slice.TradeBars, 2)

	ts2, ok, err := f.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), ts2.UtcTime)
	assert.Len(t, ts2.Slice.TradeBars, 1)

	_, ok, err = f.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "feed exhausted once every subscription drains")
}

func TestFeed_RecordsSecurityUpdates(t *testing.T) {
	aapl := testSymbol("AAPL")
	base := time.Date(2026, 1, 2, 14, 31, 0, 0, time.UTC)
	sub := NewSubscription(Config{Symbol: aapl, Resolution: data.ResolutionMinute}, &sliceReader{items: []data.BaseData{
		bar(aapl, base, 123.45),
	}}, nil, nil)

	f := New(nil)
	ctx := context.Background()
	require.NoError(t, f.AddSubscription(ctx, sub))

	ts, ok, err := f.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, ts.SecurityUpdates, 1)
	assert.True(t, ts.SecurityUpdates[0].LastPrice.Equal(decimal.NewFromFloat(123.45)))
}

// fixedUniverse always selects the same two symbols, exercising the
// universe-selection wiring without needing a real selection algorithm.
type fixedUniverse struct {
	symbols []symbol.Symbol
}

func (u fixedUniverse) Select(data.BaseData) []symbol.Symbol { return u.symbols }

func TestFeed_UniverseSelectionActivatesSubscriptions(t *testing.T) {
	aapl := testSymbol("AAPL")
	base := time.Date(2026, 1, 2, 14, 31, 0, 0, time.UTC)

	universeItem := data.BaseData{Kind: data.KindCustom, Custom: data.Custom{Symbol: testSymbol("UNIVERSE"), Time: base, EndTime: base}}
	uSub := NewSubscription(Config{Symbol: testSymbol("UNIVERSE")}, &sliceReader{items: []data.BaseData{universeItem}}, nil, nil)
	uSub.Universe = fixedUniverse{symbols: []symbol.Symbol{aapl}}

	activated := 0
	factory := func(sym symbol.Symbol) (*Subscription, error) {
		activated++
		return NewSubscription(Config{Symbol: sym, Resolution: data.ResolutionMinute},
			&sliceReader{items: []data.BaseData{bar(sym, base.Add(time.Minute), 10)}}, nil, nil), nil
	}

	f := New(factory)
	ctx := context.Background()
	require.NoError(t, f.AddUniverseSubscription(ctx, uSub))

	ts1, ok, err := f.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []symbol.Symbol{aapl}, ts1.SecurityChanges.Added)
	assert.Equal(t, 1, activated)

	ts2, ok, err := f.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, ts2.Slice.TradeBars, aapl)
}

func TestFeed_EmptyFeedIsImmediatelyExhausted(t *testing.T) {
	f := New(nil)
	_, ok, err := f.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, f.Exhausted())
}

// shrinkingUniverse selects symbols[0:n] on the first call and symbols[0:n-1]
// on every call after, exercising the feed's added/removed diffing.
type shrinkingUniverse struct {
	symbols []symbol.Symbol
	calls   int
}

func (u *shrinkingUniverse) Select(data.BaseData) []symbol.Symbol {
	u.calls++
	if u.calls == 1 {
		return u.symbols
	}
	return u.symbols[:len(u.symbols)-1]
}

func TestFeed_UniverseSelectionComputesRemovals(t *testing.T) {
	aapl, msft := testSymbol("AAPL"), testSymbol("MSFT")
	base := time.Date(2026, 1, 2, 14, 31, 0, 0, time.UTC)

	universeItem1 := data.BaseData{Kind: data.KindCustom, Custom: data.Custom{Symbol: testSymbol("UNIVERSE"), Time: base, EndTime: base}}
	universeItem2 := data.BaseData{Kind: data.KindCustom, Custom: data.Custom{Symbol: testSymbol("UNIVERSE"), Time: base.Add(time.Minute), EndTime: base.Add(time.Minute)}}
	uSub := NewSubscription(Config{Symbol: testSymbol("UNIVERSE")}, &sliceReader{items: []data.BaseData{universeItem1, universeItem2}}, nil, nil)
	uSub.Universe = &shrinkingUniverse{symbols: []symbol.Symbol{aapl, msft}}

	factory := func(sym symbol.Symbol) (*Subscription, error) {
		return NewSubscription(Config{Symbol: sym, Resolution: data.ResolutionMinute}, &sliceReader{}, nil, nil), nil
	}

	f := New(factory)
	ctx := context.Background()
	require.NoError(t, f.AddUniverseSubscription(ctx, uSub))

	ts1, ok, err := f.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []symbol.Symbol{aapl, msft}, ts1.SecurityChanges.Added)
	assert.Empty(t, ts1.SecurityChanges.Removed)

	ts2, ok, err := f.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, ts2.SecurityChanges.Added)
	assert.Equal(t, []symbol.Symbol{msft}, ts2.SecurityChanges.Removed, "universe dropping a symbol must remove its subscription")
}

// erroringReader fails forever, to exercise a subscription that never
// recovers alongside one that has real data to emit.
type erroringReader struct{}

func (erroringReader) Next(context.Context) (data.BaseData, bool, error) {
	return data.BaseData{}, true, fmt.Errorf("permanent read failure")
}

func TestFeed_TransientSubscriptionErrorDoesNotAbortOtherSubscriptions(t *testing.T) {
	aapl, msft := testSymbol("AAPL"), testSymbol("MSFT")
	base := time.Date(2026, 1, 2, 14, 31, 0, 0, time.UTC)

	good := NewSubscription(Config{Symbol: aapl, Resolution: data.ResolutionMinute}, &sliceReader{items: []data.BaseData{
		bar(aapl, base, 100),
	}}, nil, nil)
	bad := NewSubscription(Config{Symbol: msft, Resolution: data.ResolutionMinute}, erroringReader{}, nil, nil)

	f := New(nil)
	ctx := context.Background()
	require.NoError(t, f.AddSubscription(ctx, good))
	require.NoError(t, f.AddSubscription(ctx, bad))

	ts, ok, err := f.Next(ctx)
	require.NoError(t, err, "a failing subscription must not abort the whole merge step")
	require.True(t, ok)
	assert.Contains(t, ts.Slice.TradeBars, aapl)

	_, ok, err = f.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "the good subscription is exhausted")
	assert.True(t, f.Exhausted(), "the bad subscription deactivates after maxConsecutiveFailures instead of hanging the feed forever")
}

func TestFeed_StopsAtConfiguredEndDateUtc(t *testing.T) {
	aapl := testSymbol("AAPL")
	base := time.Date(2026, 1, 2, 14, 31, 0, 0, time.UTC)
	sub := NewSubscription(Config{Symbol: aapl, Resolution: data.ResolutionMinute}, &sliceReader{items: []data.BaseData{
		bar(aapl, base, 100),
		bar(aapl, base.Add(time.Minute), 101),
		bar(aapl, base.Add(2*time.Minute), 102),
	}}, nil, nil)

	f := New(nil)
	f.SetEndDateUtc(base.Add(time.Minute))
	ctx := context.Background()
	require.NoError(t, f.AddSubscription(ctx, sub))

	ts1, ok, err := f.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base, ts1.UtcTime)

	_, ok, err = f.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "the feed stops once the next item's time reaches endDateUtc, even with data remaining")
	assert.True(t, f.Exhausted())
}
