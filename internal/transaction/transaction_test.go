package transaction

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scranton/synctrader/internal/brokerage"
	"github.com/scranton/synctrader/internal/data"
	"github.com/scranton/synctrader/internal/order"
	"github.com/scranton/synctrader/internal/portfolio"
	"github.com/scranton/synctrader/internal/symbol"
)

func aapl() symbol.Symbol {
	reg := symbol.NewRegistry()
	return symbol.Symbol{SID: symbol.NewEquity(reg, "usa", "AAPL", symbol.SecurityTypeEquity), Ticker: "AAPL"}
}

func TestHandler_Submit_AllocatesMonotonicIDs(t *testing.T) {
	b := brokerage.New(nil)
	p := portfolio.New("USD", decimal.NewFromInt(100000), nil)
	h := New(b, p, nil)
	sym := aapl()
	t0 := time.Now().UTC()

	t1 := h.Submit(order.SubmitRequest{Type: order.TypeMarket, Symbol: sym, Quantity: decimal.NewFromInt(1), UtcTime: t0})
	t2 := h.Submit(order.SubmitRequest{Type: order.TypeMarket, Symbol: sym, Quantity: decimal.NewFromInt(1), UtcTime: t0})

	assert.Equal(t, int64(1), t1.Order().ID)
	assert.Equal(t, int64(2), t2.Order().ID)
}

func TestHandler_CancelUnknownOrder_Fails(t *testing.T) {
	b := brokerage.New(nil)
	p := portfolio.New("USD", decimal.NewFromInt(100000), nil)
	h := New(b, p, nil)

	err := h.Cancel(order.CancelRequest{OrderID: 999, UtcTime: time.Now().UTC()})
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestHandler_CancelTerminalOrder_Fails(t *testing.T) {
	b := brokerage.New(nil)
	p := portfolio.New("USD", decimal.NewFromInt(100000), nil)
	h := New(b, p, nil)
	sym := aapl()
	t0 := time.Now().UTC()

	ticket := h.Submit(order.SubmitRequest{Type: order.TypeMarket, Symbol: sym, Quantity: decimal.NewFromInt(1), UtcTime: t0})
	bar := data.TradeBar{Symbol: sym, Open: decimal.NewFromInt(100), High: decimal.NewFromInt(100), Low: decimal.NewFromInt(100), Close: decimal.NewFromInt(100)}
	events := b.Scan(t0.Add(time.Minute), func(symbol.Symbol) (data.TradeBar, bool) { return bar, true }, p)
	h.ApplyEvents(events)

	require.Equal(t, order.StatusFilled, ticket.Order().Status)
	err := h.Cancel(order.CancelRequest{OrderID: ticket.Order().ID, UtcTime: t0.Add(time.Minute)})
	assert.ErrorIs(t, err, ErrTerminalOrder)
}

func TestHandler_ApplyEvents_UpdatesPortfolioOnFill(t *testing.T) {
	b := brokerage.New(nil)
	p := portfolio.New("USD", decimal.NewFromInt(100000), nil)
	h := New(b, p, nil)
	sym := aapl()
	t0 := time.Now().UTC()

	ticket := h.Submit(order.SubmitRequest{Type: order.TypeMarket, Symbol: sym, Quantity: decimal.NewFromInt(10), UtcTime: t0})
	bar := data.TradeBar{Symbol: sym, Open: decimal.NewFromInt(150), High: decimal.NewFromInt(150), Low: decimal.NewFromInt(150), Close: decimal.NewFromInt(150)}
	events := b.Scan(t0.Add(time.Minute), func(symbol.Symbol) (data.TradeBar, bool) { return bar, true }, p)
	h.ApplyEvents(events)

	assert.Equal(t, order.StatusFilled, ticket.Order().Status)
	h2, ok := p.Holding(sym)
	require.True(t, ok)
	assert.True(t, h2.Quantity.Equal(decimal.NewFromInt(10)))
}
