// Package data defines the BaseData tagged-sum type and its typed views,
// replacing the deep-inheritance BaseData/subclass hierarchy described in
// spec.md §9 with a single sum type plus a small accessor interface. No
// runtime type-reflection is used anywhere in this package.
package data

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/scranton/synctrader/internal/symbol"
)

// Kind tags which variant of BaseData a value holds.
type Kind uint8

// BaseData variants.
const (
	KindTick Kind = iota
	KindTradeBar
	KindQuoteBar
	KindSplit
	KindDividend
	KindDelisting
	KindSymbolChanged
	KindOptionChain
	KindCustom
)

// Resolution is the subscription cadence.
type Resolution uint8

// Supported resolutions, finest to coarsest.
const (
	ResolutionTick Resolution = iota
	ResolutionSecond
	ResolutionMinute
	ResolutionHour
	ResolutionDaily
)

// Duration returns the bar width for fixed-cadence resolutions; zero for
// Tick, which has no fixed width.
func (r Resolution) Duration() time.Duration {
	switch r {
	case ResolutionSecond:
		return time.Second
	case ResolutionMinute:
		return time.Minute
	case ResolutionHour:
		return time.Hour
	case ResolutionDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// TickType distinguishes trade prints from quote updates within the Tick
// variant.
type TickType uint8

// Tick types.
const (
	TickTypeTrade TickType = iota
	TickTypeQuote
)

// Tick is a single trade or quote print.
type Tick struct {
	Symbol    symbol.Symbol
	Time      time.Time // exchange-local
	EndTime   time.Time
	Type      TickType
	Price     decimal.Decimal
	Quantity  int64
	Exchange  string
	Suspicious bool
}

// TradeBar is an OHLCV bar for one (symbol, resolution) over [Time, EndTime).
type TradeBar struct {
	Symbol       symbol.Symbol
	Time         time.Time
	EndTime      time.Time
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       int64
	IsFillForward bool
}

// QuoteBar is a bid/ask OHLC bar for one (symbol, resolution).
type QuoteBar struct {
	Symbol        symbol.Symbol
	Time          time.Time
	EndTime       time.Time
	BidOpen       decimal.Decimal
	BidHigh       decimal.Decimal
	BidLow        decimal.Decimal
	BidClose      decimal.Decimal
	BidSize       int64
	AskOpen       decimal.Decimal
	AskHigh       decimal.Decimal
	AskLow        decimal.Decimal
	AskClose      decimal.Decimal
	AskSize       int64
	IsFillForward bool
}

// Mid returns the midpoint of the closing bid/ask.
func (q QuoteBar) Mid() decimal.Decimal {
	return q.BidClose.Add(q.AskClose).Div(decimal.NewFromInt(2))
}

// Split is a corporate-action stock split.
type Split struct {
	Symbol    symbol.Symbol
	Time      time.Time
	EndTime   time.Time
	SplitFactor decimal.Decimal
	ReferencePrice decimal.Decimal
}

// Dividend is a corporate-action cash dividend.
type Dividend struct {
	Symbol         symbol.Symbol
	Time           time.Time
	EndTime        time.Time
	DistributionAmount decimal.Decimal
	ReferencePrice decimal.Decimal
}

// Delisting marks a symbol as removed from trading.
type Delisting struct {
	Symbol  symbol.Symbol
	Time    time.Time
	EndTime time.Time
}

// SymbolChanged records a ticker remapping for a stable SID (equity map
// files, per §4.3.4).
type SymbolChanged struct {
	Symbol    symbol.Symbol
	Time      time.Time
	EndTime   time.Time
	OldTicker string
	NewTicker string
}

// OptionChain aggregates every contract on one underlying observed at a
// single instant. Contracts map canonical-option-grouped individual
// contract symbols to their last-seen quote; PriceModel is a lazily
// evaluated closure so the (relatively expensive) theoretical price is
// only computed if the algorithm asks for it.
type OptionChain struct {
	Underlying symbol.Symbol
	Time       time.Time
	EndTime    time.Time
	Contracts  map[symbol.Symbol]OptionContract
}

// OptionContract is one leg of an OptionChain.
type OptionContract struct {
	Symbol     symbol.Symbol
	Bid, Ask   decimal.Decimal
	LastPrice  decimal.Decimal
	PriceModel func() decimal.Decimal
}

// Custom wraps a user-registered payload; the decoder that produced it is
// the only place that understands Payload's concrete type, matching the
// "opaque payload with a registered decoder" design note in spec.md §9.
type Custom struct {
	Symbol  symbol.Symbol
	Time    time.Time
	EndTime time.Time
	Value   decimal.Decimal
	Payload any
}

// BaseData is the tagged sum. Exactly one of the Tick/Bar/... fields is
// meaningful, selected by Kind. Accessors below read through Kind so
// callers never need a type switch on the zero-valued fields.
type BaseData struct {
	Kind Kind

	Tick          Tick
	TradeBar      TradeBar
	QuoteBar      QuoteBar
	Split         Split
	Dividend      Dividend
	Delisting     Delisting
	SymbolChanged SymbolChanged
	OptionChain   OptionChain
	Custom        Custom
}

// Symbol returns the instrument identity carried by whichever variant is
// populated.
func (d BaseData) Symbol() symbol.Symbol {
	switch d.Kind {
	case KindTick:
		return d.Tick.Symbol
	case KindTradeBar:
		return d.TradeBar.Symbol
	case KindQuoteBar:
		return d.QuoteBar.Symbol
	case KindSplit:
		return d.Split.Symbol
	case KindDividend:
		return d.Dividend.Symbol
	case KindDelisting:
		return d.Delisting.Symbol
	case KindSymbolChanged:
		return d.SymbolChanged.Symbol
	case KindOptionChain:
		return d.OptionChain.Underlying
	default:
		return d.Custom.Symbol
	}
}

// EndTime returns the exchange-local instant at which this item is "known"
// (spec.md §3).
func (d BaseData) EndTime() time.Time {
	switch d.Kind {
	case KindTick:
		return d.Tick.EndTime
	case KindTradeBar:
		return d.TradeBar.EndTime
	case KindQuoteBar:
		return d.QuoteBar.EndTime
	case KindSplit:
		return d.Split.EndTime
	case KindDividend:
		return d.Dividend.EndTime
	case KindDelisting:
		return d.Delisting.EndTime
	case KindSymbolChanged:
		return d.SymbolChanged.EndTime
	case KindOptionChain:
		return d.OptionChain.EndTime
	default:
		return d.Custom.EndTime
	}
}

// Time returns the start instant of whichever variant is populated.
func (d BaseData) Time() time.Time {
	switch d.Kind {
	case KindTick:
		return d.Tick.Time
	case KindTradeBar:
		return d.TradeBar.Time
	case KindQuoteBar:
		return d.QuoteBar.Time
	case KindSplit:
		return d.Split.Time
	case KindDividend:
		return d.Dividend.Time
	case KindDelisting:
		return d.Delisting.Time
	case KindSymbolChanged:
		return d.SymbolChanged.Time
	case KindOptionChain:
		return d.OptionChain.Time
	default:
		return d.Custom.Time
	}
}

// IsAuxiliary reports whether this item is a corporate-action/auxiliary
// event rather than regular market data (used by the TimeSlice invariant in
// §3: auxiliary items are exempt from the endTime==utcTime equality check).
func (d BaseData) IsAuxiliary() bool {
	switch d.Kind {
	case KindSplit, KindDividend, KindDelisting, KindSymbolChanged:
		return true
	default:
		return false
	}
}

// Value returns a representative price for the item (close for bars, price
// for ticks, distribution amount for dividends).
func (d BaseData) Value() decimal.Decimal {
	switch d.Kind {
	case KindTick:
		return d.Tick.Price
	case KindTradeBar:
		return d.TradeBar.Close
	case KindQuoteBar:
		return d.QuoteBar.Mid()
	case KindSplit:
		return d.Split.ReferencePrice
	case KindDividend:
		return d.Dividend.DistributionAmount
	case KindCustom:
		return d.Custom.Value
	default:
		return decimal.Zero
	}
}
