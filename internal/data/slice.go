package data

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/scranton/synctrader/internal/symbol"
)

// Slice is the typed, per-symbol view over the BaseData gathered for a
// single instant. Ticks accepts multiple per symbol (feed order preserved);
// TradeBars/QuoteBars keep the last value per symbol, per §4.3.3.
type Slice struct {
	Time          time.Time
	Ticks         map[symbol.Symbol][]Tick
	TradeBars     map[symbol.Symbol]TradeBar
	QuoteBars     map[symbol.Symbol]QuoteBar
	Splits        map[symbol.Symbol]Split
	Dividends     map[symbol.Symbol]Dividend
	Delistings    map[symbol.Symbol]Delisting
	SymbolChanges map[symbol.Symbol]SymbolChanged
	OptionChains  map[symbol.Symbol]OptionChain
	Custom        map[symbol.Symbol]Custom
}

// NewSlice returns an empty Slice ready for population.
func NewSlice(t time.Time) *Slice {
	return &Slice{
		Time:          t,
		Ticks:         make(map[symbol.Symbol][]Tick),
		TradeBars:     make(map[symbol.Symbol]TradeBar),
		QuoteBars:     make(map[symbol.Symbol]QuoteBar),
		Splits:        make(map[symbol.Symbol]Split),
		Dividends:     make(map[symbol.Symbol]Dividend),
		Delistings:    make(map[symbol.Symbol]Delisting),
		SymbolChanges: make(map[symbol.Symbol]SymbolChanged),
		OptionChains:  make(map[symbol.Symbol]OptionChain),
		Custom:        make(map[symbol.Symbol]Custom),
	}
}

// Add buckets one BaseData item into its typed view. Last-write-wins for
// single-value views (TradeBars, QuoteBars, ...); Ticks appends, preserving
// arrival order.
func (s *Slice) Add(item BaseData) {
	sym := item.Symbol()
	switch item.Kind {
	case KindTick:
		s.Ticks[sym] = append(s.Ticks[sym], item.Tick)
	case KindTradeBar:
		s.TradeBars[sym] = item.TradeBar
	case KindQuoteBar:
		s.QuoteBars[sym] = item.QuoteBar
	case KindSplit:
		s.Splits[sym] = item.Split
	case KindDividend:
		s.Dividends[sym] = item.Dividend
	case KindDelisting:
		s.Delistings[sym] = item.Delisting
	case KindSymbolChanged:
		s.SymbolChanges[sym] = item.SymbolChanged
	case KindOptionChain:
		s.mergeOptionChain(item.OptionChain)
	case KindCustom:
		s.Custom[sym] = item.Custom
	}
}

// mergeOptionChain folds an incoming single-contract chain fragment into
// the accumulated chain keyed by its canonical underlying symbol (§4.3.3:
// "aggregate individual contracts under a canonical option chain").
func (s *Slice) mergeOptionChain(fragment OptionChain) {
	existing, ok := s.OptionChains[fragment.Underlying]
	if !ok {
		existing = OptionChain{
			Underlying: fragment.Underlying,
			Time:       fragment.Time,
			EndTime:    fragment.EndTime,
			Contracts:  make(map[symbol.Symbol]OptionContract),
		}
	}
	for sym, c := range fragment.Contracts {
		existing.Contracts[sym] = c
	}
	s.OptionChains[fragment.Underlying] = existing
}

// HasData reports whether anything was added to this slice.
func (s *Slice) HasData() bool {
	return len(s.Ticks) > 0 || len(s.TradeBars) > 0 || len(s.QuoteBars) > 0 ||
		len(s.Splits) > 0 || len(s.Dividends) > 0 || len(s.Delistings) > 0 ||
		len(s.SymbolChanges) > 0 || len(s.OptionChains) > 0 || len(s.Custom) > 0
}

// CashUpdate is a conversion-security price observation carried alongside a
// TimeSlice for the portfolio's cash book to consume (§4.3.3).
type CashUpdate struct {
	CurrencyCode string
	LastPrice    decimal.Decimal
}

// SecurityUpdate carries a fresh last price for a subscribed security.
type SecurityUpdate struct {
	Symbol    symbol.Symbol
	LastPrice decimal.Decimal
}

// SecurityChanges records additions/removals produced by universe
// selection between slices (§4.3.2 step 4).
type SecurityChanges struct {
	Added   []symbol.Symbol
	Removed []symbol.Symbol
}

// IsEmpty reports whether no universe selection changes occurred.
func (c SecurityChanges) IsEmpty() bool { return len(c.Added) == 0 && len(c.Removed) == 0 }

// TimeSlice is the feed's unit of output: a Slice plus the engine's
// precomputed update vectors, keyed at a single UTC instant (§3).
type TimeSlice struct {
	UtcTime         time.Time
	Count           int
	Slice           *Slice
	CashUpdates     []CashUpdate
	SecurityUpdates []SecurityUpdate
	SecurityChanges SecurityChanges
}
