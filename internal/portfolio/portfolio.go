// Package portfolio implements the aggregate holdings and cash book of
// spec.md §4.6/§4.9 (C9), plus the margin model hook consulted by the
// simulated brokerage before a fill is granted. It is mutated exclusively
// by the transaction handler's single goroutine; everything else reads a
// Snapshot.
package portfolio

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/scranton/synctrader/internal/symbol"
)

// Holding is one symbol's current position.
type Holding struct {
	Symbol        symbol.Symbol
	Quantity      decimal.Decimal // signed
	AveragePrice  decimal.Decimal
	MarketPrice   decimal.Decimal
}

// UnrealizedPnl returns (marketPrice - averagePrice) * quantity.
func (h Holding) UnrealizedPnl() decimal.Decimal {
	return h.MarketPrice.Sub(h.AveragePrice).Mul(h.Quantity)
}

// MarketValue returns marketPrice * quantity.
func (h Holding) MarketValue() decimal.Decimal {
	return h.MarketPrice.Mul(h.Quantity)
}

// Cash is one currency's balance plus the conversion rate the portfolio
// should apply to translate it into the account's base currency.
type Cash struct {
	CurrencyCode     string
	Amount           decimal.Decimal
	ConversionRate   decimal.Decimal
	SecuritySymbol   *symbol.Symbol // conversion security, nil for base currency
}

// ValueInBaseCurrency returns Amount * ConversionRate.
func (c Cash) ValueInBaseCurrency() decimal.Decimal {
	return c.Amount.Mul(c.ConversionRate)
}

// MarginModel computes whether a prospective order is affordable given the
// current portfolio state. Implementations may consult leverage,
// maintenance margin, etc.; the default below is a simple cash-sufficiency
// check suitable for a cash account.
type MarginModel interface {
	// HasSufficientBuyingPower returns true (and no error) if placing an
	// order of the given notional is affordable.
	HasSufficientBuyingPower(p *Portfolio, notional decimal.Decimal) (bool, error)
}

// CashMarginModel requires the full notional to be covered by available
// base-currency cash; no leverage.
type CashMarginModel struct{}

// HasSufficientBuyingPower implements MarginModel.
func (CashMarginModel) HasSufficientBuyingPower(p *Portfolio, notional decimal.Decimal) (bool, error) {
	return p.TotalCashValue().GreaterThanOrEqual(notional), nil
}

// Portfolio is the account's holdings and multi-currency cash book.
type Portfolio struct {
	mu           sync.RWMutex
	baseCurrency string
	holdings     map[symbol.Symbol]*Holding
	cash         map[string]*Cash
	margin       MarginModel
}

// New constructs a Portfolio seeded with baseCurrency cash of the given
// amount.
func New(baseCurrency string, startingCash decimal.Decimal, margin MarginModel) *Portfolio {
	if margin == nil {
		margin = CashMarginModel{}
	}
	p := &Portfolio{
		baseCurrency: baseCurrency,
		holdings:     make(map[symbol.Symbol]*Holding),
		cash:         make(map[string]*Cash),
		margin:       margin,
	}
	p.cash[baseCurrency] = &Cash{CurrencyCode: baseCurrency, Amount: startingCash, ConversionRate: decimal.NewFromInt(1)}
	return p
}

// Snapshot is an immutable, safe-to-share copy of portfolio state for
// readers outside the transaction-handler goroutine.
type Snapshot struct {
	Holdings map[symbol.Symbol]Holding
	Cash     map[string]Cash
	BaseCurrency string
}

// Snapshot returns a deep copy of the current state.
func (p *Portfolio) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap := Snapshot{
		Holdings:     make(map[symbol.Symbol]Holding, len(p.holdings)),
		Cash:         make(map[string]Cash, len(p.cash)),
		BaseCurrency: p.baseCurrency,
	}
	for sym, h := range p.holdings {
		snap.Holdings[sym] = *h
	}
	for code, c := range p.cash {
		snap.Cash[code] = *c
	}
	return snap
}

// EnsureCash registers a currency entry if one doesn't exist yet, optionally
// tied to a conversion security.
func (p *Portfolio) EnsureCash(currencyCode string, conversionSecurity *symbol.Symbol) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cash[currencyCode]; ok {
		return
	}
	rate := decimal.NewFromInt(1)
	if currencyCode != p.baseCurrency {
		rate = decimal.Zero // unknown until the first conversion-security price arrives
	}
	p.cash[currencyCode] = &Cash{CurrencyCode: currencyCode, ConversionRate: rate, SecuritySymbol: conversionSecurity}
}

// UpdateConversionRate applies a fresh last-trade price from a currency's
// conversion security (§3 Cash, §4.8 step 4).
func (p *Portfolio) UpdateConversionRate(currencyCode string, rate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cash[currencyCode]
	if !ok {
		return
	}
	c.ConversionRate = rate
}

// UpdateMarketPrice refreshes a holding's mark for unrealized P&L
// computation (§4.8 step 4). A no-op if the symbol has no holding.
func (p *Portfolio) UpdateMarketPrice(sym symbol.Symbol, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.holdings[sym]; ok {
		h.MarketPrice = price
	}
}

// TotalCashValue returns the sum, in base currency, of every cash entry.
func (p *Portfolio) TotalCashValue() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := decimal.Zero
	for _, c := range p.cash {
		total = total.Add(c.ValueInBaseCurrency())
	}
	return total
}

// TotalHoldingsValue returns the sum of every holding's market value.
func (p *Portfolio) TotalHoldingsValue() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := decimal.Zero
	for _, h := range p.holdings {
		total = total.Add(h.MarketValue())
	}
	return total
}

// TotalValue returns cash + holdings, the invariant checked by testable
// property 5 in spec.md §8.
func (p *Portfolio) TotalValue() decimal.Decimal {
	return p.TotalCashValue().Add(p.TotalHoldingsValue())
}

// HasSufficientBuyingPower delegates to the configured margin model.
func (p *Portfolio) HasSufficientBuyingPower(notional decimal.Decimal) (bool, error) {
	return p.margin.HasSufficientBuyingPower(p, notional)
}

// ApplyFill updates holdings and cash for a fill of `quantity` (signed,
// positive=buy) at `price`, charging `fee` against base-currency cash.
// Implements the weighted-average-cost and sign-reversal rules of §4.6:
// a fill that flips a position's sign closes the prior quantity at the
// fill price (realizing its P&L) and opens the remainder at the same
// price.
func (p *Portfolio) ApplyFill(sym symbol.Symbol, quantity, price, fee decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cashDelta := price.Mul(quantity).Neg().Sub(fee)
	base := p.cash[p.baseCurrency]
	base.Amount = base.Amount.Add(cashDelta)

	h, exists := p.holdings[sym]
	if !exists {
		if quantity.IsZero() {
			return
		}
		p.holdings[sym] = &Holding{Symbol: sym, Quantity: quantity, AveragePrice: price, MarketPrice: price}
		return
	}

	newQty := h.Quantity.Add(quantity)
	switch {
	case h.Quantity.Sign() == 0:
		h.AveragePrice = price
		h.Quantity = newQty
	case sameSign(h.Quantity, newQty) || newQty.IsZero():
		// Same-direction add, or fully closing: weighted-average cost is
		// only meaningful while adding in the same direction; a full
		// close just needs quantity to hit zero.
		if sameSignAdd(h.Quantity, quantity) {
			totalCost := h.AveragePrice.Mul(h.Quantity).Add(price.Mul(quantity))
			h.AveragePrice = totalCost.Div(newQty)
		}
		h.Quantity = newQty
	default:
		// Sign reversal: close the old position at the fill price (its
		// realized P&L is captured by the cash delta above, which used
		// the fill price uniformly) and open the opposite position for
		// the remainder at the same fill price.
		h.AveragePrice = price
		h.Quantity = newQty
	}
	h.MarketPrice = price

	if h.Quantity.IsZero() {
		delete(p.holdings, sym)
	}
}

func sameSign(a, b decimal.Decimal) bool {
	return a.Sign() == b.Sign() && a.Sign() != 0
}

func sameSignAdd(existing, delta decimal.Decimal) bool {
	return existing.Sign() == delta.Sign()
}

// Holding returns a copy of the current holding for sym, or false if none.
func (p *Portfolio) Holding(sym symbol.Symbol) (Holding, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.holdings[sym]
	if !ok {
		return Holding{}, false
	}
	return *h, true
}
