package feed

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scranton/synctrader/internal/data"
	"github.com/scranton/synctrader/internal/symbol"
)

// Factory instantiates a Subscription for a symbol added by universe
// selection. The feed calls it lazily, only when a universe subscription's
// Select adds a symbol not already active, per §4.3.2 step 4.
type Factory func(sym symbol.Symbol) (*Subscription, error)

// subEntry is one slot of the feed's priority queue: a Subscription paired
// with the UTC end time of its currently peeked front item.
type subEntry struct {
	sub *Subscription
	utc time.Time
}

// subHeap is a min-heap over subEntry.utc, the core of the §4.3.2 merge
// algorithm (grounded on the virtual-clock event queue pattern used by the
// other examples' backtest engines).
type subHeap []*subEntry

func (h subHeap) Len() int            { return len(h) }
func (h subHeap) Less(i, j int) bool  { return h[i].utc.Before(h[j].utc) }
func (h subHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *subHeap) Push(x any)         { *h = append(*h, x.(*subEntry)) }
func (h *subHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Feed merges one or more Subscriptions into a single time-ordered stream of
// TimeSlices, per spec.md §4.3 (C5). It owns no I/O itself: every
// Subscription's Reader already abstracts the underlying source.
type Feed struct {
	active         map[symbol.Symbol]*Subscription
	universe       []*Subscription
	universeActive map[*Subscription]map[symbol.Symbol]bool // per-universe-subscription active set, for add/remove diffing
	cashSymbols    map[string]symbol.Symbol                  // currency code -> tracking symbol
	factory        Factory
	pq             subHeap
	pending        []*Subscription // active subscriptions skipped this step (§4.3.4), retried on the next Next call

	endDateUtc time.Time
	haveEnd    bool
	done       bool // set once the configured endDateUtc has been reached
}

// New constructs an empty Feed. factory may be nil if no universe-selection
// subscription will be added.
func New(factory Factory) *Feed {
	f := &Feed{
		active:         make(map[symbol.Symbol]*Subscription),
		universeActive: make(map[*Subscription]map[symbol.Symbol]bool),
		cashSymbols:    make(map[string]symbol.Symbol),
		factory:        factory,
	}
	heap.Init(&f.pq)
	return f
}

// SetEndDateUtc clamps the feed to stop producing slices once the earliest
// pending item's time reaches t, per §4.3.2 step 2/6 ("T ... clamped to the
// configured algorithm.endDateUtc" / "T reaches endDateUtc"). A zero t
// leaves the feed unclamped (the default).
func (f *Feed) SetEndDateUtc(t time.Time) {
	if t.IsZero() {
		f.haveEnd = false
		return
	}
	f.endDateUtc = t
	f.haveEnd = true
}

// AddSubscription activates a regular (non-universe) subscription.
func (f *Feed) AddSubscription(ctx context.Context, sub *Subscription) error {
	f.active[sub.Config.Symbol] = sub
	return f.pushIfReady(ctx, sub)
}

// AddUniverseSubscription activates a subscription whose items drive
// dynamic membership, per §4.3.2 step 4.
func (f *Feed) AddUniverseSubscription(ctx context.Context, sub *Subscription) error {
	f.universe = append(f.universe, sub)
	return f.pushIfReady(ctx, sub)
}

// TrackCashSymbol registers the symbol whose last trade price should be
// surfaced as a CashUpdate for the given currency code (§4.3.3).
func (f *Feed) TrackCashSymbol(currencyCode string, sym symbol.Symbol) {
	f.cashSymbols[currencyCode] = sym
}

// pushIfReady peeks sub's front item and either pushes it onto the merge
// heap, drops it for good (ErrSubscriptionExhausted), or parks it on the
// pending list to retry on the feed's next Next call (errSubscriptionNotReady).
func (f *Feed) pushIfReady(ctx context.Context, sub *Subscription) error {
	utc, err := sub.PeekUtc(ctx)
	switch {
	case err == nil:
		heap.Push(&f.pq, &subEntry{sub: sub, utc: utc})
		return nil
	case errors.Is(err, ErrSubscriptionExhausted):
		return nil
	case errors.Is(err, errSubscriptionNotReady):
		f.pending = append(f.pending, sub)
		return nil
	default:
		return err
	}
}

// retryPending attempts one pushIfReady pass over every subscription parked
// on the pending list, per §4.3.4's "keep it active, retry on the next
// step". Subscriptions still not ready land back on pending for the call
// after that.
func (f *Feed) retryPending(ctx context.Context) error {
	if len(f.pending) == 0 {
		return nil
	}
	retry := f.pending
	f.pending = nil
	for _, sub := range retry {
		if err := f.pushIfReady(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

// Exhausted reports whether every subscription has been fully consumed (or
// the configured endDateUtc has been reached).
func (f *Feed) Exhausted() bool {
	return f.done || (f.pq.Len() == 0 && len(f.pending) == 0)
}

// Next pulls the next TimeSlice from the merged stream. It returns
// (nil, false, nil) once every subscription is drained or endDateUtc is
// reached; it also returns (nil, false, nil) when nothing is ready yet but
// pending subscriptions remain (the caller should call Next again).
func (f *Feed) Next(ctx context.Context) (*data.TimeSlice, bool, error) {
	if f.done {
		return nil, false, nil
	}
	if err := f.retryPending(ctx); err != nil {
		return nil, false, err
	}
	if f.pq.Len() == 0 {
		return nil, false, nil
	}

	minUtc := f.pq[0].utc
	if f.haveEnd && !minUtc.Before(f.endDateUtc) {
		f.done = true
		return nil, false, nil
	}

	slice := data.NewSlice(minUtc)
	ts := &data.TimeSlice{UtcTime: minUtc, Slice: slice}

	for f.pq.Len() > 0 && !f.pq[0].utc.After(minUtc) {
		entry := heap.Pop(&f.pq).(*subEntry)
		item, _, err := entry.sub.Pop()
		if err != nil {
			return nil, false, fmt.Errorf("feed: %w", err)
		}

		switch {
		case entry.sub.Universe != nil:
			newSet := entry.sub.Universe.Select(item)
			added, removed := f.diffUniverse(entry.sub, newSet)
			if err := f.applySecurityChanges(ctx, ts, added, removed); err != nil {
				return nil, false, err
			}
		case !entry.sub.Removed():
			slice.Add(item)
			ts.Count++
			f.recordUpdate(ts, item)
		}

		if err := f.pushIfReady(ctx, entry.sub); err != nil {
			return nil, false, err
		}
	}

	return ts, true, nil
}

// diffUniverse compares newSet (the full set Universe.Select says should be
// active) against sub's previously recorded active set, returning the
// symbols newly added and those no longer present, per §4.3.2 step 4.
func (f *Feed) diffUniverse(sub *Subscription, newSet []symbol.Symbol) (added, removed []symbol.Symbol) {
	next := make(map[symbol.Symbol]bool, len(newSet))
	prev := f.universeActive[sub]
	for _, sym := range newSet {
		next[sym] = true
		if !prev[sym] {
			added = append(added, sym)
		}
	}
	for sym := range prev {
		if !next[sym] {
			removed = append(removed, sym)
		}
	}
	f.universeActive[sub] = next
	return added, removed
}

// recordUpdate appends a CashUpdate/SecurityUpdate if item carries a fresh
// last price tracked by the feed (§4.3.3).
func (f *Feed) recordUpdate(ts *data.TimeSlice, item data.BaseData) {
	switch item.Kind {
	case data.KindTradeBar, data.KindQuoteBar, data.KindTick:
	default:
		return
	}
	sym := item.Symbol()
	price := item.Value()
	ts.SecurityUpdates = append(ts.SecurityUpdates, data.SecurityUpdate{Symbol: sym, LastPrice: price})
	for code, trackedSym := range f.cashSymbols {
		if trackedSym.Equal(sym) {
			ts.CashUpdates = append(ts.CashUpdates, data.CashUpdate{CurrencyCode: code, LastPrice: price})
		}
	}
}

// applySecurityChanges instantiates newly added symbols via the factory and
// marks removed symbols' subscriptions for removal, recording the net
// change on ts per §4.3.2 step 4.
func (f *Feed) applySecurityChanges(ctx context.Context, ts *data.TimeSlice, added, removed []symbol.Symbol) error {
	for _, sym := range added {
		if _, ok := f.active[sym]; ok {
			continue
		}
		if f.factory == nil {
			return fmt.Errorf("feed: universe selection added %s but no subscription factory is configured", sym.Ticker)
		}
		sub, err := f.factory(sym)
		if err != nil {
			return fmt.Errorf("feed: activating %s: %w", sym.Ticker, err)
		}
		if err := f.AddSubscription(ctx, sub); err != nil {
			return err
		}
		ts.SecurityChanges.Added = append(ts.SecurityChanges.Added, sym)
	}
	for _, sym := range removed {
		if sub, ok := f.active[sym]; ok {
			sub.Remove()
			delete(f.active, sym)
			ts.SecurityChanges.Removed = append(ts.SecurityChanges.Removed, sym)
		}
	}
	return nil
}
