// Package feed implements the subscription-driven data feed of spec.md
// §4.3 (C4/C5): independent lazy Subscriptions merged into a single
// totally-ordered stream of TimeSlices. The lazy iterator is a producer
// goroutine communicating over a bounded channel (§9 "Coroutines"), not an
// exposed infinite sequence.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/scranton/synctrader/internal/data"
	"github.com/scranton/synctrader/internal/markethours"
	"github.com/scranton/synctrader/internal/offset"
	"github.com/scranton/synctrader/internal/symbol"
)

// ErrSubscriptionExhausted is returned by PeekUtc once a subscription's reader
// and fill-forward buffer are both drained.
var ErrSubscriptionExhausted = errors.New("feed: subscription exhausted")

// errSubscriptionNotReady is returned internally by PeekUtc when a pull
// produced no item this attempt without exhausting the subscription (a
// swallowed transient reader error). The feed retries such a subscription on its next call to Next, per §4.3.4.
var errSubscriptionNotReady = errors.New("feed: subscription not ready")

// maxConsecutiveFailures is the default count of unreadable reads after
// which a subscription is deactivated, per §4.3.4.
const maxConsecutiveFailures = 3

// Config is the immutable SubscriptionDataConfig of spec.md §3.
type Config struct {
	Symbol           symbol.Symbol
	Resolution       data.Resolution
	DataKind         data.Kind
	Market           string
	DataTimeZone     *time.Location
	ExchangeTimeZone *time.Location
	FillForward      bool
	ExtendedHours    bool
	IsInternalFeed   bool
	IsCustomData     bool
}

// Reader is the lazy producer contract backing a Subscription: each call
// either yields an item, reports no more data, or reports an error for this
// attempt (the subscription may retry on the next pull for live sources).
// Times on returned items are exchange-local, per the data model.
type Reader interface {
	Next(ctx context.Context) (item data.BaseData, hasMore bool, err error)
}

// ChanReader adapts a channel-based producer goroutine to the Reader
// interface, the concrete shape described in spec.md §9: disk or socket I/O
// happens off the engine thread, and items arrive over a bounded channel.
type ChanReader struct {
	Items <-chan data.BaseData
	Errs  <-chan error
	Done  <-chan struct{}
}

// Next implements Reader.
func (r ChanReader) Next(ctx context.Context) (data.BaseData, bool, error) {
	select {
	case item, ok := <-r.Items:
		if !ok {
			return data.BaseData{}, false, nil
		}
		return item, true, nil
	case err := <-r.Errs:
		return data.BaseData{}, true, err
	case <-r.Done:
		return data.BaseData{}, false, nil
	case <-ctx.Done():
		return data.BaseData{}, false, ctx.Err()
	}
}

// Subscription is a single lazy, finite, non-restartable sequence of
// BaseData for one (symbol, resolution, kind) tuple.
type Subscription struct {
	Config   Config
	Universe Universe // non-nil only for universe-selection subscriptions

	reader   Reader
	calendar *markethours.Entry
	offsets  *offset.Provider
	logger   *log.Logger

	buffer []data.BaseData // FIFO of not-yet-emitted items, earliest first

	currentEndUtc       time.Time
	haveCurrentEndUtc   bool
	lastBar             data.TradeBar
	haveLastBar         bool
	removed             bool
	exhausted           bool
	consecutiveFailures int
}

// NewSubscription constructs a Subscription. calendar and offsets may be
// nil for custom data that doesn't participate in fill-forward or needs no
// timezone conversion (items already in UTC).
func NewSubscription(cfg Config, reader Reader, calendar *markethours.Entry, offsets *offset.Provider) *Subscription {
	return &Subscription{Config: cfg, reader: reader, calendar: calendar, offsets: offsets, logger: log.Default()}
}

// Removed reports whether this subscription has been marked for removal.
func (s *Subscription) Removed() bool { return s.removed }

// Remove marks the subscription removed; it must not appear in subsequent
// slices, per §4.3.1.
func (s *Subscription) Remove() { s.removed = true }

// Exhausted reports whether the subscription's reader (and fill-forward
// buffer) are both drained.
func (s *Subscription) Exhausted() bool { return s.exhausted && len(s.buffer) == 0 }

func (s *Subscription) toUtc(local time.Time) (time.Time, error) {
	if s.offsets == nil {
		return local.UTC(), nil
	}
	return s.offsets.ConvertToUtc(local)
}

// fill refills the internal buffer from the reader, synthesizing
// fill-forward bars ahead of the next real item when the config calls for
// it. It is a no-op if the buffer is already non-empty.
//
// A reader error is logged and swallowed rather than returned: per §4.3.4
// the subscription stays active and is retried on the next step, only
// deactivating (exhausted=true) once maxConsecutiveFailures accumulate.
// An out-of-order item (one ending before the last item this subscription
// emitted) is dropped and the next item is read at once; a drop count kept
// within this call is checked against the same maxConsecutiveFailures limit,
// and reaching it deactivates the subscription, so a protocol-violating
// reader can't loop forever.
func (s *Subscription) fill(ctx context.Context) error {
	if len(s.buffer) > 0 || s.exhausted {
		return nil
	}

	for drops := 0; ; drops++ {
		item, hasMore, err := s.reader.Next(ctx)
		if err != nil {
			s.consecutiveFailures++
			s.logger.Printf("feed: subscription %s: read error (%d/%d consecutive): %v",
				s.Config.Symbol.Ticker, s.consecutiveFailures, maxConsecutiveFailures, err)
			if s.consecutiveFailures >= maxConsecutiveFailures {
				s.exhausted = true
				s.logger.Printf("feed: subscription %s: deactivated after %d consecutive failures",
					s.Config.Symbol.Ticker, maxConsecutiveFailures)
			}
			return nil
		}
		s.consecutiveFailures = 0
		if !hasMore {
			s.exhausted = true
			return nil
		}

		utcEnd, err := s.toUtc(item.EndTime())
		if err != nil {
			return fmt.Errorf("feed: subscription %s: %w", s.Config.Symbol.Ticker, err)
		}
		if s.haveCurrentEndUtc && utcEnd.Before(s.currentEndUtc) {
			s.logger.Printf("feed: subscription %s: dropping out-of-order item at %s (last emitted %s)",
				s.Config.Symbol.Ticker, utcEnd, s.currentEndUtc)
			if drops >= maxConsecutiveFailures {
				s.exhausted = true
				return nil
			}
			continue
		}

		s.synthesizeFillForward(item)
		s.buffer = append(s.buffer, item)
		if item.Kind == data.KindTradeBar {
			s.lastBar = item.TradeBar
			s.haveLastBar = true
		}
		return nil
	}
}

// synthesizeFillForward inserts fill-forward bars into the buffer for every
// tradeable instant strictly between the last seen bar and the incoming
// real item, per §4.3.1. Generated on the exchange's tradeable cadence, not
// wall-clock seconds.
func (s *Subscription) synthesizeFillForward(next data.BaseData) {
	if !s.Config.FillForward || s.calendar == nil || !s.haveLastBar {
		return
	}
	if next.Kind != data.KindTradeBar {
		return
	}
	step := s.Config.Resolution.Duration()
	if step <= 0 {
		return
	}
	const maxSynthetic = 100_000 // guards against a runaway gap; real gaps are small multiples of step
	cursor := s.lastBar.EndTime.Add(step)
	count := 0
	for cursor.Before(next.TradeBar.EndTime) && count < maxSynthetic {
		if s.calendar.IsOpen(cursor, s.Config.ExtendedHours) {
			bar := data.TradeBar{
				Symbol:        s.Config.Symbol,
				Time:          cursor.Add(-step),
				EndTime:       cursor,
				Open:          s.lastBar.Close,
				High:          s.lastBar.Close,
				Low:           s.lastBar.Close,
				Close:         s.lastBar.Close,
				Volume:        0,
				IsFillForward: true,
			}
			s.buffer = append(s.buffer, data.BaseData{Kind: data.KindTradeBar, TradeBar: bar})
			s.lastBar = bar
			count++
		}
		cursor = cursor.Add(step)
	}
}

// PeekUtc returns the UTC end time of the subscription's front item without
// consuming it, refilling the buffer from the reader as needed. It returns
// errSubscriptionNotReady (not ErrSubscriptionExhausted) when the buffer is
// empty but the subscription isn't done, so the feed knows to retry it
// rather than drop it for good.
func (s *Subscription) PeekUtc(ctx context.Context) (time.Time, error) {
	if err := s.fill(ctx); err != nil {
		return time.Time{}, err
	}
	if len(s.buffer) == 0 {
		if s.exhausted {
			return time.Time{}, ErrSubscriptionExhausted
		}
		return time.Time{}, errSubscriptionNotReady
	}
	return s.toUtc(s.buffer[0].EndTime())
}

// Pop consumes and returns the front item, advancing currentEndUtc.
// Callers must have called PeekUtc first in the same step (the feed merge
// loop always does). fill already guarantees buffered items are monotone
// relative to the last popped item, so no further ordering check is needed
// here.
func (s *Subscription) Pop() (data.BaseData, time.Time, error) {
	if len(s.buffer) == 0 {
		return data.BaseData{}, time.Time{}, ErrSubscriptionExhausted
	}
	item := s.buffer[0]
	s.buffer = s.buffer[1:]
	utcEnd, err := s.toUtc(item.EndTime())
	if err != nil {
		return data.BaseData{}, time.Time{}, err
	}
	s.currentEndUtc = utcEnd
	s.haveCurrentEndUtc = true
	return item, utcEnd, nil
}

// LastPrice returns the most recently seen trade bar's close, used by cash
// conversion-rate tracking (§4.3.3).
func (s *Subscription) LastPrice() (decimal.Decimal, bool) {
	if !s.haveLastBar {
		return decimal.Zero, false
	}
	return s.lastBar.Close, true
}

// Universe is the interface a universe-selection subscription's decoded
// items must satisfy so the feed can compute SecurityChanges between
// slices (§4.3.2 step 4).
type Universe interface {
	// Select is invoked once per universe item consumed; it returns the
	// full set of symbols that should be active going forward.
	Select(item data.BaseData) []symbol.Symbol
}
