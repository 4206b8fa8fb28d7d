// Package offset answers "what is the UTC->local tick offset at instant t"
// for a single named time zone, amortized O(1) for callers that query in
// monotone forward order. It is the low-level machinery behind exchange
// time-zone conversion; see internal/markethours for the calendar layer
// built on top of it.
package offset

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrQueryBeforeWindow is returned when a caller queries strictly before the
// provider's initialization window. Per the offset contract, backward
// queries are undefined; this is the one case the provider can detect and
// refuses rather than silently misreporting.
var ErrQueryBeforeWindow = errors.New("offset: query before initialized window")

// maxTime mirrors the source clock's "end of time" sentinel: once the
// discontinuity queue is drained, every later instant uses the last known
// offset (documented in the provider contract, tests must not assume a
// particular future offset beyond the initialized window).
var maxTime = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Provider answers GetOffset queries for a single IANA zone across a bounded
// UTC window. Not thread-safe: one instance per consumer, per §4.1.
type Provider struct {
	location *time.Location

	discontinuities []time.Time // FIFO, ascending
	next            int         // index of the next unconsumed discontinuity

	currentOffset      time.Duration
	nextDiscontinuity  time.Time
	windowStart        time.Time
	lastQueried        time.Time
	haveLastQueried    bool
}

// New constructs a Provider for zoneID covering [utcStart, utcEnd]. It loads
// every zone transition in that range (extended by two years, matching the
// source engine's lookahead so DST flips near the window edge are caught
// before they're needed) and primes the first offset.
func New(zoneID string, utcStart, utcEnd time.Time) (*Provider, error) {
	loc, err := time.LoadLocation(zoneID)
	if err != nil {
		return nil, fmt.Errorf("offset: loading zone %q: %w", zoneID, err)
	}
	lookaheadEnd := utcEnd.AddDate(2, 0, 0)

	p := &Provider{
		location:    loc,
		windowStart: utcStart,
	}
	discs, err := cachedDiscontinuities(zoneID, loc, utcStart, lookaheadEnd)
	if err != nil {
		return nil, err
	}
	p.discontinuities = discs
	p.popNext()
	p.currentOffset = offsetAt(loc, p.nextDiscontinuity.Add(-1))
	return p, nil
}

// discontinuityCache memoizes findDiscontinuities by (zoneID, start, end):
// many securities sharing an exchange time zone construct a Provider over
// the same backtest window at startup, and the day-stride scan below is the
// one non-trivial cost in this package. discontinuityGroup collapses
// concurrent callers for the same key into a single scan (the teacher has
// no equivalent — this is adopted from the rest of the example pack's use
// of golang.org/x/sync/singleflight for request collapsing, see DESIGN.md).
var (
	discontinuityGroup singleflight.Group
	discontinuityCache sync.Map // key: string -> []time.Time
)

func discontinuityKey(zoneID string, start, end time.Time) string {
	return fmt.Sprintf("%s|%d|%d", zoneID, start.UnixNano(), end.UnixNano())
}

func cachedDiscontinuities(zoneID string, loc *time.Location, start, end time.Time) ([]time.Time, error) {
	key := discontinuityKey(zoneID, start, end)
	if v, ok := discontinuityCache.Load(key); ok {
		return v.([]time.Time), nil
	}
	v, err, _ := discontinuityGroup.Do(key, func() (interface{}, error) {
		if v, ok := discontinuityCache.Load(key); ok {
			return v.([]time.Time), nil
		}
		discs := findDiscontinuities(loc, start, end)
		discontinuityCache.Store(key, discs)
		return discs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]time.Time), nil
}

// findDiscontinuities scans forward for instants where the zone's offset
// changes. Go's time package does not expose a zone transition table
// directly (see DESIGN.md), so this walks the window in day-sized strides
// and bisects across any stride where the offset changed, which is cheap
// relative to a single backtest run and only happens once at construction.
func findDiscontinuities(loc *time.Location, start, end time.Time) []time.Time {
	var out []time.Time
	if !end.After(start) {
		return out
	}
	const stride = 24 * time.Hour
	prevOffset := offsetAt(loc, start)
	for t := start; t.Before(end); t = t.Add(stride) {
		next := t.Add(stride)
		if next.After(end) {
			next = end
		}
		nextOffset := offsetAt(loc, next)
		if nextOffset != prevOffset {
			out = append(out, bisectTransition(loc, t, next, prevOffset))
			prevOffset = nextOffset
		}
	}
	return out
}

// bisectTransition narrows [lo, hi) — known to straddle a single offset
// change — down to the minute-resolution instant where the new offset
// first applies.
func bisectTransition(loc *time.Location, lo, hi time.Time, loOffset time.Duration) time.Time {
	for hi.Sub(lo) > time.Minute {
		mid := lo.Add(hi.Sub(lo) / 2)
		if offsetAt(loc, mid) == loOffset {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}

func offsetAt(loc *time.Location, utc time.Time) time.Duration {
	_, offsetSeconds := utc.In(loc).Zone()
	return time.Duration(offsetSeconds) * time.Second
}

func (p *Provider) popNext() {
	if p.next >= len(p.discontinuities) {
		p.nextDiscontinuity = maxTime
		return
	}
	p.nextDiscontinuity = p.discontinuities[p.next]
	p.next++
}

// GetOffset returns the UTC->local offset effective at t. Callers must
// query in monotone non-decreasing UTC order; querying backward across a
// previously-crossed discontinuity is undefined per §4.1 and returns
// ErrQueryBeforeWindow when t precedes the initialized window entirely.
func (p *Provider) GetOffset(t time.Time) (time.Duration, error) {
	if t.Before(p.windowStart) {
		return 0, fmt.Errorf("%w: %s before %s", ErrQueryBeforeWindow, t, p.windowStart)
	}
	for !t.Before(p.nextDiscontinuity) {
		p.popNext()
		if p.nextDiscontinuity.Equal(maxTime) {
			p.currentOffset = offsetAt(p.location, t)
			break
		}
		p.currentOffset = offsetAt(p.location, p.nextDiscontinuity.Add(-1))
	}
	p.lastQueried = t
	p.haveLastQueried = true
	return p.currentOffset, nil
}

// ConvertFromUtc converts a UTC instant to the provider's local zone.
func (p *Provider) ConvertFromUtc(t time.Time) (time.Time, error) {
	off, err := p.GetOffset(t)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(off), nil
}

// ConvertToUtc converts a local-zone instant back to UTC. Because the
// offset query itself is keyed on UTC, this looks the offset up once, at
// the caller-supplied local reading taken as a UTC instant, and subtracts
// it. The result is off by the DST shift for local times that lie within
// the zone's UTC offset after a transition (for America/New_York, the early
// morning hours of a DST change day) and exact elsewhere, including
// throughout regular exchange hours.
func (p *Provider) ConvertToUtc(local time.Time) (time.Time, error) {
	off, err := p.GetOffset(local.Add(0))
	if err != nil {
		return time.Time{}, err
	}
	return local.Add(-off), nil
}
