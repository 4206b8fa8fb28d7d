// Package scheduler implements the date-rule x time-rule event scheduler of
// spec.md §4.4 (C6): events are expanded up front into a sorted queue of
// (utcFireTime, callback) pairs and drained in FIFO order as the engine
// clock advances, the same "expand once, drain per step" shape as the
// feed's merge queue in internal/feed.
package scheduler

import (
	"container/heap"
	"fmt"
	"log"
	"os"
	"time"
)

// DateRule maps a [start, end] exchange-local window to the sorted dates an
// event should fire on.
type DateRule func(start, end time.Time) []time.Time

// TimeRule maps a single exchange-local date to the UTC instants an event
// fires at that day.
type TimeRule func(date time.Time) []time.Time

// Callback is invoked synchronously on the engine thread when its fire time
// is reached.
type Callback func(utcTime time.Time) error

// EveryDay is a DateRule that fires on every calendar day in the window.
func EveryDay(start, end time.Time) []time.Time {
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// TradingDays adapts a market-hours calendar's TradingDays query into a
// DateRule.
func TradingDays(days func(start, end time.Time) []time.Time) DateRule {
	return days
}

// MonthStart is a DateRule that fires once on the first day of each month
// in the window.
func MonthStart(start, end time.Time) []time.Time {
	var out []time.Time
	for d := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, start.Location()); !d.After(end); d = d.AddDate(0, 1, 0) {
		if !d.Before(start) {
			out = append(out, d)
		}
	}
	return out
}

// AtTime is a TimeRule that fires once per date at the given exchange-local
// hour:minute, converted to UTC by toUtc.
func AtTime(hour, minute int, toUtc func(time.Time) (time.Time, error)) TimeRule {
	return func(date time.Time) []time.Time {
		local := time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, date.Location())
		utc, err := toUtc(local)
		if err != nil {
			return nil
		}
		return []time.Time{utc}
	}
}

// AfterMarketOpen is a TimeRule that fires `after` past the market's
// scheduled open on each date, per the "30 minutes after market open"
// example in spec.md §4.4.
func AfterMarketOpen(openMinuteOfDay int, after time.Duration, toUtc func(time.Time) (time.Time, error)) TimeRule {
	return func(date time.Time) []time.Time {
		local := time.Date(date.Year(), date.Month(), date.Day(), 0, openMinuteOfDay, 0, 0, date.Location()).Add(after)
		utc, err := toUtc(local)
		if err != nil {
			return nil
		}
		return []time.Time{utc}
	}
}

// fireEvent is one expanded (time, callback) instance sitting in the queue.
type fireEvent struct {
	utc     time.Time
	seq     int64 // insertion sequence; breaks ties in FIFO order
	eventID int64 // groups fire instances back to their originating Add call
	name    string
	cb      Callback
}

// fireHeap is a min-heap ordered by (utc, seq), giving deterministic FIFO
// tie-breaking per spec.md §8 property 7.
type fireHeap []*fireEvent

func (h fireHeap) Len() int { return len(h) }
func (h fireHeap) Less(i, j int) bool {
	if !h[i].utc.Equal(h[j].utc) {
		return h[i].utc.Before(h[j].utc)
	}
	return h[i].seq < h[j].seq
}
func (h fireHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *fireHeap) Push(x any)   { *h = append(*h, x.(*fireEvent)) }
func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// maxConsecutiveFailures is the default count after which a callback's
// event is deactivated instead of retried, per §4.4 "Failure".
const maxConsecutiveFailures = 3

// Scheduler owns the expanded event queue. Its methods are meant to be
// called from the engine thread only; no internal locking.
type Scheduler struct {
	pq          fireHeap
	nextEventID int64
	nextSeq     int64
	removed     map[int64]bool
	failures    map[int64]int
	logger      *log.Logger
	maxFailures int
}

// New constructs an empty Scheduler.
func New(logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stderr, "scheduler: ", log.LstdFlags)
	}
	s := &Scheduler{
		removed:     make(map[int64]bool),
		failures:    make(map[int64]int),
		logger:      logger,
		maxFailures: maxConsecutiveFailures,
	}
	heap.Init(&s.pq)
	return s
}

// Add expands dateRule x timeRule over [startUtc, endUtc] and enqueues one
// fireEvent per resulting instant. Returns an id that Remove can cancel all
// not-yet-fired instances by.
func (s *Scheduler) Add(name string, dateRule DateRule, timeRule TimeRule, startUtc, endUtc time.Time, cb Callback) int64 {
	s.nextEventID++
	id := s.nextEventID

	for _, date := range dateRule(startUtc, endUtc) {
		for _, utc := range timeRule(date) {
			if utc.Before(startUtc) || utc.After(endUtc) {
				continue
			}
			s.nextSeq++
			heap.Push(&s.pq, &fireEvent{utc: utc, seq: s.nextSeq, eventID: id, name: name, cb: cb})
		}
	}
	return id
}

// Remove cancels all pending instances of the event returned by Add.
// Idempotent: removing an already-removed or already-fired id is a no-op.
func (s *Scheduler) Remove(id int64) {
	s.removed[id] = true
}

// Drain invokes, in (utc, insertion) order, every callback whose fire time
// is at or before currentUtc. Panics and returned errors are caught,
// logged, and returned to the caller (the engine records them as non-fatal
// runtime errors per spec.md §4.4); an event is deactivated once its
// callback has failed maxFailures times in a row.
func (s *Scheduler) Drain(currentUtc time.Time) []error {
	var errs []error
	for s.pq.Len() > 0 && !s.pq[0].utc.After(currentUtc) {
		ev := heap.Pop(&s.pq).(*fireEvent)
		if s.removed[ev.eventID] {
			continue
		}
		if err := s.invoke(ev); err != nil {
			errs = append(errs, err)
			s.failures[ev.eventID]++
			if s.failures[ev.eventID] >= s.maxFailures {
				s.logger.Printf("event %q (id %d) disabled after %d consecutive failures", ev.name, ev.eventID, s.failures[ev.eventID])
				s.removed[ev.eventID] = true
			}
		} else {
			delete(s.failures, ev.eventID)
		}
	}
	return errs
}

func (s *Scheduler) invoke(ev *fireEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: event %q panicked: %v", ev.name, r)
			s.logger.Printf("%v", err)
		}
	}()
	if cbErr := ev.cb(ev.utc); cbErr != nil {
		return fmt.Errorf("scheduler: event %q: %w", ev.name, cbErr)
	}
	return nil
}

// Pending returns the number of not-yet-fired, not-removed event instances.
func (s *Scheduler) Pending() int {
	n := 0
	for _, ev := range s.pq {
		if !s.removed[ev.eventID] {
			n++
		}
	}
	return n
}
