// Package markethours provides the per-market, per-security-type
// tradeable-hours and holiday lookup described in spec.md §4.2. It loads
// its schedule tables from CSV (opaque on-disk convention, §6) and exposes
// IsOpen / early-close / holiday queries keyed by exchange-local time.
package markethours

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DaySchedule is the open/close pair for one weekday, in minutes since
// midnight exchange-local time. A zero-width schedule (Open==Close) means
// the market does not trade that day.
type DaySchedule struct {
	Open, Close int // minutes since midnight
}

// Entry is the schedule for a single (market, securityType) pair.
type Entry struct {
	Market           string
	SecurityType     string
	ExchangeTimeZone string
	DataTimeZone     string
	Weekly           [7]DaySchedule // index by time.Weekday
	EarlyCloses      map[string]int // "yyyyMMdd" -> close minute
	Holidays         map[string]bool
}

// DB is the loaded collection of Entry values, keyed by "market|securityType".
type DB struct {
	entries map[string]*Entry
}

func key(market, securityType string) string {
	return strings.ToLower(market) + "|" + strings.ToLower(securityType)
}

// NewDB returns an empty database; use Load or LoadCSV to populate it, or
// Put to register entries programmatically (as tests do).
func NewDB() *DB {
	return &DB{entries: make(map[string]*Entry)}
}

// Put registers or replaces an entry.
func (db *DB) Put(e *Entry) {
	db.entries[key(e.Market, e.SecurityType)] = e
}

// Entry looks up the schedule for a (market, securityType) pair.
func (db *DB) Entry(market, securityType string) (*Entry, error) {
	e, ok := db.entries[key(market, securityType)]
	if !ok {
		return nil, fmt.Errorf("markethours: no entry for market=%s type=%s", market, securityType)
	}
	return e, nil
}

// IsOpen reports whether the market is open at the given exchange-local
// instant. extendedHours widens the weekday window by treating the whole
// calendar day as tradeable (a simplification documented for the core;
// exact pre/post-market windows are a per-market Entry detail that can be
// layered on by widening DaySchedule, left to the collaborator that builds
// the DB from real exchange data).
func (e *Entry) IsOpen(localTime time.Time, extendedHours bool) bool {
	dateKey := localTime.Format("20060102")
	if e.Holidays[dateKey] {
		return false
	}
	sched := e.Weekly[localTime.Weekday()]
	if sched.Open == sched.Close {
		return false
	}
	minuteOfDay := localTime.Hour()*60 + localTime.Minute()
	closeMinute := sched.Close
	if m, ok := e.EarlyCloses[dateKey]; ok {
		closeMinute = m
	}
	if extendedHours {
		return true
	}
	return minuteOfDay >= sched.Open && minuteOfDay < closeMinute
}

// IsHoliday reports whether the given exchange-local date is a holiday.
func (e *Entry) IsHoliday(localDate time.Time) bool {
	return e.Holidays[localDate.Format("20060102")]
}

// TradingDays returns, in ascending order, every exchange-local calendar
// date in [start, end] on which the market is scheduled to trade at all.
func (e *Entry) TradingDays(start, end time.Time) []time.Time {
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		sched := e.Weekly[d.Weekday()]
		if sched.Open == sched.Close {
			continue
		}
		if e.IsHoliday(d) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// LoadCSV parses a market-hours CSV of the form:
//
//	market,securityType,exchangeTz,dataTz,mon_open,mon_close,tue_open,tue_close,...,sun_open,sun_close
//	usa,equity,America/New_York,America/New_York,570,960,570,960,570,960,570,960,570,960,0,0,0,0
//
// Holidays and early closes are loaded separately via LoadHolidays /
// LoadEarlyCloses, mirroring the source's split market-hours-database vs
// holiday-calendar files.
func LoadCSV(r io.Reader) (*DB, error) {
	db := NewDB()
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("markethours: reading csv: %w", err)
	}
	for i, rec := range records {
		if len(rec) < 4+14 {
			return nil, fmt.Errorf("markethours: row %d: expected at least %d fields, got %d", i, 18, len(rec))
		}
		entry := &Entry{
			Market:           rec[0],
			SecurityType:     rec[1],
			ExchangeTimeZone: rec[2],
			DataTimeZone:     rec[3],
			EarlyCloses:      make(map[string]int),
			Holidays:         make(map[string]bool),
		}
		for day := 0; day < 7; day++ {
			open, err := strconv.Atoi(rec[4+day*2])
			if err != nil {
				return nil, fmt.Errorf("markethours: row %d: bad open minute: %w", i, err)
			}
			closeMin, err := strconv.Atoi(rec[5+day*2])
			if err != nil {
				return nil, fmt.Errorf("markethours: row %d: bad close minute: %w", i, err)
			}
			entry.Weekly[time.Weekday((day+1)%7)] = DaySchedule{Open: open, Close: closeMin}
		}
		db.Put(entry)
	}
	return db, nil
}

// LoadHolidays reads "yyyyMMdd" rows (one per line) into the matching entry.
func (db *DB) LoadHolidays(market, securityType string, r io.Reader) error {
	e, err := db.Entry(market, securityType)
	if err != nil {
		return err
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		e.Holidays[line] = true
	}
	return sc.Err()
}

// LoadEarlyCloses reads "yyyyMMdd,closeMinute" rows into the matching entry.
func (db *DB) LoadEarlyCloses(market, securityType string, r io.Reader) error {
	e, err := db.Entry(market, securityType)
	if err != nil {
		return err
	}
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return fmt.Errorf("markethours: reading early closes: %w", err)
	}
	for _, rec := range records {
		if len(rec) != 2 {
			continue
		}
		minute, err := strconv.Atoi(rec[1])
		if err != nil {
			return fmt.Errorf("markethours: bad early close minute %q: %w", rec[1], err)
		}
		e.EarlyCloses[rec[0]] = minute
	}
	return nil
}
