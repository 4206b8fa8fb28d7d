// Package csvbars is the backtest-mode feed.Reader for the on-disk bar
// convention spec.md §6 leaves opaque: one CSV file per symbol under
// config.Data.Directory, rows of
// "time,open,high,low,close,volume" (RFC3339 timestamps, decimal prices),
// mirroring the encoding/csv convention internal/markethours already uses
// for its own schedule tables.
package csvbars

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/scranton/synctrader/internal/data"
	"github.com/scranton/synctrader/internal/feed"
	"github.com/scranton/synctrader/internal/symbol"
)

// sliceReader replays a pre-parsed run of bars in order, the same Reader
// shape tests in this module use (feed.Reader is just Next(ctx)).
type sliceReader struct {
	items []data.BaseData
	i     int
}

func (r *sliceReader) Next(_ context.Context) (data.BaseData, bool, error) {
	if r.i >= len(r.items) {
		return data.BaseData{}, false, nil
	}
	item := r.items[r.i]
	r.i++
	return item, true, nil
}

// LoadFile parses a bar CSV for sym and returns a feed.Reader replaying it
// in file order. Rows are expected sorted ascending by time; Load does not
// re-sort, matching the "monotone forward" contract the rest of the feed
// layer assumes.
func LoadFile(path string, sym symbol.Symbol, resolution time.Duration) (feed.Reader, error) {
	return LoadFileRange(path, sym, resolution, time.Time{}, time.Time{})
}

// LoadFileRange is LoadFile restricted to bars whose end time falls in
// [start, end); a zero start or end leaves that bound unfiltered. This is
// how config.Backtest.Start/End (§6) bound what a backtest replays.
func LoadFileRange(path string, sym symbol.Symbol, resolution time.Duration, start, end time.Time) (feed.Reader, error) {
	f, err := os.Open(path) // #nosec G304 -- path is an operator-supplied data directory entry
	if err != nil {
		return nil, fmt.Errorf("csvbars: opening %q: %w", path, err)
	}
	defer f.Close()

	items, err := parse(f, sym, resolution)
	if err != nil {
		return nil, fmt.Errorf("csvbars: parsing %q: %w", path, err)
	}
	if !start.IsZero() || !end.IsZero() {
		items = filterRange(items, start, end)
	}
	return &sliceReader{items: items}, nil
}

func filterRange(items []data.BaseData, start, end time.Time) []data.BaseData {
	out := make([]data.BaseData, 0, len(items))
	for _, item := range items {
		t := item.EndTime()
		if !start.IsZero() && t.Before(start) {
			continue
		}
		if !end.IsZero() && !t.Before(end) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func parse(r io.Reader, sym symbol.Symbol, resolution time.Duration) ([]data.BaseData, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make([]data.BaseData, 0, len(records))
	for i, rec := range records {
		if len(rec) < 5 {
			continue
		}
		endTime, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: bad timestamp %q: %w", i, rec[0], err)
		}
		open, err := decimal.NewFromString(rec[1])
		if err != nil {
			return nil, fmt.Errorf("row %d: bad open %q: %w", i, rec[1], err)
		}
		high, err := decimal.NewFromString(rec[2])
		if err != nil {
			return nil, fmt.Errorf("row %d: bad high %q: %w", i, rec[2], err)
		}
		low, err := decimal.NewFromString(rec[3])
		if err != nil {
			return nil, fmt.Errorf("row %d: bad low %q: %w", i, rec[3], err)
		}
		closePx, err := decimal.NewFromString(rec[4])
		if err != nil {
			return nil, fmt.Errorf("row %d: bad close %q: %w", i, rec[4], err)
		}
		var volume int64
		if len(rec) > 5 {
			volume, err = strconv.ParseInt(rec[5], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: bad volume %q: %w", i, rec[5], err)
			}
		}
		out = append(out, data.BaseData{Kind: data.KindTradeBar, TradeBar: data.TradeBar{
			Symbol: sym, Time: endTime.Add(-resolution), EndTime: endTime,
			Open: open, High: high, Low: low, Close: closePx, Volume: volume,
		}})
	}
	return out, nil
}
