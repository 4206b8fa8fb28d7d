package csvbars

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scranton/synctrader/internal/data"
	"github.com/scranton/synctrader/internal/symbol"
)

func testSymbol(ticker string) symbol.Symbol {
	reg := symbol.NewRegistry()
	return symbol.Symbol{SID: symbol.NewEquity(reg, "usa", ticker, symbol.SecurityTypeEquity), Ticker: ticker}
}

func TestLoadFile_ParsesBarsInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "AAPL.csv")
	content := "2026-01-02T09:31:00Z,100.00,101.00,99.50,100.50,1000\n" +
		"2026-01-02T09:32:00Z,100.50,102.00,100.00,101.75,1500\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	sym := testSymbol("AAPL")
	r, err := LoadFile(path, sym, time.Minute)
	require.NoError(t, err)

	item, more, err := r.Next(context.Background())
	require.NoError(t, err)
	require.True(t, more)
	assert.Equal(t, data.KindTradeBar, item.Kind)
	assert.True(t, item.TradeBar.Close.Equal(decimal.RequireFromString("100.50")))

	item2, more, err := r.Next(context.Background())
	require.NoError(t, err)
	require.True(t, more)
	assert.True(t, item2.TradeBar.Open.Equal(decimal.RequireFromString("100.50")))

	_, more, err = r.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
}

func TestLoadFile_MissingFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.csv"), testSymbol("AAPL"), time.Minute)
	assert.Error(t, err)
}

func TestLoadFile_BadRowErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "BAD.csv")
	require.NoError(t, os.WriteFile(path, []byte("not-a-time,1,2,3,4,5\n"), 0o600))
	_, err := LoadFile(path, testSymbol("BAD"), time.Minute)
	assert.Error(t, err)
}
