// Package live implements the live-mode variant of §4.3.1: a push
// subscription source that dials a broker gateway's market-data websocket
// and decodes ticks into the same data.BaseData sum the backtest zipped-CSV
// codec produces, so internal/feed and internal/feed.Subscription treat
// both sources identically through the Reader/ChanReader contract.
//
// The connection lifecycle (dial, ping/reconnect with backoff, typed
// per-channel fan-out) is grounded on the other example pack's websocket
// feeds (0xtitan6-polymarket-mm/internal/exchange/ws.go): one goroutine per
// symbol stream, auto-reconnecting, feeding a bounded channel the engine
// thread never touches directly.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/scranton/synctrader/internal/data"
	"github.com/scranton/synctrader/internal/feed"
	"github.com/scranton/synctrader/internal/retry"
	"github.com/scranton/synctrader/internal/symbol"
)

const (
	pingInterval     = 30 * time.Second
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
	itemBufferSize   = 256
	maxReconnectWait = 30 * time.Second
)

// Decoder turns one inbound websocket frame into a BaseData item for sym.
// Gateways vary in wire format (spec.md §6 treats the specific protocol as
// a collaborator); this is the only seam a concrete gateway must supply.
type Decoder func(sym symbol.Symbol, raw []byte) (data.BaseData, error)

// Dialer abstracts websocket.DefaultDialer for tests.
type Dialer interface {
	Dial(url string, header map[string][]string) (*websocket.Conn, error)
}

type defaultDialer struct{}

func (defaultDialer) Dial(url string, header map[string][]string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	return conn, err
}

// Source is a single reconnecting websocket market-data stream for one
// symbol, exposed to internal/feed as a feed.Reader via feed.ChanReader.
type Source struct {
	url     string
	sym     symbol.Symbol
	decode  Decoder
	dialer  Dialer
	retrier *retry.Client
	logger  *log.Logger

	items chan data.BaseData
	errs  chan error
	done  chan struct{}
}

// Config configures a Source.
type Config struct {
	URL     string
	Symbol  symbol.Symbol
	Decode  Decoder
	Dialer  Dialer // nil uses the real gorilla/websocket dialer
	Logger  *log.Logger
	Backoff retry.Config
}

// New constructs a Source. Call Reader() for the feed.Reader handed to
// feed.NewSubscription, and Run(ctx) in its own goroutine (or via RunAll
// below alongside sibling sources) to start streaming.
func New(cfg Config) *Source {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = defaultDialer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Source{
		url:     cfg.URL,
		sym:     cfg.Symbol,
		decode:  cfg.Decode,
		dialer:  dialer,
		retrier: retry.NewClient(logger, cfg.Backoff),
		logger:  logger,
		items:   make(chan data.BaseData, itemBufferSize),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// Reader returns the feed.Reader view of this Source's output channels.
func (s *Source) Reader() feed.Reader {
	return feed.ChanReader{Items: s.items, Errs: s.errs, Done: s.done}
}

// Run dials and streams until ctx is canceled, reconnecting with backoff on
// disconnect. Blocks; run it in its own goroutine or via RunAll.
func (s *Source) Run(ctx context.Context) error {
	defer close(s.done)
	backoff := s.retrier
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Printf("live feed %s: disconnected: %v, reconnecting", s.sym.Ticker, err)
		if !backoff.IsTransient(err) {
			select {
			case s.errs <- err:
			default:
			}
			return err
		}
	}
}

func (s *Source) connectAndRead(ctx context.Context) error {
	var conn *websocket.Conn
	dialErr := s.retrier.Do(ctx, fmt.Sprintf("dial %s", s.sym.Ticker), func(ctx context.Context) error {
		c, err := s.dialer.Dial(s.url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if dialErr != nil {
		return dialErr
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	readErrs := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErrs <- err
				return
			}
			item, err := s.decode(s.sym, raw)
			if err != nil {
				s.logger.Printf("live feed %s: decode error: %v", s.sym.Ticker, err)
				continue
			}
			select {
			case s.items <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrs:
			return err
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// RunAll runs every source concurrently, fanning errors through an
// errgroup.Group so one stream's unrecoverable failure cancels its
// siblings — the feed-thread concurrency model of spec.md §5, adopted via
// golang.org/x/sync/errgroup the way the rest of the example pack uses it
// for worker fan-out.
func RunAll(ctx context.Context, sources ...*Source) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error { return src.Run(gctx) })
	}
	return g.Wait()
}

// DecodeJSONTrade is a Decoder for gateways that push trade prints as a
// flat JSON object {"price": "...", "size": ..., "time": "..."}. Concrete
// gateways normally supply their own Decoder; this is a reference
// implementation exercised by tests.
func DecodeJSONTrade(sym symbol.Symbol, raw []byte) (data.BaseData, error) {
	var msg struct {
		Price string    `json:"price"`
		Size  int64     `json:"size"`
		Time  time.Time `json:"time"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return data.BaseData{}, fmt.Errorf("live: decoding trade frame: %w", err)
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return data.BaseData{}, fmt.Errorf("live: parsing trade price %q: %w", msg.Price, err)
	}
	return data.BaseData{Kind: data.KindTick, Tick: data.Tick{
		Symbol:   sym,
		Time:     msg.Time,
		EndTime:  msg.Time,
		Type:     data.TickTypeTrade,
		Price:    price,
		Quantity: msg.Size,
	}}, nil
}
