// Package main is the engine's process entry point: it loads configuration,
// assembles the C1-C11 component stack, and runs the engine loop to
// completion (backtest) or until a shutdown signal (live).
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"

	"github.com/scranton/synctrader/internal/brokerage"
	"github.com/scranton/synctrader/internal/config"
	"github.com/scranton/synctrader/internal/data"
	"github.com/scranton/synctrader/internal/engine"
	"github.com/scranton/synctrader/internal/feed"
	"github.com/scranton/synctrader/internal/feed/csvbars"
	"github.com/scranton/synctrader/internal/markethours"
	"github.com/scranton/synctrader/internal/portfolio"
	"github.com/scranton/synctrader/internal/samplealgo"
	"github.com/scranton/synctrader/internal/scheduler"
	"github.com/scranton/synctrader/internal/symbol"
	"github.com/scranton/synctrader/internal/transaction"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath, ticker string
	var quantity int64
	flag.StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	flag.StringVar(&ticker, "symbol", "SPY", "ticker to trade (usa equity)")
	flag.Int64Var(&quantity, "quantity", 10, "order quantity per crossover signal")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 1
	}

	logger := log.New(os.Stdout, "[ENGINE] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("starting engine in %s mode for %s", cfg.Environment.Mode, ticker)

	reg := symbol.NewRegistry()
	sym := symbol.Symbol{SID: symbol.NewEquity(reg, "usa", ticker, symbol.SecurityTypeEquity), Ticker: ticker}

	calendarDB := markethours.NewDB()
	calendarDB.Put(&markethours.Entry{
		Market: "usa", SecurityType: "equity",
		ExchangeTimeZone: "America/New_York", DataTimeZone: "America/New_York",
		Weekly: [7]markethours.DaySchedule{
			time.Sunday:    {},
			time.Monday:    {Open: 570, Close: 960},
			time.Tuesday:   {Open: 570, Close: 960},
			time.Wednesday: {Open: 570, Close: 960},
			time.Thursday:  {Open: 570, Close: 960},
			time.Friday:    {Open: 570, Close: 960},
			time.Saturday:  {},
		},
		EarlyCloses: map[string]int{},
		Holidays:    map[string]bool{},
	})
	calendar, err := calendarDB.Entry("usa", "equity")
	if err != nil {
		logger.Printf("failed to resolve market calendar: %v", err)
		return 1
	}

	barPath := filepath.Join(cfg.Data.Directory, ticker+".csv")
	reader, err := csvbars.LoadFileRange(barPath, sym, data.ResolutionMinute.Duration(), cfg.Backtest.Start, cfg.Backtest.End)
	if err != nil {
		logger.Printf("failed to load bar data from %q: %v", barPath, err)
		return 1
	}

	// Bar timestamps in the CSV convention are already UTC (RFC3339 with an
	// explicit offset), so the subscription needs the calendar for
	// fill-forward but no offset.Provider for timezone conversion.
	f := feed.New(nil)
	if cfg.IsBacktest() {
		f.SetEndDateUtc(cfg.Backtest.End)
	}
	sub := feed.NewSubscription(feed.Config{
		Symbol:      sym,
		Resolution:  data.ResolutionMinute,
		Market:      "usa",
		FillForward: true,
	}, reader, calendar, nil)
	if err := f.AddSubscription(context.Background(), sub); err != nil {
		logger.Printf("failed to add subscription: %v", err)
		return 1
	}

	brok := brokerage.New(brokerage.DefaultBrokerageModel{})
	port := portfolio.New("USD", decimal.NewFromInt(100000), portfolio.CashMarginModel{})
	tx := transaction.New(brok, port, logger)
	sch := scheduler.New(logger)

	algo := samplealgo.New(samplealgo.Config{
		Symbol:      sym,
		Quantity:    decimal.NewFromInt(quantity),
		FastPeriods: 10,
		SlowPeriods: 30,
	}, logger)

	e := engine.New(engine.Config{
		Mode:           backtestOrLive(cfg),
		AlgorithmID:    ticker + "-ma-crossover",
		ResultHTTPPort: cfg.Result.HTTPPort,
	}, f, sch, brok, tx, port, algo, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("shutdown signal received, stopping engine")
		e.Stop()
		cancel()
	}()

	if cfg.Result.HTTPPort > 0 {
		go func() {
			if err := e.Result().Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("result channel http server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := e.Result().Shutdown(shutdownCtx); err != nil {
				logger.Printf("error shutting down result channel: %v", err)
			}
		}()
	}

	if err := e.Run(ctx); err != nil {
		logger.Printf("engine run error: %v", err)
		return 1
	}

	logger.Println("engine run complete")
	return 0
}

func backtestOrLive(cfg *config.Config) engine.Mode {
	if cfg.IsLive() {
		return engine.ModeLive
	}
	return engine.ModeBacktest
}
