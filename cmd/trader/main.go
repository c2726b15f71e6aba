// Command trader runs the trading engine: connects to the exchange,
// synchronizes market data, and hosts strategies against either the
// paper simulator or the live order API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"deltatrader/params"
	"deltatrader/pkg/api"
	"deltatrader/pkg/convert"
	"deltatrader/pkg/engine"
	"deltatrader/pkg/exchange"
	"deltatrader/pkg/market"
	"deltatrader/pkg/marketdata"
	"deltatrader/pkg/oms"
	"deltatrader/pkg/recorder"
	"deltatrader/pkg/strategy"
	"deltatrader/pkg/util"
)

func main() {
	envPath := flag.String("env", "", "path to .env file (default: ./.env)")
	mmSymbol := flag.String("mm", "", "run the reference market maker on this symbol")
	mmSpread := flag.Int64("mm-spread", 5, "market maker half-spread in ticks")
	mmSize := flag.String("mm-size", "1", "market maker quote size")
	flag.Parse()

	cfg := params.LoadFromEnv(*envPath)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	var err error
	if cfg.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.LogFile, cfg.LogLevel)
	} else {
		logger, err = util.NewLogger(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	log.Infow("trader_starting",
		"environment", cfg.Environment, "destination", cfg.Destination, "symbols", cfg.Symbols)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mmSymbol, *mmSpread, *mmSize, log); err != nil {
		log.Errorw("trader_failed", "err", err)
		logger.Sync()
		os.Exit(1)
	}
	log.Infow("trader_exited")
}

func run(ctx context.Context, cfg params.Config, mmSymbol string, mmSpread int64, mmSize string, log *zap.SugaredLogger) error {
	conv := convert.NewConverter()
	registry := market.NewRegistry()

	rest := exchange.NewRestClient(cfg.RESTURL(), cfg.Credentials.APIKey, cfg.Credentials.APISecret, log)
	ws := exchange.NewWSClient(cfg.WSURL(), cfg.Credentials.APIKey, cfg.Credentials.APISecret, log)

	var orders oms.Manager
	switch cfg.Destination {
	case params.Exchange:
		// The engine drives the reconciliation sweep from its event loop.
		orders = oms.NewLiveManager(conv, registry, rest, cfg.AckTimeout, nil, log)
	default:
		orders = oms.NewPaperManager(conv, nil, log)
	}

	var rec *recorder.Recorder
	var recSub marketdata.Subscriber
	if cfg.RecordPath != "" {
		var err error
		rec, err = recorder.Open(cfg.RecordPath, log)
		if err != nil {
			return err
		}
		defer rec.Close()
		recSub = rec
		log.Infow("recorder_enabled", "path", cfg.RecordPath)
	}

	eng := engine.New(cfg, conv, registry, engine.Deps{
		Transport: ws,
		Products:  rest,
		Orders:    orders,
		Recorder:  recSub,
	}, log)

	if mmSymbol != "" {
		eng.AddStrategy(strategy.NewMarketMaker(mmSymbol, mmSpread, mmSize, orders, conv, log))
	}

	var apiSrv *api.Server
	if cfg.APIAddr != "" {
		apiSrv = api.NewServer(registry, conv, eng.MarketData(), orders, log)
		apiSrv.Start(cfg.APIAddr)
	}

	err := eng.Run(ctx)

	if apiSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := apiSrv.Shutdown(shutdownCtx); serr != nil {
			log.Debugw("api_shutdown_failed", "err", serr)
		}
		cancel()
	}
	return err
}
