// Command recorder captures the public market-data stream for a set of
// symbols into a local pebble database, without running any strategy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"deltatrader/params"
	"deltatrader/pkg/convert"
	"deltatrader/pkg/exchange"
	"deltatrader/pkg/marketdata"
	"deltatrader/pkg/recorder"
	"deltatrader/pkg/util"
)

func main() {
	envPath := flag.String("env", "", "path to .env file (default: ./.env)")
	out := flag.String("out", "", "recorder database path (overrides RECORD_PATH)")
	flag.Parse()

	cfg := params.LoadFromEnv(*envPath)
	if *out != "" {
		cfg.RecordPath = *out
	}
	if cfg.RecordPath == "" {
		fmt.Fprintln(os.Stderr, "recorder: RECORD_PATH or -out required")
		os.Exit(1)
	}
	if len(cfg.Symbols) == 0 {
		fmt.Fprintln(os.Stderr, "recorder: at least one symbol required")
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Errorw("recorder_failed", "err", err)
		logger.Sync()
		os.Exit(1)
	}
	log.Infow("recorder_exited")
}

func run(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) error {
	rest := exchange.NewRestClient(cfg.RESTURL(), "", "", log)
	ws := exchange.NewWSClient(cfg.WSURL(), "", "", log)

	rec, err := recorder.Open(cfg.RecordPath, log)
	if err != nil {
		return err
	}
	defer rec.Close()

	conv := convert.NewConverter()
	md := marketdata.NewSynchronizer(conv, ws, log)
	md.AddSubscriber(rec)

	for _, symbol := range cfg.Symbols {
		p, err := rest.GetProduct(ctx, symbol)
		if err != nil {
			return fmt.Errorf("resolve product %s: %w", symbol, err)
		}
		if err := conv.Register(symbol, p.TickSize, p.LotSize); err != nil {
			return err
		}
		md.Track(symbol)
	}

	if err := ws.Connect(ctx); err != nil {
		return err
	}
	defer ws.Close()
	if err := ws.Subscribe(marketdata.ChannelBook, cfg.Symbols); err != nil {
		return err
	}
	if err := ws.Subscribe(marketdata.ChannelTrades, cfg.Symbols); err != nil {
		return err
	}
	log.Infow("recording", "symbols", cfg.Symbols, "path", cfg.RecordPath)

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-ws.Recv():
			if !ok {
				return nil
			}
			msg, err := exchange.Decode(raw)
			if err != nil {
				log.Warnw("decode_failed", "err", err)
				continue
			}
			if msg != nil {
				md.Handle(msg)
			}
		}
	}
}
