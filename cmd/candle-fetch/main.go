package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tradingbot/internal/config"
	"tradingbot/internal/domain"
	"tradingbot/internal/engine"
	"tradingbot/internal/exchange"
	"tradingbot/internal/marketdata"
	"tradingbot/internal/store"
	"tradingbot/internal/util"
)

func main() {
	symbols := flag.String("symbols", "", "comma-separated symbols (default: trading symbols from config)")
	timeframe := flag.String("timeframe", "", "candle timeframe (default: trading.timeframe)")
	since := flag.String("since", "", "first day to fetch, YYYY-MM-DD (required)")
	until := flag.String("until", "", "last day to fetch, YYYY-MM-DD (default: today)")
	workers := flag.Int("workers", 4, "symbols fetched concurrently")
	flag.Parse()

	cfgPath := "config/tradingbot.yaml"
	if p := os.Getenv("TRADINGBOT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if *since == "" {
		log.Fatal("-since is required")
	}
	if cfg.Storage.DataDir == "" {
		log.Fatal("storage.data_dir (or DATA_DIR) must be set")
	}
	start, end, err := config.Backtest{Start: *since, End: *until}.Range()
	if err != nil {
		log.Fatalf("invalid range: %v", err)
	}

	syms := cfg.Trading.AllSymbols()
	if *symbols != "" {
		syms = strings.Split(*symbols, ",")
	}
	tf := cfg.Trading.Timeframe
	if *timeframe != "" {
		tf = *timeframe
	}

	adapter, err := engine.NewAdapter(cfg, domain.ModeLive)
	if err != nil {
		log.Fatalf("failed to create adapter: %v", err)
	}
	defer adapter.Close()
	src, ok := adapter.(exchange.CandleSource)
	if !ok {
		log.Fatalf("exchange %s does not serve candles", adapter.Name())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bf := marketdata.Backfill{
		Src:       src,
		Archive:   store.NewParquetStore(cfg.Storage.DataDir),
		Timeframe: tf,
		Batch:     1000,
		Workers:   *workers,
		Log:       logger,
	}
	began := time.Now()
	slog.Info("starting candle backfill", "symbols", syms, "timeframe", tf, "since", start, "until", end)
	n, err := bf.Run(ctx, syms, start, end)
	if err != nil {
		log.Fatalf("backfill failed after %d candles: %v", n, err)
	}
	slog.Info("backfill complete", "candles", n, "elapsed", time.Since(began).Round(time.Second))
}
