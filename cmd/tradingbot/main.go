package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"tradingbot/internal/config"
	"tradingbot/internal/domain"
	"tradingbot/internal/engine"
	"tradingbot/internal/util"
)

func main() {
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

	ctx := context.Background()
	e, err := engine.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	if domain.TradingMode(cfg.Trading.Mode) == domain.ModeBacktest {
		start, end, err := cfg.Backtest.Range()
		if err != nil {
			log.Fatalf("invalid backtest range: %v", err)
		}
		res, err := e.RunBacktest(ctx, start, end)
		if err != nil {
			log.Fatalf("backtest failed: %v", err)
		}
		fmt.Printf("backtest %s .. %s (%d candles)\n", res.Start.Format("2006-01-02 15:04"), res.End.Format("2006-01-02 15:04"), res.Candles)
		fmt.Printf("  balance       %.2f -> %.2f\n", res.InitialBalance, res.FinalBalance)
		fmt.Printf("  total return  %.2f%%\n", res.TotalReturn*100)
		fmt.Printf("  max drawdown  %.2f%%\n", res.MaxDrawdown*100)
		fmt.Printf("  sharpe        %.2f\n", res.SharpeRatio)
		fmt.Printf("  trades        %d (win rate %.1f%%, profit factor %.2f)\n", res.TotalTrades, res.WinRate*100, res.ProfitFactor)
		fmt.Printf("  fees          %.2f\n", res.Fees)
		return
	}

	if err := e.Run(ctx); err != nil {
		log.Fatalf("engine error: %v", err)
	}
}
