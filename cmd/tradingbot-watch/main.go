package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tradingbot/internal/live"
)

func main() {
	kinds := flag.String("kinds", "", "comma-separated event kinds to show: trade, alert (default all)")
	noSnapshot := flag.Bool("no-snapshot", false, "skip events retained before connecting")
	flag.Parse()

	addr := "127.0.0.1:9090"
	if a := os.Getenv("TRADINGBOT_GRPC_ADDR"); a != "" {
		addr = a
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var filter []live.Kind
	if *kinds != "" {
		for _, k := range strings.Split(*kinds, ",") {
			filter = append(filter, live.Kind(strings.TrimSpace(k)))
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := live.NewClient(addr, logger)
	err := client.Watch(ctx, !*noSnapshot, filter, func(e live.Event) {
		ts := e.Time.Local().Format("2006-01-02 15:04:05")
		switch {
		case e.Trade != nil:
			t := e.Trade
			fmt.Printf("%s  TRADE  %-10s %-4s %12.8f @ %-12.4f fee %.4f  pnl %+.4f  [%s]\n",
				ts, t.Symbol, t.Side, t.Amount, t.Price, t.Fee, t.RealizedPnL, t.Strategy)
		case e.Alert != nil:
			a := e.Alert
			fmt.Printf("%s  ALERT  %-8s %-14s %s\n", ts, strings.ToUpper(string(a.Level)), a.Kind, a.Message)
		}
	})
	if err != nil {
		logger.Error("watch failed", "addr", addr, "error", err)
		os.Exit(1)
	}
}
