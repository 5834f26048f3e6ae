package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tradingbot/internal/exchange"
	"tradingbot/internal/store"
	"tradingbot/internal/util"
)

// Backfill pages candles for each symbol from src into archive, covering
// [since, until). Symbols are fetched concurrently by up to workers
// goroutines. It returns the number of candles written.
type Backfill struct {
	Src       exchange.CandleSource
	Archive   store.CandleStore
	Timeframe string
	Batch     int // candles per request
	Workers   int
	Log       *slog.Logger
}

// Run backfills symbols. The first failing symbol cancels the rest.
func (b Backfill) Run(ctx context.Context, symbols []string, since, until time.Time) (int, error) {
	period, err := ParseTimeframe(b.Timeframe)
	if err != nil {
		return 0, err
	}
	if b.Batch <= 0 {
		b.Batch = 500
	}
	if b.Workers <= 0 {
		b.Workers = 4
	}
	if b.Log == nil {
		b.Log = util.Discard()
	}

	var written atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.Workers)
	for _, sym := range symbols {
		g.Go(func() error {
			n, err := b.symbol(gctx, sym, period, since, until)
			written.Add(int64(n))
			if err != nil {
				return fmt.Errorf("backfill %s: %w", sym, err)
			}
			b.Log.Info("backfill done", "symbol", sym, "timeframe", b.Timeframe, "candles", n)
			return nil
		})
	}
	err = g.Wait()
	return int(written.Load()), err
}

func (b Backfill) symbol(ctx context.Context, sym string, period time.Duration, since, until time.Time) (int, error) {
	total := 0
	cursor := since
	for cursor.Before(until) {
		candles, err := b.Src.FetchCandles(ctx, sym, b.Timeframe, cursor, b.Batch)
		if err != nil {
			return total, err
		}
		kept := candles[:0]
		for _, c := range candles {
			if c.Timestamp.Before(until) {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			break
		}
		if err := b.Archive.WriteCandles(ctx, kept); err != nil {
			return total, err
		}
		total += len(kept)
		next := kept[len(kept)-1].Timestamp.Add(period)
		if !next.After(cursor) || len(candles) < b.Batch {
			break
		}
		cursor = next
	}
	return total, nil
}
