package marketdata

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingbot/internal/domain"
	"tradingbot/internal/exchange"
	"tradingbot/internal/store"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func series(symbol string, closes ...float64) []domain.Candle {
	out := make([]domain.Candle, len(closes))
	for i, c := range closes {
		out[i] = domain.Candle{Symbol: symbol, Timeframe: "1m", Open: c, High: c, Low: c, Close: c, Timestamp: base.Add(time.Duration(i) * time.Minute)}
	}
	return out
}

func TestPollerReturnsEachClosedCandleOnce(t *testing.T) {
	ctx := context.Background()
	sim := exchange.NewSimulator(nil, 0)
	sim.AddCandles(series("BTC/USDT", 100, 101, 102))

	p, err := NewPoller(sim, []string{"BTC/USDT"}, "1m", 10)
	require.NoError(t, err)
	// The 00:02 bar is still forming at 00:02:30.
	p.now = func() time.Time { return base.Add(150 * time.Second) }

	got, err := p.Next(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 101.0, got[1].Close)

	got, err = p.Next(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	p.now = func() time.Time { return base.Add(4 * time.Minute) }
	sim.AddCandles([]domain.Candle{{Symbol: "BTC/USDT", Close: 103, Timestamp: base.Add(3 * time.Minute)}})
	got, err = p.Next(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 102.0, got[0].Close)
	assert.Equal(t, "1m", got[1].Timeframe, "missing timeframe filled in")
}

func TestReplayAdvancesInLockstep(t *testing.T) {
	ctx := context.Background()
	archive := store.NewParquetStore(t.TempDir())
	require.NoError(t, archive.WriteCandles(ctx, series("BTC/USDT", 100, 101, 102)))
	require.NoError(t, archive.WriteCandles(ctx, series("ETH/USDT", 10, 11)))

	r, err := NewReplay(ctx, archive, []string{"BTC/USDT", "ETH/USDT"}, "1m", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, r.Len())

	batch, err := r.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "BTC/USDT", batch[0].Symbol)
	assert.Equal(t, "ETH/USDT", batch[1].Symbol)

	_, err = r.Next(ctx)
	require.NoError(t, err)
	batch, err = r.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 102.0, batch[0].Close)

	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1m", time.Minute, true},
		{"15m", 15 * time.Minute, true},
		{"4h", 4 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"m", 0, false},
		{"0m", 0, false},
		{"5y", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseTimeframe(tt.in)
		if tt.ok {
			require.NoError(t, err, tt.in)
			assert.Equal(t, tt.want, got, tt.in)
		} else {
			assert.ErrorIs(t, err, domain.ErrConfiguration, tt.in)
		}
	}
}

func TestBackfillPagesIntoArchive(t *testing.T) {
	ctx := context.Background()
	sim := exchange.NewSimulator(nil, 0)
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	sim.AddCandles(series("BTC/USDT", closes...))
	sim.AddCandles(series("ETH/USDT", 1, 2, 3))
	archive := store.NewParquetStore(t.TempDir())

	bf := Backfill{Src: sim, Archive: archive, Timeframe: "1m", Batch: 10, Workers: 2}
	n, err := bf.Run(ctx, []string{"BTC/USDT", "ETH/USDT"}, base, base.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 23, n)

	got, err := archive.ReadCandles(ctx, "BTC/USDT", "1m", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 20)
	assert.Equal(t, 119.0, got[19].Close)
}

func TestBackfillRejectsBadTimeframe(t *testing.T) {
	_, err := Backfill{Timeframe: "x"}.Run(context.Background(), nil, base, base)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
