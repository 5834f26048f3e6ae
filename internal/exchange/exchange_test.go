package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingbot/internal/domain"
)

func TestAdapterNames(t *testing.T) {
	if got := NewAlpacaAdapter("key", "secret", "https://paper-api.alpaca.markets", "").Name(); got != "alpaca" {
		t.Errorf("AlpacaAdapter.Name() = %q, want %q", got, "alpaca")
	}
	if got := NewBinanceAdapter("", "", false).Name(); got != "binance" {
		t.Errorf("BinanceAdapter.Name() = %q, want %q", got, "binance")
	}
	if got := NewSimulator(nil, 0).Name(); got != "simulator" {
		t.Errorf("Simulator.Name() = %q, want %q", got, "simulator")
	}
}

func TestSimulatorMarketOrderFillsAtLast(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(map[string]float64{"USDT": 1000}, 0.001)
	sim.SetPrice("BTC/USDT", 100, time.Time{})

	ack, err := sim.CreateOrder(ctx, OrderRequest{Symbol: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, ack.Status)
	assert.InDelta(t, 2, ack.FilledAmount, 1e-12)
	assert.InDelta(t, 100, ack.AvgFillPrice, 1e-12)
	assert.InDelta(t, 0.2, ack.Fee, 1e-12)

	bal, err := sim.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1000-200-0.2, bal["USDT"].Total, 1e-9)
	assert.InDelta(t, 2, bal["BTC"].Total, 1e-12)
}

func TestSimulatorInsufficientFunds(t *testing.T) {
	sim := NewSimulator(map[string]float64{"USDT": 50}, 0)
	sim.SetPrice("BTC/USDT", 100, time.Time{})

	_, err := sim.CreateOrder(context.Background(), OrderRequest{Symbol: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientFunds))
	assert.False(t, domain.IsRetryable(err))
}

func TestSimulatorLimitAndStopMatching(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(map[string]float64{"USDT": 1000, "BTC": 1}, 0)
	sim.SetPrice("BTC/USDT", 100, time.Time{})

	buy, err := sim.CreateOrder(ctx, OrderRequest{Symbol: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: 1, Price: 95})
	require.NoError(t, err)
	stop, err := sim.CreateOrder(ctx, OrderRequest{Symbol: "BTC/USDT", Side: domain.SideSell, Type: domain.OrderTypeStop, Amount: 1, StopPrice: 90})
	require.NoError(t, err)

	open, err := sim.FetchOpenOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	sim.SetPrice("BTC/USDT", 94, time.Time{})
	snap, err := sim.FetchOrder(ctx, buy.ExchangeID, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, snap.Status)
	assert.InDelta(t, 95, snap.AvgFillPrice, 1e-12, "limit fills at the limit price")

	snap, err = sim.FetchOrder(ctx, stop.ExchangeID, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, snap.Status)

	sim.SetPrice("BTC/USDT", 89, time.Time{})
	snap, err = sim.FetchOrder(ctx, stop.ExchangeID, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, snap.Status)
	assert.InDelta(t, 89, snap.AvgFillPrice, 1e-12, "stop fills at market")
}

func TestSimulatorCancel(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(map[string]float64{"USDT": 1000}, 0)
	sim.SetPrice("ETH/USDT", 10, time.Time{})

	ack, err := sim.CreateOrder(ctx, OrderRequest{Symbol: "ETH/USDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: 1, Price: 9})
	require.NoError(t, err)

	ok, err := sim.CancelOrder(ctx, ack.ExchangeID, "ETH/USDT")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sim.CancelOrder(ctx, ack.ExchangeID, "ETH/USDT")
	require.NoError(t, err)
	assert.False(t, ok, "second cancel reports the order is gone")
}

func TestSimulatorFetchCandles(t *testing.T) {
	sim := NewSimulator(nil, 0)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var candles []domain.Candle
	for i := 0; i < 5; i++ {
		candles = append(candles, domain.Candle{Symbol: "BTC/USDT", Close: float64(100 + i), Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	sim.AddCandles(candles)

	got, err := sim.FetchCandles(context.Background(), "BTC/USDT", "1m", base.Add(2*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 102.0, got[0].Close)

	got, err = sim.FetchCandles(context.Background(), "BTC/USDT", "1m", time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 104.0, got[1].Close, "zero since returns the latest candles")
}

func TestClassifyBinanceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"insufficient", &common.APIError{Code: -2010, Message: "Account has insufficient balance for requested action."}, domain.ErrInsufficientFunds},
		{"filter", &common.APIError{Code: -1013, Message: "Filter failure: LOT_SIZE"}, domain.ErrInvalidOrder},
		{"bad param", &common.APIError{Code: -1111, Message: "Precision is over the maximum"}, domain.ErrInvalidOrder},
		{"rate limit", &common.APIError{Code: -1003, Message: "Too many requests"}, domain.ErrExchange},
		{"network", errors.New("connection reset"), domain.ErrExchange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyBinanceError("create order", tt.err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSymbolHelpers(t *testing.T) {
	base, quote := SplitSymbol("BTC/USDT")
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "USDT", quote)
	assert.Equal(t, "BTCUSDT", binanceSymbol("btc/usdt"))
	assert.Equal(t, "BTC", alpacaAsset("BTCUSD"))
	assert.Equal(t, "0.12345678", formatAmount(0.123456789))
	assert.InDelta(t, 1.5, parseAmount("1.50000000"), 1e-12)
	assert.Zero(t, parseAmount("garbage"))
}

func TestAlpacaTimeFrame(t *testing.T) {
	tf, err := alpacaTimeFrame("15m")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, timeframeDuration(tf))

	_, err = alpacaTimeFrame("x")
	assert.Error(t, err)
}

func TestAlpacaFetchTickerUsesLatestTradeAndQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbols") != "BTC/USD" {
			_, _ = w.Write([]byte(`{"trades":{},"quotes":{}}`))
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/v1beta3/crypto/us/latest/trades"):
			_, _ = w.Write([]byte(`{"trades":{"BTC/USD":{"t":"2024-01-02T03:04:05Z","p":42000.5,"s":0.1,"i":7}}}`))
		case strings.HasSuffix(r.URL.Path, "/v1beta3/crypto/us/latest/quotes"):
			_, _ = w.Write([]byte(`{"quotes":{"BTC/USD":{"t":"2024-01-02T03:04:05Z","bp":42000,"bs":1,"ap":42001,"as":2}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewAlpacaAdapter("key", "secret", srv.URL, srv.URL)
	tick, err := a.FetchTicker(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USD", tick.Symbol)
	assert.InDelta(t, 42000.5, tick.Last, 1e-9)
	assert.InDelta(t, 42000, tick.Bid, 1e-9)
	assert.InDelta(t, 42001, tick.Ask, 1e-9)
	assert.True(t, tick.Timestamp.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))

	_, err = a.FetchTicker(context.Background(), "DOGE/USD")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExchange)
}
