package order

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingbot/internal/domain"
	"tradingbot/internal/exchange"
)

const btc = "BTC/USDT"

func testConfig(mode domain.TradingMode) Config {
	cfg := DefaultConfig()
	cfg.Mode = mode
	cfg.MinSubmitInterval = 0
	cfg.RetryDelay = 0
	cfg.CallTimeout = time.Second
	return cfg
}

func newSim(price float64) *exchange.Simulator {
	sim := exchange.NewSimulator(map[string]float64{"USDT": 10000, "BTC": 10}, 0.001)
	sim.SetPrice(btc, price, time.Time{})
	return sim
}

// flakyAdapter fails the first n CreateOrder calls with a transient error.
type flakyAdapter struct {
	*exchange.Simulator
	failures int32
	calls    atomic.Int32
}

func (f *flakyAdapter) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	if f.calls.Add(1) <= f.failures {
		return exchange.OrderAck{}, &domain.ExchangeError{Op: "create order", Kind: domain.ErrExchange, Err: errors.New("timeout")}
	}
	return f.Simulator.CreateOrder(ctx, req)
}

func TestCreateOrderValidation(t *testing.T) {
	m := NewManager(testConfig(domain.ModePaper), newSim(100), nil)
	tests := []struct {
		name string
		req  domain.OrderRequest
	}{
		{"missing symbol", domain.OrderRequest{Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: 1}},
		{"bad side", domain.OrderRequest{Symbol: btc, Side: "hold", Type: domain.OrderTypeMarket, Amount: 1}},
		{"bad type", domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: "iceberg", Amount: 1}},
		{"zero amount", domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeMarket}},
		{"limit without price", domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: 1}},
		{"stop without stop price", domain.OrderRequest{Symbol: btc, Side: domain.SideSell, Type: domain.OrderTypeStop, Amount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := m.CreateOrder(context.Background(), tt.req)
			assert.Nil(t, o)
			assert.ErrorIs(t, err, domain.ErrInvalidOrder)
		})
	}
	assert.Zero(t, m.Stats().Total)
}

func TestPaperMarketOrderFillsAtLast(t *testing.T) {
	ctx := context.Background()
	sim := newSim(100)
	m := NewManager(testConfig(domain.ModePaper), sim, nil)

	o, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: 1, Strategy: "grid"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.InDelta(t, 100, o.AvgFillPrice, 1e-12)
	assert.InDelta(t, 0.1, o.Fee, 1e-12)

	fills := m.DrainFills()
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Final)
	assert.Equal(t, "grid", fills[0].Strategy)
	assert.Empty(t, m.DrainFills(), "fills drain once")

	// Paper mode never touches exchange balances.
	bal, err := sim.FetchBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, bal["USDT"].Total)
}

func TestPaperLimitFillsWhenPriceCrosses(t *testing.T) {
	ctx := context.Background()
	sim := newSim(100)
	m := NewManager(testConfig(domain.ModePaper), sim, nil)

	o, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: 2, Price: 95})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, o.Status)

	require.NoError(t, m.UpdateOrders(ctx))
	assert.Empty(t, m.DrainFills())

	sim.SetPrice(btc, 94, time.Time{})
	require.NoError(t, m.UpdateOrders(ctx))
	fills := m.DrainFills()
	require.Len(t, fills, 1)
	assert.InDelta(t, 95, fills[0].Price, 1e-12, "limit fills at its limit price")
	assert.InDelta(t, 2, fills[0].Amount, 1e-12)

	got, ok := m.Order(o.ID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Empty(t, m.ActiveOrders(btc))
}

func TestPaperStopLimitTriggersThenRests(t *testing.T) {
	ctx := context.Background()
	sim := newSim(100)
	m := NewManager(testConfig(domain.ModePaper), sim, nil)

	o, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideSell, Type: domain.OrderTypeStopLimit, Amount: 1, StopPrice: 90, Price: 91})
	require.NoError(t, err)

	sim.SetPrice(btc, 89, time.Time{})
	require.NoError(t, m.UpdateOrders(ctx))
	got, _ := m.Order(o.ID)
	assert.True(t, got.Triggered)
	assert.Equal(t, domain.OrderStatusOpen, got.Status)

	sim.SetPrice(btc, 91.5, time.Time{})
	require.NoError(t, m.UpdateOrders(ctx))
	got, _ = m.Order(o.ID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.InDelta(t, 91, got.AvgFillPrice, 1e-12)
}

func TestBracketExitsCancelEachOther(t *testing.T) {
	ctx := context.Background()
	sim := newSim(100)
	m := NewManager(testConfig(domain.ModePaper), sim, nil)

	entry, err := m.CreateOrder(ctx, domain.OrderRequest{
		Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: 1,
		StopLoss: 90, TakeProfit: 110,
	})
	require.NoError(t, err)

	exits := m.ActiveOrders(btc)
	require.Len(t, exits, 2)
	var stopID, tpID string
	for _, o := range exits {
		assert.Equal(t, entry.ID, o.ParentID)
		assert.Equal(t, domain.SideSell, o.Side)
		assert.InDelta(t, 1, o.Amount, 1e-12)
		switch o.Role {
		case domain.OrderRoleStopLoss:
			stopID = o.ID
			assert.Equal(t, domain.OrderTypeStop, o.Type)
		case domain.OrderRoleTakeProfit:
			tpID = o.ID
			assert.Equal(t, domain.OrderTypeLimit, o.Type)
		}
	}
	require.NotEmpty(t, stopID)
	require.NotEmpty(t, tpID)

	sim.SetPrice(btc, 111, time.Time{})
	require.NoError(t, m.UpdateOrders(ctx))

	tp, _ := m.Order(tpID)
	assert.Equal(t, domain.OrderStatusFilled, tp.Status)
	stop, _ := m.Order(stopID)
	assert.Equal(t, domain.OrderStatusCanceled, stop.Status)
	assert.Empty(t, m.ActiveOrders(""))
}

func TestLiveSubmissionAgainstSimulator(t *testing.T) {
	ctx := context.Background()
	sim := newSim(100)
	m := NewManager(testConfig(domain.ModeLive), sim, nil)

	mkt, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, mkt.Status)
	assert.NotEmpty(t, mkt.ExchangeID)

	lim, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideSell, Type: domain.OrderTypeLimit, Amount: 1, Price: 105})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, lim.Status)

	sim.SetPrice(btc, 106, time.Time{})
	require.NoError(t, m.UpdateOrders(ctx))
	got, _ := m.Order(lim.ID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.InDelta(t, 105, got.AvgFillPrice, 1e-12)

	fills := m.DrainFills()
	require.Len(t, fills, 2)
	assert.InDelta(t, 0.105, fills[1].Fee, 1e-9)
}

func TestLiveRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()

	flaky := &flakyAdapter{Simulator: newSim(100), failures: 2}
	m := NewManager(testConfig(domain.ModeLive), flaky, nil)
	o, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, int32(3), flaky.calls.Load())

	broken := &flakyAdapter{Simulator: newSim(100), failures: 10}
	m = NewManager(testConfig(domain.ModeLive), broken, nil)
	o, err = m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExchange)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.Equal(t, int32(3), broken.calls.Load(), "gives up after three attempts")
	assert.Equal(t, 1, m.Stats().Rejected)
}

func TestLiveInsufficientFundsIsNotRetried(t *testing.T) {
	counting := &flakyAdapter{Simulator: exchange.NewSimulator(map[string]float64{"USDT": 10}, 0)}
	counting.SetPrice(btc, 100, time.Time{})
	m := NewManager(testConfig(domain.ModeLive), counting, nil)

	o, err := m.CreateOrder(context.Background(), domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.Equal(t, int32(1), counting.calls.Load())
}

func TestLiveCancelOfFilledOrderReconciles(t *testing.T) {
	ctx := context.Background()
	sim := newSim(100)
	m := NewManager(testConfig(domain.ModeLive), sim, nil)

	o, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: 1, Price: 95})
	require.NoError(t, err)

	// Fills on the exchange before the manager polls.
	sim.SetPrice(btc, 94, time.Time{})
	require.NoError(t, m.CancelOrder(ctx, o.ID))

	got, _ := m.Order(o.ID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Len(t, m.DrainFills(), 1)
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testConfig(domain.ModePaper), newSim(100), nil)

	o, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: 1, Price: 90})
	require.NoError(t, err)

	require.NoError(t, m.CancelOrder(ctx, o.ID))
	got, _ := m.Order(o.ID)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)

	assert.ErrorIs(t, m.CancelOrder(ctx, o.ID), domain.ErrInvalidTransition)
	assert.ErrorIs(t, m.CancelOrder(ctx, "nope"), domain.ErrOrderNotFound)

	s := m.Stats()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Canceled)
	assert.Zero(t, s.Active)
	assert.Zero(t, s.FillRate)
}

func TestCancelAllBySymbol(t *testing.T) {
	ctx := context.Background()
	sim := newSim(100)
	sim.SetPrice("ETH/USDT", 10, time.Time{})
	m := NewManager(testConfig(domain.ModePaper), sim, nil)

	for _, p := range []float64{90, 91, 92} {
		_, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: 1, Price: p})
		require.NoError(t, err)
	}
	_, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: "ETH/USDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: 1, Price: 9})
	require.NoError(t, err)

	n, err := m.CancelAll(ctx, btc)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, m.ActiveOrders(btc))
	assert.Len(t, m.ActiveOrders("ETH/USDT"), 1)
}

func TestFilledOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testConfig(domain.ModePaper), newSim(100), nil)

	var ids []string
	for i := 0; i < 3; i++ {
		o, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: 0.1})
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}

	got := m.FilledOrders(btc, 2)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[1], got[1].ID)
	assert.InDelta(t, 1.0, m.Stats().FillRate, 1e-12)
}

func TestArchiveIsBounded(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(domain.ModePaper)
	cfg.ArchiveLimit = 2
	m := NewManager(cfg, newSim(100), nil)

	first, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: 0.1})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: 0.1})
		require.NoError(t, err)
	}
	_, ok := m.Order(first.ID)
	assert.False(t, ok, "oldest terminal order evicted")
	assert.Equal(t, 3, m.Stats().Filled)
}

func TestCloseCancelsOutstanding(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testConfig(domain.ModePaper), newSim(100), nil)
	_, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: 1, Price: 90})
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	assert.Empty(t, m.ActiveOrders(""))
	assert.NoError(t, m.CheckConnectivity(ctx, btc))
}

// stuckAdapter reports every cancel as refused while the order keeps
// working on the exchange.
type stuckAdapter struct {
	*exchange.Simulator
}

func (stuckAdapter) CancelOrder(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestCancelRefusedWhileStillOpen(t *testing.T) {
	ctx := context.Background()
	m := NewManager(testConfig(domain.ModeLive), stuckAdapter{newSim(100)}, nil)

	o, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: 1, Price: 90})
	require.NoError(t, err)

	err = m.CancelOrder(ctx, o.ID)
	require.ErrorIs(t, err, domain.ErrCancelRejected)
	got, _ := m.Order(o.ID)
	assert.Equal(t, domain.OrderStatusOpen, got.Status)

	n, err := m.CancelAll(ctx, btc)
	assert.ErrorIs(t, err, domain.ErrCancelRejected)
	assert.Zero(t, n, "a refused cancel is not counted")
	assert.Len(t, m.ActiveOrders(btc), 1)
}

func TestCancelAllSkipsOrdersThatFilled(t *testing.T) {
	ctx := context.Background()
	sim := newSim(100)
	m := NewManager(testConfig(domain.ModeLive), sim, nil)

	for _, p := range []float64{95, 90} {
		_, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: 1, Price: p})
		require.NoError(t, err)
	}
	// the 95 buy fills on the exchange before the sweep
	sim.SetPrice(btc, 94, time.Time{})

	n, err := m.CancelAll(ctx, btc)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, m.Stats().Filled)
	assert.Equal(t, 1, m.Stats().Canceled)
}

func TestRateLimiterDoesNotBlockQueries(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(domain.ModeLive)
	cfg.MinSubmitInterval = 2 * time.Second
	m := NewManager(cfg, newSim(100), nil)

	first, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: 1, Price: 90})
	require.NoError(t, err)

	// the second submission waits for its slot
	submitted := make(chan error, 1)
	go func() {
		_, err := m.CreateOrder(ctx, domain.OrderRequest{Symbol: btc, Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: 1, Price: 89})
		submitted <- err
	}()
	time.Sleep(50 * time.Millisecond)

	begin := time.Now()
	_, ok := m.Order(first.ID)
	assert.True(t, ok)
	assert.Len(t, m.ActiveOrders(btc), 1)
	assert.Equal(t, 1, m.Stats().Total)
	require.NoError(t, m.UpdateOrders(ctx))
	assert.Empty(t, m.DrainFills())
	assert.Less(t, time.Since(begin), 500*time.Millisecond, "queries waited on the submission limiter")

	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("throttled submission never completed")
	}
	assert.Len(t, m.ActiveOrders(btc), 2)
}
