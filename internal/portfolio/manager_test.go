package portfolio

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingbot/internal/domain"
	"tradingbot/internal/exchange"
	"tradingbot/internal/store"
)

const btc = "BTC/USDT"

func newPaper(t *testing.T, balance float64) *Manager {
	t.Helper()
	m := NewManager(Config{
		Mode:         domain.ModePaper,
		BaseCurrency: "USDT",
		PaperBalance: balance,
		Limits:       domain.RiskLimits{MaxPositionSize: 0.10, MaxDailyLoss: 0.05, RiskPerTrade: 0.02},
	}, nil)
	require.NoError(t, m.Initialize(context.Background(), nil, nil))
	return m
}

func fill(side domain.Side, amount, price float64) domain.Fill {
	return domain.Fill{OrderID: "o", Symbol: btc, Side: side, Amount: amount, Price: price}
}

func TestInitializePaperAndOverride(t *testing.T) {
	m := newPaper(t, 10000)
	assert.Equal(t, 10000.0, m.TotalBalance())
	assert.Equal(t, 10000.0, m.Balance("USDT").Free)

	override := 500.0
	require.NoError(t, m.Initialize(context.Background(), nil, &override))
	assert.Equal(t, 500.0, m.InitialBalance())
}

func TestInitializeLiveReadsExchange(t *testing.T) {
	sim := exchange.NewSimulator(map[string]float64{"USDT": 2500, "BTC": 0.5}, 0)
	m := NewManager(Config{Mode: domain.ModeLive, BaseCurrency: "USDT"}, nil)
	require.NoError(t, m.Initialize(context.Background(), sim, nil))
	assert.Equal(t, 2500.0, m.TotalBalance())
	assert.Equal(t, 0.5, m.Balance("BTC").Total)
}

func TestWeightedAverageEntry(t *testing.T) {
	m := newPaper(t, 10000)
	_, err := m.ProcessFill(fill(domain.SideBuy, 1, 100))
	require.NoError(t, err)
	_, err = m.ProcessFill(fill(domain.SideBuy, 3, 120))
	require.NoError(t, err)

	pos := m.Position(btc)
	assert.Equal(t, domain.PositionSideLong, pos.Side)
	assert.InDelta(t, 4, pos.Size, 1e-12)
	assert.InDelta(t, 115, pos.AvgEntryPrice, 1e-9)
	assert.InDelta(t, 10000-100-360, m.Balance("USDT").Total, 1e-9)
}

func TestPartialClosesAreAdditive(t *testing.T) {
	single := newPaper(t, 10000)
	_, err := single.ProcessFill(fill(domain.SideBuy, 2, 100))
	require.NoError(t, err)
	_, err = single.ProcessFill(fill(domain.SideSell, 2, 110))
	require.NoError(t, err)

	split := newPaper(t, 10000)
	_, err = split.ProcessFill(fill(domain.SideBuy, 2, 100))
	require.NoError(t, err)
	t1, err := split.ProcessFill(fill(domain.SideSell, 0.5, 110))
	require.NoError(t, err)
	t2, err := split.ProcessFill(fill(domain.SideSell, 1.5, 110))
	require.NoError(t, err)

	assert.InDelta(t, 20, single.RealizedPnL(), 1e-9)
	assert.InDelta(t, single.RealizedPnL(), split.RealizedPnL(), 1e-9)
	assert.InDelta(t, 20, t1.RealizedPnL+t2.RealizedPnL, 1e-9)
	assert.True(t, split.Position(btc).IsFlat())
	assert.Empty(t, split.Positions())
}

func TestFlipOpensOppositePosition(t *testing.T) {
	m := newPaper(t, 10000)
	_, err := m.ProcessFill(fill(domain.SideBuy, 1, 100))
	require.NoError(t, err)
	tr, err := m.ProcessFill(fill(domain.SideSell, 3, 90))
	require.NoError(t, err)

	assert.InDelta(t, -10, tr.RealizedPnL, 1e-9)
	pos := m.Position(btc)
	assert.Equal(t, domain.PositionSideShort, pos.Side)
	assert.InDelta(t, 2, pos.Size, 1e-12)
	assert.InDelta(t, 90, pos.AvgEntryPrice, 1e-12)

	// Covering the short at 80 earns (90-80)*2.
	tr, err = m.ProcessFill(fill(domain.SideBuy, 2, 80))
	require.NoError(t, err)
	assert.InDelta(t, 20, tr.RealizedPnL, 1e-9)
}

func TestProcessFillRejectsMalformed(t *testing.T) {
	m := newPaper(t, 10000)
	for _, f := range []domain.Fill{
		fill(domain.SideBuy, 0, 100),
		fill(domain.SideBuy, 1, 0),
		fill("hold", 1, 100),
	} {
		_, err := m.ProcessFill(f)
		assert.ErrorIs(t, err, domain.ErrPortfolio)
	}
	assert.Empty(t, m.Trades(0))
}

func TestProcessFilledOrder(t *testing.T) {
	m := newPaper(t, 10000)
	_, err := m.ProcessFilledOrder(domain.Order{ID: "x", Status: domain.OrderStatusOpen})
	assert.ErrorIs(t, err, domain.ErrPortfolio)

	tr, err := m.ProcessFilledOrder(domain.Order{ID: "y", Symbol: btc, Side: domain.SideBuy, Status: domain.OrderStatusFilled, FilledAmount: 1, AvgFillPrice: 100, Fee: 0.1})
	require.NoError(t, err)
	assert.Equal(t, "y", tr.OrderID)
	assert.InDelta(t, 10000-100.1, m.Balance("USDT").Total, 1e-9)
}

func TestEquityDrawdownAndHistory(t *testing.T) {
	m := newPaper(t, 10000)
	_, err := m.ProcessFill(fill(domain.SideBuy, 10, 100))
	require.NoError(t, err)

	m.UpdatePositions(map[string]float64{btc: 110})
	assert.InDelta(t, 10100, m.TotalBalance(), 1e-9)
	assert.InDelta(t, 100, m.UnrealizedPnL(), 1e-9)

	m.UpdatePositions(map[string]float64{btc: 90})
	assert.InDelta(t, 9900, m.TotalBalance(), 1e-9)
	assert.InDelta(t, 200.0/10100, m.Drawdown(), 1e-12)

	m.UpdatePositions(map[string]float64{btc: 105})
	assert.InDelta(t, 50.0/10100, m.Drawdown(), 1e-12, "drawdown is current, not historical")
	assert.InDelta(t, 200.0/10100, m.MaxDrawdown(), 1e-12)

	for i := 0; i < historyLimit+10; i++ {
		m.UpdatePositions(map[string]float64{btc: 100})
	}
	assert.Len(t, m.History(), historyLimit)
}

func TestDailyLossAndReset(t *testing.T) {
	m := newPaper(t, 10000)
	day := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return day }
	require.NoError(t, m.Initialize(context.Background(), nil, nil))

	_, err := m.ProcessFill(fill(domain.SideBuy, 10, 100))
	require.NoError(t, err)
	m.UpdatePositions(map[string]float64{btc: 50})
	assert.InDelta(t, 0.05, m.DailyLoss(), 1e-12)
	assert.InDelta(t, -500, m.DailyPnL(), 1e-9)

	assert.False(t, m.ResetDaily(day.Add(time.Hour)))
	assert.True(t, m.ResetDaily(day.Add(24*time.Hour)))
	assert.Zero(t, m.DailyLoss())
}

func TestCalculatePositionSize(t *testing.T) {
	m := newPaper(t, 10000)
	assert.InDelta(t, 10, m.CalculatePositionSize(100, 95, 50), 1e-12)
	// Clamped to 10% of equity at the entry price.
	assert.InDelta(t, 10, m.CalculatePositionSize(100, 99, 500), 1e-12)
	// Default risk: 2% of 10000 over a distance of 50.
	assert.InDelta(t, 4, m.CalculatePositionSize(100, 50, 0), 1e-12)
	assert.Zero(t, m.CalculatePositionSize(100, 100, 50))
}

func TestCanOpenPosition(t *testing.T) {
	m := newPaper(t, 10000)

	ok, reason := m.CanOpenPosition(btc, domain.SideBuy, 5, 100)
	assert.True(t, ok, reason)

	ok, reason = m.CanOpenPosition(btc, domain.SideBuy, 11, 100)
	assert.False(t, ok)
	assert.Contains(t, reason, "exceed")

	_, err := m.ProcessFill(fill(domain.SideBuy, 9, 100))
	require.NoError(t, err)
	ok, _ = m.CanOpenPosition(btc, domain.SideBuy, 2, 100)
	assert.False(t, ok, "cumulative exposure counts")
	ok, _ = m.CanOpenPosition(btc, domain.SideSell, 9, 100)
	assert.True(t, ok, "reducing is always allowed")

	m.UpdatePositions(map[string]float64{btc: 40})
	ok, reason = m.CanOpenPosition("ETH/USDT", domain.SideBuy, 1, 10)
	assert.False(t, ok)
	assert.Contains(t, reason, "daily loss")
}

func TestPerformance(t *testing.T) {
	m := newPaper(t, 10000)
	for _, f := range []domain.Fill{
		fill(domain.SideBuy, 1, 100),
		fill(domain.SideSell, 1, 120),
		fill(domain.SideBuy, 1, 100),
		fill(domain.SideSell, 1, 90),
	} {
		_, err := m.ProcessFill(f)
		require.NoError(t, err)
	}
	p := m.Performance()
	assert.Equal(t, 4, p.Trades)
	assert.Equal(t, 1, p.WinningTrades)
	assert.Equal(t, 1, p.LosingTrades)
	assert.InDelta(t, 0.5, p.WinRate, 1e-12)
	assert.InDelta(t, 2, p.ProfitFactor, 1e-12)
	assert.InDelta(t, 0.001, p.TotalReturn, 1e-12)
}

func TestSharpeRatio(t *testing.T) {
	assert.Zero(t, SharpeRatio([]float64{100, 101}))
	assert.Zero(t, SharpeRatio([]float64{100, 100, 100, 100}))
	assert.Greater(t, SharpeRatio([]float64{100, 101, 103, 104, 106}), 0.0)
	assert.Less(t, SharpeRatio([]float64{100, 99, 97, 96, 94}), 0.0)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := newPaper(t, 10000)
	_, err := m.ProcessFill(fill(domain.SideBuy, 2, 100))
	require.NoError(t, err)
	_, err = m.ProcessFill(fill(domain.SideSell, 1, 130))
	require.NoError(t, err)
	m.UpdatePositions(map[string]float64{btc: 125})

	restored := newPaper(t, 1)
	require.NoError(t, restored.Restore(m.Snapshot()))
	assert.Equal(t, m.TotalBalance(), restored.TotalBalance())
	assert.Equal(t, m.TotalPnL(), restored.TotalPnL())
	assert.Equal(t, m.MaxDrawdown(), restored.MaxDrawdown())
}

func TestSaveLoadStateThroughStore(t *testing.T) {
	ctx := context.Background()
	db, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	defer db.Close()

	m := newPaper(t, 10000)
	_, err = m.ProcessFill(fill(domain.SideBuy, 3, 100))
	require.NoError(t, err)
	m.UpdatePositions(map[string]float64{btc: 104})
	require.NoError(t, m.SaveState(ctx, db))

	positions, err := db.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	fresh := newPaper(t, 10000)
	ok, err := fresh.LoadState(ctx, db)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, m.TotalBalance(), fresh.TotalBalance(), 1e-9)
	assert.InDelta(t, m.TotalPnL(), fresh.TotalPnL(), 1e-9)
	assert.Len(t, fresh.Trades(0), 1)

	empty, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer empty.Close()
	ok, err = newPaper(t, 1).LoadState(ctx, empty)
	require.NoError(t, err)
	assert.False(t, ok)
}
