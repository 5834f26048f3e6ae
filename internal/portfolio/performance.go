package portfolio

import (
	"math"

	"github.com/markcheno/go-talib"
)

// Performance summarises returns and risk of the portfolio.
type Performance struct {
	InitialBalance float64
	CurrentBalance float64
	TotalReturn    float64 // fraction of the initial balance
	RealizedPnL    float64
	UnrealizedPnL  float64
	Fees           float64
	Trades         int
	WinningTrades  int
	LosingTrades   int
	WinRate        float64 // winners over closing trades
	ProfitFactor   float64 // gross profit over gross loss
	SharpeRatio    float64
	MaxDrawdown    float64
	Leverage       float64 // position value over equity
	Concentration  float64 // largest position over total position value
	OpenPositions  int
}

// Performance computes the current performance figures.
func (m *Manager) Performance() Performance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	eq := m.totalBalanceLocked()
	p := Performance{
		InitialBalance: m.initialBalance,
		CurrentBalance: eq,
		RealizedPnL:    m.realized,
		UnrealizedPnL:  m.unrealizedLocked(),
		Fees:           m.fees,
		Trades:         len(m.trades),
		WinningTrades:  m.wins,
		LosingTrades:   m.losses,
		MaxDrawdown:    m.maxDrawdown,
		ProfitFactor:   profitFactor(m.grossProfit, m.grossLoss),
	}
	if m.initialBalance > 0 {
		p.TotalReturn = (eq - m.initialBalance) / m.initialBalance
	}
	if closing := m.wins + m.losses; closing > 0 {
		p.WinRate = float64(m.wins) / float64(closing)
	}

	var total, largest float64
	for _, pos := range m.positions {
		if pos.IsFlat() {
			continue
		}
		p.OpenPositions++
		v := pos.MarketValue()
		total += v
		largest = math.Max(largest, v)
	}
	if eq > 0 {
		p.Leverage = total / eq
	}
	if total > 0 {
		p.Concentration = largest / total
	}

	equity := make([]float64, len(m.history))
	for i, h := range m.history {
		equity[i] = h.Balance
	}
	p.SharpeRatio = SharpeRatio(equity)
	return p
}

func profitFactor(grossProfit, grossLoss float64) float64 {
	switch {
	case grossLoss > 0:
		return grossProfit / grossLoss
	case grossProfit > 0:
		return math.Inf(1)
	}
	return 0
}

// SharpeRatio is the annualised (252 periods) ratio of mean to standard
// deviation of period returns of an equity series. It is zero for fewer
// than three points or a flat series.
func SharpeRatio(equity []float64) float64 {
	if len(equity) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] <= 0 {
			continue
		}
		returns = append(returns, equity[i]/equity[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	sd := talib.StdDev(returns, len(returns), 1)
	std := sd[len(sd)-1]
	if !(std > 1e-15) {
		return 0
	}
	return mean / std * math.Sqrt(252)
}
