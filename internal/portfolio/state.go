package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tradingbot/internal/domain"
	"tradingbot/internal/store"
)

const stateKey = "portfolio"

// State is the serializable portfolio ledger.
type State struct {
	Positions       []domain.Position `json:"positions"`
	Balances        []domain.Balance  `json:"balances"`
	Trades          []domain.Trade    `json:"trades"`
	History         []BalancePoint    `json:"history"`
	RealizedPnL     float64           `json:"realized_pnl"`
	Fees            float64           `json:"fees"`
	Wins            int               `json:"wins"`
	Losses          int               `json:"losses"`
	GrossProfit     float64           `json:"gross_profit"`
	GrossLoss       float64           `json:"gross_loss"`
	InitialBalance  float64           `json:"initial_balance"`
	PeakBalance     float64           `json:"peak_balance"`
	Drawdown        float64           `json:"drawdown"`
	MaxDrawdown     float64           `json:"max_drawdown"`
	DayStartBalance float64           `json:"day_start_balance"`
	DayStart        time.Time         `json:"day_start"`
}

// Snapshot captures the ledger.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := State{
		Trades:          append([]domain.Trade(nil), m.trades...),
		History:         append([]BalancePoint(nil), m.history...),
		RealizedPnL:     m.realized,
		Fees:            m.fees,
		Wins:            m.wins,
		Losses:          m.losses,
		GrossProfit:     m.grossProfit,
		GrossLoss:       m.grossLoss,
		InitialBalance:  m.initialBalance,
		PeakBalance:     m.peak,
		Drawdown:        m.drawdown,
		MaxDrawdown:     m.maxDrawdown,
		DayStartBalance: m.dayStart,
		DayStart:        m.dayStartAt,
	}
	for _, p := range m.positions {
		if !p.IsFlat() {
			s.Positions = append(s.Positions, *p)
		}
	}
	for _, b := range m.balances {
		s.Balances = append(s.Balances, b)
	}
	return s
}

// Restore replaces the ledger with s.
func (m *Manager) Restore(s State) error {
	positions := make(map[string]*domain.Position, len(s.Positions))
	for i := range s.Positions {
		p := s.Positions[i]
		if p.Symbol == "" || p.Size < 0 {
			return fmt.Errorf("%w: bad position in state: %+v", domain.ErrPortfolio, p)
		}
		positions[p.Symbol] = &p
	}
	balances := make(map[string]domain.Balance, len(s.Balances))
	for _, b := range s.Balances {
		balances[b.Currency] = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
	m.balances = balances
	m.trades = append([]domain.Trade(nil), s.Trades...)
	m.history = append([]BalancePoint(nil), s.History...)
	m.realized = s.RealizedPnL
	m.fees = s.Fees
	m.wins, m.losses = s.Wins, s.Losses
	m.grossProfit, m.grossLoss = s.GrossProfit, s.GrossLoss
	m.initialBalance = s.InitialBalance
	m.peak = s.PeakBalance
	m.drawdown, m.maxDrawdown = s.Drawdown, s.MaxDrawdown
	m.dayStart, m.dayStartAt = s.DayStartBalance, s.DayStart
	return nil
}

// SaveState persists the snapshot, open positions and a metrics row.
// Failures are reported but leave the ledger untouched.
func (m *Manager) SaveState(ctx context.Context, p store.Persister) error {
	data, err := json.Marshal(m.Snapshot())
	if err != nil {
		return fmt.Errorf("%w: encode state: %v", domain.ErrPortfolio, err)
	}
	if err := p.SaveState(ctx, stateKey, data); err != nil {
		return err
	}
	for _, pos := range m.Positions() {
		if err := p.SavePosition(ctx, pos); err != nil {
			return err
		}
	}
	return p.SavePortfolioMetrics(ctx, m.Metrics())
}

// LoadState restores a persisted snapshot. It reports false when none was
// stored.
func (m *Manager) LoadState(ctx context.Context, p store.Persister) (bool, error) {
	data, err := p.LoadState(ctx, stateKey)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return false, fmt.Errorf("%w: decode state: %v", domain.ErrPortfolio, err)
	}
	if err := m.Restore(s); err != nil {
		return false, err
	}
	m.log.Info("portfolio state restored", "positions", len(s.Positions), "trades", len(s.Trades),
		"balance", m.TotalBalance())
	return true, nil
}
