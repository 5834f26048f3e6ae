// Package portfolio tracks balances, positions, realized and unrealized P&L,
// and equity drawdown for the trading engine.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradingbot/internal/domain"
	"tradingbot/internal/exchange"
	"tradingbot/internal/util"
)

const (
	historyLimit = 1000
	tradeLimit   = 5000
	qtyEpsilon   = 1e-12
)

// Config holds the portfolio settings.
type Config struct {
	Mode         domain.TradingMode
	BaseCurrency string
	PaperBalance float64
	Limits       domain.RiskLimits
}

// BalancePoint is one equity observation.
type BalancePoint struct {
	Time    time.Time
	Balance float64
}

// Manager is the portfolio ledger. All methods are safe for concurrent use.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	calendar *util.TradingCalendar
	now      func() time.Time

	mu             sync.RWMutex
	positions      map[string]*domain.Position
	balances       map[string]domain.Balance
	trades         []domain.Trade
	history        []BalancePoint
	realized       float64
	fees           float64
	wins, losses   int
	grossProfit    float64
	grossLoss      float64
	initialBalance float64
	peak           float64
	drawdown       float64
	maxDrawdown    float64
	dayStart       float64
	dayStartAt     time.Time
}

// NewManager creates an empty portfolio. Call Initialize before use.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = util.Discard()
	}
	if cfg.BaseCurrency == "" {
		cfg.BaseCurrency = "USDT"
	}
	return &Manager{
		cfg:       cfg,
		log:       logger.With("component", "portfolio"),
		calendar:  util.NewTradingCalendar(time.UTC),
		now:       time.Now,
		positions: make(map[string]*domain.Position),
		balances:  make(map[string]domain.Balance),
	}
}

// Initialize seeds balances. Paper and backtest modes start from the
// configured paper balance, or initialBalance when given; live mode reads
// the exchange account.
func (m *Manager) Initialize(ctx context.Context, adapter exchange.Adapter, initialBalance *float64) error {
	balances := make(map[string]domain.Balance)
	if m.cfg.Mode == domain.ModeLive {
		fetched, err := adapter.FetchBalance(ctx)
		if err != nil {
			return fmt.Errorf("%w: fetch balances: %v", domain.ErrPortfolio, err)
		}
		balances = fetched
		if _, ok := balances[m.cfg.BaseCurrency]; !ok {
			m.log.Warn("no balance in base currency", "currency", m.cfg.BaseCurrency)
		}
	} else {
		start := m.cfg.PaperBalance
		if initialBalance != nil {
			start = *initialBalance
		}
		if start <= 0 {
			return fmt.Errorf("%w: initial balance must be positive, got %v", domain.ErrPortfolio, start)
		}
		balances[m.cfg.BaseCurrency] = domain.Balance{Currency: m.cfg.BaseCurrency, Total: start, Free: start}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = balances
	eq := m.totalBalanceLocked()
	m.initialBalance = eq
	m.peak = eq
	m.drawdown, m.maxDrawdown = 0, 0
	m.dayStart = eq
	m.dayStartAt = m.now()
	m.log.Info("portfolio initialized", "mode", m.cfg.Mode, "balance", eq, "currency", m.cfg.BaseCurrency)
	return nil
}

// RefreshBalances re-reads exchange balances. It is a no-op outside live
// mode, where the ledger itself is authoritative.
func (m *Manager) RefreshBalances(ctx context.Context, adapter exchange.Adapter) error {
	if m.cfg.Mode != domain.ModeLive {
		return nil
	}
	fetched, err := adapter.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("%w: refresh balances: %v", domain.ErrPortfolio, err)
	}
	m.mu.Lock()
	m.balances = fetched
	m.trackEquityLocked(m.now())
	m.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Fills
// ---------------------------------------------------------------------------

// ProcessFill applies one execution to the ledger: a trade is appended, the
// symbol position moves and the base balance is debited or credited.
func (m *Manager) ProcessFill(f domain.Fill) (domain.Trade, error) {
	if !(f.Amount > 0) || !(f.Price > 0) || !f.Side.Valid() || f.Symbol == "" {
		return domain.Trade{}, fmt.Errorf("%w: malformed fill %s %s %v@%v", domain.ErrPortfolio, f.Symbol, f.Side, f.Amount, f.Price)
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[f.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: f.Symbol, Side: domain.PositionSideFlat}
		m.positions[f.Symbol] = pos
	}
	pnl := applyToPosition(pos, f.Side, f.Amount, f.Price, ts)

	value := f.Amount * f.Price
	bal := m.balances[m.cfg.BaseCurrency]
	bal.Currency = m.cfg.BaseCurrency
	if f.Side == domain.SideBuy {
		bal.Total -= value + f.Fee
	} else {
		bal.Total += value - f.Fee
	}
	bal.Free = bal.Total - bal.Locked
	m.balances[m.cfg.BaseCurrency] = bal

	m.realized += pnl
	m.fees += f.Fee
	switch {
	case pnl > 0:
		m.wins++
		m.grossProfit += pnl
	case pnl < 0:
		m.losses++
		m.grossLoss -= pnl
	}

	trade := domain.Trade{
		ID:          uuid.NewString(),
		OrderID:     f.OrderID,
		Symbol:      f.Symbol,
		Side:        f.Side,
		Amount:      f.Amount,
		Price:       f.Price,
		Fee:         f.Fee,
		Cost:        value,
		RealizedPnL: pnl,
		Strategy:    f.Strategy,
		Timestamp:   ts,
	}
	m.trades = append(m.trades, trade)
	if len(m.trades) > tradeLimit {
		m.trades = m.trades[len(m.trades)-tradeLimit:]
	}
	m.trackEquityLocked(ts)

	m.log.Debug("fill processed", "symbol", f.Symbol, "side", f.Side, "amount", f.Amount,
		"price", f.Price, "realizedPnL", pnl, "position", pos.SignedSize())
	return trade, nil
}

// ProcessFilledOrder records a completely filled order as a single fill.
func (m *Manager) ProcessFilledOrder(o domain.Order) (domain.Trade, error) {
	if o.Status != domain.OrderStatusFilled {
		return domain.Trade{}, fmt.Errorf("%w: order %s is %s, not filled", domain.ErrPortfolio, o.ID, o.Status)
	}
	return m.ProcessFill(domain.Fill{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Amount:    o.FilledAmount,
		Price:     o.AvgFillPrice,
		Fee:       o.Fee,
		Strategy:  o.Strategy,
		Tag:       o.Tag,
		Role:      o.Role,
		Final:     true,
		Timestamp: o.FilledAt,
	})
}

// applyToPosition moves pos by a fill and returns the realized P&L. Adding
// to a position re-weights the entry price; trading against it realizes
// (exit - entry) on the closed quantity and any excess opens the other way
// at the fill price.
func applyToPosition(pos *domain.Position, side domain.Side, qty, price float64, ts time.Time) float64 {
	dir := side.Sign()
	cur := pos.SignedSize()
	pos.MarketPrice = price
	pos.UpdatedAt = ts

	if cur == 0 || math.Signbit(cur) == math.Signbit(dir) {
		size := math.Abs(cur)
		pos.AvgEntryPrice = (size*pos.AvgEntryPrice + qty*price) / (size + qty)
		pos.Size = size + qty
		if cur == 0 {
			pos.OpenedAt = ts
		}
		pos.Side = sideOf(dir)
		pos.UnrealizedPnL = unrealized(*pos)
		return 0
	}

	size := math.Abs(cur)
	closed := math.Min(size, qty)
	pnl := (price - pos.AvgEntryPrice) * closed
	if cur < 0 {
		pnl = -pnl
	}
	pos.RealizedPnL += pnl

	switch rest := size - closed; {
	case rest > qtyEpsilon:
		pos.Size = rest
	case qty-closed > qtyEpsilon:
		pos.Size = qty - closed
		pos.Side = sideOf(dir)
		pos.AvgEntryPrice = price
		pos.OpenedAt = ts
	default:
		pos.Size = 0
		pos.Side = domain.PositionSideFlat
		pos.AvgEntryPrice = 0
	}
	pos.UnrealizedPnL = unrealized(*pos)
	return pnl
}

func sideOf(dir float64) domain.PositionSide {
	if dir < 0 {
		return domain.PositionSideShort
	}
	return domain.PositionSideLong
}

func unrealized(p domain.Position) float64 {
	if p.IsFlat() || p.MarketPrice == 0 {
		return 0
	}
	return (p.MarketPrice - p.AvgEntryPrice) * p.SignedSize()
}

// ---------------------------------------------------------------------------
// Marks and equity
// ---------------------------------------------------------------------------

// UpdatePositions marks positions to the given prices and updates peak,
// drawdown and the balance history.
func (m *Manager) UpdatePositions(prices map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for sym, price := range prices {
		pos, ok := m.positions[sym]
		if !ok || !(price > 0) {
			continue
		}
		pos.MarketPrice = price
		pos.UnrealizedPnL = unrealized(*pos)
		pos.UpdatedAt = now
	}
	m.trackEquityLocked(now)
}

func (m *Manager) trackEquityLocked(ts time.Time) {
	eq := m.totalBalanceLocked()
	if eq > m.peak {
		m.peak = eq
	}
	if m.peak > 0 {
		m.drawdown = math.Max(0, (m.peak-eq)/m.peak)
	}
	if m.drawdown > m.maxDrawdown {
		m.maxDrawdown = m.drawdown
	}
	m.history = append(m.history, BalancePoint{Time: ts, Balance: eq})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}

func (m *Manager) totalBalanceLocked() float64 {
	eq := m.balances[m.cfg.BaseCurrency].Total
	for _, p := range m.positions {
		price := p.MarketPrice
		if price == 0 {
			price = p.AvgEntryPrice
		}
		eq += p.SignedSize() * price
	}
	return eq
}

// ResetDaily rolls the daily baseline to current equity when now falls on a
// later UTC day than the current baseline. It reports whether it rolled.
func (m *Manager) ResetDaily(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calendar.SameDay(m.dayStartAt, now) {
		return false
	}
	m.dayStart = m.totalBalanceLocked()
	m.dayStartAt = now
	m.log.Info("daily metrics reset", "dayStartBalance", m.dayStart)
	return true
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// TotalBalance returns equity: cash plus signed position value at mark.
func (m *Manager) TotalBalance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalBalanceLocked()
}

// InitialBalance returns the equity at initialization.
func (m *Manager) InitialBalance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialBalance
}

func (m *Manager) RealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.realized
}

func (m *Manager) UnrealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unrealizedLocked()
}

func (m *Manager) unrealizedLocked() float64 {
	var u float64
	for _, p := range m.positions {
		u += unrealized(*p)
	}
	return u
}

// TotalPnL is realized plus unrealized P&L.
func (m *Manager) TotalPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.realized + m.unrealizedLocked()
}

// DailyPnL is the equity change since the daily baseline.
func (m *Manager) DailyPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalBalanceLocked() - m.dayStart
}

// DailyLoss is today's loss as a fraction of the day-start equity, zero
// when the day is flat or up.
func (m *Manager) DailyLoss() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyLossLocked()
}

func (m *Manager) dailyLossLocked() float64 {
	if m.dayStart <= 0 {
		return 0
	}
	return math.Max(0, (m.dayStart-m.totalBalanceLocked())/m.dayStart)
}

// Drawdown is the current decline from the equity peak.
func (m *Manager) Drawdown() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drawdown
}

// MaxDrawdown is the largest drawdown observed.
func (m *Manager) MaxDrawdown() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxDrawdown
}

// Positions returns copies of all non-flat positions, sorted by symbol.
func (m *Manager) Positions() []domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if !p.IsFlat() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Position returns the position in symbol; flat when none is held.
func (m *Manager) Position(symbol string) domain.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.positions[symbol]; ok {
		return *p
	}
	return domain.Position{Symbol: symbol, Side: domain.PositionSideFlat}
}

// Balances returns a copy of all currency balances.
func (m *Manager) Balances() map[string]domain.Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.Balance, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out
}

func (m *Manager) Balance(currency string) domain.Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.balances[currency]
	b.Currency = currency
	return b
}

// Trades returns up to limit of the most recent trades, oldest first.
// limit <= 0 returns all retained trades.
func (m *Manager) Trades(limit int) []domain.Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.trades
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	return append([]domain.Trade(nil), src...)
}

// History returns the retained equity history.
func (m *Manager) History() []BalancePoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]BalancePoint(nil), m.history...)
}

// Metrics returns a point-in-time summary.
func (m *Manager) Metrics() domain.PortfolioMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var posValue float64
	open := 0
	for _, p := range m.positions {
		if p.IsFlat() {
			continue
		}
		open++
		posValue += p.MarketValue()
	}
	eq := m.totalBalanceLocked()
	return domain.PortfolioMetrics{
		TotalBalance:   eq,
		Cash:           m.balances[m.cfg.BaseCurrency].Total,
		PositionsValue: posValue,
		RealizedPnL:    m.realized,
		UnrealizedPnL:  m.unrealizedLocked(),
		DailyPnL:       eq - m.dayStart,
		Drawdown:       m.drawdown,
		MaxDrawdown:    m.maxDrawdown,
		OpenPositions:  open,
		Timestamp:      m.now(),
	}
}

// ---------------------------------------------------------------------------
// Sizing and margin
// ---------------------------------------------------------------------------

// CalculatePositionSize returns the fixed-risk quantity riskAmount /
// |entry - stop|, clamped so the position value stays within the maximum
// position share of equity. riskAmount <= 0 uses the default risk per
// trade.
func (m *Manager) CalculatePositionSize(entry, stop, riskAmount float64) float64 {
	if !(entry > 0) {
		return 0
	}
	dist := math.Abs(entry - stop)
	if dist == 0 {
		return 0
	}
	eq := m.TotalBalance()
	if riskAmount <= 0 {
		riskAmount = eq * m.cfg.Limits.RiskPerTrade
	}
	size := riskAmount / dist
	if capped := eq * m.cfg.Limits.MaxPositionSize / entry; m.cfg.Limits.MaxPositionSize > 0 && size > capped {
		size = capped
	}
	return math.Max(0, size)
}

// CanOpenPosition is the margin check for a new trade. Trades that only
// reduce an existing position always pass the balance and size checks.
func (m *Manager) CanOpenPosition(symbol string, side domain.Side, amount, price float64) (bool, string) {
	if !(amount > 0) || !(price > 0) {
		return false, "amount and price must be positive"
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit := m.cfg.Limits.MaxDailyLoss; limit > 0 {
		if loss := m.dailyLossLocked(); loss >= limit {
			return false, fmt.Sprintf("daily loss %.2f%% reached limit %.2f%%", loss*100, limit*100)
		}
	}

	var cur float64
	if p, ok := m.positions[symbol]; ok {
		cur = p.SignedSize()
	}
	increasing := cur == 0 || math.Signbit(cur) == math.Signbit(side.Sign())
	if !increasing {
		return true, ""
	}

	value := amount * price
	if side == domain.SideBuy {
		if free := m.balances[m.cfg.BaseCurrency].Free; free < value {
			return false, fmt.Sprintf("insufficient %s: free %.2f < required %.2f", m.cfg.BaseCurrency, free, value)
		}
	}
	if limit := m.cfg.Limits.MaxPositionSize; limit > 0 {
		eq := m.totalBalanceLocked()
		after := (math.Abs(cur) + amount) * price
		if eq <= 0 || after > eq*limit*(1+1e-9) {
			return false, fmt.Sprintf("position value %.2f would exceed %.2f%% of equity %.2f", after, limit*100, eq)
		}
	}
	return true, ""
}
