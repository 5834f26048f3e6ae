package risk

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"tradingbot/internal/domain"
)

const (
	positionLossAlert   = -0.10
	criticalEscalation  = 2
	defaultExitStrategy = "risk"
)

type stop struct {
	stopLoss  float64
	trailDist float64
	trail     float64 // current trailing stop price, 0 until the first mark
}

// ExitSignal asks the engine to close a position.
type ExitSignal struct {
	Symbol string
	Side   domain.Side
	Amount float64
	Price  float64
	Reason string
}

// Intent converts the signal to a reduce-only market intent.
func (e ExitSignal) Intent() domain.Intent {
	return domain.Intent{
		Symbol:     e.Symbol,
		Side:       e.Side,
		Type:       domain.OrderTypeMarket,
		Amount:     e.Amount,
		Price:      e.Price,
		Strategy:   defaultExitStrategy,
		Tag:        e.Reason,
		ReduceOnly: true,
	}
}

// SetStopLoss sets a fixed stop price for symbol.
func (m *Manager) SetStopLoss(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(symbol).stopLoss = price
}

// SetTrailingStop enables a trailing stop distance (fraction) for symbol.
// distance <= 0 uses the configured default. Re-arming with the same
// distance keeps the current trail.
func (m *Manager) SetTrailingStop(symbol string, distance float64) {
	if distance <= 0 {
		distance = m.cfg.TrailingStopPct
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stopLocked(symbol)
	if s.trailDist != distance {
		s.trailDist = distance
		s.trail = 0
	}
}

// RemoveStops clears both stops for symbol.
func (m *Manager) RemoveStops(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stops, symbol)
}

// StopLoss returns the fixed stop price for symbol, 0 when none is set.
func (m *Manager) StopLoss(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.stops[symbol]; ok {
		return s.stopLoss
	}
	return 0
}

// TrailingStop returns the current trailing stop price for symbol.
func (m *Manager) TrailingStop(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.stops[symbol]; ok {
		return s.trail
	}
	return 0
}

func (m *Manager) stopLocked(symbol string) *stop {
	s, ok := m.stops[symbol]
	if !ok {
		s = &stop{}
		m.stops[symbol] = s
	}
	return s
}

// MonitorPositions records prices, moves trailing stops, raises alerts and
// returns an exit for every position whose stop triggered. Two or more
// unresolved critical alerts activate the emergency stop.
func (m *Manager) MonitorPositions(_ context.Context, prices map[string]float64) []ExitSignal {
	positions := m.portfolio.Positions()
	eq := m.portfolio.TotalBalance()
	dd := m.portfolio.Drawdown()
	dailyLoss := m.portfolio.DailyLoss()
	lim := m.cfg.Limits

	var (
		exits  []ExitSignal
		raised []domain.RiskAlert
	)

	m.mu.Lock()
	for sym, price := range prices {
		if price > 0 {
			m.recordPriceLocked(sym, price)
		}
	}

	for _, pos := range positions {
		price := prices[pos.Symbol]
		if !(price > 0) {
			price = pos.MarketPrice
		}
		if !(price > 0) {
			continue
		}
		long := pos.Side != domain.PositionSideShort

		if s, ok := m.stops[pos.Symbol]; ok {
			if s.trailDist > 0 {
				if long {
					if next := price * (1 - s.trailDist); next > s.trail {
						s.trail = next
					}
				} else if next := price * (1 + s.trailDist); s.trail == 0 || next < s.trail {
					s.trail = next
				}
			}
			if reason := triggered(s, long, price); reason != "" {
				exits = append(exits, ExitSignal{
					Symbol: pos.Symbol,
					Side:   exitSide(long),
					Amount: pos.Size,
					Price:  price,
					Reason: reason,
				})
				raised = append(raised, m.alertLocked(domain.AlertHigh, reason, pos.Symbol,
					fmt.Sprintf("%s triggered for %s at %.8g", reason, pos.Symbol, price), price, 0))
				delete(m.stops, pos.Symbol)
			}
		}

		if eq > 0 && lim.MaxPositionSize > 0 {
			if share := pos.Size * price / eq; share > lim.MaxPositionSize {
				raised = append(raised, m.alertLocked(domain.AlertHigh, "position_size", pos.Symbol,
					fmt.Sprintf("%s is %.2f%% of equity", pos.Symbol, share*100), share, lim.MaxPositionSize))
			}
		}
		if pos.AvgEntryPrice > 0 {
			ret := (price - pos.AvgEntryPrice) / pos.AvgEntryPrice
			if !long {
				ret = -ret
			}
			if ret < positionLossAlert {
				raised = append(raised, m.alertLocked(domain.AlertMedium, "position_loss", pos.Symbol,
					fmt.Sprintf("%s is down %.2f%%", pos.Symbol, -ret*100), ret, positionLossAlert))
			}
		}
	}

	if lim.MaxDrawdown > 0 && dd >= lim.MaxDrawdown {
		raised = append(raised, m.alertLocked(domain.AlertCritical, "drawdown", "",
			fmt.Sprintf("drawdown %.2f%% reached limit %.2f%%", dd*100, lim.MaxDrawdown*100), dd, lim.MaxDrawdown))
	}
	if lim.MaxDailyLoss > 0 && dailyLoss >= lim.MaxDailyLoss {
		raised = append(raised, m.alertLocked(domain.AlertHigh, "daily_loss", "",
			fmt.Sprintf("daily loss %.2f%% reached limit %.2f%%", dailyLoss*100, lim.MaxDailyLoss*100), dailyLoss, lim.MaxDailyLoss))
	}

	if !m.emergency && m.unresolvedCriticalLocked() >= criticalEscalation {
		raised = append(raised, m.activateLocked("multiple critical risk violations"))
	}
	handler := m.onAlert
	m.mu.Unlock()

	m.publish(handler, raised)
	return exits
}

func triggered(s *stop, long bool, price float64) string {
	if long {
		switch {
		case s.stopLoss > 0 && price <= s.stopLoss:
			return "stop_loss"
		case s.trail > 0 && price <= s.trail:
			return "trailing_stop"
		}
		return ""
	}
	switch {
	case s.stopLoss > 0 && price >= s.stopLoss:
		return "stop_loss"
	case s.trail > 0 && price >= s.trail:
		return "trailing_stop"
	}
	return ""
}

func exitSide(long bool) domain.Side {
	if long {
		return domain.SideSell
	}
	return domain.SideBuy
}

// ---------------------------------------------------------------------------
// Alerts and emergency stop
// ---------------------------------------------------------------------------

func (m *Manager) alertLocked(level domain.AlertLevel, kind, symbol, msg string, value, threshold float64) domain.RiskAlert {
	a := domain.RiskAlert{
		ID:        uuid.NewString(),
		Level:     level,
		Kind:      kind,
		Symbol:    symbol,
		Message:   msg,
		Value:     value,
		Threshold: threshold,
		CreatedAt: m.now(),
	}
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > alertLimit {
		m.alerts = m.alerts[len(m.alerts)-alertLimit:]
	}
	return a
}

func (m *Manager) unresolvedCriticalLocked() int {
	n := 0
	for _, a := range m.alerts {
		if a.Level == domain.AlertCritical && !a.Resolved {
			n++
		}
	}
	return n
}

func (m *Manager) publish(handler func(domain.RiskAlert), alerts []domain.RiskAlert) {
	for _, a := range alerts {
		attrs := []any{"alertID", a.ID, "kind", a.Kind, "symbol", a.Symbol, "message", a.Message}
		switch a.Level {
		case domain.AlertCritical, domain.AlertHigh:
			m.log.Error("risk alert", append(attrs, "level", a.Level)...)
		default:
			m.log.Warn("risk alert", append(attrs, "level", a.Level)...)
		}
		if handler != nil {
			handler(a)
		}
	}
}

// ActivateEmergencyStop blocks all new trades until ClearEmergencyStop.
func (m *Manager) ActivateEmergencyStop(reason string) {
	m.mu.Lock()
	if m.emergency {
		m.mu.Unlock()
		return
	}
	a := m.activateLocked(reason)
	handler := m.onAlert
	m.mu.Unlock()
	m.publish(handler, []domain.RiskAlert{a})
}

func (m *Manager) activateLocked(reason string) domain.RiskAlert {
	m.emergency = true
	m.emergencyReason = reason
	return m.alertLocked(domain.AlertCritical, "emergency_stop", "", "emergency stop activated: "+reason, 0, 0)
}

// ClearEmergencyStop lifts the emergency stop and resolves outstanding
// critical alerts so monitoring does not immediately re-escalate.
func (m *Manager) ClearEmergencyStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergency = false
	m.emergencyReason = ""
	for i := range m.alerts {
		if m.alerts[i].Level == domain.AlertCritical {
			m.alerts[i].Resolved = true
		}
	}
	m.log.Warn("emergency stop cleared")
}

// EmergencyStopped reports whether the emergency stop is active.
func (m *Manager) EmergencyStopped() bool {
	stopped, _ := m.emergencyState()
	return stopped
}

func (m *Manager) emergencyState() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergency, m.emergencyReason
}

// Alerts returns alerts newest last, optionally only unresolved ones.
func (m *Manager) Alerts(unresolvedOnly bool) []domain.RiskAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.RiskAlert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if unresolvedOnly && a.Resolved {
			continue
		}
		out = append(out, a)
	}
	return out
}

// ResolveAlert marks an alert resolved. It reports whether the alert exists.
func (m *Manager) ResolveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].Resolved = true
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Summary
// ---------------------------------------------------------------------------

// Summary is a snapshot of the risk state.
type Summary struct {
	Limits           domain.RiskLimits
	EmergencyStopped bool
	EmergencyReason  string
	AlertsByLevel    map[domain.AlertLevel]int // unresolved only
	Drawdown         float64
	DailyLoss        float64
	Exposure         float64 // position value over equity
	Leverage         float64
	StoppedSymbols   []string
}

// Summary reports the current risk state.
func (m *Manager) Summary() Summary {
	eq := m.portfolio.TotalBalance()
	var exposure float64
	for _, p := range m.portfolio.Positions() {
		exposure += p.MarketValue()
	}
	s := Summary{
		Limits:        m.cfg.Limits,
		AlertsByLevel: make(map[domain.AlertLevel]int),
		Drawdown:      m.portfolio.Drawdown(),
		DailyLoss:     m.portfolio.DailyLoss(),
	}
	if eq > 0 {
		s.Exposure = exposure / eq
		s.Leverage = s.Exposure
	} else if exposure > 0 {
		s.Exposure, s.Leverage = math.Inf(1), math.Inf(1)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	s.EmergencyStopped, s.EmergencyReason = m.emergency, m.emergencyReason
	for _, a := range m.alerts {
		if !a.Resolved {
			s.AlertsByLevel[a.Level]++
		}
	}
	for sym := range m.stops {
		s.StoppedSymbols = append(s.StoppedSymbols, sym)
	}
	sort.Strings(s.StoppedSymbols)
	return s
}
