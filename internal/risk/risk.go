// Package risk implements pre-trade risk checks, position sizing, position
// monitoring with stops, risk alerts and the emergency stop.
package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"tradingbot/internal/domain"
	"tradingbot/internal/util"
)

// Sizing methods.
const (
	SizingFixedRisk  = "fixed_risk"
	SizingVolatility = "volatility"
	SizingKelly      = "kelly"
)

const (
	historyLimit = 100
	alertLimit   = 100
	qtyEpsilon   = 1e-12
)

// Config holds the risk settings. Percentages are fractions.
type Config struct {
	Limits          domain.RiskLimits
	SizingMethod    string
	TrailingStopPct float64 // default trailing distance
	FailOpen        bool    // pass a check whose inputs cannot be evaluated
	KellyAvgWin     float64
	KellyAvgLoss    float64
}

// Portfolio is the portfolio view the risk manager reads.
type Portfolio interface {
	TotalBalance() float64
	DailyLoss() float64
	Drawdown() float64
	Positions() []domain.Position
	Position(symbol string) domain.Position
}

// TradeCheck describes a proposed trade.
type TradeCheck struct {
	Symbol     string
	Side       domain.Side
	Amount     float64
	Price      float64
	StopLoss   float64
	ReduceOnly bool
}

// Manager evaluates risk against a live portfolio. It is safe for
// concurrent use.
type Manager struct {
	cfg       Config
	portfolio Portfolio
	log       *slog.Logger
	now       func() time.Time

	mu              sync.RWMutex
	prices          map[string][]float64
	versions        map[string]int
	candles         map[string][]domain.Candle
	corr            map[pair]corrEntry
	stops           map[string]*stop
	alerts          []domain.RiskAlert
	emergency       bool
	emergencyReason string
	onAlert         func(domain.RiskAlert)
}

// NewManager creates a risk manager reading from portfolio.
func NewManager(cfg Config, portfolio Portfolio, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = util.Discard()
	}
	if cfg.SizingMethod == "" {
		cfg.SizingMethod = SizingFixedRisk
	}
	if cfg.TrailingStopPct <= 0 {
		cfg.TrailingStopPct = 0.02
	}
	if cfg.KellyAvgWin <= 0 {
		cfg.KellyAvgWin = 0.02
	}
	if cfg.KellyAvgLoss <= 0 {
		cfg.KellyAvgLoss = 0.01
	}
	return &Manager{
		cfg:       cfg,
		portfolio: portfolio,
		log:       logger.With("component", "risk"),
		now:       time.Now,
		prices:    make(map[string][]float64),
		versions:  make(map[string]int),
		candles:   make(map[string][]domain.Candle),
		corr:      make(map[pair]corrEntry),
		stops:     make(map[string]*stop),
	}
}

// OnAlert registers fn to receive every new alert. fn runs on the caller's
// goroutine without locks held.
func (m *Manager) OnAlert(fn func(domain.RiskAlert)) {
	m.mu.Lock()
	m.onAlert = fn
	m.mu.Unlock()
}

// Limits returns the configured limits.
func (m *Manager) Limits() domain.RiskLimits {
	return m.cfg.Limits
}

// ---------------------------------------------------------------------------
// Pre-trade checks
// ---------------------------------------------------------------------------

// CheckPreTradeRisk returns nil when tc may proceed, or a
// *domain.RiskViolationError naming the first failed check. A trade that
// only reduces exposure is subject to the emergency stop alone.
func (m *Manager) CheckPreTradeRisk(tc TradeCheck) error {
	if stopped, reason := m.emergencyState(); stopped {
		return violation("emergency_stop", "emergency stop active: "+reason)
	}
	if m.reducesExposure(tc) {
		return nil
	}

	lim := m.cfg.Limits
	if loss := m.portfolio.DailyLoss(); lim.MaxDailyLoss > 0 && loss >= lim.MaxDailyLoss {
		return violation("daily_loss", fmt.Sprintf("daily loss %.2f%% reached limit %.2f%%", loss*100, lim.MaxDailyLoss*100))
	}
	if dd := m.portfolio.Drawdown(); lim.MaxDrawdown > 0 && dd >= lim.MaxDrawdown {
		return violation("drawdown", fmt.Sprintf("drawdown %.2f%% reached limit %.2f%%", dd*100, lim.MaxDrawdown*100))
	}

	eq := m.portfolio.TotalBalance()
	if !(eq > 0) {
		return m.failOpen("equity", fmt.Errorf("non-positive equity %v", eq))
	}
	if !(tc.Price > 0) {
		return m.failOpen("price", fmt.Errorf("no reference price for %s", tc.Symbol))
	}

	positions := m.portfolio.Positions()
	var exposure, symbolValue float64
	for _, p := range positions {
		v := p.MarketValue()
		exposure += v
		if p.Symbol == tc.Symbol {
			symbolValue = v
		}
	}
	value := tc.Amount * tc.Price

	if lim.MaxPortfolioRisk > 0 && exposure/eq >= lim.MaxPortfolioRisk {
		return violation("portfolio_risk", fmt.Sprintf("exposure %.2f%% of equity reached limit %.2f%%", exposure/eq*100, lim.MaxPortfolioRisk*100))
	}

	if lim.MaxPositionSize > 0 {
		if share := value / eq; share > lim.MaxPositionSize+1e-12 {
			return violation("position_size", fmt.Sprintf("trade value %.2f is %.2f%% of equity, limit %.2f%%", value, share*100, lim.MaxPositionSize*100))
		}
		if share := (symbolValue + value) / eq; share > lim.MaxPositionSize+1e-12 {
			return violation("position_size", fmt.Sprintf("%s exposure would be %.2f%% of equity, limit %.2f%%", tc.Symbol, share*100, lim.MaxPositionSize*100))
		}
	}

	if lim.MaxCorrelation > 0 {
		for _, p := range positions {
			if p.Symbol == tc.Symbol {
				continue
			}
			rho, err := m.Correlation(tc.Symbol, p.Symbol)
			if errors.Is(err, ErrInsufficientData) {
				continue
			}
			if err != nil {
				if ferr := m.failOpen("correlation", err); ferr != nil {
					return ferr
				}
				continue
			}
			if math.Abs(rho) > lim.MaxCorrelation {
				return violation("correlation", fmt.Sprintf("%s correlation with %s is %.2f, limit %.2f", tc.Symbol, p.Symbol, rho, lim.MaxCorrelation))
			}
		}
	}

	if lim.RiskPerTrade > 0 && tc.StopLoss > 0 {
		if r := math.Abs(tc.Price-tc.StopLoss) * tc.Amount / eq; r > lim.RiskPerTrade+1e-12 {
			return violation("trade_risk", fmt.Sprintf("risk %.2f%% of equity exceeds %.2f%%", r*100, lim.RiskPerTrade*100))
		}
	}

	if lim.MaxLeverage > 0 {
		if lev := (exposure + value) / eq; lev > lim.MaxLeverage {
			return violation("leverage", fmt.Sprintf("leverage %.2fx exceeds %.2fx", lev, lim.MaxLeverage))
		}
	}
	return nil
}

// reducesExposure reports whether tc only shrinks the current position.
func (m *Manager) reducesExposure(tc TradeCheck) bool {
	if tc.ReduceOnly {
		return true
	}
	pos := m.portfolio.Position(tc.Symbol)
	if pos.IsFlat() {
		return false
	}
	opposite := math.Signbit(pos.SignedSize()) != math.Signbit(tc.Side.Sign())
	return opposite && tc.Amount <= pos.Size+qtyEpsilon
}

// failOpen handles a check whose inputs could not be evaluated: it passes
// with a warning when configured to fail open, and rejects otherwise.
func (m *Manager) failOpen(check string, err error) error {
	if m.cfg.FailOpen {
		m.log.Warn("risk check skipped", "check", check, "error", err)
		return nil
	}
	return violation(check, "cannot evaluate: "+err.Error())
}

func violation(check, reason string) error {
	return &domain.RiskViolationError{Check: check, Reason: reason}
}
