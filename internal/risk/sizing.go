package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"tradingbot/internal/domain"
)

const (
	atrPeriod         = 14
	correlationWindow = 20
	correlationMinLen = 11
)

// ErrInsufficientData reports that too little history exists for an
// estimate.
var ErrInsufficientData = errors.New("insufficient price history")

type pair struct{ a, b string }

func pairOf(a, b string) pair {
	if b < a {
		a, b = b, a
	}
	return pair{a, b}
}

type corrEntry struct {
	rho      float64
	va, vb   int
	computed bool
}

// RecordPrice appends a price to the rolling history of symbol.
func (m *Manager) RecordPrice(symbol string, price float64) {
	if !(price > 0) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordPriceLocked(symbol, price)
}

func (m *Manager) recordPriceLocked(symbol string, price float64) {
	h := append(m.prices[symbol], price)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	m.prices[symbol] = h
	m.versions[symbol]++
}

// RecordCandle appends a closed candle used for ATR. Closes are not added
// to the price history; RecordPrice feeds that from tickers.
func (m *Manager) RecordCandle(c domain.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.candles[c.Symbol]
	if n := len(cs); n > 0 && !c.Timestamp.After(cs[n-1].Timestamp) {
		return
	}
	cs = append(cs, c)
	if len(cs) > historyLimit {
		cs = cs[len(cs)-historyLimit:]
	}
	m.candles[c.Symbol] = cs
}

// ATR returns the 14-period average true range of symbol from recorded
// candles, falling back to the mean absolute close-to-close move of the
// price history. Zero means not enough data.
func (m *Manager) ATR(symbol string) float64 {
	m.mu.RLock()
	cs := append([]domain.Candle(nil), m.candles[symbol]...)
	prices := append([]float64(nil), m.prices[symbol]...)
	m.mu.RUnlock()

	if len(cs) > atrPeriod {
		high := make([]float64, len(cs))
		low := make([]float64, len(cs))
		closes := make([]float64, len(cs))
		for i, c := range cs {
			high[i], low[i], closes[i] = c.High, c.Low, c.Close
		}
		if atr := talib.Atr(high, low, closes, atrPeriod); len(atr) > 0 {
			if v := atr[len(atr)-1]; v > 0 && !math.IsNaN(v) {
				return v
			}
		}
	}

	if len(prices) <= atrPeriod {
		return 0
	}
	recent := prices[len(prices)-atrPeriod-1:]
	var sum float64
	for i := 1; i < len(recent); i++ {
		sum += math.Abs(recent[i] - recent[i-1])
	}
	return sum / atrPeriod
}

// Correlation returns the Pearson correlation of the returns of a and b over
// their last 20 prices. The value is cached per unordered pair until either
// history grows.
func (m *Manager) Correlation(a, b string) (float64, error) {
	if a == b {
		return 1, nil
	}
	key := pairOf(a, b)

	m.mu.RLock()
	va, vb := m.versions[key.a], m.versions[key.b]
	if e, ok := m.corr[key]; ok && e.computed && e.va == va && e.vb == vb {
		m.mu.RUnlock()
		return e.rho, nil
	}
	pa := tail(m.prices[key.a], correlationWindow)
	pb := tail(m.prices[key.b], correlationWindow)
	m.mu.RUnlock()

	n := min(len(pa), len(pb))
	if n < correlationMinLen {
		return 0, ErrInsufficientData
	}
	ra, rb := returns(pa[len(pa)-n:]), returns(pb[len(pb)-n:])
	out := talib.Correl(ra, rb, len(ra))
	rho := out[len(out)-1]
	if math.IsNaN(rho) || math.IsInf(rho, 0) {
		return 0, fmt.Errorf("correlation %s/%s is not finite", a, b)
	}

	m.mu.Lock()
	m.corr[key] = corrEntry{rho: rho, va: va, vb: vb, computed: true}
	m.mu.Unlock()
	return rho, nil
}

func tail(xs []float64, n int) []float64 {
	if len(xs) > n {
		xs = xs[len(xs)-n:]
	}
	return append([]float64(nil), xs...)
}

func returns(prices []float64) []float64 {
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		out = append(out, prices[i]/prices[i-1]-1)
	}
	return out
}

// CalculatePositionSize returns the quantity to trade at entry using the
// configured sizing method, clamped to the maximum position share of
// equity. confidence is in [0, 1].
func (m *Manager) CalculatePositionSize(symbol string, entry, stop, confidence float64) float64 {
	eq := m.portfolio.TotalBalance()
	if !(eq > 0) || !(entry > 0) {
		return 0
	}
	confidence = math.Max(0, math.Min(1, confidence))
	lim := m.cfg.Limits

	var qty float64
	switch m.cfg.SizingMethod {
	case SizingVolatility:
		if atr := m.ATR(symbol); atr > 0 {
			qty = eq * lim.RiskPerTrade / atr * confidence
		}
	case SizingKelly:
		p := 0.5 + 0.2*confidence
		b := m.cfg.KellyAvgWin / m.cfg.KellyAvgLoss
		f := 0.25 * (p - (1-p)/b)
		if f > 0 {
			qty = eq * f / entry
		}
	default:
		if dist := math.Abs(entry - stop); dist > 0 {
			qty = eq * lim.RiskPerTrade / dist
		}
	}

	if lim.MaxPositionSize > 0 {
		qty = math.Min(qty, eq*lim.MaxPositionSize/entry)
	}
	return math.Max(0, qty)
}
