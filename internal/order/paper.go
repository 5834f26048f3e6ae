package order

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"tradingbot/internal/domain"
)

// executePaper fills market orders at the current last price and rests
// everything else.
func (m *Manager) executePaper(ctx context.Context, o *domain.Order) (domain.Order, error) {
	unlock := m.symbols.Lock(o.Symbol)
	defer unlock()

	if o.Type != domain.OrderTypeMarket {
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := o.Transition(domain.OrderStatusOpen, m.now()); err != nil {
			return *o, err
		}
		m.insertLocked(o)
		m.log.Info("paper order resting", "orderID", o.ID, "symbol", o.Symbol, "side", o.Side,
			"type", o.Type, "amount", o.Amount, "price", o.Price, "stopPrice", o.StopPrice)
		return *o, nil
	}

	price, err := m.fetchPrice(ctx, o.Symbol)
	if err != nil {
		return m.reject(o, err), fmt.Errorf("paper market order %s: %w", o.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(o)
	fee := o.Amount * price * m.cfg.FeeRate
	if _, err := m.applyFillLocked(o, o.Amount, price, fee); err != nil {
		return *o, err
	}
	m.archiveLocked(o)
	m.log.Info("paper order filled", "orderID", o.ID, "symbol", o.Symbol, "side", o.Side,
		"amount", o.Amount, "price", price, "fee", fee)
	return *o, nil
}

// updatePaper matches resting orders against the current last price of
// each symbol that has any.
func (m *Manager) updatePaper(ctx context.Context) ([]domain.Order, error) {
	symbols := make(map[string]struct{})
	for _, o := range m.ActiveOrders("") {
		symbols[o.Symbol] = struct{}{}
	}
	names := make([]string, 0, len(symbols))
	for s := range symbols {
		names = append(names, s)
	}
	sort.Strings(names)

	var (
		executed []domain.Order
		errs     []error
	)
	for _, sym := range names {
		price, err := m.fetchPrice(ctx, sym)
		if err != nil {
			errs = append(errs, fmt.Errorf("price %s: %w", sym, err))
			continue
		}
		executed = append(executed, m.matchPaper(sym, price)...)
	}
	return executed, errors.Join(errs...)
}

func (m *Manager) matchPaper(symbol string, price float64) []domain.Order {
	unlock := m.symbols.Lock(symbol)
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	var resting []*domain.Order
	for _, o := range m.active {
		if o.Symbol == symbol {
			resting = append(resting, o)
		}
	}
	sort.Slice(resting, func(i, j int) bool { return resting[i].CreatedAt.Before(resting[j].CreatedAt) })

	var executed []domain.Order
	for _, o := range resting {
		fillPrice, ok := paperCrossing(o, price)
		if !ok {
			continue
		}
		qty := o.Remaining()
		fee := qty * fillPrice * m.cfg.FeeRate
		if _, err := m.applyFillLocked(o, qty, fillPrice, fee); err != nil {
			m.log.Error("paper fill failed", "orderID", o.ID, "error", err)
			continue
		}
		m.archiveLocked(o)
		m.log.Info("paper order filled", "orderID", o.ID, "symbol", o.Symbol, "side", o.Side,
			"type", o.Type, "amount", qty, "price", fillPrice)
		executed = append(executed, *o)
	}
	return executed
}

// paperCrossing reports whether o executes at last and at what price. Limits
// fill at their limit, stops at the market. A stop_limit whose stop is hit
// is marked triggered and rests as a limit from then on.
func paperCrossing(o *domain.Order, last float64) (float64, bool) {
	buy := o.Side == domain.SideBuy
	switch o.Type {
	case domain.OrderTypeMarket:
		return last, true
	case domain.OrderTypeLimit:
		if (buy && last <= o.Price) || (!buy && last >= o.Price) {
			return o.Price, true
		}
	case domain.OrderTypeStop:
		if (buy && last >= o.StopPrice) || (!buy && last <= o.StopPrice) {
			return last, true
		}
	case domain.OrderTypeStopLimit:
		if !o.Triggered && ((buy && last >= o.StopPrice) || (!buy && last <= o.StopPrice)) {
			o.Triggered = true
		}
		if o.Triggered && ((buy && last <= o.Price) || (!buy && last >= o.Price)) {
			return o.Price, true
		}
	}
	return 0, false
}

// reject records o as rejected and returns a copy.
func (m *Manager) reject(o *domain.Order, cause error) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Reason = cause.Error()
	if err := o.Transition(domain.OrderStatusRejected, m.now()); err != nil {
		m.log.Error("reject order", "orderID", o.ID, "error", err)
	}
	m.insertLocked(o)
	m.log.Warn("order rejected", "orderID", o.ID, "symbol", o.Symbol, "side", o.Side,
		"amount", o.Amount, "reason", o.Reason)
	return *o
}
