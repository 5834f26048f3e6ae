package order

import (
	"context"
	"errors"
	"fmt"

	"tradingbot/internal/domain"
	"tradingbot/internal/exchange"
)

// submitLive sends o to the exchange. The order ID doubles as the client
// order ID so the exchange can deduplicate retried submissions.
func (m *Manager) submitLive(ctx context.Context, o *domain.Order) (domain.Order, error) {
	unlock := m.symbols.Lock(o.Symbol)
	defer unlock()

	if err := m.limiter.Wait(ctx); err != nil {
		return m.reject(o, err), err
	}

	req := exchange.OrderRequest{
		ClientID:  o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Type:      o.Type,
		Amount:    o.Amount,
		Price:     o.Price,
		StopPrice: o.StopPrice,
	}
	var ack exchange.OrderAck
	err := m.call(ctx, func(cctx context.Context) error {
		var err error
		ack, err = m.adapter.CreateOrder(cctx, req)
		return err
	})
	if err != nil {
		return m.reject(o, err), fmt.Errorf("submit order %s: %w", o.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	o.ExchangeID = ack.ExchangeID
	if err := o.Transition(domain.OrderStatusOpen, m.now()); err != nil {
		return *o, err
	}
	m.insertLocked(o)
	m.applySnapshotLocked(o, ack.Status, ack.FilledAmount, ack.AvgFillPrice, ack.Fee)
	m.log.Info("order submitted", "orderID", o.ID, "exchangeID", o.ExchangeID, "symbol", o.Symbol,
		"side", o.Side, "type", o.Type, "amount", o.Amount, "status", o.Status)
	return *o, nil
}

// updateLive polls the exchange for every active order. A failure on one
// order does not stop the pass.
func (m *Manager) updateLive(ctx context.Context) ([]domain.Order, error) {
	var (
		executed []domain.Order
		errs     []error
	)
	for _, o := range m.ActiveOrders("") {
		if o.ExchangeID == "" {
			continue
		}
		got, err := m.reconcileOne(ctx, o)
		if err != nil {
			m.log.Warn("order status poll failed", "orderID", o.ID, "symbol", o.Symbol, "error", err)
			errs = append(errs, err)
			continue
		}
		if got != nil {
			executed = append(executed, *got)
		}
	}
	return executed, errors.Join(errs...)
}

// reconcileOne fetches the exchange view of snap and applies it. It returns
// the updated order when new quantity executed.
func (m *Manager) reconcileOne(ctx context.Context, snap domain.Order) (*domain.Order, error) {
	var s exchange.OrderSnapshot
	err := m.call(ctx, func(cctx context.Context) error {
		var err error
		s, err = m.adapter.FetchOrder(cctx, snap.ExchangeID, snap.Symbol)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch order %s: %w", snap.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.active[snap.ID]
	if !ok {
		return nil, nil
	}
	if !m.applySnapshotLocked(o, s.Status, s.FilledAmount, s.AvgFillPrice, s.Fee) {
		return nil, nil
	}
	out := *o
	return &out, nil
}

// applySnapshotLocked brings o up to the exchange-reported cumulative state.
// The difference in filled quantity becomes one fill priced so the order's
// average matches the exchange's. It reports whether anything executed.
func (m *Manager) applySnapshotLocked(o *domain.Order, status domain.OrderStatus, filled, avg, fee float64) bool {
	if status == domain.OrderStatusFilled && filled > 0 {
		// The exchange is authoritative on the executed quantity after
		// lot-size rounding.
		o.Amount = filled
	}

	executed := false
	if delta := filled - o.FilledAmount; delta > 1e-12 && avg > 0 {
		price := avg
		if o.FilledAmount > 0 {
			if p := (filled*avg - o.FilledAmount*o.AvgFillPrice) / delta; p > 0 {
				price = p
			}
		}
		feeDelta := fee - o.Fee
		if feeDelta < 0 {
			feeDelta = 0
		}
		ok, err := m.applyFillLocked(o, delta, price, feeDelta)
		if err != nil {
			m.log.Error("apply exchange fill", "orderID", o.ID, "error", err)
		}
		executed = ok
	}

	switch status {
	case domain.OrderStatusCanceled, domain.OrderStatusExpired, domain.OrderStatusRejected:
		if o.Status.IsActive() {
			next := status
			if !o.Status.CanTransition(next) {
				next = domain.OrderStatusCanceled
			}
			o.Reason = "exchange reported " + string(status)
			if err := o.Transition(next, m.now()); err != nil {
				m.log.Error("apply exchange status", "orderID", o.ID, "error", err)
			}
		}
	}
	if o.Status.IsTerminal() {
		m.archiveLocked(o)
	}
	return executed
}
