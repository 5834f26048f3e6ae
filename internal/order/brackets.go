package order

import (
	"context"

	"tradingbot/internal/domain"
)

// afterFills handles orders that just executed: a completed entry spawns its
// stop-loss and take-profit exits, and any execution of an exit cancels its
// active siblings.
func (m *Manager) afterFills(ctx context.Context, executed []domain.Order) {
	for _, o := range executed {
		switch o.Role {
		case domain.OrderRoleStopLoss, domain.OrderRoleTakeProfit:
			if o.ParentID != "" {
				m.cancelSiblings(ctx, o)
			}
		default:
			if o.Status == domain.OrderStatusFilled && (o.StopLoss > 0 || o.TakeProfit > 0) {
				m.spawnExits(ctx, o)
			}
		}
	}
}

func (m *Manager) spawnExits(ctx context.Context, parent domain.Order) {
	base := domain.OrderRequest{
		Symbol:   parent.Symbol,
		Side:     parent.Side.Opposite(),
		Amount:   parent.FilledAmount,
		Strategy: parent.Strategy,
		Tag:      parent.Tag,
		ParentID: parent.ID,
	}
	if parent.StopLoss > 0 {
		req := base
		req.Type = domain.OrderTypeStop
		req.StopPrice = parent.StopLoss
		req.Role = domain.OrderRoleStopLoss
		if _, err := m.CreateOrder(ctx, req); err != nil {
			m.log.Error("stop-loss order failed", "parentID", parent.ID, "symbol", parent.Symbol, "error", err)
		}
	}
	if parent.TakeProfit > 0 {
		req := base
		req.Type = domain.OrderTypeLimit
		req.Price = parent.TakeProfit
		req.Role = domain.OrderRoleTakeProfit
		if _, err := m.CreateOrder(ctx, req); err != nil {
			m.log.Error("take-profit order failed", "parentID", parent.ID, "symbol", parent.Symbol, "error", err)
		}
	}
}

// cancelSiblings is best effort: a sibling that cannot be canceled is logged
// and left for the next reconciliation.
func (m *Manager) cancelSiblings(ctx context.Context, child domain.Order) {
	for _, o := range m.ActiveOrders(child.Symbol) {
		if o.ParentID != child.ParentID || o.ID == child.ID {
			continue
		}
		if err := m.CancelOrder(ctx, o.ID); err != nil {
			m.log.Warn("sibling cancel failed", "orderID", o.ID, "filledSibling", child.ID, "error", err)
			continue
		}
		m.log.Info("sibling canceled", "orderID", o.ID, "filledSibling", child.ID, "role", o.Role)
	}
}
