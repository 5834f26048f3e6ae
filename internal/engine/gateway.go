package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"tradingbot/internal/domain"
	"tradingbot/internal/exchange"
	"tradingbot/internal/order"
	"tradingbot/internal/portfolio"
	"tradingbot/internal/risk"
	"tradingbot/internal/store"
	"tradingbot/internal/strategy"
	"tradingbot/internal/util"
)

const quoteTimeout = 10 * time.Second

// Gateway is the strategy.Executor every intent goes through. It runs the
// pre-trade risk checks and the portfolio margin check before handing the
// order to the order manager.
type Gateway struct {
	adapter   exchange.Adapter
	orders    *order.Manager
	portfolio *portfolio.Manager
	risk      *risk.Manager
	store     store.Persister // optional
	log       *slog.Logger

	halted atomic.Bool // set while the engine shuts down
}

var _ strategy.Executor = (*Gateway)(nil)

// NewGateway creates a gateway. st may be nil.
func NewGateway(adapter exchange.Adapter, orders *order.Manager, pf *portfolio.Manager, rm *risk.Manager, st store.Persister, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = util.Discard()
	}
	return &Gateway{
		adapter:   adapter,
		orders:    orders,
		portfolio: pf,
		risk:      rm,
		store:     st,
		log:       logger.With("component", "gateway"),
	}
}

// Submit checks in against the risk limits and the portfolio, then creates
// the order. Rejections wrap domain.ErrRiskViolation. While the engine is
// stopping only reduce-only intents are accepted.
func (g *Gateway) Submit(ctx context.Context, in domain.Intent) (*domain.Order, error) {
	if g.halted.Load() && !in.ReduceOnly {
		g.log.Info("intent rejected during shutdown", "symbol", in.Symbol, "side", in.Side, "tag", in.Tag)
		return nil, &domain.RiskViolationError{Check: "shutdown", Reason: "engine is stopping"}
	}
	price := in.Price
	if in.Type == domain.OrderTypeStop && price <= 0 {
		price = in.StopPrice
	}
	if !(price > 0) {
		p, err := g.quote(ctx, in.Symbol)
		if err != nil {
			return nil, err
		}
		price = p
	}

	if err := g.risk.CheckPreTradeRisk(risk.TradeCheck{
		Symbol:     in.Symbol,
		Side:       in.Side,
		Amount:     in.Amount,
		Price:      price,
		StopLoss:   in.StopLoss,
		ReduceOnly: in.ReduceOnly,
	}); err != nil {
		g.log.Warn("intent rejected", "symbol", in.Symbol, "side", in.Side, "amount", in.Amount, "tag", in.Tag, "error", err)
		return nil, err
	}

	if !in.ReduceOnly {
		if ok, reason := g.portfolio.CanOpenPosition(in.Symbol, in.Side, in.Amount, price); !ok {
			g.log.Warn("intent rejected", "symbol", in.Symbol, "side", in.Side, "amount", in.Amount, "tag", in.Tag, "reason", reason)
			return nil, &domain.RiskViolationError{Check: "margin", Reason: reason}
		}
	}

	o, err := g.orders.CreateOrder(ctx, in.OrderRequest())
	if err != nil {
		return nil, err
	}
	g.persist(ctx, *o)
	return o, nil
}

// Cancel cancels one order.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	return g.orders.CancelOrder(ctx, orderID)
}

// CancelAll cancels every active order of symbol.
func (g *Gateway) CancelAll(ctx context.Context, symbol string) (int, error) {
	return g.orders.CancelAll(ctx, symbol)
}

// Order returns the current state of an order.
func (g *Gateway) Order(orderID string) (domain.Order, bool) {
	return g.orders.Order(orderID)
}

// quote prices a market intent from the position mark, falling back to the
// exchange ticker.
func (g *Gateway) quote(ctx context.Context, symbol string) (float64, error) {
	if p := g.portfolio.Position(symbol).MarketPrice; p > 0 {
		return p, nil
	}
	qctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()
	t, err := g.adapter.FetchTicker(qctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("pricing %s intent: %w", symbol, err)
	}
	if !(t.Last > 0) {
		return 0, fmt.Errorf("%w: no price for %s", domain.ErrInvalidOrder, symbol)
	}
	return t.Last, nil
}

func (g *Gateway) persist(ctx context.Context, o domain.Order) {
	if g.store == nil {
		return
	}
	if err := g.store.SaveOrder(ctx, o); err != nil {
		g.log.Warn("saving order failed", "orderID", o.ID, "error", err)
	}
}
