package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"tradingbot/internal/domain"
)

const tickerTimeout = 10 * time.Second

type loop struct {
	name     string
	interval time.Duration
	run      func(context.Context) error
}

func (e *Engine) loops() []loop {
	s := e.cfg.Schedule
	ls := []loop{
		{"strategy", s.Strategy, e.strategyTick},
		{"orders", s.Orders, e.reconcileOrders},
		{"portfolio", s.Portfolio, e.refreshPortfolio},
		{"risk", s.Risk, e.monitorRisk},
		{"health", s.Health, e.checkHealth},
	}
	if e.feed != nil {
		ls = append(ls, loop{"marketdata", s.MarketData, e.pollMarketData})
	}
	return ls
}

// runLoop runs l once immediately and then on every interval until ctx is
// done. A failed or panicking iteration is logged and followed by the
// error backoff.
func (e *Engine) runLoop(ctx context.Context, l loop) {
	e.log.Debug("loop started", "loop", l.name, "interval", l.interval)
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		if err := safeRun(ctx, l); err != nil && ctx.Err() == nil {
			e.log.Error("loop iteration failed", "loop", l.name, "error", err,
				"backoff", e.cfg.Schedule.ErrorBackoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.Schedule.ErrorBackoff):
			}
		}
		select {
		case <-ctx.Done():
			e.log.Debug("loop stopped", "loop", l.name)
			return
		case <-t.C:
		}
	}
}

func safeRun(ctx context.Context, l loop) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s loop panicked: %v", l.name, r)
		}
	}()
	return l.run(ctx)
}

// strategyTick fetches a ticker per symbol, marks positions and hands each
// ticker to the strategy. The strategy is paused while the emergency stop
// is active.
func (e *Engine) strategyTick(ctx context.Context) error {
	var errs []error
	tickers := make([]domain.Ticker, 0, len(e.cfg.Symbols))
	prices := make(map[string]float64, len(e.cfg.Symbols))
	for _, sym := range e.cfg.Symbols {
		tctx, cancel := context.WithTimeout(ctx, tickerTimeout)
		t, err := e.adapter.FetchTicker(tctx, sym)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("ticker %s: %w", sym, err))
			continue
		}
		if !(t.Last > 0) {
			continue
		}
		tickers = append(tickers, t)
		prices[sym] = t.Last
	}
	e.setPrices(prices)
	e.portfolio.UpdatePositions(prices)

	if e.risk.EmergencyStopped() {
		e.log.Warn("emergency stop active, strategy paused")
		return errors.Join(errs...)
	}
	for _, t := range tickers {
		if err := e.strategy.OnTick(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("%s on %s: %w", e.strategy.Name(), t.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

// reconcileOrders polls order status and routes every new fill to the
// portfolio, the strategy, the store and the notifier. It is the only
// place fills are drained.
func (e *Engine) reconcileOrders(ctx context.Context) error {
	err := e.orders.UpdateOrders(ctx)
	for _, f := range e.orders.DrainFills() {
		e.handleFill(ctx, f)
	}
	return err
}

func (e *Engine) handleFill(ctx context.Context, f domain.Fill) {
	trade, err := e.portfolio.ProcessFill(f)
	if err != nil {
		e.log.Error("portfolio rejected fill", "orderID", f.OrderID, "symbol", f.Symbol, "error", err)
	}

	if err := e.strategy.OnFill(ctx, f); err != nil {
		e.log.Error("strategy fill handling failed", "orderID", f.OrderID, "strategy", e.strategy.Name(), "error", err)
	}
	e.armStops(f.Symbol)
	if err != nil {
		return
	}

	if e.store != nil {
		if err := e.store.SaveTrade(ctx, trade); err != nil {
			e.log.Warn("saving trade failed", "tradeID", trade.ID, "error", err)
		}
		if o, ok := e.orders.Order(f.OrderID); ok {
			if err := e.store.SaveOrder(ctx, o); err != nil {
				e.log.Warn("saving order failed", "orderID", o.ID, "error", err)
			}
		}
	}
	if err := e.notifier.SendTradeNotification(ctx, trade); err != nil {
		e.log.Warn("trade notification failed", "tradeID", trade.ID, "error", err)
	}
}

// armStops keeps the risk monitor's stops in step with the position on
// symbol. Stops are dropped once it is flat.
func (e *Engine) armStops(symbol string) {
	pos := e.portfolio.Position(symbol)
	if pos.IsFlat() {
		e.risk.RemoveStops(symbol)
		return
	}
	if pct := e.cfg.BackstopPct; pct > 0 && pos.AvgEntryPrice > 0 {
		price := pos.AvgEntryPrice * (1 - pct)
		if pos.Side == domain.PositionSideShort {
			price = pos.AvgEntryPrice * (1 + pct)
		}
		e.risk.SetStopLoss(symbol, price)
	}
	if e.cfg.TrailingStop {
		e.risk.SetTrailingStop(symbol, 0)
	}
}

// refreshPortfolio syncs live balances, rolls the daily baseline and
// persists a snapshot.
func (e *Engine) refreshPortfolio(ctx context.Context) error {
	var errs []error
	if e.cfg.Mode == domain.ModeLive {
		if err := e.portfolio.RefreshBalances(ctx, e.adapter); err != nil {
			errs = append(errs, err)
		}
	}
	e.portfolio.ResetDaily(time.Now())

	m := e.portfolio.Metrics()
	e.log.Info("portfolio", "balance", m.TotalBalance, "dailyPnL", m.DailyPnL,
		"unrealizedPnL", m.UnrealizedPnL, "drawdown", m.Drawdown, "positions", m.OpenPositions)

	if e.store == nil {
		return errors.Join(errs...)
	}
	if err := e.store.SavePortfolioMetrics(ctx, m); err != nil {
		errs = append(errs, err)
	}
	for _, sym := range e.cfg.Symbols {
		// flat positions are saved too so the store drops closed ones
		if err := e.store.SavePosition(ctx, e.portfolio.Position(sym)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.portfolio.SaveState(ctx, e.store); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// monitorRisk evaluates positions against the last prices and submits the
// exits of triggered stops.
func (e *Engine) monitorRisk(ctx context.Context) error {
	prices := e.lastPrices()
	if len(prices) == 0 {
		return nil
	}
	var errs []error
	for _, x := range e.risk.MonitorPositions(ctx, prices) {
		e.log.Warn("stop triggered", "symbol", x.Symbol, "side", x.Side, "amount", x.Amount,
			"price", x.Price, "reason", x.Reason)
		if _, err := e.gateway.Submit(ctx, x.Intent()); err != nil {
			errs = append(errs, fmt.Errorf("exit %s: %w", x.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

// checkHealth probes the exchange and the store, updates the health
// service and logs a status line.
func (e *Engine) checkHealth(ctx context.Context) error {
	var errs []error
	if err := e.orders.CheckConnectivity(ctx, e.cfg.Symbols[0]); err != nil {
		errs = append(errs, err)
	}
	if e.store != nil {
		if err := e.store.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.health != nil {
		e.health.SetServing(len(errs) == 0)
	}

	s := e.Status()
	e.log.Info("bot status",
		"uptime", s.Uptime.Round(time.Second),
		"healthy", len(errs) == 0,
		"balance", s.Performance.CurrentBalance,
		"totalReturn", s.Performance.TotalReturn,
		"realizedPnL", s.Performance.RealizedPnL,
		"unrealizedPnL", s.Performance.UnrealizedPnL,
		"trades", s.Performance.Trades,
		"activeOrders", s.Orders.Active,
		"fillRate", s.Orders.FillRate,
		"unresolvedAlerts", len(e.risk.Alerts(true)),
		"emergencyStop", s.Risk.EmergencyStopped)
	for _, st := range s.Strategy.Symbols {
		e.log.Info("strategy status", "strategy", s.Strategy.Name, "symbol", st.Symbol,
			"center", st.Center, "position", st.Position, "avgEntry", st.AvgEntryPrice,
			"openOrders", st.OpenOrders, "dcaLevels", len(st.DCALevels), "realized", st.RealizedProfit)
	}
	return errors.Join(errs...)
}

// pollMarketData feeds closed candles to the risk manager and archives
// them. An exhausted feed is not an error.
func (e *Engine) pollMarketData(ctx context.Context) error {
	candles, err := e.feed.Next(ctx)
	if errors.Is(err, io.EOF) {
		return nil
	}
	for _, c := range candles {
		e.risk.RecordCandle(c)
	}
	if e.candles != nil && len(candles) > 0 {
		if werr := e.candles.WriteCandles(ctx, candles); werr != nil {
			err = errors.Join(err, fmt.Errorf("archiving candles: %w", werr))
		}
	}
	return err
}
