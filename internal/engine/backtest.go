package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"tradingbot/internal/domain"
	"tradingbot/internal/marketdata"
	"tradingbot/internal/strategy"
)

// BacktestResult holds the summary metrics produced by a backtest run.
type BacktestResult struct {
	Start          time.Time
	End            time.Time
	Candles        int
	InitialBalance float64
	FinalBalance   float64
	TotalReturn    float64
	SharpeRatio    float64
	MaxDrawdown    float64
	TotalTrades    int
	WinRate        float64
	ProfitFactor   float64
	RealizedPnL    float64
	Fees           float64
}

// pricer is implemented by adapters whose prices can be driven externally.
type pricer interface {
	SetPrice(symbol string, price float64, ts time.Time)
}

// RunBacktest replays archived candles between start and end through the
// same strategy, gateway and order path used live. The adapter must be the
// simulator. Each candle close becomes the simulator price and a strategy
// tick, followed by reconciliation, marking and the risk monitor.
func (e *Engine) RunBacktest(ctx context.Context, start, end time.Time) (*BacktestResult, error) {
	if e.candles == nil {
		return nil, fmt.Errorf("%w: backtest needs a candle store", domain.ErrConfiguration)
	}
	replay, err := marketdata.NewReplay(ctx, e.candles, e.cfg.Symbols, e.cfg.Timeframe, start, end)
	if err != nil {
		return nil, err
	}
	return e.Replay(ctx, replay)
}

// Replay runs a backtest over an already loaded replay.
func (e *Engine) Replay(ctx context.Context, replay *marketdata.Replay) (*BacktestResult, error) {
	sim, ok := e.adapter.(pricer)
	if !ok {
		return nil, fmt.Errorf("%w: backtest needs the simulator adapter, got %s", domain.ErrConfiguration, e.adapter.Name())
	}
	if replay.Len() == 0 {
		return nil, fmt.Errorf("%w: no candles to replay for %v", domain.ErrConfiguration, e.cfg.Symbols)
	}

	var clock time.Time
	if c, ok := e.strategy.(strategy.Clocked); ok {
		c.SetClock(func() time.Time { return clock })
	}
	if err := e.initialize(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if e.health != nil {
			e.health.Stop()
		}
	}()

	res := &BacktestResult{InitialBalance: e.portfolio.InitialBalance()}
	e.log.Info("backtest started", "symbols", e.cfg.Symbols, "candles", replay.Len(),
		"balance", res.InitialBalance)

	for {
		batch, err := replay.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		clock = batch[0].Timestamp
		if res.Start.IsZero() {
			res.Start = clock
		}
		res.End = clock
		res.Candles += len(batch)

		prices := make(map[string]float64, len(batch))
		for _, c := range batch {
			sim.SetPrice(c.Symbol, c.Close, c.Timestamp)
			e.risk.RecordCandle(c)
			prices[c.Symbol] = c.Close
		}
		e.portfolio.ResetDaily(clock)
		if err := e.reconcileOrders(ctx); err != nil {
			return nil, fmt.Errorf("reconcile at %s: %w", clock, err)
		}
		e.setPrices(prices)
		e.portfolio.UpdatePositions(prices)

		if !e.risk.EmergencyStopped() {
			for _, c := range batch {
				t := domain.Ticker{Symbol: c.Symbol, Last: c.Close, Bid: c.Close, Ask: c.Close, Timestamp: c.Timestamp}
				if err := e.strategy.OnTick(ctx, t); err != nil {
					e.log.Warn("strategy tick failed", "symbol", c.Symbol, "time", clock, "error", err)
				}
			}
		}
		if err := e.reconcileOrders(ctx); err != nil {
			return nil, fmt.Errorf("reconcile at %s: %w", clock, err)
		}
		if err := e.monitorRisk(ctx); err != nil {
			e.log.Warn("risk exit failed", "time", clock, "error", err)
		}
	}
	if err := e.reconcileOrders(ctx); err != nil {
		return nil, err
	}

	perf := e.portfolio.Performance()
	res.FinalBalance = perf.CurrentBalance
	res.TotalReturn = perf.TotalReturn
	res.SharpeRatio = perf.SharpeRatio
	res.MaxDrawdown = perf.MaxDrawdown
	res.TotalTrades = perf.Trades
	res.WinRate = perf.WinRate
	res.ProfitFactor = perf.ProfitFactor
	res.RealizedPnL = perf.RealizedPnL
	res.Fees = perf.Fees

	e.log.Info("backtest finished", "candles", res.Candles, "trades", res.TotalTrades,
		"totalReturn", res.TotalReturn, "maxDrawdown", res.MaxDrawdown, "sharpe", res.SharpeRatio)
	return res, nil
}
