// Package engine runs the trading bot: it wires the order, portfolio and
// risk managers to a strategy and drives them from periodic loops until
// shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tradingbot/internal/domain"
	"tradingbot/internal/exchange"
	"tradingbot/internal/live"
	"tradingbot/internal/marketdata"
	"tradingbot/internal/notify"
	"tradingbot/internal/order"
	"tradingbot/internal/portfolio"
	"tradingbot/internal/risk"
	"tradingbot/internal/store"
	"tradingbot/internal/strategy"
	"tradingbot/internal/util"
)

// Schedule holds the loop intervals.
type Schedule struct {
	Strategy        time.Duration
	Portfolio       time.Duration
	Risk            time.Duration
	Orders          time.Duration
	Health          time.Duration
	MarketData      time.Duration
	ErrorBackoff    time.Duration // pause after a failed iteration
	ShutdownTimeout time.Duration
}

// DefaultSchedule returns the production intervals.
func DefaultSchedule() Schedule {
	return Schedule{
		Strategy:        30 * time.Second,
		Portfolio:       5 * time.Minute,
		Risk:            60 * time.Second,
		Orders:          30 * time.Second,
		Health:          5 * time.Minute,
		MarketData:      time.Minute,
		ErrorBackoff:    60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Config holds the engine settings.
type Config struct {
	Mode       domain.TradingMode
	Symbols    []string
	Timeframe  string // candle timeframe for the feed and backtests
	Schedule   Schedule
	HealthAddr string // gRPC health listen address; empty disables it

	// Stops the risk loop keeps on every open position. BackstopPct sets a
	// stop-loss that far below the average entry; it must sit beyond the
	// strategy's own stop. 0 disables it.
	BackstopPct  float64
	TrailingStop bool
}

// Deps are the components the engine drives. Store, Candles, Feed,
// Notifier and Live are optional. Live is served next to the health
// service and should also be one of the notifier's sinks.
type Deps struct {
	Adapter   exchange.Adapter
	Orders    *order.Manager
	Portfolio *portfolio.Manager
	Risk      *risk.Manager
	Gateway   *Gateway
	Strategy  strategy.Strategy
	Store     store.Persister
	Candles   store.CandleStore
	Feed      marketdata.Feed
	Notifier  notify.Notifier
	Live      *live.Model
}

// Engine is the task orchestrator.
type Engine struct {
	cfg       Config
	adapter   exchange.Adapter
	orders    *order.Manager
	portfolio *portfolio.Manager
	risk      *risk.Manager
	gateway   *Gateway
	strategy  strategy.Strategy
	store     store.Persister
	candles   store.CandleStore
	feed      marketdata.Feed
	notifier  notify.Notifier
	health    *HealthServer
	log       *slog.Logger

	running atomic.Bool
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.RWMutex
	prices map[string]float64
}

// New validates deps and creates an engine.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = util.Discard()
	}
	switch {
	case deps.Adapter == nil, deps.Orders == nil, deps.Portfolio == nil,
		deps.Risk == nil, deps.Gateway == nil, deps.Strategy == nil:
		return nil, fmt.Errorf("%w: engine needs adapter, orders, portfolio, risk, gateway and strategy", domain.ErrConfiguration)
	case len(cfg.Symbols) == 0:
		return nil, fmt.Errorf("%w: engine needs at least one symbol", domain.ErrConfiguration)
	}
	cfg.Schedule = withDefaults(cfg.Schedule)
	if cfg.Timeframe == "" {
		cfg.Timeframe = "1m"
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(logger)
	}
	e := &Engine{
		cfg:       cfg,
		adapter:   deps.Adapter,
		orders:    deps.Orders,
		portfolio: deps.Portfolio,
		risk:      deps.Risk,
		gateway:   deps.Gateway,
		strategy:  deps.Strategy,
		store:     deps.Store,
		candles:   deps.Candles,
		feed:      deps.Feed,
		notifier:  deps.Notifier,
		log:       logger.With("component", "engine"),
		prices:    make(map[string]float64),
	}
	if cfg.HealthAddr != "" {
		e.health = NewHealthServer(cfg.HealthAddr, logger)
		if deps.Live != nil {
			e.health.Register(live.NewServer(deps.Live, logger).RegisterGRPC)
		}
	}
	return e, nil
}

func withDefaults(s Schedule) Schedule {
	d := DefaultSchedule()
	for _, f := range []struct{ v, def *time.Duration }{
		{&s.Strategy, &d.Strategy},
		{&s.Portfolio, &d.Portfolio},
		{&s.Risk, &d.Risk},
		{&s.Orders, &d.Orders},
		{&s.Health, &d.Health},
		{&s.MarketData, &d.MarketData},
		{&s.ErrorBackoff, &d.ErrorBackoff},
		{&s.ShutdownTimeout, &d.ShutdownTimeout},
	} {
		if *f.v <= 0 {
			*f.v = *f.def
		}
	}
	return s
}

// Run starts the engine, blocks until ctx is canceled or SIGINT/SIGTERM is
// received, and shuts down.
func (e *Engine) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := e.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		e.log.Info("shutdown requested")
	case <-e.done:
	}
	return e.Stop(context.Background())
}

// Start initializes the components and launches the loops. It returns
// once the loops are running.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	e.gateway.halted.Store(false)
	if err := e.initialize(ctx); err != nil {
		e.running.Store(false)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for _, l := range e.loops() {
		g.Go(func() error {
			e.runLoop(gctx, l)
			return nil
		})
	}
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		_ = g.Wait()
		close(e.done)
	}()

	e.started = time.Now()
	e.log.Info("engine started", "mode", e.cfg.Mode, "symbols", e.cfg.Symbols,
		"strategy", e.strategy.Name(), "exchange", e.adapter.Name())
	return nil
}

func (e *Engine) initialize(ctx context.Context) error {
	if err := e.portfolio.Initialize(ctx, e.adapter, nil); err != nil {
		return fmt.Errorf("initializing portfolio: %w", err)
	}
	if e.store != nil {
		restored, err := e.portfolio.LoadState(ctx, e.store)
		if err != nil {
			return fmt.Errorf("loading portfolio state: %w", err)
		}
		if restored {
			e.log.Info("portfolio state restored", "balance", e.portfolio.TotalBalance(),
				"positions", len(e.portfolio.Positions()))
		}
	}

	for _, sym := range e.cfg.Symbols {
		e.armStops(sym)
	}

	e.risk.OnAlert(func(a domain.RiskAlert) {
		if err := e.notifier.SendRiskAlert(context.Background(), a); err != nil {
			e.log.Warn("risk alert notification failed", "alertID", a.ID, "error", err)
		}
	})

	if err := e.strategy.Init(ctx); err != nil {
		return fmt.Errorf("initializing strategy %s: %w", e.strategy.Name(), err)
	}

	if e.health != nil {
		if err := e.health.Start(); err != nil {
			return err
		}
		e.health.SetServing(true)
	}
	return nil
}

// Done is closed when every loop has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Stop cancels the loops, waits for them up to the shutdown timeout, then
// reconciles a last time, cancels outstanding orders, saves state and
// releases every component. New exposure is refused from the moment Stop
// begins. The cleanup gets its own shutdown timeout and is not cut short by
// slow loops or by cancellation of ctx. It is safe to call more than once.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.log.Info("engine stopping")
	e.gateway.halted.Store(true)
	e.cancel()

	wctx, cancelWait := context.WithTimeout(ctx, e.cfg.Schedule.ShutdownTimeout)
	select {
	case <-e.done:
	case <-wctx.Done():
		e.log.Warn("loops did not exit before the shutdown timeout")
	}
	cancelWait()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Schedule.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := e.reconcileOrders(sctx); err != nil {
		errs = append(errs, fmt.Errorf("final reconcile: %w", err))
	}
	if err := e.orders.Close(sctx); err != nil {
		errs = append(errs, fmt.Errorf("closing orders: %w", err))
	}
	if e.store != nil {
		if err := e.portfolio.SaveState(sctx, e.store); err != nil {
			errs = append(errs, fmt.Errorf("saving state: %w", err))
		}
	}
	// closing the notifier ends event streams, so it goes before the
	// graceful gRPC stop
	if err := e.notifier.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing notifier: %w", err))
	}
	if e.health != nil {
		e.health.Stop()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}

	perf := e.portfolio.Performance()
	e.log.Info("engine stopped", "uptime", time.Since(e.started).Round(time.Second),
		"balance", perf.CurrentBalance, "totalReturn", perf.TotalReturn,
		"realizedPnL", perf.RealizedPnL, "trades", perf.Trades)
	return errors.Join(errs...)
}

// Running reports whether the loops are active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Status is a snapshot of the whole bot.
type Status struct {
	Mode        domain.TradingMode
	Running     bool
	Uptime      time.Duration
	Performance portfolio.Performance
	Orders      order.Stats
	Risk        risk.Summary
	Strategy    strategy.Status
	Prices      map[string]float64
}

// Status returns the current bot status.
func (e *Engine) Status() Status {
	s := Status{
		Mode:        e.cfg.Mode,
		Running:     e.Running(),
		Performance: e.portfolio.Performance(),
		Orders:      e.orders.Stats(),
		Risk:        e.risk.Summary(),
		Strategy:    e.strategy.Status(),
		Prices:      e.lastPrices(),
	}
	if s.Running {
		s.Uptime = time.Since(e.started)
	}
	return s
}

func (e *Engine) setPrices(prices map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for sym, p := range prices {
		e.prices[sym] = p
	}
}

func (e *Engine) lastPrices() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64, len(e.prices))
	for sym, p := range e.prices {
		out[sym] = p
	}
	return out
}
