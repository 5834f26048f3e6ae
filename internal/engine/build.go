package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"tradingbot/internal/config"
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
	"tradingbot/internal/strategy/griddca"
)

const warmupCandles = 100

// Build assembles an engine from configuration. Backtests always trade
// against the simulator and skip the SQL store and the health server.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	mode := domain.TradingMode(cfg.Trading.Mode)
	symbols := cfg.Trading.AllSymbols()

	var closers []io.Closer
	fail := func(err error) (*Engine, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	adapter, err := NewAdapter(cfg, mode)
	if err != nil {
		return nil, err
	}
	closers = append(closers, adapter)

	var st store.Persister
	if mode != domain.ModeBacktest {
		switch cfg.Storage.Driver {
		case "sqlite":
			st, err = store.NewSQLiteStore(ctx, cfg.Storage.SQLitePath)
		case "postgres":
			st, err = store.NewSQLStore(ctx, "postgres", cfg.Storage.DSN)
		}
		if err != nil {
			return fail(err)
		}
		if st != nil {
			closers = append(closers, st)
		}
	}

	var candles store.CandleStore
	if cfg.Storage.DataDir != "" {
		candles = store.NewParquetStore(cfg.Storage.DataDir)
	}

	var feed marketdata.Feed
	if src, ok := adapter.(exchange.CandleSource); ok && mode != domain.ModeBacktest {
		if feed, err = marketdata.NewPoller(src, symbols, cfg.Trading.Timeframe, warmupCandles); err != nil {
			return fail(err)
		}
	}

	var feedModel *live.Model
	if mode != domain.ModeBacktest && cfg.Health.GRPCAddr != "" {
		feedModel = live.NewModel(0, logger)
	}
	notifier, err := newNotifier(cfg, mode, feedModel, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, notifier)

	ocfg := order.Config{
		Mode:              mode,
		FeeRate:           cfg.Trading.FeeRate,
		MinSubmitInterval: cfg.Exchange.MinOrderInterval,
		CallTimeout:       cfg.Exchange.Timeout,
		MaxRetries:        cfg.Exchange.MaxRetries,
		RetryDelay:        cfg.Exchange.RetryDelay,
	}
	if mode == domain.ModeBacktest {
		ocfg.MinSubmitInterval = 0
		ocfg.RetryDelay = 0
	}
	orders := order.NewManager(ocfg, adapter, logger)

	pf := portfolio.NewManager(portfolio.Config{
		Mode:         mode,
		BaseCurrency: cfg.Trading.BaseCurrency,
		PaperBalance: cfg.Trading.PaperBalance,
		Limits:       cfg.Risk.Limits(),
	}, logger)

	rm := risk.NewManager(risk.Config{
		Limits:          cfg.Risk.Limits(),
		SizingMethod:    cfg.Risk.SizingMethod,
		TrailingStopPct: cfg.Risk.TrailingStopPct,
		FailOpen:        cfg.Risk.FailOpen,
		KellyAvgWin:     cfg.Risk.KellyAvgWin,
		KellyAvgLoss:    cfg.Risk.KellyAvgLoss,
	}, pf, logger)

	gw := NewGateway(adapter, orders, pf, rm, st, logger)

	strat, err := newStrategy(cfg, symbols, gw, logger)
	if err != nil {
		return fail(err)
	}

	s := cfg.Schedule
	ecfg := Config{
		Mode:      mode,
		Symbols:   symbols,
		Timeframe: cfg.Trading.Timeframe,
		Schedule: Schedule{
			Strategy:        s.StrategyInterval,
			Portfolio:       s.PortfolioInterval,
			Risk:            s.RiskInterval,
			Orders:          s.OrderInterval,
			Health:          s.HealthInterval,
			MarketData:      s.MarketDataInterval,
			ErrorBackoff:    s.ErrorBackoff,
			ShutdownTimeout: s.ShutdownTimeout,
		},
	}
	ecfg.BackstopPct = cfg.Risk.BackstopPct
	ecfg.TrailingStop = cfg.Risk.TrailingStop
	if mode != domain.ModeBacktest {
		ecfg.HealthAddr = cfg.Health.GRPCAddr
	}

	e, err := New(ecfg, Deps{
		Adapter:   adapter,
		Orders:    orders,
		Portfolio: pf,
		Risk:      rm,
		Gateway:   gw,
		Strategy:  strat,
		Store:     st,
		Candles:   candles,
		Feed:      feed,
		Notifier:  notifier,
		Live:      feedModel,
	}, logger)
	if err != nil {
		return fail(err)
	}
	return e, nil
}

// NewAdapter creates the exchange adapter named by the configuration. Backtests
// always get the simulator.
func NewAdapter(cfg *config.Config, mode domain.TradingMode) (exchange.Adapter, error) {
	name := cfg.Trading.Exchange
	if mode == domain.ModeBacktest {
		name = "simulator"
	}
	switch name {
	case "simulator":
		return exchange.NewSimulator(map[string]float64{cfg.Trading.BaseCurrency: cfg.Trading.PaperBalance}, cfg.Trading.FeeRate), nil
	case "binance":
		b := cfg.Exchange.Binance
		return exchange.NewBinanceAdapter(b.APIKey, b.APISecret, b.Testnet), nil
	case "alpaca":
		a := cfg.Exchange.Alpaca
		return exchange.NewAlpacaAdapter(a.APIKey, a.APISecret, a.BaseURL, a.DataURL), nil
	}
	return nil, fmt.Errorf("%w: unknown exchange %q", domain.ErrConfiguration, name)
}

// newNotifier logs every notification and, outside backtests, also
// publishes to Kafka when brokers are configured and to the live event
// model when given. Delivery is async.
func newNotifier(cfg *config.Config, mode domain.TradingMode, model *live.Model, logger *slog.Logger) (notify.Notifier, error) {
	sinks := notify.Multi{notify.NewLogNotifier(logger)}
	if model != nil {
		sinks = append(sinks, model)
	}
	if len(cfg.Notify.KafkaBrokers) > 0 && mode != domain.ModeBacktest {
		k, err := notify.NewKafkaNotifier(cfg.Notify.KafkaBrokers, cfg.Notify.TradeTopic, cfg.Notify.AlertTopic, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	if mode == domain.ModeBacktest {
		return sinks, nil
	}
	return notify.NewAsync(sinks, logger), nil
}

func newStrategy(cfg *config.Config, symbols []string, exec strategy.Executor, logger *slog.Logger) (strategy.Strategy, error) {
	s := cfg.Strategy
	grid, err := griddca.New(griddca.Config{
		Symbols:            symbols,
		GridLevels:         s.GridLevels,
		GridSpacing:        s.GridSpacing,
		Budget:             s.Budget,
		MaxInvestment:      s.MaxInvestment,
		InitialPositionPct: s.InitialPositionPct,
		TakeProfitPct:      cfg.Risk.TakeProfitPct,
		StopLossPct:        cfg.Risk.StopLossPct,
		DCAPercentage:      s.DCAPercentage,
		DCAMultiplier:      s.DCAMultiplier,
		MaxDCALevels:       s.MaxDCALevels,
		DCABaseAmount:      s.DCABaseAmount,
		Cooldown:           s.Cooldown,
	}, exec, logger)
	if err != nil {
		return nil, err
	}

	reg := strategy.NewRegistry()
	reg.Register(grid)
	st, ok := reg.Get(s.Name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q (available %v)", domain.ErrConfiguration, s.Name, reg.List())
	}
	return st, nil
}
