// Package store defines storage interfaces for trading state and market
// data, with a SQL implementation for state and a Parquet archive for
// candles.
package store

import (
	"context"
	"time"

	"tradingbot/internal/domain"
)

// Persister stores trading state. Writes are best effort and not
// transactional across calls.
type Persister interface {
	// SavePosition upserts a position. A flat position is removed.
	SavePosition(ctx context.Context, pos domain.Position) error

	// LoadPositions returns all stored positions.
	LoadPositions(ctx context.Context) ([]domain.Position, error)

	// SaveTrade records an executed trade.
	SaveTrade(ctx context.Context, trade domain.Trade) error

	// LoadTrades returns up to limit of the most recent trades, oldest
	// first. limit <= 0 returns all.
	LoadTrades(ctx context.Context, limit int) ([]domain.Trade, error)

	// SavePortfolioMetrics records a metrics snapshot.
	SavePortfolioMetrics(ctx context.Context, m domain.PortfolioMetrics) error

	// LatestMetrics returns the most recent metrics snapshot, or nil when
	// none exist.
	LatestMetrics(ctx context.Context) (*domain.PortfolioMetrics, error)

	// SaveOrder upserts an order record.
	SaveOrder(ctx context.Context, order domain.Order) error

	// ListOrders returns stored orders with the given status.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)

	// SaveState stores an opaque state blob under key.
	SaveState(ctx context.Context, key string, data []byte) error

	// LoadState returns the blob stored under key, or nil when absent.
	LoadState(ctx context.Context, key string) ([]byte, error)

	// Ping checks the backing database is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// CandleStore persists and retrieves OHLCV candles.
type CandleStore interface {
	// WriteCandles persists a batch of candles, replacing any stored candle
	// with the same symbol, timeframe and timestamp.
	WriteCandles(ctx context.Context, candles []domain.Candle) error

	// ReadCandles returns candles for symbol and timeframe within
	// [start, end], oldest first.
	ReadCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]domain.Candle, error)

	// ListSymbols returns all symbols with candles for timeframe.
	ListSymbols(ctx context.Context, timeframe string) ([]string, error)
}
