// Package exchange defines the Adapter interface the engine trades through
// and provides implementations for Binance spot, Alpaca crypto and an
// in-memory simulator used for backtests and tests.
package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradingbot/internal/domain"
)

// Adapter abstracts exchange operations for market data, balances and order
// execution. Implementations must be safe for concurrent use.
type Adapter interface {
	// Name returns the adapter identifier (e.g. "binance", "simulator").
	Name() string

	// FetchTicker returns the latest price snapshot for symbol.
	FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error)

	// FetchBalance returns the account balances keyed by currency.
	FetchBalance(ctx context.Context) (map[string]domain.Balance, error)

	// CreateOrder submits an order and returns the exchange acknowledgement.
	CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error)

	// CancelOrder cancels an open order. It reports false when the exchange
	// no longer knows the order as open.
	CancelOrder(ctx context.Context, exchangeID, symbol string) (bool, error)

	// FetchOpenOrders lists open orders, for all symbols when symbol is empty.
	FetchOpenOrders(ctx context.Context, symbol string) ([]OrderSnapshot, error)

	// FetchOrder returns the current state of one order.
	FetchOrder(ctx context.Context, exchangeID, symbol string) (OrderSnapshot, error)

	// Close releases any held connections.
	Close() error
}

// CandleSource is implemented by adapters that serve historical candles.
type CandleSource interface {
	// FetchCandles returns up to limit candles starting at since (zero means
	// the most recent candles), oldest first.
	FetchCandles(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]domain.Candle, error)
}

// OrderRequest is the exchange-facing part of an order.
type OrderRequest struct {
	ClientID  string
	Symbol    string
	Side      domain.Side
	Type      domain.OrderType
	Amount    float64
	Price     float64
	StopPrice float64
}

// OrderAck is the exchange's response to a new order.
type OrderAck struct {
	ExchangeID   string
	Status       domain.OrderStatus
	FilledAmount float64
	AvgFillPrice float64
	Fee          float64
}

// OrderSnapshot is the exchange's view of an order at a point in time.
type OrderSnapshot struct {
	ExchangeID   string
	ClientID     string
	Symbol       string
	Side         domain.Side
	Type         domain.OrderType
	Amount       float64
	Price        float64
	StopPrice    float64
	Status       domain.OrderStatus
	FilledAmount float64
	AvgFillPrice float64
	Fee          float64
	UpdatedAt    time.Time
}

// SplitSymbol splits "BASE/QUOTE" into its currencies.
func SplitSymbol(symbol string) (base, quote string) {
	if i := strings.IndexByte(symbol, '/'); i >= 0 {
		return symbol[:i], symbol[i+1:]
	}
	return symbol, ""
}

// formatAmount renders v for exchange APIs, truncated to 8 decimals.
func formatAmount(v float64) string {
	return decimal.NewFromFloat(v).Truncate(8).String()
}

// parseAmount parses an exchange decimal string. Empty or malformed input
// yields zero.
func parseAmount(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

// avgPrice derives an average fill price from executed quantity and quote
// value.
func avgPrice(filled, quote float64) float64 {
	if filled <= 0 {
		return 0
	}
	return quote / filled
}
