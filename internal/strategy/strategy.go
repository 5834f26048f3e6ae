// Package strategy defines the Strategy interface for trading strategies,
// the Executor they trade through, and a Registry for managing multiple
// strategy implementations.
package strategy

import (
	"context"
	"sort"
	"time"

	"tradingbot/internal/domain"
)

// Strategy is the interface that all trading strategies must implement. The
// engine calls every method; a strategy with nothing to do returns nil.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init performs any one-time setup required before the strategy begins
	// processing market data.
	Init(ctx context.Context) error

	// OnTick is called with the latest ticker of each traded symbol.
	OnTick(ctx context.Context, t domain.Ticker) error

	// OnFill is called for every execution of an order the strategy owns.
	OnFill(ctx context.Context, f domain.Fill) error

	// Status reports the strategy's internal state.
	Status() Status
}

// Executor submits intents on behalf of a strategy. The engine implements
// it so that every intent passes the risk checks before it reaches the
// order manager.
type Executor interface {
	Submit(ctx context.Context, in domain.Intent) (*domain.Order, error)
	Cancel(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context, symbol string) (int, error)
	// Order returns the current state of an order, if still known.
	Order(orderID string) (domain.Order, bool)
}

// Clocked is implemented by strategies whose timers can follow a replayed
// clock instead of wall time.
type Clocked interface {
	SetClock(now func() time.Time)
}

// Status is a point-in-time view of a strategy.
type Status struct {
	Name    string
	Symbols []SymbolStatus
}

// SymbolStatus is the per-symbol state of a ladder strategy.
type SymbolStatus struct {
	Symbol         string
	Center         float64
	Levels         []domain.GridLevel
	DCALevels      []domain.DcaLevel
	Position       float64
	AvgEntryPrice  float64
	Invested       float64
	OpenOrders     int
	PausedUntil    time.Time
	RealizedProfit float64
	Trades         int
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
