// Package order implements the order lifecycle: validation, paper or
// exchange execution, reconciliation, dependent stop-loss/take-profit
// orders and their one-cancels-other linkage.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradingbot/internal/domain"
	"tradingbot/internal/exchange"
	"tradingbot/internal/util"
)

// Config controls execution mode and exchange call policy.
type Config struct {
	Mode              domain.TradingMode
	FeeRate           float64       // paper-mode fee as a fraction of notional
	MinSubmitInterval time.Duration // minimum gap between submissions/cancels
	CallTimeout       time.Duration // per exchange call
	MaxRetries        int           // attempts for transient failures
	RetryDelay        time.Duration // fixed backoff between attempts
	ArchiveLimit      int           // terminal orders retained for queries
}

// DefaultConfig returns the production defaults for paper mode.
func DefaultConfig() Config {
	return Config{
		Mode:              domain.ModePaper,
		FeeRate:           0.001,
		MinSubmitInterval: time.Second,
		CallTimeout:       30 * time.Second,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		ArchiveLimit:      1000,
	}
}

// Stats summarises order activity since start.
type Stats struct {
	Total    int
	Active   int
	Filled   int
	Canceled int
	Rejected int
	Expired  int
	FillRate float64
}

// Manager owns every order the engine creates. Paper mode simulates
// execution against adapter prices; live and backtest modes submit to the
// adapter and poll it for status.
type Manager struct {
	cfg     Config
	adapter exchange.Adapter
	limiter *util.RateLimiter
	symbols *util.KeyedMutex
	log     *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	active   map[string]*domain.Order
	archive  map[string]*domain.Order
	archived []string // archive insertion order
	fills    []domain.Fill
	stats    Stats
}

// NewManager creates a Manager trading through adapter.
func NewManager(cfg Config, adapter exchange.Adapter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = util.Discard()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.ArchiveLimit <= 0 {
		cfg.ArchiveLimit = 1000
	}
	return &Manager{
		cfg:     cfg,
		adapter: adapter,
		limiter: util.NewRateLimiter(cfg.MinSubmitInterval),
		symbols: util.NewKeyedMutex(),
		log:     logger.With("component", "order"),
		now:     time.Now,
		active:  make(map[string]*domain.Order),
		archive: make(map[string]*domain.Order),
	}
}

func (m *Manager) paper() bool {
	return m.cfg.Mode == domain.ModePaper
}

// CreateOrder validates req and executes it. Paper market orders fill at the
// last price before returning; everything else rests until UpdateOrders.
// A rejected order is returned together with the error that rejected it.
func (m *Manager) CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	now := m.now()
	o := &domain.Order{
		ID:         uuid.NewString(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Amount:     req.Amount,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Strategy:   req.Strategy,
		Tag:        req.Tag,
		ParentID:   req.ParentID,
		Role:       req.Role,
		Status:     domain.OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if o.Role == "" {
		o.Role = domain.OrderRoleEntry
	}

	var (
		out domain.Order
		err error
	)
	if m.paper() {
		out, err = m.executePaper(ctx, o)
	} else {
		out, err = m.submitLive(ctx, o)
	}
	if err != nil {
		return &out, err
	}
	if out.FilledAmount > 0 {
		m.afterFills(ctx, []domain.Order{out})
	}
	return &out, nil
}

func validate(req domain.OrderRequest) error {
	switch {
	case req.Symbol == "":
		return fmt.Errorf("%w: symbol is required", domain.ErrInvalidOrder)
	case !req.Side.Valid():
		return fmt.Errorf("%w: side %q must be buy or sell", domain.ErrInvalidOrder, req.Side)
	case !req.Type.Valid():
		return fmt.Errorf("%w: unknown order type %q", domain.ErrInvalidOrder, req.Type)
	case !(req.Amount > 0):
		return fmt.Errorf("%w: amount must be positive, got %v", domain.ErrInvalidOrder, req.Amount)
	case req.Type.NeedsPrice() && !(req.Price > 0):
		return fmt.Errorf("%w: %s order requires a positive price", domain.ErrInvalidOrder, req.Type)
	case req.Type.NeedsStopPrice() && !(req.StopPrice > 0):
		return fmt.Errorf("%w: %s order requires a positive stop price", domain.ErrInvalidOrder, req.Type)
	}
	return nil
}

// CancelOrder cancels an active order.
func (m *Manager) CancelOrder(ctx context.Context, id string) error {
	m.mu.RLock()
	o, ok := m.active[id]
	var snap domain.Order
	if ok {
		snap = *o
	}
	_, archived := m.archive[id]
	m.mu.RUnlock()

	if !ok {
		if archived {
			return fmt.Errorf("%w: order %s is already final", domain.ErrInvalidTransition, id)
		}
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}

	executed, err := m.cancel(ctx, snap)
	if executed != nil {
		m.afterFills(ctx, []domain.Order{*executed})
	}
	return err
}

// cancel performs the cancellation under the symbol lock. When the exchange
// no longer knows the order it is reconciled instead, and any execution
// found that way is returned.
func (m *Manager) cancel(ctx context.Context, snap domain.Order) (*domain.Order, error) {
	unlock := m.symbols.Lock(snap.Symbol)
	defer unlock()

	if !m.paper() && snap.ExchangeID != "" {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var canceled bool
		err := m.call(ctx, func(cctx context.Context) error {
			var err error
			canceled, err = m.adapter.CancelOrder(cctx, snap.ExchangeID, snap.Symbol)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("cancel %s: %w", snap.ID, err)
		}
		if !canceled {
			// Already gone on the exchange; pick up its final state. An
			// order that is still working there was not canceled.
			executed, err := m.reconcileOne(ctx, snap)
			if err != nil {
				return executed, err
			}
			if o, ok := m.Order(snap.ID); ok && o.Status.IsActive() {
				return executed, fmt.Errorf("%w: %s is still %s on the exchange", domain.ErrCancelRejected, snap.ID, o.Status)
			}
			return executed, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.active[snap.ID]
	if !ok {
		return nil, nil
	}
	if err := o.Transition(domain.OrderStatusCanceled, m.now()); err != nil {
		return nil, err
	}
	m.archiveLocked(o)
	m.log.Info("order canceled", "orderID", o.ID, "symbol", o.Symbol, "filled", o.FilledAmount)
	return nil, nil
}

// CancelAll cancels every active order for symbol, or for all symbols when
// symbol is empty, and returns how many ended canceled. Orders that filled
// in the meantime are not counted. Failures do not stop the sweep; they are
// joined into the returned error.
func (m *Manager) CancelAll(ctx context.Context, symbol string) (int, error) {
	var errs []error
	n := 0
	for _, o := range m.ActiveOrders(symbol) {
		if err := m.CancelOrder(ctx, o.ID); err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			errs = append(errs, err)
			m.log.Warn("cancel failed", "orderID", o.ID, "symbol", o.Symbol, "error", err)
			continue
		}
		if got, ok := m.Order(o.ID); ok && got.Status == domain.OrderStatusCanceled {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// UpdateOrders reconciles active orders: paper mode checks price crossings,
// live mode polls the exchange. New fills are queued for DrainFills.
func (m *Manager) UpdateOrders(ctx context.Context) error {
	var (
		executed []domain.Order
		err      error
	)
	if m.paper() {
		executed, err = m.updatePaper(ctx)
	} else {
		executed, err = m.updateLive(ctx)
	}
	m.afterFills(ctx, executed)
	return err
}

// DrainFills returns and clears the fills recorded since the last call.
func (m *Manager) DrainFills() []domain.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.fills
	m.fills = nil
	return out
}

// Order returns a copy of the order with the given ID.
func (m *Manager) Order(id string) (domain.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.active[id]; ok {
		return *o, true
	}
	if o, ok := m.archive[id]; ok {
		return *o, true
	}
	return domain.Order{}, false
}

// ActiveOrders returns copies of active orders for symbol (all when empty),
// oldest first.
func (m *Manager) ActiveOrders(symbol string) []domain.Order {
	m.mu.RLock()
	out := make([]domain.Order, 0, len(m.active))
	for _, o := range m.active {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	m.mu.RUnlock()
	sortByCreated(out)
	return out
}

// FilledOrders returns up to limit of the most recent filled orders for
// symbol (all when empty), newest first. limit <= 0 means no limit.
func (m *Manager) FilledOrders(symbol string, limit int) []domain.Order {
	m.mu.RLock()
	var out []domain.Order
	for i := len(m.archived) - 1; i >= 0; i-- {
		o := m.archive[m.archived[i]]
		if o == nil || o.Status != domain.OrderStatusFilled {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, *o)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	m.mu.RUnlock()
	return out
}

// Stats returns order counters and the fill rate of finished orders.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.Active = len(m.active)
	if done := s.Filled + s.Canceled + s.Rejected + s.Expired; done > 0 {
		s.FillRate = float64(s.Filled) / float64(done)
	}
	return s
}

// CheckConnectivity verifies the adapter answers a ticker request.
func (m *Manager) CheckConnectivity(ctx context.Context, symbol string) error {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	if _, err := m.adapter.FetchTicker(cctx, symbol); err != nil {
		return fmt.Errorf("connectivity check: %w", err)
	}
	return nil
}

// Close cancels all outstanding orders (best effort) and releases the
// adapter.
func (m *Manager) Close(ctx context.Context) error {
	n, cancelErr := m.CancelAll(ctx, "")
	m.log.Info("outstanding orders canceled", "count", n)
	return errors.Join(cancelErr, m.adapter.Close())
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// call runs fn with the per-call timeout, retrying transient failures with
// fixed backoff.
func (m *Manager) call(ctx context.Context, fn func(context.Context) error) error {
	return util.RetryIf(ctx, m.cfg.MaxRetries, m.cfg.RetryDelay, domain.IsRetryable, func() error {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
		return fn(cctx)
	})
}

func (m *Manager) fetchPrice(ctx context.Context, symbol string) (float64, error) {
	var t domain.Ticker
	err := m.call(ctx, func(cctx context.Context) error {
		var err error
		t, err = m.adapter.FetchTicker(cctx, symbol)
		return err
	})
	if err != nil {
		return 0, err
	}
	if !(t.Last > 0) {
		return 0, fmt.Errorf("%w: no last price for %s", domain.ErrExchange, symbol)
	}
	return t.Last, nil
}

// insertLocked registers a new order, archiving it at once when terminal.
func (m *Manager) insertLocked(o *domain.Order) {
	m.stats.Total++
	if o.Status.IsTerminal() {
		m.archiveLocked(o)
		return
	}
	m.active[o.ID] = o
}

func (m *Manager) archiveLocked(o *domain.Order) {
	delete(m.active, o.ID)
	if _, ok := m.archive[o.ID]; ok {
		return
	}
	switch o.Status {
	case domain.OrderStatusFilled:
		m.stats.Filled++
	case domain.OrderStatusCanceled:
		m.stats.Canceled++
	case domain.OrderStatusRejected:
		m.stats.Rejected++
	case domain.OrderStatusExpired:
		m.stats.Expired++
	}
	m.archive[o.ID] = o
	m.archived = append(m.archived, o.ID)
	for len(m.archived) > m.cfg.ArchiveLimit {
		delete(m.archive, m.archived[0])
		m.archived = m.archived[1:]
	}
}

// applyFillLocked records an execution on o and queues the fill.
func (m *Manager) applyFillLocked(o *domain.Order, qty, price, fee float64) (bool, error) {
	applied, err := o.ApplyFill(qty, price, fee, m.now())
	if err != nil || applied <= 0 {
		return false, err
	}
	m.fills = append(m.fills, domain.Fill{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Amount:    applied,
		Price:     price,
		Fee:       fee,
		Strategy:  o.Strategy,
		Tag:       o.Tag,
		Role:      o.Role,
		Final:     o.Status == domain.OrderStatusFilled,
		Timestamp: o.UpdatedAt,
	})
	return true, nil
}

func sortByCreated(orders []domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
