package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"tradingbot/internal/domain"
)

// Compile-time interface checks.
var (
	_ Adapter      = (*Simulator)(nil)
	_ CandleSource = (*Simulator)(nil)
)

// Simulator implements Adapter in memory for backtesting and tests. Prices
// are pushed with SetPrice or replayed candles; resting orders are matched
// whenever the price moves. Funds are checked when an order executes rather
// than reserved when it is placed, so two exits for the same inventory may
// rest at once and the later one expires if the first consumed the funds.
type Simulator struct {
	mu       sync.Mutex
	feeRate  float64
	seq      int64
	tickers  map[string]domain.Ticker
	balances map[string]float64
	orders   map[string]*OrderSnapshot
	candles  map[string][]domain.Candle
	now      func() time.Time
}

// NewSimulator creates a Simulator holding the given starting balances and
// charging feeRate on every execution.
func NewSimulator(balances map[string]float64, feeRate float64) *Simulator {
	b := make(map[string]float64, len(balances))
	for cur, v := range balances {
		b[cur] = v
	}
	return &Simulator{
		feeRate:  feeRate,
		tickers:  make(map[string]domain.Ticker),
		balances: b,
		orders:   make(map[string]*OrderSnapshot),
		candles:  make(map[string][]domain.Candle),
		now:      time.Now,
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// SetPrice updates the last price of symbol and matches resting orders
// against it.
func (s *Simulator) SetPrice(symbol string, price float64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts.IsZero() {
		ts = s.now()
	}
	s.tickers[symbol] = domain.Ticker{Symbol: symbol, Last: price, Bid: price, Ask: price, Timestamp: ts}
	s.matchLocked(symbol, price, ts)
}

// AddCandles stores candles served by FetchCandles.
func (s *Simulator) AddCandles(candles []domain.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range candles {
		s.candles[c.Symbol] = append(s.candles[c.Symbol], c)
	}
	for sym := range s.candles {
		cs := s.candles[sym]
		sort.Slice(cs, func(i, j int) bool { return cs[i].Timestamp.Before(cs[j].Timestamp) })
	}
}

// FetchTicker returns the last price pushed for symbol.
func (s *Simulator) FetchTicker(_ context.Context, symbol string) (domain.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickers[symbol]
	if !ok {
		return domain.Ticker{}, &domain.ExchangeError{
			Op: "fetch ticker", Kind: domain.ErrExchange,
			Err: fmt.Errorf("no price for %s", symbol),
		}
	}
	return t, nil
}

// FetchBalance returns the simulated balances. Nothing is locked.
func (s *Simulator) FetchBalance(_ context.Context) (map[string]domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Balance, len(s.balances))
	for cur, v := range s.balances {
		out[cur] = domain.Balance{Currency: cur, Total: v, Free: v}
	}
	return out, nil
}

// CreateOrder accepts an order. Market orders execute immediately at the
// last price; other types rest until SetPrice crosses them.
func (s *Simulator) CreateOrder(_ context.Context, req OrderRequest) (OrderAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Amount <= 0 || !req.Side.Valid() || !req.Type.Valid() {
		return OrderAck{}, &domain.ExchangeError{
			Op: "create order", Kind: domain.ErrInvalidOrder,
			Err: fmt.Errorf("bad order %+v", req),
		}
	}

	s.seq++
	now := s.now()
	snap := &OrderSnapshot{
		ExchangeID: strconv.FormatInt(s.seq, 10),
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Amount:     req.Amount,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		Status:     domain.OrderStatusOpen,
		UpdatedAt:  now,
	}

	if req.Type == domain.OrderTypeMarket {
		t, ok := s.tickers[req.Symbol]
		if !ok {
			return OrderAck{}, &domain.ExchangeError{
				Op: "create order", Kind: domain.ErrExchange,
				Err: fmt.Errorf("no price for %s", req.Symbol),
			}
		}
		if !s.canAffordLocked(snap, t.Last) {
			return OrderAck{}, &domain.ExchangeError{
				Op: "create order", Kind: domain.ErrInsufficientFunds,
				Err: fmt.Errorf("%s %v %s", req.Side, req.Amount, req.Symbol),
			}
		}
		s.executeLocked(snap, t.Last, now)
	}

	s.orders[snap.ExchangeID] = snap
	return OrderAck{
		ExchangeID:   snap.ExchangeID,
		Status:       snap.Status,
		FilledAmount: snap.FilledAmount,
		AvgFillPrice: snap.AvgFillPrice,
		Fee:          snap.Fee,
	}, nil
}

// CancelOrder cancels a resting order.
func (s *Simulator) CancelOrder(_ context.Context, exchangeID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[exchangeID]
	if !ok || o.Status.IsTerminal() {
		return false, nil
	}
	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = s.now()
	return true, nil
}

// FetchOpenOrders lists resting orders, oldest first.
func (s *Simulator) FetchOpenOrders(_ context.Context, symbol string) ([]OrderSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OrderSnapshot
	for _, o := range s.orders {
		if o.Status.IsActive() && (symbol == "" || o.Symbol == symbol) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].ExchangeID, 10, 64)
		b, _ := strconv.ParseInt(out[j].ExchangeID, 10, 64)
		return a < b
	})
	return out, nil
}

// FetchOrder returns a copy of one order.
func (s *Simulator) FetchOrder(_ context.Context, exchangeID, _ string) (OrderSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[exchangeID]
	if !ok {
		return OrderSnapshot{}, &domain.ExchangeError{
			Op: "fetch order", Kind: domain.ErrInvalidOrder,
			Err: fmt.Errorf("%w: %s", domain.ErrOrderNotFound, exchangeID),
		}
	}
	return *o, nil
}

// FetchCandles returns stored candles at or after since.
func (s *Simulator) FetchCandles(_ context.Context, symbol, _ string, since time.Time, limit int) ([]domain.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Candle
	for _, c := range s.candles[symbol] {
		if !since.IsZero() && c.Timestamp.Before(since) {
			continue
		}
		out = append(out, c)
	}
	if limit > 0 && len(out) > limit {
		if since.IsZero() {
			out = out[len(out)-limit:]
		} else {
			out = out[:limit]
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *Simulator) Close() error {
	return nil
}

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

func (s *Simulator) matchLocked(symbol string, price float64, ts time.Time) {
	ids := make([]string, 0, len(s.orders))
	for id, o := range s.orders {
		if o.Symbol == symbol && o.Status.IsActive() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		o := s.orders[id]
		fillPrice, ok := crossing(o, price)
		if !ok {
			continue
		}
		if !s.canAffordLocked(o, fillPrice) {
			o.Status = domain.OrderStatusExpired
			o.UpdatedAt = ts
			continue
		}
		s.executeLocked(o, fillPrice, ts)
	}
}

// crossing reports whether o executes at the given market price and the
// price it executes at. A triggered stop_limit is converted to a limit.
func crossing(o *OrderSnapshot, price float64) (float64, bool) {
	switch o.Type {
	case domain.OrderTypeLimit:
		if o.Side == domain.SideBuy && price <= o.Price {
			return o.Price, true
		}
		if o.Side == domain.SideSell && price >= o.Price {
			return o.Price, true
		}
	case domain.OrderTypeStop:
		if o.Side == domain.SideSell && price <= o.StopPrice {
			return price, true
		}
		if o.Side == domain.SideBuy && price >= o.StopPrice {
			return price, true
		}
	case domain.OrderTypeStopLimit:
		triggered := (o.Side == domain.SideSell && price <= o.StopPrice) ||
			(o.Side == domain.SideBuy && price >= o.StopPrice)
		if triggered {
			o.Type = domain.OrderTypeLimit
			return crossing(o, price)
		}
	}
	return 0, false
}

func (s *Simulator) canAffordLocked(o *OrderSnapshot, price float64) bool {
	base, quote := SplitSymbol(o.Symbol)
	qty := o.Amount - o.FilledAmount
	if o.Side == domain.SideBuy {
		return s.balances[quote] >= qty*price*(1+s.feeRate)-1e-9
	}
	return s.balances[base] >= qty-1e-9
}

func (s *Simulator) executeLocked(o *OrderSnapshot, price float64, ts time.Time) {
	base, quote := SplitSymbol(o.Symbol)
	qty := o.Amount - o.FilledAmount
	value := qty * price
	fee := value * s.feeRate

	if o.Side == domain.SideBuy {
		s.balances[quote] -= value + fee
		s.balances[base] += qty
	} else {
		s.balances[base] -= qty
		s.balances[quote] += value - fee
	}

	o.AvgFillPrice = (o.AvgFillPrice*o.FilledAmount + value) / o.Amount
	o.FilledAmount = o.Amount
	o.Fee += fee
	o.Status = domain.OrderStatusFilled
	o.UpdatedAt = ts
}
