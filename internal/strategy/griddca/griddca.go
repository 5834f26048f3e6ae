// Package griddca implements a grid ladder strategy with dollar-cost
// averaging and a position stop-loss.
//
// Per symbol the strategy keeps a ladder of limit buys below and limit sells
// above a center price. Every filled order is answered with new orders so
// the ladder heals itself; a deep enough drop averages down with a market
// buy; a drop past the stop-loss liquidates the position and pauses the
// symbol for a cooldown before a fresh ladder is built.
package griddca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingbot/internal/domain"
	"tradingbot/internal/strategy"
	"tradingbot/internal/util"
)

// Name is the registry name of the strategy.
const Name = "grid_dca"

const qtyEpsilon = 1e-9

// Config holds the strategy parameters. Percentages are fractions.
type Config struct {
	Symbols            []string
	GridLevels         int
	GridSpacing        float64
	Budget             float64 // quote value spread across the ladder
	MaxInvestment      float64
	InitialPositionPct float64
	TakeProfitPct      float64
	StopLossPct        float64
	DCAPercentage      float64
	DCAMultiplier      float64
	MaxDCALevels       int
	DCABaseAmount      float64
	Cooldown           time.Duration
}

// DefaultConfig returns the stock parameters.
func DefaultConfig() Config {
	return Config{
		GridLevels:         10,
		GridSpacing:        0.02,
		Budget:             1000,
		MaxInvestment:      5000,
		InitialPositionPct: 0.1,
		TakeProfitPct:      0.03,
		StopLossPct:        0.15,
		DCAPercentage:      0.05,
		DCAMultiplier:      1.5,
		MaxDCALevels:       5,
		DCABaseAmount:      100,
		Cooldown:           5 * time.Minute,
	}
}

func (c Config) validate() error {
	switch {
	case c.GridLevels < 1:
		return fmt.Errorf("%w: grid levels %d must be at least 1", domain.ErrConfiguration, c.GridLevels)
	case !(c.GridSpacing > 0) || c.GridSpacing >= 1/float64(c.GridLevels):
		return fmt.Errorf("%w: grid spacing %v must be in (0, 1/%d)", domain.ErrConfiguration, c.GridSpacing, c.GridLevels)
	case !(c.Budget > 0):
		return fmt.Errorf("%w: budget must be positive", domain.ErrConfiguration)
	case c.MaxInvestment < c.Budget:
		return fmt.Errorf("%w: max investment %v below budget %v", domain.ErrConfiguration, c.MaxInvestment, c.Budget)
	case !(c.TakeProfitPct > 0):
		return fmt.Errorf("%w: take profit must be positive", domain.ErrConfiguration)
	case !(c.StopLossPct > 0) || c.StopLossPct >= 1:
		return fmt.Errorf("%w: stop loss %v must be in (0, 1)", domain.ErrConfiguration, c.StopLossPct)
	case c.DCAMultiplier < 1:
		return fmt.Errorf("%w: dca multiplier %v below 1", domain.ErrConfiguration, c.DCAMultiplier)
	case c.MaxDCALevels < 0 || c.DCAPercentage < 0 || c.DCABaseAmount < 0:
		return fmt.Errorf("%w: dca settings must not be negative", domain.ErrConfiguration)
	}
	return nil
}

// kind tags every order the strategy places. It travels on the order as its
// tag so fills can be attributed even when they arrive for an order the
// ledger has already dropped.
type kind string

const (
	kindGridBuy    kind = "grid_buy"
	kindGridSell   kind = "grid_sell"
	kindTakeProfit kind = "take_profit"
	kindPositionTP kind = "position_tp"
	kindDCA        kind = "dca"
	kindInitial    kind = "initial"
	kindStopLoss   kind = "stop_loss"
)

// market reports whether orders of this kind execute at market. They are
// in flight only until their fill arrives and survive a re-center.
func (k kind) market() bool {
	return k == kindDCA || k == kindInitial || k == kindStopLoss
}

type ref struct {
	kind   kind
	side   domain.Side
	level  int
	price  float64
	amount float64
	filled float64
	cost   float64
}

func (r *ref) remaining() float64 {
	return math.Max(0, r.amount-r.filled)
}

// book is the per-symbol ledger. It is only touched while the symbol lock
// is held.
type book struct {
	symbol      string
	built       bool
	center      float64
	levels      []domain.GridLevel
	refs        map[string]*ref
	position    float64
	avg         float64
	invested    float64
	dca         []domain.DcaLevel
	dcaOrder    string
	positionTP  string
	pausedUntil time.Time
	realized    float64
	trades      int
}

// Strategy is the grid-DCA strategy. It is safe for concurrent use; calls
// for the same symbol are serialized.
type Strategy struct {
	cfg   Config
	exec  strategy.Executor
	log   *slog.Logger
	now   func() time.Time
	locks *util.KeyedMutex

	mu     sync.RWMutex
	books  map[string]*book
	status map[string]strategy.SymbolStatus
}

var _ strategy.Strategy = (*Strategy)(nil)

// New creates the strategy trading through exec.
func New(cfg Config, exec strategy.Executor, logger *slog.Logger) (*Strategy, error) {
	if exec == nil {
		return nil, fmt.Errorf("%w: grid_dca needs an executor", domain.ErrConfiguration)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = util.Discard()
	}
	return &Strategy{
		cfg:    cfg,
		exec:   exec,
		log:    logger.With("component", "strategy", "strategy", Name),
		now:    time.Now,
		locks:  util.NewKeyedMutex(),
		books:  make(map[string]*book),
		status: make(map[string]strategy.SymbolStatus),
	}, nil
}

// SetClock replaces the time source used for cooldowns. Backtests drive it
// from candle timestamps. It must be called before the first tick.
func (s *Strategy) SetClock(now func() time.Time) {
	s.now = now
}

// Name returns "grid_dca".
func (s *Strategy) Name() string { return Name }

// Init registers the configured symbols. Ladders are built on the first
// tick of each symbol.
func (s *Strategy) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range s.cfg.Symbols {
		if _, ok := s.books[sym]; !ok {
			s.books[sym] = newBook(sym)
		}
	}
	s.log.Info("strategy initialized", "symbols", s.cfg.Symbols,
		"levels", s.cfg.GridLevels, "spacing", s.cfg.GridSpacing, "budget", s.cfg.Budget)
	return nil
}

func newBook(symbol string) *book {
	return &book{symbol: symbol, refs: make(map[string]*ref)}
}

// bookFor returns the ledger of symbol. Without configured symbols any
// symbol is traded.
func (s *Strategy) bookFor(symbol string) (*book, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[symbol]
	if !ok && len(s.cfg.Symbols) == 0 && symbol != "" {
		b = newBook(symbol)
		s.books[symbol] = b
		ok = true
	}
	return b, ok
}

// OnTick drives the ladder of one symbol: resume after a cooldown, build,
// stop out, average down, or re-center.
func (s *Strategy) OnTick(ctx context.Context, t domain.Ticker) error {
	price := t.Last
	if !(price > 0) {
		return nil
	}
	unlock := s.locks.Lock(t.Symbol)
	defer unlock()

	b, ok := s.bookFor(t.Symbol)
	if !ok {
		return nil
	}
	defer s.publish(b)

	if !b.pausedUntil.IsZero() {
		if s.now().Before(b.pausedUntil) {
			return nil
		}
		b.pausedUntil = time.Time{}
		s.log.Info("cooldown over, rebuilding grid", "symbol", b.symbol, "price", price)
	}
	if !b.built {
		return s.build(ctx, b, price, true)
	}

	if s.stopLossHit(b, price) {
		return s.liquidate(ctx, b, price)
	}

	rearm, tpDead := s.dropDeadOrders(b)

	var errs []error
	if s.dcaDue(b, price) {
		errs = append(errs, s.averageDown(ctx, b, price))
	}
	if math.Abs(price-b.center)/b.center > 2*s.cfg.GridSpacing {
		errs = append(errs, s.recenter(ctx, b, price))
	} else {
		errs = append(errs, s.rearmLevels(ctx, b, rearm))
		if tpDead && b.position > qtyEpsilon {
			errs = append(errs, s.refreshPositionTP(ctx, b))
		}
		errs = append(errs, s.placePendingSells(ctx, b))
	}
	return errors.Join(errs...)
}

// dropDeadOrders forgets orders that ended without filling completely:
// canceled, expired or rejected on the exchange. Sell levels whose order
// died become pending again. It returns the buy levels to re-arm and
// whether the position take-profit died.
func (s *Strategy) dropDeadOrders(b *book) (rearm []int, tpDead bool) {
	for id, r := range b.refs {
		o, ok := s.exec.Order(id)
		if !ok || !o.Status.IsTerminal() || o.Status == domain.OrderStatusFilled {
			continue
		}
		delete(b.refs, id)
		s.log.Info("order ended unfilled", "symbol", b.symbol, "orderID", id, "kind", r.kind,
			"status", o.Status, "filled", r.filled)

		if id == b.positionTP {
			b.positionTP = ""
			tpDead = true
		}
		if id == b.dcaOrder {
			b.dcaOrder = ""
			kept := b.dca[:0]
			for _, l := range b.dca {
				if l.OrderID == id {
					if !(r.filled > 0) {
						continue
					}
					l.Filled, l.Amount, l.Price = true, r.filled, r.cost/r.filled
				}
				kept = append(kept, l)
			}
			b.dca = kept
		}
		for i := range b.levels {
			if b.levels[i].OrderID != id {
				continue
			}
			b.levels[i].OrderID = ""
			if b.levels[i].Side == domain.SideBuy {
				rearm = append(rearm, i)
			}
		}
	}
	sort.Ints(rearm)
	return rearm, tpDead
}

// rearmLevels places the given buy levels again unless a buy already rests
// at their price.
func (s *Strategy) rearmLevels(ctx context.Context, b *book, idx []int) error {
	var errs []error
	for _, i := range idx {
		lvl := &b.levels[i]
		if lvl.Filled || lvl.OrderID != "" || lvl.Amount <= 0 || hasOpenBuy(b, lvl.Price) {
			continue
		}
		id, err := s.place(ctx, b, limit(domain.SideBuy, lvl.Price, lvl.Amount), ref{kind: kindGridBuy, level: lvl.Index})
		errs = append(errs, err)
		lvl.OrderID = id
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Ladder
// ---------------------------------------------------------------------------

func (s *Strategy) levelQuote() float64 {
	return s.cfg.Budget / float64(2*s.cfg.GridLevels)
}

// build lays a fresh ladder around center: buys first, then the position
// take-profit, then sells out of whatever inventory is left.
func (s *Strategy) build(ctx context.Context, b *book, center float64, initial bool) error {
	b.center = center
	b.built = true
	b.levels = nil

	var errs []error
	quote := s.levelQuote()
	for i := 1; i <= s.cfg.GridLevels; i++ {
		price := roundPrice(center * (1 - s.cfg.GridSpacing*float64(i)))
		lvl := domain.GridLevel{Index: -i, Side: domain.SideBuy, Price: price, Amount: roundQty(quote / price)}
		if lvl.Amount > 0 && !hasOpenBuy(b, price) {
			id, err := s.place(ctx, b, limit(domain.SideBuy, price, lvl.Amount), ref{kind: kindGridBuy, level: -i})
			errs = append(errs, err)
			lvl.OrderID = id
		}
		b.levels = append(b.levels, lvl)
	}

	if b.position > qtyEpsilon {
		errs = append(errs, s.refreshPositionTP(ctx, b))
	}

	for i := 1; i <= s.cfg.GridLevels; i++ {
		price := roundPrice(center * (1 + s.cfg.GridSpacing*float64(i)))
		b.levels = append(b.levels, domain.GridLevel{Index: i, Side: domain.SideSell, Price: price, Amount: roundQty(quote / price)})
	}
	errs = append(errs, s.placePendingSells(ctx, b))

	if initial && b.position <= qtyEpsilon && s.cfg.InitialPositionPct > 0 {
		qty := roundQty(s.cfg.InitialPositionPct * s.cfg.Budget / center)
		if qty > 0 {
			_, err := s.place(ctx, b, market(domain.SideBuy, center, qty), ref{kind: kindInitial})
			errs = append(errs, err)
		}
	}

	s.log.Info("grid built", "symbol", b.symbol, "center", center, "levels", s.cfg.GridLevels, "position", b.position)
	return errors.Join(errs...)
}

// placePendingSells places unplaced sell levels as far as uncommitted
// inventory allows.
func (s *Strategy) placePendingSells(ctx context.Context, b *book) error {
	var errs []error
	for i := range b.levels {
		lvl := &b.levels[i]
		if lvl.Side != domain.SideSell || lvl.OrderID != "" || lvl.Filled {
			continue
		}
		qty := math.Min(lvl.Amount, roundQty(uncommitted(b)))
		if qty <= 0 {
			break
		}
		id, err := s.place(ctx, b, limit(domain.SideSell, lvl.Price, qty), ref{kind: kindGridSell, level: lvl.Index})
		errs = append(errs, err)
		lvl.OrderID = id
	}
	return errors.Join(errs...)
}

// recenter cancels every resting order of the symbol and rebuilds around
// price. A failed cancel sweep leaves the ladder in place so the next tick
// retries.
func (s *Strategy) recenter(ctx context.Context, b *book, price float64) error {
	n, err := s.exec.CancelAll(ctx, b.symbol)
	if err != nil {
		return fmt.Errorf("recenter %s: %w", b.symbol, err)
	}
	s.log.Info("grid re-centered", "symbol", b.symbol, "from", b.center, "to", price, "canceled", n)
	for id, r := range b.refs {
		if !r.kind.market() {
			delete(b.refs, id)
		}
	}
	b.positionTP = ""
	return s.build(ctx, b, price, false)
}

// refreshPositionTP replaces the take-profit covering the position.
func (s *Strategy) refreshPositionTP(ctx context.Context, b *book) error {
	if b.positionTP != "" {
		if err := s.exec.Cancel(ctx, b.positionTP); err != nil {
			s.log.Warn("take-profit cancel failed", "symbol", b.symbol, "orderID", b.positionTP, "error", err)
		}
		delete(b.refs, b.positionTP)
		b.positionTP = ""
	}
	qty := roundQty(uncommitted(b))
	if qty <= 0 || !(b.avg > 0) {
		return nil
	}
	price := roundPrice(b.avg * (1 + s.cfg.TakeProfitPct))
	id, err := s.place(ctx, b, limit(domain.SideSell, price, qty), ref{kind: kindPositionTP})
	b.positionTP = id
	return err
}

// ---------------------------------------------------------------------------
// DCA and stop-loss
// ---------------------------------------------------------------------------

func (s *Strategy) drop(b *book, price float64) float64 {
	if b.position <= qtyEpsilon || !(b.avg > 0) {
		return 0
	}
	return (b.avg - price) / b.avg
}

func (s *Strategy) dcaDue(b *book, price float64) bool {
	return b.dcaOrder == "" &&
		len(b.dca) < s.cfg.MaxDCALevels &&
		s.cfg.DCAPercentage > 0 &&
		s.drop(b, price) >= s.cfg.DCAPercentage
}

func (s *Strategy) averageDown(ctx context.Context, b *book, price float64) error {
	idx := len(b.dca)
	amount := s.cfg.DCABaseAmount * math.Pow(s.cfg.DCAMultiplier, float64(idx))
	if remaining := s.cfg.MaxInvestment - b.invested; amount > remaining {
		amount = remaining
	}
	qty := roundQty(amount / price)
	if qty <= 0 {
		s.log.Debug("investment cap reached, skipping dca", "symbol", b.symbol, "invested", b.invested)
		return nil
	}
	id, err := s.place(ctx, b, market(domain.SideBuy, price, qty), ref{kind: kindDCA})
	if id == "" {
		return err
	}
	b.dcaOrder = id
	b.dca = append(b.dca, domain.DcaLevel{Index: idx, TriggerPrice: price, Amount: qty, OrderID: id})
	s.log.Info("dca triggered", "symbol", b.symbol, "level", idx, "price", price, "amount", qty, "avgEntry", b.avg)
	return err
}

func (s *Strategy) stopLossHit(b *book, price float64) bool {
	return s.drop(b, price) >= s.cfg.StopLossPct
}

// liquidate tears the ladder down, sells the whole position at market and
// pauses the symbol for the cooldown.
func (s *Strategy) liquidate(ctx context.Context, b *book, price float64) error {
	var errs []error
	if _, err := s.exec.CancelAll(ctx, b.symbol); err != nil {
		errs = append(errs, err)
	}
	b.refs = make(map[string]*ref)
	b.levels = nil
	b.positionTP = ""
	b.dcaOrder = ""
	b.built = false
	b.pausedUntil = s.now().Add(s.cfg.Cooldown)

	s.log.Warn("stop-loss triggered", "symbol", b.symbol, "price", price, "avgEntry", b.avg,
		"position", b.position, "pausedUntil", b.pausedUntil)

	if qty := roundQty(b.position); qty > 0 {
		in := market(domain.SideSell, price, qty)
		in.ReduceOnly = true
		_, err := s.place(ctx, b, in, ref{kind: kindStopLoss})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Fills
// ---------------------------------------------------------------------------

// OnFill updates the ledger with one execution and, once the order is
// complete, answers it with the next orders of the ladder.
func (s *Strategy) OnFill(ctx context.Context, f domain.Fill) error {
	if f.Strategy != Name || !(f.Amount > 0) {
		return nil
	}
	unlock := s.locks.Lock(f.Symbol)
	defer unlock()

	b, ok := s.bookFor(f.Symbol)
	if !ok {
		return nil
	}
	defer s.publish(b)

	r, known := b.refs[f.OrderID]
	if !known {
		r = &ref{kind: kind(f.Tag), side: f.Side, price: f.Price}
		b.refs[f.OrderID] = r
	}
	s.applyFill(b, f)
	r.filled += f.Amount
	r.cost += f.Amount * f.Price
	if !f.Final {
		return nil
	}

	delete(b.refs, f.OrderID)
	b.trades++
	fillPrice := r.cost / r.filled
	for i := range b.levels {
		if b.levels[i].OrderID == f.OrderID {
			b.levels[i].Filled = true
		}
	}
	s.compactLevels(b)

	switch r.kind {
	case kindGridBuy:
		return s.answerBuy(ctx, b, r, fillPrice)
	case kindGridSell, kindTakeProfit, kindPositionTP:
		if b.positionTP == f.OrderID {
			b.positionTP = ""
		}
		return s.answerSell(ctx, b, r, fillPrice)
	case kindDCA:
		if b.dcaOrder == f.OrderID {
			b.dcaOrder = ""
		}
		for i := range b.dca {
			if b.dca[i].OrderID == f.OrderID {
				b.dca[i].Filled = true
				b.dca[i].Price = fillPrice
			}
		}
		s.log.Info("dca filled", "symbol", b.symbol, "price", fillPrice, "avgEntry", b.avg, "position", b.position)
		return s.refreshPositionTP(ctx, b)
	case kindInitial:
		return s.refreshPositionTP(ctx, b)
	case kindStopLoss:
		s.log.Info("position liquidated", "symbol", b.symbol, "price", fillPrice, "realized", b.realized)
	}
	return nil
}

// applyFill moves the position and average entry. Fees count against
// realized profit.
func (s *Strategy) applyFill(b *book, f domain.Fill) {
	b.realized -= f.Fee
	if f.Side == domain.SideBuy {
		size := b.position + f.Amount
		b.avg = (b.position*b.avg + f.Amount*f.Price) / size
		b.position = size
		b.invested += f.Amount * f.Price
		return
	}

	qty := math.Min(f.Amount, b.position)
	b.realized += (f.Price - b.avg) * qty
	b.invested = math.Max(0, b.invested-qty*b.avg)
	b.position -= qty
	if b.position <= qtyEpsilon {
		b.position, b.avg, b.invested = 0, 0, 0
		b.dca = nil
		b.dcaOrder = ""
	}
}

// answerBuy takes profit on the bought quantity and re-arms a buy one step
// lower.
func (s *Strategy) answerBuy(ctx context.Context, b *book, r *ref, fill float64) error {
	var errs []error
	if qty := math.Min(roundQty(r.filled), roundQty(uncommitted(b))); qty > 0 {
		_, err := s.place(ctx, b, limit(domain.SideSell, roundPrice(fill*(1+s.cfg.TakeProfitPct)), qty), ref{kind: kindTakeProfit})
		errs = append(errs, err)
	}
	errs = append(errs, s.rearmBuy(ctx, b, fill*(1-s.cfg.GridSpacing), r.level-1))
	return errors.Join(errs...)
}

// answerSell moves the sold quantity one step higher and re-arms a buy two
// steps lower.
func (s *Strategy) answerSell(ctx context.Context, b *book, r *ref, fill float64) error {
	var errs []error
	if qty := math.Min(roundQty(r.filled), roundQty(uncommitted(b))); qty > 0 {
		price := roundPrice(fill * (1 + s.cfg.GridSpacing))
		id, err := s.place(ctx, b, limit(domain.SideSell, price, qty), ref{kind: kindGridSell, level: r.level + 1})
		errs = append(errs, err)
		if id != "" {
			b.levels = append(b.levels, domain.GridLevel{Index: r.level + 1, Side: domain.SideSell, Price: price, Amount: qty, OrderID: id})
		}
	}
	errs = append(errs, s.rearmBuy(ctx, b, fill*(1-2*s.cfg.GridSpacing), r.level-2))
	return errors.Join(errs...)
}

func (s *Strategy) rearmBuy(ctx context.Context, b *book, price float64, level int) error {
	price = roundPrice(price)
	if !(price > 0) || hasOpenBuy(b, price) {
		return nil
	}
	qty := roundQty(s.levelQuote() / price)
	if qty <= 0 {
		return nil
	}
	id, err := s.place(ctx, b, limit(domain.SideBuy, price, qty), ref{kind: kindGridBuy, level: level})
	if id != "" {
		b.levels = append(b.levels, domain.GridLevel{Index: level, Side: domain.SideBuy, Price: price, Amount: qty, OrderID: id})
	}
	return err
}

// compactLevels drops filled levels once they outnumber the ladder.
func (s *Strategy) compactLevels(b *book) {
	filled := 0
	for _, l := range b.levels {
		if l.Filled {
			filled++
		}
	}
	if filled <= 2*s.cfg.GridLevels {
		return
	}
	kept := b.levels[:0]
	for _, l := range b.levels {
		if !l.Filled {
			kept = append(kept, l)
		}
	}
	b.levels = kept
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

// place submits in and records it under the returned order ID. A risk
// rejection is logged and yields an empty ID without error.
func (s *Strategy) place(ctx context.Context, b *book, in domain.Intent, r ref) (string, error) {
	in.Symbol = b.symbol
	in.Strategy = Name
	in.Tag = string(r.kind)

	o, err := s.exec.Submit(ctx, in)
	if err != nil {
		if errors.Is(err, domain.ErrRiskViolation) {
			s.log.Info("intent blocked by risk", "symbol", b.symbol, "kind", r.kind, "side", in.Side, "reason", err)
			return "", nil
		}
		s.log.Warn("order submission failed", "symbol", b.symbol, "kind", r.kind, "side", in.Side, "error", err)
		return "", fmt.Errorf("%s %s: %w", r.kind, b.symbol, err)
	}
	if o == nil {
		return "", nil
	}

	r.side = in.Side
	r.price = in.Price
	r.amount = in.Amount
	b.refs[o.ID] = &r
	return o.ID, nil
}

func limit(side domain.Side, price, qty float64) domain.Intent {
	return domain.Intent{Side: side, Type: domain.OrderTypeLimit, Price: price, Amount: qty}
}

func market(side domain.Side, mark, qty float64) domain.Intent {
	return domain.Intent{Side: side, Type: domain.OrderTypeMarket, Price: mark, Amount: qty}
}

// hasOpenBuy reports whether a resting buy already sits at price.
func hasOpenBuy(b *book, price float64) bool {
	key := priceKey(price)
	for _, r := range b.refs {
		if r.side == domain.SideBuy && r.kind == kindGridBuy && priceKey(r.price) == key {
			return true
		}
	}
	return false
}

// uncommitted is the held quantity not already offered by a resting sell.
func uncommitted(b *book) float64 {
	free := b.position
	for _, r := range b.refs {
		if r.side == domain.SideSell {
			free -= r.remaining()
		}
	}
	return math.Max(0, free)
}

func roundQty(q float64) float64 {
	if !(q > 0) || math.IsInf(q, 0) {
		return 0
	}
	return decimal.NewFromFloat(q).Truncate(8).InexactFloat64()
}

func roundPrice(p float64) float64 {
	return decimal.NewFromFloat(p).Round(8).InexactFloat64()
}

func priceKey(p float64) string {
	return decimal.NewFromFloat(p).StringFixed(8)
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func (s *Strategy) publish(b *book) {
	st := strategy.SymbolStatus{
		Symbol:         b.symbol,
		Center:         b.center,
		Levels:         append([]domain.GridLevel(nil), b.levels...),
		DCALevels:      append([]domain.DcaLevel(nil), b.dca...),
		Position:       b.position,
		AvgEntryPrice:  b.avg,
		Invested:       b.invested,
		OpenOrders:     len(b.refs),
		PausedUntil:    b.pausedUntil,
		RealizedProfit: b.realized,
		Trades:         b.trades,
	}
	s.mu.Lock()
	s.status[b.symbol] = st
	s.mu.Unlock()
}

// Status reports every symbol the strategy has seen, sorted by symbol.
func (s *Strategy) Status() strategy.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := strategy.Status{Name: Name, Symbols: make([]strategy.SymbolStatus, 0, len(s.status))}
	for _, st := range s.status {
		out.Symbols = append(out.Symbols, st)
	}
	sort.Slice(out.Symbols, func(i, j int) bool { return out.Symbols[i].Symbol < out.Symbols[j].Symbol })
	return out
}
