// Package domain defines the core types shared across the trading engine:
// orders, fills, positions, balances, market data, risk records and grid
// ladder levels.
package domain

import "time"

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	}
	return false
}

// NeedsPrice reports whether orders of this type carry a limit price.
func (t OrderType) NeedsPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// NeedsStopPrice reports whether orders of this type carry a trigger price.
func (t OrderType) NeedsStopPrice() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit
}

// OrderRole distinguishes entry orders from synthesized bracket children.
type OrderRole string

const (
	OrderRoleEntry      OrderRole = "entry"
	OrderRoleStopLoss   OrderRole = "stop_loss"
	OrderRoleTakeProfit OrderRole = "take_profit"
)

// PositionSide is the direction of a held position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
	PositionSideFlat  PositionSide = "flat"
)

// TradingMode selects how orders are executed.
type TradingMode string

const (
	ModePaper    TradingMode = "paper"
	ModeLive     TradingMode = "live"
	ModeBacktest TradingMode = "backtest"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Ticker is a top-of-book price snapshot.
type Ticker struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Candle is an OHLCV bar for a symbol and timeframe.
type Candle struct {
	Symbol    string
	Timeframe string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Timestamp time.Time
}

// ---------------------------------------------------------------------------
// Orders and fills
// ---------------------------------------------------------------------------

// OrderRequest carries the caller-supplied fields of a new order.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Amount     float64
	Price      float64
	StopPrice  float64
	StopLoss   float64
	TakeProfit float64
	Strategy   string
	Tag        string
	ParentID   string
	Role       OrderRole
}

// Order is an order tracked through its lifecycle.
type Order struct {
	ID           string
	ExchangeID   string
	Symbol       string
	Side         Side
	Type         OrderType
	Amount       float64
	Price        float64
	StopPrice    float64
	Status       OrderStatus
	FilledAmount float64
	AvgFillPrice float64
	Fee          float64
	Cost         float64
	StopLoss     float64
	TakeProfit   float64
	Strategy     string
	Tag          string
	ParentID     string
	Role         OrderRole
	Triggered    bool // stop condition met (stop_limit now rests as a limit)
	Reason       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FilledAt     time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() float64 {
	r := o.Amount - o.FilledAmount
	if r < 0 {
		return 0
	}
	return r
}

// Fill is one incremental execution of an order.
type Fill struct {
	OrderID   string
	Symbol    string
	Side      Side
	Amount    float64
	Price     float64
	Fee       float64
	Strategy  string
	Tag       string
	Role      OrderRole
	Final     bool // order reached Filled with this execution
	Timestamp time.Time
}

// Trade is an immutable record of a processed fill.
type Trade struct {
	ID          string
	OrderID     string
	Symbol      string
	Side        Side
	Amount      float64
	Price       float64
	Fee         float64
	Cost        float64
	RealizedPnL float64
	Strategy    string
	Timestamp   time.Time
}

// Intent is a strategy's request to trade, before risk checks.
type Intent struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Amount     float64
	Price      float64 // limit price, or reference price for market orders
	StopPrice  float64
	StopLoss   float64
	TakeProfit float64
	Strategy   string
	Tag        string
	ReduceOnly bool
}

// OrderRequest converts the intent to an order request.
func (i Intent) OrderRequest() OrderRequest {
	req := OrderRequest{
		Symbol:     i.Symbol,
		Side:       i.Side,
		Type:       i.Type,
		Amount:     i.Amount,
		StopPrice:  i.StopPrice,
		StopLoss:   i.StopLoss,
		TakeProfit: i.TakeProfit,
		Strategy:   i.Strategy,
		Tag:        i.Tag,
		Role:       OrderRoleEntry,
	}
	if i.Type != OrderTypeMarket {
		req.Price = i.Price
	}
	return req
}

// ---------------------------------------------------------------------------
// Portfolio
// ---------------------------------------------------------------------------

// Position is the net holding in one symbol.
type Position struct {
	Symbol        string
	Side          PositionSide
	Size          float64 // magnitude, never negative
	AvgEntryPrice float64
	MarketPrice   float64
	RealizedPnL   float64
	UnrealizedPnL float64
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// SignedSize returns the size with shorts negative.
func (p Position) SignedSize() float64 {
	if p.Side == PositionSideShort {
		return -p.Size
	}
	return p.Size
}

// MarketValue returns the unsigned notional value at the mark price.
func (p Position) MarketValue() float64 {
	price := p.MarketPrice
	if price == 0 {
		price = p.AvgEntryPrice
	}
	return p.Size * price
}

// IsFlat reports whether no quantity is held.
func (p Position) IsFlat() bool {
	return p.Size == 0
}

// Balance is the holding of one currency.
type Balance struct {
	Currency string
	Total    float64
	Free     float64
	Locked   float64
}

// PortfolioMetrics is a point-in-time summary of the portfolio.
type PortfolioMetrics struct {
	TotalBalance   float64
	Cash           float64
	PositionsValue float64
	RealizedPnL    float64
	UnrealizedPnL  float64
	DailyPnL       float64
	Drawdown       float64
	MaxDrawdown    float64
	OpenPositions  int
	Timestamp      time.Time
}

// ---------------------------------------------------------------------------
// Risk
// ---------------------------------------------------------------------------

// RiskLimits are the static risk thresholds. Values are fractions
// (0.10 means 10%) except MaxLeverage, which is a multiple of equity.
type RiskLimits struct {
	MaxPositionSize  float64
	MaxDailyLoss     float64
	MaxDrawdown      float64
	RiskPerTrade     float64
	MaxPortfolioRisk float64
	MaxCorrelation   float64
	MaxLeverage      float64
}

// AlertLevel is the severity of a risk alert.
type AlertLevel string

const (
	AlertLow      AlertLevel = "low"
	AlertMedium   AlertLevel = "medium"
	AlertHigh     AlertLevel = "high"
	AlertCritical AlertLevel = "critical"
)

// RiskAlert is a notification raised by risk monitoring.
type RiskAlert struct {
	ID        string
	Level     AlertLevel
	Kind      string
	Symbol    string
	Message   string
	Value     float64
	Threshold float64
	Resolved  bool
	CreatedAt time.Time
}

// ---------------------------------------------------------------------------
// Grid / DCA
// ---------------------------------------------------------------------------

// GridLevel is one rung of a grid ladder. Negative indexes sit below the
// center price, positive ones above.
type GridLevel struct {
	Index   int
	Side    Side
	Price   float64
	Amount  float64
	OrderID string
	Filled  bool
}

// DcaLevel is one averaging-down purchase.
type DcaLevel struct {
	Index        int
	TriggerPrice float64
	Amount       float64
	Price        float64
	OrderID      string
	Filled       bool
}
