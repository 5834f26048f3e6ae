package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tradingbot/internal/domain"
)

// Compile-time interface checks.
var (
	_ Adapter      = (*AlpacaAdapter)(nil)
	_ CandleSource = (*AlpacaAdapter)(nil)
)

// AlpacaAdapter implements Adapter for Alpaca crypto trading. Orders and
// the account go through the trading API; tickers and bars through the
// market data API.
type AlpacaAdapter struct {
	trading *alpaca.Client
	data    *marketdata.Client
}

// NewAlpacaAdapter creates an AlpacaAdapter configured with the given
// credentials and API endpoints. Empty URLs use the SDK defaults.
func NewAlpacaAdapter(apiKey, apiSecret, baseURL, dataURL string) *AlpacaAdapter {
	return &AlpacaAdapter{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   dataURL,
		}),
	}
}

// Name returns "alpaca".
func (a *AlpacaAdapter) Name() string {
	return "alpaca"
}

// FetchTicker combines the latest crypto trade and quote.
func (a *AlpacaAdapter) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	var t domain.Ticker
	err := withContext(ctx, func() error {
		trade, err := a.data.GetLatestCryptoTrade(symbol, marketdata.GetLatestCryptoTradeRequest{})
		if err != nil {
			return err
		}
		quote, err := a.data.GetLatestCryptoQuote(symbol, marketdata.GetLatestCryptoQuoteRequest{})
		if err != nil {
			return err
		}
		// the SDK returns nil, nil for symbols the feed does not know
		if trade == nil || quote == nil {
			return fmt.Errorf("no market data for %s", symbol)
		}
		t = domain.Ticker{
			Symbol:    symbol,
			Last:      trade.Price,
			Bid:       quote.BidPrice,
			Ask:       quote.AskPrice,
			Timestamp: trade.Timestamp,
		}
		return nil
	})
	if err != nil {
		return domain.Ticker{}, classifyAlpacaError("fetch ticker", err)
	}
	return t, nil
}

// FetchBalance reports account cash plus each held crypto asset.
func (a *AlpacaAdapter) FetchBalance(ctx context.Context) (map[string]domain.Balance, error) {
	out := make(map[string]domain.Balance)
	err := withContext(ctx, func() error {
		acct, err := a.trading.GetAccount()
		if err != nil {
			return err
		}
		cash := acct.Cash.InexactFloat64()
		cur := strings.ToUpper(acct.Currency)
		if cur == "" {
			cur = "USD"
		}
		out[cur] = domain.Balance{Currency: cur, Total: cash, Free: cash}

		positions, err := a.trading.GetPositions()
		if err != nil {
			return err
		}
		for _, p := range positions {
			qty := p.Qty.InexactFloat64()
			asset := alpacaAsset(p.Symbol)
			out[asset] = domain.Balance{Currency: asset, Total: qty, Free: qty}
		}
		return nil
	})
	if err != nil {
		return nil, classifyAlpacaError("fetch balance", err)
	}
	return out, nil
}

// CreateOrder places a GTC crypto order.
func (a *AlpacaAdapter) CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	qty := decimal.NewFromFloat(req.Amount).Truncate(8)
	preq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		TimeInForce:   alpaca.GTC,
		ClientOrderID: req.ClientID,
	}
	switch req.Type {
	case domain.OrderTypeMarket:
		preq.Type = alpaca.Market
	case domain.OrderTypeLimit:
		preq.Type = alpaca.Limit
		preq.LimitPrice = decimalPtr(req.Price)
	case domain.OrderTypeStop:
		preq.Type = alpaca.Stop
		preq.StopPrice = decimalPtr(req.StopPrice)
	case domain.OrderTypeStopLimit:
		preq.Type = alpaca.StopLimit
		preq.LimitPrice = decimalPtr(req.Price)
		preq.StopPrice = decimalPtr(req.StopPrice)
	default:
		return OrderAck{}, &domain.ExchangeError{Op: "create order", Kind: domain.ErrInvalidOrder, Err: fmt.Errorf("unsupported type %q", req.Type)}
	}

	var order *alpaca.Order
	err := withContext(ctx, func() error {
		var err error
		order, err = a.trading.PlaceOrder(preq)
		return err
	})
	if err != nil {
		return OrderAck{}, classifyAlpacaError("create order", err)
	}
	snap := alpacaSnapshot(order)
	return OrderAck{
		ExchangeID:   snap.ExchangeID,
		Status:       snap.Status,
		FilledAmount: snap.FilledAmount,
		AvgFillPrice: snap.AvgFillPrice,
	}, nil
}

// CancelOrder cancels an order. A 404/422 means it is no longer open.
func (a *AlpacaAdapter) CancelOrder(ctx context.Context, exchangeID, _ string) (bool, error) {
	err := withContext(ctx, func() error { return a.trading.CancelOrder(exchangeID) })
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) &&
			(apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusUnprocessableEntity) {
			return false, nil
		}
		return false, classifyAlpacaError("cancel order", err)
	}
	return true, nil
}

// FetchOpenOrders lists open orders.
func (a *AlpacaAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]OrderSnapshot, error) {
	req := alpaca.GetOrdersRequest{Status: "open"}
	if symbol != "" {
		req.Symbols = []string{symbol}
	}
	var orders []alpaca.Order
	err := withContext(ctx, func() error {
		var err error
		orders, err = a.trading.GetOrders(req)
		return err
	})
	if err != nil {
		return nil, classifyAlpacaError("fetch open orders", err)
	}
	out := make([]OrderSnapshot, 0, len(orders))
	for i := range orders {
		out = append(out, alpacaSnapshot(&orders[i]))
	}
	return out, nil
}

// FetchOrder returns one order.
func (a *AlpacaAdapter) FetchOrder(ctx context.Context, exchangeID, _ string) (OrderSnapshot, error) {
	var order *alpaca.Order
	err := withContext(ctx, func() error {
		var err error
		order, err = a.trading.GetOrder(exchangeID)
		return err
	})
	if err != nil {
		return OrderSnapshot{}, classifyAlpacaError("fetch order", err)
	}
	return alpacaSnapshot(order), nil
}

// FetchCandles returns crypto bars oldest first.
func (a *AlpacaAdapter) FetchCandles(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]domain.Candle, error) {
	tf, err := alpacaTimeFrame(timeframe)
	if err != nil {
		return nil, &domain.ExchangeError{Op: "fetch candles", Kind: domain.ErrInvalidOrder, Err: err}
	}
	req := marketdata.GetCryptoBarsRequest{TimeFrame: tf, Start: since, TotalLimit: limit}
	if since.IsZero() && limit > 0 {
		req.Start = time.Now().Add(-time.Duration(limit+1) * timeframeDuration(tf))
	}

	var bars []marketdata.CryptoBar
	err = withContext(ctx, func() error {
		var err error
		bars, err = a.data.GetCryptoBars(symbol, req)
		return err
	})
	if err != nil {
		return nil, classifyAlpacaError("fetch candles", err)
	}
	out := make([]domain.Candle, 0, len(bars))
	for _, b := range bars {
		out = append(out, domain.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			Timestamp: b.Timestamp.UTC(),
		})
	}
	return out, nil
}

// Close is a no-op.
func (a *AlpacaAdapter) Close() error {
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// withContext runs a context-unaware SDK call, returning early when ctx
// ends. The call itself keeps running until the SDK's HTTP timeout.
func withContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decimalPtr(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

// alpacaAsset converts a position symbol ("BTCUSD" or "BTC/USD") to its base
// asset.
func alpacaAsset(symbol string) string {
	if base, quote := SplitSymbol(symbol); quote != "" {
		return base
	}
	for _, q := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q)
		}
	}
	return symbol
}

func alpacaSnapshot(o *alpaca.Order) OrderSnapshot {
	snap := OrderSnapshot{
		ExchangeID:   o.ID,
		ClientID:     o.ClientOrderID,
		Symbol:       o.Symbol,
		Side:         domain.Side(o.Side),
		Type:         alpacaType(o.Type),
		Status:       alpacaStatus(o.Status),
		FilledAmount: o.FilledQty.InexactFloat64(),
		UpdatedAt:    o.UpdatedAt,
	}
	if o.Qty != nil {
		snap.Amount = o.Qty.InexactFloat64()
	}
	if o.LimitPrice != nil {
		snap.Price = o.LimitPrice.InexactFloat64()
	}
	if o.StopPrice != nil {
		snap.StopPrice = o.StopPrice.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		snap.AvgFillPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return snap
}

func alpacaType(t alpaca.OrderType) domain.OrderType {
	switch t {
	case alpaca.Market:
		return domain.OrderTypeMarket
	case alpaca.Stop:
		return domain.OrderTypeStop
	case alpaca.StopLimit:
		return domain.OrderTypeStopLimit
	default:
		return domain.OrderTypeLimit
	}
}

func alpacaStatus(s string) domain.OrderStatus {
	switch s {
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "replaced":
		return domain.OrderStatusCanceled
	case "expired", "done_for_day":
		return domain.OrderStatusExpired
	case "rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusOpen
	}
}

// alpacaTimeFrame parses "15m", "1h" or "1d".
func alpacaTimeFrame(tf string) (marketdata.TimeFrame, error) {
	if len(tf) < 2 {
		return marketdata.TimeFrame{}, fmt.Errorf("bad timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return marketdata.TimeFrame{}, fmt.Errorf("bad timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return marketdata.NewTimeFrame(n, marketdata.Min), nil
	case 'h':
		return marketdata.NewTimeFrame(n, marketdata.Hour), nil
	case 'd':
		return marketdata.NewTimeFrame(n, marketdata.Day), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("bad timeframe %q", tf)
}

func timeframeDuration(tf marketdata.TimeFrame) time.Duration {
	unit := time.Minute
	switch tf.Unit {
	case marketdata.Hour:
		unit = time.Hour
	case marketdata.Day:
		unit = 24 * time.Hour
	}
	return time.Duration(tf.N) * unit
}

// classifyAlpacaError maps SDK failures onto the error taxonomy.
func classifyAlpacaError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &domain.ExchangeError{Op: op, Kind: domain.ErrExchange, Err: err}
	}
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return &domain.ExchangeError{Op: op, Kind: domain.ErrExchange, Err: err}
	}
	kind := domain.ErrExchange
	msg := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(msg, "insufficient"):
		kind = domain.ErrInsufficientFunds
	case apiErr.StatusCode == http.StatusUnprocessableEntity,
		apiErr.StatusCode == http.StatusNotFound,
		apiErr.StatusCode == http.StatusBadRequest:
		kind = domain.ErrInvalidOrder
	case apiErr.StatusCode == http.StatusForbidden:
		kind = domain.ErrInsufficientFunds
	}
	return &domain.ExchangeError{Op: op, Code: int64(apiErr.Code), Kind: kind, Err: err}
}
