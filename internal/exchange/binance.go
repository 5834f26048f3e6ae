package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"tradingbot/internal/domain"
)

// Compile-time interface checks.
var (
	_ Adapter      = (*BinanceAdapter)(nil)
	_ CandleSource = (*BinanceAdapter)(nil)
)

// BinanceAdapter implements Adapter on the Binance spot REST API. Public
// market data works without credentials, which is how paper mode reads
// prices.
type BinanceAdapter struct {
	client *binance.Client
}

// NewBinanceAdapter creates a BinanceAdapter. testnet switches the SDK to the
// spot test network.
func NewBinanceAdapter(apiKey, apiSecret string, testnet bool) *BinanceAdapter {
	binance.UseTestnet = testnet
	return &BinanceAdapter{client: binance.NewClient(apiKey, apiSecret)}
}

// Name returns "binance".
func (b *BinanceAdapter) Name() string {
	return "binance"
}

// FetchTicker combines the book ticker and last trade price.
func (b *BinanceAdapter) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	sym := binanceSymbol(symbol)

	prices, err := b.client.NewListPricesService().Symbol(sym).Do(ctx)
	if err != nil {
		return domain.Ticker{}, classifyBinanceError("fetch ticker", err)
	}
	if len(prices) == 0 {
		return domain.Ticker{}, &domain.ExchangeError{Op: "fetch ticker", Kind: domain.ErrExchange, Err: fmt.Errorf("no price for %s", sym)}
	}
	t := domain.Ticker{Symbol: symbol, Last: parseAmount(prices[0].Price), Timestamp: time.Now()}

	books, err := b.client.NewListBookTickersService().Symbol(sym).Do(ctx)
	if err != nil {
		return domain.Ticker{}, classifyBinanceError("fetch book ticker", err)
	}
	if len(books) > 0 {
		t.Bid = parseAmount(books[0].BidPrice)
		t.Ask = parseAmount(books[0].AskPrice)
	}
	return t, nil
}

// FetchBalance returns non-zero spot balances.
func (b *BinanceAdapter) FetchBalance(ctx context.Context) (map[string]domain.Balance, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classifyBinanceError("fetch balance", err)
	}
	out := make(map[string]domain.Balance, len(acct.Balances))
	for _, bal := range acct.Balances {
		free, locked := parseAmount(bal.Free), parseAmount(bal.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out[bal.Asset] = domain.Balance{Currency: bal.Asset, Total: free + locked, Free: free, Locked: locked}
	}
	return out, nil
}

// CreateOrder places a spot order. Stops map to STOP_LOSS and stop-limits
// to STOP_LOSS_LIMIT.
func (b *BinanceAdapter) CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(binanceSymbol(req.Symbol)).
		Side(binance.SideType(strings.ToUpper(string(req.Side)))).
		Quantity(formatAmount(req.Amount))
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	switch req.Type {
	case domain.OrderTypeMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	case domain.OrderTypeLimit:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatAmount(req.Price))
	case domain.OrderTypeStop:
		svc = svc.Type(binance.OrderTypeStopLoss).
			StopPrice(formatAmount(req.StopPrice))
	case domain.OrderTypeStopLimit:
		svc = svc.Type(binance.OrderTypeStopLossLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatAmount(req.Price)).
			StopPrice(formatAmount(req.StopPrice))
	default:
		return OrderAck{}, &domain.ExchangeError{Op: "create order", Kind: domain.ErrInvalidOrder, Err: fmt.Errorf("unsupported type %q", req.Type)}
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return OrderAck{}, classifyBinanceError("create order", err)
	}

	filled := parseAmount(resp.ExecutedQuantity)
	var fee float64
	for _, f := range resp.Fills {
		fee += parseAmount(f.Commission)
	}
	return OrderAck{
		ExchangeID:   strconv.FormatInt(resp.OrderID, 10),
		Status:       binanceStatus(resp.Status),
		FilledAmount: filled,
		AvgFillPrice: avgPrice(filled, parseAmount(resp.CummulativeQuoteQuantity)),
		Fee:          fee,
	}, nil
}

// CancelOrder cancels an open order. An unknown order (-2011) reports false
// without error.
func (b *BinanceAdapter) CancelOrder(ctx context.Context, exchangeID, symbol string) (bool, error) {
	id, err := strconv.ParseInt(exchangeID, 10, 64)
	if err != nil {
		return false, &domain.ExchangeError{Op: "cancel order", Kind: domain.ErrInvalidOrder, Err: err}
	}
	_, err = b.client.NewCancelOrderService().Symbol(binanceSymbol(symbol)).OrderID(id).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			return false, nil
		}
		return false, classifyBinanceError("cancel order", err)
	}
	return true, nil
}

// FetchOpenOrders lists open orders.
func (b *BinanceAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]OrderSnapshot, error) {
	svc := b.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(binanceSymbol(symbol))
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyBinanceError("fetch open orders", err)
	}
	out := make([]OrderSnapshot, 0, len(orders))
	for _, o := range orders {
		out = append(out, binanceSnapshot(o, symbol))
	}
	return out, nil
}

// FetchOrder returns one order.
func (b *BinanceAdapter) FetchOrder(ctx context.Context, exchangeID, symbol string) (OrderSnapshot, error) {
	id, err := strconv.ParseInt(exchangeID, 10, 64)
	if err != nil {
		return OrderSnapshot{}, &domain.ExchangeError{Op: "fetch order", Kind: domain.ErrInvalidOrder, Err: err}
	}
	o, err := b.client.NewGetOrderService().Symbol(binanceSymbol(symbol)).OrderID(id).Do(ctx)
	if err != nil {
		return OrderSnapshot{}, classifyBinanceError("fetch order", err)
	}
	return binanceSnapshot(o, symbol), nil
}

// FetchCandles returns klines oldest first.
func (b *BinanceAdapter) FetchCandles(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]domain.Candle, error) {
	svc := b.client.NewKlinesService().Symbol(binanceSymbol(symbol)).Interval(timeframe)
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyBinanceError("fetch candles", err)
	}
	out := make([]domain.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, domain.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Open:      parseAmount(k.Open),
			High:      parseAmount(k.High),
			Low:       parseAmount(k.Low),
			Close:     parseAmount(k.Close),
			Volume:    parseAmount(k.Volume),
			Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		})
	}
	return out, nil
}

// Close is a no-op; the SDK holds no persistent connection for REST.
func (b *BinanceAdapter) Close() error {
	return nil
}

// ---------------------------------------------------------------------------
// Conversion helpers
// ---------------------------------------------------------------------------

// binanceSymbol converts "BTC/USDT" to "BTCUSDT".
func binanceSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func binanceSnapshot(o *binance.Order, symbol string) OrderSnapshot {
	if symbol == "" {
		symbol = o.Symbol
	}
	filled := parseAmount(o.ExecutedQuantity)
	return OrderSnapshot{
		ExchangeID:   strconv.FormatInt(o.OrderID, 10),
		ClientID:     o.ClientOrderID,
		Symbol:       symbol,
		Side:         domain.Side(strings.ToLower(string(o.Side))),
		Type:         binanceType(o.Type),
		Amount:       parseAmount(o.OrigQuantity),
		Price:        parseAmount(o.Price),
		StopPrice:    parseAmount(o.StopPrice),
		Status:       binanceStatus(o.Status),
		FilledAmount: filled,
		AvgFillPrice: avgPrice(filled, parseAmount(o.CummulativeQuoteQuantity)),
		UpdatedAt:    time.UnixMilli(o.UpdateTime).UTC(),
	}
}

func binanceType(t binance.OrderType) domain.OrderType {
	switch t {
	case binance.OrderTypeMarket:
		return domain.OrderTypeMarket
	case binance.OrderTypeStopLoss:
		return domain.OrderTypeStop
	case binance.OrderTypeStopLossLimit:
		return domain.OrderTypeStopLimit
	default:
		return domain.OrderTypeLimit
	}
}

func binanceStatus(s binance.OrderStatusType) domain.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePendingCancel:
		return domain.OrderStatusOpen
	case binance.OrderStatusTypePartiallyFilled:
		return domain.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case binance.OrderStatusTypeCanceled:
		return domain.OrderStatusCanceled
	case binance.OrderStatusTypeRejected:
		return domain.OrderStatusRejected
	case binance.OrderStatusTypeExpired:
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusOpen
	}
}

// classifyBinanceError maps SDK failures onto the error taxonomy. Filter
// and parameter failures are invalid orders; -2010 is the generic new-order
// rejection, which Binance also uses for insufficient balance.
func classifyBinanceError(op string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return &domain.ExchangeError{Op: op, Kind: domain.ErrExchange, Err: err}
	}

	kind := domain.ErrExchange
	switch {
	case apiErr.Code == -2010 && strings.Contains(strings.ToLower(apiErr.Message), "insufficient"):
		kind = domain.ErrInsufficientFunds
	case apiErr.Code == -2010, apiErr.Code == -2011, apiErr.Code == -2013:
		kind = domain.ErrInvalidOrder
	case apiErr.Code <= -1100 && apiErr.Code >= -1199:
		kind = domain.ErrInvalidOrder
	case apiErr.Code == -1013:
		kind = domain.ErrInvalidOrder
	}
	return &domain.ExchangeError{Op: op, Code: apiErr.Code, Kind: kind, Err: err}
}
