// Package notify delivers trade and risk alert notifications.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tradingbot/internal/domain"
	"tradingbot/internal/util"
)

// Notifier sends notifications to an external sink.
type Notifier interface {
	SendTradeNotification(ctx context.Context, t domain.Trade) error
	SendRiskAlert(ctx context.Context, a domain.RiskAlert) error
	Close() error
}

// LogNotifier writes notifications to a logger. It is the default sink.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = util.Discard()
	}
	return &LogNotifier{log: logger.With("component", "notify")}
}

func (n *LogNotifier) SendTradeNotification(_ context.Context, t domain.Trade) error {
	n.log.Info("trade", "tradeID", t.ID, "orderID", t.OrderID, "symbol", t.Symbol, "side", t.Side,
		"amount", t.Amount, "price", t.Price, "fee", t.Fee, "realizedPnL", t.RealizedPnL, "strategy", t.Strategy)
	return nil
}

func (n *LogNotifier) SendRiskAlert(_ context.Context, a domain.RiskAlert) error {
	n.log.Warn("risk alert", "alertID", a.ID, "level", a.Level, "kind", a.Kind, "symbol", a.Symbol, "message", a.Message)
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// Multi fans every notification out to all sinks and joins their errors.
type Multi []Notifier

func (m Multi) SendTradeNotification(ctx context.Context, t domain.Trade) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.SendTradeNotification(ctx, t))
	}
	return errors.Join(errs...)
}

func (m Multi) SendRiskAlert(ctx context.Context, a domain.RiskAlert) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.SendRiskAlert(ctx, a))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.Close())
	}
	return errors.Join(errs...)
}

const (
	asyncQueue   = 256
	asyncTimeout = 10 * time.Second
)

// Async makes a Notifier fire-and-forget. Notifications are queued and
// delivered in order by one worker; failures and overflow are logged.
type Async struct {
	next Notifier
	log  *slog.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan func(context.Context) error
	done   chan struct{}
}

// NewAsync starts the delivery worker for next.
func NewAsync(next Notifier, logger *slog.Logger) *Async {
	if logger == nil {
		logger = util.Discard()
	}
	a := &Async{
		next: next,
		log:  logger.With("component", "notify"),
		jobs: make(chan func(context.Context) error, asyncQueue),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for job := range a.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		if err := job(ctx); err != nil {
			a.log.Warn("notification failed", "error", err)
		}
		cancel()
	}
}

func (a *Async) enqueue(kind string, job func(context.Context) error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.jobs <- job:
	default:
		a.log.Warn("notification queue full, dropping", "kind", kind)
	}
}

// SendTradeNotification queues t and returns immediately.
func (a *Async) SendTradeNotification(_ context.Context, t domain.Trade) error {
	a.enqueue("trade", func(ctx context.Context) error { return a.next.SendTradeNotification(ctx, t) })
	return nil
}

// SendRiskAlert queues alert and returns immediately.
func (a *Async) SendRiskAlert(_ context.Context, alert domain.RiskAlert) error {
	a.enqueue("alert", func(ctx context.Context) error { return a.next.SendRiskAlert(ctx, alert) })
	return nil
}

// Close drains the queue and closes the wrapped notifier.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.jobs)
	a.mu.Unlock()

	<-a.done
	return a.next.Close()
}
