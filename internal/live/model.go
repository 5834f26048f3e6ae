// Package live keeps an in-memory feed of bot events (trades and risk
// alerts) with dedup and pub/sub, and streams it to gRPC clients.
package live

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradingbot/internal/domain"
	"tradingbot/internal/util"
)

// Kind classifies an event.
type Kind string

const (
	KindTrade Kind = "trade"
	KindAlert Kind = "alert"
)

// Event is one entry of the feed. Exactly one of Trade and Alert is set.
type Event struct {
	ID     string
	Kind   Kind
	Symbol string
	Time   time.Time
	Trade  *domain.Trade
	Alert  *domain.RiskAlert
}

// TradeEvent wraps a processed trade.
func TradeEvent(t domain.Trade) Event {
	return Event{ID: t.ID, Kind: KindTrade, Symbol: t.Symbol, Time: t.Timestamp, Trade: &t}
}

// AlertEvent wraps a risk alert.
func AlertEvent(a domain.RiskAlert) Event {
	return Event{ID: a.ID, Kind: KindAlert, Symbol: a.Symbol, Time: a.CreatedAt, Alert: &a}
}

const defaultRecent = 500

// Model holds the most recent events, deduplicated by ID, and fans new
// ones out to subscribers. It implements notify.Notifier so it can sit
// next to the other notification sinks.
type Model struct {
	log *slog.Logger

	mu     sync.RWMutex
	recent []Event
	limit  int
	seen   map[string]bool

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Event
	closed    bool
}

// NewModel creates a model retaining up to limit events.
func NewModel(limit int, logger *slog.Logger) *Model {
	if limit <= 0 {
		limit = defaultRecent
	}
	if logger == nil {
		logger = util.Discard()
	}
	return &Model{
		log:   logger.With("component", "live"),
		limit: limit,
		seen:  make(map[string]bool),
		subs:  make(map[int]chan Event),
	}
}

// Add records e and notifies subscribers. It returns false for a duplicate
// ID or after Close.
func (m *Model) Add(e Event) bool {
	m.mu.Lock()
	if e.ID != "" && m.seen[e.ID] {
		m.mu.Unlock()
		return false
	}
	if e.ID != "" {
		m.seen[e.ID] = true
	}
	m.recent = append(m.recent, e)
	if over := len(m.recent) - m.limit; over > 0 {
		for _, old := range m.recent[:over] {
			delete(m.seen, old.ID)
		}
		m.recent = append([]Event(nil), m.recent[over:]...)
	}
	m.mu.Unlock()

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if m.closed {
		return false
	}
	for id, ch := range m.subs {
		select {
		case ch <- e:
		default:
			m.log.Warn("slow subscriber, event dropped", "subID", id, "eventID", e.ID)
		}
	}
	return true
}

// Snapshot returns a copy of the retained events, oldest first.
func (m *Model) Snapshot() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.recent))
	copy(out, m.recent)
	return out
}

// Subscribe creates a subscription channel for new events. After Close the
// returned channel is already closed.
func (m *Model) Subscribe(bufSize int) (id int, ch <-chan Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	c := make(chan Event, bufSize)
	if m.closed {
		close(c)
		return -1, c
	}
	id = m.nextSubID
	m.nextSubID++
	m.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (m *Model) Unsubscribe(id int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if ch, ok := m.subs[id]; ok {
		close(ch)
		delete(m.subs, id)
	}
}

// Subscribers returns the number of active subscriptions.
func (m *Model) Subscribers() int {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	return len(m.subs)
}

// SendTradeNotification adds a trade event.
func (m *Model) SendTradeNotification(_ context.Context, t domain.Trade) error {
	m.Add(TradeEvent(t))
	return nil
}

// SendRiskAlert adds an alert event.
func (m *Model) SendRiskAlert(_ context.Context, a domain.RiskAlert) error {
	m.Add(AlertEvent(a))
	return nil
}

// Close ends every subscription. Streams watching the model finish.
func (m *Model) Close() error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	return nil
}
