package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"tradingbot/internal/domain"
	"tradingbot/internal/util"
)

const produceTimeout = 5 * time.Second

// producer is the part of *kgo.Client the notifier uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaNotifier publishes trades and alerts as JSON records, keyed by
// symbol so a symbol's events stay ordered within a partition.
type KafkaNotifier struct {
	client     producer
	tradeTopic string
	alertTopic string
	log        *slog.Logger
}

// NewKafkaNotifier connects a producer to brokers.
func NewKafkaNotifier(brokers []string, tradeTopic, alertTopic string, logger *slog.Logger) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka notifier needs brokers", domain.ErrConfiguration)
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	n := newKafkaNotifier(client, tradeTopic, alertTopic, logger)
	n.log.Info("kafka notifier initialized", "brokers", brokers, "tradeTopic", n.tradeTopic, "alertTopic", n.alertTopic)
	return n, nil
}

func newKafkaNotifier(client producer, tradeTopic, alertTopic string, logger *slog.Logger) *KafkaNotifier {
	if logger == nil {
		logger = util.Discard()
	}
	if tradeTopic == "" {
		tradeTopic = "tradingbot.trades"
	}
	if alertTopic == "" {
		alertTopic = "tradingbot.alerts"
	}
	return &KafkaNotifier{
		client:     client,
		tradeTopic: tradeTopic,
		alertTopic: alertTopic,
		log:        logger.With("component", "notify"),
	}
}

type tradeMessage struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Amount      float64   `json:"amount"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	RealizedPnL float64   `json:"realized_pnl"`
	Strategy    string    `json:"strategy,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type alertMessage struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Kind      string    `json:"kind"`
	Symbol    string    `json:"symbol,omitempty"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	CreatedAt time.Time `json:"created_at"`
}

func (n *KafkaNotifier) SendTradeNotification(ctx context.Context, t domain.Trade) error {
	return n.produce(ctx, n.tradeTopic, t.Symbol, tradeMessage{
		ID:          t.ID,
		OrderID:     t.OrderID,
		Symbol:      t.Symbol,
		Side:        string(t.Side),
		Amount:      t.Amount,
		Price:       t.Price,
		Fee:         t.Fee,
		RealizedPnL: t.RealizedPnL,
		Strategy:    t.Strategy,
		Timestamp:   t.Timestamp,
	})
}

func (n *KafkaNotifier) SendRiskAlert(ctx context.Context, a domain.RiskAlert) error {
	return n.produce(ctx, n.alertTopic, a.Symbol, alertMessage{
		ID:        a.ID,
		Level:     string(a.Level),
		Kind:      a.Kind,
		Symbol:    a.Symbol,
		Message:   a.Message,
		Value:     a.Value,
		Threshold: a.Threshold,
		CreatedAt: a.CreatedAt,
	})
}

func (n *KafkaNotifier) produce(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", topic, err)
	}
	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()

	res := n.client.ProduceSync(ctx, &kgo.Record{Topic: topic, Key: []byte(key), Value: data})
	if err := res.FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the client.
func (n *KafkaNotifier) Close() error {
	n.client.Close()
	return nil
}
