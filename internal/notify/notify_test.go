package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"tradingbot/internal/domain"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendTradeNotification(ctx context.Context, t domain.Trade) error {
	return m.Called(ctx, t).Error(0)
}

func (m *mockNotifier) SendRiskAlert(ctx context.Context, a domain.RiskAlert) error {
	return m.Called(ctx, a).Error(0)
}

func (m *mockNotifier) Close() error {
	return m.Called().Error(0)
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a, b := new(mockNotifier), new(mockNotifier)
	trade := domain.Trade{ID: "t1", Symbol: "BTC/USDT"}
	a.On("SendTradeNotification", mock.Anything, trade).Return(nil)
	b.On("SendTradeNotification", mock.Anything, trade).Return(boom)
	a.On("Close").Return(nil)
	b.On("Close").Return(nil)

	m := Multi{a, b}
	err := m.SendTradeNotification(context.Background(), trade)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, m.Close())

	a.AssertExpectations(t)
	b.AssertExpectations(t)
}

func TestAsyncDeliversInOrderAndSwallowsErrors(t *testing.T) {
	next := new(mockNotifier)
	var (
		mu   sync.Mutex
		seen []string
	)
	next.On("SendTradeNotification", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			mu.Lock()
			seen = append(seen, args.Get(1).(domain.Trade).ID)
			mu.Unlock()
		}).
		Return(errors.New("sink down"))
	next.On("SendRiskAlert", mock.Anything, mock.Anything).Return(nil)
	next.On("Close").Return(nil)

	a := NewAsync(next, nil)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, a.SendTradeNotification(context.Background(), domain.Trade{ID: id}))
	}
	require.NoError(t, a.SendRiskAlert(context.Background(), domain.RiskAlert{ID: "a"}))
	require.NoError(t, a.Close())

	assert.Equal(t, []string{"1", "2", "3"}, seen)
	next.AssertNumberOfCalls(t, "SendRiskAlert", 1)
	next.AssertNumberOfCalls(t, "Close", 1)

	// Sends after Close are dropped.
	require.NoError(t, a.SendTradeNotification(context.Background(), domain.Trade{ID: "4"}))
	require.NoError(t, a.Close())
	next.AssertNumberOfCalls(t, "SendTradeNotification", 3)
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(nil)
	assert.NoError(t, n.SendTradeNotification(context.Background(), domain.Trade{ID: "t"}))
	assert.NoError(t, n.SendRiskAlert(context.Background(), domain.RiskAlert{ID: "a"}))
	assert.NoError(t, n.Close())
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		f.records = append(f.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeProducer) Close() { f.closed = true }

func TestKafkaNotifierProducesJSON(t *testing.T) {
	p := &fakeProducer{}
	n := newKafkaNotifier(p, "", "alerts", nil)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, n.SendTradeNotification(context.Background(), domain.Trade{
		ID: "t1", Symbol: "ETH/USDT", Side: domain.SideSell, Amount: 2, Price: 10, RealizedPnL: 1.5, Timestamp: ts,
	}))
	require.NoError(t, n.SendRiskAlert(context.Background(), domain.RiskAlert{ID: "a1", Level: domain.AlertCritical, Kind: "drawdown"}))

	require.Len(t, p.records, 2)
	assert.Equal(t, "tradingbot.trades", p.records[0].Topic)
	assert.Equal(t, "ETH/USDT", string(p.records[0].Key))
	var msg tradeMessage
	require.NoError(t, json.Unmarshal(p.records[0].Value, &msg))
	assert.Equal(t, "sell", msg.Side)
	assert.Equal(t, 1.5, msg.RealizedPnL)
	assert.True(t, ts.Equal(msg.Timestamp))

	assert.Equal(t, "alerts", p.records[1].Topic)
	assert.Contains(t, string(p.records[1].Value), `"level":"critical"`)

	require.NoError(t, n.Close())
	assert.True(t, p.closed)
}

func TestKafkaNotifierProduceError(t *testing.T) {
	p := &fakeProducer{err: errors.New("not leader")}
	n := newKafkaNotifier(p, "t", "a", nil)
	err := n.SendRiskAlert(context.Background(), domain.RiskAlert{ID: "x"})
	assert.ErrorContains(t, err, "not leader")

	_, err = NewKafkaNotifier(nil, "t", "a", nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
