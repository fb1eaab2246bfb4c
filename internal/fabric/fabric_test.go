package fabric

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"fx_platform/internal/core"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/retry"
	"fx_platform/pkg/telemetry"
)

func init() {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	_ = telemetry.GetGlobalMetrics().InitMetrics(provider.Meter("test"))
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...interface{})               {}
func (m *mockLogger) Info(msg string, fields ...interface{})                {}
func (m *mockLogger) Warn(msg string, fields ...interface{})                {}
func (m *mockLogger) Error(msg string, fields ...interface{})               {}
func (m *mockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

func newTestBroker() *Broker {
	return NewBroker(Config{Partitions: 4, BufferPerPartition: 256}, &mockLogger{})
}

func collect(t *testing.T, b *Broker, topic string, done func(got []Message) bool) (*Subscription, func() []Message) {
	t.Helper()
	var mu sync.Mutex
	var got []Message
	sub, err := b.Subscribe("test_group", topic, retry.FixedPolicy(3, time.Millisecond), func(ctx context.Context, msg Message) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	}, &mockLogger{})
	require.NoError(t, err)
	require.NoError(t, sub.Start(context.Background()))
	return sub, func() []Message {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			snapshot := append([]Message(nil), got...)
			mu.Unlock()
			if done(snapshot) {
				return snapshot
			}
			time.Sleep(5 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		return append([]Message(nil), got...)
	}
}

func TestPublish_PerKeyOrderingPreserved(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	sub, wait := collect(t, b, TopicPositionChange, func(got []Message) bool { return len(got) == 60 })
	defer sub.Stop()

	p := NewProducer(b, &mockLogger{})
	ctx := context.Background()
	// Three keys interleaved; each key's messages must arrive in publish order.
	for i := 0; i < 20; i++ {
		for _, key := range []string{"1001", "1002", "1003"} {
			require.NoError(t, p.Publish(ctx, TopicPositionChange, key, []byte(key+"-"+strconv.Itoa(i))))
		}
	}

	got := wait()
	require.Len(t, got, 60)

	byKey := make(map[string][]string)
	for _, msg := range got {
		byKey[msg.Key] = append(byKey[msg.Key], string(msg.Payload))
	}
	for _, key := range []string{"1001", "1002", "1003"} {
		require.Len(t, byKey[key], 20, "key %s", key)
		for i, payload := range byKey[key] {
			assert.Equal(t, key+"-"+strconv.Itoa(i), payload)
		}
	}
}

func TestDeliver_RetryableErrorRedelivered(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	var mu sync.Mutex
	attempts := 0
	sub, err := b.Subscribe("retrier", TopicIntraday, retry.FixedPolicy(5, time.Millisecond), func(ctx context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return apperrors.New(apperrors.CodeDBDeadlock, "locked")
		}
		return nil
	}, &mockLogger{})
	require.NoError(t, err)
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	p := NewProducer(b, &mockLogger{})
	require.NoError(t, p.Publish(context.Background(), TopicIntraday, "1001", []byte("x")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeliver_NonRetryableGoesStraightToDLQ(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	dlqSub, waitDLQ := collect(t, b, DLQTopic(TopicIntraday), func(got []Message) bool { return len(got) == 1 })
	defer dlqSub.Stop()

	var mu sync.Mutex
	attempts := 0
	sub, err := b.Subscribe("parser", TopicIntraday, retry.FixedPolicy(5, time.Millisecond), func(ctx context.Context, msg Message) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return apperrors.New(apperrors.CodeConsumeParseError, "bad payload")
	}, &mockLogger{})
	require.NoError(t, err)
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	p := NewProducer(b, &mockLogger{})
	require.NoError(t, p.Publish(context.Background(), TopicIntraday, "1001", []byte("not-json")))

	got := waitDLQ()
	require.Len(t, got, 1)
	assert.Equal(t, "not-json", string(got[0].Payload))
	assert.Equal(t, TopicIntraday, got[0].Headers[HeaderOriginTopic])
	assert.Equal(t, string(apperrors.CodeConsumeParseError), got[0].Headers[HeaderErrorCode])

	// No redelivery happened before dead-lettering.
	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()
}

func TestDeliver_ExhaustedRetriesDeadLettered(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	dlqSub, waitDLQ := collect(t, b, DLQTopic(TopicExecutionReport), func(got []Message) bool { return len(got) == 1 })
	defer dlqSub.Stop()

	var mu sync.Mutex
	attempts := 0
	sub, err := b.Subscribe("agg", TopicExecutionReport, retry.FixedPolicy(3, time.Millisecond), func(ctx context.Context, msg Message) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return apperrors.New(apperrors.CodeDBUnavailable, "down")
	}, &mockLogger{})
	require.NoError(t, err)
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	p := NewProducer(b, &mockLogger{})
	require.NoError(t, p.Publish(context.Background(), TopicExecutionReport, "ORD-1", []byte("f")))

	got := waitDLQ()
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].Headers[HeaderAttempts])

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestPublish_ProducerSequenceDeduplicated(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	sub, wait := collect(t, b, TopicMarketData, func(got []Message) bool { return len(got) >= 1 })
	defer sub.Stop()

	ctx := context.Background()
	msg := Message{
		Topic:   TopicMarketData,
		Key:     "42",
		Payload: []byte("tick"),
		Headers: map[string]string{HeaderProducerID: "session-1", HeaderProducerSeq: "7"},
	}
	require.NoError(t, b.publish(ctx, msg))
	// Replay of the same session sequence is dropped.
	require.NoError(t, b.publish(ctx, msg))

	time.Sleep(50 * time.Millisecond)
	got := wait()
	assert.Len(t, got, 1)
}

func TestSubscribe_DuplicateGroupRejected(t *testing.T) {
	b := newTestBroker()
	defer b.Close()

	handler := func(ctx context.Context, msg Message) error { return nil }
	s1, err := b.Subscribe("g", TopicOrders, retry.DefaultPolicy, handler, &mockLogger{})
	require.NoError(t, err)
	require.NoError(t, s1.Start(context.Background()))
	defer s1.Stop()

	s2, err := b.Subscribe("g", TopicOrders, retry.DefaultPolicy, handler, &mockLogger{})
	require.NoError(t, err)
	assert.Error(t, s2.Start(context.Background()))
}

func TestBroker_PublishAfterCloseFails(t *testing.T) {
	b := newTestBroker()
	b.Close()

	p := NewProducer(b, &mockLogger{})
	err := p.Publish(context.Background(), TopicOrders, "k", []byte("v"))
	require.Error(t, err)
	code, ok := apperrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodePublishFailed, code)
}
