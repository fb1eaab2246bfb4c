package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fx_platform/internal/core"
	"fx_platform/internal/kv"
	"fx_platform/pkg/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
)

func init() {
	// Initialize telemetry for tests
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	meter := provider.Meter("test")
	_ = telemetry.GetGlobalMetrics().InitMetrics(meter)
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...interface{})               {}
func (m *mockLogger) Info(msg string, fields ...interface{})                {}
func (m *mockLogger) Warn(msg string, fields ...interface{})                {}
func (m *mockLogger) Error(msg string, fields ...interface{})               {}
func (m *mockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backing := kv.NewStore(kv.Config{SweepInterval: time.Hour}, &mockLogger{})
	return NewStore(kv.Namespace(backing, "idem:"), time.Minute, &mockLogger{})
}

func TestCheckAndMark_FirstCallerWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.True(t, s.CheckAndMark(ctx, "REF-X"))
	assert.False(t, s.CheckAndMark(ctx, "REF-X"))
	assert.True(t, s.IsDuplicate(ctx, "REF-X"))
}

func TestCheckAndMark_ExactlyOnceAcrossCallers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var claims int64
	var mu sync.Mutex
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.CheckAndMark(ctx, "EXEC-1") {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), claims, "exactly one caller may claim a ref")
}

func TestBlankRefsAlwaysClaimable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.False(t, s.IsDuplicate(ctx, ""))
	assert.True(t, s.CheckAndMark(ctx, ""))
	assert.True(t, s.CheckAndMark(ctx, ""), "blank refs are never recorded")
}

func TestFilterDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.MarkProcessedBatch(ctx, []string{"A", "B"})

	fresh := s.FilterDuplicates(ctx, []string{"A", "B", "C", "D"})
	assert.Equal(t, []string{"C", "D"}, fresh)
}

type failingKV struct{}

func (f *failingKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("kv down")
}
func (f *failingKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("kv down")
}
func (f *failingKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return false, errors.New("kv down")
}
func (f *failingKV) Delete(ctx context.Context, key string) error { return errors.New("kv down") }
func (f *failingKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	return nil, errors.New("kv down")
}

func TestDegradesToNotDuplicateWhenStoreDown(t *testing.T) {
	s := NewStore(&failingKV{}, time.Minute, &mockLogger{})
	ctx := context.Background()

	// ingestion must not block or drop records when the ref set is down
	assert.False(t, s.IsDuplicate(ctx, "REF-1"))
	assert.True(t, s.CheckAndMark(ctx, "REF-1"))
	s.MarkProcessed(ctx, "REF-1")
}

func TestTTLWindow(t *testing.T) {
	backing := kv.NewStore(kv.Config{SweepInterval: time.Hour}, &mockLogger{})
	s := NewStore(backing, 20*time.Millisecond, &mockLogger{})
	ctx := context.Background()

	require.True(t, s.CheckAndMark(ctx, "REF-T"))
	assert.False(t, s.CheckAndMark(ctx, "REF-T"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, s.CheckAndMark(ctx, "REF-T"), "ref is claimable again after the TTL window")
}
