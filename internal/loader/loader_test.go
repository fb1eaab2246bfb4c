package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/engine/simple"
	"fx_platform/internal/fabric"
	"fx_platform/internal/idempotency"
	"fx_platform/internal/kv"
	"fx_platform/internal/positions"
	"fx_platform/internal/refdata"
	"fx_platform/internal/resilience"
	"fx_platform/internal/storage"
	"fx_platform/pkg/concurrency"
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

const testDate = core.BusinessDate("2025-03-14")

// fakeSource serves scripted snapshots and can be switched to failing.
type fakeSource struct {
	mu    sync.Mutex
	snaps map[int64]*core.AccountSnapshot
	err   error
	calls int
}

func (f *fakeSource) FetchSnapshot(ctx context.Context, accountID int64, businessDate core.BusinessDate) (*core.AccountSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	snap, ok := f.snaps[accountID]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeSnapshotMalformed, "no snapshot for account %d", accountID)
	}
	cp := *snap
	cp.BusinessDate = businessDate
	return &cp, nil
}

func (f *fakeSource) set(snap *core.AccountSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[snap.AccountID] = snap
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fixture struct {
	svc    *Service
	src    *fakeSource
	store  *positions.Store
	repo   *refdata.Repository
	broker *fabric.Broker
	cfg    *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := &mockLogger{}

	cfg := config.DefaultConfig()
	cfg.EOD.RetryAttempts = 1
	cfg.EOD.LeaseTTLSeconds = 30
	cfg.Notifications.Mode = config.NotifyFabric

	db, err := storage.Open(filepath.Join(t.TempDir(), "loader.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := positions.NewStore(db, logger)
	require.NoError(t, err)
	repo, err := refdata.NewRepository(db, logger)
	require.NoError(t, err)

	kvStore := kv.NewStore(kv.Config{SweepInterval: time.Minute}, logger)
	idem := idempotency.NewStore(kvStore, time.Hour, logger)

	broker := fabric.NewBroker(fabric.Config{Partitions: 4, BufferPerPartition: 64, DedupWindow: time.Minute}, logger)
	producer := fabric.NewProducer(broker, logger)
	t.Cleanup(producer.Close)

	guards := resilience.NewRegistry(cfg, logger)
	src := &fakeSource{snaps: make(map[int64]*core.AccountSnapshot)}
	steps := NewEODSteps(src, store, repo, guards, cfg.EOD.ValidationErrorThreshold, logger)
	eng := simple.NewSimpleEngine(steps, logger)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "loader-test", MaxWorkers: 4, MaxCapacity: 32}, logger)
	t.Cleanup(pool.Stop)

	svc := NewService(cfg, Deps{
		Store:    store,
		Refdata:  repo,
		Idem:     idem,
		Leases:   kvStore,
		Engine:   eng,
		Broker:   broker,
		Producer: producer,
		Guards:   guards,
		Pool:     pool,
		Logger:   logger,
	})
	return &fixture{svc: svc, src: src, store: store, repo: repo, broker: broker, cfg: cfg}
}

func snapshot(accountID, clientID int64, rows ...core.SnapshotRow) *core.AccountSnapshot {
	return &core.AccountSnapshot{
		AccountID:     accountID,
		ClientID:      clientID,
		ClientName:    fmt.Sprintf("Client %d", clientID),
		FundID:        clientID * 10,
		FundName:      fmt.Sprintf("Fund %d", clientID*10),
		BaseCurrency:  "USD",
		AccountNumber: fmt.Sprintf("ACC-%d", accountID),
		AccountType:   "HEDGE",
		BusinessDate:  testDate,
		Positions:     rows,
	}
}

func snapRow(productID int64, ticker, qty, px string) core.SnapshotRow {
	return core.SnapshotRow{
		ProductID:     productID,
		Ticker:        ticker,
		AssetClass:    core.AssetEquity,
		IssueCurrency: "USD",
		Quantity:      decimal.RequireFromString(qty),
		TxnType:       "POSITION",
		Price:         decimal.RequireFromString(px),
	}
}

// seedHierarchy registers the client, fund and accounts ahead of any load so
// the sign-off tracker sees the full account set from the first run.
func seedHierarchy(t *testing.T, repo *refdata.Repository, clientID int64, accountIDs ...int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.UpsertClient(ctx, core.Client{ID: clientID, Name: fmt.Sprintf("Client %d", clientID), BaseCurrency: "USD"}))
	fundID := clientID * 10
	require.NoError(t, repo.UpsertFund(ctx, core.Fund{ID: fundID, ClientID: clientID, Name: fmt.Sprintf("Fund %d", fundID), BaseCurrency: "USD"}))
	for _, id := range accountIDs {
		require.NoError(t, repo.UpsertAccount(ctx, core.Account{ID: id, FundID: fundID, Number: fmt.Sprintf("ACC-%d", id), Type: "HEDGE", BaseCurrency: "USD"}))
	}
}

// collect subscribes a tap group and funnels messages into a channel.
func collect(t *testing.T, broker *fabric.Broker, topic string) <-chan fabric.Message {
	t.Helper()
	ch := make(chan fabric.Message, 32)
	sub, err := broker.Subscribe("tap", topic, retry.FixedPolicy(1, time.Millisecond),
		func(ctx context.Context, msg fabric.Message) error {
			ch <- msg
			return nil
		}, &mockLogger{})
	require.NoError(t, err)
	require.NoError(t, sub.Start(context.Background()))
	t.Cleanup(func() { _ = sub.Stop() })
	return ch
}

func TestRunEOD_LoadsAndActivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	changes := collect(t, f.broker, fabric.TopicPositionChange)

	f.src.set(snapshot(1001, 7, snapRow(1, "AAPL", "100", "150.25"), snapRow(2, "MSFT", "50", "410.10")))

	res, err := f.svc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.Equal(t, 2, res.PositionCount)
	assert.Greater(t, res.BatchID, int64(0))

	active, err := f.store.GetActiveBatchID(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, res.BatchID, active)

	status, found, err := f.store.GetEODStatus(ctx, 1001, testDate)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, core.EODCompleted, status.Status)
	assert.Equal(t, 2, status.PositionCount)

	select {
	case msg := <-changes:
		var ev core.PositionChangeEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, int64(1001), ev.AccountID)
		assert.Equal(t, core.EventEODComplete, ev.EventType)
		assert.Equal(t, "1001", msg.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("no position change event published")
	}
}

func TestRunEOD_RegistersProductsForSymbology(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	eur := snapRow(3, "SAP", "40", "180.00")
	eur.IssueCurrency = "EUR"
	f.src.set(snapshot(1001, 7, snapRow(1, "AAPL", "100", "150.25"), eur))

	_, err := f.svc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)

	resolver := refdata.NewResolver(f.repo, &mockLogger{})
	require.NoError(t, resolver.Refresh(ctx))

	p, ok := resolver.Product(1)
	require.True(t, ok, "loaded product must resolve after the EOD run")
	assert.Equal(t, "AAPL", p.Ticker)
	assert.Equal(t, "USD", p.IssueCurrency)
	assert.True(t, p.Active)

	p, ok = resolver.Product(3)
	require.True(t, ok)
	assert.Equal(t, "SAP", p.Ticker)
	assert.Equal(t, "EUR", p.IssueCurrency)

	id, ok := resolver.ResolveTicker("SAP")
	require.True(t, ok)
	assert.Equal(t, int64(3), id)
}

func TestRunEOD_SecondInvocationIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.src.set(snapshot(1001, 7, snapRow(1, "AAPL", "100", "150.25")))

	first, err := f.svc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)
	require.False(t, first.NoOp)

	second, err := f.svc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)
	assert.True(t, second.NoOp)
	assert.Equal(t, first.PositionCount, second.PositionCount)

	active, err := f.store.GetActiveBatchID(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, first.BatchID, active, "batch must not advance on replay")
}

func TestRunEOD_FailureKeepsActiveBatchAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.src.set(snapshot(1001, 7, snapRow(1, "AAPL", "100", "150.25")))

	first, err := f.svc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)

	nextDate := core.BusinessDate("2025-03-17")
	f.src.fail(apperrors.New(apperrors.CodeSnapshotMalformed, "upstream rejected request"))
	_, err = f.svc.RunEOD(ctx, 1001, nextDate)
	require.Error(t, err)

	status, found, err := f.store.GetEODStatus(ctx, 1001, nextDate)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, core.EODFailed, status.Status)
	assert.NotEmpty(t, status.ErrorText)

	active, err := f.store.GetActiveBatchID(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, first.BatchID, active, "failed run must not touch the active batch")

	// FAILED -> IN_PROGRESS on the next attempt.
	f.src.fail(nil)
	f.src.set(snapshot(1001, 7, snapRow(1, "AAPL", "120", "151.00")))
	res, err := f.svc.RunEOD(ctx, 1001, nextDate)
	require.NoError(t, err)
	assert.False(t, res.NoOp)

	status, _, err = f.store.GetEODStatus(ctx, 1001, nextDate)
	require.NoError(t, err)
	assert.Equal(t, core.EODCompleted, status.Status)
}

func TestRunEOD_ValidationThresholdFailsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One of two rows rejected puts the ratio far over the 5% threshold.
	bad := snapRow(2, "BAD", "0", "10") // zero quantity
	f.src.set(snapshot(1001, 7, snapRow(1, "AAPL", "100", "150.25"), bad))

	_, err := f.svc.RunEOD(ctx, 1001, testDate)
	require.Error(t, err)
	code, ok := apperrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeValidationFailed, code)

	status, found, err := f.store.GetEODStatus(ctx, 1001, testDate)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, core.EODFailed, status.Status)
}

func TestRunEOD_ToleratesRejectsBelowThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rows := []core.SnapshotRow{snapRow(2, "BAD", "0", "10")}
	for i := int64(0); i < 24; i++ {
		rows = append(rows, snapRow(10+i, fmt.Sprintf("TK%d", i), "10", "5.50"))
	}
	f.src.set(snapshot(1001, 7, rows...))

	res, err := f.svc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)
	assert.Equal(t, 24, res.PositionCount, "rejected row is dropped, rest load")
}

func TestRunEOD_EmptySnapshotActivatesEmptyBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.src.set(snapshot(1001, 7))

	res, err := f.svc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)
	assert.Equal(t, 0, res.PositionCount)

	status, found, err := f.store.GetEODStatus(ctx, 1001, testDate)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, core.EODCompleted, status.Status)

	rows, err := f.store.CurrentPositions(ctx, 1001)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRunEOD_ShardGateIgnoresForeignAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cfg.Sharding.TotalShards = 2
	f.cfg.Sharding.ShardIndex = 0

	// 1001 mod 2 == 1, owned by the other shard.
	res, err := f.svc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)
	assert.True(t, res.NoOp)

	_, found, err := f.store.GetEODStatus(ctx, 1001, testDate)
	require.NoError(t, err)
	assert.False(t, found, "foreign account must leave no status row")
}

func TestRunEODAll_SweepsEveryOwnedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedHierarchy(t, f.repo, 7, 1001, 1003)
	f.src.set(snapshot(1001, 7, snapRow(1, "AAPL", "100", "150.25")))
	f.src.set(snapshot(1003, 7, snapRow(2, "MSFT", "50", "410.10")))

	n, err := f.svc.RunEODAll(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, accountID := range []int64{1001, 1003} {
		status, found, err := f.store.GetEODStatus(ctx, accountID, testDate)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, core.EODCompleted, status.Status)
	}
}

func TestApplyIntraday_DedupsByExternalRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.src.set(snapshot(1001, 7, snapRow(1, "AAPL", "100", "150.25")))
	_, err := f.svc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)

	update := snapshot(1001, 7)
	row := snapRow(1, "AAPL", "175", "151.10")
	row.ExternalRefID = "REF-001"
	update.Positions = []core.SnapshotRow{row}

	require.NoError(t, f.svc.ApplyIntraday(ctx, update))
	qty, err := f.store.GetQuantityAsOf(ctx, 1001, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.RequireFromString("175")))

	// Replay with the same ref and a different quantity: dropped.
	replay := snapshot(1001, 7)
	row2 := snapRow(1, "AAPL", "999", "151.10")
	row2.ExternalRefID = "REF-001"
	replay.Positions = []core.SnapshotRow{row2}
	require.NoError(t, f.svc.ApplyIntraday(ctx, replay))

	qty, err = f.store.GetQuantityAsOf(ctx, 1001, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.RequireFromString("175")), "duplicate ref must not apply")
}

func TestApplyIntraday_BootstrapsWithoutActiveBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	update := snapshot(1001, 7)
	row := snapRow(1, "AAPL", "40", "150.00")
	row.ExternalRefID = "REF-BOOT"
	update.Positions = []core.SnapshotRow{row}

	require.NoError(t, f.svc.ApplyIntraday(ctx, update))

	qty, err := f.store.GetQuantityAsOf(ctx, 1001, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.RequireFromString("40")))

	_, err = f.store.GetActiveBatchID(ctx, 1001)
	require.NoError(t, err, "bootstrap must leave an active batch")
}

func TestApplyTradeEvent_FoldsSignedDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.src.set(snapshot(1001, 7, snapRow(1, "EURUSD", "100", "1.0500")))
	_, err := f.svc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)

	buy := core.IntradayTradeEvent{
		AccountID:     1001,
		ProductID:     1,
		Ticker:        "EURUSD",
		ClientOrderID: "ORD-1",
		Side:          core.SideBuy,
		FilledQty:     decimal.RequireFromString("50"),
		VWAP:          decimal.RequireFromString("1.05405"),
		Timestamp:     time.Now().UTC(),
	}
	require.NoError(t, f.svc.ApplyTradeEvent(ctx, buy))
	qty, err := f.store.GetQuantityAsOf(ctx, 1001, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.RequireFromString("150")))

	// Same order id again: idempotent.
	require.NoError(t, f.svc.ApplyTradeEvent(ctx, buy))
	qty, err = f.store.GetQuantityAsOf(ctx, 1001, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.RequireFromString("150")))

	sell := buy
	sell.ClientOrderID = "ORD-2"
	sell.Side = core.SideSell
	sell.FilledQty = decimal.RequireFromString("30")
	require.NoError(t, f.svc.ApplyTradeEvent(ctx, sell))
	qty, err = f.store.GetQuantityAsOf(ctx, 1001, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.RequireFromString("120")))
}

func TestManualUpload_SwapsBatchAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.src.set(snapshot(1001, 7, snapRow(1, "AAPL", "100", "150.25")))
	first, err := f.svc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)

	manual := snapshot(1001, 7, snapRow(1, "AAPL", "80", "150.25"), snapRow(3, "NVDA", "10", "880.00"))
	res, err := f.svc.ManualUpload(ctx, manual, "ops.jsmith")
	require.NoError(t, err)
	assert.NotEqual(t, first.BatchID, res.BatchID)
	assert.Equal(t, 2, res.PositionCount)

	active, err := f.store.GetActiveBatchID(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, res.BatchID, active)

	trail, err := f.store.AuditTrail(ctx, "account:1001", 10)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, "ops.jsmith", trail[0].Actor)
	assert.Equal(t, "MANUAL_UPLOAD", trail[0].Action)

	_, err = f.svc.ManualUpload(ctx, manual, "")
	require.Error(t, err, "actor is mandatory")
}

func TestSignoff_PublishedOncePerClientAndDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	signoffs := collect(t, f.broker, fabric.TopicClientSignoff)

	seedHierarchy(t, f.repo, 7, 1001, 1003)
	f.src.set(snapshot(1001, 7, snapRow(1, "AAPL", "100", "150.25")))
	f.src.set(snapshot(1003, 7, snapRow(2, "MSFT", "50", "410.10")))

	_, err := f.svc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)

	select {
	case <-signoffs:
		t.Fatal("sign-off fired before every account completed")
	case <-time.After(100 * time.Millisecond):
	}

	_, err = f.svc.RunEOD(ctx, 1003, testDate)
	require.NoError(t, err)

	select {
	case msg := <-signoffs:
		var ev core.SignoffEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, int64(7), ev.ClientID)
		assert.Equal(t, testDate, ev.BusinessDate)
		assert.Equal(t, 2, ev.AccountCount)
	case <-time.After(2 * time.Second):
		t.Fatal("no sign-off published")
	}

	// Replaying the EOD must not re-fire the sign-off.
	_, err = f.svc.RunEOD(ctx, 1003, testDate)
	require.NoError(t, err)
	select {
	case <-signoffs:
		t.Fatal("sign-off fired twice for the same client and date")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCheckDeadline_FlagsIncompleteAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedHierarchy(t, f.repo, 7, 1001, 1003)
	f.src.set(snapshot(1001, 7, snapRow(1, "AAPL", "100", "150.25")))
	f.src.set(snapshot(1003, 7, snapRow(2, "MSFT", "50", "410.10")))

	// Complete only one of the two accounts for today.
	today := core.NewBusinessDate(time.Now())
	_, err := f.svc.RunEOD(ctx, 1001, today)
	require.NoError(t, err)

	f.svc.checkDeadline(ctx)

	missed, date := f.svc.DeadlineMissed()
	assert.Equal(t, []int64{1003}, missed)
	assert.Equal(t, today, date)
	require.Error(t, f.svc.CheckHealth(ctx))

	// Completing the laggard clears the condition on the next tick.
	_, err = f.svc.RunEOD(ctx, 1003, today)
	require.NoError(t, err)
	f.svc.checkDeadline(ctx)
	missed, _ = f.svc.DeadlineMissed()
	assert.Empty(t, missed)
	require.NoError(t, f.svc.CheckHealth(ctx))
}

func TestDeadlineSpec(t *testing.T) {
	spec, err := deadlineSpec("17:30")
	require.NoError(t, err)
	assert.Equal(t, "30 17 * * *", spec)

	_, err = deadlineSpec("25:99")
	require.Error(t, err)
}

func TestBuildPositions_RowConversion(t *testing.T) {
	ctx := context.Background()
	cash := core.SnapshotRow{
		ProductID:     9,
		Ticker:        "USD.CASH",
		AssetClass:    core.AssetCash,
		IssueCurrency: "USD",
		Quantity:      decimal.RequireFromString("2500.50"),
		TxnType:       "POSITION",
	}
	swap := snapRow(4, "SWP", "10", "99.00")
	swap.AssetClass = core.AssetEquitySwap
	excluded := snapRow(5, "EXC", "1", "1.00")
	excluded.TxnType = "excluded"

	snap := snapshot(1001, 7)
	snap.Positions = []core.SnapshotRow{cash, swap, excluded}

	rows, err := buildPositions(ctx, snap, "MSPM", 0.05, &mockLogger{})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.True(t, rows[0].PriceUsed.Equal(decimal.NewFromInt(1)), "cash carried at par")
	assert.True(t, rows[0].MVLocal.Equal(decimal.RequireFromString("2500.50")))
	assert.Equal(t, core.PositionSynthetic, rows[1].PositionType)
	assert.True(t, rows[2].Excluded)
}

func TestBuildPositions_DuplicateProductRejected(t *testing.T) {
	ctx := context.Background()
	snap := snapshot(1001, 7, snapRow(1, "AAPL", "100", "150.25"), snapRow(1, "AAPL", "200", "150.25"))

	rows, err := buildPositions(ctx, snap, "MSPM", 0.60, &mockLogger{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Quantity.Equal(decimal.RequireFromString("100")), "first occurrence wins")
}

