package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/fabric"
	"fx_platform/internal/idempotency"
	"fx_platform/internal/kv"
	"fx_platform/internal/positions"
	"fx_platform/internal/pricecache"
	"fx_platform/internal/refdata"
	"fx_platform/internal/resilience"
	"fx_platform/internal/revindex"
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

// fakePusher records pushed valuations and signals arrivals.
type fakePusher struct {
	mu      sync.Mutex
	updates []core.ValuationUpdate
	ch      chan core.ValuationUpdate
}

func newFakePusher() *fakePusher {
	return &fakePusher{ch: make(chan core.ValuationUpdate, 64)}
}

func (p *fakePusher) Push(accountID int64, update core.ValuationUpdate) {
	p.mu.Lock()
	p.updates = append(p.updates, update)
	p.mu.Unlock()
	select {
	case p.ch <- update:
	default:
	}
}

func (p *fakePusher) wait(t *testing.T, match func(core.ValuationUpdate) bool) core.ValuationUpdate {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case u := <-p.ch:
			if match(u) {
				return u
			}
		case <-deadline:
			t.Fatal("timed out waiting for valuation push")
			return core.ValuationUpdate{}
		}
	}
}

// expectQuiet asserts no push arrives inside the window.
func (p *fakePusher) expectQuiet(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case u := <-p.ch:
		t.Fatalf("unexpected push for account %d product %d", u.AccountID, u.ProductID)
	case <-time.After(window):
	}
}

type fixture struct {
	svc      *Service
	store    *positions.Store
	repo     *refdata.Repository
	resolver *refdata.Resolver
	cache    *pricecache.TwoTier
	guards   *resilience.Registry
	broker   *fabric.Broker
	producer *fabric.Producer
	pusher   *fakePusher
	notifier *DirectNotifier
	cfg      *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := &mockLogger{}

	cfg := config.DefaultConfig()
	cfg.Pricing.FlushIntervalMs = 20
	cfg.Pricing.DirtyFlushIntervalMs = 50

	db, err := storage.Open(filepath.Join(t.TempDir(), "pricing.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := positions.NewStore(db, logger)
	require.NoError(t, err)
	repo, err := refdata.NewRepository(db, logger)
	require.NoError(t, err)
	priceRepo, err := pricecache.NewRepository(db, logger)
	require.NoError(t, err)

	kvStore := kv.NewStore(kv.Config{SweepInterval: time.Minute}, logger)
	idem := idempotency.NewStore(kvStore, time.Hour, logger)

	cache := pricecache.NewTwoTier(pricecache.OptionsFromConfig(cfg.Pricing), kvStore, priceRepo, logger)
	flusher := pricecache.NewFlusher(priceRepo, time.Duration(cfg.Pricing.DirtyFlushIntervalMs)*time.Millisecond, logger)

	broker := fabric.NewBroker(fabric.Config{Partitions: 4, BufferPerPartition: 64, DedupWindow: time.Minute}, logger)
	producer := fabric.NewProducer(broker, logger)
	t.Cleanup(producer.Close)

	guards := resilience.NewRegistry(cfg, logger)
	resolver := refdata.NewResolver(repo, logger)
	index := revindex.New(logger)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "pricing-test", MaxWorkers: 4, MaxCapacity: 64}, logger)
	t.Cleanup(pool.Stop)
	pusher := newFakePusher()
	notifier := NewDirectNotifier(logger)

	svc := NewService(cfg, Deps{
		Cache:    cache,
		Flusher:  flusher,
		Store:    store,
		Refdata:  repo,
		Resolver: resolver,
		Index:    index,
		Idem:     idem,
		Broker:   broker,
		Producer: producer,
		Pusher:   pusher,
		Notifier: notifier,
		Guards:   guards,
		Pool:     pool,
		Logger:   logger,
	})

	return &fixture{
		svc:      svc,
		store:    store,
		repo:     repo,
		resolver: resolver,
		cache:    cache,
		guards:   guards,
		broker:   broker,
		producer: producer,
		pusher:   pusher,
		notifier: notifier,
		cfg:      cfg,
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.Start(context.Background()))
	t.Cleanup(func() { _ = f.svc.Stop() })
}

// seedAccount registers the client, fund and one account.
func seedAccount(t *testing.T, repo *refdata.Repository, accountID, clientID int64, baseCcy string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.UpsertClient(ctx, core.Client{ID: clientID, Name: fmt.Sprintf("Client %d", clientID), BaseCurrency: baseCcy}))
	fundID := clientID * 10
	require.NoError(t, repo.UpsertFund(ctx, core.Fund{ID: fundID, ClientID: clientID, Name: fmt.Sprintf("Fund %d", fundID), BaseCurrency: baseCcy}))
	require.NoError(t, repo.UpsertAccount(ctx, core.Account{ID: accountID, FundID: fundID, Number: fmt.Sprintf("ACC-%d", accountID), Type: "HEDGE", BaseCurrency: baseCcy}))
}

func seedProduct(t *testing.T, repo *refdata.Repository, id int64, ticker, issueCcy string) {
	t.Helper()
	require.NoError(t, repo.UpsertProduct(context.Background(), core.Product{
		ID:             id,
		IdentifierType: "ISIN",
		Identifier:     fmt.Sprintf("TEST%08d", id),
		Ticker:         ticker,
		AssetClass:     core.AssetEquity,
		IssueCurrency:  issueCcy,
		SettleCurrency: issueCcy,
		RiskRegion:     "EMEA",
		Active:         true,
	}))
}

// loadHolding activates a single-row batch so the account holds the product.
func loadHolding(t *testing.T, store *positions.Store, accountID, productID int64, qty string) {
	t.Helper()
	ctx := context.Background()
	batchID, err := store.CreateBatch(ctx, accountID)
	require.NoError(t, err)
	require.NoError(t, store.InsertPositions(ctx, accountID, batchID, []core.Position{{
		AccountID:    accountID,
		ProductID:    productID,
		Quantity:     decimal.RequireFromString(qty),
		PriceUsed:    decimal.Zero,
		FxRateUsed:   decimal.NewFromInt(1),
		SourceSystem: "TEST",
		PositionType: core.PositionPhysical,
		BusinessDate: testDate,
	}}))
	require.NoError(t, store.ActivateBatch(ctx, accountID, batchID))
}

func entry(value string, source core.PriceSource, ts time.Time) core.PriceEntry {
	return core.PriceEntry{Value: decimal.RequireFromString(value), Source: source, Timestamp: ts}
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

func TestRevalueProduct_DirectRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedAccount(t, f.repo, 1001, 7, "USD")
	seedProduct(t, f.repo, 1, "SAP", "EUR")
	loadHolding(t, f.store, 1001, 1, "100")
	require.NoError(t, f.resolver.Refresh(ctx))

	now := time.Now()
	require.NoError(t, f.cache.PutPrice(ctx, 1, entry("50.25", core.SourceRealtime, now)))
	require.NoError(t, f.cache.PutFxRate(ctx, "EUR/USD", entry("1.08", core.SourceRealtime, now)))

	rev := NewRevaluer(f.cache, f.resolver, f.store, f.guards, &mockLogger{})
	u, err := rev.RevalueProduct(ctx, 1001, 1)
	require.NoError(t, err)

	assert.True(t, u.FxRate.Equal(decimal.RequireFromString("1.08")), "fx rate %s", u.FxRate)
	assert.True(t, u.MVLocal.Equal(decimal.RequireFromString("5025")), "mv local %s", u.MVLocal)
	assert.True(t, u.MVBase.Equal(decimal.RequireFromString("5427")), "mv base %s", u.MVBase)
	assert.Equal(t, "USD", u.BaseCcy)
	assert.Equal(t, "SAP", u.Ticker)
	assert.False(t, u.Stale)
}

func TestRevalueProduct_InverseRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedAccount(t, f.repo, 1001, 7, "USD")
	seedProduct(t, f.repo, 1, "SAP", "EUR")
	loadHolding(t, f.store, 1001, 1, "100")
	require.NoError(t, f.resolver.Refresh(ctx))

	now := time.Now()
	require.NoError(t, f.cache.PutPrice(ctx, 1, entry("50", core.SourceRealtime, now)))
	// Only the inverted pair is quoted.
	require.NoError(t, f.cache.PutFxRate(ctx, "USD/EUR", entry("0.8", core.SourceRealtime, now)))

	rev := NewRevaluer(f.cache, f.resolver, f.store, f.guards, &mockLogger{})
	u, err := rev.RevalueProduct(ctx, 1001, 1)
	require.NoError(t, err)

	assert.True(t, u.FxRate.Equal(decimal.RequireFromString("1.25")), "fx rate %s", u.FxRate)
	assert.True(t, u.MVBase.Equal(decimal.RequireFromString("6250")), "mv base %s", u.MVBase)
}

func TestRevalueProduct_TriangulatesThroughPivot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedAccount(t, f.repo, 1001, 7, "JPY")
	seedProduct(t, f.repo, 1, "SAP", "EUR")
	loadHolding(t, f.store, 1001, 1, "10")
	require.NoError(t, f.resolver.Refresh(ctx))

	now := time.Now()
	require.NoError(t, f.cache.PutPrice(ctx, 1, entry("50", core.SourceRealtime, now)))
	// No EUR/JPY quote; both pivot legs are fresh.
	require.NoError(t, f.cache.PutFxRate(ctx, "EUR/USD", entry("1.08", core.SourceRealtime, now)))
	require.NoError(t, f.cache.PutFxRate(ctx, "USD/JPY", entry("150", core.SourceRealtime, now)))

	rev := NewRevaluer(f.cache, f.resolver, f.store, f.guards, &mockLogger{})
	u, err := rev.RevalueProduct(ctx, 1001, 1)
	require.NoError(t, err)

	assert.True(t, u.FxRate.Equal(decimal.RequireFromString("162")), "fx rate %s", u.FxRate)
	assert.True(t, u.MVBase.Equal(decimal.RequireFromString("81000")), "mv base %s", u.MVBase)
	assert.False(t, u.Stale)
}

func TestRevalueProduct_StaleLegTagsUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedAccount(t, f.repo, 1001, 7, "USD")
	seedProduct(t, f.repo, 1, "SAP", "EUR")
	loadHolding(t, f.store, 1001, 1, "100")
	require.NoError(t, f.resolver.Refresh(ctx))

	// Realtime price past its 30s deadline; the value still flows, tagged.
	require.NoError(t, f.cache.PutPrice(ctx, 1, entry("50", core.SourceRealtime, time.Now().Add(-2*time.Minute))))
	require.NoError(t, f.cache.PutFxRate(ctx, "EUR/USD", entry("1.08", core.SourceRealtime, time.Now())))

	rev := NewRevaluer(f.cache, f.resolver, f.store, f.guards, &mockLogger{})
	u, err := rev.RevalueProduct(ctx, 1001, 1)
	require.NoError(t, err)
	assert.True(t, u.Stale)
	assert.True(t, u.MVBase.Equal(decimal.RequireFromString("5400")), "mv base %s", u.MVBase)
}

func TestRevalueProduct_MissingPriceErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedAccount(t, f.repo, 1001, 7, "USD")
	seedProduct(t, f.repo, 1, "SAP", "EUR")
	loadHolding(t, f.store, 1001, 1, "100")
	require.NoError(t, f.resolver.Refresh(ctx))

	rev := NewRevaluer(f.cache, f.resolver, f.store, f.guards, &mockLogger{})
	_, err := rev.RevalueProduct(ctx, 1001, 1)
	require.Error(t, err)
	code, ok := apperrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodePriceMiss, code)
}

func TestRevalueProduct_ZeroQuantityIsSilent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedAccount(t, f.repo, 1001, 7, "USD")
	seedProduct(t, f.repo, 1, "SAP", "EUR")
	require.NoError(t, f.resolver.Refresh(ctx))

	rev := NewRevaluer(f.cache, f.resolver, f.store, f.guards, &mockLogger{})
	u, err := rev.RevalueProduct(ctx, 1001, 1)
	require.NoError(t, err)
	assert.True(t, u.Quantity.IsZero())
}

func TestConflator_CoalescesWithinWindow(t *testing.T) {
	logger := &mockLogger{}
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "conflator-test", MaxWorkers: 2, MaxCapacity: 16}, logger)
	t.Cleanup(pool.Stop)

	var mu sync.Mutex
	calls := map[int64][][]int64{}
	sink := func(ctx context.Context, accountID int64, productIDs []int64) {
		mu.Lock()
		defer mu.Unlock()
		sorted := append([]int64(nil), productIDs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		calls[accountID] = append(calls[accountID], sorted)
	}

	// Interval long enough that nothing flushes until Stop drains.
	c := NewConflator(time.Hour, pool, sink, logger)
	c.Start(context.Background())
	c.Offer(1001, 1)
	c.Offer(1001, 1)
	c.Offer(1001, 1)
	c.Offer(1001, 2)
	c.Offer(1002, 9)
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls[1001], 1)
	assert.Equal(t, []int64{1, 2}, calls[1001][0])
	require.Len(t, calls[1002], 1)
	assert.Equal(t, []int64{9}, calls[1002][0])
	assert.Zero(t, c.PendingAccounts())
}

func TestConflator_PeriodicFlush(t *testing.T) {
	logger := &mockLogger{}
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "conflator-tick", MaxWorkers: 2, MaxCapacity: 16}, logger)
	t.Cleanup(pool.Stop)

	flushed := make(chan []int64, 8)
	sink := func(ctx context.Context, accountID int64, productIDs []int64) {
		flushed <- productIDs
	}

	c := NewConflator(10*time.Millisecond, pool, sink, logger)
	c.Start(context.Background())
	defer c.Stop()

	c.Offer(1001, 1)
	select {
	case products := <-flushed:
		assert.Equal(t, []int64{1}, products)
	case <-time.After(2 * time.Second):
		t.Fatal("no flush within interval")
	}
}

func TestService_PriceTickPushesValuation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedAccount(t, f.repo, 1001, 7, "USD")
	seedProduct(t, f.repo, 1, "SAP", "EUR")
	loadHolding(t, f.store, 1001, 1, "100")
	require.NoError(t, f.cache.PutFxRate(ctx, "EUR/USD", entry("1.08", core.SourceRealtime, time.Now())))

	f.start(t)

	require.NoError(t, f.producer.PublishJSON(ctx, fabric.TopicMarketData, "1", core.PriceTick{
		ProductID:  1,
		Ticker:     "SAP",
		Price:      decimal.RequireFromString("50.25"),
		Currency:   "EUR",
		AssetClass: core.AssetEquity,
		Timestamp:  time.Now(),
		Source:     core.SourceRealtime,
	}))

	u := f.pusher.wait(t, func(u core.ValuationUpdate) bool {
		return u.AccountID == 1001 && u.ProductID == 1
	})
	assert.True(t, u.MVBase.Equal(decimal.RequireFromString("5427")), "mv base %s", u.MVBase)
	assert.False(t, u.Stale)
}

func TestService_TickerOnlyTickResolvesSymbology(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedAccount(t, f.repo, 1001, 7, "EUR")
	seedProduct(t, f.repo, 1, "SAP", "EUR")
	loadHolding(t, f.store, 1001, 1, "10")

	f.start(t)

	// No product id on the wire; the resolver maps the ticker.
	require.NoError(t, f.producer.PublishJSON(ctx, fabric.TopicMarketData, "SAP", core.PriceTick{
		Ticker:    "SAP",
		Price:     decimal.RequireFromString("50"),
		Currency:  "EUR",
		Timestamp: time.Now(),
		Source:    core.SourceRealtime,
	}))

	u := f.pusher.wait(t, func(u core.ValuationUpdate) bool {
		return u.AccountID == 1001 && u.ProductID == 1
	})
	// Issue currency equals base currency, no FX leg involved.
	assert.True(t, u.FxRate.Equal(decimal.NewFromInt(1)))
	assert.True(t, u.MVBase.Equal(decimal.RequireFromString("500")), "mv base %s", u.MVBase)
}

func TestService_UnknownSymbolAckedNotDeadLettered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedAccount(t, f.repo, 1001, 7, "USD")
	f.start(t)

	dlq := collect(t, f.broker, fabric.DLQTopic(fabric.TopicMarketData))
	require.NoError(t, f.producer.PublishJSON(ctx, fabric.TopicMarketData, "ZZZZ", core.PriceTick{
		Ticker:    "ZZZZ",
		Price:     decimal.RequireFromString("1"),
		Timestamp: time.Now(),
		Source:    core.SourceRealtime,
	}))

	select {
	case msg := <-dlq:
		t.Fatalf("unknown symbol dead-lettered: %s", msg.Payload)
	case <-time.After(300 * time.Millisecond):
	}
	f.pusher.expectQuiet(t, 100*time.Millisecond)
}

func TestService_ZeroPriceTickRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedAccount(t, f.repo, 1001, 7, "EUR")
	seedProduct(t, f.repo, 1, "SAP", "EUR")
	loadHolding(t, f.store, 1001, 1, "10")

	f.start(t)

	require.NoError(t, f.producer.PublishJSON(ctx, fabric.TopicMarketData, "1", core.PriceTick{
		ProductID: 1, Ticker: "SAP", Price: decimal.RequireFromString("50"),
		Currency: "EUR", Timestamp: time.Now(), Source: core.SourceRealtime,
	}))
	f.pusher.wait(t, func(u core.ValuationUpdate) bool { return u.ProductID == 1 })

	// The zero tick must neither evict the good price nor push.
	require.NoError(t, f.producer.PublishJSON(ctx, fabric.TopicMarketData, "1", core.PriceTick{
		ProductID: 1, Ticker: "SAP", Price: decimal.Zero,
		Currency: "EUR", Timestamp: time.Now(), Source: core.SourceRealtime,
	}))
	f.pusher.expectQuiet(t, 200*time.Millisecond)

	got, ok := f.cache.GetPrice(ctx, 1)
	require.True(t, ok)
	assert.True(t, got.Value.Equal(decimal.RequireFromString("50")), "cached %s", got.Value)
}

func TestService_FxTickRevaluesCurrencyHoldings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedAccount(t, f.repo, 1001, 7, "USD")
	seedProduct(t, f.repo, 1, "SAP", "EUR")
	loadHolding(t, f.store, 1001, 1, "100")

	f.start(t)

	require.NoError(t, f.producer.PublishJSON(ctx, fabric.TopicFxRates, "EUR/USD", core.FxRateTick{
		Pair: "EUR/USD", Rate: decimal.RequireFromString("1.08"),
		Timestamp: time.Now(), Source: core.SourceRealtime,
	}))
	require.NoError(t, f.producer.PublishJSON(ctx, fabric.TopicMarketData, "1", core.PriceTick{
		ProductID: 1, Ticker: "SAP", Price: decimal.RequireFromString("50"),
		Currency: "EUR", Timestamp: time.Now(), Source: core.SourceRealtime,
	}))
	f.pusher.wait(t, func(u core.ValuationUpdate) bool {
		return u.ProductID == 1 && u.MVBase.Equal(decimal.RequireFromString("5400"))
	})

	// A rate move alone revalues every EUR holding.
	require.NoError(t, f.producer.PublishJSON(ctx, fabric.TopicFxRates, "EUR/USD", core.FxRateTick{
		Pair: "EUR/USD", Rate: decimal.RequireFromString("1.10"),
		Timestamp: time.Now(), Source: core.SourceRealtime,
	}))
	u := f.pusher.wait(t, func(u core.ValuationUpdate) bool {
		return u.ProductID == 1 && u.MVBase.Equal(decimal.RequireFromString("5500"))
	})
	assert.True(t, u.FxRate.Equal(decimal.RequireFromString("1.10")))
}

func TestService_PositionChangeRefreshesIndexAndPushes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedAccount(t, f.repo, 1001, 7, "EUR")
	seedProduct(t, f.repo, 1, "SAP", "EUR")

	// Start with no holdings: the tick caches a price but pushes nothing.
	f.start(t)
	require.NoError(t, f.producer.PublishJSON(ctx, fabric.TopicMarketData, "1", core.PriceTick{
		ProductID: 1, Ticker: "SAP", Price: decimal.RequireFromString("50"),
		Currency: "EUR", Timestamp: time.Now(), Source: core.SourceRealtime,
	}))
	f.pusher.expectQuiet(t, 150*time.Millisecond)

	// Positions land, then the loader's change event arrives.
	loadHolding(t, f.store, 1001, 1, "10")
	ev := core.PositionChangeEvent{AccountID: 1001, ClientID: 7, EventType: core.EventEODComplete, Timestamp: time.Now()}
	require.NoError(t, f.producer.PublishJSON(ctx, fabric.TopicPositionChange, "1001", ev))

	u := f.pusher.wait(t, func(u core.ValuationUpdate) bool {
		return u.AccountID == 1001 && u.ProductID == 1
	})
	assert.True(t, u.MVBase.Equal(decimal.RequireFromString("500")), "mv base %s", u.MVBase)

	// The identical event redelivered is dropped by the dedup claim.
	require.NoError(t, f.producer.PublishJSON(ctx, fabric.TopicPositionChange, "1001", ev))
	f.pusher.expectQuiet(t, 200*time.Millisecond)
}

func TestService_DirectAndFabricDeliveryDeduped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedAccount(t, f.repo, 1001, 7, "EUR")
	seedProduct(t, f.repo, 1, "SAP", "EUR")
	loadHolding(t, f.store, 1001, 1, "10")

	f.start(t)
	require.NoError(t, f.producer.PublishJSON(ctx, fabric.TopicMarketData, "1", core.PriceTick{
		ProductID: 1, Ticker: "SAP", Price: decimal.RequireFromString("50"),
		Currency: "EUR", Timestamp: time.Now(), Source: core.SourceRealtime,
	}))
	f.pusher.wait(t, func(u core.ValuationUpdate) bool { return u.ProductID == 1 })

	// Direct path first, fabric copy second: exactly one wave.
	ev := core.PositionChangeEvent{AccountID: 1001, ClientID: 7, EventType: core.EventIntraday, Timestamp: time.Now()}
	require.NoError(t, f.notifier.Notify(ctx, ev))
	f.pusher.wait(t, func(u core.ValuationUpdate) bool { return u.ProductID == 1 })

	require.NoError(t, f.producer.PublishJSON(ctx, fabric.TopicPositionChange, "1001", ev))
	f.pusher.expectQuiet(t, 200*time.Millisecond)
}

func TestFeedBridge_RepublishesFrames(t *testing.T) {
	logger := &mockLogger{}
	broker := fabric.NewBroker(fabric.Config{Partitions: 2, BufferPerPartition: 16, DedupWindow: time.Minute}, logger)
	producer := fabric.NewProducer(broker, logger)
	t.Cleanup(producer.Close)

	prices := collect(t, broker, fabric.TopicMarketData)
	rates := collect(t, broker, fabric.TopicFxRates)

	upgrader := gws.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// First frame in is the subscribe request.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteJSON(feedFrame{Type: "PRICE", Price: &core.PriceTick{
			ProductID: 1, Ticker: "SAP", Price: decimal.RequireFromString("50"),
			Currency: "EUR", Timestamp: time.Now(), Source: core.SourceRealtime,
		}})
		_ = conn.WriteJSON(feedFrame{Type: "FX", Fx: &core.FxRateTick{
			Pair: "EUR/USD", Rate: decimal.RequireFromString("1.08"),
			Timestamp: time.Now(), Source: core.SourceRealtime,
		}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	bridge := NewFeedBridge("ws"+strings.TrimPrefix(server.URL, "http"), producer, logger)
	bridge.Start()
	defer bridge.Stop()

	select {
	case msg := <-prices:
		var tick core.PriceTick
		require.NoError(t, json.Unmarshal(msg.Payload, &tick))
		assert.Equal(t, "1", msg.Key)
		assert.Equal(t, int64(1), tick.ProductID)
	case <-time.After(3 * time.Second):
		t.Fatal("price frame never reached the fabric")
	}

	select {
	case msg := <-rates:
		var tick core.FxRateTick
		require.NoError(t, json.Unmarshal(msg.Payload, &tick))
		assert.Equal(t, "EUR/USD", msg.Key)
		assert.True(t, tick.Rate.Equal(decimal.RequireFromString("1.08")))
	case <-time.After(3 * time.Second):
		t.Fatal("fx frame never reached the fabric")
	}
}

func TestSplitPair(t *testing.T) {
	base, quote, ok := splitPair("EUR/USD")
	require.True(t, ok)
	assert.Equal(t, "EUR", base)
	assert.Equal(t, "USD", quote)

	base, quote, ok = splitPair("eur/jpy")
	require.True(t, ok)
	assert.Equal(t, "EUR", base)
	assert.Equal(t, "JPY", quote)

	for _, bad := range []string{"EURUSD", "EUR/US", "E/USD", "", "EUR/USD/JPY"} {
		if _, _, ok := splitPair(bad); ok {
			t.Errorf("splitPair(%q) accepted", bad)
		}
	}
}
