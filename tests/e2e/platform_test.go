// Package e2e runs the three platform services in one process against a
// shared system of record and message fabric, and exercises the flows that
// cross service boundaries: EOD loads into valuation pushes, order fills
// into position deltas, intraday snapshots and client sign-off.
package e2e

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
	"fx_platform/internal/loader"
	"fx_platform/internal/positions"
	"fx_platform/internal/pricecache"
	"fx_platform/internal/pricing"
	"fx_platform/internal/refdata"
	"fx_platform/internal/resilience"
	"fx_platform/internal/revindex"
	"fx_platform/internal/storage"
	"fx_platform/internal/tradechannel"
	"fx_platform/internal/trades"
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

// fakeSource serves scripted upstream snapshots to the loader.
type fakeSource struct {
	mu    sync.Mutex
	snaps map[int64]*core.AccountSnapshot
}

func (f *fakeSource) FetchSnapshot(ctx context.Context, accountID int64, businessDate core.BusinessDate) (*core.AccountSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

// fakePusher records valuation pushes and signals arrivals.
type fakePusher struct {
	mu      sync.Mutex
	updates []core.ValuationUpdate
	ch      chan core.ValuationUpdate
}

func newFakePusher() *fakePusher {
	return &fakePusher{ch: make(chan core.ValuationUpdate, 128)}
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
	deadline := time.After(5 * time.Second)
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

// platform is one in-process deployment: loader, price service and trade
// aggregator sharing the database, KV store and fabric.
type platform struct {
	loaderSvc  *loader.Service
	pricingSvc *pricing.Service
	tradesSvc  *trades.Service

	src     *fakeSource
	store   *positions.Store
	repo    *refdata.Repository
	tstore  *trades.Store
	cache   *pricecache.TwoTier
	broker  *fabric.Broker
	produce *fabric.Producer
	pusher  *fakePusher
	channel *tradechannel.SimulatedChannel
	cfg     *config.Config
}

func newPlatform(t *testing.T) *platform {
	t.Helper()
	logger := &mockLogger{}

	cfg := config.DefaultConfig()
	cfg.EOD.RetryAttempts = 1
	cfg.EOD.LeaseTTLSeconds = 30
	cfg.Notifications.Mode = config.NotifyFabric
	cfg.Pricing.FlushIntervalMs = 20
	cfg.Pricing.DirtyFlushIntervalMs = 50

	db, err := storage.Open(filepath.Join(t.TempDir(), "platform.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := positions.NewStore(db, logger)
	require.NoError(t, err)
	repo, err := refdata.NewRepository(db, logger)
	require.NoError(t, err)
	priceRepo, err := pricecache.NewRepository(db, logger)
	require.NoError(t, err)
	tstore, err := trades.NewStore(db, logger)
	require.NoError(t, err)

	kvStore := kv.NewStore(kv.Config{SweepInterval: time.Minute}, logger)
	broker := fabric.NewBroker(fabric.Config{Partitions: 4, BufferPerPartition: 128, DedupWindow: time.Minute}, logger)
	producer := fabric.NewProducer(broker, logger)
	t.Cleanup(producer.Close)

	guards := resilience.NewRegistry(cfg, logger)

	// Position loader.
	src := &fakeSource{snaps: make(map[int64]*core.AccountSnapshot)}
	steps := loader.NewEODSteps(src, store, repo, guards, cfg.EOD.ValidationErrorThreshold, logger)
	loaderPool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "e2e-loader", MaxWorkers: 4, MaxCapacity: 32}, logger)
	t.Cleanup(loaderPool.Stop)
	loaderSvc := loader.NewService(cfg, loader.Deps{
		Store:    store,
		Refdata:  repo,
		Idem:     idempotency.NewStore(kvStore, time.Hour, logger),
		Leases:   kvStore,
		Engine:   simple.NewSimpleEngine(steps, logger),
		Broker:   broker,
		Producer: producer,
		Guards:   guards,
		Pool:     loaderPool,
		Logger:   logger,
	})

	// Price service.
	cache := pricecache.NewTwoTier(pricecache.OptionsFromConfig(cfg.Pricing), kvStore, priceRepo, logger)
	flusher := pricecache.NewFlusher(priceRepo, time.Duration(cfg.Pricing.DirtyFlushIntervalMs)*time.Millisecond, logger)
	resolver := refdata.NewResolver(repo, logger)
	pricingPool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "e2e-pricing", MaxWorkers: 4, MaxCapacity: 64}, logger)
	t.Cleanup(pricingPool.Stop)
	pusher := newFakePusher()
	pricingSvc := pricing.NewService(cfg, pricing.Deps{
		Cache:    cache,
		Flusher:  flusher,
		Store:    store,
		Refdata:  repo,
		Resolver: resolver,
		Index:    revindex.New(logger),
		Idem:     idempotency.NewStore(kvStore, time.Hour, logger),
		Broker:   broker,
		Producer: producer,
		Pusher:   pusher,
		Notifier: pricing.NewDirectNotifier(logger),
		Guards:   guards,
		Pool:     pricingPool,
		Logger:   logger,
	})

	// Trade aggregator.
	channel := tradechannel.NewSimulated(logger)
	t.Cleanup(func() { _ = channel.Close() })
	tradesSvc := trades.NewService(cfg, trades.Deps{
		Store:    tstore,
		States:   trades.NewStateStore(kvStore, time.Duration(cfg.Trades.StateTTLHours)*time.Hour, logger),
		Idem:     idempotency.NewStore(kvStore, time.Hour, logger),
		Broker:   broker,
		Producer: producer,
		Channel:  channel,
		Guards:   guards,
		Logger:   logger,
	})

	return &platform{
		loaderSvc:  loaderSvc,
		pricingSvc: pricingSvc,
		tradesSvc:  tradesSvc,
		src:        src,
		store:      store,
		repo:       repo,
		tstore:     tstore,
		cache:      cache,
		broker:     broker,
		produce:    producer,
		pusher:     pusher,
		channel:    channel,
		cfg:        cfg,
	}
}

// start brings the platform up in dependency order: the price service first
// so no change event is missed, then the loader and the aggregator.
func (p *platform) start(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.pricingSvc.Start(ctx))
	t.Cleanup(func() { _ = p.pricingSvc.Stop() })
	require.NoError(t, p.loaderSvc.Start(ctx))
	t.Cleanup(p.loaderSvc.Stop)
	require.NoError(t, p.tradesSvc.Start(ctx))
	t.Cleanup(p.tradesSvc.Stop)
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

func snapRow(productID int64, ticker, issueCcy, qty, px string) core.SnapshotRow {
	return core.SnapshotRow{
		ProductID:     productID,
		Ticker:        ticker,
		AssetClass:    core.AssetEquity,
		IssueCurrency: issueCcy,
		Quantity:      decimal.RequireFromString(qty),
		TxnType:       "POSITION",
		Price:         decimal.RequireFromString(px),
	}
}

func entry(value string, ts time.Time) core.PriceEntry {
	return core.PriceEntry{Value: decimal.RequireFromString(value), Source: core.SourceRealtime, Timestamp: ts}
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

// The upstream EOD trigger lands on the fabric, the loader swaps the batch
// in, and the price service revalues the account's holdings and pushes.
func TestEODTriggerFlowsToValuationPush(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	p.src.set(snapshot(1001, 7, snapRow(1, "SAP", "EUR", "100", "49")))
	now := time.Now()
	require.NoError(t, p.cache.PutPrice(ctx, 1, entry("50", now)))
	require.NoError(t, p.cache.PutFxRate(ctx, "EUR/USD", entry("1.08", now)))

	p.start(t)

	require.NoError(t, p.produce.PublishJSON(ctx, fabric.TopicEODTrigger, "1001", map[string]interface{}{
		"accountId":    1001,
		"businessDate": string(testDate),
	}))

	require.Eventually(t, func() bool {
		status, found, err := p.store.GetEODStatus(ctx, 1001, testDate)
		return err == nil && found && status.Status == core.EODCompleted
	}, 5*time.Second, 20*time.Millisecond, "EOD never completed")

	u := p.pusher.wait(t, func(u core.ValuationUpdate) bool {
		return u.AccountID == 1001 && u.ProductID == 1
	})
	assert.True(t, u.MVBase.Equal(decimal.RequireFromString("5400")), "mv base %s", u.MVBase)
	assert.Equal(t, "USD", u.BaseCcy)
	assert.True(t, u.FxRate.Equal(decimal.RequireFromString("1.08")))
}

// An order routed over the fabric fills in slices at the venue, completes in
// the aggregator, folds into the loader's positions and comes back out as a
// revalued push with the new quantity.
func TestOrderFillFlowsIntoPositionsAndRevalues(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	p.src.set(snapshot(1001, 7, snapRow(42, "EURUSD", "USD", "100", "1.05")))
	require.NoError(t, p.cache.PutPrice(ctx, 42, entry("1.05", time.Now())))

	p.start(t)
	_, err := p.loaderSvc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)

	p.channel.SetSlices(2)
	p.channel.SetPrice("EUR/USD", decimal.RequireFromString("1.0845"))

	req := core.OrderRequest{
		ClientOrderID: "ORD-E2E-1",
		AccountID:     1001,
		ProductID:     42,
		Symbol:        "EUR/USD",
		Side:          core.SideBuy,
		Quantity:      decimal.RequireFromString("100"),
		Timestamp:     time.Now().UTC(),
	}
	require.NoError(t, p.produce.PublishJSON(ctx, fabric.TopicOrders, req.ClientOrderID, req))

	require.Eventually(t, func() bool {
		sum, ok, err := p.tstore.GetSummary(ctx, "ORD-E2E-1")
		return err == nil && ok && sum.Status == core.OrderFilled
	}, 5*time.Second, 20*time.Millisecond, "order never filled")

	sum, _, err := p.tstore.GetSummary(ctx, "ORD-E2E-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.0845").Equal(sum.VWAP), "vwap %s", sum.VWAP)

	require.Eventually(t, func() bool {
		qty, err := p.store.GetQuantityAsOf(ctx, 1001, 42, time.Now())
		return err == nil && qty.Equal(decimal.RequireFromString("200"))
	}, 5*time.Second, 20*time.Millisecond, "fill never folded into the position")

	u := p.pusher.wait(t, func(u core.ValuationUpdate) bool {
		return u.AccountID == 1001 && u.ProductID == 42 &&
			u.Quantity.Equal(decimal.RequireFromString("200"))
	})
	assert.True(t, u.MVBase.Equal(decimal.RequireFromString("210")), "mv base %s", u.MVBase)
}

// A redelivered trade completion event must not double-count the fill.
func TestTradeEventRedeliveryAppliedOnce(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	p.src.set(snapshot(1001, 7, snapRow(42, "EURUSD", "USD", "100", "1.05")))
	p.start(t)
	_, err := p.loaderSvc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)

	ev := core.IntradayTradeEvent{
		AccountID:     1001,
		ProductID:     42,
		Ticker:        "EURUSD",
		ClientOrderID: "ORD-REDELIVER",
		Side:          core.SideBuy,
		FilledQty:     decimal.RequireFromString("50"),
		VWAP:          decimal.RequireFromString("1.05"),
		Timestamp:     time.Now().UTC(),
	}
	require.NoError(t, p.produce.PublishJSON(ctx, fabric.TopicIntradayTrades, "1001", ev))

	require.Eventually(t, func() bool {
		qty, err := p.store.GetQuantityAsOf(ctx, 1001, 42, time.Now())
		return err == nil && qty.Equal(decimal.RequireFromString("150"))
	}, 5*time.Second, 20*time.Millisecond)

	// Different timestamp so the redelivery is a distinct fabric message.
	ev.Timestamp = ev.Timestamp.Add(time.Second)
	require.NoError(t, p.produce.PublishJSON(ctx, fabric.TopicIntradayTrades, "1001", ev))

	time.Sleep(300 * time.Millisecond)
	qty, err := p.store.GetQuantityAsOf(ctx, 1001, 42, time.Now())
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.RequireFromString("150")),
		"redelivered order must not re-apply, got %s", qty)
}

// Intraday snapshot rows carry external references; a replayed reference is
// dropped even when the payload differs.
func TestIntradayDuplicateExternalRefDropped(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()

	p.src.set(snapshot(1001, 7, snapRow(1, "SAP", "EUR", "100", "49")))
	p.start(t)
	_, err := p.loaderSvc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)

	row := snapRow(1, "SAP", "EUR", "150", "49")
	row.ExternalRefID = "REF-INTRA-1"
	require.NoError(t, p.produce.PublishJSON(ctx, fabric.TopicIntraday, "1001", snapshot(1001, 7, row)))

	require.Eventually(t, func() bool {
		qty, err := p.store.GetQuantityAsOf(ctx, 1001, 1, time.Now())
		return err == nil && qty.Equal(decimal.RequireFromString("150"))
	}, 5*time.Second, 20*time.Millisecond, "intraday row never applied")

	replay := snapRow(1, "SAP", "EUR", "999", "49")
	replay.ExternalRefID = "REF-INTRA-1"
	require.NoError(t, p.produce.PublishJSON(ctx, fabric.TopicIntraday, "1001", snapshot(1001, 7, replay)))

	time.Sleep(300 * time.Millisecond)
	qty, err := p.store.GetQuantityAsOf(ctx, 1001, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.RequireFromString("150")),
		"replayed external ref must not apply, got %s", qty)
}

// Sign-off fires once, after the last account of the client completes.
func TestClientSignoffAfterLastAccount(t *testing.T) {
	p := newPlatform(t)
	ctx := context.Background()
	signoffs := collect(t, p.broker, fabric.TopicClientSignoff)

	// Register the full hierarchy up front so the sign-off tracker knows
	// the client owns two accounts.
	require.NoError(t, p.repo.UpsertClient(ctx, core.Client{ID: 7, Name: "Client 7", BaseCurrency: "USD"}))
	require.NoError(t, p.repo.UpsertFund(ctx, core.Fund{ID: 70, ClientID: 7, Name: "Fund 70", BaseCurrency: "USD"}))
	require.NoError(t, p.repo.UpsertAccount(ctx, core.Account{ID: 1001, FundID: 70, Number: "ACC-1001", Type: "HEDGE", BaseCurrency: "USD"}))
	require.NoError(t, p.repo.UpsertAccount(ctx, core.Account{ID: 1002, FundID: 70, Number: "ACC-1002", Type: "HEDGE", BaseCurrency: "USD"}))

	p.src.set(snapshot(1001, 7, snapRow(1, "SAP", "EUR", "100", "49")))
	p.src.set(snapshot(1002, 7, snapRow(2, "BMW", "EUR", "10", "88")))

	_, err := p.loaderSvc.RunEOD(ctx, 1001, testDate)
	require.NoError(t, err)

	select {
	case <-signoffs:
		t.Fatal("sign-off fired before every account completed")
	case <-time.After(200 * time.Millisecond):
	}

	_, err = p.loaderSvc.RunEOD(ctx, 1002, testDate)
	require.NoError(t, err)

	select {
	case msg := <-signoffs:
		assert.Equal(t, "7", msg.Key)
		var ev core.SignoffEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, int64(7), ev.ClientID)
		assert.Equal(t, testDate, ev.BusinessDate)
		assert.Equal(t, 2, ev.AccountCount)
	case <-time.After(2 * time.Second):
		t.Fatal("no sign-off after the last account completed")
	}
}
