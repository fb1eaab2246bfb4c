package integration

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/fabric"
	"fx_platform/internal/idempotency"
	"fx_platform/internal/kv"
	"fx_platform/internal/positions"
	"fx_platform/internal/pricecache"
	"fx_platform/internal/pricing"
	"fx_platform/internal/refdata"
	"fx_platform/internal/resilience"
	"fx_platform/internal/revindex"
	"fx_platform/internal/storage"
	"fx_platform/pkg/concurrency"
	"fx_platform/pkg/pushhub"
)

// pushStack is the price service with the real hub and socket server as its
// push path.
type pushStack struct {
	ws       *httptest.Server
	svc      *pricing.Service
	producer *fabric.Producer
	repo     *refdata.Repository
	store    *positions.Store
	cache    *pricecache.TwoTier
}

func newPushStack(t *testing.T) *pushStack {
	t.Helper()
	logger := &mockLogger{}
	cfg := config.DefaultConfig()
	cfg.Pricing.FlushIntervalMs = 20
	cfg.Pricing.DirtyFlushIntervalMs = 50
	cfg.Push.DialsPerIPPerSec = 100
	cfg.Push.DialBurstPerIP = 100

	db, err := storage.Open(filepath.Join(t.TempDir(), "push.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := positions.NewStore(db, logger)
	require.NoError(t, err)
	repo, err := refdata.NewRepository(db, logger)
	require.NoError(t, err)
	priceRepo, err := pricecache.NewRepository(db, logger)
	require.NoError(t, err)

	kvStore := kv.NewStore(kv.Config{SweepInterval: time.Minute}, logger)
	broker := fabric.NewBroker(fabric.Config{Partitions: 4, BufferPerPartition: 64, DedupWindow: time.Minute}, logger)
	producer := fabric.NewProducer(broker, logger)
	t.Cleanup(producer.Close)

	guards := resilience.NewRegistry(cfg, logger)
	cache := pricecache.NewTwoTier(pricecache.OptionsFromConfig(cfg.Pricing), kvStore, priceRepo, logger)
	flusher := pricecache.NewFlusher(priceRepo, time.Duration(cfg.Pricing.DirtyFlushIntervalMs)*time.Millisecond, logger)
	resolver := refdata.NewResolver(repo, logger)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "push-test", MaxWorkers: 4, MaxCapacity: 64}, logger)
	t.Cleanup(pool.Stop)

	hub := pushhub.NewHub(logger)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	t.Cleanup(hubCancel)
	go hub.Run(hubCtx)

	wsSrv := pushhub.NewServer(cfg.Push, hub, logger)
	ws := httptest.NewServer(wsSrv.Handler())
	t.Cleanup(ws.Close)

	svc := pricing.NewService(cfg, pricing.Deps{
		Cache:    cache,
		Flusher:  flusher,
		Store:    store,
		Refdata:  repo,
		Resolver: resolver,
		Index:    revindex.New(logger),
		Idem:     idempotency.NewStore(kvStore, time.Hour, logger),
		Broker:   broker,
		Producer: producer,
		Pusher:   hub,
		Notifier: pricing.NewDirectNotifier(logger),
		Guards:   guards,
		Pool:     pool,
		Logger:   logger,
	})

	return &pushStack{
		ws:       ws,
		svc:      svc,
		producer: producer,
		repo:     repo,
		store:    store,
		cache:    cache,
	}
}

func (s *pushStack) dial(t *testing.T, query string) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ws.URL, "http") + "/ws" + query
	conn, resp, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	// First frame on every connection is the welcome.
	var welcome pushhub.Message
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, pushhub.TypeWelcome, welcome.Type)
	return conn
}

func readValuation(t *testing.T, conn *gws.Conn) core.ValuationUpdate {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg pushhub.Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, pushhub.TypeValuation, msg.Type)

	raw, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	var u core.ValuationUpdate
	require.NoError(t, json.Unmarshal(raw, &u))
	return u
}

func seedHolding(t *testing.T, s *pushStack, accountID, productID int64, ticker, issueCcy, baseCcy, qty string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.repo.UpsertClient(ctx, core.Client{ID: 7, Name: "Client 7", BaseCurrency: baseCcy}))
	require.NoError(t, s.repo.UpsertFund(ctx, core.Fund{ID: 70, ClientID: 7, Name: "Fund 70", BaseCurrency: baseCcy}))
	require.NoError(t, s.repo.UpsertAccount(ctx, core.Account{ID: accountID, FundID: 70, Number: "ACC-PUSH", Type: "HEDGE", BaseCurrency: baseCcy}))
	require.NoError(t, s.repo.UpsertProduct(ctx, core.Product{
		ID:             productID,
		IdentifierType: "ISIN",
		Identifier:     "TESTPUSH0001",
		Ticker:         ticker,
		AssetClass:     core.AssetEquity,
		IssueCurrency:  issueCcy,
		SettleCurrency: issueCcy,
		RiskRegion:     "EMEA",
		Active:         true,
	}))

	batchID, err := s.store.CreateBatch(ctx, accountID)
	require.NoError(t, err)
	require.NoError(t, s.store.InsertPositions(ctx, accountID, batchID, []core.Position{{
		AccountID:    accountID,
		ProductID:    productID,
		Quantity:     decimal.RequireFromString(qty),
		PriceUsed:    decimal.Zero,
		FxRateUsed:   decimal.NewFromInt(1),
		SourceSystem: "TEST",
		PositionType: core.PositionPhysical,
		BusinessDate: testDate,
	}}))
	require.NoError(t, s.store.ActivateBatch(ctx, accountID, batchID))
}

// A market tick on the fabric reaches a subscribed socket as a valuation
// frame with the conflated revaluation.
func TestMarketTickReachesSubscribedSocket(t *testing.T) {
	s := newPushStack(t)
	ctx := context.Background()

	seedHolding(t, s, 1001, 1, "SAP", "EUR", "USD", "100")
	require.NoError(t, s.cache.PutFxRate(ctx, "EUR/USD", core.PriceEntry{
		Value: decimal.RequireFromString("1.08"), Source: core.SourceRealtime, Timestamp: time.Now(),
	}))

	require.NoError(t, s.svc.Start(ctx))
	t.Cleanup(func() { _ = s.svc.Stop() })

	subscribed := s.dial(t, "?accounts=1001")
	other := s.dial(t, "?accounts=2002")

	require.NoError(t, s.producer.PublishJSON(ctx, fabric.TopicMarketData, "1", core.PriceTick{
		ProductID:  1,
		Ticker:     "SAP",
		Price:      decimal.RequireFromString("50.25"),
		Currency:   "EUR",
		AssetClass: core.AssetEquity,
		Timestamp:  time.Now(),
		Source:     core.SourceRealtime,
	}))

	u := readValuation(t, subscribed)
	assert.Equal(t, int64(1001), u.AccountID)
	assert.Equal(t, int64(1), u.ProductID)
	assert.Equal(t, "SAP", u.Ticker)
	assert.True(t, u.MVBase.Equal(decimal.RequireFromString("5427")), "mv base %s", u.MVBase)
	assert.Equal(t, "USD", u.BaseCcy)

	// The socket watching another account stays quiet.
	require.NoError(t, other.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var stray pushhub.Message
	err := other.ReadJSON(&stray)
	require.Error(t, err, "unsubscribed socket received %+v", stray)
}

// A firehose socket (no account filter) sees every account's pushes.
func TestFirehoseSocketSeesAllAccounts(t *testing.T) {
	s := newPushStack(t)
	ctx := context.Background()

	seedHolding(t, s, 1001, 1, "SAP", "EUR", "EUR", "10")

	require.NoError(t, s.svc.Start(ctx))
	t.Cleanup(func() { _ = s.svc.Stop() })

	firehose := s.dial(t, "")

	require.NoError(t, s.producer.PublishJSON(ctx, fabric.TopicMarketData, "1", core.PriceTick{
		ProductID: 1, Ticker: "SAP", Price: decimal.RequireFromString("50"),
		Currency: "EUR", Timestamp: time.Now(), Source: core.SourceRealtime,
	}))

	u := readValuation(t, firehose)
	assert.Equal(t, int64(1001), u.AccountID)
	// Issue currency equals base currency, no FX leg.
	assert.True(t, u.FxRate.Equal(decimal.NewFromInt(1)))
	assert.True(t, u.MVBase.Equal(decimal.RequireFromString("500")), "mv base %s", u.MVBase)
}
