// Package pricing is the price service core: it ingests market-data and FX
// ticks, maintains the two-tier cache and the durable price store, fans each
// tick out to holding accounts through the reverse index, and pushes
// conflated per-account revaluations to subscribers.
package pricing

import (
	"context"
	"sync"
	"time"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/fabric"
	"fx_platform/internal/positions"
	"fx_platform/internal/pricecache"
	"fx_platform/internal/refdata"
	"fx_platform/internal/resilience"
	"fx_platform/internal/revindex"
	"fx_platform/pkg/concurrency"
	apperrors "fx_platform/pkg/errors"
)

// Pusher delivers one valuation update to whoever subscribed to the account.
// The push hub implements it; a nil pusher disables the push path.
type Pusher interface {
	Push(accountID int64, update core.ValuationUpdate)
}

// Deps carries the service's collaborators.
type Deps struct {
	Cache    core.IPriceCache
	Flusher  *pricecache.Flusher
	Store    *positions.Store
	Refdata  *refdata.Repository
	Resolver *refdata.Resolver
	Index    *revindex.Index
	Idem     core.IIdempotencyStore
	Broker   *fabric.Broker
	Producer *fabric.Producer
	Pusher   Pusher
	Notifier *DirectNotifier
	Guards   *resilience.Registry
	Pool     *concurrency.WorkerPool
	Logger   core.ILogger
}

// Service wires tick ingestion to revaluation and push.
type Service struct {
	cfg      *config.Config
	cache    core.IPriceCache
	flusher  *pricecache.Flusher
	store    *positions.Store
	refdata  *refdata.Repository
	resolver *refdata.Resolver
	index    *revindex.Index
	idem     core.IIdempotencyStore
	broker   *fabric.Broker
	producer *fabric.Producer
	pusher   Pusher
	notifier *DirectNotifier
	guards   *resilience.Registry
	pool     *concurrency.WorkerPool
	logger   core.ILogger

	revaluer  *Revaluer
	conflator *Conflator
	bridge    *FeedBridge
	subs      []*fabric.Subscription

	// byCurrency maps an issue currency to the active products denominated
	// in it, for FX-tick fan-out.
	ccyMu      sync.RWMutex
	byCurrency map[string][]int64
}

func NewService(cfg *config.Config, d Deps) *Service {
	logger := d.Logger.WithField("component", "price_service")
	s := &Service{
		cfg:        cfg,
		cache:      d.Cache,
		flusher:    d.Flusher,
		store:      d.Store,
		refdata:    d.Refdata,
		resolver:   d.Resolver,
		index:      d.Index,
		idem:       d.Idem,
		broker:     d.Broker,
		producer:   d.Producer,
		pusher:     d.Pusher,
		notifier:   d.Notifier,
		guards:     d.Guards,
		pool:       d.Pool,
		logger:     logger,
		byCurrency: map[string][]int64{},
	}
	s.revaluer = NewRevaluer(d.Cache, d.Resolver, d.Store, d.Guards, d.Logger)
	s.conflator = NewConflator(
		time.Duration(cfg.Pricing.FlushIntervalMs)*time.Millisecond, d.Pool, s.flushAccount, d.Logger)
	return s
}

// Start warms the reference caches, rebuilds the reverse index from current
// positions, and begins consuming ticks and change events.
func (s *Service) Start(ctx context.Context) error {
	if err := s.resolver.Refresh(ctx); err != nil {
		return err
	}
	if err := s.rebuildIndex(ctx); err != nil {
		return err
	}
	s.refreshCurrencyIndex(ctx)

	if err := s.flusher.Start(ctx); err != nil {
		return err
	}
	s.conflator.Start(ctx)

	if err := s.startConsumers(ctx); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.Subscribe(s.onPositionChange)
	}

	if s.cfg.Pricing.FeedBridgeEnabled {
		s.bridge = NewFeedBridge(s.cfg.Pricing.FeedBridgeURL, s.producer, s.logger)
		s.bridge.Start()
	}

	s.logger.Info("Price service started",
		"flush_interval_ms", s.cfg.Pricing.FlushIntervalMs,
		"indexed_products", s.index.Size(),
		"feed_bridge", s.cfg.Pricing.FeedBridgeEnabled)
	return nil
}

// Stop tears the service down, draining the conflator and the dirty-price
// flusher so a clean shutdown does not lose queued work.
func (s *Service) Stop() error {
	if s.bridge != nil {
		s.bridge.Stop()
	}
	for _, sub := range s.subs {
		sub.Stop()
	}
	s.conflator.Stop()
	if err := s.flusher.Stop(); err != nil {
		s.logger.Error("Flusher stop failed", "error", err)
	}
	s.pool.Stop()
	s.logger.Info("Price service stopped")
	return nil
}

// Revaluer exposes the rate engine for read-model consumers that need FX
// conversion outside the tick path.
func (s *Service) Revaluer() *Revaluer { return s.revaluer }

func (s *Service) rebuildIndex(ctx context.Context) error {
	accounts, err := s.refdata.ListAccounts(ctx)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	return s.index.RebuildFrom(ctx, s.store, ids)
}

// refreshCurrencyIndex recomputes the currency-to-products fan-out map from
// the active product set. Failures keep the previous map.
func (s *Service) refreshCurrencyIndex(ctx context.Context) {
	products, err := s.refdata.ListActiveProducts(ctx)
	if err != nil {
		s.logger.Warn("Currency index refresh failed", "error", err)
		return
	}
	next := make(map[string][]int64)
	for _, p := range products {
		next[p.IssueCurrency] = append(next[p.IssueCurrency], p.ID)
	}
	s.ccyMu.Lock()
	s.byCurrency = next
	s.ccyMu.Unlock()
}

func (s *Service) productsInCurrency(ccy string) []int64 {
	s.ccyMu.RLock()
	defer s.ccyMu.RUnlock()
	return s.byCurrency[ccy]
}

// flushAccount is the conflator sink: revalue each dirty holding of the
// account and push the result. Misses and stale data never abort the batch.
func (s *Service) flushAccount(ctx context.Context, accountID int64, productIDs []int64) {
	if s.pusher == nil {
		return
	}
	for _, productID := range productIDs {
		update, err := s.revaluer.RevalueProduct(ctx, accountID, productID)
		if err != nil {
			if code, ok := apperrors.CodeOf(err); ok && code == apperrors.CodePriceMiss {
				s.logger.Debug("No price for holding, push skipped",
					"account_id", accountID, "product_id", productID)
			} else {
				s.logger.Warn("Revaluation failed",
					"account_id", accountID, "product_id", productID, "error", err)
			}
			continue
		}
		if update.Quantity.IsZero() {
			continue
		}
		s.pusher.Push(accountID, update)
	}
}

// conflateAccount marks every current holding of the account dirty.
func (s *Service) conflateAccount(accountID int64) {
	for _, productID := range s.index.Products(accountID) {
		s.conflator.Offer(accountID, productID)
	}
}
