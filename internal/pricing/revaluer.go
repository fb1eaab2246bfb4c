package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/positions"
	"fx_platform/internal/refdata"
	"fx_platform/internal/resilience"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/fxmath"
	"fx_platform/pkg/telemetry"
)

// pivotCcy is the triangulation pivot for pairs with no direct or inverse
// quote.
const pivotCcy = "USD"

// Revaluer computes the market value of one holding from the latest cached
// price and FX chain. Stale legs tag the result instead of failing it; a
// zero or missing leg refuses the valuation.
type Revaluer struct {
	cache    core.IPriceCache
	resolver *refdata.Resolver
	store    *positions.Store
	guards   *resilience.Registry
	logger   core.ILogger
}

func NewRevaluer(cache core.IPriceCache, resolver *refdata.Resolver, store *positions.Store, guards *resilience.Registry, logger core.ILogger) *Revaluer {
	return &Revaluer{
		cache:    cache,
		resolver: resolver,
		store:    store,
		guards:   guards,
		logger:   logger.WithField("component", "revaluer"),
	}
}

// RevalueProduct values the account's holding of one product. A zero
// quantity returns a zero update with no error; callers skip the push.
func (r *Revaluer) RevalueProduct(ctx context.Context, accountID, productID int64) (core.ValuationUpdate, error) {
	started := time.Now()

	qty, err := resilience.Call(ctx, r.guards.Get(config.DepDatabase), func(ctx context.Context) (decimal.Decimal, error) {
		return r.store.GetQuantityAsOf(ctx, accountID, productID, time.Now())
	})
	if err != nil {
		return core.ValuationUpdate{}, err
	}
	if qty.IsZero() {
		return core.ValuationUpdate{}, nil
	}

	priceEntry, ok := r.cache.GetPrice(ctx, productID)
	if !ok {
		return core.ValuationUpdate{}, apperrors.Wrap(apperrors.CodePriceMiss, apperrors.ErrPriceMiss).
			With("product_id", productID)
	}
	if priceEntry.Value.Sign() <= 0 {
		return core.ValuationUpdate{}, apperrors.Newf(apperrors.CodeZeroPriceDetected,
			"cached price for product %d is not positive", productID)
	}

	product, ok := r.resolver.Product(productID)
	if !ok {
		return core.ValuationUpdate{}, apperrors.Wrap(apperrors.CodeUnknownProduct, apperrors.ErrUnknownProduct).
			With("product_id", productID)
	}
	account, ok := r.resolver.Account(accountID)
	if !ok {
		return core.ValuationUpdate{}, apperrors.Newf(apperrors.CodeValidationFailed,
			"account %d is not in the reference cache", accountID)
	}

	rate, fxStale, err := r.ResolveRate(ctx, product.IssueCurrency, account.BaseCurrency)
	if err != nil {
		return core.ValuationUpdate{}, err
	}

	stale := priceEntry.Stale || fxStale
	if stale {
		r.logger.Warn("Valuation uses stale market data",
			"account_id", accountID, "product_id", productID,
			"price_stale", priceEntry.Stale, "fx_stale", fxStale)
	}

	update := core.ValuationUpdate{
		AccountID: accountID,
		ProductID: productID,
		Ticker:    product.Ticker,
		Quantity:  qty,
		Price:     priceEntry.Value,
		FxRate:    rate,
		MVLocal:   fxmath.Notional(qty, priceEntry.Value),
		MVBase:    fxmath.MarketValue(qty, priceEntry.Value, rate),
		BaseCcy:   account.BaseCurrency,
		Stale:     stale,
		Timestamp: time.Now().UTC(),
	}

	m := telemetry.GetGlobalMetrics()
	if m.RevaluationsTotal != nil {
		m.RevaluationsTotal.Add(ctx, 1)
	}
	if m.RevalLatencyMs != nil {
		m.RevalLatencyMs.Record(ctx, float64(time.Since(started).Microseconds())/1000.0)
	}
	return update, nil
}

// ResolveRate resolves from -> to, trying the direct pair, the inverse pair,
// and finally triangulation through the pivot currency with fresh-or-inverse
// legs. The stale flag is set when any used leg was tagged stale. The
// analytics read models share this chain so a view and a push never disagree
// on a rate.
func (r *Revaluer) ResolveRate(ctx context.Context, from, to string) (decimal.Decimal, bool, error) {
	if from == to {
		return decimal.NewFromInt(1), false, nil
	}

	if rate, stale, ok := r.directOrInverse(ctx, from, to); ok {
		return rate, stale, nil
	}
	if from == pivotCcy || to == pivotCcy {
		return decimal.Zero, false, apperrors.Newf(apperrors.CodePriceMiss, "no rate for %s/%s", from, to)
	}

	legA, staleA, okA := r.directOrInverse(ctx, from, pivotCcy)
	legB, staleB, okB := r.directOrInverse(ctx, pivotCcy, to)
	if !okA || !okB {
		return decimal.Zero, false, apperrors.Newf(apperrors.CodePriceMiss,
			"no rate for %s/%s and no %s legs to triangulate", from, to, pivotCcy)
	}
	return fxmath.Triangulate(legA, legB), staleA || staleB, nil
}

func (r *Revaluer) directOrInverse(ctx context.Context, from, to string) (decimal.Decimal, bool, bool) {
	if entry, ok := r.cache.GetFxRate(ctx, from+"/"+to); ok && entry.Value.Sign() > 0 {
		return entry.Value, entry.Stale, true
	}
	if entry, ok := r.cache.GetFxRate(ctx, to+"/"+from); ok && entry.Value.Sign() > 0 {
		return fxmath.Invert(entry.Value), entry.Stale, true
	}
	return decimal.Zero, false, false
}
