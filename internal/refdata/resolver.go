package refdata

import (
	"context"
	"sync"

	"fx_platform/internal/core"
)

// Resolver is the fully cached symbology and reference lookup used on the
// tick hot path. One memory read per incoming tick; Refresh replaces the
// whole cache from the repository on change notification.
type Resolver struct {
	repo   *Repository
	logger core.ILogger

	mu       sync.RWMutex
	byTicker map[string]int64
	products map[int64]core.Product
	accounts map[int64]core.Account
}

// NewResolver creates an empty resolver; call Refresh before first use.
func NewResolver(repo *Repository, logger core.ILogger) *Resolver {
	return &Resolver{
		repo:     repo,
		logger:   logger.WithField("component", "symbology_resolver"),
		byTicker: make(map[string]int64),
		products: make(map[int64]core.Product),
		accounts: make(map[int64]core.Account),
	}
}

// ResolveTicker maps a ticker to its internal product id. A miss means the
// caller falls back to the raw identifier carried in the tick.
func (r *Resolver) ResolveTicker(ticker string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTicker[ticker]
	return id, ok
}

// Product returns the cached product row for an id.
func (r *Resolver) Product(productID int64) (core.Product, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[productID]
	return p, ok
}

// Account returns the cached account row for an id; the valuation path uses
// its base currency for the FX leg.
func (r *Resolver) Account(accountID int64) (core.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[accountID]
	return a, ok
}

// Refresh replaces the cache from the reference tables. Called on startup
// and on every position-change notification.
func (r *Resolver) Refresh(ctx context.Context) error {
	products, err := r.repo.ListActiveProducts(ctx)
	if err != nil {
		return err
	}
	accounts, err := r.repo.ListAccounts(ctx)
	if err != nil {
		return err
	}

	byTicker := make(map[string]int64, len(products))
	byID := make(map[int64]core.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
		if p.Ticker != "" {
			byTicker[p.Ticker] = p.ID
		}
	}
	byAccount := make(map[int64]core.Account, len(accounts))
	for _, a := range accounts {
		byAccount[a.ID] = a
	}

	r.mu.Lock()
	r.byTicker = byTicker
	r.products = byID
	r.accounts = byAccount
	r.mu.Unlock()

	r.logger.Debug("Symbology cache refreshed", "products", len(byID), "accounts", len(byAccount))
	return nil
}
