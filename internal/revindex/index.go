// Package revindex maintains the product-to-holders reverse index the price
// service uses to fan a tick out to affected accounts without scanning
// position tables.
package revindex

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"fx_platform/internal/core"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/telemetry"
)

// Index maps productID to the set of accounts currently holding it. It is
// rebuilt from the position store on startup and kept current by
// position-change events.
type Index struct {
	mu      sync.RWMutex
	holders map[int64]map[int64]struct{}
	byAcct  map[int64]map[int64]struct{}
	logger  core.ILogger
}

func New(logger core.ILogger) *Index {
	return &Index{
		holders: make(map[int64]map[int64]struct{}),
		byAcct:  make(map[int64]map[int64]struct{}),
		logger:  logger.WithField("component", "reverse_index"),
	}
}

// UpdatePosition records that an account holds (or no longer holds) a
// product. A zero quantity removes the membership.
func (i *Index) UpdatePosition(accountID, productID int64, qty decimal.Decimal) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if qty.IsZero() {
		i.removeLocked(accountID, productID)
	} else {
		i.addLocked(accountID, productID)
	}
	i.gaugeLocked()
}

// AccountsHolding returns the accounts holding a product. The slice is a
// copy and safe to retain.
func (i *Index) AccountsHolding(productID int64) []int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	set, ok := i.holders[productID]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Products returns the product ids an account currently holds.
func (i *Index) Products(accountID int64) []int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	set, ok := i.byAcct[accountID]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// RefreshAccount resynchronizes one account's memberships against the
// position store, dropping products that disappeared from its holdings.
func (i *Index) RefreshAccount(ctx context.Context, store core.IPositionStore, accountID int64) error {
	rows, err := store.CurrentPositions(ctx, accountID)
	if err != nil {
		if errors.Is(err, apperrors.ErrBatchNotFound) {
			rows = nil
		} else {
			return err
		}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for productID := range i.byAcct[accountID] {
		i.removeLocked(accountID, productID)
	}
	for _, p := range rows {
		if p.Quantity.IsZero() || p.Excluded {
			continue
		}
		i.addLocked(accountID, p.ProductID)
	}
	i.gaugeLocked()
	return nil
}

// RebuildFrom repopulates the whole index from the current positions of
// the given accounts. Existing state is replaced.
func (i *Index) RebuildFrom(ctx context.Context, store core.IPositionStore, accountIDs []int64) error {
	holders := make(map[int64]map[int64]struct{})
	byAcct := make(map[int64]map[int64]struct{})

	for _, accountID := range accountIDs {
		rows, err := store.CurrentPositions(ctx, accountID)
		if err != nil {
			// Accounts that never completed an EOD simply contribute nothing.
			if errors.Is(err, apperrors.ErrBatchNotFound) {
				continue
			}
			return err
		}
		for _, p := range rows {
			if p.Quantity.IsZero() || p.Excluded {
				continue
			}
			if holders[p.ProductID] == nil {
				holders[p.ProductID] = make(map[int64]struct{})
			}
			holders[p.ProductID][accountID] = struct{}{}
			if byAcct[accountID] == nil {
				byAcct[accountID] = make(map[int64]struct{})
			}
			byAcct[accountID][p.ProductID] = struct{}{}
		}
	}

	i.mu.Lock()
	i.holders = holders
	i.byAcct = byAcct
	products := len(holders)
	i.gaugeLocked()
	i.mu.Unlock()

	i.logger.Info("Reverse index rebuilt", "accounts", len(accountIDs), "products", products)
	return nil
}

// Size returns the number of products with at least one holder.
func (i *Index) Size() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.holders)
}

func (i *Index) addLocked(accountID, productID int64) {
	if i.holders[productID] == nil {
		i.holders[productID] = make(map[int64]struct{})
	}
	i.holders[productID][accountID] = struct{}{}
	if i.byAcct[accountID] == nil {
		i.byAcct[accountID] = make(map[int64]struct{})
	}
	i.byAcct[accountID][productID] = struct{}{}
}

func (i *Index) removeLocked(accountID, productID int64) {
	if set, ok := i.holders[productID]; ok {
		delete(set, accountID)
		if len(set) == 0 {
			delete(i.holders, productID)
		}
	}
	if set, ok := i.byAcct[accountID]; ok {
		delete(set, productID)
		if len(set) == 0 {
			delete(i.byAcct, accountID)
		}
	}
}

func (i *Index) gaugeLocked() {
	telemetry.GetGlobalMetrics().SetReverseIndexSize("local", int64(len(i.holders)))
}
