// Package core defines the shared domain types and interfaces for the FX
// position platform.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceEntry is one cached price or FX value with its provenance.
type PriceEntry struct {
	Value     decimal.Decimal
	Source    PriceSource
	Timestamp time.Time
	// Stale is set on reads that fall past the per-source maximum age so the
	// valuation path can surface a warning instead of failing.
	Stale bool
}

// IIdempotencyStore tracks processed external references for a TTL window.
type IIdempotencyStore interface {
	IsDuplicate(ctx context.Context, ref string) bool
	MarkProcessed(ctx context.Context, ref string)
	// CheckAndMark atomically claims ref; true iff the caller is the first.
	CheckAndMark(ctx context.Context, ref string) bool
	FilterDuplicates(ctx context.Context, refs []string) []string
	MarkProcessedBatch(ctx context.Context, refs []string)
}

// IPriceCache is the two-tier price and FX cache owned by the price service.
type IPriceCache interface {
	GetPrice(ctx context.Context, productID int64) (PriceEntry, bool)
	PutPrice(ctx context.Context, productID int64, entry PriceEntry) error
	EvictPrice(ctx context.Context, productID int64)
	GetFxRate(ctx context.Context, pair string) (PriceEntry, bool)
	PutFxRate(ctx context.Context, pair string, entry PriceEntry) error
	EvictFxRate(ctx context.Context, pair string)
}

// IPositionStore is the batched, bitemporal position store.
type IPositionStore interface {
	GetActiveBatchID(ctx context.Context, accountID int64) (int64, error)
	CreateBatch(ctx context.Context, accountID int64) (int64, error)
	InsertPositions(ctx context.Context, accountID, batchID int64, rows []Position) error
	UpdatePositions(ctx context.Context, accountID int64, rows []Position) error
	ActivateBatch(ctx context.Context, accountID, batchID int64) error
	ClearBatch(ctx context.Context, accountID, batchID int64) error
	GetPositionsAsOf(ctx context.Context, accountID int64, businessDate BusinessDate) ([]Position, error)
	GetQuantityAsOf(ctx context.Context, accountID, productID int64, systemInstant time.Time) (decimal.Decimal, error)
	CurrentPositions(ctx context.Context, accountID int64) ([]Position, error)
}

// IReverseIndex maps a product to the accounts currently holding it.
type IReverseIndex interface {
	UpdatePosition(accountID, productID int64, qty decimal.Decimal)
	AccountsHolding(productID int64) []int64
	RebuildFrom(ctx context.Context, store IPositionStore, accountIDs []int64) error
}

// ISymbologyResolver maps external identifiers to internal product ids.
type ISymbologyResolver interface {
	ResolveTicker(ticker string) (int64, bool)
	Refresh(ctx context.Context) error
}

// IKVStore is the shared short-lived key/value store. Loss of its contents
// must never corrupt a system of record.
type IKVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes only if the key is absent; true iff the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ILeaseManager hands out named exclusive leases (per-account EOD lock).
type ILeaseManager interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

// ISnapshotSource fetches authoritative position snapshots from the upstream
// portfolio feed.
type ISnapshotSource interface {
	FetchSnapshot(ctx context.Context, accountID int64, businessDate BusinessDate) (*AccountSnapshot, error)
	CheckHealth(ctx context.Context) error
}

// ITradeChannel is the opaque order/fill channel to the execution venue.
type ITradeChannel interface {
	SendOrder(ctx context.Context, req OrderRequest) error
	Reports() <-chan ExecutionReport
	CheckHealth(ctx context.Context) error
	Close() error
}

// INotifier is the best-effort direct notification path for position-change
// events; the messaging fabric remains the fallback.
type INotifier interface {
	Notify(ctx context.Context, event PositionChangeEvent) error
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
