// Package engine defines the contract between the position loader and the
// end-of-day load pipeline. The loader provides the step bodies through
// Runner; an engine decides how those steps execute: in-process for the
// simple engine, as durable workflow steps for the DBOS engine.
package engine

import (
	"context"

	"fx_platform/internal/core"
)

// EODRequest identifies one end-of-day load. It is the workflow input for
// the durable engine and must stay JSON-serializable.
type EODRequest struct {
	AccountID    int64             `json:"accountId"`
	BusinessDate core.BusinessDate `json:"businessDate"`
}

// Result is the outcome of one EOD pipeline run.
type Result struct {
	BatchID       int64 `json:"batchId"`
	PositionCount int   `json:"positionCount"`
	// NoOp is set when the fetched snapshot is identical to the active
	// batch; nothing was written and system time did not advance.
	NoOp bool `json:"noOp"`
}

// Runner supplies the side-effecting steps of one EOD load, in execution
// order. Implementations must keep each step idempotent: a durable engine
// may re-invoke a step after a crash.
type Runner interface {
	// FetchSnapshot pulls the authoritative snapshot from the upstream feed.
	FetchSnapshot(ctx context.Context, accountID int64, businessDate core.BusinessDate) (*core.AccountSnapshot, error)
	// BuildPositions validates the snapshot and derives position rows.
	BuildPositions(ctx context.Context, snap *core.AccountSnapshot) ([]core.Position, error)
	// UnchangedFromActive reports whether rows match the active batch
	// bit for bit, in which case the load is a no-op.
	UnchangedFromActive(ctx context.Context, accountID int64, rows []core.Position) (bool, error)
	// LoadBatch reserves a batch and inserts the rows into it.
	LoadBatch(ctx context.Context, snap *core.AccountSnapshot, rows []core.Position) (int64, error)
	// ActivateBatch atomically swaps the account's active batch.
	ActivateBatch(ctx context.Context, accountID, batchID int64) error
}

// Engine executes the EOD pipeline for one account.
type Engine interface {
	Start(ctx context.Context) error
	Stop() error
	RunEOD(ctx context.Context, req EODRequest) (Result, error)
}
