package durable

import (
	"context"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"fx_platform/internal/core"
	"fx_platform/internal/engine"
)

// EODWorkflows defines the durable workflows for end-of-day loads. Each
// pipeline step runs as a DBOS step so a crashed load resumes after the
// last completed step instead of refetching and reinserting.
type EODWorkflows struct {
	runner engine.Runner
}

func NewEODWorkflows(runner engine.Runner) *EODWorkflows {
	return &EODWorkflows{runner: runner}
}

// RunEOD is the durable EOD pipeline for one account.
func (w *EODWorkflows) RunEOD(ctx dbos.DBOSContext, input any) (any, error) {
	req := input.(engine.EODRequest)

	// 1. Fetch upstream snapshot (Step)
	snapRaw, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return w.runner.FetchSnapshot(ctx, req.AccountID, req.BusinessDate)
	})
	if err != nil {
		return engine.Result{}, err
	}
	snap := snapRaw.(*core.AccountSnapshot)

	// 2. Validate and build rows (Step)
	rowsRaw, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return w.runner.BuildPositions(ctx, snap)
	})
	if err != nil {
		return engine.Result{}, err
	}
	rows := rowsRaw.([]core.Position)

	// 3. Compare against the active batch (Step)
	unchangedRaw, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return w.runner.UnchangedFromActive(ctx, req.AccountID, rows)
	})
	if err != nil {
		return engine.Result{}, err
	}
	if unchangedRaw.(bool) {
		return engine.Result{PositionCount: len(rows), NoOp: true}, nil
	}

	// 4. Reserve batch and insert rows (Step)
	batchRaw, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return w.runner.LoadBatch(ctx, snap, rows)
	})
	if err != nil {
		return engine.Result{}, err
	}
	batchID := batchRaw.(int64)

	// 5. Activate (Step)
	_, err = ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return nil, w.runner.ActivateBatch(ctx, req.AccountID, batchID)
	})
	if err != nil {
		return engine.Result{BatchID: batchID, PositionCount: len(rows)}, err
	}

	return engine.Result{BatchID: batchID, PositionCount: len(rows)}, nil
}
