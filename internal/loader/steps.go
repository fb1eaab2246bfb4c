package loader

import (
	"context"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/engine"
	"fx_platform/internal/positions"
	"fx_platform/internal/refdata"
	"fx_platform/internal/resilience"
)

// SnapshotSource fetches an account position snapshot from the upstream
// position master.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, accountID int64, businessDate core.BusinessDate) (*core.AccountSnapshot, error)
}

// EODSteps implements the engine step contract over the platform stores.
// Every method is safe to re-run: a replayed step observes the state the
// first run left behind and converges instead of doubling work.
type EODSteps struct {
	source    SnapshotSource
	store     *positions.Store
	refdata   *refdata.Repository
	guards    *resilience.Registry
	threshold float64
	logger    core.ILogger
}

func NewEODSteps(source SnapshotSource, store *positions.Store, repo *refdata.Repository, guards *resilience.Registry, threshold float64, logger core.ILogger) *EODSteps {
	return &EODSteps{
		source:    source,
		store:     store,
		refdata:   repo,
		guards:    guards,
		threshold: threshold,
		logger:    logger.WithField("component", "eod_steps"),
	}
}

func (s *EODSteps) FetchSnapshot(ctx context.Context, accountID int64, businessDate core.BusinessDate) (*core.AccountSnapshot, error) {
	return resilience.Call(ctx, s.guards.Get(config.DepMSPMFeed), func(ctx context.Context) (*core.AccountSnapshot, error) {
		return s.source.FetchSnapshot(ctx, accountID, businessDate)
	})
}

func (s *EODSteps) BuildPositions(ctx context.Context, snap *core.AccountSnapshot) ([]core.Position, error) {
	return buildPositions(ctx, snap, "MSPM", s.threshold, s.logger)
}

func (s *EODSteps) UnchangedFromActive(ctx context.Context, accountID int64, rows []core.Position) (bool, error) {
	return resilience.Call(ctx, s.guards.Get(config.DepDatabase), func(ctx context.Context) (bool, error) {
		return s.store.ActiveBatchEquals(ctx, accountID, rows)
	})
}

// LoadBatch reserves a batch and fills it. A failed insert clears the
// reservation so a retry starts from a fresh batch id; the active batch is
// never touched here.
func (s *EODSteps) LoadBatch(ctx context.Context, snap *core.AccountSnapshot, rows []core.Position) (int64, error) {
	return resilience.Call(ctx, s.guards.Get(config.DepDatabase), func(ctx context.Context) (int64, error) {
		if err := s.refdata.EnsureHierarchy(ctx, snap); err != nil {
			return 0, err
		}
		if err := registerProducts(ctx, s.refdata, snap, rows); err != nil {
			return 0, err
		}
		batchID, err := s.store.CreateBatch(ctx, snap.AccountID)
		if err != nil {
			return 0, err
		}
		if err := s.store.InsertPositions(ctx, snap.AccountID, batchID, rows); err != nil {
			if clearErr := s.store.ClearBatch(ctx, snap.AccountID, batchID); clearErr != nil {
				s.logger.Error("Failed to clear reserved batch after insert failure",
					"account_id", snap.AccountID, "batch_id", batchID, "error", clearErr)
			}
			return 0, err
		}
		return batchID, nil
	})
}

func (s *EODSteps) ActivateBatch(ctx context.Context, accountID, batchID int64) error {
	return s.guards.Get(config.DepDatabase).Do(ctx, func(ctx context.Context) error {
		return s.store.ActivateBatch(ctx, accountID, batchID)
	})
}

var _ engine.Runner = (*EODSteps)(nil)
