package loader

import (
	"context"
	"fmt"
	"time"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/engine"
	"fx_platform/internal/resilience"
	apperrors "fx_platform/pkg/errors"
)

// ManualUpload loads an operator-supplied snapshot as a full batch swap, the
// same way an EOD run would, and records the acting operator in the audit
// trail. Unlike EOD it may override an already COMPLETED date: the batch is
// replaced while the terminal status stands.
func (s *Service) ManualUpload(ctx context.Context, snap *core.AccountSnapshot, actor string) (engine.Result, error) {
	if actor == "" {
		return engine.Result{}, apperrors.New(apperrors.CodeValidationFailed, "manual upload requires an actor")
	}
	if !core.OwnsAccount(snap.AccountID, s.cfg.Sharding.ShardIndex, s.cfg.Sharding.TotalShards) {
		return engine.Result{}, apperrors.Newf(apperrors.CodeValidationFailed,
			"account %d is owned by shard %d of %d, not this instance",
			snap.AccountID, int(abs64(snap.AccountID)%int64(s.cfg.Sharding.TotalShards)), s.cfg.Sharding.TotalShards)
	}
	if snap.BusinessDate == "" {
		snap.BusinessDate = core.NewBusinessDate(time.Now().UTC())
	}
	date := snap.BusinessDate

	rows, err := buildPositions(ctx, snap, "MANUAL:"+actor, s.cfg.EOD.ValidationErrorThreshold, s.logger)
	if err != nil {
		return engine.Result{}, err
	}

	lease := fmt.Sprintf("eod:%d:%s", snap.AccountID, date)
	ttl := time.Duration(s.cfg.EOD.LeaseTTLSeconds) * time.Second
	ok, err := s.leases.Acquire(ctx, lease, s.owner, ttl)
	if err != nil {
		return engine.Result{}, err
	}
	if !ok {
		return engine.Result{}, apperrors.Wrap(apperrors.CodeBatchConflict, apperrors.ErrLeaseHeld).
			With("account_id", snap.AccountID)
	}
	defer func() {
		if err := s.leases.Release(context.WithoutCancel(ctx), lease, s.owner); err != nil {
			s.logger.Warn("Lease release failed", "lease", lease, "error", err)
		}
	}()

	status, found, err := s.store.GetEODStatus(ctx, snap.AccountID, date)
	if err != nil {
		return engine.Result{}, err
	}
	completed := found && status.Status == core.EODCompleted
	if !completed {
		if err := s.store.TransitionEODStatus(ctx, snap.AccountID, date, core.EODInProgress, 0, ""); err != nil {
			return engine.Result{}, err
		}
	}

	guard := s.guards.Get(config.DepDatabase)
	batchID, err := resilience.Call(ctx, guard, func(ctx context.Context) (int64, error) {
		if err := s.refdata.EnsureHierarchy(ctx, snap); err != nil {
			return 0, err
		}
		if err := registerProducts(ctx, s.refdata, snap, rows); err != nil {
			return 0, err
		}
		id, err := s.store.CreateBatch(ctx, snap.AccountID)
		if err != nil {
			return 0, err
		}
		if err := s.store.InsertPositions(ctx, snap.AccountID, id, rows); err != nil {
			s.clearAbandoned(ctx, snap.AccountID, id)
			return 0, err
		}
		if err := s.store.ActivateBatch(ctx, snap.AccountID, id); err != nil {
			s.clearAbandoned(ctx, snap.AccountID, id)
			return 0, err
		}
		return id, nil
	})
	if err != nil {
		if !completed {
			if stErr := s.store.TransitionEODStatus(ctx, snap.AccountID, date, core.EODFailed, 0, err.Error()); stErr != nil {
				s.logger.Error("Failed to record FAILED status", "account_id", snap.AccountID, "error", stErr)
			}
		}
		return engine.Result{}, err
	}

	if !completed {
		if err := s.store.TransitionEODStatus(ctx, snap.AccountID, date, core.EODCompleted, len(rows), ""); err != nil {
			return engine.Result{}, err
		}
	}
	if auditErr := s.store.AppendAudit(ctx, actor, "MANUAL_UPLOAD",
		fmt.Sprintf("account:%d", snap.AccountID),
		fmt.Sprintf("business date %s, batch %d, %d rows", date, batchID, len(rows))); auditErr != nil {
		s.logger.Warn("Manual upload audit append failed", "account_id", snap.AccountID, "error", auditErr)
	}

	s.logger.Info("Manual upload activated",
		"account_id", snap.AccountID, "business_date", string(date), "actor", actor,
		"batch_id", batchID, "rows", len(rows))
	s.publishChange(ctx, snap.AccountID, core.EventManualUpload)
	s.maybeSignoff(ctx, snap.AccountID, date)
	return engine.Result{BatchID: batchID, PositionCount: len(rows)}, nil
}

func (s *Service) clearAbandoned(ctx context.Context, accountID, batchID int64) {
	if err := s.store.ClearBatch(ctx, accountID, batchID); err != nil {
		s.logger.Error("Failed to clear abandoned batch", "account_id", accountID, "batch_id", batchID, "error", err)
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
