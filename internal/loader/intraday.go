package loader

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/resilience"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/telemetry"
)

// ApplyIntraday applies an intraday snapshot delta to the account's active
// batch. Rows are deduplicated by their external reference; quantities are
// absolute (the upstream sends the resulting position, not a delta). Refs
// are marked processed only after the write lands, so a crash between the
// two replays the rows instead of losing them.
func (s *Service) ApplyIntraday(ctx context.Context, snap *core.AccountSnapshot) error {
	if !s.ownsAccount(ctx, snap.AccountID) {
		return nil
	}
	if snap.BusinessDate == "" {
		snap.BusinessDate = core.NewBusinessDate(time.Now().UTC())
	}

	rows, refs, err := s.freshIntradayRows(ctx, snap)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		s.logger.Debug("Intraday snapshot fully deduplicated", "account_id", snap.AccountID)
		return nil
	}

	if err := s.guards.Get(config.DepDatabase).Do(ctx, func(ctx context.Context) error {
		return registerProducts(ctx, s.refdata, snap, rows)
	}); err != nil {
		return err
	}
	if err := s.applyToActiveBatch(ctx, snap, rows); err != nil {
		return err
	}
	s.idem.MarkProcessedBatch(ctx, refs)

	if m := telemetry.GetGlobalMetrics().IntradayAppliedTotal; m != nil {
		m.Add(ctx, int64(len(rows)))
	}
	s.logger.Info("Intraday rows applied", "account_id", snap.AccountID, "rows", len(rows))
	s.publishChange(ctx, snap.AccountID, core.EventIntraday)
	return nil
}

// freshIntradayRows validates the snapshot and drops rows whose external
// reference was already processed. Every intraday row must carry a ref.
func (s *Service) freshIntradayRows(ctx context.Context, snap *core.AccountSnapshot) ([]core.Position, []string, error) {
	if snap.AccountID <= 0 {
		return nil, nil, apperrors.New(apperrors.CodeValidationFailed, "snapshot carries no account id")
	}

	rows := make([]core.Position, 0, len(snap.Positions))
	refs := make([]string, 0, len(snap.Positions))
	rejected := 0
	for i, row := range snap.Positions {
		err := validateRow(row)
		if err == nil && row.ExternalRefID == "" {
			err = apperrors.New(apperrors.CodeValidationFailed, "intraday row carries no external ref")
		}
		if err != nil {
			rejected++
			s.logger.Warn("Intraday row rejected", "account_id", snap.AccountID, "row", i, "ticker", row.Ticker, "error", err)
			if m := telemetry.GetGlobalMetrics().ValidationRejectsTotal; m != nil {
				m.Add(ctx, 1)
			}
			continue
		}

		ref := "intraday:" + row.ExternalRefID
		if s.idem.IsDuplicate(ctx, ref) {
			s.logger.Debug("Duplicate intraday row dropped", "account_id", snap.AccountID, "ref", row.ExternalRefID)
			if m := telemetry.GetGlobalMetrics().DuplicatesDroppedTotal; m != nil {
				m.Add(ctx, 1)
			}
			continue
		}
		rows = append(rows, buildRow(snap, row, "MSPA"))
		refs = append(refs, ref)
	}

	if total := len(snap.Positions); total > 0 {
		if ratio := float64(rejected) / float64(total); ratio > s.cfg.EOD.ValidationErrorThreshold {
			return nil, nil, apperrors.Newf(apperrors.CodeValidationFailed,
				"%d of %d intraday rows rejected (ratio %.2f)", rejected, total, ratio)
		}
	}
	return rows, refs, nil
}

// applyToActiveBatch writes rows into the account's active batch. An account
// that has never completed an EOD has no batch yet; the first intraday write
// bootstraps one so flow can start mid-day.
func (s *Service) applyToActiveBatch(ctx context.Context, snap *core.AccountSnapshot, rows []core.Position) error {
	guard := s.guards.Get(config.DepDatabase)
	err := guard.Do(ctx, func(ctx context.Context) error {
		return s.store.UpdatePositions(ctx, snap.AccountID, rows)
	})
	if err == nil || !errors.Is(err, apperrors.ErrBatchNotFound) {
		return err
	}

	s.logger.Info("No active batch, bootstrapping from intraday flow", "account_id", snap.AccountID)
	return guard.Do(ctx, func(ctx context.Context) error {
		if snap.ClientID > 0 {
			if err := s.refdata.EnsureHierarchy(ctx, snap); err != nil {
				return err
			}
		}
		batchID, err := s.store.CreateBatch(ctx, snap.AccountID)
		if err != nil {
			return err
		}
		if err := s.store.InsertPositions(ctx, snap.AccountID, batchID, rows); err != nil {
			if clearErr := s.store.ClearBatch(ctx, snap.AccountID, batchID); clearErr != nil {
				s.logger.Error("Failed to clear bootstrap batch", "account_id", snap.AccountID, "batch_id", batchID, "error", clearErr)
			}
			return err
		}
		return s.store.ActivateBatch(ctx, snap.AccountID, batchID)
	})
}

// ApplyTradeEvent folds a completed order from the trade aggregator into the
// position of its account. The fill quantity is a delta on the current
// holding, signed by side; the order id is the idempotency key.
func (s *Service) ApplyTradeEvent(ctx context.Context, ev core.IntradayTradeEvent) error {
	if !s.ownsAccount(ctx, ev.AccountID) {
		return nil
	}
	if ev.ProductID <= 0 || ev.ClientOrderID == "" {
		return apperrors.New(apperrors.CodeValidationFailed, "trade event carries no product or order id")
	}
	if ev.FilledQty.Sign() <= 0 {
		return apperrors.Newf(apperrors.CodeValidationFailed, "trade event filled quantity %s", ev.FilledQty)
	}

	ref := "trade:" + ev.ClientOrderID
	if s.idem.IsDuplicate(ctx, ref) {
		if m := telemetry.GetGlobalMetrics().DuplicatesDroppedTotal; m != nil {
			m.Add(ctx, 1)
		}
		return nil
	}

	delta := ev.FilledQty
	if ev.Side == core.SideSell {
		delta = delta.Neg()
	}

	guard := s.guards.Get(config.DepDatabase)
	current, err := resilience.Call(ctx, guard, func(ctx context.Context) (decimal.Decimal, error) {
		return s.store.GetQuantityAsOf(ctx, ev.AccountID, ev.ProductID, time.Now())
	})
	if err != nil {
		return err
	}
	qty := current.Add(delta)
	mvLocal := qty.Mul(ev.VWAP)

	row := core.Position{
		AccountID:    ev.AccountID,
		ProductID:    ev.ProductID,
		Quantity:     qty,
		PriceUsed:    ev.VWAP,
		FxRateUsed:   decimal.NewFromInt(1),
		MVLocal:      mvLocal,
		MVBase:       mvLocal,
		CostLocal:    mvLocal,
		CostBase:     mvLocal,
		UPLLocal:     decimal.Zero,
		UPLBase:      decimal.Zero,
		SourceSystem: "TRADE:" + ev.ClientOrderID,
		PositionType: core.PositionPhysical,
		BusinessDate: core.NewBusinessDate(ev.Timestamp),
	}
	snap := &core.AccountSnapshot{AccountID: ev.AccountID, BusinessDate: row.BusinessDate}
	if err := s.applyToActiveBatch(ctx, snap, []core.Position{row}); err != nil {
		return err
	}
	s.idem.MarkProcessed(ctx, ref)

	if m := telemetry.GetGlobalMetrics().IntradayAppliedTotal; m != nil {
		m.Add(ctx, 1)
	}
	s.logger.Info("Trade folded into position",
		"account_id", ev.AccountID, "product_id", ev.ProductID,
		"order_id", ev.ClientOrderID, "side", string(ev.Side),
		"delta", delta.String(), "quantity", qty.String())
	s.publishChange(ctx, ev.AccountID, core.EventIntraday)
	return nil
}
