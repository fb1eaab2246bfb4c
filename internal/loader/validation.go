package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fx_platform/internal/core"
	"fx_platform/internal/refdata"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/telemetry"
)

// rowReject records one snapshot row that failed validation. The enclosing
// snapshot still loads unless the reject ratio crosses the configured
// threshold.
type rowReject struct {
	Index  int
	Ticker string
	Err    error
}

func (r rowReject) String() string {
	return fmt.Sprintf("row %d (%s): %v", r.Index, r.Ticker, r.Err)
}

func validCurrency(ccy string) bool {
	if len(ccy) != 3 {
		return false
	}
	for _, c := range ccy {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// validateRow checks one snapshot row. Per-row failures are non-retryable.
func validateRow(row core.SnapshotRow) error {
	if row.ProductID <= 0 {
		return apperrors.New(apperrors.CodeUnknownProduct, "row carries no product id")
	}
	if row.Ticker == "" {
		return apperrors.New(apperrors.CodeValidationFailed, "row carries no ticker")
	}
	if !validCurrency(row.IssueCurrency) {
		return apperrors.Newf(apperrors.CodeInvalidCurrency, "issue currency %q is not a 3-letter ISO code", row.IssueCurrency)
	}
	if row.Quantity.IsZero() {
		return apperrors.New(apperrors.CodeZeroQuantity, "zero quantity")
	}
	if row.Price.Sign() < 0 {
		return apperrors.Newf(apperrors.CodeValidationFailed, "negative price %s", row.Price)
	}
	if row.Price.Sign() == 0 && row.AssetClass != core.AssetCash {
		return apperrors.New(apperrors.CodeZeroPriceDetected, "zero price on priced asset")
	}
	return nil
}

// buildRow converts a validated snapshot row into a position. Valuation at
// load time is local only: the FX rate used is 1 and base figures mirror
// local figures until the price service revalues the account.
func buildRow(snap *core.AccountSnapshot, row core.SnapshotRow, sourceSystem string) core.Position {
	price := row.Price
	if price.Sign() == 0 && row.AssetClass == core.AssetCash {
		price = decimal.NewFromInt(1) // cash is carried at par in its own currency
	}
	mvLocal := row.Quantity.Mul(price)

	posType := core.PositionPhysical
	if row.AssetClass == core.AssetEquitySwap {
		posType = core.PositionSynthetic
	}

	return core.Position{
		AccountID:    snap.AccountID,
		ProductID:    row.ProductID,
		Quantity:     row.Quantity,
		PriceUsed:    price,
		FxRateUsed:   decimal.NewFromInt(1),
		MVLocal:      mvLocal,
		MVBase:       mvLocal,
		CostLocal:    mvLocal,
		CostBase:     mvLocal,
		UPLLocal:     decimal.Zero,
		UPLBase:      decimal.Zero,
		SourceSystem: sourceSystem,
		PositionType: posType,
		Excluded:     strings.EqualFold(row.TxnType, "EXCLUDED"),
		BusinessDate: snap.BusinessDate,
	}
}

// buildPositions validates every row of a snapshot and converts the accepted
// ones. Rejected rows are logged and counted; the whole snapshot fails only
// when the reject ratio exceeds threshold. An empty snapshot is valid and
// yields an empty batch.
func buildPositions(ctx context.Context, snap *core.AccountSnapshot, sourceSystem string, threshold float64, logger core.ILogger) ([]core.Position, error) {
	if snap.AccountID <= 0 {
		return nil, apperrors.New(apperrors.CodeValidationFailed, "snapshot carries no account id")
	}
	if !validCurrency(snap.BaseCurrency) {
		return nil, apperrors.Newf(apperrors.CodeInvalidCurrency, "base currency %q is not a 3-letter ISO code", snap.BaseCurrency)
	}
	if !snap.BusinessDate.Valid() {
		return nil, apperrors.Newf(apperrors.CodeValidationFailed, "invalid business date %q", snap.BusinessDate)
	}

	rows := make([]core.Position, 0, len(snap.Positions))
	var rejects []rowReject
	seen := make(map[int64]int, len(snap.Positions))

	for i, row := range snap.Positions {
		if err := validateRow(row); err != nil {
			rejects = append(rejects, rowReject{Index: i, Ticker: row.Ticker, Err: err})
			continue
		}
		if prev, dup := seen[row.ProductID]; dup {
			rejects = append(rejects, rowReject{Index: i, Ticker: row.Ticker,
				Err: apperrors.Newf(apperrors.CodeValidationFailed, "duplicate product %d (first at row %d)", row.ProductID, prev)})
			continue
		}
		seen[row.ProductID] = i
		rows = append(rows, buildRow(snap, row, sourceSystem))
	}

	for _, rej := range rejects {
		logger.Warn("Snapshot row rejected",
			"account_id", snap.AccountID, "business_date", string(snap.BusinessDate), "reject", rej.String())
		if m := telemetry.GetGlobalMetrics().ValidationRejectsTotal; m != nil {
			code, _ := apperrors.CodeOf(rej.Err)
			m.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(code))))
		}
	}

	if total := len(snap.Positions); total > 0 {
		ratio := float64(len(rejects)) / float64(total)
		if ratio > threshold {
			return nil, apperrors.Newf(apperrors.CodeValidationFailed,
				"%d of %d rows rejected (ratio %.2f exceeds threshold %.2f)", len(rejects), total, ratio, threshold)
		}
	}
	return rows, nil
}

// registerProducts upserts product reference rows for the snapshot rows that
// survived validation, so every loaded position joins to resolvable
// symbology. Snapshots carry ticker identity only; richer identifiers stay
// whatever a later feed writes.
func registerProducts(ctx context.Context, repo *refdata.Repository, snap *core.AccountSnapshot, accepted []core.Position) error {
	kept := make(map[int64]struct{}, len(accepted))
	for _, row := range accepted {
		kept[row.ProductID] = struct{}{}
	}
	for _, row := range snap.Positions {
		if _, ok := kept[row.ProductID]; !ok {
			continue
		}
		delete(kept, row.ProductID)
		if err := repo.UpsertProduct(ctx, core.Product{
			ID:             row.ProductID,
			IdentifierType: "TICKER",
			Identifier:     row.Ticker,
			Ticker:         row.Ticker,
			AssetClass:     row.AssetClass,
			IssueCurrency:  row.IssueCurrency,
			SettleCurrency: row.IssueCurrency,
			Active:         true,
		}); err != nil {
			return err
		}
	}
	return nil
}
