// Package trades aggregates execution reports into order state, durable
// summaries and intraday trade events. The fills log is append-only and
// unique on execution id; order accumulation lives in the short-term KV
// store and is rebuildable from the log.
package trades

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"fx_platform/internal/core"
	"fx_platform/internal/storage"
	apperrors "fx_platform/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS fills (
	exec_id         TEXT PRIMARY KEY,
	client_order_id TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	last_qty        TEXT NOT NULL,
	last_px         TEXT NOT NULL,
	cum_qty         TEXT NOT NULL,
	status          TEXT NOT NULL,
	ts              INTEGER NOT NULL,
	recorded_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_fills_order ON fills(client_order_id, ts);

CREATE TABLE IF NOT EXISTS order_summary (
	client_order_id TEXT PRIMARY KEY,
	account_id      INTEGER NOT NULL,
	product_id      INTEGER NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	filled_qty      TEXT NOT NULL,
	notional        TEXT NOT NULL,
	vwap            TEXT NOT NULL,
	status          TEXT NOT NULL,
	fill_count      INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_summary_account ON order_summary(account_id, status);

CREATE TABLE IF NOT EXISTS forward_contracts (
	id              TEXT PRIMARY KEY,
	client_order_id TEXT NOT NULL,
	account_id      INTEGER NOT NULL,
	pair            TEXT NOT NULL,
	notional        TEXT NOT NULL,
	forward_rate    TEXT NOT NULL,
	maturity_date   TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_forwards_maturity ON forward_contracts(maturity_date);
`

// terminalSet is the SQL literal of statuses that accept no further fills.
const terminalSet = `('FILLED','REJECTED','CANCELED','ORPHANED')`

// Store persists fills, order summaries and forward contracts.
type Store struct {
	db     *sql.DB
	logger core.ILogger
}

// NewStore creates the store and ensures its schema exists.
func NewStore(db *sql.DB, logger core.ILogger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, storage.Classify(err)
	}
	return &Store{
		db:     db,
		logger: logger.WithField("component", "trade_store"),
	}, nil
}

// AppendFill writes one execution report to the fills log. The primary key
// on exec_id makes the log the on-disk idempotency record; a duplicate maps
// to ErrDuplicateRef so callers can drop it silently.
func (s *Store) AppendFill(ctx context.Context, rep core.ExecutionReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (exec_id, client_order_id, symbol, side, last_qty, last_px, cum_qty, status, ts, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.ExecID, rep.ClientOrderID, rep.Symbol, string(rep.Side),
		rep.LastQty.String(), rep.LastPx.String(), rep.CumQty.String(),
		string(rep.Status), storage.ToMicros(rep.Timestamp), storage.ToMicros(time.Now()))
	if err != nil {
		if storage.IsConstraint(err) {
			return apperrors.Wrap(apperrors.CodeIdempotencyViolation, apperrors.ErrDuplicateRef).
				With("exec_id", rep.ExecID)
		}
		return storage.Classify(err)
	}
	return nil
}

// FillsForOrder returns the logged fills of one order in arrival order.
func (s *Store) FillsForOrder(ctx context.Context, clientOrderID string) ([]core.ExecutionReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT exec_id, client_order_id, symbol, side, last_qty, last_px, cum_qty, status, ts
		FROM fills WHERE client_order_id = ? ORDER BY ts, recorded_at`, clientOrderID)
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer rows.Close()

	var fills []core.ExecutionReport
	for rows.Next() {
		var (
			rep                     core.ExecutionReport
			side, status            string
			lastQty, lastPx, cumQty string
			ts                      int64
		)
		if err := rows.Scan(&rep.ExecID, &rep.ClientOrderID, &rep.Symbol, &side,
			&lastQty, &lastPx, &cumQty, &status, &ts); err != nil {
			return nil, storage.Classify(err)
		}
		rep.Side = core.Side(side)
		rep.Status = core.OrderStatus(status)
		rep.Timestamp = storage.FromMicros(ts)
		if rep.LastQty, err = decimal.NewFromString(lastQty); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidationFailed, err).With("exec_id", rep.ExecID)
		}
		if rep.LastPx, err = decimal.NewFromString(lastPx); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidationFailed, err).With("exec_id", rep.ExecID)
		}
		if rep.CumQty, err = decimal.NewFromString(cumQty); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidationFailed, err).With("exec_id", rep.ExecID)
		}
		fills = append(fills, rep)
	}
	return fills, rows.Err()
}

// UpsertSummary writes the durable roll-up row for an order. created_at is
// kept from the first write; a zero account or product id never overwrites
// an identity learned earlier (fills can arrive before the order request).
func (s *Store) UpsertSummary(ctx context.Context, sum core.OrderSummary) error {
	now := storage.ToMicros(time.Now())
	createdAt := storage.ToMicros(sum.CreatedAt)
	if sum.CreatedAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_summary (client_order_id, account_id, product_id, symbol, side,
			filled_qty, notional, vwap, status, fill_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			account_id = CASE WHEN excluded.account_id > 0 THEN excluded.account_id ELSE order_summary.account_id END,
			product_id = CASE WHEN excluded.product_id > 0 THEN excluded.product_id ELSE order_summary.product_id END,
			symbol     = excluded.symbol,
			side       = excluded.side,
			filled_qty = excluded.filled_qty,
			notional   = excluded.notional,
			vwap       = excluded.vwap,
			status     = excluded.status,
			fill_count = excluded.fill_count,
			updated_at = excluded.updated_at`,
		sum.ClientOrderID, sum.AccountID, sum.ProductID, sum.Symbol, string(sum.Side),
		sum.FilledQty.String(), sum.Notional.String(), sum.VWAP.String(),
		string(sum.Status), sum.FillCount, createdAt, now)
	if err != nil {
		return storage.Classify(err)
	}
	return nil
}

// GetSummary returns the durable roll-up of one order.
func (s *Store) GetSummary(ctx context.Context, clientOrderID string) (core.OrderSummary, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_order_id, account_id, product_id, symbol, side,
			filled_qty, notional, vwap, status, fill_count, created_at, updated_at
		FROM order_summary WHERE client_order_id = ?`, clientOrderID)
	sum, err := scanSummary(row.Scan)
	if err == sql.ErrNoRows {
		return core.OrderSummary{}, false, nil
	}
	if err != nil {
		return core.OrderSummary{}, false, err
	}
	return sum, true, nil
}

// ListOpenOrders returns every summary in a non-terminal status.
func (s *Store) ListOpenOrders(ctx context.Context) ([]core.OrderSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_order_id, account_id, product_id, symbol, side,
			filled_qty, notional, vwap, status, fill_count, created_at, updated_at
		FROM order_summary WHERE status NOT IN `+terminalSet+` ORDER BY created_at`)
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer rows.Close()

	var open []core.OrderSummary
	for rows.Next() {
		sum, err := scanSummary(rows.Scan)
		if err != nil {
			return nil, err
		}
		open = append(open, sum)
	}
	return open, rows.Err()
}

// CountOpenOrders returns non-terminal order counts keyed by symbol, for the
// open-orders gauge.
func (s *Store) CountOpenOrders(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, COUNT(*) FROM order_summary
		WHERE status NOT IN `+terminalSet+` GROUP BY symbol`)
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var symbol string
		var n int64
		if err := rows.Scan(&symbol, &n); err != nil {
			return nil, storage.Classify(err)
		}
		counts[symbol] = n
	}
	return counts, rows.Err()
}

// MarkOrphaned moves a non-terminal summary to ORPHANED. Returns false when
// the order is unknown or already terminal.
func (s *Store) MarkOrphaned(ctx context.Context, clientOrderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_summary SET status = ?, updated_at = ?
		WHERE client_order_id = ? AND status NOT IN `+terminalSet,
		string(core.OrderOrphaned), storage.ToMicros(time.Now()), clientOrderID)
	if err != nil {
		return false, storage.Classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Classify(err)
	}
	return n > 0, nil
}

// ReopenOrder moves an ORPHANED summary back to PARTIALLY_FILLED or NEW so it
// accepts fills again. Only orphaned orders can be reopened.
func (s *Store) ReopenOrder(ctx context.Context, clientOrderID string) (core.OrderSummary, error) {
	sum, ok, err := s.GetSummary(ctx, clientOrderID)
	if err != nil {
		return core.OrderSummary{}, err
	}
	if !ok {
		return core.OrderSummary{}, apperrors.Wrap(apperrors.CodeBatchNotFound, apperrors.ErrBatchNotFound).
			With("client_order_id", clientOrderID)
	}
	if sum.Status != core.OrderOrphaned {
		return core.OrderSummary{}, apperrors.Newf(apperrors.CodeOrderTerminal,
			"order %s is %s, only orphaned orders reopen", clientOrderID, sum.Status)
	}

	next := core.OrderNew
	if sum.FilledQty.IsPositive() {
		next = core.OrderPartiallyFilled
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE order_summary SET status = ?, updated_at = ? WHERE client_order_id = ?`,
		string(next), storage.ToMicros(time.Now()), clientOrderID)
	if err != nil {
		return core.OrderSummary{}, storage.Classify(err)
	}
	sum.Status = next
	s.logger.Info("Order reopened", "client_order_id", clientOrderID, "status", string(next))
	return sum, nil
}

// InsertForward records a contract derived from an executed forward order.
func (s *Store) InsertForward(ctx context.Context, fc core.ForwardContract) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forward_contracts (id, client_order_id, account_id, pair, notional, forward_rate, maturity_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fc.ID, fc.ClientOrderID, fc.AccountID, fc.Pair,
		fc.Notional.String(), fc.ForwardRate.String(), string(fc.MaturityDate),
		storage.ToMicros(fc.CreatedAt))
	if err != nil {
		if storage.IsConstraint(err) {
			return apperrors.Wrap(apperrors.CodeIdempotencyViolation, apperrors.ErrDuplicateRef).
				With("contract_id", fc.ID)
		}
		return storage.Classify(err)
	}
	return nil
}

// ListForwards returns all forward contracts ordered by maturity.
func (s *Store) ListForwards(ctx context.Context) ([]core.ForwardContract, error) {
	return s.queryForwards(ctx, `
		SELECT id, client_order_id, account_id, pair, notional, forward_rate, maturity_date, created_at
		FROM forward_contracts ORDER BY maturity_date, created_at`)
}

// ForwardsMaturingBy returns contracts with maturity on or before the date.
func (s *Store) ForwardsMaturingBy(ctx context.Context, date core.BusinessDate) ([]core.ForwardContract, error) {
	return s.queryForwards(ctx, `
		SELECT id, client_order_id, account_id, pair, notional, forward_rate, maturity_date, created_at
		FROM forward_contracts WHERE maturity_date <= ? ORDER BY maturity_date, created_at`, string(date))
}

func (s *Store) queryForwards(ctx context.Context, query string, args ...interface{}) ([]core.ForwardContract, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer rows.Close()

	var fcs []core.ForwardContract
	for rows.Next() {
		var (
			fc                  core.ForwardContract
			notional, rate, mat string
			createdAt           int64
		)
		if err := rows.Scan(&fc.ID, &fc.ClientOrderID, &fc.AccountID, &fc.Pair,
			&notional, &rate, &mat, &createdAt); err != nil {
			return nil, storage.Classify(err)
		}
		fc.MaturityDate = core.BusinessDate(mat)
		fc.CreatedAt = storage.FromMicros(createdAt)
		if fc.Notional, err = decimal.NewFromString(notional); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidationFailed, err).With("contract_id", fc.ID)
		}
		if fc.ForwardRate, err = decimal.NewFromString(rate); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidationFailed, err).With("contract_id", fc.ID)
		}
		fcs = append(fcs, fc)
	}
	return fcs, rows.Err()
}

func scanSummary(scan func(dest ...interface{}) error) (core.OrderSummary, error) {
	var (
		sum                       core.OrderSummary
		side, status              string
		filledQty, notional, vwap string
		createdAt, updatedAt      int64
	)
	err := scan(&sum.ClientOrderID, &sum.AccountID, &sum.ProductID, &sum.Symbol, &side,
		&filledQty, &notional, &vwap, &status, &sum.FillCount, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return core.OrderSummary{}, err
	}
	if err != nil {
		return core.OrderSummary{}, storage.Classify(err)
	}
	sum.Side = core.Side(side)
	sum.Status = core.OrderStatus(status)
	sum.CreatedAt = storage.FromMicros(createdAt)
	sum.UpdatedAt = storage.FromMicros(updatedAt)
	if sum.FilledQty, err = decimal.NewFromString(filledQty); err != nil {
		return core.OrderSummary{}, apperrors.Wrap(apperrors.CodeValidationFailed, err).With("client_order_id", sum.ClientOrderID)
	}
	if sum.Notional, err = decimal.NewFromString(notional); err != nil {
		return core.OrderSummary{}, apperrors.Wrap(apperrors.CodeValidationFailed, err).With("client_order_id", sum.ClientOrderID)
	}
	if sum.VWAP, err = decimal.NewFromString(vwap); err != nil {
		return core.OrderSummary{}, apperrors.Wrap(apperrors.CodeValidationFailed, err).With("client_order_id", sum.ClientOrderID)
	}
	return sum, nil
}
