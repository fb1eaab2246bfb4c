// Package positions is the batched, bitemporal position store. Every fact is
// parameterised by business time (when the holding applies) and system time
// (when the platform knew it); both axes are half-open [from, to). Updates
// supersede: the prior row's system interval is closed and a fresh row opens,
// nothing is physically deleted. Batch activation is the single point where
// the readable position set changes.
package positions

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fx_platform/internal/core"
	"fx_platform/internal/storage"
	apperrors "fx_platform/pkg/errors"
)

// Batch lifecycle states.
const (
	BatchReserved   = "RESERVED"
	BatchActive     = "ACTIVE"
	BatchHistorical = "HISTORICAL"
	BatchCleared    = "CLEARED"
)

const schemaTmpl = `
CREATE TABLE IF NOT EXISTS batches (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id     INTEGER NOT NULL,
	state          TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	activated_at   INTEGER,
	deactivated_at INTEGER
);
CREATE INDEX IF NOT EXISTS ix_batches_account ON batches(account_id, state);

CREATE TABLE IF NOT EXISTS batch_control (
	account_id      INTEGER PRIMARY KEY,
	active_batch_id INTEGER NOT NULL REFERENCES batches(id)
);

CREATE TABLE IF NOT EXISTS positions (
	account_id    INTEGER NOT NULL,
	product_id    INTEGER NOT NULL,
	batch_id      INTEGER NOT NULL REFERENCES batches(id),
	quantity      TEXT NOT NULL,
	price_used    TEXT NOT NULL,
	fx_rate_used  TEXT NOT NULL,
	mv_local      TEXT NOT NULL,
	mv_base       TEXT NOT NULL,
	cost_local    TEXT NOT NULL,
	cost_base     TEXT NOT NULL,
	upl_local     TEXT NOT NULL,
	upl_base      TEXT NOT NULL,
	source_system TEXT NOT NULL,
	position_type TEXT NOT NULL,
	excluded      INTEGER NOT NULL DEFAULT 0,
	business_date TEXT NOT NULL,
	valid_from    INTEGER NOT NULL,
	valid_to      INTEGER NOT NULL,
	system_from   INTEGER NOT NULL,
	system_to     INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_positions_open
	ON positions(account_id, product_id, batch_id) WHERE system_to = %d;
CREATE INDEX IF NOT EXISTS ix_positions_batch ON positions(batch_id, system_to);
CREATE INDEX IF NOT EXISTS ix_positions_product ON positions(account_id, product_id);

CREATE TABLE IF NOT EXISTS eod_daily_status (
	account_id     INTEGER NOT NULL,
	business_date  TEXT NOT NULL,
	status         TEXT NOT NULL,
	completed_at   INTEGER,
	position_count INTEGER NOT NULL DEFAULT 0,
	error_text     TEXT NOT NULL DEFAULT '',
	updated_at     INTEGER NOT NULL,
	PRIMARY KEY (account_id, business_date)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	actor  TEXT NOT NULL,
	action TEXT NOT NULL,
	entity TEXT NOT NULL,
	detail TEXT NOT NULL,
	ts     INTEGER NOT NULL
);
`

// insertChunkSize keeps each multi-row INSERT under SQLite's bind limit.
const insertChunkSize = 40

// Store implements core.IPositionStore over SQLite.
type Store struct {
	db     *sql.DB
	logger core.ILogger

	// accountMu serializes batch activation and intraday supersession per
	// account. Values are *sync.Mutex.
	accountMu sync.Map

	cacheMu     sync.RWMutex
	activeBatch map[int64]int64
}

// NewStore creates the store and ensures its schema exists.
func NewStore(db *sql.DB, logger core.ILogger) (*Store, error) {
	schema := fmt.Sprintf(schemaTmpl, storage.OpenEnd.UnixMicro())
	if _, err := db.Exec(schema); err != nil {
		return nil, storage.Classify(err)
	}
	return &Store{
		db:          db,
		logger:      logger.WithField("component", "position_store"),
		activeBatch: make(map[int64]int64),
	}, nil
}

func (s *Store) lockAccount(accountID int64) func() {
	muAny, _ := s.accountMu.LoadOrStore(accountID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// GetActiveBatchID returns the account's active batch id, from cache when
// warm. Accounts that never completed an EOD have no active batch.
func (s *Store) GetActiveBatchID(ctx context.Context, accountID int64) (int64, error) {
	s.cacheMu.RLock()
	id, ok := s.activeBatch[accountID]
	s.cacheMu.RUnlock()
	if ok {
		return id, nil
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT active_batch_id FROM batch_control WHERE account_id = ?`, accountID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, apperrors.Wrap(apperrors.CodeBatchNotFound, apperrors.ErrBatchNotFound).With("account_id", accountID)
	}
	if err != nil {
		return 0, storage.Classify(err)
	}

	s.cacheMu.Lock()
	s.activeBatch[accountID] = id
	s.cacheMu.Unlock()
	return id, nil
}

// CreateBatch reserves a new non-active batch slot for the account.
func (s *Store) CreateBatch(ctx context.Context, accountID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (account_id, state, created_at) VALUES (?, ?, ?)`,
		accountID, BatchReserved, storage.ToMicros(time.Now()))
	if err != nil {
		return 0, storage.Classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storage.Classify(err)
	}
	s.logger.Debug("Batch reserved", "account_id", accountID, "batch_id", id)
	return id, nil
}

// InsertPositions writes rows into a reserved batch in bounded chunks. The
// open-row unique index rejects a duplicate (account, product) within the
// batch; the whole insert fails and the batch stays clearable.
func (s *Store) InsertPositions(ctx context.Context, accountID, batchID int64, rows []core.Position) error {
	if len(rows) == 0 {
		return nil
	}

	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM batches WHERE id = ? AND account_id = ?`, batchID, accountID).Scan(&state)
	if err == sql.ErrNoRows {
		return apperrors.Wrap(apperrors.CodeBatchNotFound, apperrors.ErrBatchNotFound).With("batch_id", batchID)
	}
	if err != nil {
		return storage.Classify(err)
	}
	if state != BatchReserved {
		return apperrors.Newf(apperrors.CodeBatchConflict, "batch %d is %s, not %s", batchID, state, BatchReserved)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := storage.ToMicros(time.Now())
	for start := 0; start < len(rows); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := insertChunk(ctx, tx, accountID, batchID, rows[start:end], now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.Classify(err)
	}
	s.logger.Debug("Positions inserted", "account_id", accountID, "batch_id", batchID, "rows", len(rows))
	return nil
}

func insertChunk(ctx context.Context, tx *sql.Tx, accountID, batchID int64, rows []core.Position, nowMicros int64) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO positions (account_id, product_id, batch_id, quantity, price_used,
		fx_rate_used, mv_local, mv_base, cost_local, cost_base, upl_local, upl_base,
		source_system, position_type, excluded, business_date, valid_from, valid_to, system_from, system_to) VALUES `)
	args := make([]interface{}, 0, len(rows)*20)
	openEnd := storage.OpenEnd.UnixMicro()
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		validFrom := storage.ToMicros(row.BusinessDate.Time())
		args = append(args,
			accountID, row.ProductID, batchID,
			row.Quantity.String(), row.PriceUsed.String(), row.FxRateUsed.String(),
			row.MVLocal.String(), row.MVBase.String(),
			row.CostLocal.String(), row.CostBase.String(),
			row.UPLLocal.String(), row.UPLBase.String(),
			row.SourceSystem, string(row.PositionType), boolToInt(row.Excluded),
			string(row.BusinessDate), validFrom, openEnd, nowMicros, openEnd,
		)
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return storage.Classify(err)
	}
	return nil
}

// UpdatePositions applies per-position upserts into the account's active
// batch. Each changed product's open row is superseded: the old row's system
// interval closes at now and a fresh open row is inserted.
func (s *Store) UpdatePositions(ctx context.Context, accountID int64, rows []core.Position) error {
	if len(rows) == 0 {
		return nil
	}
	unlock := s.lockAccount(accountID)
	defer unlock()

	batchID, err := s.GetActiveBatchID(ctx, accountID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := storage.ToMicros(time.Now())
	openEnd := storage.OpenEnd.UnixMicro()
	for _, row := range rows {
		// Close the current open row, if any.
		if _, err := tx.ExecContext(ctx,
			`UPDATE positions SET system_to = ? WHERE account_id = ? AND product_id = ? AND batch_id = ? AND system_to = ?`,
			now, accountID, row.ProductID, batchID, openEnd); err != nil {
			return storage.Classify(err)
		}
		if err := insertChunk(ctx, tx, accountID, batchID, []core.Position{row}, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.Classify(err)
	}
	s.logger.Debug("Positions updated", "account_id", accountID, "batch_id", batchID, "rows", len(rows))
	return nil
}

// ActivateBatch atomically swaps the account's active batch. The prior batch
// becomes historical with its activation window closed; readers observe the
// old set or the new set, never a mixture.
func (s *Store) ActivateBatch(ctx context.Context, accountID, batchID int64) error {
	unlock := s.lockAccount(accountID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM batches WHERE id = ? AND account_id = ?`, batchID, accountID).Scan(&state)
	if err == sql.ErrNoRows {
		return apperrors.Wrap(apperrors.CodeBatchNotFound, apperrors.ErrBatchNotFound).With("batch_id", batchID)
	}
	if err != nil {
		return storage.Classify(err)
	}
	if state != BatchReserved {
		return apperrors.Newf(apperrors.CodeBatchConflict, "batch %d is %s, cannot activate", batchID, state)
	}

	now := storage.ToMicros(time.Now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE batches SET state = ?, deactivated_at = ? WHERE account_id = ? AND state = ?`,
		BatchHistorical, now, accountID, BatchActive); err != nil {
		return storage.Classify(err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE batches SET state = ?, activated_at = ? WHERE id = ?`,
		BatchActive, now, batchID); err != nil {
		return storage.Classify(err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batch_control (account_id, active_batch_id) VALUES (?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET active_batch_id = excluded.active_batch_id`,
		accountID, batchID); err != nil {
		return storage.Classify(err)
	}
	if err := tx.Commit(); err != nil {
		return storage.Classify(err)
	}

	s.cacheMu.Lock()
	s.activeBatch[accountID] = batchID
	s.cacheMu.Unlock()

	s.logger.Info("Batch activated", "account_id", accountID, "batch_id", batchID)
	return nil
}

// ClearBatch deletes all rows of a non-active batch and marks it cleared.
// Used to discard a reserved batch after a failed EOD load.
func (s *Store) ClearBatch(ctx context.Context, accountID, batchID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM batches WHERE id = ? AND account_id = ?`, batchID, accountID).Scan(&state)
	if err == sql.ErrNoRows {
		return apperrors.Wrap(apperrors.CodeBatchNotFound, apperrors.ErrBatchNotFound).With("batch_id", batchID)
	}
	if err != nil {
		return storage.Classify(err)
	}
	if state == BatchActive {
		return apperrors.Newf(apperrors.CodeBatchConflict, "batch %d is active, cannot clear", batchID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE batch_id = ?`, batchID); err != nil {
		return storage.Classify(err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE batches SET state = ? WHERE id = ?`, BatchCleared, batchID); err != nil {
		return storage.Classify(err)
	}
	return storage.Classify(tx.Commit())
}

const positionColumns = `account_id, product_id, batch_id, quantity, price_used, fx_rate_used,
	mv_local, mv_base, cost_local, cost_base, upl_local, upl_base,
	source_system, position_type, excluded, business_date, valid_from, valid_to, system_from, system_to`

// GetPositionsAsOf returns the account's current-knowledge positions visible
// at the given business date, read from the active batch.
func (s *Store) GetPositionsAsOf(ctx context.Context, accountID int64, businessDate core.BusinessDate) ([]core.Position, error) {
	batchID, err := s.GetActiveBatchID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	b := storage.ToMicros(businessDate.Time())
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE account_id = ? AND batch_id = ? AND system_to = ?
		   AND valid_from <= ? AND ? < valid_to
		 ORDER BY product_id`,
		accountID, batchID, storage.OpenEnd.UnixMicro(), b, b)
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// GetQuantityAsOf answers "what quantity did we know at instant S" for one
// (account, product). The batch activation window and the row's own system
// interval both bound knowledge.
func (s *Store) GetQuantityAsOf(ctx context.Context, accountID, productID int64, systemInstant time.Time) (decimal.Decimal, error) {
	sMicros := storage.ToMicros(systemInstant)
	var qty string
	err := s.db.QueryRowContext(ctx,
		`SELECT p.quantity FROM positions p
		 JOIN batches b ON p.batch_id = b.id
		 WHERE p.account_id = ? AND p.product_id = ?
		   AND b.activated_at IS NOT NULL AND b.activated_at <= ?
		   AND (b.deactivated_at IS NULL OR ? < b.deactivated_at)
		   AND p.system_from <= ? AND ? < p.system_to
		 ORDER BY p.system_from DESC LIMIT 1`,
		accountID, productID, sMicros, sMicros, sMicros, sMicros).Scan(&qty)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, storage.Classify(err)
	}
	return decimal.NewFromString(qty)
}

// ActiveBatchEquals reports whether the incoming rows are identical, by
// (product, quantity, price), to the account's current active batch. A
// replayed snapshot that matches is a no-op and must not advance system time.
func (s *Store) ActiveBatchEquals(ctx context.Context, accountID int64, incoming []core.Position) (bool, error) {
	batchID, err := s.GetActiveBatchID(ctx, accountID)
	if err != nil {
		if code, ok := apperrors.CodeOf(err); ok && code == apperrors.CodeBatchNotFound {
			return false, nil
		}
		return false, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, quantity, price_used FROM positions
		 WHERE account_id = ? AND batch_id = ? AND system_to = ?`,
		accountID, batchID, storage.OpenEnd.UnixMicro())
	if err != nil {
		return false, storage.Classify(err)
	}
	defer rows.Close()

	current := make(map[int64][2]string)
	for rows.Next() {
		var productID int64
		var qty, px string
		if err := rows.Scan(&productID, &qty, &px); err != nil {
			return false, storage.Classify(err)
		}
		current[productID] = [2]string{qty, px}
	}
	if err := rows.Err(); err != nil {
		return false, storage.Classify(err)
	}

	if len(current) != len(incoming) {
		return false, nil
	}
	for _, row := range incoming {
		got, ok := current[row.ProductID]
		if !ok || got[0] != row.Quantity.String() || got[1] != row.PriceUsed.String() {
			return false, nil
		}
	}
	return true, nil
}

// CurrentPositions returns the open rows of the active batch without a
// business-time filter; the reverse index rebuild reads these.
func (s *Store) CurrentPositions(ctx context.Context, accountID int64) ([]core.Position, error) {
	batchID, err := s.GetActiveBatchID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE account_id = ? AND batch_id = ? AND system_to = ?
		 ORDER BY product_id`,
		accountID, batchID, storage.OpenEnd.UnixMicro())
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func scanPositions(rows *sql.Rows) ([]core.Position, error) {
	var out []core.Position
	for rows.Next() {
		var p core.Position
		var qty, px, fx, mvl, mvb, cl, cb, ul, ub string
		var excluded int
		var validFrom, validTo, systemFrom, systemTo int64
		var businessDate string
		if err := rows.Scan(&p.AccountID, &p.ProductID, &p.BatchID, &qty, &px, &fx,
			&mvl, &mvb, &cl, &cb, &ul, &ub,
			&p.SourceSystem, &p.PositionType, &excluded, &businessDate,
			&validFrom, &validTo, &systemFrom, &systemTo); err != nil {
			return nil, storage.Classify(err)
		}
		var err error
		if p.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if p.PriceUsed, err = decimal.NewFromString(px); err != nil {
			return nil, err
		}
		if p.FxRateUsed, err = decimal.NewFromString(fx); err != nil {
			return nil, err
		}
		if p.MVLocal, err = decimal.NewFromString(mvl); err != nil {
			return nil, err
		}
		if p.MVBase, err = decimal.NewFromString(mvb); err != nil {
			return nil, err
		}
		if p.CostLocal, err = decimal.NewFromString(cl); err != nil {
			return nil, err
		}
		if p.CostBase, err = decimal.NewFromString(cb); err != nil {
			return nil, err
		}
		if p.UPLLocal, err = decimal.NewFromString(ul); err != nil {
			return nil, err
		}
		if p.UPLBase, err = decimal.NewFromString(ub); err != nil {
			return nil, err
		}
		p.Excluded = excluded != 0
		p.BusinessDate = core.BusinessDate(businessDate)
		p.ValidFrom = storage.FromMicros(validFrom)
		p.ValidTo = storage.FromMicros(validTo)
		p.SystemFrom = storage.FromMicros(systemFrom)
		p.SystemTo = storage.FromMicros(systemTo)
		out = append(out, p)
	}
	return out, storage.Classify(rows.Err())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
