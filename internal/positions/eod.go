package positions

import (
	"context"
	"database/sql"
	"time"

	"fx_platform/internal/core"
	"fx_platform/internal/storage"
	apperrors "fx_platform/pkg/errors"
)

// allowedTransitions encodes the EOD status machine. COMPLETED is terminal;
// FAILED may re-enter IN_PROGRESS on a retried run.
var allowedTransitions = map[core.EODStatus][]core.EODStatus{
	core.EODPending:    {core.EODInProgress},
	core.EODInProgress: {core.EODCompleted, core.EODFailed},
	core.EODFailed:     {core.EODInProgress},
	core.EODCompleted:  {},
}

func transitionAllowed(from, to core.EODStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// GetEODStatus returns the load status for one (account, business date).
// The second return is false when no run has been recorded yet.
func (s *Store) GetEODStatus(ctx context.Context, accountID int64, date core.BusinessDate) (core.EODDailyStatus, bool, error) {
	var st core.EODDailyStatus
	var completedAt sql.NullInt64
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, business_date, status, completed_at, position_count, error_text, updated_at
		 FROM eod_daily_status WHERE account_id = ? AND business_date = ?`,
		accountID, string(date)).Scan(
		&st.AccountID, &st.BusinessDate, &st.Status, &completedAt, &st.PositionCount, &st.ErrorText, &updatedAt)
	if err == sql.ErrNoRows {
		return core.EODDailyStatus{}, false, nil
	}
	if err != nil {
		return core.EODDailyStatus{}, false, storage.Classify(err)
	}
	if completedAt.Valid {
		st.CompletedAt = storage.FromMicros(completedAt.Int64)
	}
	st.UpdatedAt = storage.FromMicros(updatedAt)
	return st, true, nil
}

// TransitionEODStatus moves the (account, date) status through the machine,
// creating the row in PENDING first if absent. An illegal transition fails
// with BATCH_CONFLICT and changes nothing.
func (s *Store) TransitionEODStatus(ctx context.Context, accountID int64, date core.BusinessDate, to core.EODStatus, positionCount int, errorText string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := storage.ToMicros(time.Now())
	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM eod_daily_status WHERE account_id = ? AND business_date = ?`,
		accountID, string(date)).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO eod_daily_status (account_id, business_date, status, position_count, error_text, updated_at)
			 VALUES (?, ?, ?, 0, '', ?)`,
			accountID, string(date), string(core.EODPending), now); err != nil {
			return storage.Classify(err)
		}
		current = string(core.EODPending)
	} else if err != nil {
		return storage.Classify(err)
	}

	from := core.EODStatus(current)
	if from == to {
		return tx.Commit()
	}
	if !transitionAllowed(from, to) {
		return apperrors.Newf(apperrors.CodeBatchConflict,
			"eod status %s -> %s not allowed for account %d date %s", from, to, accountID, date)
	}

	var completedAt interface{}
	if to == core.EODCompleted {
		completedAt = now
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE eod_daily_status
		 SET status = ?, completed_at = COALESCE(?, completed_at), position_count = ?, error_text = ?, updated_at = ?
		 WHERE account_id = ? AND business_date = ?`,
		string(to), completedAt, positionCount, errorText, now, accountID, string(date)); err != nil {
		return storage.Classify(err)
	}
	return storage.Classify(tx.Commit())
}

// IncompleteAccounts returns, from the given accounts, those whose EOD run
// for the date has not reached COMPLETED. The deadline watch alerts on these.
func (s *Store) IncompleteAccounts(ctx context.Context, date core.BusinessDate, accountIDs []int64) ([]int64, error) {
	completed := make(map[int64]bool, len(accountIDs))
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id FROM eod_daily_status WHERE business_date = ? AND status = ?`,
		string(date), string(core.EODCompleted))
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storage.Classify(err)
		}
		completed[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Classify(err)
	}

	var incomplete []int64
	for _, id := range accountIDs {
		if !completed[id] {
			incomplete = append(incomplete, id)
		}
	}
	return incomplete, nil
}

// AllCompleted reports whether every listed account reached COMPLETED for the
// date. Client sign-off release gates on this.
func (s *Store) AllCompleted(ctx context.Context, date core.BusinessDate, accountIDs []int64) (bool, error) {
	if len(accountIDs) == 0 {
		return false, nil
	}
	incomplete, err := s.IncompleteAccounts(ctx, date, accountIDs)
	if err != nil {
		return false, err
	}
	return len(incomplete) == 0, nil
}
