package positions

import (
	"context"
	"time"

	"fx_platform/internal/storage"
)

// AuditEntry is one recorded manual or system action.
type AuditEntry struct {
	ID     int64
	Actor  string
	Action string
	Entity string
	Detail string
	At     time.Time
}

// AppendAudit records an action in the append-only audit log. Manual uploads
// and overrides always pass through here.
func (s *Store) AppendAudit(ctx context.Context, actor, action, entity, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (actor, action, entity, detail, ts) VALUES (?, ?, ?, ?, ?)`,
		actor, action, entity, detail, storage.ToMicros(time.Now()))
	return storage.Classify(err)
}

// AuditTrail returns the most recent entries for an entity, newest first.
func (s *Store) AuditTrail(ctx context.Context, entity string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor, action, entity, detail, ts FROM audit_log
		 WHERE entity = ? ORDER BY id DESC LIMIT ?`, entity, limit)
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Entity, &e.Detail, &ts); err != nil {
			return nil, storage.Classify(err)
		}
		e.At = storage.FromMicros(ts)
		out = append(out, e)
	}
	return out, storage.Classify(rows.Err())
}
