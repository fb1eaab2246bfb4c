// Package idempotency tracks processed external references (intraday record
// refs, execution ids) for a TTL window so replays and duplicate deliveries
// are dropped exactly once.
package idempotency

import (
	"context"
	"time"

	"fx_platform/internal/core"
	"fx_platform/pkg/telemetry"
)

var marker = []byte("1")

// Store is a TTL set of processed references over the shared KV store.
// Unavailability degrades to "not duplicate": ingestion must never block on
// the reference set, duplicates are still caught by storage constraints.
type Store struct {
	kv     core.IKVStore
	ttl    time.Duration
	logger core.ILogger
}

// NewStore creates a reference set with the given TTL window.
func NewStore(kv core.IKVStore, ttl time.Duration, logger core.ILogger) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		kv:     kv,
		ttl:    ttl,
		logger: logger.WithField("component", "idempotency_store"),
	}
}

// IsDuplicate reports whether ref was already processed. Blank refs are never
// duplicates; the caller owns ref generation.
func (s *Store) IsDuplicate(ctx context.Context, ref string) bool {
	if ref == "" {
		return false
	}
	_, ok, err := s.kv.Get(ctx, ref)
	if err != nil {
		s.degraded("is_duplicate", err)
		return false
	}
	return ok
}

// MarkProcessed records ref for the TTL window.
func (s *Store) MarkProcessed(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	if err := s.kv.Set(ctx, ref, marker, s.ttl); err != nil {
		s.degraded("mark_processed", err)
	}
}

// CheckAndMark atomically claims ref; true iff the caller is the first within
// the TTL window. Blank refs are always claimable. Store failure degrades to
// claimable so processing continues.
func (s *Store) CheckAndMark(ctx context.Context, ref string) bool {
	if ref == "" {
		return true
	}
	claimed, err := s.kv.SetNX(ctx, ref, marker, s.ttl)
	if err != nil {
		s.degraded("check_and_mark", err)
		return true
	}
	return claimed
}

// FilterDuplicates returns the refs not yet processed, preserving order.
func (s *Store) FilterDuplicates(ctx context.Context, refs []string) []string {
	fresh := make([]string, 0, len(refs))
	for _, ref := range refs {
		if !s.IsDuplicate(ctx, ref) {
			fresh = append(fresh, ref)
		}
	}
	return fresh
}

// MarkProcessedBatch records every ref in the list.
func (s *Store) MarkProcessedBatch(ctx context.Context, refs []string) {
	for _, ref := range refs {
		s.MarkProcessed(ctx, ref)
	}
}

func (s *Store) degraded(op string, err error) {
	s.logger.Warn("Idempotency store degraded to not-duplicate", "op", op, "error", err)
	if m := telemetry.GetGlobalMetrics().IdemStoreErrorsTotal; m != nil {
		m.Add(context.Background(), 1)
	}
}
