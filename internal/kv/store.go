// Package kv provides the shared short-lived key/value store. It backs the
// idempotency sets, the L2 price cache, short-term order state and the
// per-account EOD leases. Contents are expendable: losing them forces replays
// from the fills log or the position database, never corruption.
package kv

import (
	"context"
	"strings"
	"sync"
	"time"

	"fx_platform/internal/core"
	apperrors "fx_platform/pkg/errors"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Config holds store tuning.
type Config struct {
	SweepInterval time.Duration
}

// Store is an embedded TTL key/value store with atomic conditional writes.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	leases  map[string]leaseEntry

	logger core.ILogger
	cfg    Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

type leaseEntry struct {
	owner     string
	expiresAt time.Time
}

// NewStore creates a store; Start launches the expiry sweep.
func NewStore(cfg Config, logger core.ILogger) *Store {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Store{
		entries: make(map[string]entry),
		leases:  make(map[string]leaseEntry),
		logger:  logger.WithField("component", "kv_store"),
		cfg:     cfg,
	}
}

// Start launches the background expiry sweep.
func (s *Store) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.sweepLoop(runCtx)
	s.logger.Info("KV store started", "sweep_interval", s.cfg.SweepInterval)
	return nil
}

// Stop terminates the sweep loop.
func (s *Store) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.logger.Info("KV store stopped")
	return nil
}

func (s *Store) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	for name, l := range s.leases {
		if !l.expiresAt.IsZero() && !now.Before(l.expiresAt) {
			delete(s.leases, name)
		}
	}
	if removed > 0 {
		s.logger.Debug("Swept expired entries", "removed", removed, "remaining", len(s.entries))
	}
}

// Get returns the value for key, false when absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, false, apperrors.ErrStoreUnavailable
	}
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set writes key with a per-key TTL; ttl <= 0 means no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrStoreUnavailable
	}
	s.entries[key] = entry{value: value, expiresAt: expiry(ttl)}
	return nil
}

// SetNX writes only when the key is absent (or expired). True iff the write
// happened; this is the single atomic conditional write behind CheckAndMark.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, apperrors.ErrStoreUnavailable
	}
	if e, ok := s.entries[key]; ok && !e.expired(now) {
		return false, nil
	}
	s.entries[key] = entry{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

// Delete removes a key; deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrStoreUnavailable
	}
	delete(s.entries, key)
	return nil
}

// Keys returns all live keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, apperrors.ErrStoreUnavailable
	}
	var keys []string
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len reports live entries; used by the cache-entries gauge.
func (s *Store) Len() int {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Acquire takes the named lease for owner when free or expired. Re-acquiring
// a lease already held by the same owner extends it.
func (s *Store) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, apperrors.ErrStoreUnavailable
	}
	if l, ok := s.leases[name]; ok && now.Before(l.expiresAt) && l.owner != owner {
		return false, nil
	}
	s.leases[name] = leaseEntry{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release frees the lease when held by owner. Releasing a lease held by
// someone else fails so a timed-out worker cannot break its successor's lock.
func (s *Store) Release(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrStoreUnavailable
	}
	l, ok := s.leases[name]
	if !ok {
		return nil
	}
	if l.owner != owner {
		return apperrors.ErrLeaseHeld
	}
	delete(s.leases, name)
	return nil
}

// CheckHealth reports store availability for the health monitor.
func (s *Store) CheckHealth(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return apperrors.ErrStoreUnavailable
	}
	return nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
