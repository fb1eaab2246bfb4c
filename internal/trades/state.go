package trades

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"fx_platform/internal/core"
)

// Key prefixes in the shared KV store. Losing these keys loses nothing
// durable: state rebuilds from the fills log.
const (
	statePrefix = "ordstate:"
	reqPrefix   = "ordreq:"
)

// StateStore keeps short-lived order accumulation state and pending order
// requests in the KV store, both bounded by TTL.
type StateStore struct {
	kv     core.IKVStore
	ttl    time.Duration
	logger core.ILogger
}

func NewStateStore(kv core.IKVStore, ttl time.Duration, logger core.ILogger) *StateStore {
	return &StateStore{
		kv:     kv,
		ttl:    ttl,
		logger: logger.WithField("component", "order_state"),
	}
}

// Load returns the accumulation state of one order, if present.
func (s *StateStore) Load(ctx context.Context, clientOrderID string) (core.OrderState, bool, error) {
	raw, ok, err := s.kv.Get(ctx, statePrefix+clientOrderID)
	if err != nil || !ok {
		return core.OrderState{}, false, err
	}
	var st core.OrderState
	if err := json.Unmarshal(raw, &st); err != nil {
		// A corrupt state entry is dropped; the fills log remains authoritative.
		s.logger.Warn("Dropping unreadable order state", "client_order_id", clientOrderID, "error", err)
		_ = s.kv.Delete(ctx, statePrefix+clientOrderID)
		return core.OrderState{}, false, nil
	}
	return st, true, nil
}

// Save persists the accumulation state under the store's TTL.
func (s *StateStore) Save(ctx context.Context, st core.OrderState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, statePrefix+st.ClientOrderID, raw, s.ttl)
}

// Delete removes the accumulation state of one order.
func (s *StateStore) Delete(ctx context.Context, clientOrderID string) error {
	return s.kv.Delete(ctx, statePrefix+clientOrderID)
}

// List returns every live order state. Entries expiring mid-scan are skipped.
func (s *StateStore) List(ctx context.Context) ([]core.OrderState, error) {
	keys, err := s.kv.Keys(ctx, statePrefix)
	if err != nil {
		return nil, err
	}
	states := make([]core.OrderState, 0, len(keys))
	for _, key := range keys {
		st, ok, err := s.Load(ctx, strings.TrimPrefix(key, statePrefix))
		if err != nil {
			return nil, err
		}
		if ok {
			states = append(states, st)
		}
	}
	return states, nil
}

// SaveRequest keeps the originating order request so completion can recover
// order economics the reports do not carry (maturity date, limit price).
func (s *StateStore) SaveRequest(ctx context.Context, req core.OrderRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, reqPrefix+req.ClientOrderID, raw, s.ttl)
}

// LoadRequest returns the stored order request, if still live.
func (s *StateStore) LoadRequest(ctx context.Context, clientOrderID string) (core.OrderRequest, bool, error) {
	raw, ok, err := s.kv.Get(ctx, reqPrefix+clientOrderID)
	if err != nil || !ok {
		return core.OrderRequest{}, false, err
	}
	var req core.OrderRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.logger.Warn("Dropping unreadable order request", "client_order_id", clientOrderID, "error", err)
		_ = s.kv.Delete(ctx, reqPrefix+clientOrderID)
		return core.OrderRequest{}, false, nil
	}
	return req, true, nil
}

// DeleteRequest removes the stored order request.
func (s *StateStore) DeleteRequest(ctx context.Context, clientOrderID string) error {
	return s.kv.Delete(ctx, reqPrefix+clientOrderID)
}
