package pricing

import (
	"context"
	"sync"

	"fx_platform/internal/core"
)

// DirectNotifier delivers position-change events in-process, skipping the
// fabric hop for deployments where the loader and the price service share a
// binary. Delivery is synchronous and best-effort; the caller decides
// whether the fabric also carries the event.
type DirectNotifier struct {
	mu       sync.RWMutex
	handlers []func(ctx context.Context, event core.PositionChangeEvent) error
	logger   core.ILogger
}

func NewDirectNotifier(logger core.ILogger) *DirectNotifier {
	return &DirectNotifier{logger: logger.WithField("component", "direct_notifier")}
}

// Subscribe registers a handler for every notified event. Handlers run in
// registration order on the notifying goroutine.
func (n *DirectNotifier) Subscribe(handler func(ctx context.Context, event core.PositionChangeEvent) error) {
	n.mu.Lock()
	n.handlers = append(n.handlers, handler)
	n.mu.Unlock()
}

func (n *DirectNotifier) Notify(ctx context.Context, event core.PositionChangeEvent) error {
	n.mu.RLock()
	handlers := make([]func(context.Context, core.PositionChangeEvent) error, len(n.handlers))
	copy(handlers, n.handlers)
	n.mu.RUnlock()

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			n.logger.Warn("Direct notification handler failed",
				"account_id", event.AccountID, "event_type", string(event.EventType), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var _ core.INotifier = (*DirectNotifier)(nil)
