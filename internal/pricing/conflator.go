package pricing

import (
	"context"
	"sync"
	"time"

	"fx_platform/internal/core"
	"fx_platform/pkg/concurrency"
	"fx_platform/pkg/telemetry"
)

// flushSink receives one account's conflated product set per flush window.
type flushSink func(ctx context.Context, accountID int64, productIDs []int64)

// Conflator coalesces revaluation triggers per account: within one flush
// window only the latest state per (account, product) survives, and an
// account never has two flushes running at once so pushed updates stay
// ordered. Accounts flush in parallel on the shared pool.
type Conflator struct {
	interval time.Duration
	pool     *concurrency.WorkerPool
	sink     flushSink
	logger   core.ILogger

	mu       sync.Mutex
	pending  map[int64]map[int64]struct{}
	inflight map[int64]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func NewConflator(interval time.Duration, pool *concurrency.WorkerPool, sink flushSink, logger core.ILogger) *Conflator {
	return &Conflator{
		interval: interval,
		pool:     pool,
		sink:     sink,
		logger:   logger.WithField("component", "conflator"),
		pending:  map[int64]map[int64]struct{}{},
		inflight: map[int64]struct{}{},
	}
}

// Offer marks the holding dirty. A holding already queued in the current
// window is superseded rather than queued twice.
func (c *Conflator) Offer(accountID, productID int64) {
	c.mu.Lock()
	set, ok := c.pending[accountID]
	if !ok {
		set = map[int64]struct{}{}
		c.pending[accountID] = set
	}
	_, superseded := set[productID]
	set[productID] = struct{}{}
	c.mu.Unlock()

	if superseded {
		if m := telemetry.GetGlobalMetrics(); m.ConflatedDropsTotal != nil {
			m.ConflatedDropsTotal.Add(context.Background(), 1)
		}
	}
}

func (c *Conflator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.flush(runCtx)
			}
		}
	}()
}

// Stop halts the flush loop and drains whatever is still pending so a clean
// shutdown does not swallow queued revaluations.
func (c *Conflator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.drain()
}

// flush hands each idle account's pending set to the pool. Accounts with a
// flush already running keep accumulating and are picked up next tick.
func (c *Conflator) flush(ctx context.Context) {
	c.mu.Lock()
	batches := make(map[int64][]int64, len(c.pending))
	for accountID, set := range c.pending {
		if _, busy := c.inflight[accountID]; busy {
			continue
		}
		products := make([]int64, 0, len(set))
		for productID := range set {
			products = append(products, productID)
		}
		batches[accountID] = products
		delete(c.pending, accountID)
		c.inflight[accountID] = struct{}{}
	}
	c.mu.Unlock()

	for accountID, products := range batches {
		accountID, products := accountID, products
		err := c.pool.Submit(func() {
			defer c.release(accountID)
			c.sink(ctx, accountID, products)
		})
		if err != nil {
			// Pool saturated. Re-queue so the next window retries.
			c.logger.Warn("Conflation flush rejected by pool", "account_id", accountID, "error", err)
			c.requeue(accountID, products)
		}
	}
}

func (c *Conflator) release(accountID int64) {
	c.mu.Lock()
	delete(c.inflight, accountID)
	c.mu.Unlock()
}

func (c *Conflator) requeue(accountID int64, products []int64) {
	c.mu.Lock()
	set, ok := c.pending[accountID]
	if !ok {
		set = map[int64]struct{}{}
		c.pending[accountID] = set
	}
	for _, productID := range products {
		set[productID] = struct{}{}
	}
	delete(c.inflight, accountID)
	c.mu.Unlock()
}

func (c *Conflator) drain() {
	c.mu.Lock()
	remaining := c.pending
	c.pending = map[int64]map[int64]struct{}{}
	c.mu.Unlock()

	ctx := context.Background()
	for accountID, set := range remaining {
		products := make([]int64, 0, len(set))
		for productID := range set {
			products = append(products, productID)
		}
		c.sink(ctx, accountID, products)
	}
}

// PendingAccounts reports how many accounts are waiting for the next window.
func (c *Conflator) PendingAccounts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
