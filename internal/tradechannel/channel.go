// Package tradechannel connects the trade aggregator to the execution
// venue. The simulated channel fills orders against scripted prices in
// immediate partial and complete slices; it backs tests and local runs and
// sits behind core.ITradeChannel so a real venue bridge can replace it.
package tradechannel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"fx_platform/internal/core"
	apperrors "fx_platform/pkg/errors"
)

// SimulatedChannel is an in-process execution venue. Orders are idempotent
// by client order id: a resend of an accepted order is acknowledged and
// ignored, matching the contract the order router relies on.
type SimulatedChannel struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	prices  map[string]decimal.Decimal
	rejects map[string]struct{}
	slices  int
	latency time.Duration
	closed  bool

	reports chan core.ExecutionReport
	done    chan struct{}
	wg      sync.WaitGroup
	execSeq atomic.Int64

	logger core.ILogger
}

func NewSimulated(logger core.ILogger) *SimulatedChannel {
	return &SimulatedChannel{
		seen:    make(map[string]struct{}),
		prices:  make(map[string]decimal.Decimal),
		rejects: make(map[string]struct{}),
		slices:  2,
		reports: make(chan core.ExecutionReport, 256),
		done:    make(chan struct{}),
		logger:  logger.WithField("component", "sim_trade_channel"),
	}
}

// SetPrice scripts the fill price for a symbol. Orders on symbols without a
// scripted price fill at their limit price.
func (c *SimulatedChannel) SetPrice(symbol string, px decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = px
}

// SetSlices sets how many fills each order executes in.
func (c *SimulatedChannel) SetSlices(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 1 {
		n = 1
	}
	c.slices = n
}

// SetLatency inserts a delay between fill slices.
func (c *SimulatedChannel) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

// RejectSymbol scripts an immediate REJECTED report for orders on a symbol.
func (c *SimulatedChannel) RejectSymbol(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejects[symbol] = struct{}{}
}

// SendOrder accepts one order and executes it asynchronously.
func (c *SimulatedChannel) SendOrder(ctx context.Context, req core.OrderRequest) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.Wrap(apperrors.CodeDependencyTimeout, apperrors.ErrShuttingDown)
	}
	if _, dup := c.seen[req.ClientOrderID]; dup {
		c.mu.Unlock()
		c.logger.Debug("Duplicate order acknowledged", "client_order_id", req.ClientOrderID)
		return nil
	}
	c.seen[req.ClientOrderID] = struct{}{}

	px, scripted := c.prices[req.Symbol]
	_, reject := c.rejects[req.Symbol]
	slices := c.slices
	latency := c.latency
	c.mu.Unlock()

	if !scripted {
		px = req.LimitPrice
	}
	if px.IsZero() {
		px = decimal.NewFromInt(1)
	}

	c.wg.Add(1)
	go c.execute(req, px, reject, slices, latency)
	return nil
}

func (c *SimulatedChannel) execute(req core.OrderRequest, px decimal.Decimal, reject bool, slices int, latency time.Duration) {
	defer c.wg.Done()

	if reject {
		c.emit(core.ExecutionReport{
			ExecID:        c.nextExecID(),
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			LastQty:       decimal.Zero,
			LastPx:        decimal.Zero,
			CumQty:        decimal.Zero,
			Status:        core.OrderRejected,
			Timestamp:     time.Now().UTC(),
		})
		return
	}

	per := req.Quantity.DivRound(decimal.NewFromInt(int64(slices)), 8)
	cum := decimal.Zero
	for i := 0; i < slices; i++ {
		last := per
		status := core.OrderPartiallyFilled
		if i == slices-1 {
			// Remainder slice keeps the total exact regardless of rounding.
			last = req.Quantity.Sub(cum)
			status = core.OrderFilled
		}
		cum = cum.Add(last)

		c.emit(core.ExecutionReport{
			ExecID:        c.nextExecID(),
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			LastQty:       last,
			LastPx:        px,
			CumQty:        cum,
			Status:        status,
			Timestamp:     time.Now().UTC(),
		})

		if latency > 0 && i < slices-1 {
			select {
			case <-c.done:
				return
			case <-time.After(latency):
			}
		}
	}
}

func (c *SimulatedChannel) emit(rep core.ExecutionReport) {
	select {
	case <-c.done:
	case c.reports <- rep:
	}
}

func (c *SimulatedChannel) nextExecID() string {
	return fmt.Sprintf("SIM-%06d", c.execSeq.Add(1))
}

// Reports returns the execution report stream. The channel closes after
// Close once in-flight executions finish.
func (c *SimulatedChannel) Reports() <-chan core.ExecutionReport {
	return c.reports
}

// CheckHealth reports channel liveness.
func (c *SimulatedChannel) CheckHealth(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperrors.Wrap(apperrors.CodeDependencyTimeout, apperrors.ErrShuttingDown)
	}
	return nil
}

// Close stops accepting orders, waits for in-flight executions and closes
// the report stream.
func (c *SimulatedChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	close(c.reports)
	return nil
}

var _ core.ITradeChannel = (*SimulatedChannel)(nil)
