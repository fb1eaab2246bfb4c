package trades

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fx_platform/internal/alert"
	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/resilience"
	"fx_platform/pkg/telemetry"
)

// OrphanScanner sweeps the short-term order states and closes out orders
// that stopped receiving reports: venue restarts and dropped sessions leave
// orders stuck in non-terminal statuses forever otherwise.
type OrphanScanner struct {
	svc       *Service
	interval  time.Duration
	threshold time.Duration
	logger    core.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrphanScanner(svc *Service, interval, threshold time.Duration, logger core.ILogger) *OrphanScanner {
	ctx, cancel := context.WithCancel(context.Background())
	return &OrphanScanner{
		svc:       svc,
		interval:  interval,
		threshold: threshold,
		logger:    logger.WithField("component", "orphan_scanner"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the periodic sweep.
func (sc *OrphanScanner) Start(ctx context.Context) error {
	sc.logger.Info("Starting orphan scanner", "interval", sc.interval, "threshold", sc.threshold)
	sc.wg.Add(1)
	go sc.runLoop()
	return nil
}

// Stop halts the sweep and waits for an in-flight pass.
func (sc *OrphanScanner) Stop() error {
	sc.cancel()
	sc.wg.Wait()
	return nil
}

func (sc *OrphanScanner) runLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			if _, err := sc.Scan(sc.ctx); err != nil {
				sc.logger.Error("Orphan scan failed", "error", err)
			}
		}
	}
}

// Scan performs a single pass: every non-terminal order state whose last
// activity is older than the threshold is marked ORPHANED in the durable
// summary and its short-term state released. Orphaned orders accept no
// further fills unless manually reopened.
func (sc *OrphanScanner) Scan(ctx context.Context) (int, error) {
	states, err := sc.svc.states.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-sc.threshold)
	orphaned := 0
	for _, st := range states {
		if st.Status.Terminal() {
			continue
		}
		last := st.UpdatedAt
		if last.IsZero() {
			last = st.FirstSeen
		}
		if last.After(cutoff) {
			continue
		}
		if err := sc.orphan(ctx, st, last); err != nil {
			sc.logger.Error("Failed to orphan order", "client_order_id", st.ClientOrderID, "error", err)
			continue
		}
		orphaned++
	}

	if orphaned > 0 {
		sc.logger.Info("Orphan scan complete", "orphaned", orphaned, "scanned", len(states))
		sc.svc.refreshOpenOrdersGauge(ctx)
	}
	return orphaned, nil
}

func (sc *OrphanScanner) orphan(ctx context.Context, st core.OrderState, lastActivity time.Time) error {
	dbGuard := sc.svc.guards.Get(config.DepDatabase)
	marked, err := resilience.Call(ctx, dbGuard, func(ctx context.Context) (bool, error) {
		return sc.svc.store.MarkOrphaned(ctx, st.ClientOrderID)
	})
	if err != nil {
		return err
	}

	kvGuard := sc.svc.guards.Get(config.DepKV)
	if err := kvGuard.Do(ctx, func(ctx context.Context) error {
		if err := sc.svc.states.Delete(ctx, st.ClientOrderID); err != nil {
			return err
		}
		return sc.svc.states.DeleteRequest(ctx, st.ClientOrderID)
	}); err != nil {
		return err
	}

	if !marked {
		// Summary reached a terminal status through another path; the stale
		// state was all there was to clean.
		return nil
	}

	age := time.Since(lastActivity).Round(time.Second)
	sc.logger.Warn("Order orphaned",
		"client_order_id", st.ClientOrderID, "status", string(st.Status),
		"filled_qty", st.FilledQty.String(), "age", age)
	if m := telemetry.GetGlobalMetrics().OrphanedOrdersTotal; m != nil {
		m.Add(ctx, 1)
	}
	if sc.svc.alerts != nil {
		sc.svc.alerts.Alert(ctx, "Orphaned order",
			fmt.Sprintf("order %s saw no reports for %s", st.ClientOrderID, age),
			alert.Warning, map[string]string{
				"client_order_id": st.ClientOrderID,
				"symbol":          st.Symbol,
				"filled_qty":      st.FilledQty.String(),
			})
	}
	return nil
}
