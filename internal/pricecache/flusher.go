package pricecache

import (
	"context"
	"sync"
	"time"

	"fx_platform/internal/core"
)

// Flusher coalesces cache writes into periodic durable upserts. Each key
// keeps only its latest entry between flushes, so a hot product costs one
// database write per interval regardless of tick rate.
type Flusher struct {
	mu       sync.Mutex
	prices   map[int64]dirtyEntry
	fxRates  map[string]dirtyEntry
	repo     *Repository
	interval time.Duration
	logger   core.ILogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type dirtyEntry struct {
	date  core.BusinessDate
	entry core.PriceEntry
}

func NewFlusher(repo *Repository, interval time.Duration, logger core.ILogger) *Flusher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Flusher{
		prices:   make(map[int64]dirtyEntry),
		fxRates:  make(map[string]dirtyEntry),
		repo:     repo,
		interval: interval,
		logger:   logger.WithField("component", "price_flusher"),
	}
}

// MarkPrice records a product price as dirty for the next flush.
func (f *Flusher) MarkPrice(productID int64, e core.PriceEntry) {
	f.mu.Lock()
	f.prices[productID] = dirtyEntry{date: core.NewBusinessDate(e.Timestamp), entry: e}
	f.mu.Unlock()
}

// MarkFxRate records a pair rate as dirty for the next flush.
func (f *Flusher) MarkFxRate(pair string, e core.PriceEntry) {
	f.mu.Lock()
	f.fxRates[pair] = dirtyEntry{date: core.NewBusinessDate(e.Timestamp), entry: e}
	f.mu.Unlock()
}

// Start launches the periodic flush loop.
func (f *Flusher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.wg.Add(1)
	go f.loop(runCtx)
	f.logger.Info("Price flusher started", "interval", f.interval)
	return nil
}

// Stop drains outstanding dirty keys and terminates the loop.
func (f *Flusher) Stop() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	f.Flush(context.Background())
	f.logger.Info("Price flusher stopped")
	return nil
}

func (f *Flusher) loop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Flush(ctx)
		}
	}
}

// Flush writes every dirty key once. Failed writes are re-marked so the
// next interval retries them, unless a newer entry arrived meanwhile.
func (f *Flusher) Flush(ctx context.Context) {
	f.mu.Lock()
	prices := f.prices
	fxRates := f.fxRates
	f.prices = make(map[int64]dirtyEntry)
	f.fxRates = make(map[string]dirtyEntry)
	f.mu.Unlock()

	if len(prices) == 0 && len(fxRates) == 0 {
		return
	}

	failed := 0
	for id, d := range prices {
		if err := f.repo.UpsertPrice(ctx, id, d.date, d.entry); err != nil {
			failed++
			f.remarkPrice(id, d)
		}
	}
	for pair, d := range fxRates {
		if err := f.repo.UpsertFxRate(ctx, pair, d.date, d.entry); err != nil {
			failed++
			f.remarkFx(pair, d)
		}
	}

	if failed > 0 {
		f.logger.Warn("Dirty price flush incomplete", "failed", failed,
			"prices", len(prices), "fx_rates", len(fxRates))
		return
	}
	f.logger.Debug("Flushed dirty prices", "prices", len(prices), "fx_rates", len(fxRates))
}

func (f *Flusher) remarkPrice(id int64, d dirtyEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.prices[id]; !ok || cur.entry.Timestamp.Before(d.entry.Timestamp) {
		f.prices[id] = d
	}
}

func (f *Flusher) remarkFx(pair string, d dirtyEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.fxRates[pair]; !ok || cur.entry.Timestamp.Before(d.entry.Timestamp) {
		f.fxRates[pair] = d
	}
}
