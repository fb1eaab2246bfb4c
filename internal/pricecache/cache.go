// Package pricecache is the two-tier price and FX cache owned by the price
// service. L1 is a bounded in-process tier; L2 is a shared KV view with its
// own TTL; the durable repository backs both on miss. Writes pass a
// source-rank gate so a lower-ranked feed never clobbers a better price,
// and zero prices are rejected outright.
package pricecache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/telemetry"
)

// Options sizes the cache tiers and staleness deadlines.
type Options struct {
	PriceCap       int
	FxCap          int
	PriceTTL       time.Duration
	FxTTL          time.Duration
	L2TTL          time.Duration
	RealtimeMaxAge time.Duration
	RCPSnapMaxAge  time.Duration
}

// OptionsFromConfig maps the pricing config block onto cache options.
func OptionsFromConfig(pc config.PricingConfig) Options {
	return Options{
		PriceCap:       pc.PriceL1Cap,
		FxCap:          pc.FxL1Cap,
		PriceTTL:       time.Duration(pc.PriceL1TTLSeconds) * time.Second,
		FxTTL:          time.Duration(pc.FxL1TTLSeconds) * time.Second,
		L2TTL:          time.Duration(pc.L2TTLSeconds) * time.Second,
		RealtimeMaxAge: time.Duration(pc.RealtimeMaxAgeSeconds) * time.Second,
		RCPSnapMaxAge:  time.Duration(pc.RcpSnapMaxAgeHours) * time.Hour,
	}
}

// TwoTier implements core.IPriceCache. The L2 store and repository are
// optional; a degraded L2 is swallowed and counted, never surfaced.
type TwoTier struct {
	opts   Options
	prices *tier
	fx     *tier
	l2     core.IKVStore
	repo   *Repository
	logger core.ILogger
}

func NewTwoTier(opts Options, l2 core.IKVStore, repo *Repository, logger core.ILogger) *TwoTier {
	return &TwoTier{
		opts:   opts,
		prices: newTier(opts.PriceCap, opts.PriceTTL),
		fx:     newTier(opts.FxCap, opts.FxTTL),
		l2:     l2,
		repo:   repo,
		logger: logger.WithField("component", "price_cache"),
	}
}

func priceKey(productID int64) string { return "price:" + strconv.FormatInt(productID, 10) }
func fxKey(pair string) string        { return "fx:" + pair }

// GetPrice returns the effective price for a product, tagging entries past
// their per-source staleness deadline rather than hiding them.
func (c *TwoTier) GetPrice(ctx context.Context, productID int64) (core.PriceEntry, bool) {
	return c.get(ctx, c.prices, priceKey(productID), func() (core.PriceEntry, bool, error) {
		if c.repo == nil {
			return core.PriceEntry{}, false, nil
		}
		return c.repo.BestPrice(ctx, productID)
	})
}

// GetFxRate returns the effective rate for a currency pair like "EUR/USD".
func (c *TwoTier) GetFxRate(ctx context.Context, pair string) (core.PriceEntry, bool) {
	return c.get(ctx, c.fx, fxKey(pair), func() (core.PriceEntry, bool, error) {
		if c.repo == nil {
			return core.PriceEntry{}, false, nil
		}
		return c.repo.BestFxRate(ctx, pair)
	})
}

// PutPrice writes a product price through the rank gate.
func (c *TwoTier) PutPrice(ctx context.Context, productID int64, entry core.PriceEntry) error {
	return c.put(ctx, c.prices, priceKey(productID), entry)
}

// PutFxRate writes an FX rate through the rank gate.
func (c *TwoTier) PutFxRate(ctx context.Context, pair string, entry core.PriceEntry) error {
	return c.put(ctx, c.fx, fxKey(pair), entry)
}

// EvictPrice drops a product price from both tiers.
func (c *TwoTier) EvictPrice(ctx context.Context, productID int64) {
	c.evict(ctx, c.prices, priceKey(productID))
}

// EvictFxRate drops a pair rate from both tiers.
func (c *TwoTier) EvictFxRate(ctx context.Context, pair string) {
	c.evict(ctx, c.fx, fxKey(pair))
}

// CheckHealth probes the backing stores.
func (c *TwoTier) CheckHealth(ctx context.Context) error {
	if c.repo != nil {
		if err := c.repo.db.PingContext(ctx); err != nil {
			return apperrors.Wrap(apperrors.CodeDBUnavailable, err)
		}
	}
	return nil
}

func (c *TwoTier) get(ctx context.Context, t *tier, key string, fallback func() (core.PriceEntry, bool, error)) (core.PriceEntry, bool) {
	if e, ok := t.get(key); ok {
		return c.tag(ctx, key, e), true
	}
	if e, ok := c.l2Get(ctx, key); ok {
		t.put(key, e)
		c.gauges()
		return c.tag(ctx, key, e), true
	}
	e, ok, err := fallback()
	if err != nil {
		c.logger.Warn("Durable price lookup failed", "key", key, "error", err)
		return core.PriceEntry{}, false
	}
	if !ok {
		return core.PriceEntry{}, false
	}
	t.put(key, e)
	c.l2Put(ctx, key, e)
	c.gauges()
	return c.tag(ctx, key, e), true
}

func (c *TwoTier) put(ctx context.Context, t *tier, key string, entry core.PriceEntry) error {
	if entry.Value.Sign() <= 0 {
		if m := telemetry.GetGlobalMetrics().ZeroPriceTotal; m != nil {
			m.Add(ctx, 1)
		}
		return apperrors.New(apperrors.CodeZeroPriceDetected, "zero price rejected").
			With("key", key).With("source", string(entry.Source))
	}

	// Rank gate: keep the cached value when it outranks the incoming
	// source and is still inside its staleness deadline.
	cur, ok := t.peek(key)
	if !ok {
		cur, ok = c.l2Get(ctx, key)
	}
	if ok && !c.stale(cur, time.Now()) && entry.Source.Rank() < cur.Source.Rank() {
		c.logger.Debug("Price write superseded by higher-ranked source",
			"key", key, "incoming", string(entry.Source), "cached", string(cur.Source))
		return nil
	}

	entry.Stale = false
	t.put(key, entry)
	c.l2Put(ctx, key, entry)
	c.gauges()
	return nil
}

func (c *TwoTier) evict(ctx context.Context, t *tier, key string) {
	t.evict(key)
	if c.l2 != nil {
		if err := c.l2.Delete(ctx, key); err != nil {
			c.l2Degraded(ctx, "delete", key, err)
		}
	}
	c.gauges()
}

// tag stamps the staleness flag and counts stale reads.
func (c *TwoTier) tag(ctx context.Context, key string, e core.PriceEntry) core.PriceEntry {
	if c.stale(e, time.Now()) {
		e.Stale = true
		if m := telemetry.GetGlobalMetrics().StalePriceReadsTotal; m != nil {
			m.Add(ctx, 1)
		}
		c.logger.Debug("Serving stale price", "key", key, "source", string(e.Source), "ts", e.Timestamp)
	}
	return e
}

// stale applies the per-source deadline: realtime and snapshot sources age
// out on a clock; overrides and MSPA closes hold until the date rolls.
func (c *TwoTier) stale(e core.PriceEntry, now time.Time) bool {
	switch e.Source {
	case core.SourceRealtime:
		return now.Sub(e.Timestamp) > c.opts.RealtimeMaxAge
	case core.SourceRCPSnap:
		return now.Sub(e.Timestamp) > c.opts.RCPSnapMaxAge
	default:
		return core.NewBusinessDate(e.Timestamp) != core.NewBusinessDate(now)
	}
}

func (c *TwoTier) l2Get(ctx context.Context, key string) (core.PriceEntry, bool) {
	if c.l2 == nil {
		return core.PriceEntry{}, false
	}
	raw, ok, err := c.l2.Get(ctx, key)
	if err != nil {
		c.l2Degraded(ctx, "get", key, err)
		return core.PriceEntry{}, false
	}
	if !ok {
		return core.PriceEntry{}, false
	}
	var e core.PriceEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.l2Degraded(ctx, "decode", key, err)
		return core.PriceEntry{}, false
	}
	return e, true
}

func (c *TwoTier) l2Put(ctx context.Context, key string, e core.PriceEntry) {
	if c.l2 == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		c.l2Degraded(ctx, "encode", key, err)
		return
	}
	if err := c.l2.Set(ctx, key, raw, c.opts.L2TTL); err != nil {
		c.l2Degraded(ctx, "set", key, err)
	}
}

// l2Degraded swallows a distributed-tier error; the cache stays available
// on L1 and the durable store.
func (c *TwoTier) l2Degraded(ctx context.Context, op, key string, err error) {
	c.logger.Warn("Distributed cache tier error", "op", op, "key", key, "error", err)
	if m := telemetry.GetGlobalMetrics().CacheL2ErrorsTotal; m != nil {
		m.Add(ctx, 1)
	}
}

func (c *TwoTier) gauges() {
	m := telemetry.GetGlobalMetrics()
	m.SetCacheEntries("price_l1", int64(c.prices.len()))
	m.SetCacheEntries("fx_l1", int64(c.fx.len()))
}
