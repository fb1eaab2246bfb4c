// Package analytics serves read models over the position store, the price
// cache and the forward book: valued positions, currency and asset-class
// exposure, unrealized P&L, a stale-price report and the forward ladder.
// All views are read-only joins; nothing here writes.
package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/positions"
	"fx_platform/internal/refdata"
	"fx_platform/internal/resilience"
	"fx_platform/internal/trades"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/fxmath"
)

// RateSource resolves an FX conversion rate. The stale return reports that a
// leg of the chain was past its freshness window.
type RateSource interface {
	ResolveRate(ctx context.Context, from, to string) (decimal.Decimal, bool, error)
}

// Views computes the read models. Valuation joins the stored batch rows with
// live cache marks; rows whose live mark is missing fall back to the loaded
// price and are tagged stale rather than dropped, so exposure never silently
// shrinks because a feed went quiet.
type Views struct {
	positions *positions.Store
	trades    *trades.Store
	resolver  *refdata.Resolver
	cache     core.IPriceCache
	rates     RateSource
	guards    *resilience.Registry
	logger    core.ILogger
}

func NewViews(pos *positions.Store, tr *trades.Store, resolver *refdata.Resolver, cache core.IPriceCache, rates RateSource, guards *resilience.Registry, logger core.ILogger) *Views {
	return &Views{
		positions: pos,
		trades:    tr,
		resolver:  resolver,
		cache:     cache,
		rates:     rates,
		guards:    guards,
		logger:    logger.WithField("component", "analytics"),
	}
}

// PositionRow is one valued holding.
type PositionRow struct {
	ProductID     int64           `json:"productId"`
	Ticker        string          `json:"ticker,omitempty"`
	AssetClass    core.AssetClass `json:"assetClass,omitempty"`
	IssueCurrency string          `json:"issueCurrency,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	FxRate        decimal.Decimal `json:"fxRate"`
	MVLocal       decimal.Decimal `json:"mvLocal"`
	MVBase        decimal.Decimal `json:"mvBase"`
	CostLocal     decimal.Decimal `json:"costLocal"`
	CostBase      decimal.Decimal `json:"costBase"`
	Excluded      bool            `json:"excluded,omitempty"`
	Stale         bool            `json:"stale,omitempty"`
	LiveMark      bool            `json:"liveMark"`
}

// AccountPositionsView is the positions-by-account read model.
type AccountPositionsView struct {
	AccountID    int64           `json:"accountId"`
	BaseCurrency string          `json:"baseCurrency"`
	BatchID      int64           `json:"batchId"`
	AsOf         time.Time       `json:"asOf"`
	TotalMVBase  decimal.Decimal `json:"totalMvBase"`
	StaleCount   int             `json:"staleCount"`
	Rows         []PositionRow   `json:"rows"`
}

// ExposureRow is one bucket of a grouped exposure view.
type ExposureRow struct {
	Key           string          `json:"key"`
	Positions     int             `json:"positions"`
	ExposureLocal decimal.Decimal `json:"exposureLocal"`
	ExposureBase  decimal.Decimal `json:"exposureBase"`
	Stale         bool            `json:"stale,omitempty"`
}

// ExposureView groups net exposure by currency or asset class.
type ExposureView struct {
	AccountID    int64         `json:"accountId"`
	BaseCurrency string        `json:"baseCurrency"`
	GroupedBy    string        `json:"groupedBy"`
	AsOf         time.Time     `json:"asOf"`
	Rows         []ExposureRow `json:"rows"`
}

// PnLRow is one holding's unrealized result against its loaded cost.
type PnLRow struct {
	ProductID int64           `json:"productId"`
	Ticker    string          `json:"ticker,omitempty"`
	MVLocal   decimal.Decimal `json:"mvLocal"`
	MVBase    decimal.Decimal `json:"mvBase"`
	CostLocal decimal.Decimal `json:"costLocal"`
	CostBase  decimal.Decimal `json:"costBase"`
	UPLLocal  decimal.Decimal `json:"uplLocal"`
	UPLBase   decimal.Decimal `json:"uplBase"`
	Stale     bool            `json:"stale,omitempty"`
}

// PnLView is the unrealized P&L summary.
type PnLView struct {
	AccountID    int64           `json:"accountId"`
	BaseCurrency string          `json:"baseCurrency"`
	AsOf         time.Time       `json:"asOf"`
	TotalUPLBase decimal.Decimal `json:"totalUplBase"`
	Rows         []PnLRow        `json:"rows"`
}

// StalePriceRow describes one holding whose effective price is stale or has
// no live mark at all.
type StalePriceRow struct {
	ProductID  int64            `json:"productId"`
	Ticker     string           `json:"ticker,omitempty"`
	Price      decimal.Decimal  `json:"price"`
	Source     core.PriceSource `json:"source,omitempty"`
	AgeSeconds int64            `json:"ageSeconds,omitempty"`
	Missing    bool             `json:"missing,omitempty"`
}

// StalePriceView is the stale-price report for one account.
type StalePriceView struct {
	AccountID int64           `json:"accountId"`
	AsOf      time.Time       `json:"asOf"`
	Held      int             `json:"held"`
	Rows      []StalePriceRow `json:"rows"`
}

// LadderPair is one pair's share of a maturity bucket.
type LadderPair struct {
	Pair     string          `json:"pair"`
	Count    int             `json:"count"`
	Notional decimal.Decimal `json:"notional"`
}

// LadderBucket is one maturity bucket of the forward ladder.
type LadderBucket struct {
	Bucket        string          `json:"bucket"`
	Count         int             `json:"count"`
	GrossNotional decimal.Decimal `json:"grossNotional"`
	Pairs         []LadderPair    `json:"pairs"`
}

// ForwardLadderView buckets the open forward book by time to maturity.
type ForwardLadderView struct {
	AsOf      time.Time      `json:"asOf"`
	AccountID int64          `json:"accountId,omitempty"`
	Contracts int            `json:"contracts"`
	Buckets   []LadderBucket `json:"buckets"`
}

// ladderBuckets is the ladder order; matured contracts sort first so a
// missed settlement is the first thing on the page.
var ladderBuckets = []string{"MATURED", "1W", "1M", "3M", "6M", "1Y", ">1Y"}

func bucketFor(now time.Time, maturity core.BusinessDate) string {
	days := int(maturity.Time().Sub(now) / (24 * time.Hour))
	switch {
	case days < 0:
		return "MATURED"
	case days <= 7:
		return "1W"
	case days <= 31:
		return "1M"
	case days <= 92:
		return "3M"
	case days <= 183:
		return "6M"
	case days <= 366:
		return "1Y"
	default:
		return ">1Y"
	}
}

// PositionsByAccount returns the account's active batch valued at current
// marks.
func (v *Views) PositionsByAccount(ctx context.Context, accountID int64) (AccountPositionsView, error) {
	account, rows, err := v.load(ctx, accountID)
	if err != nil {
		return AccountPositionsView{}, err
	}

	view := AccountPositionsView{
		AccountID:    accountID,
		BaseCurrency: account.BaseCurrency,
		AsOf:         time.Now().UTC(),
		TotalMVBase:  decimal.Zero,
		Rows:         make([]PositionRow, 0, len(rows)),
	}
	for _, p := range rows {
		if view.BatchID == 0 {
			view.BatchID = p.BatchID
		}
		row := v.value(ctx, account, p)
		view.Rows = append(view.Rows, row)
		if row.Stale {
			view.StaleCount++
		}
		if !row.Excluded {
			view.TotalMVBase = view.TotalMVBase.Add(row.MVBase)
		}
	}
	return view, nil
}

// ExposureByCurrency nets local exposure per issue currency. Excluded rows
// stay out of the aggregates.
func (v *Views) ExposureByCurrency(ctx context.Context, accountID int64) (ExposureView, error) {
	return v.exposure(ctx, accountID, "currency", func(row PositionRow) string {
		return row.IssueCurrency
	})
}

// ExposureByAssetClass nets exposure per asset class.
func (v *Views) ExposureByAssetClass(ctx context.Context, accountID int64) (ExposureView, error) {
	return v.exposure(ctx, accountID, "assetClass", func(row PositionRow) string {
		return string(row.AssetClass)
	})
}

func (v *Views) exposure(ctx context.Context, accountID int64, groupedBy string, keyOf func(PositionRow) string) (ExposureView, error) {
	account, rows, err := v.load(ctx, accountID)
	if err != nil {
		return ExposureView{}, err
	}

	buckets := make(map[string]*ExposureRow)
	for _, p := range rows {
		row := v.value(ctx, account, p)
		if row.Excluded {
			continue
		}
		key := keyOf(row)
		if key == "" {
			key = "UNKNOWN"
		}
		b, ok := buckets[key]
		if !ok {
			b = &ExposureRow{Key: key, ExposureLocal: decimal.Zero, ExposureBase: decimal.Zero}
			buckets[key] = b
		}
		b.Positions++
		b.ExposureLocal = b.ExposureLocal.Add(row.MVLocal)
		b.ExposureBase = b.ExposureBase.Add(row.MVBase)
		b.Stale = b.Stale || row.Stale
	}

	view := ExposureView{
		AccountID:    accountID,
		BaseCurrency: account.BaseCurrency,
		GroupedBy:    groupedBy,
		AsOf:         time.Now().UTC(),
		Rows:         make([]ExposureRow, 0, len(buckets)),
	}
	for _, b := range buckets {
		view.Rows = append(view.Rows, *b)
	}
	sort.Slice(view.Rows, func(i, j int) bool { return view.Rows[i].Key < view.Rows[j].Key })
	return view, nil
}

// UnrealizedPnL reports mark-to-market result against loaded cost, per
// holding and in total.
func (v *Views) UnrealizedPnL(ctx context.Context, accountID int64) (PnLView, error) {
	account, rows, err := v.load(ctx, accountID)
	if err != nil {
		return PnLView{}, err
	}

	view := PnLView{
		AccountID:    accountID,
		BaseCurrency: account.BaseCurrency,
		AsOf:         time.Now().UTC(),
		TotalUPLBase: decimal.Zero,
		Rows:         make([]PnLRow, 0, len(rows)),
	}
	for _, p := range rows {
		row := v.value(ctx, account, p)
		if row.Excluded {
			continue
		}
		pr := PnLRow{
			ProductID: row.ProductID,
			Ticker:    row.Ticker,
			MVLocal:   row.MVLocal,
			MVBase:    row.MVBase,
			CostLocal: row.CostLocal,
			CostBase:  row.CostBase,
			UPLLocal:  row.MVLocal.Sub(row.CostLocal),
			UPLBase:   row.MVBase.Sub(row.CostBase),
			Stale:     row.Stale,
		}
		view.TotalUPLBase = view.TotalUPLBase.Add(pr.UPLBase)
		view.Rows = append(view.Rows, pr)
	}
	return view, nil
}

// StalePrices lists holdings whose effective price is past its freshness
// window or has no cached mark at all.
func (v *Views) StalePrices(ctx context.Context, accountID int64) (StalePriceView, error) {
	_, rows, err := v.load(ctx, accountID)
	if err != nil {
		return StalePriceView{}, err
	}

	now := time.Now().UTC()
	view := StalePriceView{AccountID: accountID, AsOf: now, Held: len(rows)}
	for _, p := range rows {
		entry, ok := v.cache.GetPrice(ctx, p.ProductID)
		if ok && !entry.Stale && entry.Value.Sign() > 0 {
			continue
		}
		row := StalePriceRow{ProductID: p.ProductID}
		if product, found := v.resolver.Product(p.ProductID); found {
			row.Ticker = product.Ticker
		}
		if ok {
			row.Price = entry.Value
			row.Source = entry.Source
			row.AgeSeconds = int64(now.Sub(entry.Timestamp).Seconds())
		} else {
			row.Price = p.PriceUsed
			row.Missing = true
		}
		view.Rows = append(view.Rows, row)
	}
	return view, nil
}

// ForwardLadder buckets forward contracts by time to maturity. A zero
// accountID returns the whole book.
func (v *Views) ForwardLadder(ctx context.Context, accountID int64) (ForwardLadderView, error) {
	contracts, err := resilience.Call(ctx, v.guards.Get(config.DepDatabase), func(ctx context.Context) ([]core.ForwardContract, error) {
		return v.trades.ListForwards(ctx)
	})
	if err != nil {
		return ForwardLadderView{}, err
	}

	now := time.Now().UTC()
	view := ForwardLadderView{AsOf: now, AccountID: accountID}
	grouped := make(map[string]map[string]*LadderPair)
	counts := make(map[string]int)
	gross := make(map[string]decimal.Decimal)

	for _, fc := range contracts {
		if accountID != 0 && fc.AccountID != accountID {
			continue
		}
		view.Contracts++
		bucket := bucketFor(now, fc.MaturityDate)
		counts[bucket]++
		gross[bucket] = gross[bucket].Add(fc.Notional)
		pairs, ok := grouped[bucket]
		if !ok {
			pairs = make(map[string]*LadderPair)
			grouped[bucket] = pairs
		}
		lp, ok := pairs[fc.Pair]
		if !ok {
			lp = &LadderPair{Pair: fc.Pair, Notional: decimal.Zero}
			pairs[fc.Pair] = lp
		}
		lp.Count++
		lp.Notional = lp.Notional.Add(fc.Notional)
	}

	for _, bucket := range ladderBuckets {
		if counts[bucket] == 0 {
			continue
		}
		lb := LadderBucket{
			Bucket:        bucket,
			Count:         counts[bucket],
			GrossNotional: gross[bucket],
		}
		for _, lp := range grouped[bucket] {
			lb.Pairs = append(lb.Pairs, *lp)
		}
		sort.Slice(lb.Pairs, func(i, j int) bool { return lb.Pairs[i].Pair < lb.Pairs[j].Pair })
		view.Buckets = append(view.Buckets, lb)
	}
	return view, nil
}

// load fetches the account identity and its current batch rows.
func (v *Views) load(ctx context.Context, accountID int64) (core.Account, []core.Position, error) {
	account, ok := v.resolver.Account(accountID)
	if !ok {
		return core.Account{}, nil, apperrors.Newf(apperrors.CodeValidationFailed,
			"account %d is not in the reference cache", accountID)
	}
	rows, err := resilience.Call(ctx, v.guards.Get(config.DepDatabase), func(ctx context.Context) ([]core.Position, error) {
		return v.positions.CurrentPositions(ctx, accountID)
	})
	if err != nil {
		return core.Account{}, nil, err
	}
	return account, rows, nil
}

// value joins one stored row with the live cache. Missing marks or rate
// chains fall back to the loaded values and tag the row stale.
func (v *Views) value(ctx context.Context, account core.Account, p core.Position) PositionRow {
	row := PositionRow{
		ProductID: p.ProductID,
		Quantity:  p.Quantity,
		CostLocal: p.CostLocal,
		CostBase:  p.CostBase,
		Excluded:  p.Excluded,
	}
	localCcy := ""
	if product, ok := v.resolver.Product(p.ProductID); ok {
		row.Ticker = product.Ticker
		row.AssetClass = product.AssetClass
		row.IssueCurrency = product.IssueCurrency
		localCcy = product.IssueCurrency
	}

	price := p.PriceUsed
	if entry, ok := v.cache.GetPrice(ctx, p.ProductID); ok && entry.Value.Sign() > 0 {
		price = entry.Value
		row.Stale = entry.Stale
		row.LiveMark = true
	} else {
		row.Stale = true
	}

	rate := p.FxRateUsed
	switch {
	case localCcy == "":
		row.Stale = true
	case localCcy == account.BaseCurrency:
		rate = decimal.NewFromInt(1)
	default:
		if live, fxStale, err := v.rates.ResolveRate(ctx, localCcy, account.BaseCurrency); err == nil {
			rate = live
			row.Stale = row.Stale || fxStale
		} else {
			row.Stale = true
		}
	}

	row.Price = price
	row.FxRate = rate
	row.MVLocal = fxmath.Notional(p.Quantity, price)
	row.MVBase = fxmath.MarketValue(p.Quantity, price, rate)
	return row
}
