package pricecache

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"fx_platform/internal/core"
	"fx_platform/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS prices (
	product_id INTEGER NOT NULL,
	price_date TEXT NOT NULL,
	source     TEXT NOT NULL,
	src_rank   INTEGER NOT NULL,
	value      TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	PRIMARY KEY (product_id, price_date, source)
);
CREATE TABLE IF NOT EXISTS fx_rates (
	pair      TEXT NOT NULL,
	rate_date TEXT NOT NULL,
	source    TEXT NOT NULL,
	src_rank  INTEGER NOT NULL,
	value     TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	PRIMARY KEY (pair, rate_date, source)
);
`

// Repository is the durable price and FX rate store behind the cache
// tiers. One row per (key, date, source); the effective value for a key
// is the highest-ranked source of the most recent date.
type Repository struct {
	db     *sql.DB
	logger core.ILogger
}

func NewRepository(db *sql.DB, logger core.ILogger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, storage.Classify(err)
	}
	return &Repository{db: db, logger: logger.WithField("component", "price_repository")}, nil
}

// UpsertPrice writes one (product, date, source) price row.
func (r *Repository) UpsertPrice(ctx context.Context, productID int64, date core.BusinessDate, e core.PriceEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO prices (product_id, price_date, source, src_rank, value, ts) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(product_id, price_date, source) DO UPDATE SET value = excluded.value, ts = excluded.ts`,
		productID, string(date), string(e.Source), e.Source.Rank(), e.Value.String(), storage.ToMicros(e.Timestamp))
	return storage.Classify(err)
}

// UpsertFxRate writes one (pair, date, source) rate row.
func (r *Repository) UpsertFxRate(ctx context.Context, pair string, date core.BusinessDate, e core.PriceEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO fx_rates (pair, rate_date, source, src_rank, value, ts) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pair, rate_date, source) DO UPDATE SET value = excluded.value, ts = excluded.ts`,
		pair, string(date), string(e.Source), e.Source.Rank(), e.Value.String(), storage.ToMicros(e.Timestamp))
	return storage.Classify(err)
}

// BestPrice returns the effective durable price for a product.
func (r *Repository) BestPrice(ctx context.Context, productID int64) (core.PriceEntry, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT value, source, ts FROM prices WHERE product_id = ?
		 ORDER BY price_date DESC, src_rank DESC LIMIT 1`, productID)
	return scanEntry(row)
}

// BestFxRate returns the effective durable rate for a currency pair.
func (r *Repository) BestFxRate(ctx context.Context, pair string) (core.PriceEntry, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT value, source, ts FROM fx_rates WHERE pair = ?
		 ORDER BY rate_date DESC, src_rank DESC LIMIT 1`, pair)
	return scanEntry(row)
}

func scanEntry(row *sql.Row) (core.PriceEntry, bool, error) {
	var (
		value  string
		source string
		ts     int64
	)
	if err := row.Scan(&value, &source, &ts); err != nil {
		if err == sql.ErrNoRows {
			return core.PriceEntry{}, false, nil
		}
		return core.PriceEntry{}, false, storage.Classify(err)
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return core.PriceEntry{}, false, err
	}
	return core.PriceEntry{
		Value:     v,
		Source:    core.PriceSource(source),
		Timestamp: storage.FromMicros(ts),
	}, true, nil
}
