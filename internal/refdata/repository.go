// Package refdata owns the client/fund/account/product reference hierarchy
// and the cached symbology resolver over it. Reference rows are written only
// by the position loader; every other service consumes them through the
// resolver cache.
package refdata

import (
	"context"
	"database/sql"

	"fx_platform/internal/core"
	"fx_platform/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	id       INTEGER PRIMARY KEY,
	name     TEXT NOT NULL,
	base_ccy TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS funds (
	id        INTEGER PRIMARY KEY,
	client_id INTEGER NOT NULL REFERENCES clients(id),
	name      TEXT NOT NULL,
	base_ccy  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS accounts (
	id       INTEGER PRIMARY KEY,
	fund_id  INTEGER NOT NULL REFERENCES funds(id),
	number   TEXT NOT NULL,
	type     TEXT NOT NULL,
	base_ccy TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS products (
	id          INTEGER PRIMARY KEY,
	id_type     TEXT NOT NULL,
	identifier  TEXT NOT NULL,
	ticker      TEXT NOT NULL,
	asset_class TEXT NOT NULL,
	issue_ccy   TEXT NOT NULL,
	settle_ccy  TEXT NOT NULL,
	risk_region TEXT NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_products_identifier
	ON products(id_type, identifier) WHERE active = 1;
CREATE INDEX IF NOT EXISTS ix_products_ticker ON products(ticker) WHERE active = 1;
`

// Repository provides SQL access to the reference tables.
type Repository struct {
	db     *sql.DB
	logger core.ILogger
}

// NewRepository creates a repository and ensures its schema exists.
func NewRepository(db *sql.DB, logger core.ILogger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, storage.Classify(err)
	}
	return &Repository{db: db, logger: logger.WithField("component", "refdata_repository")}, nil
}

// UpsertClient writes or replaces a client row.
func (r *Repository) UpsertClient(ctx context.Context, c core.Client) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO clients (id, name, base_ccy) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, base_ccy = excluded.base_ccy`,
		c.ID, c.Name, c.BaseCurrency)
	return storage.Classify(err)
}

// UpsertFund writes or replaces a fund row.
func (r *Repository) UpsertFund(ctx context.Context, f core.Fund) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO funds (id, client_id, name, base_ccy) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET client_id = excluded.client_id, name = excluded.name, base_ccy = excluded.base_ccy`,
		f.ID, f.ClientID, f.Name, f.BaseCurrency)
	return storage.Classify(err)
}

// UpsertAccount writes or replaces an account row.
func (r *Repository) UpsertAccount(ctx context.Context, a core.Account) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, fund_id, number, type, base_ccy) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET fund_id = excluded.fund_id, number = excluded.number,
			type = excluded.type, base_ccy = excluded.base_ccy`,
		a.ID, a.FundID, a.Number, a.Type, a.BaseCurrency)
	return storage.Classify(err)
}

// UpsertProduct writes or replaces a product row.
func (r *Repository) UpsertProduct(ctx context.Context, p core.Product) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO products (id, id_type, identifier, ticker, asset_class, issue_ccy, settle_ccy, risk_region, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET id_type = excluded.id_type, identifier = excluded.identifier,
			ticker = excluded.ticker, asset_class = excluded.asset_class, issue_ccy = excluded.issue_ccy,
			settle_ccy = excluded.settle_ccy, risk_region = excluded.risk_region, active = excluded.active`,
		p.ID, p.IdentifierType, p.Identifier, p.Ticker, p.AssetClass, p.IssueCurrency,
		p.SettleCurrency, p.RiskRegion, p.Active)
	return storage.Classify(err)
}

// EnsureHierarchy upserts the client/fund/account identity carried by an
// upstream snapshot so position rows always join to live reference rows.
func (r *Repository) EnsureHierarchy(ctx context.Context, snap *core.AccountSnapshot) error {
	if err := r.UpsertClient(ctx, core.Client{ID: snap.ClientID, Name: snap.ClientName, BaseCurrency: snap.BaseCurrency}); err != nil {
		return err
	}
	if err := r.UpsertFund(ctx, core.Fund{ID: snap.FundID, ClientID: snap.ClientID, Name: snap.FundName, BaseCurrency: snap.BaseCurrency}); err != nil {
		return err
	}
	return r.UpsertAccount(ctx, core.Account{
		ID:           snap.AccountID,
		FundID:       snap.FundID,
		Number:       snap.AccountNumber,
		Type:         snap.AccountType,
		BaseCurrency: snap.BaseCurrency,
	})
}

// GetAccount returns one account row.
func (r *Repository) GetAccount(ctx context.Context, accountID int64) (core.Account, error) {
	var a core.Account
	err := r.db.QueryRowContext(ctx,
		`SELECT id, fund_id, number, type, base_ccy FROM accounts WHERE id = ?`, accountID).
		Scan(&a.ID, &a.FundID, &a.Number, &a.Type, &a.BaseCurrency)
	if err == sql.ErrNoRows {
		return core.Account{}, sql.ErrNoRows
	}
	if err != nil {
		return core.Account{}, storage.Classify(err)
	}
	return a, nil
}

// ListAccounts returns every account id, used by startup index rebuilds.
func (r *Repository) ListAccounts(ctx context.Context) ([]core.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, fund_id, number, type, base_ccy FROM accounts ORDER BY id`)
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer rows.Close()

	var accounts []core.Account
	for rows.Next() {
		var a core.Account
		if err := rows.Scan(&a.ID, &a.FundID, &a.Number, &a.Type, &a.BaseCurrency); err != nil {
			return nil, storage.Classify(err)
		}
		accounts = append(accounts, a)
	}
	return accounts, storage.Classify(rows.Err())
}

// AccountsByClient returns the ids of every account under a client, joined
// through the fund level. The sign-off tracker completes a client only when
// all of these have finished EOD.
func (r *Repository) AccountsByClient(ctx context.Context, clientID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.id FROM accounts a JOIN funds f ON a.fund_id = f.id WHERE f.client_id = ? ORDER BY a.id`,
		clientID)
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storage.Classify(err)
		}
		ids = append(ids, id)
	}
	return ids, storage.Classify(rows.Err())
}

// ClientOfAccount resolves the owning client for an account.
func (r *Repository) ClientOfAccount(ctx context.Context, accountID int64) (int64, error) {
	var clientID int64
	err := r.db.QueryRowContext(ctx,
		`SELECT f.client_id FROM accounts a JOIN funds f ON a.fund_id = f.id WHERE a.id = ?`,
		accountID).Scan(&clientID)
	if err == sql.ErrNoRows {
		return 0, sql.ErrNoRows
	}
	if err != nil {
		return 0, storage.Classify(err)
	}
	return clientID, nil
}

// ListActiveProducts returns every active product for the resolver cache.
func (r *Repository) ListActiveProducts(ctx context.Context) ([]core.Product, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, id_type, identifier, ticker, asset_class, issue_ccy, settle_ccy, risk_region, active
		 FROM products WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, storage.Classify(err)
	}
	defer rows.Close()

	var products []core.Product
	for rows.Next() {
		var p core.Product
		if err := rows.Scan(&p.ID, &p.IdentifierType, &p.Identifier, &p.Ticker, &p.AssetClass,
			&p.IssueCurrency, &p.SettleCurrency, &p.RiskRegion, &p.Active); err != nil {
			return nil, storage.Classify(err)
		}
		products = append(products, p)
	}
	return products, storage.Classify(rows.Err())
}
