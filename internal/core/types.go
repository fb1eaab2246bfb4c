package core

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// BusinessDate is a calendar date in YYYY-MM-DD form. Position batches, EOD
// status rows and price rows are keyed by it.
type BusinessDate string

const businessDateLayout = "2006-01-02"

// NewBusinessDate truncates an instant to its UTC calendar date.
func NewBusinessDate(t time.Time) BusinessDate {
	return BusinessDate(t.UTC().Format(businessDateLayout))
}

// Time returns midnight UTC of the date. Invalid dates return the zero time.
func (d BusinessDate) Time() time.Time {
	t, err := time.Parse(businessDateLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Valid reports whether the date parses as YYYY-MM-DD.
func (d BusinessDate) Valid() bool {
	_, err := time.Parse(businessDateLayout, string(d))
	return err == nil
}

// AssetClass enumerates tradable instrument classes.
type AssetClass string

const (
	AssetEquity     AssetClass = "EQUITY"
	AssetCash       AssetClass = "CASH"
	AssetFxSpot     AssetClass = "FX_SPOT"
	AssetFxForward  AssetClass = "FX_FORWARD"
	AssetEquitySwap AssetClass = "EQUITY_SWAP"
)

// PriceSource identifies where a price came from. Sources are ranked; a
// higher rank overrides a lower rank on cache write.
type PriceSource string

const (
	SourceOverride PriceSource = "OVERRIDE"
	SourceRealtime PriceSource = "REALTIME"
	SourceRCPSnap  PriceSource = "RCP_SNAP"
	SourceMSPA     PriceSource = "MSPA"
)

var sourceRanks = map[PriceSource]int{
	SourceMSPA:     1,
	SourceRCPSnap:  2,
	SourceRealtime: 3,
	SourceOverride: 4,
}

// Rank returns the priority of the source, higher wins. Unknown sources rank
// below every known source.
func (s PriceSource) Rank() int { return sourceRanks[s] }

// PositionType distinguishes physical holdings from synthetic exposure.
type PositionType string

const (
	PositionPhysical  PositionType = "PHYSICAL"
	PositionSynthetic PositionType = "SYNTHETIC"
)

// EODStatus is the per (account, business date) load state.
type EODStatus string

const (
	EODPending    EODStatus = "PENDING"
	EODInProgress EODStatus = "IN_PROGRESS"
	EODCompleted  EODStatus = "COMPLETED"
	EODFailed     EODStatus = "FAILED"
)

// Terminal reports whether the status accepts no further transitions.
// FAILED is retryable and therefore not terminal.
func (s EODStatus) Terminal() bool { return s == EODCompleted }

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus tracks the lifecycle of a hedge order.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPendingNew      OrderStatus = "PENDING_NEW"
	OrderSent            OrderStatus = "SENT"
	OrderAcknowledged    OrderStatus = "ACKNOWLEDGED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderOrphaned        OrderStatus = "ORPHANED"
)

// Terminal reports whether the status is final; terminal orders accept no
// further fills.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCanceled, OrderOrphaned:
		return true
	}
	return false
}

// EventType classifies position-change events.
type EventType string

const (
	EventEODComplete     EventType = "EOD_COMPLETE"
	EventIntraday        EventType = "INTRADAY"
	EventManualUpload    EventType = "MANUAL_UPLOAD"
	EventCacheInvalidate EventType = "CACHE_INVALIDATE"
)

// Client is the top of the reference hierarchy.
type Client struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	BaseCurrency string `json:"baseCurrency"`
}

// Fund belongs to exactly one client.
type Fund struct {
	ID           int64  `json:"id"`
	ClientID     int64  `json:"clientId"`
	Name         string `json:"name"`
	BaseCurrency string `json:"baseCurrency"`
}

// Account belongs to exactly one fund.
type Account struct {
	ID           int64  `json:"id"`
	FundID       int64  `json:"fundId"`
	Number       string `json:"number"`
	Type         string `json:"type"`
	BaseCurrency string `json:"baseCurrency"`
}

// Product is a tradable instrument. (IdentifierType, Identifier) is unique
// among active products.
type Product struct {
	ID               int64      `json:"id"`
	IdentifierType   string     `json:"identifierType"`
	Identifier       string     `json:"identifier"`
	Ticker           string     `json:"ticker"`
	AssetClass       AssetClass `json:"assetClass"`
	IssueCurrency    string     `json:"issueCurrency"`
	SettleCurrency   string     `json:"settleCurrency"`
	RiskRegion       string     `json:"riskRegion"`
	Active           bool       `json:"active"`
}

// Position is one bitemporal row of the position table. Both time axes are
// half-open [from, to); a row is current when SystemTo is the open end.
type Position struct {
	AccountID    int64           `json:"accountId"`
	ProductID    int64           `json:"productId"`
	BatchID      int64           `json:"batchId"`
	Quantity     decimal.Decimal `json:"quantity"`
	PriceUsed    decimal.Decimal `json:"priceUsed"`
	FxRateUsed   decimal.Decimal `json:"fxRateUsed"`
	MVLocal      decimal.Decimal `json:"mvLocal"`
	MVBase       decimal.Decimal `json:"mvBase"`
	CostLocal    decimal.Decimal `json:"costLocal"`
	CostBase     decimal.Decimal `json:"costBase"`
	UPLLocal     decimal.Decimal `json:"uplLocal"`
	UPLBase      decimal.Decimal `json:"uplBase"`
	SourceSystem string          `json:"sourceSystem"`
	PositionType PositionType    `json:"positionType"`
	Excluded     bool            `json:"excluded"`
	BusinessDate BusinessDate    `json:"businessDate"`
	ValidFrom    time.Time       `json:"validFrom"`
	ValidTo      time.Time       `json:"validTo"`
	SystemFrom   time.Time       `json:"systemFrom"`
	SystemTo     time.Time       `json:"systemTo"`
}

// SnapshotRow is one position row of an upstream account snapshot.
// ExternalRefID is the per-row idempotency key for intraday records.
type SnapshotRow struct {
	ProductID     int64           `json:"productId"`
	Ticker        string          `json:"ticker"`
	AssetClass    AssetClass      `json:"assetClass"`
	IssueCurrency string          `json:"issueCurrency"`
	Quantity      decimal.Decimal `json:"quantity"`
	TxnType       string          `json:"txnType"`
	Price         decimal.Decimal `json:"price"`
	ExternalRefID string          `json:"externalRefId"`
}

// AccountSnapshot is the upstream position payload for one account.
type AccountSnapshot struct {
	AccountID     int64         `json:"accountId"`
	ClientID      int64         `json:"clientId"`
	ClientName    string        `json:"clientName"`
	FundID        int64         `json:"fundId"`
	FundName      string        `json:"fundName"`
	BaseCurrency  string        `json:"baseCurrency"`
	AccountNumber string        `json:"accountNumber"`
	AccountType   string        `json:"accountType"`
	BusinessDate  BusinessDate  `json:"businessDate"`
	Positions     []SnapshotRow `json:"positions"`
}

// PriceTick is one market-data update.
type PriceTick struct {
	ProductID  int64           `json:"productId"`
	Ticker     string          `json:"ticker"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	AssetClass AssetClass      `json:"assetClass"`
	Timestamp  time.Time       `json:"ts"`
	Source     PriceSource     `json:"source"`
}

// FxRateTick is one FX rate update for a currency pair like "EUR/USD".
type FxRateTick struct {
	Pair          string          `json:"pair"`
	Rate          decimal.Decimal `json:"rate"`
	ForwardPoints decimal.Decimal `json:"forwardPoints"`
	Timestamp     time.Time       `json:"ts"`
	Source        PriceSource     `json:"source"`
}

// ValuationUpdate is one revalued position pushed to the subscribers of its
// account. Stale is set when any price or FX leg was past its freshness
// deadline; the value still flows, tagged.
type ValuationUpdate struct {
	AccountID int64           `json:"accountId"`
	ProductID int64           `json:"productId"`
	Ticker    string          `json:"ticker,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	FxRate    decimal.Decimal `json:"fxRate"`
	MVLocal   decimal.Decimal `json:"mvLocal"`
	MVBase    decimal.Decimal `json:"mvBase"`
	BaseCcy   string          `json:"baseCcy"`
	Stale     bool            `json:"stale"`
	Timestamp time.Time       `json:"ts"`
}

// PositionChangeEvent notifies downstream services that an account's
// positions changed.
type PositionChangeEvent struct {
	AccountID int64     `json:"accountId"`
	ClientID  int64     `json:"clientId"`
	EventType EventType `json:"eventType"`
	Timestamp time.Time `json:"ts"`
}

// DedupKey identifies the event for direct/fabric double-delivery dedup.
func (e PositionChangeEvent) DedupKey() string {
	return strconv.FormatInt(e.AccountID, 10) + ":" + string(e.EventType) + ":" + e.Timestamp.UTC().Format(time.RFC3339Nano)
}

// SignoffEvent is published once per client per business date when every
// account of the client has completed EOD.
type SignoffEvent struct {
	ClientID     int64        `json:"clientId"`
	BusinessDate BusinessDate `json:"businessDate"`
	AccountCount int          `json:"accountCount"`
	Timestamp    time.Time    `json:"ts"`
}

// OrderRequest is a hedge order routed to the trade channel.
type OrderRequest struct {
	ClientOrderID string          `json:"clientOrderId"`
	AccountID     int64           `json:"accountId"`
	ProductID     int64           `json:"productId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limitPrice"`
	MaturityDate  BusinessDate    `json:"maturityDate,omitempty"`
	Timestamp     time.Time       `json:"ts"`
}

// ExecutionReport is one fill notification from the trade channel.
// ExecID is globally unique and is the idempotency key for fills.
type ExecutionReport struct {
	ExecID        string          `json:"execId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	LastQty       decimal.Decimal `json:"lastQty"`
	LastPx        decimal.Decimal `json:"lastPx"`
	CumQty        decimal.Decimal `json:"cumQty"`
	Status        OrderStatus     `json:"status"`
	Timestamp     time.Time       `json:"ts"`
}

// OrderState is the short-lived accumulation state for one client order id.
type OrderState struct {
	ClientOrderID string          `json:"clientOrderId"`
	AccountID     int64           `json:"accountId"`
	ProductID     int64           `json:"productId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	Notional      decimal.Decimal `json:"notional"`
	Status        OrderStatus     `json:"status"`
	FillCount     int             `json:"fillCount"`
	FirstSeen     time.Time       `json:"firstSeen"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// OrderSummary is the durable roll-up row for one client order id.
type OrderSummary struct {
	ClientOrderID string          `json:"clientOrderId"`
	AccountID     int64           `json:"accountId"`
	ProductID     int64           `json:"productId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	Notional      decimal.Decimal `json:"notional"`
	VWAP          decimal.Decimal `json:"vwap"`
	Status        OrderStatus     `json:"status"`
	FillCount     int             `json:"fillCount"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// IntradayTradeEvent is the synthetic position update emitted when an order
// completes; the loader applies it like any other intraday record.
type IntradayTradeEvent struct {
	AccountID     int64           `json:"accountId"`
	ProductID     int64           `json:"productId"`
	Ticker        string          `json:"ticker"`
	ClientOrderID string          `json:"clientOrderId"`
	Side          Side            `json:"side"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	VWAP          decimal.Decimal `json:"vwap"`
	Timestamp     time.Time       `json:"ts"`
}

// ForwardContract is derived from an executed forward fill.
type ForwardContract struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId"`
	AccountID     int64           `json:"accountId"`
	Pair          string          `json:"pair"`
	Notional      decimal.Decimal `json:"notional"`
	ForwardRate   decimal.Decimal `json:"forwardRate"`
	MaturityDate  BusinessDate    `json:"maturityDate"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// EODDailyStatus is one row of the EOD state table.
type EODDailyStatus struct {
	AccountID     int64        `json:"accountId"`
	BusinessDate  BusinessDate `json:"businessDate"`
	Status        EODStatus    `json:"status"`
	CompletedAt   time.Time    `json:"completedAt"`
	PositionCount int          `json:"positionCount"`
	ErrorText     string       `json:"errorText"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// OwnsAccount applies the shard contract: an account belongs to shard
// |accountID| mod totalShards.
func OwnsAccount(accountID int64, shardIndex, totalShards int) bool {
	if totalShards <= 1 {
		return true
	}
	id := accountID
	if id < 0 {
		id = -id
	}
	return int(id%int64(totalShards)) == shardIndex
}
