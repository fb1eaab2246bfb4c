package fabric

// Topic names. Partitioning is by natural entity key: accountId for position
// flows, productId for market data, currency pair for FX, client order id for
// order flows.
const (
	TopicEODTrigger      = "MSPM_EOD_TRIGGER"
	TopicIntraday        = "MSPA_INTRADAY"
	TopicMarketData      = "MARKET_DATA_TICKS"
	TopicFxRates         = "FX_RATES_TICKS"
	TopicPositionChange  = "POSITION_CHANGE_EVENTS"
	TopicClientSignoff   = "CLIENT_REPORTING_SIGNOFF"
	TopicOrders          = "FX_MATRIX_ORDERS"
	TopicExecutionReport = "RAW_EXECUTION_REPORTS"
	TopicIntradayTrades  = "INTRADAY_TRADE_EVENTS"
)

// DLQSuffix is appended to a topic name to derive its dead-letter topic.
const DLQSuffix = ".DLQ"

// DLQTopic returns the dead-letter topic for a topic.
func DLQTopic(topic string) string { return topic + DLQSuffix }

// Header keys attached to dead-lettered and deduplicated messages.
const (
	HeaderError       = "error"
	HeaderErrorCode   = "error_code"
	HeaderOriginTopic = "origin_topic"
	HeaderAttempts    = "attempts"
	HeaderProducerID  = "producer_id"
	HeaderProducerSeq = "producer_seq"
)
