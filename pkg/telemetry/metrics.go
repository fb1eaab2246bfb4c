package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricEODRunsTotal           = "fx_platform_eod_runs_total"
	MetricEODDurationMs          = "fx_platform_eod_duration_ms"
	MetricPositionsLoadedTotal   = "fx_platform_positions_loaded_total"
	MetricIntradayAppliedTotal   = "fx_platform_intraday_applied_total"
	MetricDuplicatesDroppedTotal = "fx_platform_duplicates_dropped_total"
	MetricValidationRejectsTotal = "fx_platform_validation_rejects_total"
	MetricZeroPriceTotal         = "fx_platform_zero_price_detected_total"
	MetricCacheL2ErrorsTotal     = "fx_platform_price_cache_l2_errors_total"
	MetricIdemStoreErrorsTotal   = "fx_platform_idempotency_store_errors_total"
	MetricStalePriceReadsTotal   = "fx_platform_stale_price_reads_total"
	MetricFillsProcessedTotal    = "fx_platform_fills_processed_total"
	MetricLateFillsDroppedTotal  = "fx_platform_late_fills_dropped_total"
	MetricOrphanedOrdersTotal    = "fx_platform_orphaned_orders_total"
	MetricRevaluationsTotal      = "fx_platform_revaluations_total"
	MetricConflatedDropsTotal    = "fx_platform_conflated_drops_total"
	MetricSignoffsTotal          = "fx_platform_signoffs_total"
	MetricShardSkippedTotal      = "fx_platform_shard_skipped_total"
	MetricDLQMessagesTotal       = "fx_platform_dlq_messages_total"
	MetricPushDropsTotal         = "fx_platform_push_drops_total"
	MetricPushRejectsTotal       = "fx_platform_push_rejects_total"
	MetricDBLatencyMs            = "fx_platform_db_latency_ms"
	MetricRevalLatencyMs         = "fx_platform_revaluation_latency_ms"
	MetricEODDeadlineMissed      = "fx_platform_eod_deadline_missed"
	MetricOpenOrders             = "fx_platform_open_orders"
	MetricCircuitOpen            = "fx_platform_circuit_open"
	MetricCacheEntries           = "fx_platform_cache_entries"
	MetricSubscribers            = "fx_platform_subscribers"
	MetricReverseIndexSize       = "fx_platform_reverse_index_size"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	EODRunsTotal           metric.Int64Counter
	EODDurationMs          metric.Float64Histogram
	PositionsLoadedTotal   metric.Int64Counter
	IntradayAppliedTotal   metric.Int64Counter
	DuplicatesDroppedTotal metric.Int64Counter
	ValidationRejectsTotal metric.Int64Counter
	ZeroPriceTotal         metric.Int64Counter
	CacheL2ErrorsTotal     metric.Int64Counter
	IdemStoreErrorsTotal   metric.Int64Counter
	StalePriceReadsTotal   metric.Int64Counter
	FillsProcessedTotal    metric.Int64Counter
	LateFillsDroppedTotal  metric.Int64Counter
	OrphanedOrdersTotal    metric.Int64Counter
	RevaluationsTotal      metric.Int64Counter
	ConflatedDropsTotal    metric.Int64Counter
	SignoffsTotal          metric.Int64Counter
	ShardSkippedTotal      metric.Int64Counter
	DLQMessagesTotal       metric.Int64Counter
	PushDropsTotal         metric.Int64Counter
	PushRejectsTotal       metric.Int64Counter
	DBLatencyMs            metric.Float64Histogram
	RevalLatencyMs         metric.Float64Histogram
	EODDeadlineMissed      metric.Int64ObservableGauge
	OpenOrders             metric.Int64ObservableGauge
	CircuitOpen            metric.Int64ObservableGauge
	CacheEntries           metric.Int64ObservableGauge
	Subscribers            metric.Int64ObservableGauge
	ReverseIndexSize       metric.Int64ObservableGauge

	// State for observable gauges
	mu                sync.RWMutex
	deadlineMissedMap map[string]int64
	openOrdersMap     map[string]int64
	circuitOpenMap    map[string]int64
	cacheEntriesMap   map[string]int64
	subscribersMap    map[string]int64
	revIndexSizeMap   map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			deadlineMissedMap: make(map[string]int64),
			openOrdersMap:     make(map[string]int64),
			circuitOpenMap:    make(map[string]int64),
			cacheEntriesMap:   make(map[string]int64),
			subscribersMap:    make(map[string]int64),
			revIndexSizeMap:   make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.EODRunsTotal, err = meter.Int64Counter(MetricEODRunsTotal, metric.WithDescription("EOD runs by terminal status"))
	if err != nil {
		return err
	}

	m.EODDurationMs, err = meter.Float64Histogram(MetricEODDurationMs, metric.WithDescription("End-to-end EOD duration per account"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.PositionsLoadedTotal, err = meter.Int64Counter(MetricPositionsLoadedTotal, metric.WithDescription("Position rows inserted by EOD batches"))
	if err != nil {
		return err
	}

	m.IntradayAppliedTotal, err = meter.Int64Counter(MetricIntradayAppliedTotal, metric.WithDescription("Intraday position updates applied"))
	if err != nil {
		return err
	}

	m.DuplicatesDroppedTotal, err = meter.Int64Counter(MetricDuplicatesDroppedTotal, metric.WithDescription("Records dropped by idempotency checks"))
	if err != nil {
		return err
	}

	m.ValidationRejectsTotal, err = meter.Int64Counter(MetricValidationRejectsTotal, metric.WithDescription("Snapshot rows rejected by validation"))
	if err != nil {
		return err
	}

	m.ZeroPriceTotal, err = meter.Int64Counter(MetricZeroPriceTotal, metric.WithDescription("Zero prices filtered on ingestion"))
	if err != nil {
		return err
	}

	m.CacheL2ErrorsTotal, err = meter.Int64Counter(MetricCacheL2ErrorsTotal, metric.WithDescription("Distributed cache errors swallowed"))
	if err != nil {
		return err
	}

	m.IdemStoreErrorsTotal, err = meter.Int64Counter(MetricIdemStoreErrorsTotal, metric.WithDescription("Idempotency store failures degraded to not-duplicate"))
	if err != nil {
		return err
	}

	m.StalePriceReadsTotal, err = meter.Int64Counter(MetricStalePriceReadsTotal, metric.WithDescription("Cache reads served past the staleness deadline"))
	if err != nil {
		return err
	}

	m.FillsProcessedTotal, err = meter.Int64Counter(MetricFillsProcessedTotal, metric.WithDescription("Execution reports applied"))
	if err != nil {
		return err
	}

	m.LateFillsDroppedTotal, err = meter.Int64Counter(MetricLateFillsDroppedTotal, metric.WithDescription("Fills rejected after terminal or orphaned state"))
	if err != nil {
		return err
	}

	m.OrphanedOrdersTotal, err = meter.Int64Counter(MetricOrphanedOrdersTotal, metric.WithDescription("Orders marked orphaned by the scan"))
	if err != nil {
		return err
	}

	m.RevaluationsTotal, err = meter.Int64Counter(MetricRevaluationsTotal, metric.WithDescription("Per-account revaluations computed"))
	if err != nil {
		return err
	}

	m.ConflatedDropsTotal, err = meter.Int64Counter(MetricConflatedDropsTotal, metric.WithDescription("Updates superseded inside a conflation window"))
	if err != nil {
		return err
	}

	m.SignoffsTotal, err = meter.Int64Counter(MetricSignoffsTotal, metric.WithDescription("Client sign-off events published"))
	if err != nil {
		return err
	}

	m.ShardSkippedTotal, err = meter.Int64Counter(MetricShardSkippedTotal, metric.WithDescription("Events ignored for accounts owned by other shards"))
	if err != nil {
		return err
	}

	m.DLQMessagesTotal, err = meter.Int64Counter(MetricDLQMessagesTotal, metric.WithDescription("Messages copied to dead-letter topics"))
	if err != nil {
		return err
	}

	m.PushDropsTotal, err = meter.Int64Counter(MetricPushDropsTotal, metric.WithDescription("Push frames dropped for slow or backlogged subscribers"))
	if err != nil {
		return err
	}

	m.PushRejectsTotal, err = meter.Int64Counter(MetricPushRejectsTotal, metric.WithDescription("Websocket dials rejected by admission checks"))
	if err != nil {
		return err
	}

	m.DBLatencyMs, err = meter.Float64Histogram(MetricDBLatencyMs, metric.WithDescription("Latency of database operations"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.RevalLatencyMs, err = meter.Float64Histogram(MetricRevalLatencyMs, metric.WithDescription("Tick-to-push revaluation latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.EODDeadlineMissed, err = meter.Int64ObservableGauge(MetricEODDeadlineMissed, metric.WithDescription("Accounts past the EOD deadline without COMPLETED status"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for date, val := range m.deadlineMissedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("business_date", date)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenOrders, err = meter.Int64ObservableGauge(MetricOpenOrders, metric.WithDescription("Orders currently in a non-terminal status"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitOpen, err = meter.Int64ObservableGauge(MetricCircuitOpen, metric.WithDescription("Circuit breaker open state per dependency (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for dep, val := range m.circuitOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("dependency", dep)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CacheEntries, err = meter.Int64ObservableGauge(MetricCacheEntries, metric.WithDescription("Entries held per cache tier and category"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for tier, val := range m.cacheEntriesMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("tier", tier)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.Subscribers, err = meter.Int64ObservableGauge(MetricSubscribers, metric.WithDescription("Connected push subscribers"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for ch, val := range m.subscribersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("channel", ch)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ReverseIndexSize, err = meter.Int64ObservableGauge(MetricReverseIndexSize, metric.WithDescription("Products tracked by the reverse index"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for shard, val := range m.revIndexSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("shard", shard)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetDeadlineMissed(businessDate string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlineMissedMap[businessDate] = count
}

func (m *MetricsHolder) SetOpenOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[symbol] = count
}

func (m *MetricsHolder) SetCircuitOpen(dependency string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuitOpenMap[dependency] = val
}

func (m *MetricsHolder) SetCacheEntries(tier string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheEntriesMap[tier] = count
}

func (m *MetricsHolder) SetSubscribers(channel string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribersMap[channel] = count
}

func (m *MetricsHolder) SetReverseIndexSize(shard string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revIndexSizeMap[shard] = count
}

func (m *MetricsHolder) GetCircuitOpen() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.circuitOpenMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetOpenOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openOrdersMap {
		res[k] = v
	}
	return res
}
