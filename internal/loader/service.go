package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fx_platform/internal/alert"
	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/engine"
	"fx_platform/internal/fabric"
	"fx_platform/internal/positions"
	"fx_platform/internal/refdata"
	"fx_platform/internal/resilience"
	"fx_platform/pkg/concurrency"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/retry"
	"fx_platform/pkg/telemetry"
)

// Deps carries the collaborators of the position loader service. All of them
// are constructed by the caller; the service owns only its own lifecycle.
type Deps struct {
	Store    *positions.Store
	Refdata  *refdata.Repository
	Idem     core.IIdempotencyStore
	Leases   core.ILeaseManager
	Engine   engine.Engine
	Broker   *fabric.Broker
	Producer *fabric.Producer
	Notifier core.INotifier
	Alerts   *alert.AlertManager
	Guards   *resilience.Registry
	Pool     *concurrency.WorkerPool
	Logger   core.ILogger
}

// Service orchestrates the position lifecycle for the accounts owned by this
// shard: EOD batch loads, intraday deltas, manual uploads, client sign-off
// and the EOD deadline watch.
type Service struct {
	cfg      *config.Config
	store    *positions.Store
	refdata  *refdata.Repository
	idem     core.IIdempotencyStore
	leases   core.ILeaseManager
	engine   engine.Engine
	broker   *fabric.Broker
	producer *fabric.Producer
	notifier core.INotifier
	alerts   *alert.AlertManager
	guards   *resilience.Registry
	pool     *concurrency.WorkerPool
	logger   core.ILogger

	owner     string
	eodPolicy retry.Policy

	subs  []*fabric.Subscription
	sched *cron.Cron

	mu             sync.RWMutex
	missedAccounts []int64
	missedDate     core.BusinessDate
}

func NewService(cfg *config.Config, d Deps) *Service {
	attempts := cfg.EOD.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Service{
		cfg:      cfg,
		store:    d.Store,
		refdata:  d.Refdata,
		idem:     d.Idem,
		leases:   d.Leases,
		engine:   d.Engine,
		broker:   d.Broker,
		producer: d.Producer,
		notifier: d.Notifier,
		alerts:   d.Alerts,
		guards:   d.Guards,
		pool:     d.Pool,
		logger:   d.Logger.WithField("component", "position_loader"),
		owner:    fmt.Sprintf("loader-%d", cfg.Sharding.ShardIndex),
		// Snapshot-level retries follow the transient DB class: exponential
		// backoff from 500 ms, retryable codes only.
		eodPolicy: retry.ExponentialPolicy(attempts, 500*time.Millisecond, 8*time.Second),
	}
}

// Start brings up the engine, the fabric consumers and the schedules.
func (s *Service) Start(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	if err := s.startConsumers(ctx); err != nil {
		return err
	}
	if err := s.startSchedules(ctx); err != nil {
		return err
	}
	s.logger.Info("Position loader started",
		"shard_index", s.cfg.Sharding.ShardIndex, "total_shards", s.cfg.Sharding.TotalShards,
		"eod_engine", s.cfg.EOD.Engine)
	return nil
}

// Stop drains consumers first so no new work arrives, then the pool, then
// the engine.
func (s *Service) Stop() {
	s.stopSchedules()
	for _, sub := range s.subs {
		if err := sub.Stop(); err != nil {
			s.logger.Warn("Consumer stop failed", "error", err)
		}
	}
	if s.pool != nil {
		s.pool.Stop()
	}
	if err := s.engine.Stop(); err != nil {
		s.logger.Warn("Engine stop failed", "error", err)
	}
	s.logger.Info("Position loader stopped")
}

// ownsAccount applies the shard gate. Events for accounts owned by another
// shard are counted and ignored.
func (s *Service) ownsAccount(ctx context.Context, accountID int64) bool {
	if core.OwnsAccount(accountID, s.cfg.Sharding.ShardIndex, s.cfg.Sharding.TotalShards) {
		return true
	}
	s.logger.Debug("Ignoring account owned by another shard", "account_id", accountID)
	if m := telemetry.GetGlobalMetrics().ShardSkippedTotal; m != nil {
		m.Add(ctx, 1)
	}
	return false
}

// RunEOD executes the end-of-day load for one account and business date.
// Re-invocation for a (account, date) already COMPLETED is a no-op. A held
// lease surfaces as a retryable conflict so a redelivered trigger lands after
// the racing run has finished and observes its terminal status.
func (s *Service) RunEOD(ctx context.Context, accountID int64, date core.BusinessDate) (engine.Result, error) {
	if !s.ownsAccount(ctx, accountID) {
		return engine.Result{NoOp: true}, nil
	}

	lease := fmt.Sprintf("eod:%d:%s", accountID, date)
	ttl := time.Duration(s.cfg.EOD.LeaseTTLSeconds) * time.Second
	ok, err := s.leases.Acquire(ctx, lease, s.owner, ttl)
	if err != nil {
		return engine.Result{}, err
	}
	if !ok {
		return engine.Result{}, apperrors.Wrap(apperrors.CodeBatchConflict, apperrors.ErrLeaseHeld).
			With("account_id", accountID).With("business_date", string(date))
	}
	defer func() {
		if err := s.leases.Release(context.WithoutCancel(ctx), lease, s.owner); err != nil {
			s.logger.Warn("Lease release failed", "lease", lease, "error", err)
		}
	}()

	if status, found, err := s.store.GetEODStatus(ctx, accountID, date); err != nil {
		return engine.Result{}, err
	} else if found && status.Status == core.EODCompleted {
		s.logger.Info("EOD already completed", "account_id", accountID, "business_date", string(date))
		return engine.Result{NoOp: true, PositionCount: status.PositionCount}, nil
	}

	if err := s.store.TransitionEODStatus(ctx, accountID, date, core.EODInProgress, 0, ""); err != nil {
		return engine.Result{}, err
	}

	started := time.Now()
	var res engine.Result
	runErr := retry.Do(ctx, s.eodPolicy, apperrors.IsRetryable, func() error {
		var err error
		res, err = s.engine.RunEOD(ctx, engine.EODRequest{AccountID: accountID, BusinessDate: date})
		if err != nil && res.BatchID > 0 {
			// A reserved batch that never activated must not linger.
			if clearErr := s.store.ClearBatch(ctx, accountID, res.BatchID); clearErr != nil {
				s.logger.Error("Failed to clear errored batch",
					"account_id", accountID, "batch_id", res.BatchID, "error", clearErr)
			}
		}
		return err
	})
	s.recordRun(ctx, accountID, date, res, started, runErr)

	if runErr != nil {
		if err := s.store.TransitionEODStatus(ctx, accountID, date, core.EODFailed, 0, runErr.Error()); err != nil {
			s.logger.Error("Failed to record FAILED status", "account_id", accountID, "error", err)
		}
		if s.alerts != nil {
			s.alerts.Alert(ctx, "EOD load failed",
				fmt.Sprintf("account %d business date %s: %v", accountID, date, runErr),
				alert.Error, map[string]string{
					"account_id":    fmt.Sprintf("%d", accountID),
					"business_date": string(date),
				})
		}
		return res, runErr
	}

	if err := s.store.TransitionEODStatus(ctx, accountID, date, core.EODCompleted, res.PositionCount, ""); err != nil {
		return res, err
	}
	if !res.NoOp {
		s.publishChange(ctx, accountID, core.EventEODComplete)
	}
	s.maybeSignoff(ctx, accountID, date)
	return res, nil
}

func (s *Service) recordRun(ctx context.Context, accountID int64, date core.BusinessDate, res engine.Result, started time.Time, err error) {
	status := "completed"
	switch {
	case err != nil:
		status = "failed"
	case res.NoOp:
		status = "unchanged"
	}
	m := telemetry.GetGlobalMetrics()
	if m.EODRunsTotal != nil {
		m.EODRunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
	if m.EODDurationMs != nil {
		m.EODDurationMs.Record(ctx, float64(time.Since(started).Milliseconds()),
			metric.WithAttributes(attribute.String("status", status)))
	}
	if err == nil && !res.NoOp && m.PositionsLoadedTotal != nil {
		m.PositionsLoadedTotal.Add(ctx, int64(res.PositionCount))
	}
	s.logger.Info("EOD run finished",
		"account_id", accountID, "business_date", string(date), "status", status,
		"batch_id", res.BatchID, "position_count", res.PositionCount,
		"elapsed_ms", time.Since(started).Milliseconds(), "error", err)
}

// publishChange fans a position-change event out on the configured delivery
// paths. Fabric delivery runs under the messaging guard; the direct path is
// best effort and failures only log.
func (s *Service) publishChange(ctx context.Context, accountID int64, eventType core.EventType) {
	clientID, err := s.refdata.ClientOfAccount(ctx, accountID)
	if err != nil {
		s.logger.Warn("Client lookup failed for change event", "account_id", accountID, "error", err)
	}
	event := core.PositionChangeEvent{
		AccountID: accountID,
		ClientID:  clientID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}

	mode := s.cfg.Notifications.Mode
	if mode == config.NotifyDirect || mode == config.NotifyBoth {
		if s.notifier != nil {
			if err := s.notifier.Notify(ctx, event); err != nil {
				s.logger.Warn("Direct notification failed", "account_id", accountID, "error", err)
			}
		}
	}
	if mode == config.NotifyFabric || mode == config.NotifyBoth {
		err := s.guards.Get(config.DepMessaging).Do(ctx, func(ctx context.Context) error {
			return s.producer.PublishJSON(ctx, fabric.TopicPositionChange, fmt.Sprintf("%d", accountID), event)
		})
		if err != nil {
			s.logger.Error("Position change publish failed", "account_id", accountID, "error", err)
		}
	}
}

// RunEODAll fans the EOD run out over every owned account on the worker
// pool and waits for the batch to finish. Used by the trigger schedule and
// by operational replays.
func (s *Service) RunEODAll(ctx context.Context, date core.BusinessDate) (int, error) {
	accounts, err := s.refdata.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	var failures int64
	var mu sync.Mutex
	submitted := 0
	for _, acct := range accounts {
		if !core.OwnsAccount(acct.ID, s.cfg.Sharding.ShardIndex, s.cfg.Sharding.TotalShards) {
			continue
		}
		accountID := acct.ID
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			if _, err := s.RunEOD(ctx, accountID, date); err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			s.logger.Error("EOD submit rejected", "account_id", accountID, "error", err)
			continue
		}
		submitted++
	}
	wg.Wait()

	s.logger.Info("EOD sweep finished", "business_date", string(date), "accounts", submitted, "failures", failures)
	if failures > 0 {
		return submitted, apperrors.Newf(apperrors.CodeBatchConflict, "%d of %d accounts failed EOD", failures, submitted)
	}
	return submitted, nil
}

// DeadlineMissed reports the accounts that were past the EOD deadline at the
// last watch tick. The health endpoint degrades while this is non-empty.
func (s *Service) DeadlineMissed() ([]int64, core.BusinessDate) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int64(nil), s.missedAccounts...), s.missedDate
}

// CheckHealth degrades the service while an EOD deadline breach is standing.
func (s *Service) CheckHealth(ctx context.Context) error {
	missed, date := s.DeadlineMissed()
	if len(missed) > 0 {
		return apperrors.Newf(apperrors.CodeBatchConflict, "%d accounts past EOD deadline for %s", len(missed), date)
	}
	return nil
}
