package trades

import (
	"context"
	"sync"
	"time"

	"fx_platform/internal/alert"
	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/fabric"
	"fx_platform/internal/resilience"
	"fx_platform/pkg/retry"
	"fx_platform/pkg/telemetry"
)

const consumerGroup = "trade_aggregator"

// Deps carries the collaborators of the trade aggregator service.
type Deps struct {
	Store    *Store
	States   *StateStore
	Idem     core.IIdempotencyStore
	Broker   *fabric.Broker
	Producer *fabric.Producer
	Channel  core.ITradeChannel
	Guards   *resilience.Registry
	Alerts   *alert.AlertManager
	Logger   core.ILogger
}

// Service owns the fill aggregation pipeline: the order router, the report
// pump from the trade channel, the per-order accumulator and the orphan
// scanner.
type Service struct {
	cfg      *config.Config
	store    *Store
	states   *StateStore
	idem     core.IIdempotencyStore
	broker   *fabric.Broker
	producer *fabric.Producer
	channel  core.ITradeChannel
	guards   *resilience.Registry
	alerts   *alert.AlertManager
	logger   core.ILogger

	scanner *OrphanScanner
	subs    []*fabric.Subscription

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}

	mu           sync.Mutex
	gaugeSymbols map[string]int64
}

func NewService(cfg *config.Config, d Deps) *Service {
	s := &Service{
		cfg:      cfg,
		store:    d.Store,
		states:   d.States,
		idem:     d.Idem,
		broker:   d.Broker,
		producer: d.Producer,
		channel:  d.Channel,
		guards:   d.Guards,
		alerts:   d.Alerts,
		logger:   d.Logger.WithField("component", "trade_aggregator"),
	}
	s.scanner = NewOrphanScanner(s,
		time.Duration(cfg.Trades.OrphanScanMinutes)*time.Minute,
		time.Duration(cfg.Trades.OrphanThresholdMinutes)*time.Minute,
		d.Logger)
	return s
}

// Start attaches the fabric consumers, the report pump and the orphan
// scanner.
func (s *Service) Start(ctx context.Context) error {
	if err := s.startConsumers(ctx); err != nil {
		return err
	}
	s.startReportPump()
	if err := s.scanner.Start(ctx); err != nil {
		return err
	}
	s.refreshOpenOrdersGauge(ctx)
	s.logger.Info("Trade aggregator started",
		"fill_count_cap", s.cfg.Trades.FillCountCap,
		"orphan_threshold_minutes", s.cfg.Trades.OrphanThresholdMinutes)
	return nil
}

// Stop drains consumers first so no new reports arrive, then the pump and
// the scanner.
func (s *Service) Stop() {
	for _, sub := range s.subs {
		if err := sub.Stop(); err != nil {
			s.logger.Warn("Subscription stop failed", "error", err)
		}
	}
	if s.pumpCancel != nil {
		s.pumpCancel()
		<-s.pumpDone
	}
	if err := s.scanner.Stop(); err != nil {
		s.logger.Warn("Orphan scanner stop failed", "error", err)
	}
	s.logger.Info("Trade aggregator stopped")
}

// startConsumers wires the order intake and the fill intake. Fill ingestion
// retries on a fixed schedule; order routing follows the transient class.
func (s *Service) startConsumers(ctx context.Context) error {
	subs := []struct {
		topic   string
		policy  retry.Policy
		handler fabric.Handler
	}{
		{fabric.TopicOrders, retry.ExponentialPolicy(5, 500*time.Millisecond, 8*time.Second), s.handleOrderRequest},
		{fabric.TopicExecutionReport, retry.FixedPolicy(3, time.Second), s.handleExecutionReport},
	}
	for _, sc := range subs {
		sub, err := s.broker.Subscribe(consumerGroup, sc.topic, sc.policy, sc.handler, s.logger)
		if err != nil {
			return err
		}
		if err := sub.Start(ctx); err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// startReportPump copies execution reports from the trade channel onto the
// fabric, keyed by client order id so each order's reports stay in order.
func (s *Service) startReportPump() {
	ctx, cancel := context.WithCancel(context.Background())
	s.pumpCancel = cancel
	s.pumpDone = make(chan struct{})

	go func() {
		defer close(s.pumpDone)
		for {
			select {
			case <-ctx.Done():
				return
			case rep, ok := <-s.channel.Reports():
				if !ok {
					s.logger.Info("Trade channel report stream closed")
					return
				}
				err := s.producer.PublishJSON(ctx, fabric.TopicExecutionReport, rep.ClientOrderID, rep)
				if err != nil {
					s.logger.Error("Failed to publish execution report",
						"client_order_id", rep.ClientOrderID, "exec_id", rep.ExecID, "error", err)
				}
			}
		}
	}()
}

// refreshOpenOrdersGauge republishes the per-symbol open order counts.
func (s *Service) refreshOpenOrdersGauge(ctx context.Context) {
	counts, err := s.store.CountOpenOrders(ctx)
	if err != nil {
		s.logger.Warn("Open order count failed", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, n := range counts {
		telemetry.GetGlobalMetrics().SetOpenOrders(symbol, n)
	}
	for symbol := range s.gaugeSymbols {
		if _, still := counts[symbol]; !still {
			telemetry.GetGlobalMetrics().SetOpenOrders(symbol, 0)
		}
	}
	s.gaugeSymbols = counts
}

// ReopenOrder clears the orphan mark so an order accepts fills again. The
// accumulated quantities are rebuilt from the fills log into fresh state.
func (s *Service) ReopenOrder(ctx context.Context, clientOrderID string) (core.OrderSummary, error) {
	sum, err := s.store.ReopenOrder(ctx, clientOrderID)
	if err != nil {
		return core.OrderSummary{}, err
	}
	st, err := s.RebuildState(ctx, clientOrderID)
	if err != nil {
		return core.OrderSummary{}, err
	}
	s.logger.Info("Order reopened from orphan",
		"client_order_id", clientOrderID, "filled_qty", st.FilledQty.String(), "fill_count", st.FillCount)
	return sum, nil
}
