package trades

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fx_platform/internal/alert"
	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/fabric"
	"fx_platform/internal/resilience"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/fxmath"
	"fx_platform/pkg/telemetry"
)

func (s *Service) handleExecutionReport(ctx context.Context, msg fabric.Message) error {
	var rep core.ExecutionReport
	if err := json.Unmarshal(msg.Payload, &rep); err != nil {
		return apperrors.Wrap(apperrors.CodeConsumeParseError, err).With("topic", msg.Topic)
	}
	return s.ProcessReport(ctx, rep)
}

// ProcessReport applies one execution report: dedup, append to the fills
// log, accumulate order state, upsert the durable summary and, on a
// terminal report or the fill-count cap, close the order out.
func (s *Service) ProcessReport(ctx context.Context, rep core.ExecutionReport) error {
	if err := validateReport(rep); err != nil {
		s.countReject(ctx, apperrors.CodeValidationFailed)
		return err
	}

	if !s.idem.CheckAndMark(ctx, "fill:"+rep.ExecID) {
		s.logger.Debug("Duplicate execution report dropped", "exec_id", rep.ExecID)
		if m := telemetry.GetGlobalMetrics().DuplicatesDroppedTotal; m != nil {
			m.Add(ctx, 1)
		}
		return nil
	}

	dbGuard := s.guards.Get(config.DepDatabase)
	if err := dbGuard.Do(ctx, func(ctx context.Context) error {
		return s.store.AppendFill(ctx, rep)
	}); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateRef) {
			if m := telemetry.GetGlobalMetrics().DuplicatesDroppedTotal; m != nil {
				m.Add(ctx, 1)
			}
			return nil
		}
		return err
	}

	kvGuard := s.guards.Get(config.DepKV)
	var (
		st    core.OrderState
		known bool
	)
	if err := kvGuard.Do(ctx, func(ctx context.Context) error {
		var err error
		st, known, err = s.states.Load(ctx, rep.ClientOrderID)
		return err
	}); err != nil {
		return err
	}

	if !known {
		sum, err := resilience.Call(ctx, dbGuard, func(ctx context.Context) (core.OrderSummary, error) {
			sum, ok, err := s.store.GetSummary(ctx, rep.ClientOrderID)
			if err == nil && !ok {
				return core.OrderSummary{}, nil
			}
			return sum, err
		})
		if err != nil {
			return err
		}
		if sum.ClientOrderID != "" && sum.Status.Terminal() {
			s.dropLateFill(ctx, rep, sum.Status)
			return nil
		}
		st = initState(rep, sum)
	}
	if st.Status.Terminal() {
		s.dropLateFill(ctx, rep, st.Status)
		return nil
	}

	// A report whose venue cumulative runs behind our accumulation is a
	// replay that slipped past exec-id dedup; filled quantity never regresses.
	if rep.CumQty.IsPositive() && rep.CumQty.LessThan(st.FilledQty) {
		s.logger.Warn("Out-of-order execution report dropped",
			"client_order_id", rep.ClientOrderID, "exec_id", rep.ExecID,
			"cum_qty", rep.CumQty.String(), "filled_qty", st.FilledQty.String())
		s.countReject(ctx, apperrors.CodeValidationFailed)
		return nil
	}

	st.FilledQty = st.FilledQty.Add(rep.LastQty)
	st.Notional = st.Notional.Add(fxmath.Notional(rep.LastQty, rep.LastPx))
	st.FillCount++
	st.Status = deriveStatus(rep.Status, st.FilledQty)
	st.UpdatedAt = time.Now().UTC()

	if err := kvGuard.Do(ctx, func(ctx context.Context) error {
		return s.states.Save(ctx, st)
	}); err != nil {
		return err
	}

	sum := core.OrderSummary{
		ClientOrderID: st.ClientOrderID,
		AccountID:     st.AccountID,
		ProductID:     st.ProductID,
		Symbol:        st.Symbol,
		Side:          st.Side,
		FilledQty:     st.FilledQty,
		Notional:      st.Notional,
		VWAP:          fxmath.VWAP(st.Notional, st.FilledQty),
		Status:        st.Status,
		FillCount:     st.FillCount,
		CreatedAt:     st.FirstSeen,
	}
	if err := dbGuard.Do(ctx, func(ctx context.Context) error {
		return s.store.UpsertSummary(ctx, sum)
	}); err != nil {
		return err
	}

	if m := telemetry.GetGlobalMetrics().FillsProcessedTotal; m != nil {
		m.Add(ctx, 1)
	}
	s.logger.Debug("Fill applied",
		"client_order_id", st.ClientOrderID, "exec_id", rep.ExecID,
		"filled_qty", st.FilledQty.String(), "status", string(st.Status))

	if st.Status.Terminal() || st.FillCount >= s.cfg.Trades.FillCountCap {
		return s.completeOrder(ctx, st)
	}
	return nil
}

// completeOrder publishes the intraday trade event and releases the
// short-term state. The fills log and summary already hold the outcome, so
// failures past this point alert rather than redeliver: the exec-id claim
// stands and a redelivered report would be dropped as a duplicate.
func (s *Service) completeOrder(ctx context.Context, st core.OrderState) error {
	vwap := fxmath.VWAP(st.Notional, st.FilledQty)

	if st.FilledQty.IsPositive() && st.AccountID > 0 {
		ev := core.IntradayTradeEvent{
			AccountID:     st.AccountID,
			ProductID:     st.ProductID,
			Ticker:        st.Symbol,
			ClientOrderID: st.ClientOrderID,
			Side:          st.Side,
			FilledQty:     st.FilledQty,
			VWAP:          vwap,
			Timestamp:     time.Now().UTC(),
		}
		key := strconv.FormatInt(st.AccountID, 10)
		if err := s.producer.PublishJSON(ctx, fabric.TopicIntradayTrades, key, ev); err != nil {
			s.logger.Error("Failed to publish intraday trade event",
				"client_order_id", st.ClientOrderID, "account_id", st.AccountID, "error", err)
			if s.alerts != nil {
				s.alerts.Alert(ctx, "Trade event publish failed",
					"completed order did not reach the position loader", alert.Error,
					map[string]string{"client_order_id": st.ClientOrderID})
			}
		}
	}

	if err := s.maybeCreateForward(ctx, st, vwap); err != nil {
		s.logger.Error("Forward contract creation failed",
			"client_order_id", st.ClientOrderID, "error", err)
		if s.alerts != nil {
			s.alerts.Alert(ctx, "Forward contract not recorded",
				"executed forward fill has no contract row", alert.Error,
				map[string]string{"client_order_id": st.ClientOrderID})
		}
	}

	kvGuard := s.guards.Get(config.DepKV)
	if err := kvGuard.Do(ctx, func(ctx context.Context) error {
		if err := s.states.Delete(ctx, st.ClientOrderID); err != nil {
			return err
		}
		return s.states.DeleteRequest(ctx, st.ClientOrderID)
	}); err != nil {
		s.logger.Warn("Order state release failed, TTL will reap it",
			"client_order_id", st.ClientOrderID, "error", err)
	}

	s.logger.Info("Order complete",
		"client_order_id", st.ClientOrderID, "status", string(st.Status),
		"filled_qty", st.FilledQty.String(), "vwap", vwap.String(), "fills", st.FillCount)
	s.refreshOpenOrdersGauge(ctx)
	return nil
}

// maybeCreateForward records a forward_contracts row for an executed order
// whose originating request carried a maturity date.
func (s *Service) maybeCreateForward(ctx context.Context, st core.OrderState, vwap decimal.Decimal) error {
	if st.Status != core.OrderFilled {
		return nil
	}
	req, ok, err := s.states.LoadRequest(ctx, st.ClientOrderID)
	if err != nil || !ok {
		return err
	}
	if req.MaturityDate == "" {
		return nil
	}

	fc := core.ForwardContract{
		ID:            uuid.NewString(),
		ClientOrderID: st.ClientOrderID,
		AccountID:     st.AccountID,
		Pair:          req.Symbol,
		Notional:      st.Notional,
		ForwardRate:   vwap,
		MaturityDate:  req.MaturityDate,
		CreatedAt:     time.Now().UTC(),
	}
	dbGuard := s.guards.Get(config.DepDatabase)
	if err := dbGuard.Do(ctx, func(ctx context.Context) error {
		return s.store.InsertForward(ctx, fc)
	}); err != nil {
		return err
	}
	s.logger.Info("Forward contract recorded",
		"contract_id", fc.ID, "client_order_id", st.ClientOrderID,
		"pair", fc.Pair, "maturity_date", string(fc.MaturityDate))
	return nil
}

// RebuildState reconstructs an order's short-term state from the fills log
// and saves it back to the KV store. Serves manual reopen and recovery after
// KV loss.
func (s *Service) RebuildState(ctx context.Context, clientOrderID string) (core.OrderState, error) {
	dbGuard := s.guards.Get(config.DepDatabase)
	fills, err := resilience.Call(ctx, dbGuard, func(ctx context.Context) ([]core.ExecutionReport, error) {
		return s.store.FillsForOrder(ctx, clientOrderID)
	})
	if err != nil {
		return core.OrderState{}, err
	}
	sum, err := resilience.Call(ctx, dbGuard, func(ctx context.Context) (core.OrderSummary, error) {
		sum, _, err := s.store.GetSummary(ctx, clientOrderID)
		return sum, err
	})
	if err != nil {
		return core.OrderState{}, err
	}

	now := time.Now().UTC()
	st := core.OrderState{
		ClientOrderID: clientOrderID,
		AccountID:     sum.AccountID,
		ProductID:     sum.ProductID,
		Symbol:        sum.Symbol,
		Side:          sum.Side,
		Status:        core.OrderNew,
		FirstSeen:     now,
		UpdatedAt:     now,
	}
	for _, rep := range fills {
		if st.Symbol == "" {
			st.Symbol = rep.Symbol
		}
		if st.Side == "" {
			st.Side = rep.Side
		}
		if rep.Timestamp.Before(st.FirstSeen) {
			st.FirstSeen = rep.Timestamp
		}
		st.FilledQty = st.FilledQty.Add(rep.LastQty)
		st.Notional = st.Notional.Add(fxmath.Notional(rep.LastQty, rep.LastPx))
		st.FillCount++
		st.Status = deriveStatus(rep.Status, st.FilledQty)
	}

	kvGuard := s.guards.Get(config.DepKV)
	if err := kvGuard.Do(ctx, func(ctx context.Context) error {
		return s.states.Save(ctx, st)
	}); err != nil {
		return core.OrderState{}, err
	}
	return st, nil
}

// initState seeds fresh accumulation state for an order's first report,
// carrying identity from the durable summary when one exists.
func initState(rep core.ExecutionReport, sum core.OrderSummary) core.OrderState {
	now := time.Now().UTC()
	st := core.OrderState{
		ClientOrderID: rep.ClientOrderID,
		Symbol:        rep.Symbol,
		Side:          rep.Side,
		FilledQty:     decimal.Zero,
		Notional:      decimal.Zero,
		Status:        core.OrderNew,
		FirstSeen:     now,
		UpdatedAt:     now,
	}
	if sum.ClientOrderID != "" {
		st.AccountID = sum.AccountID
		st.ProductID = sum.ProductID
		if sum.Symbol != "" {
			st.Symbol = sum.Symbol
		}
		if sum.Side != "" {
			st.Side = sum.Side
		}
	}
	return st
}

// deriveStatus maps a report's status onto the accumulated order status.
func deriveStatus(reported core.OrderStatus, filled decimal.Decimal) core.OrderStatus {
	switch reported {
	case core.OrderFilled, core.OrderRejected, core.OrderCanceled:
		return reported
	}
	if filled.IsPositive() {
		return core.OrderPartiallyFilled
	}
	return core.OrderNew
}

func validateReport(rep core.ExecutionReport) error {
	switch {
	case rep.ExecID == "":
		return apperrors.New(apperrors.CodeValidationFailed, "execution report carries no exec id")
	case rep.ClientOrderID == "":
		return apperrors.Newf(apperrors.CodeValidationFailed, "report %s carries no client order id", rep.ExecID)
	case rep.LastQty.IsNegative():
		return apperrors.Newf(apperrors.CodeValidationFailed, "report %s has negative quantity %s", rep.ExecID, rep.LastQty)
	case rep.LastPx.IsNegative():
		return apperrors.Newf(apperrors.CodeValidationFailed, "report %s has negative price %s", rep.ExecID, rep.LastPx)
	}
	return nil
}

func (s *Service) dropLateFill(ctx context.Context, rep core.ExecutionReport, status core.OrderStatus) {
	s.logger.Warn("Fill for terminal order dropped",
		"client_order_id", rep.ClientOrderID, "exec_id", rep.ExecID, "status", string(status))
	if m := telemetry.GetGlobalMetrics().LateFillsDroppedTotal; m != nil {
		m.Add(ctx, 1)
	}
}

func (s *Service) countReject(ctx context.Context, code apperrors.Code) {
	if m := telemetry.GetGlobalMetrics().ValidationRejectsTotal; m != nil {
		m.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(code))))
	}
}
