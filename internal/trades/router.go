package trades

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/fabric"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/telemetry"
)

func (s *Service) handleOrderRequest(ctx context.Context, msg fabric.Message) error {
	var req core.OrderRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return apperrors.Wrap(apperrors.CodeConsumeParseError, err).With("topic", msg.Topic)
	}
	return s.RouteOrder(ctx, req)
}

// RouteOrder sends one order to the trade channel. The durable SENT summary
// and the short-term request are written before the wire call so execution
// reports always find the order's identity, even if this process dies
// mid-send. The order is marked processed only after the send lands; a
// redelivered request re-sends and the channel dedups by client order id.
func (s *Service) RouteOrder(ctx context.Context, req core.OrderRequest) error {
	if err := validateOrder(req); err != nil {
		s.countReject(ctx, apperrors.CodeValidationFailed)
		return err
	}

	ref := "order:" + req.ClientOrderID
	if s.idem.IsDuplicate(ctx, ref) {
		s.logger.Debug("Duplicate order request dropped", "client_order_id", req.ClientOrderID)
		if m := telemetry.GetGlobalMetrics().DuplicatesDroppedTotal; m != nil {
			m.Add(ctx, 1)
		}
		return nil
	}

	now := time.Now().UTC()
	sum := core.OrderSummary{
		ClientOrderID: req.ClientOrderID,
		AccountID:     req.AccountID,
		ProductID:     req.ProductID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		FilledQty:     decimal.Zero,
		Notional:      decimal.Zero,
		VWAP:          decimal.Zero,
		Status:        core.OrderSent,
		CreatedAt:     now,
	}
	dbGuard := s.guards.Get(config.DepDatabase)
	if err := dbGuard.Do(ctx, func(ctx context.Context) error {
		return s.store.UpsertSummary(ctx, sum)
	}); err != nil {
		return err
	}

	st := core.OrderState{
		ClientOrderID: req.ClientOrderID,
		AccountID:     req.AccountID,
		ProductID:     req.ProductID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		FilledQty:     decimal.Zero,
		Notional:      decimal.Zero,
		Status:        core.OrderSent,
		FirstSeen:     now,
		UpdatedAt:     now,
	}
	kvGuard := s.guards.Get(config.DepKV)
	if err := kvGuard.Do(ctx, func(ctx context.Context) error {
		if err := s.states.SaveRequest(ctx, req); err != nil {
			return err
		}
		return s.states.Save(ctx, st)
	}); err != nil {
		return err
	}

	tcGuard := s.guards.Get(config.DepTradeChannel)
	if err := tcGuard.Do(ctx, func(ctx context.Context) error {
		return s.channel.SendOrder(ctx, req)
	}); err != nil {
		return err
	}

	s.idem.MarkProcessed(ctx, ref)
	s.logger.Info("Order routed",
		"client_order_id", req.ClientOrderID, "symbol", req.Symbol,
		"side", string(req.Side), "quantity", req.Quantity.String())
	s.refreshOpenOrdersGauge(ctx)
	return nil
}

func validateOrder(req core.OrderRequest) error {
	switch {
	case req.ClientOrderID == "":
		return apperrors.New(apperrors.CodeValidationFailed, "order carries no client order id")
	case req.Symbol == "":
		return apperrors.Newf(apperrors.CodeValidationFailed, "order %s carries no symbol", req.ClientOrderID)
	case req.Side != core.SideBuy && req.Side != core.SideSell:
		return apperrors.Newf(apperrors.CodeValidationFailed, "order %s has side %q", req.ClientOrderID, req.Side)
	case !req.Quantity.IsPositive():
		return apperrors.Newf(apperrors.CodeZeroQuantity, "order %s has quantity %s", req.ClientOrderID, req.Quantity)
	}
	return nil
}
