package pricing

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fx_platform/internal/core"
	"fx_platform/internal/fabric"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/retry"
	"fx_platform/pkg/telemetry"
)

const consumerGroup = "price_service"

// startConsumers attaches the price service's consumer group. Tick handlers
// ack malformed and unknown-symbol messages; only infrastructure failures
// travel the retry and DLQ path.
func (s *Service) startConsumers(ctx context.Context) error {
	policy := retry.ExponentialPolicy(5, 500*time.Millisecond, 8*time.Second)

	subs := []struct {
		topic   string
		handler fabric.Handler
	}{
		{fabric.TopicMarketData, s.handleMarketTick},
		{fabric.TopicFxRates, s.handleFxTick},
		{fabric.TopicPositionChange, s.handlePositionChange},
	}
	for _, sc := range subs {
		sub, err := s.broker.Subscribe(consumerGroup, sc.topic, policy, sc.handler, s.logger)
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

// handleMarketTick ingests one price tick: resolve symbology, write the
// cache through the rank gate, mark the durable row dirty, then fan out to
// every account holding the product.
func (s *Service) handleMarketTick(ctx context.Context, msg fabric.Message) error {
	var tick core.PriceTick
	if err := json.Unmarshal(msg.Payload, &tick); err != nil {
		return apperrors.Wrap(apperrors.CodeConsumeParseError, err).With("topic", msg.Topic)
	}

	productID := tick.ProductID
	if productID <= 0 {
		id, ok := s.resolver.ResolveTicker(tick.Ticker)
		if !ok {
			// Ticks for symbols outside the product master are expected
			// from a shared feed; count and move on.
			s.logger.Debug("Tick for unknown symbol dropped", "ticker", tick.Ticker)
			s.countReject(ctx, apperrors.CodeUnknownProduct)
			return nil
		}
		productID = id
	}

	entry := core.PriceEntry{Value: tick.Price, Source: tick.Source, Timestamp: tick.Timestamp}
	if err := s.cache.PutPrice(ctx, productID, entry); err != nil {
		// The rank gate returns nil; an error here is the zero-price
		// defence. Redelivery cannot fix the tick, so ack it.
		s.logger.Warn("Price tick rejected", "product_id", productID,
			"ticker", tick.Ticker, "source", string(tick.Source), "error", err)
		return nil
	}
	s.flusher.MarkPrice(productID, entry)

	for _, accountID := range s.index.AccountsHolding(productID) {
		s.conflator.Offer(accountID, productID)
	}
	return nil
}

// handleFxTick ingests one FX rate. Fan-out differs from price ticks: a rate
// move revalues every holding denominated in either side of the pair.
func (s *Service) handleFxTick(ctx context.Context, msg fabric.Message) error {
	var tick core.FxRateTick
	if err := json.Unmarshal(msg.Payload, &tick); err != nil {
		return apperrors.Wrap(apperrors.CodeConsumeParseError, err).With("topic", msg.Topic)
	}

	base, quote, ok := splitPair(tick.Pair)
	if !ok {
		s.logger.Warn("FX tick with malformed pair dropped", "pair", tick.Pair)
		s.countReject(ctx, apperrors.CodeValidationFailed)
		return nil
	}

	entry := core.PriceEntry{Value: tick.Rate, Source: tick.Source, Timestamp: tick.Timestamp}
	if err := s.cache.PutFxRate(ctx, tick.Pair, entry); err != nil {
		s.logger.Warn("FX tick rejected", "pair", tick.Pair,
			"source", string(tick.Source), "error", err)
		return nil
	}
	s.flusher.MarkFxRate(tick.Pair, entry)

	s.fanOutCurrency(base)
	s.fanOutCurrency(quote)
	return nil
}

func (s *Service) fanOutCurrency(ccy string) {
	for _, productID := range s.productsInCurrency(ccy) {
		for _, accountID := range s.index.AccountsHolding(productID) {
			s.conflator.Offer(accountID, productID)
		}
	}
}

// handlePositionChange reacts to loader events arriving over the fabric.
// The direct notifier delivers the same events in-process, so both paths
// funnel into onPositionChange and its dedup claim.
func (s *Service) handlePositionChange(ctx context.Context, msg fabric.Message) error {
	var ev core.PositionChangeEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return apperrors.Wrap(apperrors.CodeConsumeParseError, err).With("topic", msg.Topic)
	}
	return s.onPositionChange(ctx, ev)
}

// onPositionChange refreshes the reference caches and the account's reverse
// index slice, then queues a full revaluation of the account so subscribers
// see the post-change picture.
func (s *Service) onPositionChange(ctx context.Context, ev core.PositionChangeEvent) error {
	if !s.idem.CheckAndMark(ctx, "chg:"+ev.DedupKey()) {
		s.logger.Debug("Duplicate change event dropped",
			"account_id", ev.AccountID, "event_type", string(ev.EventType))
		if m := telemetry.GetGlobalMetrics().DuplicatesDroppedTotal; m != nil {
			m.Add(ctx, 1)
		}
		return nil
	}

	if err := s.resolver.Refresh(ctx); err != nil {
		// The stale reference view keeps serving; new products surface on
		// the next successful refresh.
		s.logger.Warn("Reference refresh failed on change event", "error", err)
	}
	s.refreshCurrencyIndex(ctx)

	if err := s.index.RefreshAccount(ctx, s.store, ev.AccountID); err != nil {
		return err
	}

	s.logger.Info("Position change applied",
		"account_id", ev.AccountID, "event_type", string(ev.EventType),
		"holdings", len(s.index.Products(ev.AccountID)))
	s.conflateAccount(ev.AccountID)
	return nil
}

func (s *Service) countReject(ctx context.Context, code apperrors.Code) {
	if m := telemetry.GetGlobalMetrics().ValidationRejectsTotal; m != nil {
		m.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(code))))
	}
}

// splitPair parses "EUR/USD" into its legs.
func splitPair(pair string) (string, string, bool) {
	base, quote, found := strings.Cut(pair, "/")
	if !found || len(base) != 3 || len(quote) != 3 {
		return "", "", false
	}
	return strings.ToUpper(base), strings.ToUpper(quote), true
}
