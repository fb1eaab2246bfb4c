package loader

import (
	"context"
	"encoding/json"
	"time"

	"fx_platform/internal/core"
	"fx_platform/internal/fabric"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/retry"
)

const consumerGroup = "position_loader"

// eodTrigger is the payload of the upstream end-of-day trigger.
type eodTrigger struct {
	AccountID    int64             `json:"accountId"`
	BusinessDate core.BusinessDate `json:"businessDate"`
}

// startConsumers attaches the loader's consumer group. Snapshot-level retries
// use the transient DB class; the single-account EOD trigger retries on the
// same policy so a held lease resolves on redelivery.
func (s *Service) startConsumers(ctx context.Context) error {
	eodPolicy := retry.ExponentialPolicy(5, 500*time.Millisecond, 8*time.Second)

	subs := []struct {
		topic   string
		policy  retry.Policy
		handler fabric.Handler
	}{
		{fabric.TopicEODTrigger, eodPolicy, s.handleEODTrigger},
		{fabric.TopicIntraday, eodPolicy, s.handleIntraday},
		{fabric.TopicIntradayTrades, eodPolicy, s.handleTradeEvent},
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

// handleEODTrigger runs EOD for one account. A trigger without a business
// date runs for today.
func (s *Service) handleEODTrigger(ctx context.Context, msg fabric.Message) error {
	var trig eodTrigger
	if err := json.Unmarshal(msg.Payload, &trig); err != nil {
		return apperrors.Wrap(apperrors.CodeConsumeParseError, err)
	}
	if trig.AccountID <= 0 {
		return apperrors.New(apperrors.CodeConsumeParseError, "trigger carries no account id")
	}
	if trig.BusinessDate == "" {
		trig.BusinessDate = core.NewBusinessDate(time.Now())
	}
	if !trig.BusinessDate.Valid() {
		return apperrors.Newf(apperrors.CodeValidationFailed, "invalid business date %q", trig.BusinessDate)
	}
	_, err := s.RunEOD(ctx, trig.AccountID, trig.BusinessDate)
	return err
}

func (s *Service) handleIntraday(ctx context.Context, msg fabric.Message) error {
	var snap core.AccountSnapshot
	if err := json.Unmarshal(msg.Payload, &snap); err != nil {
		return apperrors.Wrap(apperrors.CodeConsumeParseError, err)
	}
	return s.ApplyIntraday(ctx, &snap)
}

func (s *Service) handleTradeEvent(ctx context.Context, msg fabric.Message) error {
	var ev core.IntradayTradeEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return apperrors.Wrap(apperrors.CodeConsumeParseError, err)
	}
	return s.ApplyTradeEvent(ctx, ev)
}
