package fabric

import (
	"context"
	"strconv"
	"sync"
	"time"

	"fx_platform/internal/core"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/retry"
	"fx_platform/pkg/telemetry"
)

// Handler processes one message. Returning nil acknowledges the message. A
// retryable error (per the platform error codes) schedules redelivery with
// the subscription's backoff policy; a non-retryable error acknowledges and
// copies the message to the dead-letter topic so the partition never loops
// on poison input.
type Handler func(ctx context.Context, msg Message) error

// Subscription is one consumer group's attachment to a topic. Each partition
// is drained by a single goroutine, which is what preserves per-key ordering.
type Subscription struct {
	broker  *Broker
	group   string
	topic   string
	handler Handler
	policy  retry.Policy
	logger  core.ILogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Subscribe attaches a consumer group to a topic. The returned subscription
// is inert until Start.
func (b *Broker) Subscribe(group, topicName string, policy retry.Policy, handler Handler, logger core.ILogger) (*Subscription, error) {
	if policy.MaxAttempts <= 0 {
		policy = retry.FixedPolicy(3, time.Second)
	}
	return &Subscription{
		broker:  b,
		group:   group,
		topic:   topicName,
		handler: handler,
		policy:  policy,
		logger:  logger.WithField("component", "fabric_consumer").WithFields(map[string]interface{}{"group": group, "topic": topicName}),
	}, nil
}

// Start attaches the group to the topic partitions and launches one drain
// loop per partition.
func (s *Subscription) Start(ctx context.Context) error {
	queues, err := s.broker.attach(s.group, s.topic)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for i, q := range queues {
		s.wg.Add(1)
		go s.drain(runCtx, i, q)
	}
	s.logger.Info("Subscription started", "partitions", len(queues))
	return nil
}

// Stop detaches the group; in-flight messages finish their current delivery.
func (s *Subscription) Stop() error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.broker.detach(s.group, s.topic)
		s.wg.Wait()
		s.logger.Info("Subscription stopped")
	})
	return nil
}

func (s *Subscription) drain(ctx context.Context, part int, q chan Message) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q:
			s.deliver(ctx, msg)
		}
	}
}

// deliver runs the handler with bounded redelivery. The loop holds the
// partition: nothing behind the message is processed until it is either
// acknowledged or dead-lettered.
func (s *Subscription) deliver(ctx context.Context, msg Message) {
	for attempt := 1; ; attempt++ {
		msg.Attempt = attempt
		err := s.handler(ctx, msg)
		if err == nil {
			return
		}
		if !apperrors.IsRetryable(err) {
			s.logger.Warn("Non-retryable consumer error, dead-lettering",
				"key", msg.Key, "offset", msg.Offset, "error", err)
			s.deadLetter(ctx, msg, err)
			return
		}
		delay := s.policy.Delay(attempt)
		if delay < 0 {
			s.logger.Error("Redelivery attempts exhausted, dead-lettering",
				"key", msg.Key, "offset", msg.Offset, "attempts", attempt, "error", err)
			s.deadLetter(ctx, msg, err)
			return
		}
		s.logger.Debug("Scheduling redelivery", "key", msg.Key, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Subscription) deadLetter(ctx context.Context, msg Message, cause error) {
	headers := map[string]string{
		HeaderError:       cause.Error(),
		HeaderOriginTopic: msg.Topic,
		HeaderAttempts:    strconv.Itoa(msg.Attempt),
	}
	if code, ok := apperrors.CodeOf(cause); ok {
		headers[HeaderErrorCode] = string(code)
	}
	dlq := Message{
		Topic:     DLQTopic(msg.Topic),
		Key:       msg.Key,
		Payload:   msg.Payload,
		Headers:   headers,
		Timestamp: time.Now(),
	}
	if err := s.broker.publish(ctx, dlq); err != nil {
		s.logger.Error("Failed to publish to DLQ", "topic", dlq.Topic, "key", msg.Key, "error", err)
		return
	}
	if m := telemetry.GetGlobalMetrics().DLQMessagesTotal; m != nil {
		m.Add(ctx, 1)
	}
}
