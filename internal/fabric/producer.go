package fabric

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"fx_platform/internal/core"
	apperrors "fx_platform/pkg/errors"
)

// Producer publishes messages with session-scoped sequence numbers so a
// retried publish of the same record is accepted at most once by the broker
// (the embedded analogue of an idempotent producer with acks=all and a single
// in-flight request).
type Producer struct {
	broker *Broker
	id     string
	logger core.ILogger

	mu     sync.Mutex
	seq    int64
	closed bool
}

// NewProducer creates a producer session on the broker.
func NewProducer(broker *Broker, logger core.ILogger) *Producer {
	return &Producer{
		broker: broker,
		id:     uuid.NewString(),
		logger: logger.WithField("component", "fabric_producer"),
	}
}

// Publish sends payload to topic under key. Sends to the same producer are
// sequenced; the broker drops replays of an already-accepted sequence.
func (p *Producer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return apperrors.Wrap(apperrors.CodePublishFailed, apperrors.ErrProducerClosed)
	}
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	msg := Message{
		Topic:     topic,
		Key:       key,
		Payload:   payload,
		Timestamp: time.Now(),
		Headers: map[string]string{
			HeaderProducerID:  p.id,
			HeaderProducerSeq: strconv.FormatInt(seq, 10),
		},
	}
	return p.broker.publish(ctx, msg)
}

// PublishJSON marshals v and publishes it.
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(apperrors.CodePublishFailed, err)
	}
	return p.Publish(ctx, topic, key, payload)
}

// Close ends the producer session.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
