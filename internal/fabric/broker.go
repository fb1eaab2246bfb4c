// Package fabric is the embedded messaging fabric gluing the services
// together: named topics partitioned by entity key, consumer groups with
// manual acknowledgement, bounded redelivery with backoff, and dead-letter
// topics for poison messages. The surface is kept narrow so an external
// broker client could replace the embedded implementation without touching
// the services.
package fabric

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"fx_platform/internal/core"
	apperrors "fx_platform/pkg/errors"
)

// Message is one record on a topic partition.
type Message struct {
	Topic     string
	Key       string
	Payload   []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	// Attempt counts deliveries of this message to the current group, 1-based.
	Attempt int
}

// Config holds broker tuning.
type Config struct {
	// Partitions per topic; per-key ordering holds within a partition.
	Partitions int
	// BufferPerPartition bounds each group's partition queue.
	BufferPerPartition int
	// DedupWindow bounds how long producer sequence numbers are remembered.
	DedupWindow time.Duration
}

// Broker owns the topics and fans published messages out to every subscribed
// consumer group.
type Broker struct {
	cfg    Config
	logger core.ILogger

	mu     sync.RWMutex
	topics map[string]*topic
	// lastSeq tracks the highest accepted sequence per producer session and
	// topic; a republished sequence within the dedup window is dropped.
	lastSeq map[string]producerMark
	closed  bool
}

type producerMark struct {
	seq  int64
	seen time.Time
}

type topic struct {
	name       string
	partitions []*partition
}

type partition struct {
	mu         sync.Mutex
	nextOffset int64
	// queues is one bounded delivery queue per consumer group.
	queues map[string]chan Message
}

// NewBroker creates a broker with the given partition count per topic.
func NewBroker(cfg Config, logger core.ILogger) *Broker {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 8
	}
	if cfg.BufferPerPartition <= 0 {
		cfg.BufferPerPartition = 1024
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	return &Broker{
		cfg:     cfg,
		logger:  logger.WithField("component", "fabric_broker"),
		topics:  make(map[string]*topic),
		lastSeq: make(map[string]producerMark),
	}
}

// Close refuses further publishes and detaches every group queue. Queues are
// never closed: a publisher may still be mid-send, and consumer loops exit on
// their own context instead.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, t := range b.topics {
		for _, p := range t.partitions {
			p.mu.Lock()
			for g := range p.queues {
				delete(p.queues, g)
			}
			p.mu.Unlock()
		}
	}
	b.logger.Info("Fabric broker closed")
}

func (b *Broker) ensureTopic(name string) *topic {
	if t, ok := b.topics[name]; ok {
		return t
	}
	t := &topic{name: name, partitions: make([]*partition, b.cfg.Partitions)}
	for i := range t.partitions {
		t.partitions[i] = &partition{queues: make(map[string]chan Message)}
	}
	b.topics[name] = t
	b.logger.Debug("Topic created", "topic", name, "partitions", b.cfg.Partitions)
	return t
}

// PartitionFor returns the partition index a key maps to. Identical keys
// always land on the same partition, which is what carries the per-key
// ordering guarantee.
func (b *Broker) PartitionFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.cfg.Partitions))
}

// publish appends the message to the keyed partition of every subscribed
// group. It blocks while any group queue is full so producers see
// backpressure instead of loss, honouring at-least-once delivery.
func (b *Broker) publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return apperrors.Wrap(apperrors.CodePublishFailed, apperrors.ErrProducerClosed)
	}
	if pid := msg.Headers[HeaderProducerID]; pid != "" {
		seq := parseSeq(msg.Headers[HeaderProducerSeq])
		mark, ok := b.lastSeq[pid+"|"+msg.Topic]
		if ok && seq > 0 && seq <= mark.seq && time.Since(mark.seen) < b.cfg.DedupWindow {
			b.mu.Unlock()
			b.logger.Debug("Duplicate producer sequence dropped", "topic", msg.Topic, "seq", seq)
			return nil
		}
		if seq > 0 {
			b.lastSeq[pid+"|"+msg.Topic] = producerMark{seq: seq, seen: time.Now()}
		}
	}
	t := b.ensureTopic(msg.Topic)
	p := t.partitions[b.PartitionFor(msg.Key)]
	b.mu.Unlock()

	p.mu.Lock()
	msg.Partition = b.PartitionFor(msg.Key)
	msg.Offset = p.nextOffset
	p.nextOffset++
	queues := make([]chan Message, 0, len(p.queues))
	for _, q := range p.queues {
		queues = append(queues, q)
	}
	p.mu.Unlock()

	for _, q := range queues {
		select {
		case q <- msg:
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.CodePublishFailed, ctx.Err())
		}
	}
	return nil
}

// attach registers a consumer group on every partition of a topic and
// returns the group's partition queues.
func (b *Broker) attach(group, topicName string) ([]chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, apperrors.ErrConsumerClosed
	}
	t := b.ensureTopic(topicName)
	queues := make([]chan Message, len(t.partitions))
	for i, p := range t.partitions {
		p.mu.Lock()
		if _, exists := p.queues[group]; exists {
			p.mu.Unlock()
			return nil, fmt.Errorf("group %q already subscribed to %q", group, topicName)
		}
		q := make(chan Message, b.cfg.BufferPerPartition)
		p.queues[group] = q
		queues[i] = q
		p.mu.Unlock()
	}
	return queues, nil
}

// detach removes a consumer group from a topic so no further messages are
// routed to it.
func (b *Broker) detach(group, topicName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		return
	}
	for _, p := range t.partitions {
		p.mu.Lock()
		delete(p.queues, group)
		p.mu.Unlock()
	}
}

// Depth reports the queued message count for a (topic, group), summed across
// partitions. Used by health checks and tests.
func (b *Broker) Depth(topicName, group string) int {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	n := 0
	for _, p := range t.partitions {
		p.mu.Lock()
		if q, exists := p.queues[group]; exists {
			n += len(q)
		}
		p.mu.Unlock()
	}
	return n
}

func parseSeq(s string) int64 {
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
