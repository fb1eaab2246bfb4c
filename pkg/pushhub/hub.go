// Package pushhub is the valuation subscription hub: WebSocket subscribers
// register for one or more account ids and receive the conflated revaluation
// stream for those accounts. Ordering per account is preserved end to end;
// a subscriber that cannot keep up is dropped rather than allowed to stall
// the push path.
package pushhub

import (
	"context"
	"sync"

	"fx_platform/internal/core"
	"fx_platform/pkg/telemetry"
)

// Subscriber is one connected client with its account subscriptions.
type Subscriber struct {
	id       string
	accounts map[int64]struct{}
	send     chan Message
	mu       sync.Mutex
	closed   bool
}

// NewSubscriber creates a subscriber for the given accounts with a bounded
// send buffer.
func NewSubscriber(id string, accountIDs []int64, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 256
	}
	accounts := make(map[int64]struct{}, len(accountIDs))
	for _, a := range accountIDs {
		accounts[a] = struct{}{}
	}
	return &Subscriber{
		id:       id,
		accounts: accounts,
		send:     make(chan Message, buffer),
	}
}

// Send enqueues a message without blocking. False means the subscriber is
// closed or its buffer is full; the hub treats that as a slow client.
func (s *Subscriber) Send(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Messages returns the outbound frame channel for the write pump.
func (s *Subscriber) Messages() <-chan Message {
	return s.send
}

// Close shuts the outbound channel; idempotent.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// wantsAccount reports whether the subscriber asked for this account. An
// empty subscription set means "all accounts".
func (s *Subscriber) wantsAccount(accountID int64) bool {
	if len(s.accounts) == 0 {
		return true
	}
	_, ok := s.accounts[accountID]
	return ok
}

type pushItem struct {
	accountID int64
	msg       Message
}

// Hub routes valuation updates to the subscribers of each account. The run
// loop owns the subscriber set; Push is non-blocking so the conflator never
// waits on the network.
type Hub struct {
	register   chan *Subscriber
	unregister chan *Subscriber
	pushes     chan pushItem

	mu        sync.RWMutex
	byAccount map[int64]map[*Subscriber]struct{}
	all       map[*Subscriber]struct{}

	logger core.ILogger
}

func NewHub(logger core.ILogger) *Hub {
	return &Hub{
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber),
		pushes:     make(chan pushItem, 1024),
		byAccount:  make(map[int64]map[*Subscriber]struct{}),
		all:        make(map[*Subscriber]struct{}),
		logger:     logger.WithField("component", "push_hub"),
	}
}

// Run drives the hub until the context ends, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for sub := range h.all {
				sub.Close()
			}
			h.all = make(map[*Subscriber]struct{})
			h.byAccount = make(map[int64]map[*Subscriber]struct{})
			h.mu.Unlock()
			h.publishGauge()
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.all[sub] = struct{}{}
			for account := range sub.accounts {
				if h.byAccount[account] == nil {
					h.byAccount[account] = make(map[*Subscriber]struct{})
				}
				h.byAccount[account][sub] = struct{}{}
			}
			total := len(h.all)
			h.mu.Unlock()
			h.publishGauge()
			h.logger.Info("Subscriber registered", "subscriber_id", sub.id, "accounts", len(sub.accounts), "total", total)

		case sub := <-h.unregister:
			h.drop(sub)

		case item := <-h.pushes:
			h.deliver(item)
		}
	}
}

// Push hands one valuation update to the run loop. A full hub queue drops
// the update and counts it; the next conflation window re-emits the latest
// value anyway.
func (h *Hub) Push(accountID int64, update core.ValuationUpdate) {
	select {
	case h.pushes <- pushItem{accountID: accountID, msg: NewValuationMessage(update)}:
	default:
		if m := telemetry.GetGlobalMetrics().PushDropsTotal; m != nil {
			m.Add(context.Background(), 1)
		}
		h.logger.Warn("Push queue full, dropping update", "account_id", accountID)
	}
}

// Register attaches a subscriber to the hub.
func (h *Hub) Register(sub *Subscriber) {
	h.register <- sub
}

// Unregister detaches and closes a subscriber.
func (h *Hub) Unregister(sub *Subscriber) {
	h.unregister <- sub
}

// SubscriberCount reports connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) deliver(item pushItem) {
	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.byAccount[item.accountID]))
	for sub := range h.byAccount[item.accountID] {
		targets = append(targets, sub)
	}
	for sub := range h.all {
		if len(sub.accounts) == 0 {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if !sub.Send(item.msg) {
			if m := telemetry.GetGlobalMetrics().PushDropsTotal; m != nil {
				m.Add(context.Background(), 1)
			}
			h.logger.Warn("Slow subscriber dropped", "subscriber_id", sub.id, "account_id", item.accountID)
			h.drop(sub)
		}
	}
}

func (h *Hub) drop(sub *Subscriber) {
	h.mu.Lock()
	if _, ok := h.all[sub]; ok {
		delete(h.all, sub)
		for account := range sub.accounts {
			delete(h.byAccount[account], sub)
			if len(h.byAccount[account]) == 0 {
				delete(h.byAccount, account)
			}
		}
		sub.Close()
	}
	total := len(h.all)
	h.mu.Unlock()
	h.publishGauge()
	h.logger.Info("Subscriber unregistered", "subscriber_id", sub.id, "total", total)
}

func (h *Hub) publishGauge() {
	telemetry.GetGlobalMetrics().SetSubscribers("valuations", int64(h.SubscriberCount()))
}
