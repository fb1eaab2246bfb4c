package pricecache

import (
	"container/list"
	"sync"
	"time"

	"fx_platform/internal/core"
)

// tier is a bounded in-process cache level with a write TTL and LRU
// eviction once the cap is reached.
type tier struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	ll    *list.List
	items map[string]*list.Element
}

type tierEntry struct {
	key       string
	value     core.PriceEntry
	expiresAt time.Time
}

func newTier(capacity int, ttl time.Duration) *tier {
	return &tier{
		cap:   capacity,
		ttl:   ttl,
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
}

// get returns a live entry and touches its recency.
func (t *tier) get(key string) (core.PriceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.items[key]
	if !ok {
		return core.PriceEntry{}, false
	}
	te := el.Value.(*tierEntry)
	if time.Now().After(te.expiresAt) {
		t.ll.Remove(el)
		delete(t.items, key)
		return core.PriceEntry{}, false
	}
	t.ll.MoveToFront(el)
	return te.value, true
}

// peek returns a live entry without touching recency. Used by the
// source-rank write gate.
func (t *tier) peek(key string) (core.PriceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.items[key]
	if !ok {
		return core.PriceEntry{}, false
	}
	te := el.Value.(*tierEntry)
	if time.Now().After(te.expiresAt) {
		return core.PriceEntry{}, false
	}
	return te.value, true
}

func (t *tier) put(key string, value core.PriceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.items[key]; ok {
		te := el.Value.(*tierEntry)
		te.value = value
		te.expiresAt = time.Now().Add(t.ttl)
		t.ll.MoveToFront(el)
		return
	}
	el := t.ll.PushFront(&tierEntry{key: key, value: value, expiresAt: time.Now().Add(t.ttl)})
	t.items[key] = el
	for t.ll.Len() > t.cap {
		oldest := t.ll.Back()
		if oldest == nil {
			break
		}
		t.ll.Remove(oldest)
		delete(t.items, oldest.Value.(*tierEntry).key)
	}
}

func (t *tier) evict(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.items[key]; ok {
		t.ll.Remove(el)
		delete(t.items, key)
	}
}

func (t *tier) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ll.Len()
}
