package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriceSourceRanking(t *testing.T) {
	assert.Greater(t, SourceOverride.Rank(), SourceRealtime.Rank())
	assert.Greater(t, SourceRealtime.Rank(), SourceRCPSnap.Rank())
	assert.Greater(t, SourceRCPSnap.Rank(), SourceMSPA.Rank())
	assert.Equal(t, 0, PriceSource("BOGUS").Rank())
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderFilled, OrderRejected, OrderCanceled, OrderOrphaned} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []OrderStatus{OrderNew, OrderPendingNew, OrderSent, OrderAcknowledged, OrderPartiallyFilled} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestEODStatusTerminal(t *testing.T) {
	assert.True(t, EODCompleted.Terminal())
	// FAILED can transition back to IN_PROGRESS on retry
	assert.False(t, EODFailed.Terminal())
	assert.False(t, EODPending.Terminal())
	assert.False(t, EODInProgress.Terminal())
}

func TestOwnsAccount(t *testing.T) {
	// 1001 % 3 == 2
	assert.True(t, OwnsAccount(1001, 2, 3))
	assert.False(t, OwnsAccount(1001, 1, 3))
	assert.False(t, OwnsAccount(1001, 0, 3))
}

func TestOwnsAccountShardFilter(t *testing.T) {
	owned := 0
	for id := int64(1000); id < 1009; id++ {
		if OwnsAccount(id, 1, 3) {
			owned++
			assert.Equal(t, int64(1), id%3)
		}
	}
	assert.Equal(t, 3, owned)

	// negative ids use absolute value
	assert.True(t, OwnsAccount(-4, 1, 3))
	// single shard owns everything
	assert.True(t, OwnsAccount(12345, 0, 1))
}

func TestBusinessDate(t *testing.T) {
	d := NewBusinessDate(time.Date(2026, 8, 24, 23, 15, 0, 0, time.UTC))
	assert.Equal(t, BusinessDate("2026-08-24"), d)
	assert.True(t, d.Valid())
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), d.Time())
	assert.False(t, BusinessDate("24/08/2026").Valid())
}

func TestPositionChangeEventDedupKey(t *testing.T) {
	ts := time.Date(2026, 8, 24, 17, 30, 0, 0, time.UTC)
	a := PositionChangeEvent{AccountID: 1001, EventType: EventIntraday, Timestamp: ts}
	b := PositionChangeEvent{AccountID: 1001, EventType: EventIntraday, Timestamp: ts}
	c := PositionChangeEvent{AccountID: 1001, EventType: EventEODComplete, Timestamp: ts}
	assert.Equal(t, a.DedupKey(), b.DedupKey())
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}
