package pricing

import (
	"context"
	"encoding/json"
	"strconv"

	"fx_platform/internal/core"
	"fx_platform/internal/fabric"
	"fx_platform/pkg/websocket"
)

// feedFrame is the envelope the upstream market-data feed pushes. Exactly
// one payload field is set per frame.
type feedFrame struct {
	Type  string           `json:"type"`
	Price *core.PriceTick  `json:"price,omitempty"`
	Fx    *core.FxRateTick `json:"fx,omitempty"`
}

type feedSubscribe struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// FeedBridge keeps a WebSocket session to the upstream feed and republishes
// every frame onto the fabric, where the normal tick consumers take over.
// Running the feed through the fabric rather than straight into the cache
// keeps one ingest path, with partitioning and DLQ semantics intact.
type FeedBridge struct {
	client   *websocket.Client
	producer *fabric.Producer
	logger   core.ILogger
}

func NewFeedBridge(url string, producer *fabric.Producer, logger core.ILogger) *FeedBridge {
	b := &FeedBridge{
		producer: producer,
		logger:   logger.WithField("component", "feed_bridge"),
	}
	b.client = websocket.NewClient(url, b.onFrame, logger)
	b.client.SetOnConnected(func() {
		if err := b.client.Send(feedSubscribe{Op: "subscribe", Channels: []string{"prices", "fx_rates"}}); err != nil {
			b.logger.Warn("Feed subscribe failed", "error", err)
		}
	})
	return b
}

func (b *FeedBridge) Start() {
	b.client.Start()
	b.logger.Info("Feed bridge started")
}

func (b *FeedBridge) Stop() {
	b.client.Stop()
	b.logger.Info("Feed bridge stopped")
}

func (b *FeedBridge) onFrame(message []byte) {
	var frame feedFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		b.logger.Warn("Malformed feed frame dropped", "error", err)
		return
	}

	ctx := context.Background()
	switch {
	case frame.Type == "PRICE" && frame.Price != nil:
		key := frame.Price.Ticker
		if frame.Price.ProductID > 0 {
			key = strconv.FormatInt(frame.Price.ProductID, 10)
		}
		if err := b.producer.PublishJSON(ctx, fabric.TopicMarketData, key, frame.Price); err != nil {
			b.logger.Warn("Feed price republish failed", "key", key, "error", err)
		}
	case frame.Type == "FX" && frame.Fx != nil:
		if err := b.producer.PublishJSON(ctx, fabric.TopicFxRates, frame.Fx.Pair, frame.Fx); err != nil {
			b.logger.Warn("Feed FX republish failed", "pair", frame.Fx.Pair, "error", err)
		}
	default:
		b.logger.Debug("Unrecognized feed frame dropped", "type", frame.Type)
	}
}
