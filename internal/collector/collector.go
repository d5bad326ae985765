// Package collector implements the tick collector (C5): polls the public
// orderbook and private-volume endpoints for every tracked market, computes
// the non-negative volume delta, applies the acceptance gate, and hands
// accepted ticks to the detector before persisting them. Grounded on the
// teacher's internal/market/book.go polling shape, generalized from
// order-book bookkeeping to price+volume sampling.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"polymarket-monitor/internal/upstream"
	"polymarket-monitor/pkg/types"
)

// Upstream is the subset of upstream.Client the collector needs.
type Upstream interface {
	OrderbookPrice(ctx context.Context, yesTokenID, topicID string, chainID *int64) (upstream.Envelope, int, error)
	PrivateMarket(ctx context.Context, marketID int64) (upstream.Envelope, int, error)
}

// Store is the subset of store.Store the collector needs.
type Store interface {
	ListStreams(ctx context.Context) ([]types.Market, error)
	LastRawTick(ctx context.Context, marketID int64) (*types.Tick, error)
	AppendTick(ctx context.Context, tick types.Tick, accepted bool) error
}

// Config tunes batching and the acceptance gate.
type Config struct {
	BatchSize      int
	MinTotalVolume float64
	MinDeltaVolume float64
}

// Collector runs one poll cycle across every tracked market.
type Collector struct {
	up     Upstream
	store  Store
	cfg    Config
	logger *slog.Logger

	polling atomic.Bool
}

// New builds a Collector.
func New(up Upstream, store Store, cfg Config, logger *slog.Logger) *Collector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 60
	}
	return &Collector{up: up, store: store, cfg: cfg, logger: logger.With("component", "collector")}
}

// EvaluateFunc is the detector hand-off signature; it is a function type
// rather than an interface so the collector never imports the detector
// package (which in turn imports neither upstream nor collector).
type EvaluateFunc func(ctx context.Context, market types.Market, parentTitle string, tick types.Tick) error

// PollTicks runs one polling cycle. Concurrent invocations while a poll is
// already in flight return immediately without error.
func (c *Collector) PollTicks(ctx context.Context, evaluate EvaluateFunc) error {
	if !c.polling.CompareAndSwap(false, true) {
		c.logger.Debug("poll already in progress, skipping")
		return nil
	}
	defer c.polling.Store(false)

	markets, err := c.store.ListStreams(ctx)
	if err != nil {
		return err
	}
	if len(markets) == 0 {
		return nil
	}

	titleByID := make(map[int64]string, len(markets))
	for _, m := range markets {
		titleByID[m.MarketID] = m.Title
	}

	for start := 0; start < len(markets); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(markets) {
			end = len(markets)
		}
		batch := markets[start:end]

		var wg sync.WaitGroup
		for _, m := range batch {
			wg.Add(1)
			go func(m types.Market) {
				defer wg.Done()
				parentTitle := ""
				if m.ParentMarketID != nil {
					parentTitle = titleByID[*m.ParentMarketID]
				}
				if err := c.collectTick(ctx, m, parentTitle, evaluate); err != nil {
					c.logger.Warn("collect tick failed", "market_id", m.MarketID, "error", err)
				}
			}(m)
		}
		wg.Wait()
	}

	return nil
}

// collectTick implements spec.md §4.2's per-market sampling sequence.
func (c *Collector) collectTick(ctx context.Context, market types.Market, parentTitle string, evaluate EvaluateFunc) error {
	pricePayload, priceCode, err := c.up.OrderbookPrice(ctx, market.YesTokenID, market.TopicID, market.ChainID)
	if err != nil {
		return err
	}
	if priceCode != 0 || len(pricePayload) == 0 {
		c.logger.Debug("skipped (no payload)", "market_id", market.MarketID, "stage", "price")
		return nil
	}
	price, ts, ok := extractPrice(pricePayload)
	if !ok {
		c.logger.Debug("skipped (no payload)", "market_id", market.MarketID, "stage", "price-extract")
		return nil
	}

	volumePayload, volCode, err := c.up.PrivateMarket(ctx, market.MarketID)
	if err != nil {
		return err
	}
	if volCode != 0 || len(volumePayload) == 0 {
		c.logger.Debug("skipped (no payload)", "market_id", market.MarketID, "stage", "volume")
		return nil
	}
	volume, ok := upstream.PickNumber(volumePayload, "privateVolume", "volume")
	if !ok {
		c.logger.Debug("skipped (no payload)", "market_id", market.MarketID, "stage", "volume-extract")
		return nil
	}

	lastRaw, err := c.store.LastRawTick(ctx, market.MarketID)
	if err != nil {
		return err
	}

	var deltaVolume float64
	if lastRaw != nil {
		rawDelta := volume - lastRaw.Volume
		if rawDelta < 0 {
			c.logger.Warn("volume decreased since last tick", "market_id", market.MarketID, "last_volume", lastRaw.Volume, "volume", volume)
			deltaVolume = 0
		} else {
			deltaVolume = rawDelta
		}
	}

	tick := types.Tick{
		MarketID:    market.MarketID,
		TS:          ts,
		YesPrice:    price,
		Volume:      volume,
		DeltaVolume: deltaVolume,
	}

	accepted := !(volume < c.cfg.MinTotalVolume && deltaVolume < c.cfg.MinDeltaVolume)
	if !accepted {
		c.logger.Debug("skipped (filters)", "market_id", market.MarketID, "volume", volume, "delta_volume", deltaVolume)
		return c.store.AppendTick(ctx, tick, false)
	}

	if err := evaluate(ctx, market, parentTitle, tick); err != nil {
		c.logger.Error("detector evaluation failed", "market_id", market.MarketID, "error", err)
	}

	return c.store.AppendTick(ctx, tick, true)
}

// extractPrice implements spec.md's price/timestamp extraction rule:
// prefer last_price, else the first (lowest) ask, else the first (highest)
// bid; timestamp from the first present of timestamp/time/ts, coerced to
// milliseconds.
func extractPrice(payload upstream.Envelope) (price float64, ts int64, ok bool) {
	if p, found := upstream.PickNumber(payload, "last_price", "lastPrice"); found {
		price, ok = p, true
	} else if asks, found := upstream.PickList(payload, "ask", "asks"); found && len(asks) > 0 {
		if p, found := firstEntryPrice(asks[0]); found {
			price, ok = p, true
		}
	} else if bids, found := upstream.PickList(payload, "bid", "bids"); found && len(bids) > 0 {
		if p, found := firstEntryPrice(bids[0]); found {
			price, ok = p, true
		}
	}
	if !ok {
		return 0, 0, false
	}

	n, found := upstream.PickNumber(payload, "timestamp", "time", "ts")
	if !found {
		return 0, 0, false
	}
	ts = upstream.CoerceMillis(n, upstream.TickTimestampSecondsThreshold)
	return price, ts, true
}

func firstEntryPrice(entry any) (float64, bool) {
	switch v := entry.(type) {
	case map[string]any:
		return upstream.PickNumber(v, "price")
	case float64:
		return v, true
	case string:
		return upstream.PickNumber(map[string]any{"price": v}, "price")
	default:
		return 0, false
	}
}
