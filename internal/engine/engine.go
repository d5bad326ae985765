// Package engine is the central orchestrator of the anomaly monitor (C1
// Scheduler). It wires together the catalog walker, tick collector, EWMA
// detector, and notifier, and runs three independently-cadenced timers:
// hourly catalog refresh, per-minute tick polling (suppressed during
// configured blackout windows), and a five-minute heartbeat.
//
// Lifecycle: New() -> Start(ctx) -> [blocks until ctx is cancelled].
// Grounded on the teacher's internal/engine/engine.go lifecycle shape and
// internal/market/scanner.go's immediate-run-then-ticker pattern, adapted
// from a single scan loop to three independent timers.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polymarket-monitor/internal/collector"
	"polymarket-monitor/internal/detector"
	"polymarket-monitor/pkg/types"
)

// Catalog is the subset of catalog.Walker the engine needs.
type Catalog interface {
	Walk(ctx context.Context) ([]types.Market, error)
}

// Store is the subset of store.Store the engine needs directly (the rest
// flows through Catalog/Collector/Detector).
type Store interface {
	UpsertStream(ctx context.Context, m types.Market) error
}

// Config controls timer cadences and blackout windows.
type Config struct {
	CatalogRefreshInterval time.Duration
	PollInterval           time.Duration
	HeartbeatInterval      time.Duration
	BlackoutWindows        []BlackoutRange
}

// BlackoutRange is a half-open minute-of-hour range during which tick
// polling is suppressed.
type BlackoutRange struct {
	Start int
	End   int
}

func (r BlackoutRange) contains(minute int) bool {
	return minute >= r.Start && minute < r.End
}

// Engine ties the catalog walker, collector, and detector together behind
// the scheduler's three timers.
type Engine struct {
	catalog   Catalog
	collector *collector.Collector
	detector  *detector.Detector
	store     Store
	cfg       Config
	logger    *slog.Logger

	startedAt time.Time

	mu               sync.RWMutex
	lastPollAt       time.Time
	lastPollErr      error
	lastRefreshAt    time.Time
	lastRefreshErr   error
	trackedMarkets   int
	lastAlertAt      time.Time
	totalAlertsFired int64
}

// New builds an Engine.
func New(catalog Catalog, coll *collector.Collector, det *detector.Detector, store Store, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		catalog:   catalog,
		collector: coll,
		detector:  det,
		store:     store,
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
	}
}

// Start runs the startup sequence (refresh -> immediate poll -> timers)
// and then blocks, running the three timers until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.startedAt = time.Now()

	e.refreshCatalog(ctx)
	e.poll(ctx)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runCatalogTimer(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runPollTimer(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runHeartbeatTimer(ctx)
	}()

	wg.Wait()
}

func (e *Engine) runCatalogTimer(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CatalogRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshCatalog(ctx)
		}
	}
}

func (e *Engine) runPollTimer(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if e.inBlackout(now) {
				e.logger.Debug("poll suppressed by blackout window", "minute", now.Minute())
				continue
			}
			e.poll(ctx)
		}
	}
}

func (e *Engine) runHeartbeatTimer(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.logger.Info("heartbeat", "uptime", time.Since(e.startedAt).String())
		}
	}
}

func (e *Engine) inBlackout(now time.Time) bool {
	minute := now.Minute()
	for _, w := range e.cfg.BlackoutWindows {
		if w.contains(minute) {
			return true
		}
	}
	return false
}

// refreshCatalog runs the walker end-to-end and upserts every emitted
// descriptor with updatedAt = now. Failure is logged and does not abort
// subsequent runs.
func (e *Engine) refreshCatalog(ctx context.Context) {
	now := time.Now()
	markets, err := e.catalog.Walk(ctx)

	e.mu.Lock()
	e.lastRefreshAt = now
	e.lastRefreshErr = err
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("catalog refresh failed", "error", err)
		return
	}

	for _, m := range markets {
		m.UpdatedAt = now.UnixMilli()
		if err := e.store.UpsertStream(ctx, m); err != nil {
			e.logger.Error("upsert market failed", "market_id", m.MarketID, "error", err)
		}
	}

	e.mu.Lock()
	e.trackedMarkets = len(markets)
	e.mu.Unlock()

	e.logger.Info("catalog refresh complete", "markets", len(markets), "elapsed", time.Since(now).String())
}

func (e *Engine) poll(ctx context.Context) {
	now := time.Now()
	err := e.collector.PollTicks(ctx, e.evaluateDetection)

	e.mu.Lock()
	e.lastPollAt = now
	e.lastPollErr = err
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("tick poll failed", "error", err)
	}
}

func (e *Engine) evaluateDetection(ctx context.Context, market types.Market, parentTitle string, tick types.Tick) error {
	now := time.Now()
	outcome, err := e.detector.Evaluate(ctx, market, parentTitle, tick, now)
	if err != nil {
		return err
	}
	if outcome.Triggered {
		e.mu.Lock()
		e.lastAlertAt = now
		e.totalAlertsFired++
		e.mu.Unlock()
	}
	return nil
}

// Snapshot is the point-in-time operational status the status API exposes.
type Snapshot struct {
	Uptime           time.Duration
	LastPollAt       time.Time
	LastPollErr      error
	LastRefreshAt    time.Time
	LastRefreshErr   error
	TrackedMarkets   int
	LastAlertAt      time.Time
	TotalAlertsFired int64
}

// Status returns the current operational snapshot.
func (e *Engine) Status() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		Uptime:           time.Since(e.startedAt),
		LastPollAt:       e.lastPollAt,
		LastPollErr:      e.lastPollErr,
		LastRefreshAt:    e.lastRefreshAt,
		LastRefreshErr:   e.lastRefreshErr,
		TrackedMarkets:   e.trackedMarkets,
		LastAlertAt:      e.lastAlertAt,
		TotalAlertsFired: e.totalAlertsFired,
	}
}
