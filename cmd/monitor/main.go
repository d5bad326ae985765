// Command monitor runs the prediction-market anomaly monitor.
//
// Architecture:
//
//	main.go                    — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	internal/engine             — orchestrator: three timers (catalog refresh, tick poll, heartbeat)
//	internal/catalog            — paginated catalog walker, parent/child multi-outcome reconciliation
//	internal/collector          — per-market price+volume sampling, acceptance gate
//	internal/detector           — EWMA anomaly scoring, cooldown/dedup alert decisions
//	internal/notifier           — alert delivery (log and webhook)
//	internal/upstream           — rate-limited REST client for the venue
//	internal/store              — SQLite persistence for streams, ticks, EWMA/alert state
//	internal/statusapi          — minimal operational status HTTP server
//
// How it works: every hour the catalog walker reconciles the venue's market
// list; every minute (outside configured blackout windows) the collector
// samples price and volume for each tracked market and the detector scores
// the observation against a per-market EWMA baseline, notifying on a
// sufficiently large, sufficiently novel move.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"polymarket-monitor/internal/catalog"
	"polymarket-monitor/internal/collector"
	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/detector"
	"polymarket-monitor/internal/engine"
	"polymarket-monitor/internal/notifier"
	"polymarket-monitor/internal/statusapi"
	"polymarket-monitor/internal/store"
	"polymarket-monitor/internal/upstream"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MON_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(newLogHandler(cfg.Logging))

	st, err := store.Open(cfg.Store.Path, cfg.Store.RawRetention, cfg.Store.FilteredRetention)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	up := upstream.NewClient(upstream.Config{
		CatalogBaseURL:        cfg.Upstream.CatalogBaseURL,
		MarketBaseURL:         cfg.Upstream.MarketBaseURL,
		RateLimitReservoir:    cfg.Upstream.RateLimitReservoir,
		RateLimitRefillPerSec: cfg.Upstream.RateLimitRefillPerSec,
		MaxConcurrency:        cfg.Upstream.MaxConcurrency,
		RequestTimeout:        cfg.Upstream.RequestTimeout,
		RetryWait:             cfg.Upstream.RetryWait,
	}, logger)

	walker := catalog.New(up, catalog.Config{
		PageWorkers:        cfg.Catalog.PageWorkers,
		PageSize:           cfg.Catalog.PageSize,
		NotFoundBreakLimit: cfg.Catalog.DetailNotFoundMax,
	}, logger)

	coll := collector.New(up, st, collector.Config{
		BatchSize:      cfg.Collector.BatchSize,
		MinTotalVolume: cfg.Collector.MinTotalVolume,
		MinDeltaVolume: cfg.Collector.MinDeltaVolume,
	}, logger)

	var notify notifier.Notifier
	if cfg.Notifier.WebhookURL != "" {
		notify = notifier.NewWebhookNotifier(cfg.Notifier.WebhookURL, logger)
	} else {
		notify = notifier.NewLogNotifier(logger)
	}

	det, err := detector.New(st, notify, detector.Config{
		Alpha:                 cfg.Detector.Alpha(),
		MinTicksForDetection:  int64(cfg.Detector.MinTicksForDetection),
		MinStdPrice:           cfg.Detector.MinStdPrice,
		MinStdVolume:          cfg.Detector.MinStdVolume,
		VolumeBoostFactor:     cfg.Detector.VolumeBoostFactor,
		ZThreshold:            cfg.Detector.ZThreshold,
		UseAdaptiveThresholds: cfg.Detector.UseAdaptiveThresholds,
		DeepExtremeMinChange:  cfg.Detector.DeepExtremeMinChange,
		NearExtremeMinChange:  cfg.Detector.NearExtremeMinChange,
		MiddleMinChange:       cfg.Detector.MiddleMinChange,
		MinAbsPriceChange:     cfg.Detector.MinAbsPriceChange,
		AlertCooldownMillis:   cfg.Detector.AlertCooldown.Milliseconds(),
		DuplicateWindowMillis: cfg.Detector.DuplicateAlertWindow.Milliseconds(),
		SeedHistoryLimit:      cfg.Store.FilteredRetention,
	}, cfg.Detector.TitleBlocklist, cfg.Detector.TitleBlocklistRegex, logger)
	if err != nil {
		logger.Error("failed to build detector", "error", err)
		os.Exit(1)
	}

	blackouts := make([]engine.BlackoutRange, len(cfg.Scheduler.BlackoutWindows))
	for i, w := range cfg.Scheduler.BlackoutWindows {
		blackouts[i] = engine.BlackoutRange{Start: w.Start, End: w.End}
	}

	eng := engine.New(walker, coll, det, st, engine.Config{
		CatalogRefreshInterval: cfg.Scheduler.CatalogRefreshInterval,
		PollInterval:           cfg.Scheduler.PollInterval,
		HeartbeatInterval:      cfg.Scheduler.HeartbeatInterval,
		BlackoutWindows:        blackouts,
	}, logger)

	var statusSrv *statusapi.Server
	if cfg.StatusAPI.Enabled {
		statusSrv = statusapi.NewServer(cfg.StatusAPI.Port, engineStatusAdapter{eng}, logger)
		go func() {
			if err := statusSrv.Start(); err != nil {
				logger.Error("status api failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("anomaly monitor started",
		"catalog_refresh_interval", cfg.Scheduler.CatalogRefreshInterval.String(),
		"poll_interval", cfg.Scheduler.PollInterval.String(),
		"status_api_enabled", cfg.StatusAPI.Enabled,
	)

	go eng.Start(ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	if statusSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusSrv.Stop(shutdownCtx); err != nil {
			logger.Error("status api shutdown error", "error", err)
		}
	}
}

// engineStatusAdapter adapts engine.Engine's Status() to statusapi.Provider,
// keeping statusapi free of an import on the engine package.
type engineStatusAdapter struct {
	eng *engine.Engine
}

func (a engineStatusAdapter) Status() statusapi.Snapshot {
	s := a.eng.Status()
	return statusapi.Snapshot{
		Uptime:           s.Uptime,
		LastPollAt:       s.LastPollAt,
		LastPollErr:      s.LastPollErr,
		LastRefreshAt:    s.LastRefreshAt,
		LastRefreshErr:   s.LastRefreshErr,
		TrackedMarkets:   s.TrackedMarkets,
		LastAlertAt:      s.LastAlertAt,
		TotalAlertsFired: s.TotalAlertsFired,
	}
}

func newLogHandler(cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
