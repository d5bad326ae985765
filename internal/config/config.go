// Package config defines all configuration for the anomaly monitor.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overridable fields via MON_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Store     StoreConfig     `mapstructure:"store"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Collector CollectorConfig `mapstructure:"collector"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	StatusAPI StatusAPIConfig `mapstructure:"status_api"`
}

// UpstreamConfig points at the venue's REST endpoints and tunes the shared
// rate limiter / retry policy that every request passes through.
type UpstreamConfig struct {
	CatalogBaseURL string `mapstructure:"catalog_base_url"`
	MarketBaseURL  string `mapstructure:"market_base_url"`

	RateLimitReservoir    float64       `mapstructure:"rate_limit_reservoir"`
	RateLimitRefillPerSec float64       `mapstructure:"rate_limit_refill_per_sec"`
	MaxConcurrency        int           `mapstructure:"max_concurrency"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	RetryWait             time.Duration `mapstructure:"retry_wait"`
}

// StoreConfig sets where market/tick/alert/EWMA state is persisted.
type StoreConfig struct {
	Path              string `mapstructure:"path"`
	RawRetention      int    `mapstructure:"raw_retention"`
	FilteredRetention int    `mapstructure:"filtered_retention"`
}

// CatalogConfig controls pagination, concurrency, and circuit breaking for
// the catalog walker (C4).
type CatalogConfig struct {
	PageSize          int `mapstructure:"page_size"`
	PageWorkers       int `mapstructure:"page_workers"`
	DetailNotFoundMax int `mapstructure:"detail_not_found_max"`
	MultiNotFoundMax  int `mapstructure:"multi_not_found_max"`
}

// CollectorConfig controls the tick collector's batching and acceptance gate.
type CollectorConfig struct {
	BatchSize      int     `mapstructure:"batch_size"`
	MinTotalVolume float64 `mapstructure:"min_total_volume"`
	MinDeltaVolume float64 `mapstructure:"min_delta_volume"`
}

// DetectorConfig tunes the EWMA detector (C6).
type DetectorConfig struct {
	Span                  int           `mapstructure:"span"`
	MinTicksForDetection  int           `mapstructure:"min_ticks_for_detection"`
	MinStdPrice           float64       `mapstructure:"min_std_price"`
	MinStdVolume          float64       `mapstructure:"min_std_volume"`
	VolumeBoostFactor     float64       `mapstructure:"volume_boost_factor"`
	ZThreshold            float64       `mapstructure:"z_threshold"`
	UseAdaptiveThresholds bool          `mapstructure:"use_adaptive_thresholds"`
	DeepExtremeMinChange  float64       `mapstructure:"deep_extreme_min_change"`
	NearExtremeMinChange  float64       `mapstructure:"near_extreme_min_change"`
	MiddleMinChange       float64       `mapstructure:"middle_min_change"`
	MinAbsPriceChange     float64       `mapstructure:"min_abs_price_change"`
	AlertCooldown         time.Duration `mapstructure:"alert_cooldown"`
	DuplicateAlertWindow  time.Duration `mapstructure:"duplicate_alert_window"`
	TitleBlocklist        []string      `mapstructure:"title_blocklist"`
	TitleBlocklistRegex   string        `mapstructure:"title_blocklist_regex"`
}

// SchedulerConfig sets timer cadences and blackout windows (C1).
type SchedulerConfig struct {
	CatalogRefreshInterval time.Duration   `mapstructure:"catalog_refresh_interval"`
	PollInterval           time.Duration   `mapstructure:"poll_interval"`
	HeartbeatInterval      time.Duration   `mapstructure:"heartbeat_interval"`
	BlackoutWindows        []BlackoutRange `mapstructure:"blackout_windows"`
}

// BlackoutRange is a half-open minute-of-hour range, e.g. {Start: 56, End:
// 60} suppresses polling from :56 through :59.
type BlackoutRange struct {
	Start int `mapstructure:"start"`
	End   int `mapstructure:"end"`
}

// NotifierConfig selects and configures the alert delivery path.
type NotifierConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusAPIConfig controls the minimal operational status server.
type StatusAPIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults seeds every tunable named in the specification so a minimal
// YAML file still produces a working config. Load still requires the file
// itself to exist and be readable.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("upstream.rate_limit_reservoir", 12.0)
	v.SetDefault("upstream.rate_limit_refill_per_sec", 12.0)
	v.SetDefault("upstream.max_concurrency", 6)
	v.SetDefault("upstream.request_timeout", 10*time.Second)
	v.SetDefault("upstream.retry_wait", 300*time.Millisecond)

	v.SetDefault("store.raw_retention", 400)
	v.SetDefault("store.filtered_retention", 120)

	v.SetDefault("catalog.page_size", 100)
	v.SetDefault("catalog.page_workers", 16)
	v.SetDefault("catalog.detail_not_found_max", 5)
	v.SetDefault("catalog.multi_not_found_max", 5)

	v.SetDefault("collector.batch_size", 60)
	v.SetDefault("collector.min_total_volume", 3000.0)
	v.SetDefault("collector.min_delta_volume", 80.0)

	v.SetDefault("detector.span", 20)
	v.SetDefault("detector.min_ticks_for_detection", 20)
	v.SetDefault("detector.min_std_price", 0.005)
	v.SetDefault("detector.min_std_volume", 20.0)
	v.SetDefault("detector.volume_boost_factor", 0.25)
	v.SetDefault("detector.z_threshold", 2.5)
	v.SetDefault("detector.use_adaptive_thresholds", true)
	v.SetDefault("detector.deep_extreme_min_change", 0.07)
	v.SetDefault("detector.near_extreme_min_change", 0.10)
	v.SetDefault("detector.middle_min_change", 0.15)
	v.SetDefault("detector.min_abs_price_change", 0.03)
	v.SetDefault("detector.alert_cooldown", 6*time.Hour)
	v.SetDefault("detector.duplicate_alert_window", 6*time.Hour)

	v.SetDefault("scheduler.catalog_refresh_interval", time.Hour)
	v.SetDefault("scheduler.poll_interval", time.Minute)
	v.SetDefault("scheduler.heartbeat_interval", 5*time.Minute)
	v.SetDefault("scheduler.blackout_windows", []map[string]int{
		{"start": 56, "end": 60},
		{"start": 26, "end": 32},
	})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("status_api.enabled", false)
	v.SetDefault("status_api.port", 8090)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Upstream.CatalogBaseURL == "" {
		return fmt.Errorf("upstream.catalog_base_url is required")
	}
	if c.Upstream.MarketBaseURL == "" {
		return fmt.Errorf("upstream.market_base_url is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Detector.Span <= 0 {
		return fmt.Errorf("detector.span must be > 0")
	}
	if c.Detector.ZThreshold <= 0 {
		return fmt.Errorf("detector.z_threshold must be > 0")
	}
	for _, w := range c.Scheduler.BlackoutWindows {
		if w.Start < 0 || w.End > 60 || w.Start >= w.End {
			return fmt.Errorf("scheduler.blackout_windows: invalid range [%d,%d)", w.Start, w.End)
		}
	}
	return nil
}

// Alpha returns the EWMA smoothing factor derived from Span: 2/(span+1).
func (d DetectorConfig) Alpha() float64 {
	return 2.0 / (float64(d.Span) + 1.0)
}
