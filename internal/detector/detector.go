package detector

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"polymarket-monitor/pkg/types"
)

// Store is the subset of store.Store the detector needs.
type Store interface {
	RecentFilteredTicks(ctx context.Context, marketID int64, limit int) ([]types.Tick, error)
	LoadEWMA(ctx context.Context, marketID int64) (types.EWMAState, error)
	SaveEWMA(ctx context.Context, st types.EWMAState) error
	LoadAlertState(ctx context.Context, marketID int64) (types.AlertState, error)
	SaveAlertState(ctx context.Context, st types.AlertState) error
}

// Notifier delivers a confirmed anomaly.
type Notifier interface {
	Notify(ctx context.Context, market types.Market, tick types.Tick, detection types.Detection) error
}

// Detector runs the EWMA anomaly decision sequence for each accepted tick.
type Detector struct {
	store    Store
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	blocklist      []string
	blocklistRegex *regexp.Regexp
}

// New builds a Detector. titleBlocklist entries are matched case-insensitive
// literal substrings; titleBlocklistRegex, if non-empty, is compiled
// case-insensitive and matched in addition.
func New(store Store, notifier Notifier, cfg Config, titleBlocklist []string, titleBlocklistRegex string, logger *slog.Logger) (*Detector, error) {
	lowered := make([]string, len(titleBlocklist))
	for i, s := range titleBlocklist {
		lowered[i] = strings.ToLower(s)
	}

	var re *regexp.Regexp
	if titleBlocklistRegex != "" {
		compiled, err := regexp.Compile("(?i)" + titleBlocklistRegex)
		if err != nil {
			return nil, fmt.Errorf("compile title blocklist regex: %w", err)
		}
		re = compiled
	}

	return &Detector{
		store:          store,
		notifier:       notifier,
		cfg:            cfg,
		logger:         logger.With("component", "detector"),
		blocklist:      lowered,
		blocklistRegex: re,
	}, nil
}

// Outcome is the result of Evaluate.
type Outcome struct {
	Triggered bool
	Detection types.Detection
}

// Evaluate runs the decision sequence (spec.md §4.3) for one accepted tick.
// now is the wall-clock instant used for cooldown/dedup comparisons.
func (d *Detector) Evaluate(ctx context.Context, market types.Market, parentTitle string, tick types.Tick, now time.Time) (Outcome, error) {
	st, err := d.store.LoadEWMA(ctx, market.MarketID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load ewma state: %w", err)
	}

	if st.IsCold() {
		st, err = d.coldStart(ctx, market.MarketID)
		if err != nil {
			return Outcome{}, fmt.Errorf("cold start: %w", err)
		}
	}

	if st.TickCount < d.cfg.MinTicksForDetection {
		next := d.applyTick(st, tick)
		if err := d.store.SaveEWMA(ctx, next); err != nil {
			return Outcome{}, fmt.Errorf("save ewma state: %w", err)
		}
		return Outcome{}, nil
	}

	preMoments := moments{mean: st.PriceMean, var_: st.PriceVar}
	preVolMoments := moments{mean: st.VolumeMean, var_: st.VolumeVar}
	preLastPrice := st.LastPrice

	zPrice := zScore(preMoments, tick.YesPrice, d.cfg.MinStdPrice)
	zVol := zScore(preVolMoments, tick.DeltaVolume, d.cfg.MinStdVolume)
	score := adjustedScore(zPrice, zVol, d.cfg.VolumeBoostFactor)
	delta := tick.YesPrice - preLastPrice

	next := d.applyTick(st, tick)
	if err := d.store.SaveEWMA(ctx, next); err != nil {
		return Outcome{}, fmt.Errorf("save ewma state: %w", err)
	}

	detection := types.Detection{
		PriceZ:        zPrice,
		VolumeZ:       zVol,
		AdjustedScore: score,
		PriceChange:   delta,
		PrevPrice:     preLastPrice,
		DetectedAt:    now,
	}

	if preLastPrice <= 0 {
		return Outcome{}, nil
	}

	zone, minChange := d.cfg.adaptiveMinChange(preLastPrice)
	detection.Zone = zone
	detection.AdaptiveThreshold = minChange

	if absFloat(delta) < minChange {
		return Outcome{}, nil
	}
	if score < d.cfg.ZThreshold {
		return Outcome{}, nil
	}
	if d.titleBlocked(market.Title) || (market.ChainID != nil && d.titleBlocked(parentTitle)) {
		return Outcome{}, nil
	}

	hash := fmt.Sprintf("%d:%.2f:%.3f", market.MarketID, score, absFloat(delta))

	alertState, err := d.store.LoadAlertState(ctx, market.MarketID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load alert state: %w", err)
	}

	nowMillis := now.UnixMilli()
	if alertState.LastAlertAt != nil {
		sinceLast := nowMillis - *alertState.LastAlertAt
		if sinceLast < d.cfg.AlertCooldownMillis {
			return Outcome{}, nil
		}
		if alertState.LastAlertHash == hash && sinceLast < d.cfg.DuplicateWindowMillis {
			return Outcome{}, nil
		}
	}

	if err := d.notifier.Notify(ctx, market, tick, detection); err != nil {
		d.logger.Error("notify failed", "market_id", market.MarketID, "error", err)
		return Outcome{}, nil
	}

	alertState.LastAlertAt = &nowMillis
	alertState.LastAlertHash = hash
	if err := d.store.SaveAlertState(ctx, alertState); err != nil {
		return Outcome{}, fmt.Errorf("save alert state: %w", err)
	}

	return Outcome{Triggered: true, Detection: detection}, nil
}

// coldStart seeds EWMA state from up to SeedHistoryLimit filtered ticks,
// oldest-first.
func (d *Detector) coldStart(ctx context.Context, marketID int64) (types.EWMAState, error) {
	history, err := d.store.RecentFilteredTicks(ctx, marketID, d.cfg.SeedHistoryLimit)
	if err != nil {
		return types.EWMAState{}, err
	}
	if len(history) == 0 {
		return types.EWMAState{MarketID: marketID}, nil
	}

	priceM := seed(history[0].YesPrice)
	volM := seed(history[0].DeltaVolume)
	lastPrice := history[0].YesPrice

	for _, t := range history[1:] {
		priceM = update(priceM, t.YesPrice, d.cfg.Alpha)
		volM = update(volM, t.DeltaVolume, d.cfg.Alpha)
		lastPrice = t.YesPrice
	}

	return types.EWMAState{
		MarketID:   marketID,
		PriceMean:  priceM.mean,
		PriceVar:   priceM.var_,
		VolumeMean: volM.mean,
		VolumeVar:  volM.var_,
		LastPrice:  lastPrice,
		TickCount:  int64(len(history)),
	}, nil
}

func (d *Detector) applyTick(st types.EWMAState, tick types.Tick) types.EWMAState {
	priceM := update(moments{mean: st.PriceMean, var_: st.PriceVar}, tick.YesPrice, d.cfg.Alpha)
	volM := update(moments{mean: st.VolumeMean, var_: st.VolumeVar}, tick.DeltaVolume, d.cfg.Alpha)
	return types.EWMAState{
		MarketID:   st.MarketID,
		PriceMean:  priceM.mean,
		PriceVar:   priceM.var_,
		VolumeMean: volM.mean,
		VolumeVar:  volM.var_,
		LastPrice:  tick.YesPrice,
		TickCount:  st.TickCount + 1,
	}
}

func (d *Detector) titleBlocked(title string) bool {
	if title == "" {
		return false
	}
	lowered := strings.ToLower(title)
	for _, s := range d.blocklist {
		if strings.Contains(lowered, s) {
			return true
		}
	}
	if d.blocklistRegex != nil && d.blocklistRegex.MatchString(title) {
		return true
	}
	return false
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
