package detector

import "polymarket-monitor/pkg/types"

// Config tunes the EWMA detector's thresholds and cooldown windows.
type Config struct {
	Alpha                 float64
	MinTicksForDetection  int64
	MinStdPrice           float64
	MinStdVolume          float64
	VolumeBoostFactor     float64
	ZThreshold            float64
	UseAdaptiveThresholds bool
	DeepExtremeMinChange  float64
	NearExtremeMinChange  float64
	MiddleMinChange       float64
	MinAbsPriceChange     float64
	AlertCooldownMillis   int64
	DuplicateWindowMillis int64
	SeedHistoryLimit      int
}

// classifyZone returns the price zone and its minimum |Δ| requirement.
func (c Config) classifyZone(price float64) (types.PriceZone, float64) {
	switch {
	case price < 0.01 || price > 0.99:
		return types.ZoneDeepExtreme, c.DeepExtremeMinChange
	case price < 0.03 || price > 0.97:
		return types.ZoneNearExtreme, c.NearExtremeMinChange
	default:
		return types.ZoneMiddle, c.MiddleMinChange
	}
}

// adaptiveMinChange returns the minimum |Δ| required to pass the
// price-change gate at the given pre-tick price.
func (c Config) adaptiveMinChange(price float64) (types.PriceZone, float64) {
	if !c.UseAdaptiveThresholds {
		return types.ZoneMiddle, c.MinAbsPriceChange
	}
	return c.classifyZone(price)
}
