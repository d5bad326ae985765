// Package detector implements the EWMA-based anomaly detector (C6): online
// mean/variance tracking per market, cold-start seeding from tick history,
// the adaptive price-change gate, volume-boosted scoring, and the alert
// decision sequence with cooldown/dedup suppression. Grounded on the
// teacher's internal/strategy package for the shape of a per-market
// stateful decision pipeline, generalized from quoting logic to anomaly
// scoring.
package detector

import "math"

// moments holds an EWMA mean/variance pair.
type moments struct {
	mean float64
	var_ float64
}

// update applies the online EWMA update for observation x against the
// pre-update moments m, returning the post-update moments.
func update(m moments, x, alpha float64) moments {
	d := x - m.mean
	mean := m.mean + alpha*d
	var_ := (1 - alpha) * (m.var_ + alpha*d*d)
	return moments{mean: mean, var_: var_}
}

// seed initializes moments from the first observation of a cold-start
// series: mean = x, variance = 0.
func seed(x float64) moments {
	return moments{mean: x, var_: 0}
}

// zScore computes the Z-score of x against the pre-update moments m, with
// the standard deviation floored at minStd to avoid division blowups on a
// near-zero variance.
func zScore(m moments, x, minStd float64) float64 {
	std := math.Sqrt(m.var_)
	if std < minStd {
		std = minStd
	}
	return (x - m.mean) / std
}

// volumeBoost computes 1 + max(0, zVol-1)*beta.
func volumeBoost(zVol, beta float64) float64 {
	excess := zVol - 1
	if excess < 0 {
		excess = 0
	}
	return 1 + excess*beta
}

// adjustedScore computes |zPrice| * volumeBoost(zVol, beta).
func adjustedScore(zPrice, zVol, beta float64) float64 {
	return math.Abs(zPrice) * volumeBoost(zVol, beta)
}
