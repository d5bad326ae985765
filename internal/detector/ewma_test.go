package detector

import "testing"

func TestUpdatePreservesMeanReversion(t *testing.T) {
	t.Parallel()

	m := moments{mean: 0.5, var_: 0}
	got := update(m, 0.6, 0.1)

	wantMean := 0.5 + 0.1*(0.6-0.5)
	if got.mean != wantMean {
		t.Errorf("mean = %v, want %v", got.mean, wantMean)
	}
}

func TestSeedInitializesMeanWithZeroVariance(t *testing.T) {
	t.Parallel()

	m := seed(0.42)
	if m.mean != 0.42 || m.var_ != 0 {
		t.Errorf("seed(0.42) = %+v, want mean=0.42 var=0", m)
	}
}

func TestZScoreFloorsStandardDeviation(t *testing.T) {
	t.Parallel()

	m := moments{mean: 0.5, var_: 0}
	z := zScore(m, 0.505, 0.01)

	want := 0.005 / 0.01
	if absFloat(z-want) > 1e-9 {
		t.Errorf("zScore() = %v, want %v", z, want)
	}
}

func TestVolumeBoostClampsBelowOne(t *testing.T) {
	t.Parallel()

	if got := volumeBoost(0.5, 0.25); got != 1 {
		t.Errorf("volumeBoost(0.5) = %v, want 1 (no excess below zVol=1)", got)
	}
	if got := volumeBoost(3, 0.25); got != 1+2*0.25 {
		t.Errorf("volumeBoost(3) = %v, want %v", got, 1+2*0.25)
	}
}

func TestAdjustedScoreMultipliesAbsPriceZByBoost(t *testing.T) {
	t.Parallel()

	got := adjustedScore(-2, 5, 0.25)
	want := 2 * (1 + 4*0.25)
	if got != want {
		t.Errorf("adjustedScore() = %v, want %v", got, want)
	}
}
