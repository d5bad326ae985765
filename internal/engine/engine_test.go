package engine

import (
	"testing"
	"time"
)

func TestBlackoutRangeContainsHalfOpenBounds(t *testing.T) {
	t.Parallel()

	r := BlackoutRange{Start: 56, End: 60}
	if !r.contains(56) {
		t.Error("56 should be inside [56,60)")
	}
	if r.contains(60) {
		t.Error("60 should be outside [56,60)")
	}
	if r.contains(55) {
		t.Error("55 should be outside [56,60)")
	}
}

func TestInBlackoutUnionsConfiguredWindows(t *testing.T) {
	t.Parallel()

	e := &Engine{cfg: Config{BlackoutWindows: []BlackoutRange{{Start: 56, End: 60}, {Start: 26, End: 32}}}}

	cases := []struct {
		minute int
		want   bool
	}{
		{0, false},
		{26, true},
		{31, true},
		{32, false},
		{56, true},
		{59, true},
		{40, false},
	}

	for _, c := range cases {
		now := time.Date(2026, 1, 1, 12, c.minute, 0, 0, time.UTC)
		if got := e.inBlackout(now); got != c.want {
			t.Errorf("inBlackout(minute=%d) = %v, want %v", c.minute, got, c.want)
		}
	}
}
