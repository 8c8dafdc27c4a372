package backoff

import (
	"testing"
	"time"
)

func TestJitter_ExponentialGrowth(t *testing.T) {
	base := 10 * time.Millisecond
	cap := 320 * time.Millisecond

	for _, tc := range []struct {
		attempt int
		maxCap  time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 80 * time.Millisecond},
		{4, 160 * time.Millisecond},
		{5, 320 * time.Millisecond},
		{6, 320 * time.Millisecond},  // capped
		{60, 320 * time.Millisecond}, // capped
	} {
		for range 1000 {
			d := Jitter(tc.attempt, base, cap)
			if d > tc.maxCap {
				t.Errorf("Jitter(%d) = %v, exceeds expected cap %v", tc.attempt, d, tc.maxCap)
			}
		}
	}
}

func TestJitter_MinimumFloor(t *testing.T) {
	base := 10 * time.Millisecond
	cap := 500 * time.Millisecond

	for range 1000 {
		d := Jitter(0, base, cap)
		if d < base/2 || d >= base {
			t.Fatalf("attempt 0: got %v, want [%v, %v)", d, base/2, base)
		}
	}
}

func TestJitter_Disabled(t *testing.T) {
	if d := Jitter(3, 0, time.Second); d != 0 {
		t.Fatalf("zero base: got %v, want 0", d)
	}
}

func TestJitter_CapBelowBase(t *testing.T) {
	for range 100 {
		if d := Jitter(4, 50*time.Millisecond, time.Millisecond); d > 50*time.Millisecond {
			t.Fatalf("got %v, want <= base", d)
		}
	}
}
