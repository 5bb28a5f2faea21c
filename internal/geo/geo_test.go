package geo

import (
	"math"
	"testing"
)

func TestDistanceZeroForSamePoint(t *testing.T) {
	if d := DistanceM(12.9, 77.6, 12.9, 77.6); d != 0 {
		t.Fatalf("expected 0, got %v", d)
	}
}

func TestDistanceOneDegreeLatitude(t *testing.T) {
	// One degree of latitude on the sphere is R * pi/180.
	d := DistanceM(0, 0, 1, 0)
	want := 6371000.0 * math.Pi / 180
	if math.Abs(d-want) > 1 {
		t.Fatalf("got %v want %v", d, want)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := DistanceM(12.90, 77.60, 12.95, 77.70)
	b := DistanceM(12.95, 77.70, 12.90, 77.60)
	if math.Abs(a-b) > 1e-6 {
		t.Fatalf("not symmetric: %v vs %v", a, b)
	}
}

func TestDistanceShortRange(t *testing.T) {
	// ~15 m offset, well inside a 30 m proximity threshold.
	d := DistanceM(12.91, 77.61, 12.9101, 77.6101)
	if d < 10 || d > 20 {
		t.Fatalf("expected ~15m, got %v", d)
	}
}

func TestDistanceNaNPropagates(t *testing.T) {
	if d := DistanceM(math.NaN(), 0, 0, 0); !math.IsNaN(d) {
		t.Fatalf("expected NaN, got %v", d)
	}
}

func TestRoundM(t *testing.T) {
	if got := RoundM(15.4567); got != 15.46 {
		t.Fatalf("got %v", got)
	}
}

func TestValidLatLng(t *testing.T) {
	cases := []struct {
		lat, lng float64
		ok       bool
	}{
		{12.9, 77.6, true},
		{91, 0, false},
		{-91, 0, false},
		{0, 181, false},
		{math.NaN(), 0, false},
		{0, math.Inf(1), false},
	}
	for _, c := range cases {
		if got := ValidLatLng(c.lat, c.lng); got != c.ok {
			t.Fatalf("ValidLatLng(%v,%v)=%v want %v", c.lat, c.lng, got, c.ok)
		}
	}
}
