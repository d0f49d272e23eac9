package geo

import (
	"math"
	"testing"
)

func TestHeadingDelta_Wraparound(t *testing.T) {
	cases := []struct {
		a, b, want float64
	}{
		{359, 2, 3},
		{2, 359, 3},
		{0, 180, 180},
		{90, 90, 0},
		{350, 10, 20},
		{180, 181, 1},
	}
	for _, c := range cases {
		got := HeadingDelta(c.a, c.b)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("HeadingDelta(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestSignedHeadingDelta(t *testing.T) {
	cases := []struct {
		from, to, want float64
	}{
		{359, 2, 3},
		{2, 359, -3},
		{10, 350, -20},
		{350, 10, 20},
		{90, 90, 0},
	}
	for _, c := range cases {
		got := SignedHeadingDelta(c.from, c.to)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("SignedHeadingDelta(%v, %v) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestGroundDistance(t *testing.T) {
	a := Position{Lon: 120.0, Lat: 0, Alt: 5000}
	b := Position{Lon: 120.01, Lat: 0, Alt: 8000}

	// 0.01 degrees of longitude at the equator is 1113.2 m; altitude must
	// not contribute.
	got := GroundDistance(a, b)
	if math.Abs(got-1113.2) > 0.1 {
		t.Errorf("GroundDistance = %v, want 1113.2", got)
	}

	c := Position{Lon: 120.0, Lat: 30.01}
	d := Position{Lon: 120.0, Lat: 30.0}
	got = GroundDistance(c, d)
	if math.Abs(got-1105.4) > 0.1 {
		t.Errorf("GroundDistance latitude-only = %v, want 1105.4", got)
	}

	if got := GroundDistance(a, a); got != 0 {
		t.Errorf("GroundDistance to self = %v, want 0", got)
	}
}

func TestAltitudeDelta(t *testing.T) {
	a := Position{Alt: 5000}
	b := Position{Alt: 4700}
	if got := AltitudeDelta(a, b); got != 300 {
		t.Errorf("AltitudeDelta = %v, want 300", got)
	}
	if got := AltitudeDelta(b, a); got != 300 {
		t.Errorf("AltitudeDelta reversed = %v, want 300", got)
	}
}

func TestCircularMean(t *testing.T) {
	got := CircularMean([]float64{350, 10})
	if math.Abs(got) > 1e-6 && math.Abs(got-360) > 1e-6 {
		t.Errorf("CircularMean(350, 10) = %v, want 0", got)
	}

	got = CircularMean([]float64{0, 90})
	if math.Abs(got-45) > 1e-6 {
		t.Errorf("CircularMean(0, 90) = %v, want 45", got)
	}

	got = CircularMean([]float64{270})
	if math.Abs(got-270) > 1e-6 {
		t.Errorf("CircularMean(270) = %v, want 270", got)
	}

	if got := CircularMean(nil); got != 0 {
		t.Errorf("CircularMean(nil) = %v, want 0", got)
	}
}

func TestCircularStd(t *testing.T) {
	got := CircularStd([]float64{90, 90, 90})
	if got > 1e-3 {
		t.Errorf("CircularStd of identical headings = %v, want ~0", got)
	}

	// A uniform spread has a near-zero resultant and a very large deviation.
	got = CircularStd([]float64{0, 90, 180, 270})
	if got < 100 {
		t.Errorf("CircularStd of uniform spread = %v, want > 100", got)
	}
}

func TestAltitudeLayer(t *testing.T) {
	cases := []struct {
		alt  float64
		want string
	}{
		{500, "UltraLow"},
		{999, "UltraLow"},
		{1000, "Low"},
		{2999, "Low"},
		{3000, "Medium"},
		{6999, "Medium"},
		{7000, "High"},
		{11999, "High"},
		{12000, "VeryHigh"},
	}
	for _, c := range cases {
		if got := AltitudeLayer(c.alt); got != c.want {
			t.Errorf("AltitudeLayer(%v) = %q, want %q", c.alt, got, c.want)
		}
	}
}
