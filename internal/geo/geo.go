// Package geo provides the flat-earth coordinate conversion and circular
// heading math used by formation rules and aggregates.
package geo

import "math"

// Meters per degree used by the local conversion. The longitude scale is
// corrected by cos(latitude) at the point being converted.
const (
	MetersPerDegreeLon = 111320.0
	MetersPerDegreeLat = 110540.0
)

// Position is a geographic point with altitude in meters.
type Position struct {
	Lon float64 `json:"longitude" yaml:"longitude"`
	Lat float64 `json:"latitude" yaml:"latitude"`
	Alt float64 `json:"altitude" yaml:"altitude"`
}

// LocalXY converts the position to east/north meters on a locally flattened
// plane. Accurate at formation scales, not across long ranges.
func (p Position) LocalXY() (x, y float64) {
	x = p.Lon * MetersPerDegreeLon * math.Cos(p.Lat*math.Pi/180)
	y = p.Lat * MetersPerDegreeLat
	return x, y
}

// GroundDistance returns the horizontal separation in meters between two
// positions on the locally flattened plane. Altitude is ignored; vertical
// separation is a separate measure (AltitudeDelta).
func GroundDistance(a, b Position) float64 {
	ax, ay := a.LocalXY()
	bx, by := b.LocalXY()
	return math.Hypot(ax-bx, ay-by)
}

// AltitudeDelta returns the absolute vertical separation in meters.
func AltitudeDelta(a, b Position) float64 {
	return math.Abs(a.Alt - b.Alt)
}

// HeadingDelta returns the minimal angular difference between two headings
// in degrees, in [0, 180]. Headings 359 and 2 differ by 3, not 357.
func HeadingDelta(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// SignedHeadingDelta returns the turn from one heading to another wrapped
// to [-180, 180), so a turn through north keeps its sign and magnitude.
func SignedHeadingDelta(from, to float64) float64 {
	d := math.Mod(to-from+180, 360)
	if d < 0 {
		d += 360
	}
	return d - 180
}

// CircularMean returns the mean heading of the set in degrees, in [0, 360).
// Returns 0 for an empty set.
func CircularMean(headings []float64) float64 {
	if len(headings) == 0 {
		return 0
	}
	sinSum, cosSum := resultant(headings)
	mean := math.Atan2(sinSum, cosSum) * 180 / math.Pi
	return math.Mod(mean+360, 360)
}

// CircularStd returns the circular standard deviation of the set in
// degrees. Tight heading groups approach 0.
func CircularStd(headings []float64) float64 {
	if len(headings) == 0 {
		return 0
	}
	sinSum, cosSum := resultant(headings)
	r := math.Sqrt(sinSum*sinSum+cosSum*cosSum) / float64(len(headings))
	if r < 1e-10 {
		r = 1e-10
	}
	return math.Sqrt(-2*math.Log(r)) * 180 / math.Pi
}

func resultant(headings []float64) (sinSum, cosSum float64) {
	for _, h := range headings {
		r := h * math.Pi / 180
		sinSum += math.Sin(r)
		cosSum += math.Cos(r)
	}
	return sinSum, cosSum
}

// AltitudeLayer classifies an altitude in meters into one of five bands.
func AltitudeLayer(altMeters float64) string {
	switch {
	case altMeters < 1000:
		return "UltraLow"
	case altMeters < 3000:
		return "Low"
	case altMeters < 7000:
		return "Medium"
	case altMeters < 12000:
		return "High"
	default:
		return "VeryHigh"
	}
}
