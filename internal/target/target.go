// Package target defines the target state model, observation validation,
// and field-level delta records.
package target

import (
	"errors"
	"fmt"
	"math"
	"time"

	"formation_tracker/internal/geo"
)

// Platform identifies the target platform class.
type Platform string

// Known platform classes. Anything else maps to PlatformUnknown.
const (
	PlatformFighter    Platform = "Fighter"
	PlatformBomber     Platform = "Bomber"
	PlatformAWACS      Platform = "AWACS"
	PlatformEW         Platform = "EW"
	PlatformTanker     Platform = "Tanker"
	PlatformTransport  Platform = "Transport"
	PlatformUAV        Platform = "UAV"
	PlatformHelicopter Platform = "Helicopter"
	PlatformUnknown    Platform = "Unknown"
)

var knownPlatforms = map[Platform]bool{
	PlatformFighter:    true,
	PlatformBomber:     true,
	PlatformAWACS:      true,
	PlatformEW:         true,
	PlatformTanker:     true,
	PlatformTransport:  true,
	PlatformUAV:        true,
	PlatformHelicopter: true,
	PlatformUnknown:    true,
}

// ParsePlatform maps a feed string onto a known platform class.
// Unrecognized or empty values become PlatformUnknown.
func ParsePlatform(s string) Platform {
	p := Platform(s)
	if knownPlatforms[p] {
		return p
	}
	return PlatformUnknown
}

// Known reports whether p is a member of the closed platform set.
func (p Platform) Known() bool {
	return knownPlatforms[p]
}

// State is the current versioned snapshot of one target.
type State struct {
	ID       string       `json:"id"`
	Name     string       `json:"name,omitempty"`
	Platform Platform     `json:"platform"`
	Position geo.Position `json:"position"`
	Heading  float64      `json:"heading"` // Degrees, [0,360).
	Speed    float64      `json:"speed"`   // Meters per second.
	Nation   string       `json:"nation,omitempty"`
	Alliance string       `json:"alliance,omitempty"`
	Theater  string       `json:"theater,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
	Version    int64     `json:"version"` // Strictly increasing per id.
}

// Observation is one inbound state report before versioning.
type Observation struct {
	ID       string       `json:"id"`
	Name     string       `json:"name,omitempty"`
	Platform Platform     `json:"platform,omitempty"`
	Position geo.Position `json:"position"`
	Heading  float64      `json:"heading"`
	Speed    float64      `json:"speed"`
	Nation   string       `json:"nation,omitempty"`
	Alliance string       `json:"alliance,omitempty"`
	Theater  string       `json:"theater,omitempty"`
	Time     time.Time    `json:"time,omitempty"` // Zero means stamp at ingest.
}

// ErrInvalid marks an observation rejected by Validate.
var ErrInvalid = errors.New("invalid observation")

// Validate checks the observation's ranges. A heading of exactly 360 is
// accepted and folded to 0 by State conversion.
func (o Observation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if bad(o.Position.Lon) || o.Position.Lon < -180 || o.Position.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180,180]", ErrInvalid, o.Position.Lon)
	}
	if bad(o.Position.Lat) || o.Position.Lat < -90 || o.Position.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90,90]", ErrInvalid, o.Position.Lat)
	}
	if bad(o.Position.Alt) {
		return fmt.Errorf("%w: altitude %v is not a number", ErrInvalid, o.Position.Alt)
	}
	if bad(o.Heading) || o.Heading < 0 || o.Heading > 360 {
		return fmt.Errorf("%w: heading %v out of range [0,360]", ErrInvalid, o.Heading)
	}
	if bad(o.Speed) || o.Speed < 0 {
		return fmt.Errorf("%w: speed %v must be non-negative", ErrInvalid, o.Speed)
	}
	return nil
}

func bad(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// State converts a validated observation into an unversioned state.
// The caller stamps Version and defaults ObservedAt when o.Time is zero.
func (o Observation) State() State {
	h := o.Heading
	if h == 360 {
		h = 0
	}
	platform := o.Platform
	if !platform.Known() {
		platform = ParsePlatform(string(platform))
	}
	return State{
		ID:         o.ID,
		Name:       o.Name,
		Platform:   platform,
		Position:   o.Position,
		Heading:    h,
		Speed:      o.Speed,
		Nation:     o.Nation,
		Alliance:   o.Alliance,
		Theater:    o.Theater,
		ObservedAt: o.Time,
	}
}

// PositionDelta is the componentwise position change.
type PositionDelta struct {
	DLon float64 `json:"d_lon"`
	DLat float64 `json:"d_lat"`
	DAlt float64 `json:"d_alt"`
}

// PositionChange records a position transition.
type PositionChange struct {
	From  geo.Position  `json:"from"`
	To    geo.Position  `json:"to"`
	Delta PositionDelta `json:"delta"`
}

// ScalarChange records a heading or speed transition. For heading the
// delta is wrapped to [-180,180) so a 359 to 2 step reads as +3.
type ScalarChange struct {
	From  float64 `json:"from"`
	To    float64 `json:"to"`
	Delta float64 `json:"delta"`
}

// Delta is the field-level difference between two successive states of
// one target. Only changed fields are set.
type Delta struct {
	Position  *PositionChange `json:"position,omitempty"`
	Heading   *ScalarChange   `json:"heading,omitempty"`
	Speed     *ScalarChange   `json:"speed,omitempty"`
	ChangedAt time.Time       `json:"_changed_at"`
	Fields    []string        `json:"_fields"`
}

// ComputeDelta diffs two successive states of the same target.
// Returns nil when position, heading, and speed are all unchanged.
func ComputeDelta(prev, next State) *Delta {
	d := &Delta{}

	if prev.Position != next.Position {
		d.Position = &PositionChange{
			From: prev.Position,
			To:   next.Position,
			Delta: PositionDelta{
				DLon: next.Position.Lon - prev.Position.Lon,
				DLat: next.Position.Lat - prev.Position.Lat,
				DAlt: next.Position.Alt - prev.Position.Alt,
			},
		}
		d.Fields = append(d.Fields, "position")
	}
	if prev.Heading != next.Heading {
		d.Heading = &ScalarChange{
			From:  prev.Heading,
			To:    next.Heading,
			Delta: geo.SignedHeadingDelta(prev.Heading, next.Heading),
		}
		d.Fields = append(d.Fields, "heading")
	}
	if prev.Speed != next.Speed {
		d.Speed = &ScalarChange{
			From:  prev.Speed,
			To:    next.Speed,
			Delta: next.Speed - prev.Speed,
		}
		d.Fields = append(d.Fields, "speed")
	}

	if len(d.Fields) == 0 {
		return nil
	}
	d.ChangedAt = next.ObservedAt
	return d
}

// Epsilon bounds below which a state change counts as sensor noise
// rather than real movement.
type Epsilon struct {
	PositionMeters float64
	HeadingDegrees float64
	SpeedMPS       float64
}

// DefaultEpsilon returns thresholds tuned for air and sea track feeds.
func DefaultEpsilon() Epsilon {
	return Epsilon{
		PositionMeters: 1.0,
		HeadingDegrees: 0.5,
		SpeedMPS:       0.5,
	}
}

// Significant reports whether next moved beyond eps from prev in any of
// position, heading, or speed. A zero-valued Epsilon makes every change
// significant.
func Significant(prev, next State, eps Epsilon) bool {
	if geo.GroundDistance(prev.Position, next.Position) > eps.PositionMeters {
		return true
	}
	if math.Abs(next.Position.Alt-prev.Position.Alt) > eps.PositionMeters {
		return true
	}
	if geo.HeadingDelta(prev.Heading, next.Heading) > eps.HeadingDegrees {
		return true
	}
	if math.Abs(next.Speed-prev.Speed) > eps.SpeedMPS {
		return true
	}
	return false
}
