// Package rules implements the pairwise affinity rules that drive
// formation recognition. A Rule is a tagged variant over a closed set of
// six kinds, each carrying its own parameter struct. Evaluation is pure
// apart from atomic hit counters, so rules are safe to share across
// recognition passes.
package rules

import (
	"fmt"
	"math"
	"sync/atomic"

	"formation_tracker/internal/geo"
	"formation_tracker/internal/target"
)

// Kind tags the rule variant.
type Kind string

// The closed set of rule kinds.
const (
	KindDistance     Kind = "distance"
	KindAltitude     Kind = "altitude"
	KindSpeed        Kind = "speed"
	KindHeading      Kind = "heading"
	KindAttribute    Kind = "attribute"
	KindPlatformType Kind = "platform_type"
)

// Priority orders rules and decides veto power. Critical rules gate a
// pair without contributing to its affinity score.
type Priority int

const (
	Critical Priority = iota
	High
	Medium
	Low
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority maps a config string onto a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return Critical, nil
	case "high":
		return High, nil
	case "medium":
		return Medium, nil
	case "low":
		return Low, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// DistanceParams bounds the horizontal separation of a pair.
type DistanceParams struct {
	MinMeters float64 `json:"min_meters" yaml:"min_meters"`
	MaxMeters float64 `json:"max_meters" yaml:"max_meters"`
}

// AltitudeParams bounds the altitude difference of a pair.
type AltitudeParams struct {
	MaxDiffMeters  float64 `json:"max_diff_meters" yaml:"max_diff_meters"`
	SameLayerBonus bool    `json:"same_layer_bonus" yaml:"same_layer_bonus"`
}

// SpeedParams bounds both the absolute and relative speed difference.
type SpeedParams struct {
	MaxDiffMPS float64 `json:"max_diff_mps" yaml:"max_diff_mps"`
	MaxRatio   float64 `json:"max_ratio" yaml:"max_ratio"`
}

// HeadingParams bounds the circular heading difference. AllowReciprocal
// also accepts head-on geometry at a scoring penalty.
type HeadingParams struct {
	MaxDiffDegrees  float64 `json:"max_diff_degrees" yaml:"max_diff_degrees"`
	AllowReciprocal bool    `json:"allow_reciprocal" yaml:"allow_reciprocal"`
}

// AttributeParams toggles nation/alliance/theater compatibility checks.
// Each check applies only when both targets carry the attribute.
type AttributeParams struct {
	HostileCheck bool `json:"hostile_check" yaml:"hostile_check"`
	SameAlliance bool `json:"same_alliance" yaml:"same_alliance"`
	SameTheater  bool `json:"same_theater" yaml:"same_theater"`
}

// PlatformPair is an unordered platform combination.
type PlatformPair struct {
	A target.Platform `json:"a" yaml:"a"`
	B target.Platform `json:"b" yaml:"b"`
}

// Matches reports whether the pair equals (x,y) in either order.
func (p PlatformPair) Matches(x, y target.Platform) bool {
	return (p.A == x && p.B == y) || (p.A == y && p.B == x)
}

// PlatformTypeParams scores platform combinations. Forbidden pairs fail,
// preferred pairs score above neutral.
type PlatformTypeParams struct {
	AllowedPairs   []PlatformPair `json:"allowed_pairs,omitempty" yaml:"allowed_pairs,omitempty"`
	ForbiddenPairs []PlatformPair `json:"forbidden_pairs,omitempty" yaml:"forbidden_pairs,omitempty"`
}

// Stats counts rule evaluations. Safe for concurrent use.
type Stats struct {
	evaluations atomic.Int64
	passed      atomic.Int64
	failed      atomic.Int64
}

func (s *Stats) record(passed bool) {
	if s == nil {
		return
	}
	s.evaluations.Add(1)
	if passed {
		s.passed.Add(1)
	} else {
		s.failed.Add(1)
	}
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() (evaluations, passed, failed int64) {
	if s == nil {
		return 0, 0, 0
	}
	return s.evaluations.Load(), s.passed.Load(), s.failed.Load()
}

// Rule is one affinity rule. Exactly one parameter field matching Kind
// must be set. Rules are immutable after construction; copies share the
// same stats counters.
type Rule struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind"`
	Priority Priority `json:"priority"`
	Weight   float64  `json:"weight"`
	Enabled  bool     `json:"enabled"`

	Distance     *DistanceParams     `json:"distance,omitempty"`
	Altitude     *AltitudeParams     `json:"altitude,omitempty"`
	Speed        *SpeedParams        `json:"speed,omitempty"`
	Heading      *HeadingParams      `json:"heading,omitempty"`
	Attribute    *AttributeParams    `json:"attribute,omitempty"`
	PlatformType *PlatformTypeParams `json:"platform_type,omitempty"`

	stats *Stats
}

// NewDistance builds a distance rule passing pairs separated by
// [minMeters, maxMeters] of ground distance.
func NewDistance(id string, minMeters, maxMeters float64, pri Priority) Rule {
	return newRule(id, KindDistance, pri, Rule{
		Distance: &DistanceParams{MinMeters: minMeters, MaxMeters: maxMeters},
	})
}

// NewAltitude builds an altitude rule passing pairs within maxDiff meters
// vertically, with an optional same-layer score bonus.
func NewAltitude(id string, maxDiff float64, sameLayerBonus bool, pri Priority) Rule {
	return newRule(id, KindAltitude, pri, Rule{
		Altitude: &AltitudeParams{MaxDiffMeters: maxDiff, SameLayerBonus: sameLayerBonus},
	})
}

// NewSpeed builds a speed rule passing pairs within maxDiff m/s and a
// fast/slow ratio of at most maxRatio.
func NewSpeed(id string, maxDiff, maxRatio float64, pri Priority) Rule {
	return newRule(id, KindSpeed, pri, Rule{
		Speed: &SpeedParams{MaxDiffMPS: maxDiff, MaxRatio: maxRatio},
	})
}

// NewHeading builds a heading rule passing pairs within maxDiff degrees
// of circular heading difference.
func NewHeading(id string, maxDiff float64, allowReciprocal bool, pri Priority) Rule {
	return newRule(id, KindHeading, pri, Rule{
		Heading: &HeadingParams{MaxDiffDegrees: maxDiff, AllowReciprocal: allowReciprocal},
	})
}

// NewAttribute builds an attribute compatibility rule.
func NewAttribute(id string, hostileCheck, sameAlliance, sameTheater bool, pri Priority) Rule {
	return newRule(id, KindAttribute, pri, Rule{
		Attribute: &AttributeParams{
			HostileCheck: hostileCheck,
			SameAlliance: sameAlliance,
			SameTheater:  sameTheater,
		},
	})
}

// NewPlatformType builds a platform combination rule.
func NewPlatformType(id string, allowed, forbidden []PlatformPair, pri Priority) Rule {
	return newRule(id, KindPlatformType, pri, Rule{
		PlatformType: &PlatformTypeParams{AllowedPairs: allowed, ForbiddenPairs: forbidden},
	})
}

func newRule(id string, kind Kind, pri Priority, params Rule) Rule {
	r := params
	r.ID = id
	r.Kind = kind
	r.Priority = pri
	r.Weight = 1.0
	r.Enabled = true
	r.stats = &Stats{}
	return r
}

// WithWeight returns a copy of the rule with the given weight.
func (r Rule) WithWeight(w float64) Rule {
	r.Weight = w
	return r
}

// Disabled returns a copy of the rule switched off.
func (r Rule) Disabled() Rule {
	r.Enabled = false
	return r
}

// Stats returns the rule's shared evaluation counters.
func (r *Rule) Stats() *Stats {
	return r.stats
}

// Validate checks that the rule carries usable parameters for its kind.
func (r *Rule) Validate() error {
	switch r.Kind {
	case KindDistance:
		if r.Distance == nil {
			return fmt.Errorf("rule %s: missing distance params", r.ID)
		}
		if r.Distance.MaxMeters <= r.Distance.MinMeters {
			return fmt.Errorf("rule %s: max distance %v must exceed min %v",
				r.ID, r.Distance.MaxMeters, r.Distance.MinMeters)
		}
	case KindAltitude:
		if r.Altitude == nil || r.Altitude.MaxDiffMeters <= 0 {
			return fmt.Errorf("rule %s: altitude max diff must be positive", r.ID)
		}
	case KindSpeed:
		if r.Speed == nil || r.Speed.MaxDiffMPS <= 0 || r.Speed.MaxRatio <= 0 {
			return fmt.Errorf("rule %s: speed max diff and ratio must be positive", r.ID)
		}
	case KindHeading:
		if r.Heading == nil || r.Heading.MaxDiffDegrees <= 0 {
			return fmt.Errorf("rule %s: heading max diff must be positive", r.ID)
		}
	case KindAttribute:
		if r.Attribute == nil {
			return fmt.Errorf("rule %s: missing attribute params", r.ID)
		}
	case KindPlatformType:
		if r.PlatformType == nil {
			return fmt.Errorf("rule %s: missing platform type params", r.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown kind %q", r.ID, r.Kind)
	}
	if r.Weight < 0 || r.Weight > 2 {
		return fmt.Errorf("rule %s: weight %v out of range [0,2]", r.ID, r.Weight)
	}
	return nil
}

// Hostile nation pairings. Symmetric so pair orientation never matters.
var hostileNations = [][2]string{
	{"RED", "BLUE"},
	{"ENEMY", "FRIEND"},
}

func hostile(n1, n2 string) bool {
	for _, p := range hostileNations {
		if (p[0] == n1 && p[1] == n2) || (p[0] == n2 && p[1] == n1) {
			return true
		}
	}
	return false
}

// Evaluate scores the rule against a target pair. The result is symmetric
// in a and b. Scores are unweighted; weighting and the enabled flag are
// the rule set's concern. A rule whose parameters fail Validate evaluates
// as failed with score 0.
func (r *Rule) Evaluate(a, b *target.State) (passed bool, score float64) {
	passed, score = r.evaluate(a, b)
	r.stats.record(passed)
	return passed, score
}

func (r *Rule) evaluate(a, b *target.State) (bool, float64) {
	if err := r.Validate(); err != nil {
		return false, 0
	}

	switch r.Kind {
	case KindDistance:
		p := r.Distance
		d := geo.GroundDistance(a.Position, b.Position)
		if d < p.MinMeters || d > p.MaxMeters {
			return false, 0
		}
		// Score peaks at the middle of the accepted band.
		optimal := (p.MinMeters + p.MaxMeters) / 2
		score := 1 - math.Abs(d-optimal)/(p.MaxMeters-p.MinMeters)
		return true, clamp(score, 0.5, 1)

	case KindAltitude:
		p := r.Altitude
		diff := geo.AltitudeDelta(a.Position, b.Position)
		if diff > p.MaxDiffMeters {
			return false, 0
		}
		score := 1 - diff/p.MaxDiffMeters
		if p.SameLayerBonus &&
			geo.AltitudeLayer(a.Position.Alt) == geo.AltitudeLayer(b.Position.Alt) {
			score = math.Min(1, score+0.1)
		}
		return true, score

	case KindSpeed:
		p := r.Speed
		diff := math.Abs(a.Speed - b.Speed)
		if diff > p.MaxDiffMPS {
			return false, 0
		}
		fast, slow := a.Speed, b.Speed
		if slow > fast {
			fast, slow = slow, fast
		}
		if fast/math.Max(slow, 1) > p.MaxRatio {
			return false, 0
		}
		return true, 1 - diff/p.MaxDiffMPS

	case KindHeading:
		p := r.Heading
		diff := geo.HeadingDelta(a.Heading, b.Heading)
		if diff <= p.MaxDiffDegrees {
			return true, 1 - diff/p.MaxDiffDegrees
		}
		if p.AllowReciprocal {
			recip := math.Abs(diff - 180)
			if recip <= p.MaxDiffDegrees {
				return true, 0.7 * (1 - recip/p.MaxDiffDegrees)
			}
		}
		return false, 0

	case KindAttribute:
		p := r.Attribute
		if p.HostileCheck && a.Nation != "" && b.Nation != "" && hostile(a.Nation, b.Nation) {
			return false, 0
		}
		if p.SameAlliance && a.Alliance != "" && b.Alliance != "" && a.Alliance != b.Alliance {
			return false, 0
		}
		if p.SameTheater && a.Theater != "" && b.Theater != "" && a.Theater != b.Theater {
			return false, 0
		}
		return true, 1.0

	case KindPlatformType:
		p := r.PlatformType
		ta, tb := a.Platform, b.Platform
		if ta == "" || tb == "" || ta == target.PlatformUnknown || tb == target.PlatformUnknown {
			return true, 0.8
		}
		for _, f := range p.ForbiddenPairs {
			if f.Matches(ta, tb) {
				return false, 0
			}
		}
		for _, al := range p.AllowedPairs {
			if al.Matches(ta, tb) {
				return true, 1.2
			}
		}
		return true, 0.9
	}

	return false, 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
