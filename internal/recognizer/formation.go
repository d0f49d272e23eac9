package recognizer

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"formation_tracker/internal/geo"
	"formation_tracker/internal/target"
)

// BBox is the axis-aligned bounding box of a formation's members.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinAlt float64 `json:"min_alt"`
	MaxAlt float64 `json:"max_alt"`
}

// Formation is one recognized group of coordinated targets together with
// its aggregate spatial and kinematic features.
type Formation struct {
	ID      string   `json:"formation_id"`
	Type    string   `json:"formation_type"`
	Members []string `json:"members"` // sorted target ids, len >= 2

	// Score is the mean pairwise affinity across all member pairs, with
	// unconnected pairs counting zero. RuleScores breaks it down by rule.
	Score      float64            `json:"score"`
	RuleScores map[string]float64 `json:"rule_scores,omitempty"`

	FormedAt  time.Time `json:"formed_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Center        geo.Position `json:"center"`
	BBox          BBox         `json:"bounding_box"`
	CoverageKM2   float64      `json:"coverage_km2"`
	AvgSpeed      float64      `json:"avg_speed"`
	SpeedStd      float64      `json:"speed_std"`
	AvgHeading    float64      `json:"avg_heading"`
	HeadingStd    float64      `json:"heading_std"`
	AltitudeLayer string       `json:"altitude_layer"`
}

// Contains reports whether the target id is a member.
func (f *Formation) Contains(id string) bool {
	for _, m := range f.Members {
		if m == id {
			return true
		}
	}
	return false
}

// NewFormationID returns an id of the form F<unix millis>_<8 hex>.
func NewFormationID(now time.Time) string {
	return fmt.Sprintf("F%d_%s", now.UnixMilli(), uuid.NewString()[:8])
}

// buildFormation assembles a formation value for the given members using
// the current edge cache for scores.
func (r *Recognizer) buildFormation(id string, formedAt, now time.Time, memberIDs []string, live map[string]*target.State) Formation {
	members := append([]string(nil), memberIDs...)
	sort.Strings(members)

	f := Formation{
		ID:        id,
		Members:   members,
		FormedAt:  formedAt,
		UpdatedAt: now,
	}

	var sum float64
	ruleSum := make(map[string]float64)
	ruleCount := make(map[string]int)
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			e, ok := r.edges[keyOf(members[i], members[j])]
			if !ok {
				continue
			}
			sum += e.affinity
			for _, sc := range e.scores {
				ruleSum[sc.RuleID] += sc.Score
				ruleCount[sc.RuleID]++
			}
		}
	}
	pairs := len(members) * (len(members) - 1) / 2
	if pairs > 0 {
		f.Score = sum / float64(pairs)
	}
	if len(ruleSum) > 0 {
		f.RuleScores = make(map[string]float64, len(ruleSum))
		for rid, s := range ruleSum {
			f.RuleScores[rid] = s / float64(ruleCount[rid])
		}
	}

	states := make([]*target.State, 0, len(members))
	for _, m := range members {
		if st := live[m]; st != nil {
			states = append(states, st)
		}
	}
	if len(states) == 0 {
		return f
	}

	bb := BBox{
		MinLon: states[0].Position.Lon, MaxLon: states[0].Position.Lon,
		MinLat: states[0].Position.Lat, MaxLat: states[0].Position.Lat,
		MinAlt: states[0].Position.Alt, MaxAlt: states[0].Position.Alt,
	}
	speeds := make([]float64, 0, len(states))
	headings := make([]float64, 0, len(states))
	var altSum float64
	for _, st := range states {
		p := st.Position
		bb.MinLon = math.Min(bb.MinLon, p.Lon)
		bb.MaxLon = math.Max(bb.MaxLon, p.Lon)
		bb.MinLat = math.Min(bb.MinLat, p.Lat)
		bb.MaxLat = math.Max(bb.MaxLat, p.Lat)
		bb.MinAlt = math.Min(bb.MinAlt, p.Alt)
		bb.MaxAlt = math.Max(bb.MaxAlt, p.Alt)
		speeds = append(speeds, st.Speed)
		headings = append(headings, st.Heading)
		altSum += p.Alt
	}
	f.BBox = bb
	f.Center = geo.Position{
		Lon: (bb.MinLon + bb.MaxLon) / 2,
		Lat: (bb.MinLat + bb.MaxLat) / 2,
		Alt: (bb.MinAlt + bb.MaxAlt) / 2,
	}
	width := (bb.MaxLon - bb.MinLon) * geo.MetersPerDegreeLon * math.Cos(f.Center.Lat*math.Pi/180)
	height := (bb.MaxLat - bb.MinLat) * geo.MetersPerDegreeLat
	f.CoverageKM2 = width * height / 1e6

	f.AvgSpeed, f.SpeedStd = meanStd(speeds)
	f.AvgHeading = geo.CircularMean(headings)
	f.HeadingStd = geo.CircularStd(headings)
	f.AltitudeLayer = geo.AltitudeLayer(altSum / float64(len(states)))
	f.Type = classify(states)
	return f
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var v float64
	for _, x := range xs {
		d := x - mean
		v += d * d
	}
	return mean, math.Sqrt(v / float64(len(xs)))
}

// classify names the formation from the platform mix of its members.
// Targets without a known platform do not participate.
func classify(states []*target.State) string {
	var platforms []target.Platform
	for _, st := range states {
		if st.Platform != "" && st.Platform != target.PlatformUnknown {
			platforms = append(platforms, st.Platform)
		}
	}
	has := func(p target.Platform) bool {
		for _, q := range platforms {
			if q == p {
				return true
			}
		}
		return false
	}
	allSection := len(platforms) > 0
	for _, q := range platforms {
		if q != target.PlatformFighter && q != target.PlatformUAV {
			allSection = false
			break
		}
	}

	switch {
	case has(target.PlatformAWACS) && len(platforms) > 1:
		return "AEW-Controlled Group"
	case has(target.PlatformTanker):
		return "Refueling Cell"
	case has(target.PlatformEW):
		return "Strike Package with EW"
	case allSection:
		return "Fighter Section"
	case has(target.PlatformBomber):
		if has(target.PlatformFighter) {
			return "Escorted Strike Package"
		}
		return "Bomber Cell"
	case has(target.PlatformTransport):
		return "Transport Formation"
	}
	return "Mixed Formation"
}
