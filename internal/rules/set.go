package rules

import (
	"fmt"
	"log/slog"

	"formation_tracker/internal/target"
)

// DefaultThreshold is the acceptance threshold applied when a rule set
// does not specify one.
const DefaultThreshold = 0.5

// Set is a named, ordered collection of rules with an acceptance
// threshold. Sets are immutable configuration once built; EvaluatePair is
// safe for concurrent use.
type Set struct {
	Name      string
	Threshold float64
	Rules     []Rule

	// Log receives malformed-rule warnings. Nil uses slog.Default.
	Log *slog.Logger
}

// NewSet builds a rule set with the default threshold.
func NewSet(name string, rs ...Rule) *Set {
	return &Set{Name: name, Threshold: DefaultThreshold, Rules: rs}
}

// RuleScore is one rule's outcome within a pair evaluation.
type RuleScore struct {
	RuleID   string   `json:"rule_id"`
	Kind     Kind     `json:"kind"`
	Priority Priority `json:"priority"`
	Passed   bool     `json:"passed"`
	Score    float64  `json:"score"`
}

// PairResult is the combined outcome of evaluating a rule set against one
// target pair.
type PairResult struct {
	// Passed means no critical veto and affinity at or above the
	// set's threshold.
	Passed bool
	// Affinity is the weighted mean score of the enabled non-critical
	// rules, with failing rules counting zero. When the set has only
	// critical rules it is the mean of their scores instead.
	Affinity float64
	// CriticalVeto is set when a critical rule disqualified the pair.
	CriticalVeto bool
	// Scores lists per-rule outcomes up to the point of a veto.
	Scores []RuleScore
}

// EvaluatePair runs the set against a target pair. Critical rules run
// first and any failure vetoes the pair immediately. Disabled rules are
// skipped. The result is symmetric in a and b.
func (s *Set) EvaluatePair(a, b *target.State) PairResult {
	var res PairResult

	for i := range s.Rules {
		r := &s.Rules[i]
		if !r.Enabled || r.Priority != Critical {
			continue
		}
		passed, score := s.run(r, a, b)
		res.Scores = append(res.Scores, RuleScore{
			RuleID: r.ID, Kind: r.Kind, Priority: r.Priority,
			Passed: passed, Score: score,
		})
		if !passed {
			res.CriticalVeto = true
			return res
		}
	}

	var sum, totalWeight float64
	for i := range s.Rules {
		r := &s.Rules[i]
		if !r.Enabled || r.Priority == Critical {
			continue
		}
		totalWeight += r.Weight
		passed, score := s.run(r, a, b)
		res.Scores = append(res.Scores, RuleScore{
			RuleID: r.ID, Kind: r.Kind, Priority: r.Priority,
			Passed: passed, Score: score,
		})
		if passed {
			sum += r.Weight * score
		}
	}

	switch {
	case totalWeight > 0:
		res.Affinity = sum / totalWeight
	case len(res.Scores) > 0:
		// Critical rules only: their mean score stands in.
		var critSum float64
		for _, sc := range res.Scores {
			critSum += sc.Score
		}
		res.Affinity = critSum / float64(len(res.Scores))
	}

	res.Passed = res.Affinity >= s.threshold()
	return res
}

func (s *Set) run(r *Rule, a, b *target.State) (bool, float64) {
	if err := r.Validate(); err != nil {
		s.logger().Warn("rule failed validation, scoring pair as failed",
			"rule", r.ID, "error", err)
		r.stats.record(false)
		return false, 0
	}
	return r.Evaluate(a, b)
}

func (s *Set) threshold() float64 {
	if s.Threshold <= 0 {
		return DefaultThreshold
	}
	return s.Threshold
}

func (s *Set) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Validate checks every rule in the set.
func (s *Set) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("rule set: missing name")
	}
	ids := make(map[string]bool, len(s.Rules))
	for i := range s.Rules {
		r := &s.Rules[i]
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule set %s: %w", s.Name, err)
		}
		if ids[r.ID] {
			return fmt.Errorf("rule set %s: duplicate rule id %q", s.Name, r.ID)
		}
		ids[r.ID] = true
	}
	return nil
}

// Built-in preset names.
const (
	PresetTightFighter  = "tight_fighter"
	PresetLooseBomber   = "loose_bomber"
	PresetStrikePackage = "strike_package"
	PresetAWACSControl  = "awacs_control"
)

// Preset returns a fresh instance of a built-in rule set. Each call
// returns independent rules with zeroed stats.
func Preset(name string) (*Set, error) {
	switch name {
	case PresetTightFighter:
		return NewSet(name,
			NewAttribute("HostileCheck", true, true, true, Critical),
			NewDistance("TightDist", 0, 3000, Critical),
			NewAltitude("TightAlt", 300, true, High),
			NewSpeed("TightSpeed", 20, 1.1, High),
			NewHeading("TightHeading", 15, false, High),
		), nil

	case PresetLooseBomber:
		return NewSet(name,
			NewAttribute("AllianceCheck", true, true, true, Critical),
			NewDistance("LooseDist", 3000, 10000, Critical),
			NewAltitude("LooseAlt", 1000, true, High),
			NewSpeed("LooseSpeed", 30, 1.2, High),
			NewHeading("LooseHeading", 20, false, High),
		), nil

	case PresetStrikePackage:
		// Platform mix carries the package signature; reciprocal headings
		// at 60 degrees are a weak signal.
		return NewSet(name,
			NewAttribute("CoalitionCheck", true, true, true, Critical),
			NewDistance("PackageDist", 5000, 20000, Critical),
			NewAltitude("PackageAlt", 2000, false, Medium),
			NewSpeed("PackageSpeed", 100, 2.0, Medium),
			NewHeading("PackageHeading", 60, true, Medium).WithWeight(0.5),
			NewPlatformType("MixedTypes", []PlatformPair{
				{A: target.PlatformFighter, B: target.PlatformBomber},
				{A: target.PlatformFighter, B: target.PlatformEW},
				{A: target.PlatformAWACS, B: target.PlatformFighter},
			}, nil, Medium).WithWeight(1.5),
		), nil

	case PresetAWACSControl:
		return NewSet(name,
			NewAttribute("AllianceCheck", true, true, true, Critical),
			NewDistance("AWACSDist", 50000, 150000, Critical),
			NewAltitude("AWACSAlt", 3000, false, High),
		), nil
	}
	return nil, fmt.Errorf("unknown preset %q", name)
}

// PresetNames lists the built-in rule sets.
func PresetNames() []string {
	return []string{
		PresetTightFighter,
		PresetLooseBomber,
		PresetStrikePackage,
		PresetAWACSControl,
	}
}
