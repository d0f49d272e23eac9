package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"formation_tracker/internal/target"
)

// setDoc is the YAML document shape for a rule set.
type setDoc struct {
	Name      string    `yaml:"name"`
	Threshold float64   `yaml:"threshold"`
	Rules     []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	ID       string    `yaml:"id"`
	Kind     string    `yaml:"kind"`
	Priority string    `yaml:"priority"`
	Weight   *float64  `yaml:"weight"`
	Enabled  *bool     `yaml:"enabled"`
	Params   yaml.Node `yaml:"params"`
}

// Per-kind default priorities applied when a rule omits one.
var defaultPriority = map[Kind]Priority{
	KindDistance:     Critical,
	KindAltitude:     High,
	KindSpeed:        High,
	KindHeading:      High,
	KindAttribute:    Critical,
	KindPlatformType: Medium,
}

// ParseSet decodes a YAML rule set document. Omitted weights default to
// 1.0, omitted enabled flags to true, an omitted threshold to
// DefaultThreshold, and omitted priorities to a per-kind default.
func ParseSet(data []byte) (*Set, error) {
	var doc setDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing rule set: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("rule set: missing name")
	}

	s := &Set{Name: doc.Name, Threshold: doc.Threshold}
	if s.Threshold == 0 {
		s.Threshold = DefaultThreshold
	}

	for i, rd := range doc.Rules {
		r, err := buildRule(rd)
		if err != nil {
			return nil, fmt.Errorf("rule set %s: rule %d: %w", doc.Name, i, err)
		}
		s.Rules = append(s.Rules, r)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadSetFile reads and parses a YAML rule set from disk.
func LoadSetFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule set %s: %w", path, err)
	}
	s, err := ParseSet(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func buildRule(rd ruleDoc) (Rule, error) {
	if rd.ID == "" {
		return Rule{}, fmt.Errorf("missing id")
	}

	kind := Kind(rd.Kind)
	pri, ok := defaultPriority[kind]
	if !ok {
		return Rule{}, fmt.Errorf("rule %s: unknown kind %q", rd.ID, rd.Kind)
	}
	if rd.Priority != "" {
		var err error
		pri, err = ParsePriority(rd.Priority)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s: %w", rd.ID, err)
		}
	}

	r := newRule(rd.ID, kind, pri, Rule{})
	if rd.Weight != nil {
		r.Weight = *rd.Weight
	}
	if rd.Enabled != nil {
		r.Enabled = *rd.Enabled
	}

	if err := decodeParams(&r, rd.Params); err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", rd.ID, err)
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func decodeParams(r *Rule, node yaml.Node) error {
	decode := func(dst any) error {
		if node.Kind == 0 {
			return fmt.Errorf("missing params")
		}
		if err := node.Decode(dst); err != nil {
			return fmt.Errorf("decoding params: %w", err)
		}
		return nil
	}

	switch r.Kind {
	case KindDistance:
		r.Distance = &DistanceParams{}
		return decode(r.Distance)
	case KindAltitude:
		r.Altitude = &AltitudeParams{}
		return decode(r.Altitude)
	case KindSpeed:
		r.Speed = &SpeedParams{}
		return decode(r.Speed)
	case KindHeading:
		r.Heading = &HeadingParams{}
		return decode(r.Heading)
	case KindAttribute:
		// Attribute checks all default off, so params may be omitted.
		r.Attribute = &AttributeParams{}
		if node.Kind == 0 {
			return nil
		}
		return decode(r.Attribute)
	case KindPlatformType:
		var doc struct {
			AllowedPairs   [][]string `yaml:"allowed_pairs"`
			ForbiddenPairs [][]string `yaml:"forbidden_pairs"`
		}
		r.PlatformType = &PlatformTypeParams{}
		if node.Kind == 0 {
			return nil
		}
		if err := node.Decode(&doc); err != nil {
			return fmt.Errorf("decoding params: %w", err)
		}
		var err error
		r.PlatformType.AllowedPairs, err = platformPairs(doc.AllowedPairs)
		if err != nil {
			return fmt.Errorf("allowed_pairs: %w", err)
		}
		r.PlatformType.ForbiddenPairs, err = platformPairs(doc.ForbiddenPairs)
		if err != nil {
			return fmt.Errorf("forbidden_pairs: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown kind %q", r.Kind)
}

func platformPairs(raw [][]string) ([]PlatformPair, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	pairs := make([]PlatformPair, 0, len(raw))
	for _, p := range raw {
		if len(p) != 2 {
			return nil, fmt.Errorf("pair %v must have exactly two platforms", p)
		}
		pairs = append(pairs, PlatformPair{
			A: target.Platform(p[0]),
			B: target.Platform(p[1]),
		})
	}
	return pairs, nil
}
