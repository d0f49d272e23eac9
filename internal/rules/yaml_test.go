package rules

import (
	"strings"
	"testing"

	"formation_tracker/internal/target"
)

const escortYAML = `
name: custom_escort
threshold: 0.55
rules:
  - id: AllianceCheck
    kind: attribute
    priority: critical
    params:
      hostile_check: true
      same_alliance: true
      same_theater: false
  - id: EscortDist
    kind: distance
    params:
      min_meters: 0
      max_meters: 8000
  - id: EscortAlt
    kind: altitude
    weight: 0.5
    params:
      max_diff_meters: 1500
      same_layer_bonus: true
  - id: EscortSpeed
    kind: speed
    enabled: false
    params:
      max_diff_mps: 50
      max_ratio: 1.5
  - id: EscortHeading
    kind: heading
    priority: medium
    params:
      max_diff_degrees: 30
      allow_reciprocal: true
  - id: EscortTypes
    kind: platform_type
    params:
      allowed_pairs:
        - [Fighter, Bomber]
        - [Fighter, Tanker]
      forbidden_pairs:
        - [UAV, Tanker]
`

func TestParseSet(t *testing.T) {
	set, err := ParseSet([]byte(escortYAML))
	if err != nil {
		t.Fatal(err)
	}

	if set.Name != "custom_escort" {
		t.Errorf("name = %q, want custom_escort", set.Name)
	}
	if set.Threshold != 0.55 {
		t.Errorf("threshold = %v, want 0.55", set.Threshold)
	}
	if len(set.Rules) != 6 {
		t.Fatalf("rules = %d, want 6", len(set.Rules))
	}

	byID := make(map[string]*Rule)
	for i := range set.Rules {
		byID[set.Rules[i].ID] = &set.Rules[i]
	}

	dist := byID["EscortDist"]
	if dist.Priority != Critical {
		t.Errorf("distance default priority = %v, want critical", dist.Priority)
	}
	if dist.Weight != 1.0 || !dist.Enabled {
		t.Errorf("distance defaults: weight=%v enabled=%v, want 1.0/true", dist.Weight, dist.Enabled)
	}
	if dist.Distance == nil || dist.Distance.MaxMeters != 8000 {
		t.Errorf("distance params = %+v", dist.Distance)
	}

	alt := byID["EscortAlt"]
	if alt.Weight != 0.5 {
		t.Errorf("altitude weight = %v, want 0.5", alt.Weight)
	}
	if alt.Priority != High {
		t.Errorf("altitude default priority = %v, want high", alt.Priority)
	}

	if spd := byID["EscortSpeed"]; spd.Enabled {
		t.Error("speed rule should be disabled")
	}

	hdg := byID["EscortHeading"]
	if hdg.Priority != Medium || !hdg.Heading.AllowReciprocal {
		t.Errorf("heading = %+v priority %v", hdg.Heading, hdg.Priority)
	}

	types := byID["EscortTypes"]
	if types.Priority != Medium {
		t.Errorf("platform default priority = %v, want medium", types.Priority)
	}
	wantPair := PlatformPair{A: target.PlatformFighter, B: target.PlatformTanker}
	if len(types.PlatformType.AllowedPairs) != 2 || types.PlatformType.AllowedPairs[1] != wantPair {
		t.Errorf("allowed pairs = %+v", types.PlatformType.AllowedPairs)
	}
	if len(types.PlatformType.ForbiddenPairs) != 1 {
		t.Errorf("forbidden pairs = %+v", types.PlatformType.ForbiddenPairs)
	}
}

func TestParseSet_DefaultThreshold(t *testing.T) {
	set, err := ParseSet([]byte("name: bare\nrules: []\n"))
	if err != nil {
		t.Fatal(err)
	}
	if set.Threshold != DefaultThreshold {
		t.Errorf("threshold = %v, want %v", set.Threshold, DefaultThreshold)
	}
}

func TestParseSet_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			"missing name",
			"rules: []\n",
			"missing name",
		},
		{
			"unknown kind",
			"name: x\nrules:\n  - id: r\n    kind: velocity\n    params: {}\n",
			"unknown kind",
		},
		{
			"missing params",
			"name: x\nrules:\n  - id: r\n    kind: distance\n",
			"missing params",
		},
		{
			"inverted distance band",
			"name: x\nrules:\n  - id: r\n    kind: distance\n    params: {min_meters: 500, max_meters: 100}\n",
			"must exceed",
		},
		{
			"bad platform pair",
			"name: x\nrules:\n  - id: r\n    kind: platform_type\n    params:\n      allowed_pairs: [[Fighter]]\n",
			"exactly two",
		},
		{
			"duplicate rule id",
			"name: x\nrules:\n  - id: r\n    kind: attribute\n  - id: r\n    kind: attribute\n",
			"duplicate",
		},
		{
			"bad priority",
			"name: x\nrules:\n  - id: r\n    kind: attribute\n    priority: urgent\n",
			"unknown priority",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSet([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
