// Package main provides a corpus analyzer for target observation logs.
// It profiles platform and attribute distribution, measures pairwise
// kinematics between co-flying targets, and can suggest rule-set
// thresholds derived from the corpus.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"formation_tracker/internal/geo"
	"formation_tracker/internal/rules"
	"formation_tracker/internal/target"
)

// AnalysisReport is the full analyzer output.
type AnalysisReport struct {
	Summary   SummaryStats   `json:"summary"`
	Platforms map[string]int `json:"platforms"`
	Alliances map[string]int `json:"alliances"`
	Pairs     PairStats      `json:"pairs"`
}

// SummaryStats describes the corpus as a whole.
type SummaryStats struct {
	Observations int       `json:"observations"`
	Rejected     int       `json:"rejected"`
	Untimed      int       `json:"untimed"`
	Targets      int       `json:"targets"`
	From         time.Time `json:"from,omitempty"`
	To           time.Time `json:"to,omitempty"`
}

// PairStats aggregates kinematic deltas over nearby same-window pairs.
type PairStats struct {
	RadiusMeters  float64     `json:"radius_meters"`
	WindowSeconds int         `json:"window_seconds"`
	Samples       int         `json:"samples"`
	Distance      Percentiles `json:"distance_m"`
	AltitudeDelta Percentiles `json:"altitude_delta_m"`
	SpeedDelta    Percentiles `json:"speed_delta_mps"`
	SpeedRatio    Percentiles `json:"speed_ratio"`
	HeadingDelta  Percentiles `json:"heading_delta_deg"`
}

// Percentiles summarizes one metric's distribution.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

func main() {
	input := flag.String("input", "", "Input JSONL observations (default: stdin)")
	format := flag.String("format", "text", "Output format: text, json")
	radius := flag.Float64("radius", 20000, "Pair radius in meters")
	window := flag.Int("window", 10, "Co-observation window in seconds")
	topN := flag.Int("top", 10, "Show top N items in each distribution")
	suggest := flag.Bool("suggest", false, "Emit a suggested YAML rule set instead of a report")
	setName := flag.String("name", "suggested", "Rule set name for -suggest output")
	output := flag.String("output", "", "Output file (default: stdout)")

	flag.Parse()

	var r io.Reader = os.Stdin
	if *input != "" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open input: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}

	report, samples, err := analyze(r, *radius, *window)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Analysis error: %v\n", err)
		os.Exit(1)
	}
	if report.Summary.Observations == 0 {
		fmt.Fprintf(os.Stderr, "No valid observations in input\n")
		os.Exit(1)
	}

	var w io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create output: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	if *suggest {
		if report.Pairs.Samples == 0 {
			fmt.Fprintf(os.Stderr, "No nearby pairs within %.0fm, cannot suggest thresholds\n", *radius)
			os.Exit(1)
		}
		doc, err := suggestRuleSet(*setName, samples)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Suggestion error: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprint(w, string(doc))
		return
	}

	switch *format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "Output write error: %v\n", err)
			os.Exit(1)
		}
	default:
		printTextReport(w, report, *topN)
	}
}

// pairSamples holds raw metric slices for percentile and suggestion math.
type pairSamples struct {
	distance []float64
	altDelta []float64
	spdDelta []float64
	spdRatio []float64
	hdgDelta []float64
}

func analyze(r io.Reader, radius float64, windowSec int) (*AnalysisReport, *pairSamples, error) {
	report := &AnalysisReport{
		Platforms: make(map[string]int),
		Alliances: make(map[string]int),
		Pairs:     PairStats{RadiusMeters: radius, WindowSeconds: windowSec},
	}
	samples := &pairSamples{}

	// Latest observation per target within each time window.
	buckets := make(map[int64]map[string]target.Observation)
	targets := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var obs target.Observation
		if err := json.Unmarshal([]byte(line), &obs); err != nil {
			report.Summary.Rejected++
			continue
		}
		if err := obs.Validate(); err != nil {
			report.Summary.Rejected++
			continue
		}

		report.Summary.Observations++
		targets[obs.ID] = true

		platform := string(obs.Platform)
		if platform == "" {
			platform = "(none)"
		}
		report.Platforms[platform]++
		alliance := obs.Alliance
		if alliance == "" {
			alliance = "(none)"
		}
		report.Alliances[alliance]++

		if obs.Time.IsZero() {
			report.Summary.Untimed++
			continue
		}
		if report.Summary.From.IsZero() || obs.Time.Before(report.Summary.From) {
			report.Summary.From = obs.Time
		}
		if obs.Time.After(report.Summary.To) {
			report.Summary.To = obs.Time
		}

		key := obs.Time.Unix() / int64(windowSec)
		b := buckets[key]
		if b == nil {
			b = make(map[string]target.Observation)
			buckets[key] = b
		}
		if prev, ok := b[obs.ID]; !ok || obs.Time.After(prev.Time) {
			b[obs.ID] = obs
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading input: %w", err)
	}
	report.Summary.Targets = len(targets)

	// Pairwise deltas within each window, bounded by the radius.
	for _, b := range buckets {
		ids := make([]string, 0, len(b))
		for id := range b {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				a, c := b[ids[i]], b[ids[j]]
				d := geo.GroundDistance(a.Position, c.Position)
				if d > radius {
					continue
				}
				samples.distance = append(samples.distance, d)
				samples.altDelta = append(samples.altDelta, geo.AltitudeDelta(a.Position, c.Position))
				samples.spdDelta = append(samples.spdDelta, math.Abs(a.Speed-c.Speed))
				samples.spdRatio = append(samples.spdRatio, speedRatio(a.Speed, c.Speed))
				samples.hdgDelta = append(samples.hdgDelta, geo.HeadingDelta(a.Heading, c.Heading))
			}
		}
	}

	report.Pairs.Samples = len(samples.distance)
	report.Pairs.Distance = percentiles(samples.distance)
	report.Pairs.AltitudeDelta = percentiles(samples.altDelta)
	report.Pairs.SpeedDelta = percentiles(samples.spdDelta)
	report.Pairs.SpeedRatio = percentiles(samples.spdRatio)
	report.Pairs.HeadingDelta = percentiles(samples.hdgDelta)
	return report, samples, nil
}

func speedRatio(a, b float64) float64 {
	lo, hi := math.Min(a, b), math.Max(a, b)
	if lo <= 0 {
		return math.Inf(1)
	}
	return hi / lo
}

func percentiles(vals []float64) Percentiles {
	if len(vals) == 0 {
		return Percentiles{}
	}
	s := sortedCopy(vals)
	return Percentiles{
		P50: quantile(s, 0.50),
		P90: quantile(s, 0.90),
		P99: quantile(s, 0.99),
		Max: s[len(s)-1],
	}
}

// quantile reads a sorted slice at q in [0,1].
func quantile(sorted []float64, q float64) float64 {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func sortedCopy(vals []float64) []float64 {
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	return s
}

// suggestDoc mirrors the YAML rule set schema.
type suggestDoc struct {
	Name      string        `yaml:"name"`
	Threshold float64       `yaml:"threshold"`
	Rules     []suggestRule `yaml:"rules"`
}

type suggestRule struct {
	ID       string         `yaml:"id"`
	Kind     string         `yaml:"kind"`
	Priority string         `yaml:"priority,omitempty"`
	Params   map[string]any `yaml:"params"`
}

// suggestRuleSet derives rule thresholds from the p90 of each pair metric
// and verifies the emitted document parses back into a valid rule set.
func suggestRuleSet(name string, s *pairSamples) ([]byte, error) {
	ratio := quantile(sortedCopy(s.spdRatio), 0.90)
	if math.IsInf(ratio, 1) {
		ratio = 2.0
	}
	doc := suggestDoc{
		Name:      name,
		Threshold: 0.5,
		Rules: []suggestRule{
			{
				ID: "Attr", Kind: "attribute", Priority: "critical",
				Params: map[string]any{
					"hostile_check": true,
					"same_alliance": true,
					"same_theater":  true,
				},
			},
			{
				ID: "Dist", Kind: "distance", Priority: "critical",
				Params: map[string]any{
					"min_meters": 0.0,
					"max_meters": roundUp(quantile(sortedCopy(s.distance), 0.90), 100),
				},
			},
			{
				ID: "Alt", Kind: "altitude",
				Params: map[string]any{
					"max_diff_meters":  roundUp(quantile(sortedCopy(s.altDelta), 0.90), 50),
					"same_layer_bonus": true,
				},
			},
			{
				ID: "Speed", Kind: "speed",
				Params: map[string]any{
					"max_diff_mps": roundUp(quantile(sortedCopy(s.spdDelta), 0.90), 5),
					"max_ratio":    math.Ceil(ratio*20) / 20,
				},
			},
			{
				ID: "Heading", Kind: "heading",
				Params: map[string]any{
					"max_diff_degrees": roundUp(quantile(sortedCopy(s.hdgDelta), 0.90), 5),
					"allow_reciprocal": false,
				},
			},
		},
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding rule set: %w", err)
	}
	if _, err := rules.ParseSet(out); err != nil {
		return nil, fmt.Errorf("suggested set failed validation: %w", err)
	}
	return out, nil
}

// roundUp rounds v up to the next multiple of step.
func roundUp(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Ceil(v/step) * step
}

func printTextReport(w io.Writer, report *AnalysisReport, topN int) {
	s := report.Summary
	fmt.Fprintln(w, "Observation Corpus Analysis")
	fmt.Fprintln(w, "───────────────────────────")
	fmt.Fprintf(w, "Observations:   %d\n", s.Observations)
	fmt.Fprintf(w, "Rejected:       %d\n", s.Rejected)
	fmt.Fprintf(w, "Untimed:        %d\n", s.Untimed)
	fmt.Fprintf(w, "Targets:        %d\n", s.Targets)
	if !s.From.IsZero() {
		fmt.Fprintf(w, "Time span:      %s to %s\n",
			s.From.UTC().Format("2006-01-02 15:04:05"),
			s.To.UTC().Format("2006-01-02 15:04:05"))
	}

	printDistribution(w, "Platforms", report.Platforms, topN)
	printDistribution(w, "Alliances", report.Alliances, topN)

	p := report.Pairs
	fmt.Fprintf(w, "\nNearby Pairs (within %.0fm, %ds windows): %d samples\n",
		p.RadiusMeters, p.WindowSeconds, p.Samples)
	if p.Samples == 0 {
		return
	}
	fmt.Fprintf(w, "%-20s %10s %10s %10s %10s\n", "Metric", "p50", "p90", "p99", "max")
	printMetric(w, "distance (m)", p.Distance)
	printMetric(w, "altitude delta (m)", p.AltitudeDelta)
	printMetric(w, "speed delta (m/s)", p.SpeedDelta)
	printMetric(w, "speed ratio", p.SpeedRatio)
	printMetric(w, "heading delta (deg)", p.HeadingDelta)
}

func printMetric(w io.Writer, name string, p Percentiles) {
	fmt.Fprintf(w, "%-20s %10.1f %10.1f %10.1f %10.1f\n", name, p.P50, p.P90, p.P99, p.Max)
}

func printDistribution(w io.Writer, name string, counts map[string]int, topN int) {
	if len(counts) == 0 {
		return
	}
	type kv struct {
		key string
		n   int
	}
	rows := make([]kv, 0, len(counts))
	for k, n := range counts {
		rows = append(rows, kv{k, n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].n != rows[j].n {
			return rows[i].n > rows[j].n
		}
		return rows[i].key < rows[j].key
	})
	if topN > 0 && len(rows) > topN {
		rows = rows[:topN]
	}

	fmt.Fprintf(w, "\n%s:\n", name)
	for _, row := range rows {
		fmt.Fprintf(w, "  %-24s %8d\n", row.key, row.n)
	}
}
