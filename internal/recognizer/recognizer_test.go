package recognizer

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"formation_tracker/internal/geo"
	"formation_tracker/internal/rules"
	"formation_tracker/internal/target"
)

// sliceSource serves a fixed target list as the live set.
type sliceSource []target.State

func (s sliceSource) ListActive() []target.State {
	return append([]target.State(nil), s...)
}

// fighterAt places a friendly fighter on the equator, lonMeters east of
// the origin.
func fighterAt(id string, lonMeters, alt, heading, speed float64) target.State {
	return target.State{
		ID:       id,
		Platform: target.PlatformFighter,
		Position: geo.Position{Lon: lonMeters / geo.MetersPerDegreeLon, Lat: 0, Alt: alt},
		Heading:  heading,
		Speed:    speed,
		Nation:   "BLUE",
		Alliance: "NATO",
		Theater:  "North",
	}
}

// testRecognizer builds a recognizer with a frozen, caller-advanced clock
// and sequential formation ids.
func testRecognizer(t *testing.T, preset string) (*Recognizer, *time.Time) {
	t.Helper()
	set, err := rules.Preset(preset)
	if err != nil {
		t.Fatalf("preset %s: %v", preset, err)
	}
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	seq := 0
	cfg := DefaultConfig()
	cfg.Clock = func() time.Time { return now }
	cfg.NewID = func(time.Time) string {
		seq++
		return fmt.Sprintf("F%03d", seq)
	}
	return New(cfg, set), &now
}

func canon(fs []Formation) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, strings.Join(f.Members, " "))
	}
	sort.Strings(out)
	return out
}

func TestRecognizeDetectsPair(t *testing.T) {
	rec, _ := testRecognizer(t, rules.PresetTightFighter)
	src := sliceSource{
		fighterAt("T1", 0, 5000, 90, 250),
		fighterAt("T2", 800, 5000, 90, 250),
	}

	res := rec.Recognize(src)
	if !res.Full {
		t.Error("first pass over unseen targets should recompute fully")
	}
	if res.Evaluated != 1 {
		t.Errorf("Evaluated = %d, want 1", res.Evaluated)
	}
	if len(res.Detected) != 1 || len(res.Formations) != 1 {
		t.Fatalf("detected %d, live %d, want 1 and 1", len(res.Detected), len(res.Formations))
	}
	f := res.Detected[0]
	if got := f.Members; !reflect.DeepEqual(got, []string{"T1", "T2"}) {
		t.Errorf("members = %v, want [T1 T2]", got)
	}
	if f.Score < 0.5 {
		t.Errorf("score = %v, want >= threshold", f.Score)
	}
	if f.ID == "" || !f.UpdatedAt.Equal(f.FormedAt) {
		t.Errorf("new formation id %q formed %v updated %v", f.ID, f.FormedAt, f.UpdatedAt)
	}
}

func TestNoChangePassCarriesOver(t *testing.T) {
	rec, now := testRecognizer(t, rules.PresetTightFighter)
	src := sliceSource{
		fighterAt("T1", 0, 5000, 90, 250),
		fighterAt("T2", 800, 5000, 90, 250),
	}
	first := rec.Recognize(src)
	formed := first.Detected[0].FormedAt

	*now = now.Add(time.Minute)
	res := rec.Recognize(src)
	if res.Evaluated != 0 {
		t.Errorf("idle pass evaluated %d pairs, want 0", res.Evaluated)
	}
	if len(res.Detected)+len(res.Updated)+len(res.Closed) != 0 {
		t.Errorf("idle pass churned: %+v", res)
	}
	if len(res.Formations) != 1 {
		t.Fatalf("live formations = %d, want 1", len(res.Formations))
	}
	f := res.Formations[0]
	if f.ID != first.Detected[0].ID {
		t.Errorf("id changed across idle pass: %q -> %q", first.Detected[0].ID, f.ID)
	}
	if !f.UpdatedAt.Equal(formed) {
		t.Errorf("UpdatedAt moved on idle pass: %v -> %v", formed, f.UpdatedAt)
	}
}

// The departure scenario: two separate pairs, one fighter leaves. Only its
// pairs are re-evaluated, its formation closes, the other is untouched.
func TestDepartureClosesOnlyItsFormation(t *testing.T) {
	rec, now := testRecognizer(t, rules.PresetTightFighter)
	targets := []target.State{
		fighterAt("T1", 0, 5000, 90, 250),
		fighterAt("T2", 800, 5000, 90, 250),
		fighterAt("T3", 500000, 5000, 90, 250),
		fighterAt("T4", 500800, 5000, 90, 250),
	}

	first := rec.Recognize(sliceSource(targets))
	if !first.Full || first.Evaluated != 6 {
		t.Fatalf("initial pass full=%v evaluated=%d, want full over 6 pairs", first.Full, first.Evaluated)
	}
	if len(first.Formations) != 2 {
		t.Fatalf("initial formations = %d, want 2", len(first.Formations))
	}
	var alpha, beta Formation
	for _, f := range first.Formations {
		if f.Contains("T1") {
			alpha = f
		} else {
			beta = f
		}
	}

	// T1 relocates 50 km west.
	*now = now.Add(time.Minute)
	targets[0] = fighterAt("T1", -50000, 5000, 90, 250)
	rec.MarkDirty("T1")
	res := rec.Recognize(sliceSource(targets))

	if res.Full {
		t.Error("one dirty target of four should not force a full recompute")
	}
	if res.Evaluated != 3 {
		t.Errorf("Evaluated = %d, want 3 (dirty target against each live)", res.Evaluated)
	}
	if !reflect.DeepEqual(res.Closed, []string{alpha.ID}) {
		t.Errorf("Closed = %v, want [%s]", res.Closed, alpha.ID)
	}
	if len(res.Detected)+len(res.Updated) != 0 {
		t.Errorf("unexpected churn: detected %v updated %v", res.Detected, res.Updated)
	}
	if len(res.Formations) != 1 {
		t.Fatalf("live formations = %d, want 1", len(res.Formations))
	}
	got := res.Formations[0]
	if got.ID != beta.ID {
		t.Errorf("surviving formation id = %q, want %q", got.ID, beta.ID)
	}
	if !got.UpdatedAt.Equal(beta.UpdatedAt) {
		t.Error("unrelated formation was rebuilt")
	}
}

func TestIdentityContinuityOnShrink(t *testing.T) {
	rec, now := testRecognizer(t, rules.PresetTightFighter)
	targets := []target.State{
		fighterAt("T1", 0, 5000, 90, 250),
		fighterAt("T2", 800, 5000, 90, 250),
		fighterAt("T3", 1600, 5000, 90, 250),
	}
	first := rec.Recognize(sliceSource(targets))
	if len(first.Formations) != 1 {
		t.Fatalf("initial formations = %d, want 1", len(first.Formations))
	}
	id := first.Formations[0].ID

	*now = now.Add(time.Minute)
	targets[2] = fighterAt("T3", 50000, 5000, 90, 250)
	rec.MarkDirty("T3")
	res := rec.Recognize(sliceSource(targets))

	if len(res.Updated) != 1 || res.Updated[0].ID != id {
		t.Fatalf("Updated = %+v, want shrunk formation keeping id %s", res.Updated, id)
	}
	if got := res.Updated[0].Members; !reflect.DeepEqual(got, []string{"T1", "T2"}) {
		t.Errorf("members = %v, want [T1 T2]", got)
	}
	if len(res.Closed) != 0 || len(res.Detected) != 0 {
		t.Errorf("expected a shrink, got closed=%v detected=%v", res.Closed, res.Detected)
	}
}

func TestEvenSplitKeepsIDWithLowestMember(t *testing.T) {
	rec, now := testRecognizer(t, rules.PresetTightFighter)
	targets := []target.State{
		fighterAt("T1", 0, 5000, 90, 250),
		fighterAt("T2", 800, 5000, 90, 250),
		fighterAt("T3", 1600, 5000, 90, 250),
		fighterAt("T4", 2400, 5000, 90, 250),
	}
	first := rec.Recognize(sliceSource(targets))
	if len(first.Formations) != 1 || len(first.Formations[0].Members) != 4 {
		t.Fatalf("initial formations = %+v, want one of four", first.Formations)
	}
	id := first.Formations[0].ID

	// T3 and T4 break away together, an even two-two split.
	*now = now.Add(time.Minute)
	targets[2] = fighterAt("T3", 300000, 5000, 90, 250)
	targets[3] = fighterAt("T4", 300800, 5000, 90, 250)
	rec.MarkDirty("T3")
	rec.MarkDirty("T4")
	res := rec.Recognize(sliceSource(targets))

	if res.Full {
		t.Error("half dirty should stay incremental")
	}
	if len(res.Updated) != 1 || len(res.Detected) != 1 || len(res.Closed) != 0 {
		t.Fatalf("updated=%d detected=%d closed=%v, want 1/1/none",
			len(res.Updated), len(res.Detected), res.Closed)
	}
	if got := res.Updated[0]; got.ID != id || !reflect.DeepEqual(got.Members, []string{"T1", "T2"}) {
		t.Errorf("id keeper = %s %v, want %s [T1 T2]", got.ID, got.Members, id)
	}
	if got := res.Detected[0]; got.ID == id || !reflect.DeepEqual(got.Members, []string{"T3", "T4"}) {
		t.Errorf("split-off = %s %v, want fresh id with [T3 T4]", got.ID, got.Members)
	}
}

func TestMergeKeepsIDOfLargerFormation(t *testing.T) {
	rec, now := testRecognizer(t, rules.PresetTightFighter)
	targets := []target.State{
		fighterAt("A1", 0, 5000, 90, 250),
		fighterAt("A2", 800, 5000, 90, 250),
		fighterAt("A3", 1600, 5000, 90, 250),
		fighterAt("B1", 100000, 5000, 90, 250),
		fighterAt("B2", 100800, 5000, 90, 250),
	}
	first := rec.Recognize(sliceSource(targets))
	if len(first.Formations) != 2 {
		t.Fatalf("initial formations = %d, want 2", len(first.Formations))
	}
	var big, small Formation
	for _, f := range first.Formations {
		if len(f.Members) == 3 {
			big = f
		} else {
			small = f
		}
	}

	// The pair flies over to the trio.
	*now = now.Add(time.Minute)
	targets[3] = fighterAt("B1", 2400, 5000, 90, 250)
	targets[4] = fighterAt("B2", 3200, 5000, 90, 250)
	rec.MarkDirty("B1")
	rec.MarkDirty("B2")
	res := rec.Recognize(sliceSource(targets))

	if len(res.Updated) != 1 || res.Updated[0].ID != big.ID {
		t.Fatalf("Updated = %+v, want merged formation under id %s", res.Updated, big.ID)
	}
	want := []string{"A1", "A2", "A3", "B1", "B2"}
	if got := res.Updated[0].Members; !reflect.DeepEqual(got, want) {
		t.Errorf("members = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(res.Closed, []string{small.ID}) {
		t.Errorf("Closed = %v, want [%s]", res.Closed, small.ID)
	}
}

func TestRemovalDissolvesPair(t *testing.T) {
	rec, now := testRecognizer(t, rules.PresetTightFighter)
	targets := []target.State{
		fighterAt("T1", 0, 5000, 90, 250),
		fighterAt("T2", 800, 5000, 90, 250),
	}
	first := rec.Recognize(sliceSource(targets))
	id := first.Formations[0].ID

	// T2 drops off without anyone calling MarkDirty; the pass notices.
	*now = now.Add(time.Minute)
	res := rec.Recognize(sliceSource(targets[:1]))
	if !reflect.DeepEqual(res.Closed, []string{id}) {
		t.Errorf("Closed = %v, want [%s]", res.Closed, id)
	}
	if len(res.Formations) != 0 {
		t.Errorf("formations = %+v, want none", res.Formations)
	}
}

func TestHighDirtyFractionForcesFullPass(t *testing.T) {
	rec, now := testRecognizer(t, rules.PresetTightFighter)
	targets := []target.State{
		fighterAt("T1", 0, 5000, 90, 250),
		fighterAt("T2", 800, 5000, 90, 250),
		fighterAt("T3", 100000, 5000, 90, 250),
		fighterAt("T4", 100800, 5000, 90, 250),
	}
	rec.Recognize(sliceSource(targets))

	*now = now.Add(time.Minute)
	for i, id := range []string{"T1", "T2", "T3"} {
		targets[i] = fighterAt(id, float64(i)*800+200000, 5000, 90, 250)
		rec.MarkDirty(id)
	}
	res := rec.Recognize(sliceSource(targets))
	if !res.Full {
		t.Error("three dirty of four should trip the full-recompute fallback")
	}
	if res.Evaluated != 6 {
		t.Errorf("Evaluated = %d, want all 6 pairs", res.Evaluated)
	}
}

func TestDirtyCount(t *testing.T) {
	rec, _ := testRecognizer(t, rules.PresetTightFighter)
	rec.MarkDirty("T1")
	rec.MarkDirty("T1")
	rec.MarkDirty("T2")
	if got := rec.DirtyCount(); got != 2 {
		t.Errorf("DirtyCount = %d, want 2", got)
	}
	rec.Recognize(sliceSource(nil))
	if got := rec.DirtyCount(); got != 0 {
		t.Errorf("DirtyCount after pass = %d, want 0", got)
	}
}

// Every incremental pass must land on the same formations a from-scratch
// recompute over the same states produces.
func TestIncrementalMatchesFullRecompute(t *testing.T) {
	set, err := rules.Preset(rules.PresetTightFighter)
	if err != nil {
		t.Fatal(err)
	}
	rec, now := testRecognizer(t, rules.PresetTightFighter)

	targets := []target.State{
		fighterAt("T1", 0, 5000, 90, 250),
		fighterAt("T2", 800, 5000, 90, 250),
		fighterAt("T3", 1600, 5000, 90, 250),
		fighterAt("T4", 200000, 5000, 90, 250),
		fighterAt("T5", 200800, 5000, 90, 250),
		fighterAt("T6", 201600, 5000, 90, 250),
		fighterAt("T7", 400000, 5000, 90, 250),
		fighterAt("T8", 400800, 5000, 90, 250),
	}
	rec.Recognize(sliceSource(targets))

	steps := []struct {
		name  string
		apply func() []string
	}{
		{"isolate T3", func() []string {
			targets[2] = fighterAt("T3", 800000, 5000, 90, 250)
			return []string{"T3"}
		}},
		{"T3 joins far pair", func() []string {
			targets[2] = fighterAt("T3", 401600, 5000, 90, 250)
			return []string{"T3"}
		}},
		{"T4 defects to first pair", func() []string {
			targets[3] = fighterAt("T4", 2400, 5000, 90, 250)
			return []string{"T4"}
		}},
		{"T7 wiggles in place", func() []string {
			targets[6] = fighterAt("T7", 400100, 5000, 90, 250)
			return []string{"T7"}
		}},
		{"T8 vanishes", func() []string {
			targets = targets[:7]
			return nil // the pass must notice on its own
		}},
	}

	for _, step := range steps {
		for _, id := range step.apply() {
			rec.MarkDirty(id)
		}
		*now = now.Add(time.Minute)
		got := rec.Recognize(sliceSource(targets))
		if got.Full {
			t.Errorf("%s: pass went full, want incremental", step.name)
		}

		fresh := New(Config{Clock: func() time.Time { return *now }}, set)
		want := fresh.Recognize(sliceSource(targets))
		if !reflect.DeepEqual(canon(got.Formations), canon(want.Formations)) {
			t.Errorf("%s: incremental %v != full %v",
				step.name, canon(got.Formations), canon(want.Formations))
		}
	}
}
