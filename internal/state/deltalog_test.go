package state

import (
	"testing"
	"time"

	"formation_tracker/internal/target"
)

func entryAt(version int64, at time.Time) VersionedDelta {
	return VersionedDelta{
		TargetID: "T1",
		Version:  version,
		Type:     ChangeUpdate,
		Delta:    &target.Delta{Fields: []string{"speed"}},
		At:       at,
	}
}

func TestDeltaLogSince(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	l := newDeltaLog(10, time.Hour, 0)
	for v := int64(1); v <= 5; v++ {
		l.append(entryAt(v, now), now)
	}

	got, complete := l.since(2, now)
	if !complete {
		t.Fatal("range reported incomplete")
	}
	if len(got) != 3 || got[0].Version != 3 || got[2].Version != 5 {
		t.Errorf("since(2) = %d entries starting %d, want versions 3..5", len(got), got[0].Version)
	}

	got, complete = l.since(5, now)
	if !complete || len(got) != 0 {
		t.Errorf("since(5) = %d entries, complete=%v, want empty and complete", len(got), complete)
	}
}

func TestDeltaLogOverflowTruncates(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	l := newDeltaLog(3, time.Hour, 0)
	for v := int64(1); v <= 5; v++ {
		l.append(entryAt(v, now), now)
	}

	// Versions 1 and 2 were dropped by the length bound.
	if l.truncated != 2 {
		t.Errorf("truncated = %d, want 2", l.truncated)
	}
	if _, complete := l.since(1, now); complete {
		t.Error("since(1) reported complete after truncation")
	}
	got, complete := l.since(2, now)
	if !complete || len(got) != 3 {
		t.Errorf("since(2) = %d entries, complete=%v, want 3 complete", len(got), complete)
	}
}

func TestDeltaLogRetention(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	l := newDeltaLog(100, time.Hour, 0)
	l.append(entryAt(1, start), start)
	l.append(entryAt(2, start.Add(30*time.Minute)), start.Add(30*time.Minute))

	// Reading 61 minutes later expires the first entry only.
	later := start.Add(61 * time.Minute)
	got, complete := l.since(1, later)
	if !complete {
		t.Fatal("since(1) should still be complete, only version 1 aged out")
	}
	if len(got) != 1 || got[0].Version != 2 {
		t.Errorf("got %d entries, want just version 2", len(got))
	}
	if _, complete := l.since(0, later); complete {
		t.Error("since(0) reported complete after version 1 aged out")
	}
}

func TestDeltaLogSeededTruncation(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	l := newDeltaLog(10, time.Hour, 7)
	l.append(entryAt(9, now), now)

	if _, complete := l.since(5, now); complete {
		t.Error("range below seeded truncation reported complete")
	}
	got, complete := l.since(7, now)
	if !complete || len(got) != 1 {
		t.Errorf("since(7) = %d entries, complete=%v, want 1 complete", len(got), complete)
	}
}
