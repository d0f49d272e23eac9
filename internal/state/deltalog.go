package state

import (
	"time"

	"formation_tracker/internal/target"
)

// ChangeType tags a delta-log entry.
type ChangeType string

const (
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Removal reasons carried on tombstones.
const (
	ReasonExpired = "EXPIRED"
	ReasonRemoved = "REMOVED"
)

// VersionedDelta is one entry in a target's change log.
type VersionedDelta struct {
	TargetID string        `json:"target_id"`
	Version  int64         `json:"version"`
	Type     ChangeType    `json:"event_type"`
	Delta    *target.Delta `json:"delta,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	At       time.Time     `json:"at"`
}

// deltaLog is a bounded, time-limited change log for one target. Entries
// are appended in version order. truncated tracks the highest version
// that has been dropped, so readers can tell a served range is complete.
// Not safe for concurrent use; the owning entry's lock guards it.
type deltaLog struct {
	entries   []VersionedDelta
	maxLen    int
	retention time.Duration
	truncated int64
}

func newDeltaLog(maxLen int, retention time.Duration, truncated int64) *deltaLog {
	return &deltaLog{maxLen: maxLen, retention: retention, truncated: truncated}
}

func (l *deltaLog) append(d VersionedDelta, now time.Time) {
	l.entries = append(l.entries, d)
	l.trim(now)
}

// trim drops expired entries and enforces the length bound, advancing the
// truncation watermark past everything dropped.
func (l *deltaLog) trim(now time.Time) {
	cutoff := now.Add(-l.retention)
	drop := 0
	for drop < len(l.entries) && l.entries[drop].At.Before(cutoff) {
		drop++
	}
	if over := len(l.entries) - drop - l.maxLen; over > 0 {
		drop += over
	}
	if drop == 0 {
		return
	}
	if v := l.entries[drop-1].Version; v > l.truncated {
		l.truncated = v
	}
	l.entries = append(l.entries[:0], l.entries[drop:]...)
}

// since returns the entries with version greater than v, and whether that
// range is complete. An incomplete range means history older than the
// log's bounds was requested and the caller must fall back to full state.
func (l *deltaLog) since(v int64, now time.Time) (out []VersionedDelta, complete bool) {
	l.trim(now)
	if v < l.truncated {
		return nil, false
	}
	for _, e := range l.entries {
		if e.Version > v {
			out = append(out, e)
		}
	}
	return out, true
}
