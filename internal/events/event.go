package events

import (
	"time"

	"formation_tracker/internal/recognizer"
	"formation_tracker/internal/state"
	"formation_tracker/internal/target"
)

// Type enumerates the push events clients receive.
type Type string

const (
	TypeTargetUpdate      Type = "TARGET_UPDATE"
	TypeFormationDetected Type = "FORMATION_DETECTED"
	TypeFormationClosed   Type = "FORMATION_CLOSED"
	TypeInitialState      Type = "INITIAL_STATE"
)

// Event is one push notification. The payload fields set depend on Type.
type Event struct {
	Type        Type                   `json:"type"`
	TargetID    string                 `json:"target_id,omitempty"`
	Version     int64                  `json:"version,omitempty"`
	Delta       *state.VersionedDelta  `json:"delta,omitempty"`
	Formation   *recognizer.Formation  `json:"formation,omitempty"`
	FormationID string                 `json:"formation_id,omitempty"`
	Snapshot    []target.State         `json:"snapshot,omitempty"`
	At          time.Time              `json:"at"`
}

// TargetUpdated adapts a store update into its push event.
func TargetUpdated(up state.Update) Event {
	d := state.VersionedDelta{
		TargetID: up.State.ID,
		Version:  up.State.Version,
		Type:     state.ChangeUpdate,
		Delta:    up.Delta,
		At:       up.State.ObservedAt,
	}
	return Event{Type: TypeTargetUpdate, TargetID: d.TargetID, Version: d.Version, Delta: &d, At: d.At}
}

// TargetRemoved adapts a store removal into its push event.
func TargetRemoved(rm state.Removal, at time.Time) Event {
	d := state.VersionedDelta{
		TargetID: rm.ID,
		Version:  rm.Version,
		Type:     state.ChangeDelete,
		Reason:   rm.Reason,
		At:       at,
	}
	return Event{Type: TypeTargetUpdate, TargetID: d.TargetID, Version: d.Version, Delta: &d, At: at}
}

// FormationDetected announces a recognized formation, both on first
// detection and when its membership or aggregates change.
func FormationDetected(f recognizer.Formation, at time.Time) Event {
	return Event{Type: TypeFormationDetected, FormationID: f.ID, Formation: &f, At: at}
}

// FormationClosed announces a dissolved formation.
func FormationClosed(id string, at time.Time) Event {
	return Event{Type: TypeFormationClosed, FormationID: id, At: at}
}

// InitialState carries the full snapshot a consumer receives on attach.
func InitialState(snapshot []target.State, at time.Time) Event {
	return Event{Type: TypeInitialState, Snapshot: snapshot, At: at}
}
