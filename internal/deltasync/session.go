package deltasync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSessionNotFound means the session never existed or aged out. The
// client recreates one, which implies a full resync.
var ErrSessionNotFound = errors.New("sync session not found")

// Session tracks what one client has acknowledged. An empty TargetIDs
// subscribes the client to every active target.
type Session struct {
	ID         string           `json:"session_id"`
	ClientID   string           `json:"client_id"`
	TargetIDs  []string         `json:"target_ids,omitempty"`
	Versions   map[string]int64 `json:"versions"`
	CreatedAt  time.Time        `json:"created_at"`
	LastPullAt time.Time        `json:"last_pull_at"`
}

// clone deep-copies the mutable fields so registry callers cannot alias
// each other's maps.
func (s Session) clone() Session {
	out := s
	out.TargetIDs = append([]string(nil), s.TargetIDs...)
	out.Versions = make(map[string]int64, len(s.Versions))
	for id, v := range s.Versions {
		out.Versions[id] = v
	}
	return out
}

// Registry persists sessions so clients survive a process restart.
type Registry interface {
	Save(ctx context.Context, s Session) error
	Load(ctx context.Context, id string) (Session, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryRegistry keeps sessions in process memory.
type MemoryRegistry struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]Session)}
}

func (r *MemoryRegistry) Save(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s.clone()
	return nil
}

func (r *MemoryRegistry) Load(_ context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.clone(), nil
}

func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *MemoryRegistry) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if s.LastPullAt.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}
