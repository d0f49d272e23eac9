// Package deltasync serves version-vector catch-up pulls over the target
// store, so clients that poll can reconstruct exactly what push clients see.
package deltasync

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"formation_tracker/internal/state"
	"formation_tracker/internal/target"
)

// DeltaKind distinguishes the three shapes a sync record can take.
type DeltaKind string

const (
	// KindIncremental carries the change log entries since the base version.
	KindIncremental DeltaKind = "INCREMENTAL"
	// KindFull carries current state when history cannot bridge the gap.
	KindFull DeltaKind = "FULL"
	// KindTombstone tells the client to evict the target.
	KindTombstone DeltaKind = "TOMBSTONE"
)

// Delta is one per-target record in a pull response.
type Delta struct {
	TargetID    string                 `json:"target_id"`
	Kind        DeltaKind              `json:"kind"`
	Version     int64                  `json:"version"`
	BaseVersion int64                  `json:"base_version"`
	State       *target.State          `json:"state,omitempty"`
	Events      []state.VersionedDelta `json:"events,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
}

// PullRequest asks for everything that happened to the session's targets
// past the given versions. A nil SinceVersions falls back to the versions
// the session has already acknowledged; a non-nil map replaces them for
// this pull. Cursor resumes a capped response.
type PullRequest struct {
	SessionID     string           `json:"session_id"`
	SinceVersions map[string]int64 `json:"since_versions,omitempty"`
	Cursor        string           `json:"cursor,omitempty"`
	MaxRecords    int              `json:"max_records,omitempty"`
	MaxBytes      int              `json:"max_bytes,omitempty"`
}

// PullResult is one page of sync records. Versions are the only ordering
// key a client should trust; At is informational.
type PullResult struct {
	SessionID   string           `json:"session_id"`
	At          time.Time        `json:"timestamp"`
	Deltas      []Delta          `json:"deltas"`
	NewVersions map[string]int64 `json:"new_versions"`
	More        bool             `json:"more"`
	Cursor      string           `json:"cursor,omitempty"`
}

// StateSource is the slice of the target store a sync service reads.
type StateSource interface {
	Get(id string) (target.State, bool)
	ListActive() []target.State
	Changes(id string, since int64) (deltas []state.VersionedDelta, live, complete bool)
}

// Config tunes session lifetime and response budgets.
type Config struct {
	// SessionTTL expires sessions with no pull activity.
	SessionTTL    time.Duration
	SweepInterval time.Duration
	// MaxRecords and MaxBytes cap a single pull response. Requests may
	// lower them, never raise them.
	MaxRecords int
	MaxBytes   int

	Clock  func() time.Time
	Logger *slog.Logger
	// NewSessionID overrides session id generation, for tests.
	NewSessionID func(clientID string) string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:    time.Hour,
		SweepInterval: 10 * time.Minute,
		MaxRecords:    500,
		MaxBytes:      1 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = d.MaxRecords
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = d.MaxBytes
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NewSessionID == nil {
		c.NewSessionID = newSessionID
	}
	return c
}

func newSessionID(clientID string) string {
	u := uuid.New()
	return fmt.Sprintf("sync_%s_%s", clientID, hex.EncodeToString(u[:4]))
}

// Service answers pulls against the target store and a session registry.
type Service struct {
	cfg   Config
	store StateSource
	reg   Registry
	log   *slog.Logger
	clock func() time.Time
}

func New(cfg Config, store StateSource, reg Registry) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:   cfg,
		store: store,
		reg:   reg,
		log:   cfg.Logger,
		clock: cfg.Clock,
	}
}

// CreateSession registers a client. An empty targetIDs subscribes it to
// every active target.
func (s *Service) CreateSession(ctx context.Context, clientID string, targetIDs []string) (Session, error) {
	now := s.clock()
	sess := Session{
		ID:         s.cfg.NewSessionID(clientID),
		ClientID:   clientID,
		TargetIDs:  append([]string(nil), targetIDs...),
		Versions:   make(map[string]int64),
		CreatedAt:  now,
		LastPullAt: now,
	}
	sort.Strings(sess.TargetIDs)
	if err := s.reg.Save(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("saving sync session: %w", err)
	}
	s.log.Info("sync session created",
		"session_id", sess.ID,
		"client_id", clientID,
		"targets", len(sess.TargetIDs))
	return sess, nil
}

// CloseSession drops a session immediately instead of waiting out the TTL.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	return s.reg.Delete(ctx, sessionID)
}

// session loads and TTL-checks a session. Expired sessions are dropped on
// the spot so the registry self-cleans even without the sweep.
func (s *Service) session(ctx context.Context, id string) (Session, error) {
	sess, err := s.reg.Load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.clock().Sub(sess.LastPullAt) > s.cfg.SessionTTL {
		if err := s.reg.Delete(ctx, id); err != nil {
			s.log.Warn("dropping expired sync session", "session_id", id, "error", err)
		}
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// Pull returns what changed for the session's targets since the base
// versions. Targets the base does not mention, and targets whose history
// aged out of the change log, come back as full states so the client
// never sees a silent gap. Removed targets come back as tombstones. The
// response is capped; More with a Cursor lets the client keep pulling
// until it has caught up.
func (s *Service) Pull(ctx context.Context, req PullRequest) (PullResult, error) {
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return PullResult{}, err
	}
	now := s.clock()

	base := sess.Versions
	if req.SinceVersions != nil {
		base = req.SinceVersions
	}
	maxRecords := s.cfg.MaxRecords
	if req.MaxRecords > 0 && req.MaxRecords < maxRecords {
		maxRecords = req.MaxRecords
	}
	maxBytes := s.cfg.MaxBytes
	if req.MaxBytes > 0 && req.MaxBytes < maxBytes {
		maxBytes = req.MaxBytes
	}

	res := PullResult{SessionID: sess.ID, At: now, NewVersions: make(map[string]int64)}
	size := 0
	var evicted []string
	for _, id := range s.subjectIDs(sess, base) {
		if req.Cursor != "" && id <= req.Cursor {
			continue
		}
		d, ok := s.deltaFor(id, base)
		if !ok {
			continue
		}
		enc, err := json.Marshal(d)
		if err != nil {
			return PullResult{}, fmt.Errorf("encoding delta for %s: %w", id, err)
		}
		// The first record always ships, even past the byte budget, so a
		// capped pull still makes progress.
		if len(res.Deltas) >= maxRecords || (len(res.Deltas) > 0 && size+len(enc) > maxBytes) {
			res.More = true
			res.Cursor = res.Deltas[len(res.Deltas)-1].TargetID
			break
		}
		res.Deltas = append(res.Deltas, d)
		size += len(enc)
		if d.Kind == KindTombstone {
			evicted = append(evicted, id)
		} else {
			res.NewVersions[id] = d.Version
		}
	}

	// The session's vector advances only with what this pull delivered.
	sess.LastPullAt = now
	if sess.Versions == nil {
		sess.Versions = make(map[string]int64)
	}
	for id, v := range res.NewVersions {
		sess.Versions[id] = v
	}
	for _, id := range evicted {
		delete(sess.Versions, id)
	}
	if err := s.reg.Save(ctx, sess); err != nil {
		return PullResult{}, fmt.Errorf("saving sync session: %w", err)
	}
	s.log.Debug("sync pull served",
		"session_id", sess.ID,
		"deltas", len(res.Deltas),
		"bytes", size,
		"more", res.More)
	return res, nil
}

// subjectIDs resolves which targets a pull covers, sorted so capped
// responses resume deterministically. An unrestricted session covers
// every active target plus every target the base versions still mention,
// so removals reach clients that knew the target.
func (s *Service) subjectIDs(sess Session, base map[string]int64) []string {
	if len(sess.TargetIDs) > 0 {
		return sess.TargetIDs
	}
	seen := make(map[string]bool, len(base))
	var ids []string
	for _, st := range s.store.ListActive() {
		seen[st.ID] = true
		ids = append(ids, st.ID)
	}
	for id := range base {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// deltaFor builds the sync record for one target, or reports that the
// client is already current.
func (s *Service) deltaFor(id string, base map[string]int64) (Delta, bool) {
	since, known := base[id]
	if !known {
		// Unknown to the client: full state or nothing.
		st, ok := s.store.Get(id)
		if !ok {
			return Delta{}, false
		}
		return Delta{TargetID: id, Kind: KindFull, Version: st.Version, State: &st}, true
	}

	events, live, complete := s.store.Changes(id, since)
	switch {
	case live && !complete:
		st, ok := s.store.Get(id)
		if !ok {
			// Removed between the two reads; the next pull reconciles.
			return Delta{}, false
		}
		return Delta{TargetID: id, Kind: KindFull, Version: st.Version, BaseVersion: since, State: &st}, true
	case live:
		if len(events) == 0 {
			return Delta{}, false
		}
		return Delta{
			TargetID:    id,
			Kind:        KindIncremental,
			Version:     events[len(events)-1].Version,
			BaseVersion: since,
			Events:      events,
		}, true
	case len(events) > 0:
		tomb := events[len(events)-1]
		return Delta{
			TargetID:    id,
			Kind:        KindTombstone,
			Version:     tomb.Version,
			BaseVersion: since,
			Reason:      tomb.Reason,
		}, true
	case since > 0:
		// The store no longer remembers the target at all, yet the client
		// holds a version for it. Synthesize the delete so the client can
		// evict.
		return Delta{
			TargetID:    id,
			Kind:        KindTombstone,
			Version:     since + 1,
			BaseVersion: since,
			Reason:      state.ReasonExpired,
		}, true
	default:
		return Delta{}, false
	}
}

// SweepExpired drops sessions idle past the TTL. Load already refuses
// them; the sweep keeps the registry from accumulating dead rows.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.reg.DeleteExpired(ctx, s.clock().Add(-s.cfg.SessionTTL))
}

// Run sweeps expired sessions until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	tick := time.NewTicker(s.cfg.SweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				s.log.Warn("sync session sweep failed", "error", err)
			} else if n > 0 {
				s.log.Debug("expired sync sessions dropped", "count", n)
			}
		}
	}
}
