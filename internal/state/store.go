// Package state implements the versioned target store: an authoritative
// in-memory hot tier with write-through to a shared cache tier and
// asynchronous batching into a durable history tier.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"formation_tracker/internal/target"
)

// ErrNotFound marks operations against a target the store does not hold.
var ErrNotFound = errors.New("target not found")

// CacheTier is the shared write-through tier. Implementations must be
// safe for concurrent use. The store treats failures as degraded mode,
// never as write failures.
type CacheTier interface {
	SaveState(ctx context.Context, s target.State) error
	DeleteState(ctx context.Context, id string) error
	// LoadActive returns states observed at or after cutoff.
	LoadActive(ctx context.Context, cutoff time.Time) ([]target.State, error)
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// DurableSink receives state history in batches, asynchronously.
type DurableSink interface {
	AppendStates(ctx context.Context, states []target.State) error
}

// Config tunes the store. Zero fields take defaults.
type Config struct {
	// TTL evicts targets not observed within this window.
	TTL           time.Duration
	SweepInterval time.Duration
	// Epsilon decides when an update counts as significant movement.
	Epsilon target.Epsilon
	// DeltaLogSize bounds each target's change log.
	DeltaLogSize   int
	DeltaRetention time.Duration
	// FlushInterval and FlushBatch pace the durable tier.
	FlushInterval time.Duration
	FlushBatch    int
	// PendingLimit bounds buffered durable rows while the sink is down.
	PendingLimit int
	CacheTimeout time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:            24 * time.Hour,
		SweepInterval:  time.Minute,
		Epsilon:        target.DefaultEpsilon(),
		DeltaLogSize:   10000,
		DeltaRetention: 7 * 24 * time.Hour,
		FlushInterval:  5 * time.Second,
		FlushBatch:     512,
		PendingLimit:   100000,
		CacheTimeout:   3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.DeltaLogSize <= 0 {
		c.DeltaLogSize = d.DeltaLogSize
	}
	if c.DeltaRetention <= 0 {
		c.DeltaRetention = d.DeltaRetention
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = d.FlushBatch
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = d.PendingLimit
	}
	if c.CacheTimeout <= 0 {
		c.CacheTimeout = d.CacheTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Update describes one accepted observation.
type Update struct {
	State   target.State  `json:"state"`
	Delta   *target.Delta `json:"delta,omitempty"`
	Created bool          `json:"created"`
	// Significant is set when the target moved beyond the noise epsilon
	// (or is new), marking it dirty for recognition.
	Significant bool `json:"significant"`
}

// Removal describes a target leaving the store.
type Removal struct {
	ID      string       `json:"target_id"`
	Version int64        `json:"version"`
	Reason  string       `json:"reason"`
	Last    target.State `json:"last_state"`
}

// entry is one target's slot. mu serializes writes per id. dead marks an
// entry detached by Remove so a racing writer retries against a fresh one.
type entry struct {
	mu    sync.Mutex
	state target.State
	log   *deltaLog
	dead  bool
}

// Store holds current target states with per-id version discipline.
type Store struct {
	cfg     Config
	log     *slog.Logger
	clock   func() time.Time
	cache   CacheTier
	durable DurableSink

	mu      sync.RWMutex
	targets map[string]*entry
	// tombstones keeps removal records so sync clients see deletions
	// and re-created ids continue their version lineage.
	tombstones map[string]VersionedDelta

	pendMu  sync.Mutex
	pending []target.State

	onUpdate func(Update)
	onRemove func(Removal)
}

// NewStore builds a store. cache and durable may be nil for a pure
// in-memory store (tests, replay).
func NewStore(cfg Config, cache CacheTier, durable DurableSink) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		cfg:        cfg,
		log:        cfg.Logger,
		clock:      cfg.Clock,
		cache:      cache,
		durable:    durable,
		targets:    make(map[string]*entry),
		tombstones: make(map[string]VersionedDelta),
	}
}

// OnUpdate sets a callback fired for every accepted upsert, under the
// target's write lock so a target's events keep version order. The
// callback must not block or call back into the store. Set before any
// writes occur.
func (s *Store) OnUpdate(fn func(Update)) {
	s.onUpdate = fn
}

// OnRemove sets a callback fired after every removal, outside store
// locks. The callback must not block.
func (s *Store) OnRemove(fn func(Removal)) {
	s.onRemove = fn
}

// nextVersion implements the per-id version discipline: wall-clock millis,
// bumped past the previous version when the clock has not advanced.
func nextVersion(prev int64, now time.Time) int64 {
	v := now.UnixMilli()
	if v <= prev {
		v = prev + 1
	}
	return v
}

// Upsert validates and applies one observation. The returned update
// carries the stamped state, the field delta against the previous state
// (nil for a new target), and the significance flag.
func (s *Store) Upsert(ctx context.Context, obs target.Observation) (Update, error) {
	return s.upsert(ctx, obs, true)
}

// Apply ingests an observation without firing the update callback. The
// caller owns event dispatch and dirty marking.
func (s *Store) Apply(ctx context.Context, obs target.Observation) (Update, error) {
	return s.upsert(ctx, obs, false)
}

func (s *Store) upsert(ctx context.Context, obs target.Observation, emit bool) (Update, error) {
	if err := obs.Validate(); err != nil {
		return Update{}, err
	}

	for {
		e, prevVersion, created := s.entryFor(obs.ID)

		e.mu.Lock()
		if e.dead {
			// Lost a race with Remove; the map no longer holds this
			// entry, so start over against a fresh one.
			e.mu.Unlock()
			continue
		}

		now := s.clock()
		next := obs.State()
		if next.ObservedAt.IsZero() {
			next.ObservedAt = now
		}

		prev := e.state
		if created {
			next.Version = nextVersion(prevVersion, now)
		} else {
			next.Version = nextVersion(prev.Version, now)
		}

		var delta *target.Delta
		significant := created
		if !created {
			delta = target.ComputeDelta(prev, next)
			if delta != nil && target.Significant(prev, next, s.cfg.Epsilon) {
				significant = true
			}
		}

		e.state = next
		if delta != nil {
			e.log.append(VersionedDelta{
				TargetID: next.ID,
				Version:  next.Version,
				Type:     ChangeUpdate,
				Delta:    delta,
				At:       now,
			}, now)
		}

		s.writeThrough(ctx, next)

		up := Update{State: next, Delta: delta, Created: created, Significant: significant}
		// Fired under the entry lock so a target's update events keep
		// version order. The callback must not block.
		if emit && s.onUpdate != nil {
			s.onUpdate(up)
		}
		e.mu.Unlock()

		s.enqueueDurable(next)
		return up, nil
	}
}

// entryFor returns the target's entry, creating it if needed. For a new
// entry the prior tombstone version (if any) seeds the version lineage.
func (s *Store) entryFor(id string) (e *entry, prevVersion int64, created bool) {
	s.mu.RLock()
	e = s.targets[id]
	s.mu.RUnlock()
	if e != nil {
		return e, 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.targets[id]; e != nil {
		return e, 0, false
	}

	var truncated int64
	if t, ok := s.tombstones[id]; ok {
		prevVersion = t.Version
		truncated = t.Version
		delete(s.tombstones, id)
	}
	e = &entry{log: newDeltaLog(s.cfg.DeltaLogSize, s.cfg.DeltaRetention, truncated)}
	s.targets[id] = e
	return e, prevVersion, true
}

func (s *Store) writeThrough(ctx context.Context, st target.State) {
	if s.cache == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
	defer cancel()
	if err := s.cache.SaveState(cctx, st); err != nil {
		s.log.Warn("cache tier write failed, hot tier remains authoritative",
			"target", st.ID, "error", err)
	}
}

func (s *Store) enqueueDurable(st target.State) {
	if s.durable == nil {
		return
	}
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	if len(s.pending) >= s.cfg.PendingLimit {
		// Drop the oldest half rather than grow without bound.
		keep := s.cfg.PendingLimit / 2
		dropped := len(s.pending) - keep
		s.pending = append(s.pending[:0], s.pending[len(s.pending)-keep:]...)
		s.log.Warn("durable buffer overflow, dropped oldest rows", "dropped", dropped)
	}
	s.pending = append(s.pending, st)
}

// ItemStatus reports one observation's outcome within a batch.
type ItemStatus struct {
	ID      string `json:"id"`
	Version int64  `json:"version,omitempty"`
	Err     error  `json:"-"`
	Error   string `json:"error,omitempty"`
}

// ApplyBatch applies observations independently; one bad record never
// aborts the rest. With emitEvents false the update callback is
// suppressed, so recognition and push transports stay quiet.
func (s *Store) ApplyBatch(ctx context.Context, obs []target.Observation, emitEvents bool) []ItemStatus {
	statuses := make([]ItemStatus, 0, len(obs))
	for _, o := range obs {
		up, err := s.upsert(ctx, o, emitEvents)
		st := ItemStatus{ID: o.ID}
		if err != nil {
			st.Err = err
			st.Error = err.Error()
		} else {
			st.Version = up.State.Version
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// Get returns the target's current state.
func (s *Store) Get(id string) (target.State, bool) {
	s.mu.RLock()
	e := s.targets[id]
	s.mu.RUnlock()
	if e == nil {
		return target.State{}, false
	}
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	return st, true
}

// GetBatch returns the current states for the given ids, skipping unknowns.
func (s *Store) GetBatch(ids []string) map[string]target.State {
	out := make(map[string]target.State, len(ids))
	for _, id := range ids {
		if st, ok := s.Get(id); ok {
			out[id] = st
		}
	}
	return out
}

// ListActive snapshots all live targets, sorted by id for deterministic
// iteration.
func (s *Store) ListActive() []target.State {
	s.mu.RLock()
	out := make([]target.State, 0, len(s.targets))
	for _, e := range s.targets {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live targets.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.targets)
}

// Remove drops a target, recording a tombstone so sync clients observe
// the deletion. Returns ErrNotFound for unknown ids.
func (s *Store) Remove(ctx context.Context, id, reason string) (Removal, error) {
	s.mu.Lock()
	e := s.targets[id]
	if e == nil {
		s.mu.Unlock()
		return Removal{}, fmt.Errorf("removing %s: %w", id, ErrNotFound)
	}
	delete(s.targets, id)

	e.mu.Lock()
	e.dead = true
	now := s.clock()
	last := e.state
	version := nextVersion(last.Version, now)
	tomb := VersionedDelta{
		TargetID: id,
		Version:  version,
		Type:     ChangeDelete,
		Reason:   reason,
		At:       now,
	}
	s.tombstones[id] = tomb
	e.mu.Unlock()
	s.mu.Unlock()

	if s.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
		if err := s.cache.DeleteState(cctx, id); err != nil {
			s.log.Warn("cache tier delete failed", "target", id, "error", err)
		}
		cancel()
	}

	rm := Removal{ID: id, Version: version, Reason: reason, Last: last}
	if s.onRemove != nil {
		s.onRemove(rm)
	}
	return rm, nil
}

// Changes answers "what happened to id after version since". live reports
// whether the target currently exists; complete reports whether the
// returned deltas cover the whole range, and is false when history aged
// out and the caller must substitute full state.
func (s *Store) Changes(id string, since int64) (deltas []VersionedDelta, live, complete bool) {
	s.mu.RLock()
	e := s.targets[id]
	tomb, removed := s.tombstones[id]
	s.mu.RUnlock()

	if e != nil {
		e.mu.Lock()
		deltas, complete = e.log.since(since, s.clock())
		e.mu.Unlock()
		return deltas, true, complete
	}
	if removed && tomb.Version > since {
		return []VersionedDelta{tomb}, false, true
	}
	return nil, false, true
}

// SweepExpired removes targets not observed within the TTL and drops
// tombstones past the delta retention window. Returns evicted targets.
func (s *Store) SweepExpired(ctx context.Context) []Removal {
	now := s.clock()
	cutoff := now.Add(-s.cfg.TTL)

	s.mu.RLock()
	var stale []string
	for id, e := range s.targets {
		e.mu.Lock()
		if e.state.ObservedAt.Before(cutoff) {
			stale = append(stale, id)
		}
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	var evicted []Removal
	for _, id := range stale {
		rm, err := s.Remove(ctx, id, ReasonExpired)
		if err == nil {
			evicted = append(evicted, rm)
		}
	}

	tombCutoff := now.Add(-s.cfg.DeltaRetention)
	s.mu.Lock()
	for id, t := range s.tombstones {
		if t.At.Before(tombCutoff) {
			delete(s.tombstones, id)
		}
	}
	s.mu.Unlock()

	if s.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
		if n, err := s.cache.DeleteStale(cctx, cutoff); err != nil {
			s.log.Warn("cache tier stale sweep failed", "error", err)
		} else if n > 0 {
			s.log.Debug("cache tier swept", "rows", n)
		}
		cancel()
	}
	return evicted
}

// Rehydrate loads cache-tier rows inside the TTL window into an empty hot
// tier, preserving their versions. Targets already live are not touched.
func (s *Store) Rehydrate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	cutoff := s.clock().Add(-s.cfg.TTL)
	states, err := s.cache.LoadActive(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("rehydrating from cache tier: %w", err)
	}

	loaded := 0
	s.mu.Lock()
	for _, st := range states {
		if _, ok := s.targets[st.ID]; ok {
			continue
		}
		e := &entry{
			state: st,
			log:   newDeltaLog(s.cfg.DeltaLogSize, s.cfg.DeltaRetention, st.Version),
		}
		s.targets[st.ID] = e
		loaded++
	}
	s.mu.Unlock()

	s.log.Info("rehydrated hot tier", "targets", loaded)
	return nil
}

// Flush pushes buffered history to the durable sink. Failed batches are
// requeued for the next flush.
func (s *Store) Flush(ctx context.Context) error {
	if s.durable == nil {
		return nil
	}
	for {
		s.pendMu.Lock()
		if len(s.pending) == 0 {
			s.pendMu.Unlock()
			return nil
		}
		n := len(s.pending)
		if n > s.cfg.FlushBatch {
			n = s.cfg.FlushBatch
		}
		batch := make([]target.State, n)
		copy(batch, s.pending[:n])
		s.pending = append(s.pending[:0], s.pending[n:]...)
		s.pendMu.Unlock()

		if err := s.durable.AppendStates(ctx, batch); err != nil {
			s.pendMu.Lock()
			s.pending = append(batch, s.pending...)
			s.pendMu.Unlock()
			return fmt.Errorf("durable flush of %d rows: %w", len(batch), err)
		}
	}
}

// Run drives the background flush and TTL sweep until ctx is done. The
// final flush runs on a fresh timeout so shutdown does not lose rows.
func (s *Store) Run(ctx context.Context) error {
	flush := time.NewTicker(s.cfg.FlushInterval)
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer flush.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), s.cfg.CacheTimeout)
			if err := s.Flush(fctx); err != nil {
				s.log.Warn("final durable flush failed", "error", err)
			}
			cancel()
			return ctx.Err()
		case <-flush.C:
			if err := s.Flush(ctx); err != nil {
				s.log.Warn("durable flush failed, will retry", "error", err)
			}
		case <-sweep.C:
			if evicted := s.SweepExpired(ctx); len(evicted) > 0 {
				s.log.Info("evicted inactive targets", "count", len(evicted))
			}
		}
	}
}
