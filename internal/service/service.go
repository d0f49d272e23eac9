// Package service drives recognition. It wires the target store's change
// callbacks into the incremental recognizer, runs passes on a trigger
// policy, and fans pass results out to the formation store and the push
// transports.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"formation_tracker/internal/deltasync"
	"formation_tracker/internal/events"
	"formation_tracker/internal/formations"
	"formation_tracker/internal/recognizer"
	"formation_tracker/internal/state"
	"formation_tracker/internal/target"
)

// Config tunes the recognition trigger policy.
type Config struct {
	// PendingThreshold runs a pass once this many live changes wait.
	PendingThreshold int
	// DirtyFraction runs a pass once the waiting changes reach this share
	// of the live target set.
	DirtyFraction float64
	// TickInterval is the trigger check cadence. MaxLatency bounds how
	// long any single change can wait for a pass.
	TickInterval time.Duration
	MaxLatency   time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PendingThreshold: 10,
		DirtyFraction:    0.10,
		TickInterval:     time.Second,
		MaxLatency:       5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PendingThreshold <= 0 {
		c.PendingThreshold = d.PendingThreshold
	}
	if c.DirtyFraction <= 0 {
		c.DirtyFraction = d.DirtyFraction
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = d.MaxLatency
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Deps are the collaborators the service composes. Publisher may be nil
// when no broker is configured.
type Deps struct {
	Store      *state.Store
	Recognizer *recognizer.Recognizer
	Formations *formations.Store
	Sync       *deltasync.Service
	Notifier   *events.Notifier
	Publisher  *events.Publisher
}

// Service owns the recognition loop and event dispatch.
type Service struct {
	cfg   Config
	log   *slog.Logger
	clock func() time.Time

	store      *state.Store
	rec        *recognizer.Recognizer
	formations *formations.Store
	sync       *deltasync.Service
	notifier   *events.Notifier
	publisher  *events.Publisher

	// passMu serializes recognition passes.
	passMu sync.Mutex

	// pending counts live changes since the last pass; firstChange holds
	// the oldest one's arrival in unix nanos, zero when none wait.
	pending     atomic.Int64
	firstChange atomic.Int64
}

// New builds the service and attaches the store's change callbacks, so it
// must be constructed before traffic flows.
func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:        cfg,
		log:        cfg.Logger,
		clock:      cfg.Clock,
		store:      deps.Store,
		rec:        deps.Recognizer,
		formations: deps.Formations,
		sync:       deps.Sync,
		notifier:   deps.Notifier,
		publisher:  deps.Publisher,
	}

	s.store.OnUpdate(func(up state.Update) {
		s.notifier.Publish(events.TargetUpdated(up))
		if up.Created || up.Significant {
			s.rec.MarkDirty(up.State.ID)
			s.noteChange()
		}
	})
	s.store.OnRemove(func(rm state.Removal) {
		s.notifier.Publish(events.TargetRemoved(rm, s.clock()))
		s.rec.MarkDirty(rm.ID)
		s.noteChange()
	})
	return s
}

func (s *Service) noteChange() {
	s.pending.Add(1)
	s.firstChange.CompareAndSwap(0, s.clock().UnixNano())
}

// shouldRun applies the trigger policy: enough changes waiting, a big
// enough share of the live set, or a single change waiting too long.
func (s *Service) shouldRun() bool {
	pending := s.pending.Load()
	if pending == 0 {
		return false
	}
	if pending >= int64(s.cfg.PendingThreshold) {
		return true
	}
	if n := s.store.Count(); n > 0 && float64(pending)/float64(n) >= s.cfg.DirtyFraction {
		return true
	}
	first := s.firstChange.Load()
	return first != 0 && s.clock().Sub(time.Unix(0, first)) >= s.cfg.MaxLatency
}

// ApplyBatch primes the state cache without arming the recognition
// trigger. Applied targets still join the dirty set so the next pass,
// however it is armed, sees their movement.
func (s *Service) ApplyBatch(ctx context.Context, obs []target.Observation, emitEvents bool) []state.ItemStatus {
	return s.apply(ctx, obs, emitEvents)
}

// RecognizeNow applies the observations, runs an immediate pass, and
// returns the result with the per-item statuses.
func (s *Service) RecognizeNow(ctx context.Context, obs []target.Observation, emitEvents bool) (recognizer.Result, []state.ItemStatus) {
	statuses := s.apply(ctx, obs, emitEvents)
	return s.runPass(ctx), statuses
}

func (s *Service) apply(ctx context.Context, obs []target.Observation, emitEvents bool) []state.ItemStatus {
	statuses := make([]state.ItemStatus, 0, len(obs))
	for _, o := range obs {
		up, err := s.store.Apply(ctx, o)
		st := state.ItemStatus{ID: o.ID}
		if err != nil {
			st.Err = err
			st.Error = err.Error()
			statuses = append(statuses, st)
			continue
		}
		st.Version = up.State.Version
		statuses = append(statuses, st)
		if up.Created || up.Significant {
			s.rec.MarkDirty(up.State.ID)
		}
		if emitEvents {
			s.notifier.Publish(events.TargetUpdated(up))
		}
	}
	return statuses
}

// runPass executes one recognition pass and dispatches its lifecycle
// events. The trigger counters reset before the pass so changes landing
// mid-pass arm the next one.
func (s *Service) runPass(ctx context.Context) recognizer.Result {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.pending.Store(0)
	s.firstChange.Store(0)

	res := s.rec.Recognize(s.store)
	s.dispatch(ctx, res)
	return res
}

func (s *Service) dispatch(ctx context.Context, res recognizer.Result) {
	now := s.clock()
	evs := make([]formations.Event, 0, len(res.Detected)+len(res.Updated)+len(res.Closed))
	for _, f := range res.Detected {
		evs = append(evs, formations.Created(f, now))
		s.notifier.Publish(events.FormationDetected(f, now))
	}
	for _, f := range res.Updated {
		evs = append(evs, formations.Updated(f, now))
		s.notifier.Publish(events.FormationDetected(f, now))
	}
	for _, id := range res.Closed {
		evs = append(evs, formations.Closed(id, now))
		s.notifier.Publish(events.FormationClosed(id, now))
	}
	if len(evs) == 0 {
		return
	}
	if err := s.formations.Append(ctx, evs...); err != nil {
		s.log.Warn("recording formation events failed", "error", err)
	}
}

// Run rehydrates the hot tier, then drives every component loop and the
// recognition trigger until ctx is done or one loop fails.
func (s *Service) Run(ctx context.Context) error {
	if err := s.store.Rehydrate(ctx); err != nil {
		s.log.Warn("cache rehydration failed, starting cold", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.store.Run(gctx) })
	g.Go(func() error { return s.formations.Run(gctx) })
	g.Go(func() error { return s.sync.Run(gctx) })
	if s.publisher != nil {
		sub := s.notifier.Subscribe(nil)
		defer sub.Close()
		g.Go(func() error { return s.publisher.Run(gctx, sub) })
	}
	g.Go(func() error { return s.trigger(gctx) })
	return g.Wait()
}

func (s *Service) trigger(ctx context.Context) error {
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if !s.shouldRun() {
				continue
			}
			res := s.runPass(ctx)
			s.log.Debug("recognition pass",
				"formations", len(res.Formations),
				"detected", len(res.Detected),
				"updated", len(res.Updated),
				"closed", len(res.Closed),
				"pairs", res.Evaluated,
				"full", res.Full)
		}
	}
}
