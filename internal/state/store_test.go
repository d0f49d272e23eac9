package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"formation_tracker/internal/geo"
	"formation_tracker/internal/target"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeCache is an in-memory CacheTier double.
type fakeCache struct {
	mu       sync.Mutex
	saved    map[string]target.State
	deleted  []string
	failSave bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{saved: make(map[string]target.State)}
}

func (c *fakeCache) SaveState(_ context.Context, s target.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSave {
		return errors.New("cache down")
	}
	c.saved[s.ID] = s
	return nil
}

func (c *fakeCache) DeleteState(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.saved, id)
	c.deleted = append(c.deleted, id)
	return nil
}

func (c *fakeCache) LoadActive(_ context.Context, cutoff time.Time) ([]target.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []target.State
	for _, s := range c.saved {
		if !s.ObservedAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *fakeCache) DeleteStale(_ context.Context, cutoff time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for id, s := range c.saved {
		if s.ObservedAt.Before(cutoff) {
			delete(c.saved, id)
			n++
		}
	}
	return n, nil
}

// fakeSink records durable batches.
type fakeSink struct {
	mu      sync.Mutex
	batches [][]target.State
	fail    bool
}

func (f *fakeSink) AppendStates(_ context.Context, states []target.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("sink down")
	}
	cp := make([]target.State, len(states))
	copy(cp, states)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeSink) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func obs(id string, lon, alt, heading, speed float64) target.Observation {
	return target.Observation{
		ID:       id,
		Platform: target.PlatformFighter,
		Position: geo.Position{Lon: lon, Lat: 39.9, Alt: alt},
		Heading:  heading,
		Speed:    speed,
	}
}

func newTestStore(clk *fakeClock, cache CacheTier, sink DurableSink) *Store {
	cfg := DefaultConfig()
	cfg.Clock = clk.Now
	return NewStore(cfg, cache, sink)
}

func TestUpsertVersionMonotonic(t *testing.T) {
	clk := newFakeClock()
	s := newTestStore(clk, nil, nil)
	ctx := context.Background()

	// Frozen clock: versions must still strictly increase.
	var versions []int64
	for i := 0; i < 3; i++ {
		up, err := s.Upsert(ctx, obs("T1", 116.4, 5000, 90, 250+float64(i)))
		if err != nil {
			t.Fatal(err)
		}
		versions = append(versions, up.State.Version)
	}
	if versions[0] != clk.Now().UnixMilli() {
		t.Errorf("first version = %d, want clock millis %d", versions[0], clk.Now().UnixMilli())
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] != versions[i-1]+1 {
			t.Errorf("frozen clock: version %d after %d, want +1 bump", versions[i], versions[i-1])
		}
	}

	// Moving clock: version jumps to the new wall time.
	clk.Advance(10 * time.Second)
	up, err := s.Upsert(ctx, obs("T1", 116.5, 5000, 90, 260))
	if err != nil {
		t.Fatal(err)
	}
	if want := clk.Now().UnixMilli(); up.State.Version != want {
		t.Errorf("version = %d, want %d", up.State.Version, want)
	}
}

func TestUpsertDeltaAndSignificance(t *testing.T) {
	clk := newFakeClock()
	s := newTestStore(clk, nil, nil)
	ctx := context.Background()

	up, err := s.Upsert(ctx, obs("T1", 116.4, 5000, 90, 250))
	if err != nil {
		t.Fatal(err)
	}
	if !up.Created || !up.Significant || up.Delta != nil {
		t.Errorf("first upsert: created=%v significant=%v delta=%v", up.Created, up.Significant, up.Delta)
	}

	// Sub-epsilon jitter: delta recorded, not significant.
	clk.Advance(time.Second)
	up, err = s.Upsert(ctx, obs("T1", 116.4, 5000, 90.2, 250.1))
	if err != nil {
		t.Fatal(err)
	}
	if up.Created || up.Significant {
		t.Errorf("jitter upsert: created=%v significant=%v, want neither", up.Created, up.Significant)
	}
	if up.Delta == nil || up.Delta.Heading == nil {
		t.Fatalf("jitter upsert lost its delta: %+v", up.Delta)
	}

	// Real movement is significant.
	clk.Advance(time.Second)
	up, err = s.Upsert(ctx, obs("T1", 116.45, 5000, 90.2, 250.1))
	if err != nil {
		t.Fatal(err)
	}
	if !up.Significant {
		t.Error("multi-kilometer move not significant")
	}
}

func TestUpsertRejectsInvalid(t *testing.T) {
	s := newTestStore(newFakeClock(), nil, nil)
	bad := obs("T1", 116.4, 5000, 90, 250)
	bad.Heading = 400
	if _, err := s.Upsert(context.Background(), bad); !errors.Is(err, target.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
	if s.Count() != 0 {
		t.Error("rejected observation created a target")
	}
}

func TestApplyBatchPerItemStatus(t *testing.T) {
	s := newTestStore(newFakeClock(), nil, nil)
	bad := obs("T2", 116.4, 5000, 90, -5)
	statuses := s.ApplyBatch(context.Background(), []target.Observation{
		obs("T1", 116.4, 5000, 90, 250),
		bad,
		obs("T3", 116.5, 5000, 90, 250),
	}, false)

	if len(statuses) != 3 {
		t.Fatalf("statuses = %d, want 3", len(statuses))
	}
	if statuses[0].Err != nil || statuses[0].Version == 0 {
		t.Errorf("item 0: %+v", statuses[0])
	}
	if statuses[1].Err == nil {
		t.Error("invalid item accepted")
	}
	if statuses[2].Err != nil {
		t.Errorf("item after invalid one rejected: %v", statuses[2].Err)
	}
	if s.Count() != 2 {
		t.Errorf("store holds %d targets, want 2", s.Count())
	}
}

func TestApplyBatchEventFlag(t *testing.T) {
	s := newTestStore(newFakeClock(), nil, nil)
	var events int
	s.OnUpdate(func(Update) { events++ })

	s.ApplyBatch(context.Background(), []target.Observation{obs("T1", 116.4, 5000, 90, 250)}, false)
	if events != 0 {
		t.Errorf("silent batch emitted %d events", events)
	}
	s.ApplyBatch(context.Background(), []target.Observation{obs("T1", 116.41, 5000, 90, 250)}, true)
	if events != 1 {
		t.Errorf("emitting batch produced %d events, want 1", events)
	}
}

func TestRemoveAndTombstone(t *testing.T) {
	clk := newFakeClock()
	s := newTestStore(clk, nil, nil)
	ctx := context.Background()

	up, _ := s.Upsert(ctx, obs("T1", 116.4, 5000, 90, 250))
	clk.Advance(time.Second)

	rm, err := s.Remove(ctx, "T1", ReasonRemoved)
	if err != nil {
		t.Fatal(err)
	}
	if rm.Version <= up.State.Version {
		t.Errorf("tombstone version %d not above last state version %d", rm.Version, up.State.Version)
	}
	if _, ok := s.Get("T1"); ok {
		t.Error("removed target still readable")
	}

	deltas, live, complete := s.Changes("T1", up.State.Version)
	if live || !complete {
		t.Errorf("live=%v complete=%v, want removed and complete", live, complete)
	}
	if len(deltas) != 1 || deltas[0].Type != ChangeDelete || deltas[0].Reason != ReasonRemoved {
		t.Errorf("tombstone = %+v", deltas)
	}

	if _, err := s.Remove(ctx, "T1", ReasonRemoved); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove err = %v, want ErrNotFound", err)
	}
}

func TestRecreateContinuesVersionLineage(t *testing.T) {
	clk := newFakeClock()
	s := newTestStore(clk, nil, nil)
	ctx := context.Background()

	first, _ := s.Upsert(ctx, obs("T1", 116.4, 5000, 90, 250))
	rm, _ := s.Remove(ctx, "T1", ReasonRemoved)

	// Clock frozen: a naive millis stamp would collide with the tombstone.
	second, err := s.Upsert(ctx, obs("T1", 116.5, 5000, 90, 250))
	if err != nil {
		t.Fatal(err)
	}
	if second.State.Version <= rm.Version {
		t.Errorf("recreated version %d not above tombstone %d", second.State.Version, rm.Version)
	}
	if !second.Created {
		t.Error("recreated target not flagged as created")
	}

	// A client holding the pre-removal version cannot be served deltas
	// across the gap; it must get a full-state fallback.
	_, live, complete := s.Changes("T1", first.State.Version)
	if !live || complete {
		t.Errorf("live=%v complete=%v, want live with incomplete history", live, complete)
	}
}

func TestChangesSince(t *testing.T) {
	clk := newFakeClock()
	s := newTestStore(clk, nil, nil)
	ctx := context.Background()

	v1, _ := s.Upsert(ctx, obs("T1", 116.4, 5000, 90, 250))
	clk.Advance(time.Second)
	s.Upsert(ctx, obs("T1", 116.41, 5000, 91, 251))
	clk.Advance(time.Second)
	v3, _ := s.Upsert(ctx, obs("T1", 116.42, 5000, 92, 252))

	deltas, live, complete := s.Changes("T1", v1.State.Version)
	if !live || !complete {
		t.Fatalf("live=%v complete=%v", live, complete)
	}
	if len(deltas) != 2 {
		t.Fatalf("deltas = %d, want 2", len(deltas))
	}
	if deltas[1].Version != v3.State.Version {
		t.Errorf("last delta version = %d, want %d", deltas[1].Version, v3.State.Version)
	}

	// Unknown target: nothing to report, caller decides.
	if _, live, _ := s.Changes("NOPE", 0); live {
		t.Error("unknown target reported live")
	}
}

func TestSweepExpired(t *testing.T) {
	clk := newFakeClock()
	cache := newFakeCache()
	s := newTestStore(clk, cache, nil)
	ctx := context.Background()

	s.Upsert(ctx, obs("OLD", 116.4, 5000, 90, 250))
	clk.Advance(23 * time.Hour)
	s.Upsert(ctx, obs("FRESH", 116.5, 5000, 90, 250))
	clk.Advance(2 * time.Hour) // OLD is now 25h stale, FRESH 2h.

	var removed []Removal
	s.OnRemove(func(r Removal) { removed = append(removed, r) })

	evicted := s.SweepExpired(ctx)
	if len(evicted) != 1 || evicted[0].ID != "OLD" {
		t.Fatalf("evicted = %+v, want just OLD", evicted)
	}
	if evicted[0].Reason != ReasonExpired {
		t.Errorf("reason = %q, want %q", evicted[0].Reason, ReasonExpired)
	}
	if len(removed) != 1 {
		t.Errorf("remove callback fired %d times, want 1", len(removed))
	}
	if _, ok := s.Get("FRESH"); !ok {
		t.Error("fresh target swept")
	}
}

func TestWriteThroughAndRehydrate(t *testing.T) {
	clk := newFakeClock()
	cache := newFakeCache()
	s := newTestStore(clk, cache, nil)
	ctx := context.Background()

	up, _ := s.Upsert(ctx, obs("T1", 116.4, 5000, 90, 250))
	cache.mu.Lock()
	got, ok := cache.saved["T1"]
	cache.mu.Unlock()
	if !ok || got.Version != up.State.Version {
		t.Fatalf("cache tier row = %+v, ok=%v", got, ok)
	}

	// A fresh store over the same cache tier recovers the state.
	s2 := newTestStore(clk, cache, nil)
	if err := s2.Rehydrate(ctx); err != nil {
		t.Fatal(err)
	}
	st, ok := s2.Get("T1")
	if !ok || st.Version != up.State.Version {
		t.Errorf("rehydrated = %+v ok=%v, want version %d", st, ok, up.State.Version)
	}

	// Rehydrated version lineage continues.
	next, _ := s2.Upsert(ctx, obs("T1", 116.41, 5000, 90, 250))
	if next.State.Version <= up.State.Version {
		t.Errorf("post-rehydrate version %d not above %d", next.State.Version, up.State.Version)
	}
}

func TestCacheOutageDoesNotFailWrites(t *testing.T) {
	clk := newFakeClock()
	cache := newFakeCache()
	cache.failSave = true
	s := newTestStore(clk, cache, nil)

	up, err := s.Upsert(context.Background(), obs("T1", 116.4, 5000, 90, 250))
	if err != nil {
		t.Fatalf("upsert failed on cache outage: %v", err)
	}
	if st, ok := s.Get("T1"); !ok || st.Version != up.State.Version {
		t.Error("hot tier lost the write during cache outage")
	}
}

func TestDurableFlush(t *testing.T) {
	clk := newFakeClock()
	sink := &fakeSink{}
	s := newTestStore(clk, nil, sink)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		s.Upsert(ctx, obs("T1", 116.4+float64(i)*0.01, 5000, 90, 250))
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if sink.rows() != 5 {
		t.Errorf("durable rows = %d, want 5", sink.rows())
	}

	// A failing sink keeps rows buffered for the next flush.
	sink.fail = true
	s.Upsert(ctx, obs("T2", 116.4, 5000, 90, 250))
	if err := s.Flush(ctx); err == nil {
		t.Fatal("flush against failing sink did not error")
	}
	sink.fail = false
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if sink.rows() != 6 {
		t.Errorf("durable rows = %d after recovery, want 6", sink.rows())
	}
}

func TestListActiveSorted(t *testing.T) {
	s := newTestStore(newFakeClock(), nil, nil)
	ctx := context.Background()
	for _, id := range []string{"C3", "A1", "B2"} {
		s.Upsert(ctx, obs(id, 116.4, 5000, 90, 250))
	}
	got := s.ListActive()
	if len(got) != 3 || got[0].ID != "A1" || got[1].ID != "B2" || got[2].ID != "C3" {
		ids := make([]string, len(got))
		for i, st := range got {
			ids[i] = st.ID
		}
		t.Errorf("ListActive order = %v, want [A1 B2 C3]", ids)
	}
}

func TestGetBatch(t *testing.T) {
	s := newTestStore(newFakeClock(), nil, nil)
	ctx := context.Background()
	for _, id := range []string{"A1", "B2"} {
		s.Upsert(ctx, obs(id, 116.4, 5000, 90, 250))
	}
	got := s.GetBatch([]string{"A1", "ghost", "B2"})
	if len(got) != 2 {
		t.Fatalf("GetBatch returned %d states, want 2", len(got))
	}
	if _, ok := got["ghost"]; ok {
		t.Error("GetBatch returned an unknown id")
	}
	if got["A1"].ID != "A1" || got["B2"].Version == 0 {
		t.Errorf("GetBatch states = %+v, want A1 and B2 with versions", got)
	}
}

func TestConcurrentUpsertsDistinctIDs(t *testing.T) {
	s := newTestStore(newFakeClock(), nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('A' + n))
			for j := 0; j < 50; j++ {
				if _, err := s.Upsert(ctx, obs(id, 116.4, 5000, 90, 250+float64(j))); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if s.Count() != 8 {
		t.Errorf("count = %d, want 8", s.Count())
	}
	for _, st := range s.ListActive() {
		if st.Speed != 299 {
			t.Errorf("target %s final speed = %v, want 299", st.ID, st.Speed)
		}
	}
}

func TestConcurrentUpsertSameID(t *testing.T) {
	s := newTestStore(newFakeClock(), nil, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var versions []int64
	s.OnUpdate(func(u Update) {
		mu.Lock()
		versions = append(versions, u.State.Version)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				s.Upsert(ctx, obs("T1", 116.4, 5000, 90, 250))
			}
		}()
	}
	wg.Wait()

	if len(versions) != 100 {
		t.Fatalf("observed %d update events, want 100", len(versions))
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("event versions out of order at %d: %d then %d", i, versions[i-1], versions[i])
		}
	}
}
