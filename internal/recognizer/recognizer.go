// Package recognizer clusters live targets into formations from pairwise
// rule affinities and keeps the result current incrementally as targets
// move, appear, and vanish.
package recognizer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"formation_tracker/internal/rules"
	"formation_tracker/internal/target"
)

// Config tunes clustering and the incremental pass.
type Config struct {
	// MinMembers is the smallest component that counts as a formation.
	MinMembers int
	// ContinuityRatio is the member overlap a component needs with a
	// prior formation to inherit its id.
	ContinuityRatio float64
	// FullRecomputeRatio is the dirty fraction of live targets above
	// which a pass re-evaluates every pair instead of working
	// incrementally.
	FullRecomputeRatio float64

	Clock  func() time.Time
	NewID  func(time.Time) string
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinMembers:         2,
		ContinuityRatio:    0.5,
		FullRecomputeRatio: 0.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinMembers <= 0 {
		c.MinMembers = d.MinMembers
	}
	if c.ContinuityRatio <= 0 {
		c.ContinuityRatio = d.ContinuityRatio
	}
	if c.FullRecomputeRatio <= 0 {
		c.FullRecomputeRatio = d.FullRecomputeRatio
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = NewFormationID
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// StateSource lists the live targets a recognition pass runs over.
// *state.Store satisfies it.
type StateSource interface {
	ListActive() []target.State
}

// pairKey identifies an unordered target pair, a < b.
type pairKey struct{ a, b string }

func keyOf(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{x, y}
}

// edge is a cached passing affinity between two targets.
type edge struct {
	affinity float64
	scores   []rules.RuleScore
}

// Result is the outcome of one recognition pass.
type Result struct {
	// Formations is every live formation after the pass, sorted by id.
	Formations []Formation
	// Detected holds formations that appeared this pass, Updated the
	// ones that kept their id through a membership or state change, and
	// Closed the ids of formations that dissolved.
	Detected []Formation
	Updated  []Formation
	Closed   []string
	// Evaluated counts rule-set pair evaluations performed by the pass.
	Evaluated int
	// Full marks a pass that fell back to a complete recompute.
	Full bool
}

// Recognizer maintains the formation set over a changing target
// population. Writers mark targets dirty as they change; Recognize folds
// the accumulated changes in, re-evaluating only pairs with a dirty
// endpoint.
type Recognizer struct {
	cfg   Config
	set   *rules.Set
	log   *slog.Logger
	clock func() time.Time
	newID func(time.Time) string

	dirtyMu sync.Mutex
	dirty   map[string]bool

	mu         sync.Mutex
	edges      map[pairKey]edge
	formations map[string]*Formation
	memberOf   map[string]string
	seen       map[string]bool
}

// New builds a recognizer over the given active rule set.
func New(cfg Config, set *rules.Set) *Recognizer {
	cfg = cfg.withDefaults()
	return &Recognizer{
		cfg:        cfg,
		set:        set,
		log:        cfg.Logger,
		clock:      cfg.Clock,
		newID:      cfg.NewID,
		dirty:      make(map[string]bool),
		edges:      make(map[pairKey]edge),
		formations: make(map[string]*Formation),
		memberOf:   make(map[string]string),
		seen:       make(map[string]bool),
	}
}

// MarkDirty records that a target changed enough to affect clustering, or
// appeared, or was removed. Safe for concurrent use.
func (r *Recognizer) MarkDirty(id string) {
	r.dirtyMu.Lock()
	r.dirty[id] = true
	r.dirtyMu.Unlock()
}

// DirtyCount reports how many targets await the next pass.
func (r *Recognizer) DirtyCount() int {
	r.dirtyMu.Lock()
	defer r.dirtyMu.Unlock()
	return len(r.dirty)
}

func (r *Recognizer) snapshot() []Formation {
	out := make([]Formation, 0, len(r.formations))
	for _, f := range r.formations {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Recognize runs one pass. The dirty set is snapshotted before the live
// states are listed, so a write racing the pass stays dirty and is folded
// in next time. The resulting formation set always equals what a full
// recompute over the same states would produce.
func (r *Recognizer) Recognize(src StateSource) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dirtyMu.Lock()
	dirty := r.dirty
	r.dirty = make(map[string]bool)
	r.dirtyMu.Unlock()

	states := src.ListActive()
	live := make(map[string]*target.State, len(states))
	ids := make([]string, 0, len(states))
	for i := range states {
		live[states[i].ID] = &states[i]
		ids = append(ids, states[i].ID)
	}
	sort.Strings(ids)

	// Appeared and vanished targets are dirty even if no writer said so.
	for id := range live {
		if !r.seen[id] {
			dirty[id] = true
		}
	}
	for id := range r.seen {
		if live[id] == nil {
			dirty[id] = true
		}
	}

	var res Result
	if len(dirty) == 0 {
		res.Formations = r.snapshot()
		return res
	}

	full := len(live) == 0 ||
		float64(len(dirty))/float64(len(live)) > r.cfg.FullRecomputeRatio
	res.Full = full

	if full {
		r.edges = make(map[pairKey]edge)
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				r.evalPair(live[ids[i]], live[ids[j]], &res)
			}
		}
	} else {
		for k := range r.edges {
			if live[k.a] == nil || live[k.b] == nil {
				delete(r.edges, k)
			}
		}
		dirtyLive := make([]string, 0, len(dirty))
		for id := range dirty {
			if live[id] != nil {
				dirtyLive = append(dirtyLive, id)
			}
		}
		sort.Strings(dirtyLive)
		for _, d := range dirtyLive {
			for _, o := range ids {
				if o == d || (dirty[o] && o < d) {
					continue
				}
				r.evalPair(live[d], live[o], &res)
			}
		}
	}

	r.fold(dirty, live, full, &res)

	r.seen = make(map[string]bool, len(live))
	for id := range live {
		r.seen[id] = true
	}

	r.log.Debug("recognition pass",
		"live", len(live), "dirty", len(dirty), "full", full,
		"evaluated", res.Evaluated, "formations", len(res.Formations),
		"detected", len(res.Detected), "closed", len(res.Closed))
	return res
}

func (r *Recognizer) evalPair(a, b *target.State, res *Result) {
	res.Evaluated++
	k := keyOf(a.ID, b.ID)
	pr := r.set.EvaluatePair(a, b)
	if pr.Passed {
		r.edges[k] = edge{affinity: pr.Affinity, scores: pr.Scores}
	} else {
		delete(r.edges, k)
	}
}

// fold recomputes components around the dirty targets and reconciles them
// with the prior formation set. Formations with no dirty member and no
// contact with a recomputed component carry over untouched.
func (r *Recognizer) fold(dirty map[string]bool, live map[string]*target.State, full bool, res *Result) {
	affected := make(map[string]bool)
	touched := make(map[string]bool)
	if full {
		for id := range live {
			affected[id] = true
		}
		for fid := range r.formations {
			touched[fid] = true
		}
	} else {
		for id := range dirty {
			if live[id] != nil {
				affected[id] = true
			}
			if fid, ok := r.memberOf[id]; ok {
				touched[fid] = true
			}
		}
		// A formation with a dirty member is rebuilt whole; its other
		// members join the recompute frontier.
		for fid := range touched {
			for _, m := range r.formations[fid].Members {
				if live[m] != nil {
					affected[m] = true
				}
			}
		}
	}

	adj := make(map[string][]string, len(live))
	for k := range r.edges {
		adj[k.a] = append(adj[k.a], k.b)
		adj[k.b] = append(adj[k.b], k.a)
	}

	frontier := make([]string, 0, len(affected))
	for id := range affected {
		frontier = append(frontier, id)
	}
	sort.Strings(frontier)

	visited := make(map[string]bool, len(affected))
	var comps [][]string
	for _, id := range frontier {
		if visited[id] {
			continue
		}
		visited[id] = true
		comp := []string{}
		queue := []string{id}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			comp = append(comp, cur)
			for _, nb := range adj[cur] {
				if !visited[nb] {
					visited[nb] = true
					queue = append(queue, nb)
				}
			}
		}
		sort.Strings(comp)
		comps = append(comps, comp)
	}

	// The recompute can reach members of formations nobody marked dirty,
	// for example when a mover bridges into a stable pair. Those
	// formations are rebuilt too.
	compOf := make(map[string]int, len(live))
	for i, comp := range comps {
		for _, id := range comp {
			compOf[id] = i
			if fid, ok := r.memberOf[id]; ok {
				touched[fid] = true
			}
		}
	}

	// Match touched prior formations to new components by retained
	// member count. A component inherits at most one id; a prior keeps
	// its id only where it retains at least the continuity share.
	type claim struct {
		fid     string
		overlap int
	}
	touchedIDs := make([]string, 0, len(touched))
	for fid := range touched {
		touchedIDs = append(touchedIDs, fid)
	}
	sort.Strings(touchedIDs)

	priors := make(map[string]*Formation, len(touched))
	claims := make(map[int]claim)
	for _, fid := range touchedIDs {
		p := r.formations[fid]
		priors[fid] = p

		counts := make(map[int]int)
		best, bestOverlap := -1, 0
		for _, m := range p.Members {
			ci, ok := compOf[m]
			if !ok {
				continue
			}
			counts[ci]++
			if counts[ci] > bestOverlap {
				best, bestOverlap = ci, counts[ci]
			}
		}
		// On an even split the component holding the lowest original
		// member id wins. Members are sorted, so the first member in a
		// tied component decides.
		if bestOverlap > 0 {
			for _, m := range p.Members {
				if ci, ok := compOf[m]; ok && counts[ci] == bestOverlap {
					best = ci
					break
				}
			}
		}
		if best < 0 ||
			len(comps[best]) < r.cfg.MinMembers ||
			float64(bestOverlap) < r.cfg.ContinuityRatio*float64(len(p.Members)) {
			continue
		}
		cur, ok := claims[best]
		if !ok || bestOverlap > cur.overlap || (bestOverlap == cur.overlap && fid < cur.fid) {
			claims[best] = claim{fid: fid, overlap: bestOverlap}
		}
	}

	for fid := range touched {
		p := r.formations[fid]
		for _, m := range p.Members {
			if r.memberOf[m] == fid {
				delete(r.memberOf, m)
			}
		}
		delete(r.formations, fid)
	}

	now := r.clock()
	kept := make(map[string]bool, len(claims))
	for i, comp := range comps {
		if len(comp) < r.cfg.MinMembers {
			continue
		}
		var f Formation
		if c, ok := claims[i]; ok {
			f = r.buildFormation(c.fid, priors[c.fid].FormedAt, now, comp, live)
			kept[c.fid] = true
			res.Updated = append(res.Updated, f)
		} else {
			f = r.buildFormation(r.newID(now), now, now, comp, live)
			res.Detected = append(res.Detected, f)
		}
		r.formations[f.ID] = &f
		for _, m := range comp {
			r.memberOf[m] = f.ID
		}
	}

	for _, fid := range touchedIDs {
		if !kept[fid] {
			res.Closed = append(res.Closed, fid)
		}
	}
	res.Formations = r.snapshot()
}
