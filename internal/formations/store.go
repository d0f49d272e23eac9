// Package formations keeps a rolling window of formation lifecycle events
// in an embedded store with time-ordered keys, serving the latest-K,
// time-range, calendar-day, and trailing-statistics queries.
package formations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"formation_tracker/internal/recognizer"
)

// Lifecycle event kinds.
const (
	KindCreated = "created"
	KindUpdated = "updated"
	KindClosed  = "closed"
)

// Event is one formation lifecycle record.
type Event struct {
	Kind        string                `json:"event"`
	FormationID string                `json:"formation_id"`
	At          time.Time             `json:"at"`
	Formation   *recognizer.Formation `json:"formation,omitempty"`
}

// Created builds a lifecycle event for a newly detected formation.
func Created(f recognizer.Formation, at time.Time) Event {
	return Event{Kind: KindCreated, FormationID: f.ID, At: at, Formation: &f}
}

// Updated builds a lifecycle event for a formation that changed.
func Updated(f recognizer.Formation, at time.Time) Event {
	return Event{Kind: KindUpdated, FormationID: f.ID, At: at, Formation: &f}
}

// Closed builds a lifecycle event for a dissolved formation.
func Closed(id string, at time.Time) Event {
	return Event{Kind: KindClosed, FormationID: id, At: at}
}

// Stats aggregates the trailing window.
type Stats struct {
	TotalCount       int            `json:"total_count"`
	DailyCounts      map[string]int `json:"daily_counts"`
	TypeDistribution map[string]int `json:"type_distribution"`
	AvgScore         float64        `json:"avg_score"`
}

// Mirror receives lifecycle events asynchronously for long-term retention.
type Mirror interface {
	AppendEvents(ctx context.Context, events []Event) error
}

// Config tunes the rolling store.
type Config struct {
	// Path is the store directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// Retention bounds how far back reads and the purge sweep go.
	Retention     time.Duration
	SweepInterval time.Duration
	// MirrorBatch and MirrorLimit pace the async mirror queue.
	MirrorBatch   int
	MirrorLimit   int
	MirrorTimeout time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Retention:     7 * 24 * time.Hour,
		SweepInterval: time.Hour,
		MirrorBatch:   512,
		MirrorLimit:   100000,
		MirrorTimeout: 3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.MirrorBatch <= 0 {
		c.MirrorBatch = d.MirrorBatch
	}
	if c.MirrorLimit <= 0 {
		c.MirrorLimit = d.MirrorLimit
	}
	if c.MirrorTimeout <= 0 {
		c.MirrorTimeout = d.MirrorTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct{ log *slog.Logger }

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}
func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}
func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

// Store is the rolling formation-event store. Keys order globally by event
// time: ev:<YYYYMMDD>:<millis>:<seq>, so day buckets are key prefixes and
// range scans are chronological.
type Store struct {
	db     *badger.DB
	cfg    Config
	log    *slog.Logger
	clock  func() time.Time
	mirror Mirror
	seq    atomic.Uint64

	pendMu  sync.Mutex
	pending []Event
}

// Open opens the store. mirror may be nil to disable long-term mirroring.
func Open(cfg Config, mirror Mirror) (*Store, error) {
	cfg = cfg.withDefaults()

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("formation store: path required unless in-memory")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(badgerLogger{log: cfg.Logger.With("component", "formation_store")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("formation store: open: %w", err)
	}
	return &Store{
		db:     db,
		cfg:    cfg,
		log:    cfg.Logger,
		clock:  cfg.Clock,
		mirror: mirror,
	}, nil
}

// Close releases the underlying store.
func (s *Store) Close() error {
	return s.db.Close()
}

const keyPrefix = "ev:"

func (s *Store) eventKey(at time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s:%013d:%06d",
		keyPrefix, at.UTC().Format("20060102"), at.UnixMilli(), s.seq.Add(1)%1000000))
}

// keyMillis extracts the event-time millis from a store key.
func keyMillis(key []byte) (int64, bool) {
	parts := bytes.SplitN(key, []byte(":"), 4)
	if len(parts) != 4 {
		return 0, false
	}
	ms, err := strconv.ParseInt(string(parts[2]), 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// Append writes lifecycle events and queues them for the mirror. Events
// without a timestamp are stamped now.
func (s *Store) Append(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	now := s.clock()
	for i := range events {
		if events[i].At.IsZero() {
			events[i].At = now
		}
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for i := range events {
			val, err := json.Marshal(&events[i])
			if err != nil {
				return fmt.Errorf("encode event %s: %w", events[i].FormationID, err)
			}
			e := badger.NewEntry(s.eventKey(events[i].At), val).WithTTL(s.cfg.Retention)
			if err := txn.SetEntry(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("formation store: append: %w", err)
	}

	if s.mirror != nil {
		s.enqueueMirror(events)
	}
	return nil
}

func (s *Store) enqueueMirror(events []Event) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	s.pending = append(s.pending, events...)
	if over := len(s.pending) - s.cfg.MirrorLimit; over > 0 {
		s.pending = s.pending[over:]
		s.log.Warn("mirror queue overflow, dropping oldest events", "dropped", over)
	}
}

// Flush drains the mirror queue. A failed batch is requeued for the next
// attempt.
func (s *Store) Flush(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	for {
		s.pendMu.Lock()
		if len(s.pending) == 0 {
			s.pendMu.Unlock()
			return nil
		}
		n := len(s.pending)
		if n > s.cfg.MirrorBatch {
			n = s.cfg.MirrorBatch
		}
		batch := s.pending[:n:n]
		s.pending = s.pending[n:]
		s.pendMu.Unlock()

		mctx, cancel := context.WithTimeout(ctx, s.cfg.MirrorTimeout)
		err := s.mirror.AppendEvents(mctx, batch)
		cancel()
		if err != nil {
			s.pendMu.Lock()
			s.pending = append(batch, s.pending...)
			s.pendMu.Unlock()
			return fmt.Errorf("formation store: mirror %d events: %w", len(batch), err)
		}
	}
}

// cutoff is the oldest event time reads will return.
func (s *Store) cutoff() time.Time {
	return s.clock().Add(-s.cfg.Retention)
}

// Latest returns up to k most recent events, newest first.
func (s *Store) Latest(ctx context.Context, k int) ([]Event, error) {
	if k <= 0 {
		k = 10
	}
	cut := s.cutoff()
	var out []Event
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(keyPrefix), 0xff)
		for it.Seek(seek); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			if ms, ok := keyMillis(it.Item().Key()); ok && ms < cut.UnixMilli() {
				break // chronological keys, everything further back is older
			}
			var ev Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return err
			}
			out = append(out, ev)
			if len(out) >= k {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("formation store: latest: %w", err)
	}
	return out, nil
}

// Range returns events with from <= time <= to in chronological order,
// capped at limit (default 100).
func (s *Store) Range(ctx context.Context, from, to time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if cut := s.cutoff(); from.Before(cut) {
		from = cut
	}
	var out []Event
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := []byte(fmt.Sprintf("%s%s:%013d:", keyPrefix, from.UTC().Format("20060102"), from.UnixMilli()))
		for it.Seek(seek); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			ms, ok := keyMillis(it.Item().Key())
			if !ok {
				continue
			}
			if ms > to.UnixMilli() {
				break
			}
			if ms < from.UnixMilli() {
				continue
			}
			var ev Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return err
			}
			out = append(out, ev)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("formation store: range: %w", err)
	}
	return out, nil
}

// Day returns one calendar day's events, newest first, capped at limit
// (default 1000).
func (s *Store) Day(ctx context.Context, day time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	cut := s.cutoff().UnixMilli()
	prefix := []byte(keyPrefix + day.UTC().Format("20060102") + ":")
	var out []Event
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if ms, ok := keyMillis(it.Item().Key()); ok && ms < cut {
				break
			}
			var ev Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return err
			}
			out = append(out, ev)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("formation store: day: %w", err)
	}
	return out, nil
}

// TrailingStats aggregates the last days calendar days (default the full
// retention window).
func (s *Store) TrailingStats(ctx context.Context, days int) (Stats, error) {
	if days <= 0 {
		days = int(s.cfg.Retention / (24 * time.Hour))
	}
	stats := Stats{
		DailyCounts:      make(map[string]int, days),
		TypeDistribution: make(map[string]int),
	}
	cut := s.cutoff().UnixMilli()
	now := s.clock()

	var scoreSum float64
	var scoreN int
	err := s.db.View(func(txn *badger.Txn) error {
		for i := 0; i < days; i++ {
			dayStr := now.AddDate(0, 0, -i).UTC().Format("20060102")
			prefix := []byte(keyPrefix + dayStr + ":")

			opts := badger.DefaultIteratorOptions
			it := txn.NewIterator(opts)
			count := 0
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if ms, ok := keyMillis(it.Item().Key()); ok && ms < cut {
					continue
				}
				var ev Event
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &ev)
				}); err != nil {
					it.Close()
					return err
				}
				count++
				if ev.Formation != nil {
					stats.TypeDistribution[ev.Formation.Type]++
					scoreSum += ev.Formation.Score
					scoreN++
				}
			}
			it.Close()
			if count > 0 {
				stats.DailyCounts[dayStr] = count
			}
			stats.TotalCount += count
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("formation store: stats: %w", err)
	}
	if scoreN > 0 {
		stats.AvgScore = scoreSum / float64(scoreN)
	}
	return stats, nil
}

// Purge drops events past retention. The write path already sets per-entry
// TTLs; this sweep makes eviction visible without waiting on compaction.
func (s *Store) Purge(ctx context.Context) (int, error) {
	cut := s.cutoff().UnixMilli()
	total := 0
	for {
		deleted := 0
		done := false
		err := s.db.Update(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek([]byte(keyPrefix)); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
				ms, ok := keyMillis(it.Item().Key())
				if !ok || ms >= cut {
					done = true
					return nil
				}
				if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
					return err
				}
				deleted++
				if deleted >= 1000 {
					return nil // bound the transaction, loop again
				}
			}
			done = true
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("formation store: purge: %w", err)
		}
		total += deleted
		if done || deleted == 0 {
			break
		}
	}
	if total > 0 {
		s.log.Info("purged expired formation events", "count", total)
	}
	return total, nil
}

// Run drives the purge sweep and mirror flush until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	flush := time.NewTicker(s.cfg.MirrorTimeout)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), s.cfg.MirrorTimeout)
			if err := s.Flush(fctx); err != nil {
				s.log.Warn("final mirror flush failed", "error", err)
			}
			cancel()
			return ctx.Err()
		case <-sweep.C:
			if _, err := s.Purge(ctx); err != nil {
				s.log.Warn("formation purge failed", "error", err)
			}
		case <-flush.C:
			if err := s.Flush(ctx); err != nil {
				s.log.Warn("mirror flush failed", "error", err)
			}
		}
	}
}
