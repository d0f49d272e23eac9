// Package events fans change notifications out to push consumers. Every
// subscriber gets an independent bounded queue with drop-oldest shedding,
// so a slow WebSocket or a parted NATS broker never backpressures the
// write or recognition path.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"formation_tracker/internal/state"
)

// Config tunes the notifier.
type Config struct {
	// QueueSize bounds each subscriber's event queue.
	QueueSize int
	Logger    *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 256}
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultConfig().QueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Notifier distributes events to subscribers.
type Notifier struct {
	cfg Config
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	// lastVersion gates target events so the per-target stream stays in
	// version order even when callbacks race.
	gateMu      sync.Mutex
	lastVersion map[string]int64
}

func NewNotifier(cfg Config) *Notifier {
	cfg = cfg.withDefaults()
	return &Notifier{
		cfg:         cfg,
		log:         cfg.Logger,
		subs:        make(map[uint64]*Subscription),
		lastVersion: make(map[string]int64),
	}
}

// Subscription is one consumer's queue. Events arrive on Events() in
// publish order; under pressure the oldest queued events are shed first.
type Subscription struct {
	id      uint64
	n       *Notifier
	ch      chan Event
	targets map[string]bool
	dropped atomic.Uint64
}

// Subscribe registers a consumer. A non-empty targets list narrows the
// target update stream to those ids; formation events always flow.
func (n *Notifier) Subscribe(targets []string) *Subscription {
	sub := &Subscription{n: n, ch: make(chan Event, n.cfg.QueueSize)}
	if len(targets) > 0 {
		sub.targets = make(map[string]bool, len(targets))
		for _, id := range targets {
			sub.targets[id] = true
		}
	}
	n.mu.Lock()
	n.nextID++
	sub.id = n.nextID
	n.subs[sub.id] = sub
	n.mu.Unlock()
	return sub
}

// Events is the consumer's receive side. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events were shed from this queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes the event channel. Safe to call twice.
func (s *Subscription) Close() {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if _, ok := s.n.subs[s.id]; !ok {
		return
	}
	delete(s.n.subs, s.id)
	close(s.ch)
}

func (s *Subscription) wants(ev Event) bool {
	if s.targets == nil || ev.Type != TypeTargetUpdate {
		return true
	}
	return s.targets[ev.TargetID]
}

// push never blocks. A full queue sheds its oldest entry to make room;
// if a concurrent reader empties the slot race, the new event is the one
// counted as shed.
func (s *Subscription) push(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Publish fans ev out to every matching subscriber without blocking.
func (n *Notifier) Publish(ev Event) {
	if ev.Type == TypeTargetUpdate && !n.admit(ev) {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sub := range n.subs {
		if sub.wants(ev) {
			sub.push(ev)
		}
	}
}

// admit enforces per-target version order. Updates are published under
// the target's write lock and cannot arrive late; removals are published
// outside it, so a removal racing a recreate can show up after the
// recreated target's first update and must be dropped. Admitting a
// removal clears the gate entry, which stays correct because a recreate
// always continues the version lineage past the tombstone.
func (n *Notifier) admit(ev Event) bool {
	n.gateMu.Lock()
	defer n.gateMu.Unlock()
	if last, ok := n.lastVersion[ev.TargetID]; ok && ev.Version <= last {
		return false
	}
	if ev.Delta != nil && ev.Delta.Type == state.ChangeDelete {
		delete(n.lastVersion, ev.TargetID)
	} else {
		n.lastVersion[ev.TargetID] = ev.Version
	}
	return true
}

// SubscriberCount reports the number of attached consumers.
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}
