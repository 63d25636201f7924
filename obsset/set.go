// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package obsset provides observable collections that publish incremental
// add/remove events instead of whole-collection replacements. Consumers on
// other goroutines mirror a collection by replaying its ordered event stream
// on their own executor, which keeps running totals and UI animations
// consistent without sharing memory under a lock.
package obsset

import "sync"

// EventKind tags a set change event.
type EventKind uint8

const (
	// Added means the item was inserted into the set.
	Added EventKind = iota

	// Removed means the item was deleted from the set.
	Removed
)

// Event is one discrete change to a Set.
type Event[V any] struct {
	Kind EventKind
	Item V
}

// Executor runs closures on a consumer-owned goroutine. Both the backend
// actor and test executors satisfy it.
type Executor interface {
	// Execute schedules fn to run on the executor's goroutine. It must
	// preserve submission order.
	Execute(fn func())
}

// subEventBuffer bounds how many undelivered events a subscriber may queue
// before publishing blocks. Mirrors drain promptly, so in practice this only
// smooths bursts from large syncs.
const subEventBuffer = 256

// Set is a collection keyed by a caller-supplied identity function. Items
// must only be mutated from the owner's goroutine. Subscriptions are guarded
// separately so mirrors on other goroutines can detach at any time.
type Set[K comparable, V any] struct {
	keyOf func(V) K
	items map[K]V

	subMtx sync.Mutex
	subs   []chan Event[V]
}

// NewSet returns an empty observable set keyed by keyOf.
func NewSet[K comparable, V any](keyOf func(V) K) *Set[K, V] {
	return &Set[K, V]{
		keyOf: keyOf,
		items: make(map[K]V),
	}
}

// Add inserts v and publishes an Added event. Inserting an item whose key is
// already present is a no-op and publishes nothing.
func (s *Set[K, V]) Add(v V) bool {
	k := s.keyOf(v)
	if _, ok := s.items[k]; ok {
		return false
	}
	s.items[k] = v
	s.publish(Event[V]{Kind: Added, Item: v})

	return true
}

// Remove deletes the item with v's key and publishes a Removed event
// carrying the stored item. Removing an absent item is a no-op.
func (s *Set[K, V]) Remove(v V) bool {
	return s.RemoveKey(s.keyOf(v))
}

// RemoveKey deletes the item stored under k, if any.
func (s *Set[K, V]) RemoveKey(k K) bool {
	stored, ok := s.items[k]
	if !ok {
		return false
	}
	delete(s.items, k)
	s.publish(Event[V]{Kind: Removed, Item: stored})

	return true
}

// Contains reports whether an item with v's key is present.
func (s *Set[K, V]) Contains(v V) bool {
	return s.ContainsKey(s.keyOf(v))
}

// ContainsKey reports whether an item is stored under k.
func (s *Set[K, V]) ContainsKey(k K) bool {
	_, ok := s.items[k]

	return ok
}

// Get returns the item stored under k.
func (s *Set[K, V]) Get(k K) (V, bool) {
	v, ok := s.items[k]

	return v, ok
}

// Len returns the number of items.
func (s *Set[K, V]) Len() int {
	return len(s.items)
}

// Items returns a snapshot slice of the current items in unspecified order.
func (s *Set[K, V]) Items() []V {
	items := make([]V, 0, len(s.items))
	for _, v := range s.items {
		items = append(items, v)
	}

	return items
}

// Subscribe returns an ordered stream of future change events and a cancel
// function closing the stream. Events are delivered exactly once and in the
// order the mutations were applied, never coalesced.
func (s *Set[K, V]) Subscribe() (<-chan Event[V], func()) {
	ch := make(chan Event[V], subEventBuffer)

	s.subMtx.Lock()
	s.subs = append(s.subs, ch)
	s.subMtx.Unlock()

	cancel := func() {
		s.subMtx.Lock()
		defer s.subMtx.Unlock()

		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(
					s.subs[:i], s.subs[i+1:]...,
				)
				close(ch)
				return
			}
		}
	}

	return ch, cancel
}

func (s *Set[K, V]) publish(ev Event[V]) {
	s.subMtx.Lock()
	defer s.subMtx.Unlock()

	for _, sub := range s.subs {
		sub <- ev
	}
}

// Mirror returns a live copy of the set maintained on the given executor.
// The mirror first receives the current contents as synthetic Added events,
// then every subsequent change in order. Must be called from the owner's
// goroutine so the seed snapshot and the subscription line up.
func (s *Set[K, V]) Mirror(exec Executor) *Mirror[K, V] {
	m := &Mirror[K, V]{
		keyOf: s.keyOf,
		items: make(map[K]V),
	}

	events, cancel := s.Subscribe()
	m.cancel = cancel

	// Seed the mirror with the current contents before any event from
	// the subscription is applied. Subscribe was set up first, so no
	// change can fall between the snapshot and the stream.
	snapshot := s.Items()
	exec.Execute(func() {
		for _, v := range snapshot {
			m.items[m.keyOf(v)] = v
			m.notify(Event[V]{Kind: Added, Item: v})
		}
	})

	go func() {
		for ev := range events {
			ev := ev
			exec.Execute(func() {
				m.apply(ev)
			})
		}
	}()

	return m
}

// Mirror is a consumer-side live copy of a Set. All reads and the change
// callback run on the consumer's executor.
type Mirror[K comparable, V any] struct {
	keyOf    func(V) K
	items    map[K]V
	onChange func(Event[V])
	cancel   func()
}

// OnChange registers a callback invoked on the consumer executor for every
// applied event, including the seeding events. Must be set from the
// consumer executor.
func (m *Mirror[K, V]) OnChange(fn func(Event[V])) {
	m.onChange = fn
}

// Len returns the mirrored item count. Consumer executor only.
func (m *Mirror[K, V]) Len() int {
	return len(m.items)
}

// Items returns a snapshot of the mirrored items. Consumer executor only.
func (m *Mirror[K, V]) Items() []V {
	items := make([]V, 0, len(m.items))
	for _, v := range m.items {
		items = append(items, v)
	}

	return items
}

// Stop detaches the mirror from its source set. Events already queued are
// still applied.
func (m *Mirror[K, V]) Stop() {
	m.cancel()
}

func (m *Mirror[K, V]) apply(ev Event[V]) {
	switch ev.Kind {
	case Added:
		m.items[m.keyOf(ev.Item)] = ev.Item
	case Removed:
		delete(m.items, m.keyOf(ev.Item))
	}
	m.notify(ev)
}

func (m *Mirror[K, V]) notify(ev Event[V]) {
	if m.onChange != nil {
		m.onChange(ev)
	}
}
