// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package obsset

import "sync"

// MapEventKind tags a map change event.
type MapEventKind uint8

const (
	// Put means the key was inserted or its value replaced.
	Put MapEventKind = iota

	// Deleted means the key was removed.
	Deleted
)

// MapEvent is one discrete change to a Map.
type MapEvent[K comparable, V any] struct {
	Kind  MapEventKind
	Key   K
	Value V
}

// Map is an observable key/value map with the same ownership rules as Set:
// mutations happen on the owner's goroutine only, subscriptions may detach
// from anywhere.
type Map[K comparable, V any] struct {
	items map[K]V

	subMtx sync.Mutex
	subs   []chan MapEvent[K, V]
}

// NewMap returns an empty observable map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		items: make(map[K]V),
	}
}

// Put stores v under k and publishes a Put event, also when replacing an
// existing value.
func (m *Map[K, V]) Put(k K, v V) {
	m.items[k] = v
	m.publish(MapEvent[K, V]{Kind: Put, Key: k, Value: v})
}

// Delete removes k and publishes a Deleted event carrying the old value.
// Deleting an absent key is a no-op.
func (m *Map[K, V]) Delete(k K) bool {
	old, ok := m.items[k]
	if !ok {
		return false
	}
	delete(m.items, k)
	m.publish(MapEvent[K, V]{Kind: Deleted, Key: k, Value: old})

	return true
}

// Get returns the value stored under k.
func (m *Map[K, V]) Get(k K) (V, bool) {
	v, ok := m.items[k]

	return v, ok
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	return len(m.items)
}

// ForEach calls fn for every entry. Owner goroutine only; fn must not
// mutate the map.
func (m *Map[K, V]) ForEach(fn func(K, V)) {
	for k, v := range m.items {
		fn(k, v)
	}
}

// Subscribe returns an ordered stream of future change events and a cancel
// function closing the stream.
func (m *Map[K, V]) Subscribe() (<-chan MapEvent[K, V], func()) {
	ch := make(chan MapEvent[K, V], subEventBuffer)

	m.subMtx.Lock()
	m.subs = append(m.subs, ch)
	m.subMtx.Unlock()

	cancel := func() {
		m.subMtx.Lock()
		defer m.subMtx.Unlock()

		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(
					m.subs[:i], m.subs[i+1:]...,
				)
				close(ch)
				return
			}
		}
	}

	return ch, cancel
}

func (m *Map[K, V]) publish(ev MapEvent[K, V]) {
	m.subMtx.Lock()
	defer m.subMtx.Unlock()

	for _, sub := range m.subs {
		sub <- ev
	}
}
