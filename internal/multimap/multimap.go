// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package multimap implements a generic key -> set-of-values map, the
// shape used throughout composition's observation bookkeeping
// (value -> scopes, scope -> derived states, ...).
package multimap

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Multi is a key -> []V map that keeps insertion order per key and
// de-duplicates values by equality.
type Multi[K comparable, V comparable] struct {
	m map[K][]V
}

// New constructs an empty Multi.
func New[K comparable, V comparable]() *Multi[K, V] {
	return &Multi[K, V]{m: make(map[K][]V)}
}

// Add appends v to the set for k unless it is already present.
func (m *Multi[K, V]) Add(k K, v V) {
	if m.m == nil {
		m.m = make(map[K][]V)
	}
	existing := m.m[k]
	if slices.Contains(existing, v) {
		return
	}
	m.m[k] = append(existing, v)
}

// Get returns the values recorded for k, or nil.
func (m *Multi[K, V]) Get(k K) []V {
	return m.m[k]
}

// Remove deletes v from the set for k, pruning the key entirely when
// the set becomes empty.
func (m *Multi[K, V]) Remove(k K, v V) {
	existing, ok := m.m[k]
	if !ok {
		return
	}
	idx := slices.Index(existing, v)
	if idx < 0 {
		return
	}
	existing = slices.Delete(existing, idx, idx+1)
	if len(existing) == 0 {
		delete(m.m, k)
		return
	}
	m.m[k] = existing
}

// RemoveKey deletes every value recorded for k.
func (m *Multi[K, V]) RemoveKey(k K) {
	delete(m.m, k)
}

// RemoveValue deletes v wherever it occurs, across every key.
func (m *Multi[K, V]) RemoveValue(v V) {
	for k, existing := range m.m {
		idx := slices.Index(existing, v)
		if idx < 0 {
			continue
		}
		existing = slices.Delete(existing, idx, idx+1)
		if len(existing) == 0 {
			delete(m.m, k)
		} else {
			m.m[k] = existing
		}
	}
}

// Keys returns the set of keys with at least one recorded value.
func (m *Multi[K, V]) Keys() []K {
	return maps.Keys(m.m)
}

// Len returns the number of distinct keys.
func (m *Multi[K, V]) Len() int {
	return len(m.m)
}

// Clear empties the map without reallocating the backing storage.
func (m *Multi[K, V]) Clear() {
	maps.Clear(m.m)
}
