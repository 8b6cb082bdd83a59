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

// Package prioq implements PrioritySet, a de-duplicated min-priority
// queue used by the Recomposer to drain invalid compositions/scopes in
// a stable, caller-chosen order (e.g. shallowest-scope-first so a
// parent's recompose can subsume a child's before the child runs).
package prioq

import "github.com/archlayer/recompose/heap"

// Set is a priority queue over T that never holds two elements the
// caller's Equal considers the same; re-adding an existing element
// updates its priority in place instead of duplicating it.
type Set[T any] struct {
	items []T
	less  func(a, b T) bool
	equal func(a, b T) bool
}

// NewSet constructs a PrioritySet ordered by less, de-duplicated by equal.
func NewSet[T any](less func(a, b T) bool, equal func(a, b T) bool) *Set[T] {
	return &Set[T]{less: less, equal: equal}
}

// Add inserts item, or replaces the existing equal element and re-heapifies.
func (s *Set[T]) Add(item T) {
	for i, existing := range s.items {
		if s.equal(existing, item) {
			s.items[i] = item
			heap.FixSlice(s.items, i, s.less)
			return
		}
	}
	heap.PushSlice(&s.items, item, s.less)
}

// Contains reports whether an element equal to item is present.
func (s *Set[T]) Contains(item T) bool {
	for _, existing := range s.items {
		if s.equal(existing, item) {
			return true
		}
	}
	return false
}

// PopMin removes and returns the smallest element. ok is false iff empty.
func (s *Set[T]) PopMin() (item T, ok bool) {
	if len(s.items) == 0 {
		return item, false
	}
	return heap.PopSlice(&s.items, s.less), true
}

// Len returns the number of elements currently queued.
func (s *Set[T]) Len() int {
	return len(s.items)
}

// Drain removes every element, invoking f on each in heap-pop order.
func (s *Set[T]) Drain(f func(T)) {
	for {
		item, ok := s.PopMin()
		if !ok {
			return
		}
		f(item)
	}
}
