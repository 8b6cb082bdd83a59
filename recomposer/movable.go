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

package recomposer

import (
	"github.com/archlayer/recompose/composition"
	"github.com/archlayer/recompose/slottable"
)

// MovableReference identifies one movable-content instance: Content is
// the movable-content identity (a user key), Parent the composition it
// currently lives under (spec.md §3.7, §4.7 "Movable content
// rendezvous").
type MovableReference struct {
	Content any
	Parent  *composition.Composition
}

// movableState is whatever was extracted from the removed composition
// at the moment its movable content was deleted, ready to be spliced
// into the composition that inserts the matching reference.
type movableState struct {
	ref         MovableReference
	groupIndex  int
	sourceTable *slottable.SlotTable
	nestedPend  []MovableReference
}

// movableRendezvous pairs deletedMovableContent/insertMovableContent
// calls by content identity across compositions in one frame (spec.md
// §4.7 "Movable content rendezvous").
type movableRendezvous struct {
	removed map[any][]movableState  // keyed by ref.Content
	awaiting []MovableReference
	nestedExtractionsPending map[any][]MovableReference
	releasedStates map[any]movableState
}

func newMovableRendezvous() *movableRendezvous {
	return &movableRendezvous{
		removed:                   make(map[any][]movableState),
		nestedExtractionsPending:  make(map[any][]MovableReference),
		releasedStates:            make(map[any]movableState),
	}
}

// DeletedMovableContent indexes a removal so a matching insert in
// another composition this frame can claim it.
func (m *movableRendezvous) DeletedMovableContent(ref MovableReference, st movableState) {
	m.removed[ref.Content] = append(m.removed[ref.Content], st)
}

// InsertMovableContent queues a pending install.
func (m *movableRendezvous) InsertMovableContent(ref MovableReference) {
	m.awaiting = append(m.awaiting, ref)
}

// pairedInsert is one resolved (ref, state) match ready to splice.
type pairedInsert struct {
	ref   MovableReference
	state movableState
	found bool
}

// PerformInsertValues pairs every awaiting insert with the most
// recently removed state of the same content identity (LIFO, per
// spec.md §4.7), and records a nested-extraction obligation for every
// insert that has no direct match.
func (m *movableRendezvous) PerformInsertValues() []pairedInsert {
	var out []pairedInsert
	for _, ref := range m.awaiting {
		states := m.removed[ref.Content]
		if len(states) > 0 {
			st := states[len(states)-1]
			m.removed[ref.Content] = states[:len(states)-1]
			out = append(out, pairedInsert{ref: ref, state: st, found: true})
			continue
		}
		out = append(out, pairedInsert{ref: ref, found: false})
		m.nestedExtractionsPending[ref.Content] = append(m.nestedExtractionsPending[ref.Content], ref)
	}
	m.awaiting = m.awaiting[:0]
	return out
}

// MovableContentStateReleased stores a container's extracted state and,
// if nested extractions are pending for content it contains, resolves
// them via extractNested.
func (m *movableRendezvous) MovableContentStateReleased(ref MovableReference, st movableState, extractNested func(st movableState, pending []MovableReference) []movableState) {
	m.releasedStates[ref.Content] = st
	pending := m.nestedExtractionsPending[ref.Content]
	if len(pending) == 0 {
		return
	}
	delete(m.nestedExtractionsPending, ref.Content)
	for i, extracted := range extractNested(st, pending) {
		if i < len(pending) {
			m.releasedStates[pending[i].Content] = extracted
		}
	}
}

// DiscardUnusedMovableContentState drops every removed state that was
// never claimed by a matching insert this frame (spec.md §4.7,
// "discardUnusedMovableContentState() is called each frame").
func (m *movableRendezvous) DiscardUnusedMovableContentState() {
	for k := range m.removed {
		delete(m.removed, k)
	}
}
