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

// Package composer defines the black-box Composer contract of spec.md
// §6.2: the user-facing tree-building logic that walks a slot table and
// produces a changelist.ChangeList, reporting reads/writes/invalidation
// back into its owning Composition without depending on Composition's
// concrete type.
package composer

import (
	"github.com/archlayer/recompose/changelist"
	"github.com/archlayer/recompose/slottable"
)

// RecomposeScope is the memoization-local restartability unit of
// spec.md §3.6: a composer may restart exactly this subtree in
// response to a state invalidation rather than recomposing from the
// root.
type RecomposeScope struct {
	Anchor        *slottable.Anchor
	Used          bool
	Valid         bool
	Restartable   bool // false for scopes whose content cannot be re-entered in isolation
	RedirectTo    *RecomposeScope
	DerivedStates []any // values read during this scope's last composition that are DerivedState
}

// Invalidate marks the scope dirty; Composition.invalidate resolves
// whether that means an imminent re-run, a deferred one, or scheduling
// work on the recomposer (spec.md §4.6 "invalidate(scope, instance)").
func (s *RecomposeScope) Invalidate() {
	if s.RedirectTo != nil {
		s.RedirectTo.Invalidate()
		return
	}
	s.Valid = false
}

// Callback is the subset of Composition a Composer is allowed to call
// back into, kept as an interface so composer does not import
// composition (which in turn imports composer) — spec.md §9's cyclic
// reference note applies here too: the composer owns no reference back
// into Composition's private state, only this narrow seam.
type Callback interface {
	RecordReadOf(v any)
	RecordWriteOf(v any)
	CurrentRecomposeScope() *RecomposeScope
	ReportPausedScope(scope *RecomposeScope)

	// ReportMovableContentDeleted hands off a group the composer no
	// longer wants to own under key, in case some other composition
	// claims it this frame with a matching RequestMovableContentInsert
	// (spec.md §4.7 "Movable content rendezvous").
	ReportMovableContentDeleted(key any, table *slottable.SlotTable, groupIndex int)

	// RequestMovableContentInsert asks whether key's content has already
	// been resolved by a rendezvous from an earlier pass this frame. A
	// false found means the composer should build fresh content and try
	// again on its next invalidation; the request is remembered so the
	// owning Composition re-invalidates itself once a matching delete
	// pairs up.
	RequestMovableContentInsert(key any) (source *slottable.SlotTable, groupIndex int, found bool)
}

// Composer consumes a SlotTable via reader/writer passes and produces a
// ChangeList (spec.md §6.2). Recompose is given the set of scopes
// (identified by Anchor) known to be invalid; it returns true if any
// change was recorded.
type Composer interface {
	// Recompose runs one composition pass over invalid, writing any
	// resulting edits into cl and recording observations through cb.
	Recompose(table *slottable.SlotTable, invalid []*RecomposeScope, cl *changelist.ChangeList, cb Callback) (changed bool, err error)
}

// StubComposer is a minimal reference Composer used by tests and
// cmd/recompose-demo: its content is a user-supplied function that
// receives a slottable.Writer already positioned at the root and a
// changelist.ChangeList to record into. It always recomposes its whole
// content rather than implementing scope-local restart, which is a
// deliberate simplification recorded in DESIGN.md.
type StubComposer struct {
	Content func(w *slottable.Writer, cl *changelist.ChangeList, cb Callback) error
}

func (s *StubComposer) Recompose(table *slottable.SlotTable, invalid []*RecomposeScope, cl *changelist.ChangeList, cb Callback) (bool, error) {
	if s.Content == nil {
		return false, nil
	}
	w, err := table.OpenWriter()
	if err != nil {
		return false, err
	}
	defer w.Close()
	w.BeginInsert()
	defer w.EndInsert()

	before := cl.Len()
	if err := s.Content(w, cl, cb); err != nil {
		return false, err
	}
	return cl.Len() > before, nil
}
