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

// Package composition implements the Composition façade of spec.md
// §4.6: the state machine that owns one slot table, one Composer, two
// change lists, the read/write observation maps, and the pending-
// modifications accumulator the Recomposer drains every frame.
package composition

import (
	"sync"

	"github.com/archlayer/recompose/applier"
	"github.com/archlayer/recompose/changelist"
	"github.com/archlayer/recompose/composer"
	"github.com/archlayer/recompose/internal/atomicext"
	"github.com/archlayer/recompose/internal/multimap"
	"github.com/archlayer/recompose/remember"
	"github.com/archlayer/recompose/retain"
	"github.com/archlayer/recompose/rterrors"
	"github.com/archlayer/recompose/slottable"
	"go.uber.org/zap"
)

// State is one node of the composition lifecycle state machine
// (spec.md §4.6 "Running -> Deactivated <-> Running -> Inconsistent -> Disposed").
type State int

const (
	StateRunning State = iota
	StateDeactivated
	StateInconsistent
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateDeactivated:
		return "Deactivated"
	case StateInconsistent:
		return "Inconsistent"
	case StateDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// InvalidateResult is the outcome reported back by Invalidate (spec.md
// §4.6 "invalidate(scope, instance)").
type InvalidateResult int

const (
	Ignored InvalidateResult = iota
	Imminent
	Deferred
	Scheduled
)

// pendingBatch is one accumulated invalidation batch; modificationSlot
// holds either nil, the sentinel pendingNoModifications, a single
// *pendingBatch, or a *pendingBatches (coalesced list) — mirroring
// spec.md §4.6's "null | sentinel | Set | Array<Set>" atomic-reference
// states. The slot is a plain any field read and written under c.mu,
// type-switched over these cases.
type pendingBatch struct {
	values map[any]struct{}
}

type pendingBatches struct {
	batches []*pendingBatch
}

var pendingNoModifications = &pendingBatch{}

// Scheduler is the narrow seam Composition uses to ask its owning
// Recomposer to schedule work, avoiding a direct import of the
// recomposer package (which itself depends on composition).
type Scheduler interface {
	ScheduleComposition(c *Composition)
}

// Composition is one independent tree under a Recomposer.
type Composition struct {
	mu sync.Mutex

	table    *slottable.SlotTable
	composer composer.Composer
	applier  applier.Applier
	log      *zap.Logger

	changes     changelist.ChangeList
	lateChanges changelist.ChangeList

	// observations maps an observed value to every scope that read it
	// during its last composition; derivedStates maps an upstream
	// dependency to every DerivedState that transitively reads it
	// (spec.md §3.5, §4.6 "recordReadOf").
	observations  *multimap.Multi[any, *composer.RecomposeScope]
	derivedStates *multimap.Multi[any, any]

	remember *remember.Dispatcher

	state State

	pending      any // *pendingBatch | *pendingBatches | nil
	currentScope *composer.RecomposeScope
	childActive  bool // true while a nested/child composition is composing (recordReadOf ignored)

	scheduler Scheduler
	parent    *Composition

	invalidScopes []*composer.RecomposeScope
	abandoned     []remember.Rememberable

	// paused is non-nil while a PausedComposition is in flight over this
	// composition's composer; pausedResuming is true only for the
	// duration of that PausedComposition's own Resume call, so the
	// ordinary Recompose below can tell "someone else is mid-resume"
	// apart from "a resume call is legitimately running right now"
	// (spec.md §4.6 step 1).
	paused         *PausedComposition
	pausedResuming bool

	// movable tracks this composition's pending movable-content traffic
	// for the owning Recomposer's rendezvous (spec.md §4.7): deletes
	// drained and paired against another composition's inserts, and
	// resolved content installed back once a pairing completes.
	movableDeletes  []movableExport
	movableRequests []any
	movableResolved map[any]movableResolution
}

// movableExport is one group a composer gave up ownership of via
// ReportMovableContentDeleted, awaiting a matching insert elsewhere.
type movableExport struct {
	Key        any
	Table      *slottable.SlotTable
	GroupIndex int
}

// movableResolution is content installed by ResolveMovableContent,
// offered back to the composer the next time it asks for key.
type movableResolution struct {
	source     *slottable.SlotTable
	groupIndex int
}

// New constructs a Composition over a fresh slot table. Retained values
// are forgotten immediately (retain.Forgetful) until SetRetainScope
// installs a real Scope.
func New(c composer.Composer, a applier.Applier, log *zap.Logger) *Composition {
	if log == nil {
		log = zap.NewNop()
	}
	return &Composition{
		table:         slottable.New(),
		composer:      c,
		applier:       a,
		log:           log,
		observations:  multimap.New[any, *composer.RecomposeScope](),
		derivedStates: multimap.New[any, any](),
		remember:      remember.New(log, retain.Forgetful{}),
		state:         StateRunning,
	}
}

// SetRetainScope installs scope to arbitrate which exiting
// remember.RetainHolder values get buffered for reuse instead of
// retired (spec.md §4.5).
func (c *Composition) SetRetainScope(scope retain.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remember.SetScope(scope)
}

// State returns the composition's current lifecycle state.
func (c *Composition) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetScheduler wires the owning Recomposer's scheduling seam.
func (c *Composition) SetScheduler(s Scheduler) { c.scheduler = s }

// --- pending modifications (spec.md §5 "lock-free atomic-reference slot") ---

// RecordModificationsOf appends a batch of modified values into the
// pending-modifications slot under c.mu, in a single pass. It is not
// lock-free: there is no compare-and-swap and no retry.
func (c *Composition) RecordModificationsOf(values []any) {
	if len(values) == 0 {
		return
	}
	batch := &pendingBatch{values: make(map[any]struct{}, len(values))}
	for _, v := range values {
		batch.values[v] = struct{}{}
	}
	for {
		c.mu.Lock()
		cur := c.pending
		var next any
		switch p := cur.(type) {
		case nil:
			next = batch
		case *pendingBatch:
			if p == pendingNoModifications {
				next = batch
			} else {
				next = &pendingBatches{batches: []*pendingBatch{p, batch}}
			}
		case *pendingBatches:
			next = &pendingBatches{batches: append(append([]*pendingBatch{}, p.batches...), batch)}
		}
		c.pending = next
		c.mu.Unlock()
		return
		// the composition mutex serializes this section, so the loop
		// body always returns on its first pass.
	}
}

// drainPending moves the accumulated pending modifications out under
// the lock, resetting the slot to nil, and flattens them into the
// observation-based invalidation set.
func (c *Composition) drainPending() []any {
	c.mu.Lock()
	p := c.pending
	c.pending = nil
	c.mu.Unlock()

	var out []any
	switch v := p.(type) {
	case nil:
		return nil
	case *pendingBatch:
		if v == pendingNoModifications {
			return nil
		}
		for k := range v.values {
			out = append(out, k)
		}
	case *pendingBatches:
		for _, b := range v.batches {
			for k := range b.values {
				out = append(out, k)
			}
		}
	}
	return out
}

func (c *Composition) invalidationsFor(values []any) []*composer.RecomposeScope {
	seen := make(map[*composer.RecomposeScope]struct{})
	var out []*composer.RecomposeScope
	add := func(v any) {
		for _, s := range c.observations.Get(v) {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
		for _, d := range c.derivedStates.Get(v) {
			for _, s := range c.observations.Get(d) {
				if _, ok := seen[s]; ok {
					continue
				}
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}
	for _, v := range values {
		atomicext.Pause() // yield the spin hint between independent lookups, as a hot loop would
		add(v)
	}
	return out
}

// --- observation recording (spec.md §4.6 "Observation recording") ---

// RecordReadOf implements composer.Callback.
func (c *Composition) RecordReadOf(v any) {
	if c.childActive {
		return
	}
	if c.currentScope == nil {
		return
	}
	c.currentScope.Used = true
	c.observations.Add(v, c.currentScope)
}

// RecordWriteOf implements composer.Callback. It invalidates scopes
// keyed by v directly and any derived state transitively depending on v.
func (c *Composition) RecordWriteOf(v any) {
	for _, s := range c.invalidationsFor([]any{v}) {
		c.Invalidate(s, nil)
	}
}

// CurrentRecomposeScope implements composer.Callback.
func (c *Composition) CurrentRecomposeScope() *composer.RecomposeScope { return c.currentScope }

// ReportPausedScope implements composer.Callback.
func (c *Composition) ReportPausedScope(scope *composer.RecomposeScope) {
	c.invalidScopes = append(c.invalidScopes, scope)
}

// ReportMovableContentDeleted implements composer.Callback, queuing the
// export for the owning Recomposer to offer to its movable-content
// rendezvous once this recompose pass finishes.
func (c *Composition) ReportMovableContentDeleted(key any, table *slottable.SlotTable, groupIndex int) {
	c.movableDeletes = append(c.movableDeletes, movableExport{Key: key, Table: table, GroupIndex: groupIndex})
}

// RequestMovableContentInsert implements composer.Callback. A resolved
// key is consumed on read, matching GetOrCompute's one-shot buffering in
// package retain.
func (c *Composition) RequestMovableContentInsert(key any) (*slottable.SlotTable, int, bool) {
	if r, ok := c.movableResolved[key]; ok {
		delete(c.movableResolved, key)
		return r.source, r.groupIndex, true
	}
	c.movableRequests = append(c.movableRequests, key)
	return nil, 0, false
}

// Invalidate resolves a scope invalidation per spec.md §4.6: imminent
// if the composer can consume it right now, deferred if recorded for
// this pass, or scheduled on the owning Recomposer.
func (c *Composition) Invalidate(scope *composer.RecomposeScope, instance any) InvalidateResult {
	if scope == nil {
		return Ignored
	}
	if scope.RedirectTo != nil {
		return c.Invalidate(scope.RedirectTo, instance)
	}
	if !scope.Used {
		return Ignored
	}
	scope.Valid = false
	if c.currentScope == scope {
		return Imminent
	}
	c.mu.Lock()
	c.invalidScopes = append(c.invalidScopes, scope)
	c.mu.Unlock()
	if c.scheduler != nil {
		c.scheduler.ScheduleComposition(c)
		return Scheduled
	}
	return Deferred
}

// --- recompose / apply (spec.md §4.6) ---

// Recompose runs one recomposition pass, returning true iff it recorded
// any change. It drains pending modifications into invalidations,
// invokes the composer, and re-drains on a no-op result so nothing is
// lost (spec.md §4.6 steps 1-4).
func (c *Composition) Recompose() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisposed {
		return false, rterrors.ErrConcurrentMisuse
	}

	// spec.md §4.6 recompose() step 1: a paused composition in flight
	// that isn't this very Resume call owns the composer right now;
	// report this pass as incomplete instead of racing it.
	if c.paused != nil && !c.pausedResuming {
		return false, nil
	}

	modified := c.drainPending()
	invalid := append([]*composer.RecomposeScope{}, c.invalidScopes...)
	c.invalidScopes = c.invalidScopes[:0]
	invalid = append(invalid, c.invalidationsFor(modified)...)

	changed, err := c.composer.Recompose(c.table, invalid, &c.changes, c)
	if err != nil {
		c.state = StateInconsistent
		return false, &rterrors.UserCodeError{Operation: "Composer.Recompose", Cause: err}
	}
	if !changed {
		// re-drain so a modification that raced in during composition
		// isn't lost before the lock releases.
		more := c.drainPending()
		c.invalidScopes = append(c.invalidScopes, c.invalidationsFor(more)...)
	}
	return changed, nil
}

// ApplyChanges drains c.changes against the applier, dispatches
// remember/forget/effect callbacks, then runs applyLateChangesLocked if
// any movable-content work accumulated. Abandons are dispatched last,
// after any late work has finished applying, never interleaved with it
// (spec.md §4.6 "applyChanges()": "Abandons are dispatched only after
// late work completes").
func (c *Composition) ApplyChanges() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := applier.PlayTo(&c.changes, c.applier); err != nil {
		c.state = StateInconsistent
		return err
	}
	c.remember.Dispatch()
	if c.lateChanges.Remaining() > 0 {
		if err := c.applyLateChangesLocked(); err != nil {
			return err
		}
	}
	c.remember.DispatchAbandons()
	return nil
}

// applyLateChangesLocked plays the late changelist (populated by
// movable-content insertion, recomposer package) and dispatches the
// remember/forget/effect callbacks it produced. Callers hold c.mu and
// are responsible for dispatching abandons afterward.
func (c *Composition) applyLateChangesLocked() error {
	if err := applier.PlayTo(&c.lateChanges, c.applier); err != nil {
		c.state = StateInconsistent
		return err
	}
	c.remember.Dispatch()
	return nil
}

// Dispose performs deferred movable-content changes, walks the whole
// slot table removing every group, dispatches whatever remember/forget/
// effect events are already queued, and dispatches abandons (spec.md
// §4.6 "dispose()"). Removing the groups queues no OnForgotten for
// the values in their slots, and the applier is not cleared.
func (c *Composition) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return nil
	}
	if c.lateChanges.Remaining() > 0 {
		if err := c.applyLateChangesLocked(); err != nil {
			return err
		}
	}
	w, err := c.table.OpenWriter()
	if err != nil {
		return err
	}
	for w.Cursor() < c.table.GroupCount() {
		if err := w.RemoveGroup(); err != nil {
			w.Close()
			return err
		}
	}
	w.Close()
	for _, v := range c.abandoned {
		c.remember.Abandon(v)
	}
	c.remember.Dispatch()
	c.remember.DispatchAbandons()
	c.state = StateDisposed
	return nil
}

// Deactivate transitions a running composition out of the active tree
// without disposing it, so it can later be reactivated in place
// (spec.md §4.6 state diagram "Running -> Deactivated <-> Running").
func (c *Composition) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		c.state = StateDeactivated
	}
}

// Reactivate transitions a deactivated composition back to Running.
func (c *Composition) Reactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDeactivated {
		c.state = StateRunning
	}
}

// Table exposes the underlying slot table, e.g. for movable-content
// transplantation via ResolveMovableContent.
func (c *Composition) Table() *slottable.SlotTable { return c.table }

// LateChanges exposes the late change list so movable-content
// installation code (recomposer package) can append deferred edits.
func (c *Composition) LateChanges() *changelist.ChangeList { return &c.lateChanges }

// InvalidateGroupsWithKey bashes every group in this composition's
// table whose key equals targetKey to the live-edit-invalid sentinel
// and marks it, so ContainsMark bubbles up to every enclosing group by
// their next EndGroup and the composer discards the bashed groups on
// its next pass (spec.md §6.4 "LIVE_EDIT_INVALID_KEY", §7 category 5
// "recoverable errors under hot-reload restart the composition").
// Returns the number of groups invalidated.
func (c *Composition) InvalidateGroupsWithKey(targetKey int32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, err := c.table.OpenWriter()
	if err != nil {
		return 0, err
	}
	defer w.Close()
	matches := w.InvalidateGroupsWithKey(targetKey)
	for _, idx := range matches {
		if err := w.MarkGroup(idx); err != nil {
			return 0, err
		}
		if err := w.BashGroupAt(idx); err != nil {
			return 0, err
		}
	}
	return len(matches), nil
}

// DrainMovableDeletes returns and clears every movable-content export
// reported by the composer during its last pass, for the owning
// Recomposer to feed into its rendezvous.
func (c *Composition) DrainMovableDeletes() []movableExport {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.movableDeletes
	c.movableDeletes = nil
	return out
}

// DrainMovableRequests returns and clears the set of content keys the
// composer asked for and didn't get resolved this pass.
func (c *Composition) DrainMovableRequests() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.movableRequests
	c.movableRequests = nil
	return out
}

// ResolveMovableContent transplants source's group at groupIndex into
// this composition's slot table and remembers the result under key so
// the composer receives it from RequestMovableContentInsert on its next
// pass (spec.md §4.7 "Movable content rendezvous"). The transplant
// happens immediately, at the root of this composition's table; exactly
// where the composer re-homes it under its own content is up to that
// next pass (the same way a freshly-built group starts at the writer's
// current cursor).
func (c *Composition) ResolveMovableContent(key any, source *slottable.SlotTable, groupIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, err := c.table.OpenWriter()
	if err != nil {
		return err
	}
	defer w.Close()
	destIndex := w.Cursor()
	if err := w.MoveFrom(source, groupIndex, true); err != nil {
		return err
	}
	if c.movableResolved == nil {
		c.movableResolved = make(map[any]movableResolution)
	}
	c.movableResolved[key] = movableResolution{source: c.table, groupIndex: destIndex}
	return nil
}
