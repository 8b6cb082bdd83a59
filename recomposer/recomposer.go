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

// Package recomposer implements the scheduler of spec.md §4.7: the
// Recomposer drives one or more composition.Composition instances
// through recompose/apply on a frame clock, coordinating snapshot apply
// notifications, movable content rendezvous, and error recovery.
package recomposer

import (
	"context"
	"errors"
	"sync"

	"github.com/archlayer/recompose/composition"
	"github.com/archlayer/recompose/internal/prioq"
	"github.com/archlayer/recompose/rterrors"
	"github.com/archlayer/recompose/snapshotapi"
	"go.uber.org/zap"
)

// invalidationEntry pairs an invalidated composition with the sequence
// number it was invalidated at, so the priority queue drains
// compositions in invalidation order (oldest first) rather than Go's
// unspecified map-iteration order.
type invalidationEntry struct {
	c   *composition.Composition
	seq int
}

func lessInvalidation(a, b invalidationEntry) bool  { return a.seq < b.seq }
func equalInvalidation(a, b invalidationEntry) bool { return a.c == b.c }

// SchedulerState is the enum of spec.md §4.7, ordered exactly as the
// spec lists it so comparisons like "at least Idle" read naturally.
type SchedulerState int

const (
	ShutDown SchedulerState = iota
	ShuttingDown
	Inactive
	InactivePendingWork
	Idle
	PendingWork
)

func (s SchedulerState) String() string {
	switch s {
	case ShutDown:
		return "ShutDown"
	case ShuttingDown:
		return "ShuttingDown"
	case Inactive:
		return "Inactive"
	case InactivePendingWork:
		return "InactivePendingWork"
	case Idle:
		return "Idle"
	case PendingWork:
		return "PendingWork"
	default:
		return "Unknown"
	}
}

// Recomposer owns the scheduling state machine and main loop described
// in spec.md §4.7.
type Recomposer struct {
	log *zap.Logger
	snap *snapshotapi.System

	frameClock FrameClock
	broadcast  *BroadcastFrameClock
	frameEnd   NextFrameEndCallbackQueue
	work       *workContinuation

	mu                       sync.Mutex
	state                    SchedulerState
	compositions             map[*composition.Composition]struct{}
	snapshotInvalidations    []any
	compositionInvalidations *prioq.Set[invalidationEntry]
	invalidationSeq          int
	hasRunnerJob             bool
	concurrentJobs           int

	movable *movableRendezvous

	errState *rterrors.RecomposerError

	applyObserver snapshotapi.ObserverHandle
}

// New constructs a Recomposer over frameClock, using snap for apply
// notifications. If snap is nil a private snapshotapi.System is used.
func New(frameClock FrameClock, snap *snapshotapi.System, log *zap.Logger) *Recomposer {
	if log == nil {
		log = zap.NewNop()
	}
	if snap == nil {
		snap = snapshotapi.NewSystem()
	}
	r := &Recomposer{
		log:                      log,
		snap:                     snap,
		frameClock:               frameClock,
		broadcast:                NewBroadcastFrameClock(),
		work:                     newWorkContinuation(),
		state:                    Inactive,
		compositions:             make(map[*composition.Composition]struct{}),
		compositionInvalidations: prioq.NewSet(lessInvalidation, equalInvalidation),
		movable:                  newMovableRendezvous(),
	}
	return r
}

// State returns the current scheduler state.
func (r *Recomposer) State() SchedulerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// deriveStateLocked recomputes the scheduler state from the fields
// listed in spec.md §4.7 ("Transitions are computed by
// deriveStateLocked() from..."). Callers must hold r.mu.
func (r *Recomposer) deriveStateLocked() SchedulerState {
	if r.errState != nil && !r.errState.Recoverable {
		r.state = ShutDown
		return r.state
	}
	hasWork := len(r.snapshotInvalidations) > 0 ||
		r.compositionInvalidations.Len() > 0 ||
		len(r.movable.awaiting) > 0 ||
		r.concurrentJobs > 0 ||
		r.broadcast.HasAwaiters()

	switch {
	case r.state == ShutDown || r.state == ShuttingDown:
		// terminal states only move forward via Cancel/Close.
	case !r.hasRunnerJob && hasWork:
		r.state = InactivePendingWork
	case !r.hasRunnerJob:
		r.state = Inactive
	case hasWork:
		r.state = PendingWork
	default:
		r.state = Idle
	}
	return r.state
}

// invalidateLocked enqueues c for recompose, preserving the sequence
// number of its first (still-pending) invalidation so the priority
// queue drains compositions oldest-invalidated-first. Callers must hold
// r.mu.
func (r *Recomposer) invalidateLocked(c *composition.Composition) {
	entry := invalidationEntry{c: c}
	if r.compositionInvalidations.Contains(entry) {
		return
	}
	entry.seq = r.invalidationSeq
	r.invalidationSeq++
	r.compositionInvalidations.Add(entry)
}

// ScheduleComposition implements composition.Scheduler: a composition
// asks to be recomposed on the next frame.
func (r *Recomposer) ScheduleComposition(c *composition.Composition) {
	r.mu.Lock()
	r.invalidateLocked(c)
	state := r.deriveStateLocked()
	r.mu.Unlock()
	if state == PendingWork {
		r.work.Resume()
	}
}

// AddComposition registers c with this recomposer and invalidates it so
// its first recomposition runs on the next frame (spec.md §4.7
// "invalidate all known compositions (defensive re-sync)").
func (r *Recomposer) AddComposition(c *composition.Composition) {
	c.SetScheduler(r)
	r.mu.Lock()
	r.compositions[c] = struct{}{}
	r.invalidateLocked(c)
	r.mu.Unlock()
}

// RemoveComposition unregisters c (typically after Dispose). Any
// already-queued invalidation entry is left in place and filtered out
// when drained, since prioq.Set exposes no targeted removal.
func (r *Recomposer) RemoveComposition(c *composition.Composition) {
	r.mu.Lock()
	delete(r.compositions, c)
	r.mu.Unlock()
}

// Start registers the runner job and the snapshot apply observer, then
// returns; the caller drives frames via RunOnce or Run.
func (r *Recomposer) Start() {
	r.mu.Lock()
	r.hasRunnerJob = true
	for c := range r.compositions {
		r.invalidateLocked(c)
	}
	r.deriveStateLocked()
	r.mu.Unlock()

	r.applyObserver = r.snap.RegisterApplyObserver(func(changed []any) {
		r.mu.Lock()
		r.snapshotInvalidations = append(r.snapshotInvalidations, changed...)
		state := r.deriveStateLocked()
		r.mu.Unlock()
		if state == PendingWork {
			r.work.Resume()
		}
	})
}

// Close stops the runner job: it moves to ShuttingDown, disposes the
// snapshot apply observer, moves to ShutDown and wakes any parked
// AwaitWorkAvailable. It does not wait for effects to complete.
func (r *Recomposer) Close() {
	r.mu.Lock()
	r.state = ShuttingDown
	r.hasRunnerJob = false
	r.mu.Unlock()
	r.applyObserver.Dispose()
	r.mu.Lock()
	r.state = ShutDown
	r.mu.Unlock()
	r.work.Resume() // unblock any parked AwaitWorkAvailable
}

// Cancel stops the runner job immediately, skipping drain of
// outstanding work (spec.md §5 "Cancellation").
func (r *Recomposer) Cancel() {
	r.mu.Lock()
	r.state = ShutDown
	r.hasRunnerJob = false
	r.mu.Unlock()
	r.work.Resume()
}

// AwaitWorkAvailable blocks until there is work to do or the scheduler
// has shut down.
func (r *Recomposer) AwaitWorkAvailable() {
	for {
		r.mu.Lock()
		state := r.deriveStateLocked()
		r.mu.Unlock()
		if state == PendingWork || state == ShutDown {
			return
		}
		r.work.Await(0)
	}
}

func (r *Recomposer) recordComposerModifications() {
	r.mu.Lock()
	changed := r.snapshotInvalidations
	r.snapshotInvalidations = nil
	comps := make([]*composition.Composition, 0, len(r.compositions))
	for c := range r.compositions {
		comps = append(comps, c)
	}
	r.mu.Unlock()
	if len(changed) == 0 {
		return
	}
	for _, c := range comps {
		c.RecordModificationsOf(changed)
	}
}

// RunOnce executes exactly one frame of spec.md §4.7's main loop body
// (the `parentFrameClock.withFrameNanos { ... }` block), suitable for
// driving by a test or by cmd/recompose-demo's own loop instead of
// Run's blocking loop.
func (r *Recomposer) RunOnce(frameTimeNanos int64) error {
	if r.broadcast.HasAwaiters() {
		r.broadcast.Broadcast(frameTimeNanos)
		r.snap.SendApplyNotifications()
	}
	r.recordComposerModifications()

	toApply, err := r.fixpointRecompose()
	if err != nil {
		r.recordError(err, false)
		return err
	}

	r.snap.WithMutableSnapshot(func() {
		for _, c := range toApply {
			if applyErr := c.ApplyChanges(); applyErr != nil {
				r.recordError(applyErr, true)
			}
		}
	})
	r.snap.NotifyObjectsInitialized()
	r.frameEnd.FireAll()
	r.movable.DiscardUnusedMovableContentState()
	return nil
}

// fixpointRecompose repeatedly recomposes every invalidated composition
// and folds newly-discovered invalidations back in until both the
// recompose set and the movable-content insert set are empty (spec.md
// §4.7 "repeat { ... } until toRecompose and toInsert both empty").
func (r *Recomposer) fixpointRecompose() (toApply []*composition.Composition, err error) {
	seen := make(map[*composition.Composition]struct{})
	for {
		r.mu.Lock()
		var batch []*composition.Composition
		r.compositionInvalidations.Drain(func(e invalidationEntry) {
			if _, live := r.compositions[e.c]; live {
				batch = append(batch, e.c)
			}
		})
		r.mu.Unlock()

		if len(batch) == 0 && len(r.movable.awaiting) == 0 {
			break
		}
		for _, c := range batch {
			changed, rerr := c.Recompose()
			if rerr != nil {
				return nil, rerr
			}
			if changed {
				if _, ok := seen[c]; !ok {
					seen[c] = struct{}{}
					toApply = append(toApply, c)
				}
			}
			for _, exp := range c.DrainMovableDeletes() {
				r.movable.DeletedMovableContent(
					MovableReference{Content: exp.Key, Parent: c},
					movableState{groupIndex: exp.GroupIndex, sourceTable: exp.Table},
				)
			}
			for _, key := range c.DrainMovableRequests() {
				r.movable.InsertMovableContent(MovableReference{Content: key, Parent: c})
			}
		}

		for _, pi := range r.movable.PerformInsertValues() {
			if !pi.found {
				continue
			}
			if err := pi.ref.Parent.ResolveMovableContent(pi.ref.Content, pi.state.sourceTable, pi.state.groupIndex); err != nil {
				return nil, err
			}
			r.mu.Lock()
			r.invalidateLocked(pi.ref.Parent)
			r.mu.Unlock()
		}
	}
	return toApply, nil
}

func (r *Recomposer) recordError(cause error, recoverable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errState != nil {
		return // first exception per frame wins, per spec.md §7 propagation policy
	}
	r.errState = &rterrors.RecomposerError{Recoverable: recoverable, Cause: cause}
	if recoverable {
		r.snapshotInvalidations = nil
		r.compositionInvalidations = prioq.NewSet(lessInvalidation, equalInvalidation)
	}
	r.deriveStateLocked()
}

// ErrorState returns the last recorded error, or nil.
func (r *Recomposer) ErrorState() *rterrors.RecomposerError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errState
}

// Run drives the scheduler loop until ctx is cancelled or Close/Cancel
// is called, calling nowNanos() once per iteration to timestamp each
// frame (spec.md §4.7 "Main loop").
func (r *Recomposer) Run(ctx context.Context, nowNanos func() int64) error {
	r.Start()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.AwaitWorkAvailable()
		if r.State() == ShutDown {
			return nil
		}
		r.recordComposerModifications()
		if err := r.RunOnce(nowNanos()); err != nil {
			if errors.Is(err, rterrors.ErrConcurrentMisuse) {
				return err
			}
		}
	}
}

// RunConcurrentlyOnce launches one recomposition per invalidated
// composition as a separate goroutine under ctx, joining before
// returning (spec.md §4.7 "Concurrent variant"). Apply still happens on
// the caller, preserving apply ordering across compositions.
func (r *Recomposer) RunConcurrentlyOnce(ctx context.Context, frameTimeNanos int64) error {
	r.mu.Lock()
	var batch []*composition.Composition
	r.compositionInvalidations.Drain(func(e invalidationEntry) {
		if _, live := r.compositions[e.c]; live {
			batch = append(batch, e.c)
		}
	})
	r.concurrentJobs = len(batch)
	r.mu.Unlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var toApply []*composition.Composition
	var firstErr error
	for _, c := range batch {
		wg.Add(1)
		go func(c *composition.Composition) {
			defer wg.Done()
			changed, err := c.Recompose()
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
				return
			}
			if changed {
				toApply = append(toApply, c)
			}
		}(c)
	}
	wg.Wait()

	r.mu.Lock()
	r.concurrentJobs = 0
	r.mu.Unlock()

	if firstErr != nil {
		r.recordError(firstErr, true)
		return firstErr
	}

	r.snap.WithMutableSnapshot(func() {
		for _, c := range toApply {
			if err := c.ApplyChanges(); err != nil {
				r.recordError(err, true)
			}
		}
	})
	r.snap.NotifyObjectsInitialized()
	r.frameEnd.FireAll()
	return nil
}
