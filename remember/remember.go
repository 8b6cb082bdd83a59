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

// Package remember implements the RememberObserver lifecycle dispatcher
// of spec.md §6: rememberedValues entering a composition fire onRemember
// in FIFO order (outer scopes before inner, matching slot-table order),
// those leaving fire onForgotten in LIFO order (inner before outer,
// mirror-image of construction), and side effects launched during the
// same pass are queued separately and run only after every
// remember/forget callback has completed.
package remember

import (
	"github.com/archlayer/recompose/retain"
	"go.uber.org/zap"
)

// Rememberable is anything a composition can place in a slot that wants
// lifecycle notification (spec.md §6.1 RememberObserver). OnAbandoned is
// distinct from OnForgotten: it fires only for a value whose composition
// never committed, so a retain-aware holder can tell "abandoned before
// entering composition" apart from "gracefully exited composition"
// (spec.md §4.5's onAbandoned -> onRetired, never onExitedComposition).
type Rememberable interface {
	OnRemembered()
	OnForgotten()
	OnAbandoned()
}

// SideEffect is a launched effect, deferred until after the
// remember/forget pass completes (spec.md §6.2 "effects never run
// interleaved with remember/forget").
type SideEffect func()

// RetainHolder is a Rememberable whose exit from composition should be
// arbitrated by a retain.Scope instead of unconditionally torn down
// (spec.md §4.5). Dispatch recognizes a queued value implementing this
// interface and drives the four-step onRetained/onEnteredComposition/
// onExitedComposition/onRetired lifecycle instead of the plain
// OnRemembered/OnForgotten/OnAbandoned pair.
type RetainHolder interface {
	Rememberable
	RetainKey() retain.RetainKey
	// Value is what gets buffered by the owning Scope when the holder
	// exits composition while the scope is keeping.
	Value() any
	OnRetained()
	OnEnteredComposition()
	OnExitedComposition()
	OnRetired()
}

// Dispatcher accumulates remember/forget/effect events during one
// applyChanges pass and dispatches them in the required order.
type Dispatcher struct {
	log   *zap.Logger
	scope retain.Scope

	rememberFIFO []Rememberable
	forgetLIFO   []Rememberable
	effectsFIFO  []SideEffect

	abandoned []Rememberable // never-composed-successfully values (spec.md §6.3)

	retainedOnce map[retain.RetainKey]bool // tracks onRetained firing exactly once per identity
}

// New returns a Dispatcher ready to accumulate one pass's events. scope
// arbitrates RetainHolder exits; a nil scope defaults to retain.Forgetful
// (every RetainHolder is torn down immediately, same as a plain
// Rememberable).
func New(log *zap.Logger, scope retain.Scope) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if scope == nil {
		scope = retain.Forgetful{}
	}
	return &Dispatcher{log: log, scope: scope, retainedOnce: make(map[retain.RetainKey]bool)}
}

// SetScope replaces the retain.Scope arbitrating RetainHolder exits,
// e.g. when a composition installs a ControlledRetainScope after
// construction.
func (d *Dispatcher) SetScope(scope retain.Scope) {
	if scope == nil {
		scope = retain.Forgetful{}
	}
	d.scope = scope
}

// Remember queues v to receive OnRemembered once the current pass's
// changelist has been fully applied.
func (d *Dispatcher) Remember(v Rememberable) {
	d.rememberFIFO = append(d.rememberFIFO, v)
}

// Forget queues v to receive OnForgotten. Callers append in slot-table
// traversal order (outer before inner); Dispatch reverses this so
// forgetting happens inner-before-outer.
func (d *Dispatcher) Forget(v Rememberable) {
	d.forgetLIFO = append(d.forgetLIFO, v)
}

// Effect queues a side effect to run after every remember/forget
// callback in this pass has completed.
func (d *Dispatcher) Effect(fn SideEffect) {
	d.effectsFIFO = append(d.effectsFIFO, fn)
}

// Abandon records a value that was composed once but whose composition
// never committed (the composing coroutine was cancelled).
// DispatchAbandons later calls its OnAbandoned (OnRetired for a
// RetainHolder); it receives no OnForgotten (spec.md §6.3 "abandoned
// remembers").
func (d *Dispatcher) Abandon(v Rememberable) {
	d.abandoned = append(d.abandoned, v)
}

// Dispatch runs every queued remember, then every queued forget
// (reversed to LIFO), then every queued effect, then clears those three
// queues. Abandons are NOT flushed here: spec.md §4.6 requires them to
// fire only once late work has finished applying, so the caller invokes
// DispatchAbandons separately once it knows no more late changes are
// coming this pass.
func (d *Dispatcher) Dispatch() {
	for _, v := range d.rememberFIFO {
		d.dispatchRemembered(v)
	}
	for i := len(d.forgetLIFO) - 1; i >= 0; i-- {
		d.dispatchForgotten(d.forgetLIFO[i])
	}
	for _, fn := range d.effectsFIFO {
		fn()
	}
	d.DiscardPending()
}

func (d *Dispatcher) dispatchRemembered(v Rememberable) {
	rh, ok := v.(RetainHolder)
	if !ok {
		safeCall(d.log, "OnRemembered", v.OnRemembered)
		return
	}
	safeCall(d.log, "OnRetained/OnEnteredComposition", func() {
		key := rh.RetainKey()
		if !d.retainedOnce[key] {
			d.retainedOnce[key] = true
			rh.OnRetained()
		}
		rh.OnEnteredComposition()
	})
}

func (d *Dispatcher) dispatchForgotten(v Rememberable) {
	rh, ok := v.(RetainHolder)
	if !ok {
		safeCall(d.log, "OnForgotten", v.OnForgotten)
		return
	}
	safeCall(d.log, "OnExitedComposition/OnRetired", func() {
		if d.scope.ShouldKeepExiting(rh.RetainKey()) {
			d.scope.Save(rh.RetainKey(), rh.Value())
			rh.OnExitedComposition()
			return
		}
		rh.OnExitedComposition()
		rh.OnRetired()
	})
}

// DispatchAbandons flushes every abandoned holder, calling OnAbandoned
// (or, for a RetainHolder, onRetired directly) and clearing the abandon
// queue. Kept separate from Dispatch so ApplyChanges can call it only
// after any late-change application has completed (spec.md §4.6
// "Abandons are dispatched only after late work completes").
func (d *Dispatcher) DispatchAbandons() {
	for _, v := range d.abandoned {
		if rh, ok := v.(RetainHolder); ok {
			safeCall(d.log, "OnRetired(abandoned)", rh.OnRetired)
			continue
		}
		safeCall(d.log, "OnAbandoned", v.OnAbandoned)
	}
	d.abandoned = d.abandoned[:0]
}

// DiscardPending clears the remember/forget/effect queues without
// dispatching them, leaving any queued abandons untouched. Used both by
// Dispatch (after running the three queues) and by a cancelled
// PausedComposition, which must suppress OnRemembered for its held
// values while still letting their abandons fire via DispatchAbandons.
func (d *Dispatcher) DiscardPending() {
	d.rememberFIFO = d.rememberFIFO[:0]
	d.forgetLIFO = d.forgetLIFO[:0]
	d.effectsFIFO = d.effectsFIFO[:0]
}

// Reset clears every queue, including abandons, without dispatching
// them, used when a pass is discarded outright (e.g. a cancelled
// composer coroutine that should not even report abandons).
func (d *Dispatcher) Reset() {
	d.DiscardPending()
	d.abandoned = d.abandoned[:0]
}

// ExtractRememberSet returns a defensive copy of everything currently
// queued to be remembered this pass, for diagnostics/testing.
func (d *Dispatcher) ExtractRememberSet() []Rememberable {
	out := make([]Rememberable, len(d.rememberFIFO))
	copy(out, d.rememberFIFO)
	return out
}

func safeCall(log *zap.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("remember: callback panicked", zap.String("callback", name), zap.Any("panic", r))
		}
	}()
	fn()
}
