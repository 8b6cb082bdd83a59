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

import "sync"

// FrameClock exposes withFrameNanos to a single owner (spec.md §4.7
// "parentFrameClock.withFrameNanos"): the host drives it once per
// frame.
type FrameClock interface {
	WithFrameNanos(fn func(frameTimeNanos int64))
}

// BroadcastFrameClock re-exposes a FrameClock's ticks to arbitrarily
// many awaiters (spec.md §4.7 "the broadcast clock's withFrameNanos,
// same mechanism re-exposed to user code"; §9 "multi-awaiter queue").
type BroadcastFrameClock struct {
	mu       sync.Mutex
	awaiters []func(int64)
}

// NewBroadcastFrameClock returns an empty BroadcastFrameClock.
func NewBroadcastFrameClock() *BroadcastFrameClock { return &BroadcastFrameClock{} }

// WithFrameNanos registers fn to run exactly once at the next Broadcast
// call, then is automatically deregistered (one-shot awaiter, matching
// the teacher's withFrameNanos suspend-once contract).
func (c *BroadcastFrameClock) WithFrameNanos(fn func(frameTimeNanos int64)) {
	c.mu.Lock()
	c.awaiters = append(c.awaiters, fn)
	c.mu.Unlock()
}

// HasAwaiters reports whether any WithFrameNanos call is still pending.
func (c *BroadcastFrameClock) HasAwaiters() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.awaiters) > 0
}

// Broadcast fires every pending awaiter with frameTimeNanos and clears
// the queue.
func (c *BroadcastFrameClock) Broadcast(frameTimeNanos int64) {
	c.mu.Lock()
	awaiters := c.awaiters
	c.awaiters = nil
	c.mu.Unlock()
	for _, fn := range awaiters {
		fn(frameTimeNanos)
	}
}

// NextFrameEndCallbackQueue collects callbacks to run once at the end
// of the frame currently being processed (spec.md §4.7 "fire frame-end
// callbacks").
type NextFrameEndCallbackQueue struct {
	mu        sync.Mutex
	callbacks []func()
}

func (q *NextFrameEndCallbackQueue) Add(fn func()) {
	q.mu.Lock()
	q.callbacks = append(q.callbacks, fn)
	q.mu.Unlock()
}

func (q *NextFrameEndCallbackQueue) FireAll() {
	q.mu.Lock()
	cbs := q.callbacks
	q.callbacks = nil
	q.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}
