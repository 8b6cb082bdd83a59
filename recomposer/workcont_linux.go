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

//go:build linux

package recomposer

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// workContinuation is the recomposer's single-slot await of spec.md
// §4.7/§9 "single-slot continuation", implemented on Linux with a raw
// futex syscall (via golang.org/x/sys/unix's SYS_FUTEX constant and
// raw Syscall6, the same low-level-primitive style as the teacher's
// internal/atomicext amd64 assembly helpers) so awaitWorkAvailable
// never allocates a channel or goroutine per park.
type workContinuation struct {
	word int32 // 0 = no work, 1 = work available
}

func newWorkContinuation() *workContinuation { return &workContinuation{} }

// Resume marks work available and wakes one parked waiter.
func (w *workContinuation) Resume() {
	atomic.StoreInt32(&w.word, 1)
	futexWake(&w.word, 1)
}

// Await blocks until Resume is called, or timeout elapses (0 = forever).
func (w *workContinuation) Await(timeout time.Duration) {
	for {
		if atomic.CompareAndSwapInt32(&w.word, 1, 0) {
			return
		}
		futexWait(&w.word, 0, timeout)
		if timeout > 0 {
			return
		}
	}
}

func futexWake(addr *int32, n int) {
	unix.Syscall(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), uintptr(unix.FUTEX_WAKE), uintptr(n))
}

func futexWait(addr *int32, expect int32, timeout time.Duration) {
	var tsPtr uintptr
	if timeout > 0 {
		ts := unix.NsecToTimespec(int64(timeout))
		tsPtr = uintptr(unsafe.Pointer(&ts))
	}
	unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), uintptr(unix.FUTEX_WAIT),
		uintptr(expect), tsPtr, 0, 0)
}
