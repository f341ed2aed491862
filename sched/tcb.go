// Package sched implements the user-level cooperative/preemptive
// scheduler: a four-level multi-feedback priority queue with geometric
// time slices, dispatched by handing control between goroutines over
// unbuffered channels in place of swapcontext/setcontext, which Go has
// no portable equivalent of.
package sched

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/RU-CS416-SPRING2017/Asst2/arena"
)

// NumPriorityLevels is the number of feedback queues (spec: 4).
const NumPriorityLevels = 4

// BaseTimeSlice is PQ[0]'s time slice; level i gets BaseTimeSlice*2^i.
const BaseTimeSlice = 25 * time.Millisecond

// ThreadFunc is the body run by a created thread.
type ThreadFunc func(arg any) any

// Accounting accumulates a thread's consumed CPU time. Writes come from
// the scheduler's dispatch bookkeeping (switchTo), which runs outside the
// scheduler's mutex, so every read and write goes through sync/atomic.
type Accounting struct {
	ranNanos int64
}

func (a *Accounting) add(d time.Duration) {
	atomic.AddInt64(&a.ranNanos, int64(d))
}

// Snapshot encodes the accounted runtime as an 8-byte little-endian
// nanosecond count allocated from the library partition — the one place
// in this package that exercises the library's own allocator rather than
// relying on ordinary Go heap allocation, mirroring how the original
// library served all of its own bookkeeping allocations out of the same
// partition user threads never see.
func (a *Accounting) Snapshot(lib *arena.Partition) []byte {
	buf := lib.Alloc(8)
	if buf == nil {
		buf = make([]byte, 8)
	}
	n := uint64(atomic.LoadInt64(&a.ranNanos))
	for i := 0; i < 8; i++ {
		buf[i] = byte(n >> (8 * i))
	}
	return buf
}

// TCB is a thread control block. Unlike the C original, it carries no
// saved machine context: its Go goroutine's own stack holds that
// implicitly, parked on resume whenever it isn't the scheduled thread.
type TCB struct {
	ID       uint64
	Priority int
	Done     bool
	RetVal   any
	Waiter   *TCB
	Accounting

	resume chan struct{}
	start  time.Time
}

// Key returns an opaque, comparable identity for this TCB, used by the
// paging engine so it never needs to import this package (sched already
// depends on paging's protect/unprotect calls, so the reverse import
// would cycle).
func (t *TCB) Key() uintptr {
	return uintptr(unsafe.Pointer(t))
}

func newTCB(id uint64) *TCB {
	return &TCB{ID: id, resume: make(chan struct{})}
}
