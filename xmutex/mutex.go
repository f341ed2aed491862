// Package xmutex implements a mutex with a FIFO waiter queue and
// priority inheritance, dispatched through the scheduler rather than a
// plain blocking primitive: a thread that contends the lock gives up
// the CPU to another runnable thread instead of spinning.
package xmutex

import (
	"runtime"
	"sync/atomic"

	"github.com/RU-CS416-SPRING2017/Asst2/queue"
	"github.com/RU-CS416-SPRING2017/Asst2/sched"
)

// Mutex is a scheduler-aware lock. guard is a spinlock protecting the
// mutex's own bookkeeping (locker, waiters) — necessarily hand-rolled,
// since Go's sync.Mutex cannot express priority inheritance or be
// released by a thread other than the one that calls Unlock on its
// owning goroutine (which is exactly what inheritance requires: the
// scheduler's own dispatch can touch locker's priority level without
// being the goroutine that locked it).
type Mutex struct {
	guard   int32
	locker  *sched.TCB
	waiters queue.List[*sched.TCB]
	s       *sched.Scheduler
}

// New returns an unlocked mutex dispatched through s.
func New(s *sched.Scheduler) *Mutex {
	return &Mutex{s: s}
}

func (m *Mutex) lockGuard() {
	for !atomic.CompareAndSwapInt32(&m.guard, 0, 1) {
		runtime.Gosched()
	}
}

func (m *Mutex) unlockGuard() {
	atomic.StoreInt32(&m.guard, 0)
}

// Lock acquires the mutex for self, blocking (by yielding self's thread
// to the scheduler, not by spinning) while another thread holds it. If a
// higher-priority thread blocks on a lower-priority holder, the holder's
// enqueued priority is raised to match — removed from its current
// priority queue and re-enqueued at the new level — so it runs sooner
// and releases the lock sooner (priority inheritance, P3).
func (m *Mutex) Lock(self *sched.TCB) {
	m.lockGuard()
	if m.locker == nil {
		m.locker = self
		m.unlockGuard()
		return
	}

	holder := m.locker
	m.waiters.Push(self)
	m.unlockGuard()

	if self.Priority < holder.Priority {
		m.s.Inherit(holder, self.Priority)
	}

	m.s.Park(self)
}

// Unlock releases the mutex held by self. If a thread is waiting, it
// becomes the new holder, inheriting the unlocking thread's priority
// level (the highest of everyone who was waiting, by construction: each
// arrival only ever raised the holder's level), and is woken.
func (m *Mutex) Unlock(self *sched.TCB) {
	m.lockGuard()
	if m.locker != self {
		m.unlockGuard()
		return
	}
	next, ok := m.waiters.Pop()
	if !ok {
		m.locker = nil
		m.unlockGuard()
		return
	}
	next.Priority = self.Priority
	m.locker = next
	m.unlockGuard()
	m.s.Wake(next)
}
