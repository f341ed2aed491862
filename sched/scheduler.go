package sched

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/RU-CS416-SPRING2017/Asst2/paging"
	"github.com/RU-CS416-SPRING2017/Asst2/queue"
)

// Scheduler holds the four priority queues and the single "currently
// running" thread. All queue mutation happens under mu; the handoff
// between goroutines happens outside mu, since the thread being resumed
// will itself want mu for its own scheduling calls.
type Scheduler struct {
	mu         sync.Mutex
	pqs        [NumPriorityLevels]queue.List[*TCB]
	timeSlices [NumPriorityLevels]time.Duration
	current    *TCB
	nextID     uint64
	engine     *paging.Engine // nil is legal: scheduling without paging
	log        zerolog.Logger

	preempt atomic.Bool
	stopCh  chan struct{}
}

// New builds a scheduler with the standard geometric time slices. Its
// virtual timer is started by Bootstrap, not here. engine may be nil if this scheduler's
// threads don't use page-isolated memory (e.g. in isolation tests).
func New(engine *paging.Engine, log zerolog.Logger) *Scheduler {
	s := &Scheduler{engine: engine, log: log.With().Str("component", "sched").Logger(), stopCh: make(chan struct{})}
	slice := BaseTimeSlice
	for i := 0; i < NumPriorityLevels; i++ {
		s.timeSlices[i] = slice
		slice *= 2
	}
	return s
}

// Bootstrap registers the calling goroutine itself as the scheduler's
// first thread (the "main" pseudo-thread of the original library, which
// never goes through Create because it already exists before the
// scheduler does). It must be called exactly once, before any Create.
func (s *Scheduler) Bootstrap() *TCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := newTCB(s.nextID)
	s.nextID++
	t.start = time.Now()
	s.current = t
	s.startTimer()
	return t
}

func (s *Scheduler) enqueueLocked(t *TCB, level int) {
	t.Priority = level
	s.pqs[level].Push(t)
}

func (s *Scheduler) dequeueLocked() (*TCB, bool) {
	for i := 0; i < NumPriorityLevels; i++ {
		if t, ok := s.pqs[i].Pop(); ok {
			return t, true
		}
	}
	return nil, false
}

// Create spawns a new thread at the highest priority level and returns
// its TCB immediately — creating a thread never itself yields the CPU,
// matching the original library's non-blocking my_pthread_create.
func (s *Scheduler) Create(fn ThreadFunc, arg any) *TCB {
	s.mu.Lock()
	t := newTCB(s.nextID)
	s.nextID++
	s.enqueueLocked(t, 0)
	s.mu.Unlock()

	s.log.Debug().Uint64("thread", t.ID).Msg("created")
	go func() {
		<-t.resume
		ret := fn(arg)
		s.Exit(t, ret)
	}()
	return t
}

// Yield voluntarily gives up the remainder of self's time slice. self is
// re-enqueued at its current priority level (the original's behavior —
// voluntary yield does not trigger demotion, only preemption by the
// virtual timer does).
func (s *Scheduler) Yield(self *TCB) {
	s.preempt.Store(false)
	s.mu.Lock()
	next, ok := s.dequeueLocked()
	if !ok {
		s.mu.Unlock()
		return
	}
	s.enqueueLocked(self, self.Priority)
	s.mu.Unlock()
	s.switchTo(self, next, false)
}

// Park removes self from dispatch entirely — unlike Yield, self is not
// re-enqueued at any priority level, since the caller (xmutex) is
// responsible for remembering self and calling Wake once it should run
// again. Used when a thread blocks on a contended mutex.
func (s *Scheduler) Park(self *TCB) {
	s.mu.Lock()
	next, _ := s.dequeueLocked()
	s.mu.Unlock()
	s.switchTo(self, next, false)
}

// Wake makes a previously Park-ed thread runnable again at its current
// priority level. It does not itself switch to the thread — the next
// dispatch point (Yield, MaybePreempt, Exit, Join) will pick it up in
// FIFO order like any other queued thread.
func (s *Scheduler) Wake(t *TCB) {
	s.mu.Lock()
	s.enqueueLocked(t, t.Priority)
	s.mu.Unlock()
}

// Inherit raises holder's priority to newPriority for the purpose of
// priority inheritance: if holder is presently sitting in a priority
// queue it is moved to the new level immediately so it is scheduled
// sooner; if it is currently dispatched (not enqueued anywhere), only
// its Priority field is updated so the next time it is enqueued — by
// Yield or Park's eventual Wake — it lands at the inherited level
// (preemption via MaybePreempt demotes it one level from there).
func (s *Scheduler) Inherit(holder *TCB, newPriority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newPriority >= holder.Priority {
		return
	}
	if s.pqs[holder.Priority].Remove(holder) {
		holder.Priority = newPriority
		s.pqs[newPriority].Push(holder)
		return
	}
	holder.Priority = newPriority
}

// MaybePreempt checks whether the virtual timer requested a preemption
// since self started running, and if so performs the demotion-based
// forced switch. Thread bodies should call this at natural checkpoints
// (loop iterations, allocation calls) since Go cannot interrupt
// arbitrary running user code the way a real SIGVTALRM handler can.
func (s *Scheduler) MaybePreempt(self *TCB) {
	if !s.preempt.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	next, ok := s.dequeueLocked()
	if !ok {
		s.mu.Unlock()
		return
	}
	if self.Priority < NumPriorityLevels-1 {
		self.Priority++
	} else {
		self.Priority = 0 // maintenance cycle: wrap back to the top
	}
	s.enqueueLocked(self, self.Priority)
	s.mu.Unlock()
	s.log.Debug().Uint64("from", self.ID).Uint64("to", next.ID).Msg("preempted")
	s.switchTo(self, next, false)
}

// Exit terminates self, waking anyone joined on it, and dispatches the
// next runnable thread without expecting to resume. It never returns:
// self's goroutine ends with runtime.Goexit once the next thread has
// been handed control.
func (s *Scheduler) Exit(self *TCB, ret any) {
	s.mu.Lock()
	self.Done = true
	self.RetVal = ret
	if self.Waiter != nil {
		s.enqueueLocked(self.Waiter, 0)
	}
	next, ok := s.dequeueLocked()
	s.mu.Unlock()

	if s.engine != nil {
		_ = s.engine.ProtectAll(self.Key())
		s.engine.Release(self.Key())
	}
	s.log.Debug().Uint64("thread", self.ID).Msg("exited")
	_ = ok // next may legitimately be nil: the scheduler goes idle
	s.switchTo(self, next, true)
	runtime.Goexit()
}

// Join blocks self until target has exited, returning target's result.
func (s *Scheduler) Join(self *TCB, target *TCB) any {
	s.mu.Lock()
	if target.Done {
		s.mu.Unlock()
		return target.RetVal
	}
	target.Waiter = self
	next, ok := s.dequeueLocked()
	s.mu.Unlock()
	if ok {
		s.switchTo(self, next, false)
	}
	return target.RetVal
}

// Current returns the TCB of whichever thread is presently dispatched.
func (s *Scheduler) Current() *TCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// switchTo hands control to next, blocking the calling (self) goroutine
// until it is scheduled again — unless terminal is true, in which case
// self's goroutine is about to return and must not wait.
func (s *Scheduler) switchTo(self, next *TCB, terminal bool) {
	if next == self {
		return
	}
	if self != nil {
		self.add(time.Since(self.start))
	}
	if s.engine != nil && self != nil && !terminal {
		_ = s.engine.ProtectAll(self.Key())
	}
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	if next != nil {
		if s.engine != nil {
			_ = s.engine.UnprotectAll(next.Key())
		}
		next.start = time.Now()
		next.resume <- struct{}{}
	}
	if !terminal {
		<-self.resume
		self.start = time.Now()
	}
}

// Snapshot reports, for instrumentation, how many threads sit in each
// priority level plus which thread (if any) is current.
func (s *Scheduler) Snapshot() (queued [NumPriorityLevels]int, currentID uint64, hasCurrent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pqs {
		queued[i] = s.pqs[i].Len()
	}
	if s.current != nil {
		return queued, s.current.ID, true
	}
	return queued, 0, false
}

// Stop halts the virtual timer goroutine.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}
