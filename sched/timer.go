package sched

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// startTimer arms a virtual (user-CPU-time) interval timer and watches
// for its SIGVTALRM deliveries on a dedicated goroutine. Go's runtime
// does not reserve SIGVTALRM for its own use, so it is safe to claim
// here. The handler cannot itself perform a context switch — it has no
// access to whichever goroutine is presently running user code — so it
// only raises the preempt flag; the running thread clears it the next
// time it calls MaybePreempt.
func (s *Scheduler) startTimer() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGVTALRM)

	interval := &unix.Itimerval{
		Value:    unix.Timeval{Sec: 0, Usec: int64(BaseTimeSlice / time.Microsecond)},
		Interval: unix.Timeval{Sec: 0, Usec: int64(BaseTimeSlice / time.Microsecond)},
	}
	if err := unix.Setitimer(unix.ITIMER_VIRTUAL, interval, nil); err != nil {
		s.log.Warn().Err(err).Msg("setitimer failed, preemption runs on interval checks only")
	}

	go func() {
		for {
			select {
			case <-s.stopCh:
				signal.Stop(sigCh)
				return
			case <-sigCh:
				s.onTick()
			}
		}
	}()
}

// onTick is the Go analogue of the original's schedule() being invoked
// as a SIGVTALRM handler: it marks the currently dispatched thread as
// having exceeded its slice once enough ticks have accumulated to cover
// that level's geometric time slice.
func (s *Scheduler) onTick() {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		return
	}
	slice := s.timeSlices[cur.Priority]
	if time.Since(cur.start) >= slice {
		s.preempt.Store(true)
	}
}
