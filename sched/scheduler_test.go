package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestScheduler(t *testing.T) (*Scheduler, *TCB) {
	t.Helper()
	s := New(nil, zerolog.Nop())
	main := s.Bootstrap()
	t.Cleanup(s.Stop)
	return s, main
}

// TestCreateAndYieldRoundRobin exercises basic dispatch: two created
// threads each record that they ran before the main thread regains
// control via Yield.
func TestCreateAndYieldRoundRobin(t *testing.T) {
	s, main := newTestScheduler(t)

	var mu sync.Mutex
	var order []string

	done := make(chan struct{}, 2)
	s.Create(func(any) any {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, nil)
	s.Create(func(any) any {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, nil)

	// main yields twice to let both created threads run to completion
	s.Yield(main)
	s.Yield(main)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("first created thread never ran")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("second created thread never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 {
		t.Fatalf("order = %v, want 2 entries", order)
	}
}

// TestJoinReturnsExitValue exercises P1.
func TestJoinReturnsExitValue(t *testing.T) {
	s, main := newTestScheduler(t)
	child := s.Create(func(arg any) any {
		return arg.(int) * 2
	}, 21)
	got := s.Join(main, child)
	if got != 42 {
		t.Fatalf("Join returned %v, want 42", got)
	}
}

// TestMaintenanceCycleWrapsPriority exercises P7: repeated preemption at
// the lowest priority level wraps back to PQ[0] rather than demoting
// past NumPriorityLevels-1.
func TestMaintenanceCycleWrapsPriority(t *testing.T) {
	s, _ := newTestScheduler(t)
	self := &TCB{ID: 999, Priority: NumPriorityLevels - 1, resume: make(chan struct{})}
	other := newTCB(12345)

	s.mu.Lock()
	s.enqueueLocked(other, 0)
	s.current = self
	s.mu.Unlock()
	self.start = time.Now()
	s.preempt.Store(true)

	selfDone := make(chan struct{})
	go func() {
		s.MaybePreempt(self)
		close(selfDone)
	}()

	<-other.resume // other has now been handed control; self's mutation already applied
	if self.Priority != 0 {
		t.Fatalf("Priority after wrap = %d, want 0", self.Priority)
	}
	self.resume <- struct{}{} // hand control back so self's goroutine can finish
	<-selfDone
}

func TestSnapshotReportsQueueLengths(t *testing.T) {
	s, main := newTestScheduler(t)
	s.Create(func(any) any {
		<-make(chan struct{}) // park forever; test cleans up via process exit
		return nil
	}, nil)
	time.Sleep(10 * time.Millisecond)
	queued, currentID, has := s.Snapshot()
	if !has || currentID != main.ID {
		t.Fatalf("Snapshot current = %d,%v want %d,true", currentID, has, main.ID)
	}
	total := 0
	for _, n := range queued {
		total += n
	}
	if total != 1 {
		t.Fatalf("Snapshot queued total = %d, want 1", total)
	}
}
