package runtime

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/RU-CS416-SPRING2017/Asst2/arena"
	"github.com/RU-CS416-SPRING2017/Asst2/sched"
	"github.com/RU-CS416-SPRING2017/Asst2/xmutex"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := arena.DefaultConfig(4096)
	cfg.ArenaSize = 256 * 1024
	cfg.SharedPages = 4
	rt, err := New(cfg, t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

// driveUntil repeatedly yields main until done closes or the deadline
// passes, giving every other created thread its turn to run.
func driveUntil(rt *Runtime, main *sched.TCB, done <-chan struct{}, d time.Duration) bool {
	deadline := time.After(d)
	for {
		select {
		case <-done:
			return true
		case <-deadline:
			return false
		default:
			rt.Yield(main)
		}
	}
}

// TestScenarioTwoThreadsSharedAllocation exercises S1.
func TestScenarioTwoThreadsSharedAllocation(t *testing.T) {
	rt := newTestRuntime(t)
	main := rt.Current()

	t1 := rt.Create(func(any) any {
		self := rt.Current()
		buf, err := rt.Shalloc(40)
		if err != nil {
			t.Errorf("T1 Shalloc: %v", err)
			return nil
		}
		copy(buf, "in test")
		rt.Exit(self, buf)
		return nil
	}, nil)

	t2 := rt.Create(func(any) any {
		self := rt.Current()
		buf, err := rt.Shalloc(40)
		if err != nil {
			t.Errorf("T2 Shalloc: %v", err)
			return nil
		}
		copy(buf, "in test2")
		rt.Exit(self, buf)
		return nil
	}, nil)

	r1 := rt.Join(main, t1)
	r2 := rt.Join(main, t2)

	b1, ok1 := r1.([]byte)
	b2, ok2 := r2.([]byte)
	if !ok1 || !ok2 {
		t.Fatalf("Join results not []byte: %T %T", r1, r2)
	}
	if string(b1[:7]) != "in test" {
		t.Fatalf("T1 buffer = %q, want prefix %q", b1, "in test")
	}
	if string(b2[:8]) != "in test2" {
		t.Fatalf("T2 buffer = %q, want prefix %q", b2, "in test2")
	}
}

// TestScenarioAllocateFreeReallocate exercises S2.
func TestScenarioAllocateFreeReallocate(t *testing.T) {
	rt := newTestRuntime(t)
	main := rt.Current()

	worker := rt.Create(func(any) any {
		self := rt.Current()
		big, err := rt.ThreadAllocate(self, 4096*10)
		if err != nil {
			t.Errorf("ThreadAllocate big: %v", err)
			return nil
		}
		copy(big, "in test")
		if err := rt.ThreadDeallocate(self, big); err != nil {
			t.Errorf("ThreadDeallocate: %v", err)
		}
		small, err := rt.ThreadAllocate(self, 40)
		if err != nil {
			t.Errorf("ThreadAllocate small: %v", err)
			return nil
		}
		copy(small, "in test1")
		rt.Exit(self, small)
		return nil
	}, nil)

	ret := rt.Join(main, worker)
	buf, ok := ret.([]byte)
	if !ok {
		t.Fatalf("Join result not []byte: %T", ret)
	}
	if string(buf[:8]) != "in test1" {
		t.Fatalf("final buffer = %q, want prefix %q", buf, "in test1")
	}
}

// TestScenarioMutexCounterReachesExpectedTotal exercises S4.
func TestScenarioMutexCounterReachesExpectedTotal(t *testing.T) {
	rt := newTestRuntime(t)
	main := rt.Current()
	m := xmutex.New(rt.Sched)

	shared, err := rt.Shalloc(8)
	if err != nil {
		t.Fatalf("Shalloc: %v", err)
	}
	get := func() int64 {
		var v int64
		for i := 0; i < 8; i++ {
			v |= int64(shared[i]) << (8 * i)
		}
		return v
	}
	set := func(v int64) {
		for i := 0; i < 8; i++ {
			shared[i] = byte(v >> (8 * i))
		}
	}
	set(0)

	const iters = 200
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		rt.Create(func(any) any {
			self := rt.Current()
			for j := 0; j < iters; j++ {
				m.Lock(self)
				set(get() + 1)
				m.Unlock(self)
				rt.Yield(self)
			}
			done <- struct{}{}
			return nil
		}, nil)
	}

	for i := 0; i < 2; i++ {
		if !driveUntil(rt, main, done, 5*time.Second) {
			t.Fatalf("worker did not finish in time, counter = %d", get())
		}
	}
	if got := get(); got != 2*iters {
		t.Fatalf("counter = %d, want %d", got, 2*iters)
	}
}

// TestScenarioMultiPageWorkingSet exercises S5: thread a's allocation
// spans two pages; it yields (staying alive, not exiting) so thread b
// can run and fault its own page into the shared frame pool, then a is
// redispatched and must still read back both of its pages correctly.
func TestScenarioMultiPageWorkingSet(t *testing.T) {
	rt := newTestRuntime(t)
	main := rt.Current()

	a := rt.Create(func(any) any {
		self := rt.Current()
		buf, err := rt.ThreadAllocate(self, 4096+64)
		if err != nil {
			t.Errorf("ThreadAllocate: %v", err)
			return nil
		}
		buf[0] = 0x11
		buf[4096] = 0x22

		rt.Yield(self) // let b run and fault while a's working set stays live

		ok := buf[0] == 0x11 && buf[4096] == 0x22
		rt.Exit(self, ok)
		return nil
	}, nil)

	b := rt.Create(func(any) any {
		self := rt.Current()
		if _, err := rt.ThreadAllocate(self, 16); err != nil {
			t.Errorf("ThreadAllocate: %v", err)
		}
		rt.Exit(self, nil)
		return nil
	}, nil)

	ret := rt.Join(main, a)
	ok, okType := ret.(bool)
	if !okType || !ok {
		t.Fatalf("a's two-page working set did not survive b's fault: Join returned %v", ret)
	}
	rt.Join(main, b)
}
