// Package runtime is the public entry point aggregating the arena,
// paging, and scheduler packages into the cooperative/preemptive
// user-level threading runtime the rest of this module implements.
package runtime

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/RU-CS416-SPRING2017/Asst2/arena"
	"github.com/RU-CS416-SPRING2017/Asst2/paging"
	"github.com/RU-CS416-SPRING2017/Asst2/sched"
)

// faultAddr is the interface debug.SetPanicOnFault's panic value
// implements when a memory access hits hardware-enforced protection
// (mprotect's PROT_NONE) rather than a genuine Go bug.
type faultAddr interface{ Addr() uintptr }

// withFaultRecovery runs fn with SetPanicOnFault enabled. If fn panics on
// a protected memory access, it calls resolve to re-establish residency
// and retries fn once — the reactive half of fault handling, backstopping
// ResolvePrefix/Resolve's proactive unprotect-before-return path for any
// access that still lands on a protected frame.
func withFaultRecovery(resolve func() error, fn func()) (err error) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)

	attempt := func() (faulted bool) {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(faultAddr); ok {
					faulted = true
					return
				}
				panic(r)
			}
		}()
		fn()
		return false
	}

	if !attempt() {
		return nil
	}
	if rerr := resolve(); rerr != nil {
		return fmt.Errorf("runtime: reactive resolve after fault: %w", rerr)
	}
	if attempt() {
		return fmt.Errorf("runtime: memory access faulted again after reactive resolve")
	}
	return nil
}

// Runtime wires together a scheduler, a paging engine, and the arena
// partitions (library and shared) the original library split its memory
// into. Thread partitions are tracked per-TCB, grown one page at a time
// as ThreadAllocate demands more space.
type Runtime struct {
	mu         sync.Mutex
	Sched      *sched.Scheduler
	engine     *paging.Engine
	arena      *arena.Arena
	layout     arena.Layout
	partitions map[uintptr]*arena.Partition
	pagesUsed  map[uintptr]int
	pageSize   uintptr
	log        zerolog.Logger
}

// New builds a Runtime from cfg, mmapping its frame pool and opening a
// swap file under swapDir. It also registers the calling goroutine as
// the scheduler's first ("main") thread.
func New(cfg arena.Config, swapDir string, log zerolog.Logger) (*Runtime, error) {
	layout := cfg.Compute()
	if layout.NumMemPages == 0 {
		return nil, fmt.Errorf("runtime: computed layout has zero memory pages (check Config)")
	}

	engine, err := paging.NewEngine(int(layout.NumMemPages), int(layout.NumSwapPages), int(cfg.PageSize), swapDir, log)
	if err != nil {
		return nil, fmt.Errorf("runtime: initializing paging engine: %w", err)
	}

	rt := &Runtime{
		Sched:      sched.New(engine, log),
		engine:     engine,
		arena:      arena.New(layout),
		layout:     layout,
		partitions: make(map[uintptr]*arena.Partition),
		pagesUsed:  make(map[uintptr]int),
		pageSize:   cfg.PageSize,
		log:        log.With().Str("component", "runtime").Logger(),
	}
	rt.Sched.Bootstrap()
	rt.log.Info().
		Uint64("mem_pages", uint64(layout.NumMemPages)).
		Uint64("swap_pages", uint64(layout.NumSwapPages)).
		Uint64("library_bytes", uint64(layout.LibrarySize)).
		Uint64("shared_bytes", uint64(layout.SharedSize)).
		Msg("runtime initialized")
	return rt, nil
}

var (
	defaultOnce sync.Once
	defaultRT   *Runtime
	defaultErr  error
)

// Default lazily initializes and returns a process-wide Runtime built
// from arena.DefaultConfig, mirroring the original library's
// initialize-on-first-use behavior (myallocate's `if (!memory)` check).
// Unlike the original, failures are returned rather than calling exit —
// only a process's cmd entry point decides whether an initialization
// failure is fatal.
func Default() (*Runtime, error) {
	defaultOnce.Do(func() {
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		defaultRT, defaultErr = New(arena.DefaultConfig(uintptr(os.Getpagesize())), os.TempDir(), log)
	})
	return defaultRT, defaultErr
}

// Create spawns a new thread running fn(arg) and returns its handle.
func (rt *Runtime) Create(fn sched.ThreadFunc, arg any) *sched.TCB {
	return rt.Sched.Create(fn, arg)
}

// Yield gives up the remainder of self's time slice voluntarily.
func (rt *Runtime) Yield(self *sched.TCB) {
	rt.Sched.Yield(self)
}

// Exit terminates self with the given return value, releasing its
// paging rows and partition bookkeeping.
func (rt *Runtime) Exit(self *sched.TCB, ret any) {
	rt.mu.Lock()
	delete(rt.partitions, self.Key())
	delete(rt.pagesUsed, self.Key())
	rt.mu.Unlock()
	rt.Sched.Exit(self, ret)
}

// Join blocks self until target has exited, returning target's result.
func (rt *Runtime) Join(self *sched.TCB, target *sched.TCB) any {
	return rt.Sched.Join(self, target)
}

// Current returns the presently dispatched thread's TCB.
func (rt *Runtime) Current() *sched.TCB {
	return rt.Sched.Current()
}

func (rt *Runtime) totalPagesUsedLocked() int {
	total := 0
	for _, n := range rt.pagesUsed {
		total += n
	}
	return total
}

// canExtendLocked reports whether self may be given one more page:
// neither self's own page count nor the arena's total committed pages
// may reach the frame pool's capacity.
func (rt *Runtime) canExtendLocked(self *sched.TCB) bool {
	if rt.pagesUsed[self.Key()] >= int(rt.layout.NumMemPages) {
		return false
	}
	return rt.totalPagesUsedLocked() < int(rt.layout.NumMemPages)
}

// ThreadAllocate allocates size bytes from self's private, page-isolated
// partition, growing it one page at a time (each growth faulting a new
// page into residence through the paging engine) until the request fits
// or the arena is exhausted.
func (rt *Runtime) ThreadAllocate(self *sched.TCB, size uintptr) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("runtime: ThreadAllocate size must be > 0")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	part, ok := rt.partitions[self.Key()]
	if !ok {
		win, err := rt.engine.Resolve(self.Key(), 0)
		if err != nil {
			return nil, fmt.Errorf("runtime: faulting in first page: %w", err)
		}
		part = arena.NewPartition(win)
		rt.partitions[self.Key()] = part
		rt.pagesUsed[self.Key()] = 1
	}

	reresolve := func() error {
		_, err := rt.engine.ResolvePrefix(self.Key(), rt.pagesUsed[self.Key()])
		return err
	}

	var ret []byte
	if err := withFaultRecovery(reresolve, func() { ret = part.Alloc(size) }); err != nil {
		return nil, err
	}
	for ret == nil && rt.canExtendLocked(self) {
		nextPage := rt.pagesUsed[self.Key()]
		if _, err := rt.engine.Resolve(self.Key(), uint64(nextPage)); err != nil {
			return nil, fmt.Errorf("runtime: faulting in page %d: %w", nextPage, err)
		}
		if err := withFaultRecovery(reresolve, func() { part.Extend(rt.pageSize) }); err != nil {
			return nil, err
		}
		rt.pagesUsed[self.Key()]++
		if err := withFaultRecovery(reresolve, func() { ret = part.Alloc(size) }); err != nil {
			return nil, err
		}
	}
	if ret == nil {
		return nil, fmt.Errorf("runtime: thread partition exhausted for %d bytes", size)
	}
	return ret, nil
}

// Shalloc allocates size bytes from the shared partition, visible to
// every thread.
func (rt *Runtime) Shalloc(size uintptr) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("runtime: Shalloc size must be > 0")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ret := rt.arena.Shared.Alloc(size)
	if ret == nil {
		return nil, fmt.Errorf("runtime: shared partition exhausted for %d bytes", size)
	}
	return ret, nil
}

// ThreadDeallocate releases ptr, routing it to self's thread partition
// first and falling back to the shared partition, matching the
// original's deallocateFrom dispatch.
func (rt *Runtime) ThreadDeallocate(self *sched.TCB, ptr []byte) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if part, ok := rt.partitions[self.Key()]; ok {
		reresolve := func() error {
			_, err := rt.engine.ResolvePrefix(self.Key(), rt.pagesUsed[self.Key()])
			return err
		}
		var freed bool
		if err := withFaultRecovery(reresolve, func() { freed = part.Free(ptr) }); err != nil {
			return err
		}
		if freed {
			return nil
		}
	}
	if rt.arena.Shared.Free(ptr) {
		return nil
	}
	return fmt.Errorf("runtime: ptr not owned by self's partition or the shared partition")
}

// Close tears down the paging engine's mmap'd frame pool and swap file,
// and stops the scheduler's virtual timer.
func (rt *Runtime) Close() error {
	rt.Sched.Stop()
	return rt.engine.Close()
}
