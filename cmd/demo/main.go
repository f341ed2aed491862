package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/RU-CS416-SPRING2017/Asst2/arena"
	"github.com/RU-CS416-SPRING2017/Asst2/runtime"
	"github.com/RU-CS416-SPRING2017/Asst2/xmutex"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var g errgroup.Group
	g.Go(func() error { return scenarioSharedStrings(log.With().Str("scenario", "S1").Logger()) })
	g.Go(func() error { return scenarioAllocFreeRealloc(log.With().Str("scenario", "S2").Logger()) })
	g.Go(func() error { return scenarioMutexCounter(log.With().Str("scenario", "S4").Logger()) })
	g.Go(func() error { return scenarioMultiPage(log.With().Str("scenario", "S5").Logger()) })

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("scenario failed")
	}
	log.Info().Msg("all scenarios passed")
}

func newDemoRuntime(log zerolog.Logger) (*runtime.Runtime, error) {
	cfg := arena.DefaultConfig(uintptr(os.Getpagesize()))
	rt, err := runtime.New(cfg, os.TempDir(), log)
	if err != nil {
		return nil, fmt.Errorf("initializing runtime: %w", err)
	}
	return rt, nil
}

// scenarioSharedStrings is S1: two threads each write a string into
// their own shalloc'd region and exit with the pointer; main joins both.
func scenarioSharedStrings(log zerolog.Logger) error {
	rt, err := newDemoRuntime(log)
	if err != nil {
		return err
	}
	defer rt.Close()
	main := rt.Current()

	t1 := rt.Create(func(any) any {
		self := rt.Current()
		buf, err := rt.Shalloc(40)
		if err != nil {
			log.Error().Err(err).Msg("T1 Shalloc failed")
			return nil
		}
		copy(buf, "in test")
		log.Info().Msg("in test")
		rt.Exit(self, buf)
		return nil
	}, nil)

	t2 := rt.Create(func(any) any {
		self := rt.Current()
		buf, err := rt.Shalloc(40)
		if err != nil {
			log.Error().Err(err).Msg("T2 Shalloc failed")
			return nil
		}
		copy(buf, "in test2")
		log.Info().Msg("in test2")
		rt.Exit(self, buf)
		return nil
	}, nil)

	log.Info().Msg("in main")
	r1, _ := rt.Join(main, t1).([]byte)
	r2, _ := rt.Join(main, t2).([]byte)
	if r1 == nil || r2 == nil {
		return fmt.Errorf("scenarioSharedStrings: a joined thread returned no buffer")
	}
	log.Info().Str("t1", string(r1)).Str("t2", string(r2)).Msg("joined")
	return nil
}

// scenarioAllocFreeRealloc is S2: a thread allocates a large block,
// writes to it, frees it, then allocates a small block and writes again.
func scenarioAllocFreeRealloc(log zerolog.Logger) error {
	rt, err := newDemoRuntime(log)
	if err != nil {
		return err
	}
	defer rt.Close()
	main := rt.Current()

	worker := rt.Create(func(any) any {
		self := rt.Current()
		big, err := rt.ThreadAllocate(self, 4096*800)
		if err != nil {
			log.Error().Err(err).Msg("ThreadAllocate(big) failed")
			return nil
		}
		copy(big, "in test")
		log.Info().Msg("in test")
		if err := rt.ThreadDeallocate(self, big); err != nil {
			log.Error().Err(err).Msg("ThreadDeallocate failed")
			return nil
		}
		small, err := rt.ThreadAllocate(self, 40)
		if err != nil {
			log.Error().Err(err).Msg("ThreadAllocate(small) failed")
			return nil
		}
		copy(small, "in test1")
		log.Info().Msg("in test1")
		rt.Exit(self, small)
		return nil
	}, nil)

	ret, _ := rt.Join(main, worker).([]byte)
	if ret == nil {
		return fmt.Errorf("scenarioAllocFreeRealloc: worker returned no buffer")
	}
	log.Info().Str("result", string(ret)).Msg("joined")
	return nil
}

// scenarioMutexCounter is S4: two threads each lock/unlock a shared
// mutex 10,000 times around incrementing a shalloc'd counter.
func scenarioMutexCounter(log zerolog.Logger) error {
	rt, err := newDemoRuntime(log)
	if err != nil {
		return err
	}
	defer rt.Close()
	main := rt.Current()
	m := xmutex.New(rt.Sched)

	shared, err := rt.Shalloc(8)
	if err != nil {
		return fmt.Errorf("Shalloc counter: %w", err)
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

	const iters = 10000
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
		for {
			select {
			case <-done:
				goto next
			default:
				rt.Yield(main)
			}
		}
	next:
	}

	if got := get(); got != 2*iters {
		return fmt.Errorf("scenarioMutexCounter: counter = %d, want %d", got, 2*iters)
	}
	log.Info().Int64("counter", get()).Msg("mutex scenario converged")
	return nil
}

// scenarioMultiPage is S5: the first thread's allocation spans two
// pages; it yields — staying alive rather than exiting — so the second
// thread can run and fault its own page into the shared frame pool, then
// the first thread is redispatched and must still read back both of its
// pages correctly.
func scenarioMultiPage(log zerolog.Logger) error {
	rt, err := newDemoRuntime(log)
	if err != nil {
		return err
	}
	defer rt.Close()
	main := rt.Current()

	first := rt.Create(func(any) any {
		self := rt.Current()
		buf, err := rt.ThreadAllocate(self, 4096+64)
		if err != nil {
			log.Error().Err(err).Msg("ThreadAllocate failed")
			return nil
		}
		buf[0] = 0x11
		buf[4096] = 0x22

		rt.Yield(self)

		ok := buf[0] == 0x11 && buf[4096] == 0x22
		rt.Exit(self, ok)
		return nil
	}, nil)

	second := rt.Create(func(any) any {
		self := rt.Current()
		if _, err := rt.ThreadAllocate(self, 16); err != nil {
			log.Error().Err(err).Msg("ThreadAllocate failed")
		}
		rt.Exit(self, nil)
		return nil
	}, nil)

	ret := rt.Join(main, first)
	ok, okType := ret.(bool)
	if !okType || !ok {
		return fmt.Errorf("scenarioMultiPage: first thread's working set did not survive second thread's fault: %v", ret)
	}
	rt.Join(main, second)

	log.Info().Msg("multi-page working set survived a live displacement")
	return nil
}
