// Package paging implements the per-thread page-isolation illusion: a
// fixed pool of physical frames plus an overflow swap file, addressed
// through a page table whose rows never move — only their tenant
// (owning thread, logical page number) does. Every thread's logical
// page k lives at the same frame-pool row k; whichever thread is
// scheduled "owns" that row until another thread's page k displaces it.
package paging

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Engine owns the frame pool, swap file, and page table for one runtime
// instance.
type Engine struct {
	mu       sync.Mutex
	frames   []byte
	swap     *swapFile
	table    []Row
	pageSize int
	numMem   int
	numSwap  int
	log      zerolog.Logger
}

// NewEngine mmaps numMemPages frames and opens a swap file sized for
// numSwapPages, wiring up a page table with one pinned row per frame and
// per swap slot.
func NewEngine(numMemPages, numSwapPages, pageSize int, swapDir string, log zerolog.Logger) (*Engine, error) {
	if numMemPages <= 0 {
		return nil, fmt.Errorf("paging: numMemPages must be positive, got %d", numMemPages)
	}
	frames, err := unix.Mmap(-1, 0, numMemPages*pageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("paging: mmap %d frames: %w", numMemPages, err)
	}
	sf, err := openSwapFile(swapDir+"/swapfile", int64(numSwapPages*pageSize))
	if err != nil {
		_ = unix.Munmap(frames)
		return nil, err
	}

	e := &Engine{
		frames:   frames,
		swap:     sf,
		table:    make([]Row, numMemPages+numSwapPages),
		pageSize: pageSize,
		numMem:   numMemPages,
		numSwap:  numSwapPages,
		log:      log.With().Str("component", "paging").Logger(),
	}
	for i := 0; i < numMemPages; i++ {
		e.table[i] = Row{FrameIdx: i, SwapOff: -1}
	}
	for j := 0; j < numSwapPages; j++ {
		e.table[numMemPages+j] = Row{FrameIdx: -1, SwapOff: int64(j * pageSize)}
	}
	if err := unix.Mprotect(e.frames, unix.PROT_NONE); err != nil {
		_ = sf.close()
		_ = unix.Munmap(frames)
		return nil, fmt.Errorf("paging: initial protect of frame pool: %w", err)
	}
	e.log.Debug().Int("frames", numMemPages).Int("swap_pages", numSwapPages).Msg("engine initialized")
	return e, nil
}

// PageSize reports the configured page size.
func (e *Engine) PageSize() int { return e.pageSize }

// NumMemPages reports the number of physical frames.
func (e *Engine) NumMemPages() int { return e.numMem }

func (e *Engine) frameBytes(fromPage, numPages int) []byte {
	return e.frames[fromPage*e.pageSize : (fromPage+numPages)*e.pageSize]
}

// Resolve ensures owner's logical page is frame-resident at row[page],
// swapping whatever currently occupies that row out first if needed, and
// returns that page's byte window. It is the Go analogue of the fault
// handler: rather than trapping an arbitrary faulting instruction, the
// runtime calls Resolve proactively before handing out or touching a
// page, since Go cannot resume a partially-executed instruction the way
// a real page-fault return does.
func (e *Engine) Resolve(owner uintptr, page uint64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolveLocked(owner, page)
}

func (e *Engine) resolveLocked(owner uintptr, page uint64) ([]byte, error) {
	if int(page) >= e.numMem {
		return nil, fmt.Errorf("paging: logical page %d out of range (only %d frame rows)", page, e.numMem)
	}
	accessed := &e.table[page]

	var wanted, free *Row
	for i := range e.table {
		r := &e.table[i]
		if r.Owner == owner && r.Page == page {
			wanted = r
			break
		}
		if free == nil && r.Owner == 0 {
			free = r
		}
	}

	switch {
	case wanted == accessed:
		if err := e.unprotectRow(accessed); err != nil {
			return nil, err
		}
		return e.frameBytes(int(page), 1), nil

	case wanted != nil:
		if err := e.unprotectRow(accessed); err != nil {
			return nil, err
		}
		if err := e.unprotectRow(wanted); err != nil {
			return nil, err
		}
		if err := e.swapRows(accessed, wanted); err != nil {
			return nil, err
		}
		if err := e.protectRow(wanted); err != nil {
			return nil, err
		}
		return e.frameBytes(int(page), 1), nil

	case free != nil:
		if free != accessed {
			if err := e.unprotectRow(free); err != nil {
				return nil, err
			}
			if err := e.unprotectRow(accessed); err != nil {
				return nil, err
			}
			if err := e.swapRows(accessed, free); err != nil {
				return nil, err
			}
			if err := e.protectRow(free); err != nil {
				return nil, err
			}
		}
		if err := e.unprotectRow(accessed); err != nil {
			return nil, err
		}
		accessed.Owner = owner
		accessed.Page = page
		return e.frameBytes(int(page), 1), nil

	default:
		return nil, fmt.Errorf("paging: arena exhausted, no free row for owner %#x page %d", owner, page)
	}
}

// ResolvePrefix ensures owner's logical pages 0..numPages-1 are all
// frame-resident, in order, and returns the contiguous window spanning
// them — exactly the window a thread's growing partition lives in, since
// logical page k always pins to frame row k.
func (e *Engine) ResolvePrefix(owner uintptr, numPages int) ([]byte, error) {
	if numPages == 0 {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for p := 0; p < numPages; p++ {
		if _, err := e.resolveLocked(owner, uint64(p)); err != nil {
			return nil, err
		}
	}
	return e.frameBytes(0, numPages), nil
}

// ProtectAll mprotects every frame row currently owned by owner, denying
// access until the thread is dispatched again. Called when the scheduler
// switches a thread out.
func (e *Engine) ProtectAll(owner uintptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < e.numMem; i++ {
		if e.table[i].Owner == owner {
			if err := e.protectRow(&e.table[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnprotectAll re-resolves every page owned by owner back into its own
// frame row (swapping in any page another thread displaced, whether to a
// different frame or to the swap file) and leaves those rows open.
// Called when the scheduler dispatches a thread in.
func (e *Engine) UnprotectAll(owner uintptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var pages []uint64
	for i := range e.table {
		if e.table[i].Owner == owner {
			pages = append(pages, e.table[i].Page)
		}
	}
	for _, p := range pages {
		if _, err := e.resolveLocked(owner, p); err != nil {
			return err
		}
	}
	return nil
}

// Release marks every row owned by owner as unowned, making them
// available to the next thread that faults on those page numbers. It
// does not zero their content, and neither does Resolve: the next owner
// receives the row with the previous tenant's bytes still in it.
func (e *Engine) Release(owner uintptr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.table {
		if e.table[i].Owner == owner {
			e.table[i].Owner = 0
			e.table[i].Page = 0
		}
	}
}

// Close releases the frame pool mapping and swap file.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err1 := e.swap.close()
	err2 := unix.Munmap(e.frames)
	if err1 != nil {
		return err1
	}
	return err2
}

func (e *Engine) protectRow(r *Row) error {
	if !r.resident() {
		return nil
	}
	return unix.Mprotect(e.frameBytes(r.FrameIdx, 1), unix.PROT_NONE)
}

func (e *Engine) unprotectRow(r *Row) error {
	if !r.resident() {
		return nil
	}
	return unix.Mprotect(e.frameBytes(r.FrameIdx, 1), unix.PROT_READ|unix.PROT_WRITE)
}

// swapRows exchanges the content and tenant of two rows, leaving each
// row's own storage location (frame index or swap offset) untouched —
// only what's stored there, and who it belongs to, moves.
func (e *Engine) swapRows(r1, r2 *Row) error {
	if r1 == r2 {
		return nil
	}
	c1 := make([]byte, e.pageSize)
	if err := e.readRow(r1, c1); err != nil {
		return err
	}
	c2 := make([]byte, e.pageSize)
	if err := e.readRow(r2, c2); err != nil {
		return err
	}
	if err := e.writeRow(r1, c2); err != nil {
		return err
	}
	if err := e.writeRow(r2, c1); err != nil {
		return err
	}
	r1.Owner, r2.Owner = r2.Owner, r1.Owner
	r1.Page, r2.Page = r2.Page, r1.Page
	return nil
}

func (e *Engine) readRow(r *Row, buf []byte) error {
	if r.resident() {
		copy(buf, e.frameBytes(r.FrameIdx, 1))
		return nil
	}
	return e.swap.readPage(r.SwapOff, buf)
}

func (e *Engine) writeRow(r *Row, buf []byte) error {
	if r.resident() {
		copy(e.frameBytes(r.FrameIdx, 1), buf)
		return nil
	}
	return e.swap.writePage(r.SwapOff, buf)
}
