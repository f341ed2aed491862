package arena

// Layout mirrors spec.md §3's arena partitioning: a library partition for
// runtime-internal bookkeeping, a fixed number of physical page frames,
// and a shared partition, with the page table and swap file sized to
// match. Unlike the original C implementation's one-byte-at-a-time
// shrink loop (spec.md §9, "Partition sizing loop"), this is the
// closed-form equivalent the spec recommends.
type Layout struct {
	LibrarySize  uintptr
	SharedSize   uintptr
	NumMemPages  uintptr
	NumSwapPages uintptr
}

// Config is the set of spec.md §6 "Configured constants".
type Config struct {
	// ArenaSize bounds the library partition plus the physical frame pool
	// (the shared partition is carved out of it too, sized SharedPages).
	ArenaSize uintptr
	// SwapMultiple * ArenaSize is the swap file's total byte size.
	SwapMultiple uintptr
	// SharedPages is the size of the shared partition, in pages.
	SharedPages uintptr
	// PageSize is the host's page size (sysconf(_SC_PAGE_SIZE) in the
	// original; unix.Getpagesize() here).
	PageSize uintptr
	// PageTableRowSize is sizeof(pageTableRow) worth of bookkeeping per
	// page. Compute charges one row per swap page and one per frame
	// against the thread share, which lowers the number of frames; the
	// swap page count itself does not depend on it.
	PageTableRowSize uintptr
	// LibraryWeight : ThreadWeight is the ratio spec.md §6 calls
	// "library/thread weights 1:1".
	LibraryWeight, ThreadWeight uintptr
}

// DefaultConfig returns spec.md §6's defaults: an 8,000,000-byte arena, a
// swap file twice that size, a 4-page shared partition, and 1:1
// library:thread weighting.
func DefaultConfig(pageSize uintptr) Config {
	return Config{
		ArenaSize:        8_000_000,
		SwapMultiple:     2,
		SharedPages:      4,
		PageSize:         pageSize,
		PageTableRowSize: 32, // owner + logical page + frame idx + swap offset
		LibraryWeight:    1,
		ThreadWeight:     1,
	}
}

// Compute derives a Layout from cfg via closed-form arithmetic: the
// library:thread split of (ArenaSize - sharedSize) first, then the
// number of resident frames that fit the thread share once the page
// table's own footprint (sized for numMemPages+numSwapPages rows) is
// subtracted.
func (cfg Config) Compute() Layout {
	sharedSize := cfg.SharedPages * cfg.PageSize
	budget := cfg.ArenaSize - sharedSize
	numDiv := cfg.LibraryWeight + cfg.ThreadWeight
	div := budget / numDiv
	threadShare := div * cfg.ThreadWeight
	librarySize := budget - threadShare

	numSwapPages := (cfg.SwapMultiple * cfg.ArenaSize) / cfg.PageSize
	swapTableBytes := numSwapPages * cfg.PageTableRowSize
	memShare := threadShare - swapTableBytes
	pageWithRow := cfg.PageSize + cfg.PageTableRowSize
	numMemPages := memShare / pageWithRow

	return Layout{
		LibrarySize:  librarySize,
		SharedSize:   sharedSize,
		NumMemPages:  numMemPages,
		NumSwapPages: numSwapPages,
	}
}

// Arena aggregates the two boundary-tag partitions that are not
// page-protected (the physical frame pool, which is, lives in the paging
// package instead since it alone needs real mmap/mprotect).
type Arena struct {
	Library *Partition
	Shared  *Partition
}

// New carves the library and shared partitions out of freshly-allocated
// Go byte slices sized per layout. Neither partition is ever protected or
// swapped — spec.md's page-protection invariants apply only to thread
// frames (see the paging package).
func New(layout Layout) *Arena {
	return &Arena{
		Library: NewPartition(make([]byte, layout.LibrarySize)),
		Shared:  NewPartition(make([]byte, layout.SharedSize)),
	}
}
