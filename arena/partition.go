// Package arena implements the boundary-tag first-fit allocator that backs
// every partition in the runtime — the library partition, the shared
// partition, and each thread's page-backed partition. It operates on plain
// Go byte slices; callers decide whether the backing bytes live on the
// regular heap or inside mmap'd, mprotect-able pages (see paging.Engine).
package arena

import (
	"unsafe"
)

// blockHeader is the boundary tag flanking every block, used identically
// as the head and the tail (the spec.md invariant "head and tail structs
// are bitwise-equal copies" — enforced by always writing both together in
// setBlockMetadata).
type blockHeader struct {
	used        bool
	payloadSize uintptr
}

const headerSize = unsafe.Sizeof(blockHeader{})
const dblHeaderSize = headerSize * 2

// blockSize returns the total bytes (head + payload + tail) a block of the
// given payload occupies.
func blockSize(payload uintptr) uintptr {
	return payload + dblHeaderSize
}

func headerAt(buf []byte, off uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(&buf[off]))
}

// tailOffset returns the byte offset of a block's tail header given the
// offset of its (already-initialized) head header.
func tailOffset(buf []byte, headOff uintptr) uintptr {
	h := headerAt(buf, headOff)
	return headOff + headerSize + h.payloadSize
}

// headOffset returns the byte offset of a block's head header given the
// offset of its (already-initialized) tail header.
func headOffset(buf []byte, tailOff uintptr) uintptr {
	t := headerAt(buf, tailOff)
	return tailOff - headerSize - t.payloadSize
}

func setBlockMetadata(buf []byte, off uintptr, used bool, payload uintptr) {
	h := headerAt(buf, off)
	h.used = used
	h.payloadSize = payload
	*headerAt(buf, tailOffset(buf, off)) = *h
}

func setBlockUsed(buf []byte, off uintptr, used bool) {
	h := headerAt(buf, off)
	h.used = used
	headerAt(buf, tailOffset(buf, off)).used = used
}

func setBlockPayloadSize(buf []byte, off uintptr, payload uintptr) {
	h := headerAt(buf, off)
	h.payloadSize = payload
	headerAt(buf, tailOffset(buf, off)).payloadSize = payload
}

// Partition is a bounded region of a byte slice served by the boundary-tag
// allocator: firstHead/lastTail bound the region exactly as spec.md §3
// describes.
type Partition struct {
	buf       []byte
	firstHead uintptr
	lastTail  uintptr
}

// NewPartition carves a fresh single-free-block partition out of buf. buf
// must be at least 2*headerSize bytes.
func NewPartition(buf []byte) *Partition {
	payload := uintptr(len(buf)) - dblHeaderSize
	setBlockMetadata(buf, 0, false, payload)
	return &Partition{
		buf:       buf,
		firstHead: 0,
		lastTail:  tailOffset(buf, 0),
	}
}

// Extend grows the partition by size bytes, taken from the unused tail of
// its own backing array (the caller — typically the paging engine growing
// a thread's partition one freshly-faulted-in page at a time — must have
// given NewPartition a buf whose capacity already spans every byte the
// partition could ever grow into; growth here only re-slices, it never
// reallocates, so every pointer returned by a prior Alloc stays valid).
func (p *Partition) Extend(size uintptr) {
	newLen := len(p.buf) + int(size)
	if newLen > cap(p.buf) {
		panic("arena: Extend beyond partition's backing capacity")
	}
	p.buf = p.buf[:newLen]
	lastHead := headOffset(p.buf, p.lastTail)
	h := headerAt(p.buf, lastHead)
	if h.used {
		newHeadOff := p.lastTail + headerSize
		setBlockMetadata(p.buf, newHeadOff, false, size-dblHeaderSize)
		p.lastTail = tailOffset(p.buf, newHeadOff)
	} else {
		setBlockMetadata(p.buf, lastHead, false, h.payloadSize+size)
		p.lastTail = tailOffset(p.buf, lastHead)
	}
}

// Alloc returns size bytes from the partition's free list (first-fit), or
// nil if no free block is large enough. A candidate block is taken whole
// (no split) when the remainder after carving out size would be too small
// to host another block's two headers.
func (p *Partition) Alloc(size uintptr) []byte {
	off := p.firstHead
	for {
		h := headerAt(p.buf, off)
		if !h.used && size <= h.payloadSize {
			break
		}
		off += blockSize(h.payloadSize)
		if off-headerSize == p.lastTail {
			return nil
		}
	}
	h := headerAt(p.buf, off)
	if size+dblHeaderSize >= h.payloadSize {
		setBlockUsed(p.buf, off, true)
	} else {
		remainder := h.payloadSize - (size + dblHeaderSize)
		setBlockMetadata(p.buf, off, true, size)
		nextOff := tailOffset(p.buf, off) + headerSize
		setBlockMetadata(p.buf, nextOff, false, remainder)
	}
	payloadOff := off + headerSize
	return p.buf[payloadOff : payloadOff+size]
}

// Free releases ptr's block, coalescing with either neighbor that is
// itself free. It reports whether ptr's block belonged to this partition.
func (p *Partition) Free(ptr []byte) bool {
	if len(ptr) == 0 {
		return false
	}
	base := uintptr(unsafe.Pointer(&p.buf[0]))
	pbase := uintptr(unsafe.Pointer(&ptr[0]))
	if pbase < base+p.firstHead+headerSize || pbase >= base+p.lastTail {
		return false
	}
	headOff := (pbase - base) - headerSize
	tailOff := tailOffset(p.buf, headOff)

	if headOff != p.firstHead {
		prevTailOff := headOff - headerSize
		prevTail := headerAt(p.buf, prevTailOff)
		if !prevTail.used {
			newPayload := headerAt(p.buf, headOff).payloadSize + prevTail.payloadSize + dblHeaderSize
			headOff = headOffset(p.buf, prevTailOff)
			setBlockPayloadSize(p.buf, headOff, newPayload)
		}
	}
	if tailOff != p.lastTail {
		nextHeadOff := tailOff + headerSize
		nextHead := headerAt(p.buf, nextHeadOff)
		if !nextHead.used {
			newPayload := headerAt(p.buf, tailOff).payloadSize + nextHead.payloadSize + dblHeaderSize
			tailOff = tailOffset(p.buf, nextHeadOff)
			setBlockPayloadSize(p.buf, headOff, newPayload)
		}
	}
	setBlockUsed(p.buf, headOff, false)
	return true
}

// Contains reports whether ptr starts inside this partition's block
// area. It is a cheap bounds check only: it does not tell whether ptr's
// block is still allocated or was freed and coalesced.
func (p *Partition) Contains(ptr []byte) bool {
	if len(ptr) == 0 || len(p.buf) == 0 {
		return false
	}
	base := uintptr(unsafe.Pointer(&p.buf[0]))
	pbase := uintptr(unsafe.Pointer(&ptr[0]))
	return pbase >= base+p.firstHead+headerSize && pbase < base+p.lastTail
}
