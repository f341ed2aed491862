package arena

import "testing"

func TestAllocRoundTripsBoundaryTags(t *testing.T) {
	p := NewPartition(make([]byte, 256))
	a := p.Alloc(32)
	if a == nil || len(a) != 32 {
		t.Fatalf("Alloc(32) = %v, want 32-byte slice", a)
	}
	for i := range a {
		a[i] = byte(i)
	}
	b := p.Alloc(16)
	if b == nil || len(b) != 16 {
		t.Fatalf("Alloc(16) = %v, want 16-byte slice", b)
	}
	for i, v := range a {
		if v != byte(i) {
			t.Fatalf("a[%d] corrupted by second Alloc: got %d", i, v)
		}
	}
}

func TestFreeCoalescesBothNeighbors(t *testing.T) {
	p := NewPartition(make([]byte, 512))
	a := p.Alloc(32)
	b := p.Alloc(32)
	c := p.Alloc(32)
	if a == nil || b == nil || c == nil {
		t.Fatalf("setup Alloc failed")
	}
	if !p.Free(a) {
		t.Fatalf("Free(a) = false")
	}
	if !p.Free(c) {
		t.Fatalf("Free(c) = false")
	}
	if !p.Free(b) {
		t.Fatalf("Free(b) = false")
	}
	big := p.Alloc(32 * 3)
	if big == nil {
		t.Fatalf("Alloc after full coalesce failed, partition did not merge free blocks")
	}
}

func TestAllocReuseAfterFree(t *testing.T) {
	p := NewPartition(make([]byte, 512))
	first := p.Alloc(100)
	if first == nil {
		t.Fatalf("first Alloc(100) failed")
	}
	second := p.Alloc(100)
	if second == nil {
		t.Fatalf("second Alloc(100) failed")
	}
	if !p.Free(first) {
		t.Fatalf("Free(first) failed")
	}
	third := p.Alloc(100)
	if third == nil {
		t.Fatalf("third Alloc(100) failed")
	}
	if &first[0] != &third[0] {
		t.Fatalf("first-fit reuse expected third Alloc to reclaim first's freed block")
	}
}

func TestAllocNoSpaceReturnsNil(t *testing.T) {
	p := NewPartition(make([]byte, 64))
	if got := p.Alloc(1000); got != nil {
		t.Fatalf("Alloc(1000) in a 64-byte partition = %v, want nil", got)
	}
}

func TestContainsInsideAndOutsidePartition(t *testing.T) {
	p := NewPartition(make([]byte, 256))
	a := p.Alloc(32)
	if !p.Contains(a) {
		t.Fatalf("Contains(a) = false right after Alloc")
	}
	outside := make([]byte, 32)
	if p.Contains(outside) {
		t.Fatalf("Contains(outside) = true, want false")
	}
}

func TestExtendGrowsUsableSpace(t *testing.T) {
	backing := make([]byte, 512)
	p := NewPartition(backing[:64])
	if got := p.Alloc(100); got != nil {
		t.Fatalf("Alloc(100) succeeded before Extend in a 64-byte partition")
	}
	p.Extend(448)
	got := p.Alloc(100)
	if got == nil {
		t.Fatalf("Alloc(100) failed after Extend(448)")
	}
}

func TestExtendBeyondCapacityPanics(t *testing.T) {
	backing := make([]byte, 64)
	p := NewPartition(backing)
	defer func() {
		if recover() == nil {
			t.Fatalf("Extend beyond capacity did not panic")
		}
	}()
	p.Extend(1)
}
