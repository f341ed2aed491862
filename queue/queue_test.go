package queue

import "testing"

func TestPushPopFIFO(t *testing.T) {
	var q List[int]
	q.Push(1)
	q.Push(2)
	q.Push(3)
	for _, want := range []int{1, 2, 3} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("Pop() = %v, %v; want %v, true", got, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("Pop() on empty queue returned ok=true")
	}
}

func TestRemoveMidQueue(t *testing.T) {
	var q List[string]
	q.Push("a")
	q.Push("b")
	q.Push("c")
	if !q.Remove("b") {
		t.Fatalf("Remove(b) = false, want true")
	}
	if q.Remove("b") {
		t.Fatalf("second Remove(b) = true, want false")
	}
	var got []string
	q.Each(func(s string) { got = append(got, s) })
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("Each() = %v, want [a c]", got)
	}
}

func TestRemoveHeadAndTail(t *testing.T) {
	var q List[int]
	q.Push(1)
	q.Push(2)
	q.Push(3)
	if !q.Remove(1) {
		t.Fatalf("Remove(head) failed")
	}
	if !q.Remove(3) {
		t.Fatalf("Remove(tail) failed")
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
	v, ok := q.Pop()
	if !ok || v != 2 {
		t.Fatalf("Pop() = %v, %v; want 2, true", v, ok)
	}
}

func TestEmptyAndLen(t *testing.T) {
	var q List[int]
	if !q.Empty() {
		t.Fatalf("new queue should be empty")
	}
	q.Push(42)
	if q.Empty() || q.Len() != 1 {
		t.Fatalf("after push: Empty()=%v Len()=%d", q.Empty(), q.Len())
	}
}
