package geaqueue

import (
	"bytes"
	"testing"
)

func TestEnqueuePeekDiscardOrder(t *testing.T) {
	q := New(4, 8)
	records := [][]byte{{1}, {2, 2}, {3, 3, 3}}
	for _, r := range records {
		if !q.Enqueue(r) {
			t.Fatalf("enqueue % X failed", r)
		}
	}
	if q.Count() != 3 {
		t.Fatalf("count = %d, want 3", q.Count())
	}
	for _, want := range records {
		size, ok := q.PeekSize(0)
		if !ok || size != len(want) {
			t.Fatalf("peek size = %d/%v, want %d", size, ok, len(want))
		}
		buf := make([]byte, 8)
		n, ok := q.Peek(buf, 0)
		if !ok || !bytes.Equal(buf[:n], want) {
			t.Fatalf("peek = % X, want % X", buf[:n], want)
		}
		if !q.Discard() {
			t.Fatal("discard failed")
		}
	}
	if q.Count() != 0 {
		t.Fatalf("count = %d after drain", q.Count())
	}
}

func TestEnqueueFullRejectsWithoutOverwrite(t *testing.T) {
	q := New(2, 4)
	if !q.Enqueue([]byte{1}) || !q.Enqueue([]byte{2}) {
		t.Fatal("setup enqueues failed")
	}
	if q.Enqueue([]byte{3}) {
		t.Fatal("enqueue into a full queue must fail")
	}
	buf := make([]byte, 4)
	n, _ := q.Peek(buf, 0)
	if !bytes.Equal(buf[:n], []byte{1}) {
		t.Fatalf("head = % X after rejected enqueue, want 01", buf[:n])
	}
}

func TestEnqueueOversizedRecordRejected(t *testing.T) {
	q := New(2, 4)
	if q.Enqueue([]byte{1, 2, 3, 4, 5}) {
		t.Fatal("record larger than slot capacity must be rejected")
	}
	if q.Count() != 0 {
		t.Fatalf("count = %d after rejected enqueue", q.Count())
	}
}

func TestWraparound(t *testing.T) {
	q := New(2, 4)
	q.Enqueue([]byte{1})
	q.Enqueue([]byte{2})
	q.Discard()
	if !q.Enqueue([]byte{3}) {
		t.Fatal("enqueue after discard should reuse the freed slot")
	}
	buf := make([]byte, 4)
	n, _ := q.Peek(buf, 0)
	if !bytes.Equal(buf[:n], []byte{2}) {
		t.Fatalf("head = % X, want 02", buf[:n])
	}
	n, _ = q.Peek(buf, 1)
	if !bytes.Equal(buf[:n], []byte{3}) {
		t.Fatalf("second = % X, want 03", buf[:n])
	}
}

func TestPeekPartialHeader(t *testing.T) {
	q := New(2, 8)
	q.Enqueue([]byte{0xAA, 0xBB, 0xCC, 0xDD})
	head := make([]byte, 2)
	n, ok := q.PeekPartial(head, 0, 0)
	if !ok || n != 2 || head[0] != 0xAA || head[1] != 0xBB {
		t.Fatalf("peek partial = % X (%d, %v)", head, n, ok)
	}
}

func TestPeekPartialWithBaseOffset(t *testing.T) {
	q := New(2, 8)
	q.Enqueue([]byte{0xAA, 0xBB, 0xCC, 0xDD})

	tail := make([]byte, 8)
	n, ok := q.PeekPartial(tail, 2, 0)
	if !ok || n != 2 || tail[0] != 0xCC || tail[1] != 0xDD {
		t.Fatalf("peek partial tail = % X (%d, %v)", tail[:n], n, ok)
	}

	// Offset at the record's end copies nothing but is still in range.
	if n, ok := q.PeekPartial(tail, 4, 0); !ok || n != 0 {
		t.Fatalf("peek partial at end = (%d, %v)", n, ok)
	}
	// Offset beyond the record is out of range.
	if _, ok := q.PeekPartial(tail, 5, 0); ok {
		t.Fatal("offset beyond the record must fail")
	}
	if _, ok := q.PeekPartial(tail, -1, 0); ok {
		t.Fatal("negative offset must fail")
	}
}

func TestPeekOutOfRange(t *testing.T) {
	q := New(2, 4)
	buf := make([]byte, 4)
	if _, ok := q.Peek(buf, 0); ok {
		t.Fatal("peek on empty queue must fail")
	}
	if _, ok := q.PeekSize(-1); ok {
		t.Fatal("negative index must fail")
	}
	if q.Discard() {
		t.Fatal("discard on empty queue must fail")
	}
}

func TestZeroLengthRecord(t *testing.T) {
	q := New(2, 4)
	if !q.Enqueue(nil) {
		t.Fatal("zero-length record should enqueue")
	}
	size, ok := q.PeekSize(0)
	if !ok || size != 0 {
		t.Fatalf("size = %d/%v, want 0", size, ok)
	}
}
