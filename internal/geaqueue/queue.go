// Package geaqueue implements the bounded FIFO of variable-size records
// behind the framer send queues and the ERD-client request queue: a ring
// of fixed-capacity slots sized once at construction, index arithmetic
// instead of append/growth, and an explicit "full" rejection instead of
// silently dropping the oldest entry.
package geaqueue

// Queue is a ring of fixed-capacity slots, each holding one variable-size
// record. It never grows after New.
type Queue struct {
	slots [][]byte
	lens  []int
	head  int
	count int
}

// New allocates a Queue holding up to maxRecords records, each up to
// maxRecordSize bytes.
func New(maxRecords, maxRecordSize int) *Queue {
	slots := make([][]byte, maxRecords)
	for i := range slots {
		slots[i] = make([]byte, maxRecordSize)
	}
	return &Queue{slots: slots, lens: make([]int, maxRecords)}
}

// Count returns the number of queued records.
func (q *Queue) Count() int { return q.count }

// Cap returns the maximum number of records this Queue can hold.
func (q *Queue) Cap() int { return len(q.slots) }

// Enqueue appends data as a new record at the tail. It returns false,
// without mutating the queue, if the queue is full or data exceeds the
// per-record capacity.
func (q *Queue) Enqueue(data []byte) bool {
	if q.count == len(q.slots) {
		return false
	}
	idx := q.indexOf(q.count)
	if len(data) > cap(q.slots[idx]) {
		return false
	}
	n := copy(q.slots[idx][:cap(q.slots[idx])], data)
	q.slots[idx] = q.slots[idx][:n]
	q.lens[idx] = n
	q.count++
	return true
}

// PeekSize reports the length of the record at the given queue offset
// (0 = head). ok is false if index is out of range.
func (q *Queue) PeekSize(index int) (size int, ok bool) {
	if index < 0 || index >= q.count {
		return 0, false
	}
	idx := q.indexOf(index)
	return q.lens[idx], true
}

// Peek copies the full record at index into dst, which must be at least as
// large as the record (see PeekSize). It returns the number of bytes copied.
func (q *Queue) Peek(dst []byte, index int) (n int, ok bool) {
	if index < 0 || index >= q.count {
		return 0, false
	}
	idx := q.indexOf(index)
	n = copy(dst, q.slots[idx][:q.lens[idx]])
	return n, true
}

// PeekPartial copies up to len(dst) bytes of the record at index,
// starting baseOffset bytes into the record, and returns the number of
// bytes copied. It lets a caller inspect a record's fixed-size header (or
// any other slice of it) without materializing the whole
// variable-length-tailed record. ok is false if index is out of range or
// baseOffset lies beyond the record's end.
func (q *Queue) PeekPartial(dst []byte, baseOffset, index int) (n int, ok bool) {
	if index < 0 || index >= q.count {
		return 0, false
	}
	idx := q.indexOf(index)
	rec := q.slots[idx][:q.lens[idx]]
	if baseOffset < 0 || baseOffset > len(rec) {
		return 0, false
	}
	return copy(dst, rec[baseOffset:]), true
}

// Discard removes the head record. It returns false if the queue was empty.
func (q *Queue) Discard() bool {
	if q.count == 0 {
		return false
	}
	q.head = (q.head + 1) % len(q.slots)
	q.count--
	return true
}

func (q *Queue) indexOf(offset int) int {
	return (q.head + offset) % len(q.slots)
}
