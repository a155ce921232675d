package metering

import (
	"sync/atomic"
	"time"
)

// DefaultCapacity is the number of records a Ring keeps when none is given.
const DefaultCapacity = 1000

// Ring is a bounded, append-only buffer of call records. Appends are
// lock-free; once full, the oldest record is overwritten. Readers see an
// eventually consistent snapshot.
type Ring struct {
	slots []atomic.Pointer[CallRecord]
	next  atomic.Uint64
}

// NewRing creates a Ring holding at most capacity records.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{slots: make([]atomic.Pointer[CallRecord], capacity)}
}

// Append stores rec, evicting the oldest record when the ring is full.
func (r *Ring) Append(rec CallRecord) {
	seq := r.next.Add(1) - 1
	r.slots[seq%uint64(len(r.slots))].Store(&rec)
}

// Capacity returns the maximum number of records retained.
func (r *Ring) Capacity() int {
	return len(r.slots)
}

// Len returns the number of records currently retained.
func (r *Ring) Len() int {
	n := r.next.Load()
	if n > uint64(len(r.slots)) {
		return len(r.slots)
	}
	return int(n)
}

// Snapshot returns the retained records, oldest first.
func (r *Ring) Snapshot() []CallRecord {
	return r.collect(func(CallRecord) bool { return true }, 0)
}

// Since returns records whose timestamp is at or after t, oldest first.
func (r *Ring) Since(t time.Time) []CallRecord {
	return r.collect(func(rec CallRecord) bool { return !rec.Timestamp.Before(t) }, 0)
}

// Recent returns up to limit records, most recent first.
func (r *Ring) Recent(limit int) []CallRecord {
	if limit <= 0 {
		return nil
	}
	recs := r.collect(func(CallRecord) bool { return true }, limit)
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs
}

// collect walks the retained window oldest first. When limit is positive only
// the newest limit records are considered.
func (r *Ring) collect(keep func(CallRecord) bool, limit int) []CallRecord {
	end := r.next.Load()
	size := uint64(len(r.slots))
	start := uint64(0)
	if end > size {
		start = end - size
	}
	if limit > 0 && end-start > uint64(limit) {
		start = end - uint64(limit)
	}

	out := make([]CallRecord, 0, end-start)
	for seq := start; seq < end; seq++ {
		p := r.slots[seq%size].Load()
		// A slot may still be empty if its writer has not stored yet.
		if p == nil {
			continue
		}
		if keep(*p) {
			out = append(out, *p)
		}
	}
	return out
}
