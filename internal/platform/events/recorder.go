package events

import (
	"context"
	"sync"
)

// DefaultCapacity bounds how many events a Recorder keeps.
const DefaultCapacity = 200

// Recorder keeps the most recent events in a fixed-size ring.
type Recorder struct {
	mu    sync.RWMutex
	buf   []Event
	next  int
	full  bool
	total int
}

// NewRecorder creates a recorder holding at most capacity events. A
// non-positive capacity falls back to DefaultCapacity.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{buf: make([]Event, capacity)}
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.total++
}

// Len returns the number of events currently retained.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Total returns how many events were ever recorded, including evicted ones.
func (r *Recorder) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// All returns the retained events, oldest first.
func (r *Recorder) All() []Event {
	return r.Recent(0)
}

// Recent returns up to n of the newest events, oldest first. n <= 0 returns
// everything retained.
func (r *Recorder) Recent(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ordered []Event
	if r.full {
		ordered = make([]Event, 0, len(r.buf))
		ordered = append(ordered, r.buf[r.next:]...)
		ordered = append(ordered, r.buf[:r.next]...)
	} else {
		ordered = append([]Event(nil), r.buf[:r.next]...)
	}

	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
