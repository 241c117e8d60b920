package router

import (
	"sync"
	"time"

	"github.com/helmcode/crewnet/internal/protocol"
)

// ring is a fixed-capacity FIFO of entries. The oldest entry is overwritten
// once the ring is full.
type ring struct {
	// deliver serialises append plus broadcast so every subscriber sees
	// the buffer's order.
	deliver sync.Mutex

	mu    sync.Mutex
	buf   []protocol.MessageEntry
	start int
	count int
	last  time.Time
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]protocol.MessageEntry, capacity)}
}

// append stores e and returns it as stored. An entry stamped earlier than
// the tail is moved up to the tail's time.
func (r *ring) append(e protocol.MessageEntry) protocol.MessageEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, err := protocol.ParseTime(e.Time); err == nil {
		if t.Before(r.last) {
			e.Time = protocol.FormatTime(r.last)
		} else {
			r.last = t
		}
	}

	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return e
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
	return e
}

// snapshot copies the entries out in insertion order.
func (r *ring) snapshot() []protocol.MessageEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.MessageEntry, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
