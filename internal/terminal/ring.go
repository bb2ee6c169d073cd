package terminal

import (
	"bytes"
	"sync"
)

// terminalReset repaints downstream viewers cleanly after truncation.
const terminalReset = "\x1bc"

// DefaultRingCapacity is the soft cap on buffered terminal output.
const DefaultRingCapacity = 2_000_000

// Ring is a bounded output buffer. On overflow it drops from the front at a
// newline boundary and prefixes a terminal-reset escape so replays repaint
// cleanly. Chunks are never lost from the live stream; only the replay
// snapshot shrinks.
type Ring struct {
	mu       sync.RWMutex
	buf      []byte
	capacity int
	// truncated records that the front of the buffer was evicted.
	truncated bool
}

// NewRing creates a ring with the given soft capacity. capacity <= 0 uses
// DefaultRingCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{capacity: capacity}
}

// Append adds a chunk, evicting from the front when over capacity.
func (r *Ring) Append(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, chunk...)
	if len(r.buf) <= r.capacity {
		return
	}

	drop := len(r.buf) - r.capacity
	// Evict at a newline boundary so the snapshot starts on a whole line.
	if idx := bytes.IndexByte(r.buf[drop:], '\n'); idx >= 0 {
		drop += idx + 1
	} else {
		drop = len(r.buf)
	}
	r.buf = append([]byte(nil), r.buf[drop:]...)
	r.truncated = true
}

// Snapshot returns a copy of the buffered output, prefixed with a terminal
// reset when the front has been evicted.
func (r *Ring) Snapshot() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.truncated {
		return append([]byte(nil), r.buf...)
	}
	out := make([]byte, 0, len(terminalReset)+len(r.buf))
	out = append(out, terminalReset...)
	return append(out, r.buf...)
}

// Len reports the buffered byte count (excluding any reset prefix).
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}
