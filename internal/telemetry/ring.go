package telemetry

import (
	"sync"
	"time"
)

// Call records one generation-provider invocation.
type Call struct {
	Provider string        `json:"provider"`
	Kind     string        `json:"kind"` // "text", "image", "video"
	Duration time.Duration `json:"duration"`
	OK       bool          `json:"ok"`
	CostUSD  float64       `json:"cost_usd"`
	At       time.Time     `json:"at"`
}

// Ring is a fixed-capacity, append-only call log. Oldest entries are evicted
// once capacity is reached.
//
// The ring is owned by the telemetry component and injected into handlers;
// it is never reached through ambient process-wide state.
type Ring struct {
	mu   sync.Mutex
	buf  []Call
	next int
	full bool
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{buf: make([]Call, capacity)}
}

// Record appends a call, evicting the oldest entry when full.
func (r *Ring) Record(c Call) {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	r.mu.Lock()
	r.buf[r.next] = c
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns the recorded calls oldest-first.
func (r *Ring) Snapshot() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Call, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Call, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Len reports how many calls are currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
