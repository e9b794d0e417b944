// ABOUTME: Rolling average handling time per queue key, fed by conversation closures.
// ABOUTME: Serves as the historical source for queue wait estimates.

package metrics

import (
	"sync"
	"time"

	"github.com/2389/civic-desk/internal/queue"
)

// DefaultWindow is the number of recent samples averaged per key.
const DefaultWindow = 50

type ring struct {
	samples []time.Duration
	next    int
	full    bool
	sum     time.Duration
}

func (r *ring) add(d time.Duration) {
	if r.full {
		r.sum -= r.samples[r.next]
	}
	r.samples[r.next] = d
	r.sum += d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) count() int {
	if r.full {
		return len(r.samples)
	}
	return r.next
}

// HandlingStats records how long agents spend on conversations.
type HandlingStats struct {
	mu     sync.RWMutex
	window int
	keys   map[queue.Key]*ring
	closed map[queue.Key]int64
}

var _ queue.HandlingTimes = (*HandlingStats)(nil)

// NewHandlingStats creates stats keeping the last window samples per key.
func NewHandlingStats(window int) *HandlingStats {
	if window <= 0 {
		window = DefaultWindow
	}
	return &HandlingStats{
		window: window,
		keys:   make(map[queue.Key]*ring),
		closed: make(map[queue.Key]int64),
	}
}

// Record adds one handling time sample for key. Non-positive durations are ignored.
func (h *HandlingStats) Record(key queue.Key, d time.Duration) {
	if d <= 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.keys[key]
	if !ok {
		r = &ring{samples: make([]time.Duration, h.window)}
		h.keys[key] = r
	}
	r.add(d)
	h.closed[key]++
}

// AverageHandlingTime returns the rolling mean for key.
func (h *HandlingStats) AverageHandlingTime(key queue.Key) (time.Duration, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.keys[key]
	if !ok || r.count() == 0 {
		return 0, false
	}
	return r.sum / time.Duration(r.count()), true
}

// KeyStats summarizes one key.
type KeyStats struct {
	Key             queue.Key     `json:"key"`
	AverageHandling time.Duration `json:"average_handling"`
	Samples         int           `json:"samples"`
	Closed          int64         `json:"closed"`
}

// Summary returns stats for every key that has samples.
func (h *HandlingStats) Summary() []KeyStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]KeyStats, 0, len(h.keys))
	for k, r := range h.keys {
		n := r.count()
		out = append(out, KeyStats{
			Key:             k,
			AverageHandling: r.sum / time.Duration(n),
			Samples:         n,
			Closed:          h.closed[k],
		})
	}
	return out
}
