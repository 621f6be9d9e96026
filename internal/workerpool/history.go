package workerpool

import (
	"sync"
	"time"
)

// durationRing keeps the most recent request latencies.
type durationRing struct {
	mu   sync.Mutex
	vals []time.Duration
	next int
	full bool
}

func newDurationRing(size int) *durationRing {
	return &durationRing{vals: make([]time.Duration, size)}
}

func (r *durationRing) add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vals[r.next] = d
	r.next = (r.next + 1) % len(r.vals)
	if r.next == 0 {
		r.full = true
	}
}

func (r *durationRing) snapshot() []time.Duration {
	if r.full {
		return r.vals
	}
	return r.vals[:r.next]
}

func (r *durationRing) max() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var m time.Duration
	for _, d := range r.snapshot() {
		m = max(m, d)
	}
	return m
}

func (r *durationRing) mean() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	vals := r.snapshot()
	if len(vals) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range vals {
		sum += d
	}
	return sum / time.Duration(len(vals))
}

// floatRing keeps recent CPU samples.
type floatRing struct {
	mu   sync.Mutex
	vals []float64
	next int
	full bool
}

func newFloatRing(size int) *floatRing {
	return &floatRing{vals: make([]float64, size)}
}

func (r *floatRing) add(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vals[r.next] = v
	r.next = (r.next + 1) % len(r.vals)
	if r.next == 0 {
		r.full = true
	}
}

func (r *floatRing) mean() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	vals := r.vals[:r.next]
	if r.full {
		vals = r.vals
	}
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
