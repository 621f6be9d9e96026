package workerpool

import (
	"runtime"
	"sync"
	"time"
)

// CPUSampler reports process CPU use as a percentage of all cores.
type CPUSampler interface {
	Sample() (float64, error)
}

// ProcessCPUSampler derives CPU use from the change in process CPU time
// between calls.
type ProcessCPUSampler struct {
	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
	read     func() (time.Duration, error)
}

// NewProcessCPUSampler returns a sampler for the current process.
func NewProcessCPUSampler() *ProcessCPUSampler {
	return &ProcessCPUSampler{read: processCPUTime}
}

// Sample returns CPU use since the previous call. The first call returns 0.
func (s *ProcessCPUSampler) Sample() (float64, error) {
	cpu, err := s.read()
	if err != nil {
		return 0, err
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastWall.IsZero() {
		s.lastCPU, s.lastWall = cpu, now
		return 0, nil
	}

	wall := now.Sub(s.lastWall)
	used := cpu - s.lastCPU
	s.lastCPU, s.lastWall = cpu, now
	if wall <= 0 {
		return 0, nil
	}
	return 100 * float64(used) / float64(wall) / float64(runtime.NumCPU()), nil
}
