//go:build !unix

package workerpool

import "time"

// processCPUTime is unavailable here; the pool scales on load and latency only.
func processCPUTime() (time.Duration, error) {
	return 0, nil
}
