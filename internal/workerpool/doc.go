// Package workerpool spreads codec work across a resizable set of workers.
//
// Every request goes to the worker with the fewest pending requests and is
// bounded by a short timeout; callers fall back to raw PCM when it expires
// instead of stalling the audio path.
//
// A background loop re-evaluates the pool size every CheckInterval:
//
//	scale up    load ratio > ScaleUpThreshold  OR cpu > CPUScaleUp
//	            OR max latency > LatencyScaleUp OR pending > workers × PendingScaleFactor
//	scale down  load ratio < ScaleDownThreshold AND cpu < CPUScaleDown
//	            AND max latency < LatencyScaleDown AND pending == 0
//
// where load ratio is average pending per worker divided by PendingPerWorker.
// Each action changes the size by one worker, respects its own cooldown and
// stays within [MinWorkers, MaxWorkers]. A worker being removed stops
// receiving requests immediately and is given DrainTimeout to finish what it
// already holds.
package workerpool
