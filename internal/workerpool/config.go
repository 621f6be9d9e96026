package workerpool

import "time"

// Config is the pool's sizing and scaling policy.
type Config struct {
	MinWorkers int
	MaxWorkers int

	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	CPUScaleUp         float64
	CPUScaleDown       float64
	LatencyScaleUp     time.Duration
	LatencyScaleDown   time.Duration

	// PendingPerWorker is the per-worker queue depth treated as full load.
	PendingPerWorker float64

	// PendingScaleFactor scales up when total pending exceeds workers × factor.
	PendingScaleFactor int

	CheckInterval     time.Duration
	ScaleUpCooldown   time.Duration
	ScaleDownCooldown time.Duration

	RequestTimeout time.Duration
	InitTimeout    time.Duration
	DrainTimeout   time.Duration
	DrainPoll      time.Duration

	CPUSampleInterval time.Duration
	LatencyHistory    int
}

// DefaultConfig returns the policy the gateway ships with.
func DefaultConfig() Config {
	return Config{
		MinWorkers:         2,
		MaxWorkers:         6,
		ScaleUpThreshold:   0.7,
		ScaleDownThreshold: 0.3,
		CPUScaleUp:         60,
		CPUScaleDown:       30,
		LatencyScaleUp:     50 * time.Millisecond,
		LatencyScaleDown:   10 * time.Millisecond,
		PendingPerWorker:   5,
		PendingScaleFactor: 3,
		CheckInterval:      5 * time.Second,
		ScaleUpCooldown:    10 * time.Second,
		ScaleDownCooldown:  20 * time.Second,
		RequestTimeout:     150 * time.Millisecond,
		InitTimeout:        500 * time.Millisecond,
		DrainTimeout:       3 * time.Second,
		DrainPoll:          100 * time.Millisecond,
		CPUSampleInterval:  time.Second,
		LatencyHistory:     100,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinWorkers <= 0 {
		c.MinWorkers = d.MinWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = max(d.MaxWorkers, c.MinWorkers)
	}
	if c.PendingPerWorker <= 0 {
		c.PendingPerWorker = d.PendingPerWorker
	}
	if c.PendingScaleFactor <= 0 {
		c.PendingScaleFactor = d.PendingScaleFactor
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.DrainPoll <= 0 {
		c.DrainPoll = d.DrainPoll
	}
	if c.CPUSampleInterval <= 0 {
		c.CPUSampleInterval = d.CPUSampleInterval
	}
	if c.LatencyHistory <= 0 {
		c.LatencyHistory = d.LatencyHistory
	}
	return c
}
