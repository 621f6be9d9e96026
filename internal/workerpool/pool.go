package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Worker is one codec execution context. *codec.Worker satisfies it.
type Worker interface {
	Encode(ctx context.Context, pcm []int16, frameSize int) ([]byte, error)
	Decode(ctx context.Context, data []byte) ([]int16, error)
	Pending() int
	Stop()
}

// Factory creates a worker with the given id.
type Factory func(id int) (Worker, error)

// Logger is the logging interface used by the pool.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Decision is the outcome of one scaling evaluation.
type Decision string

// Scaling decisions.
const (
	Hold      Decision = "hold"
	ScaleUp   Decision = "scale_up"
	ScaleDown Decision = "scale_down"
)

// Pool routes codec requests to the least-loaded worker and resizes itself
// under load.
//
// Thread Safety: All methods are safe for concurrent use.
type Pool struct {
	cfg     Config
	factory Factory
	logger  Logger
	cpu     CPUSampler
	now     func() time.Time

	mu        sync.RWMutex
	workers   []Worker
	nextID    int
	lastScale time.Time

	// scaleMu serialises scaling actions; Evaluate may run from the loop and from tests.
	scaleMu sync.Mutex

	latency *durationRing
	cpuLoad *floatRing

	requests   atomic.Uint64
	timeouts   atomic.Uint64
	failures   atomic.Uint64
	scaleUps   atomic.Uint64
	scaleDowns atomic.Uint64

	done     chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	stopOnce sync.Once
}

// Option configures optional Pool collaborators.
type Option func(*Pool)

// WithCPUSampler replaces the process CPU sampler.
func WithCPUSampler(s CPUSampler) Option {
	return func(p *Pool) { p.cpu = s }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool with cfg.MinWorkers workers. Call Start to run the
// scaling and CPU sampling loops.
func New(cfg Config, factory Factory, logger Logger, opts ...Option) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("workerpool: factory is required")
	}
	cfg = cfg.withDefaults()

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		cpu:     NewProcessCPUSampler(),
		now:     time.Now,
		latency: newDurationRing(cfg.LatencyHistory),
		cpuLoad: newFloatRing(10),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		w, err := p.spawn()
		if err != nil {
			p.stopWorkers()
			return nil, fmt.Errorf("starting worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}

	return p, nil
}

// Start launches the scaling loop and the CPU sampler.
func (p *Pool) Start() {
	p.wg.Add(2)
	go p.scaleLoop()
	go p.sampleLoop()
}

// spawn creates a worker, bounded by InitTimeout.
func (p *Pool) spawn() (Worker, error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	type built struct {
		w   Worker
		err error
	}
	ch := make(chan built, 1)
	go func() {
		w, err := p.factory(id)
		ch <- built{w, err}
	}()

	select {
	case b := <-ch:
		return b.w, b.err
	case <-time.After(p.cfg.InitTimeout):
		// A late worker is stopped so its goroutine does not leak.
		go func() {
			if b := <-ch; b.err == nil && b.w != nil {
				b.w.Stop()
			}
		}()
		return nil, ErrInitTimeout
	}
}

// pick returns the worker with the fewest pending requests.
func (p *Pool) pick() (Worker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.workers) == 0 {
		return nil, ErrNoWorkers
	}
	best := p.workers[0]
	bestPending := best.Pending()
	for _, w := range p.workers[1:] {
		if n := w.Pending(); n < bestPending {
			best, bestPending = w, n
		}
	}
	return best, nil
}

// Encode compresses one frame of frameSize samples.
//
// Returns ErrTimeout if the chosen worker does not answer within
// RequestTimeout; the caller is expected to send PCM instead.
func (p *Pool) Encode(ctx context.Context, pcm []int16, frameSize int) ([]byte, error) {
	var out []byte
	err := p.do(ctx, func(ctx context.Context, w Worker) error {
		var err error
		out, err = w.Encode(ctx, pcm, frameSize)
		return err
	})
	return out, err
}

// Decode expands one compressed packet to PCM.
func (p *Pool) Decode(ctx context.Context, data []byte) ([]int16, error) {
	var out []int16
	err := p.do(ctx, func(ctx context.Context, w Worker) error {
		var err error
		out, err = w.Decode(ctx, data)
		return err
	})
	return out, err
}

func (p *Pool) do(ctx context.Context, call func(context.Context, Worker) error) error {
	if p.closed.Load() {
		return ErrClosed
	}
	w, err := p.pick()
	if err != nil {
		return err
	}

	p.requests.Add(1)
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	start := p.now()
	err = call(ctx, w)
	p.latency.add(p.now().Sub(start))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		p.timeouts.Add(1)
		return ErrTimeout
	default:
		p.failures.Add(1)
		return err
	}
}

// Size returns the current number of workers.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// load returns worker count and total pending requests.
func (p *Pool) load() (workers, pending int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		pending += w.Pending()
	}
	return len(p.workers), pending
}

// Decide computes the scaling decision for the current metrics without acting.
func (p *Pool) Decide() Decision {
	workers, pending := p.load()
	if workers == 0 {
		return ScaleUp
	}

	loadRatio := float64(pending) / float64(workers) / p.cfg.PendingPerWorker
	cpu := p.cpuLoad.mean()
	maxLatency := p.latency.max()

	p.mu.RLock()
	sinceScale := p.now().Sub(p.lastScale)
	p.mu.RUnlock()

	overloaded := loadRatio > p.cfg.ScaleUpThreshold ||
		cpu > p.cfg.CPUScaleUp ||
		maxLatency > p.cfg.LatencyScaleUp ||
		pending > workers*p.cfg.PendingScaleFactor
	if overloaded && workers < p.cfg.MaxWorkers && sinceScale >= p.cfg.ScaleUpCooldown {
		return ScaleUp
	}

	idle := loadRatio < p.cfg.ScaleDownThreshold &&
		cpu < p.cfg.CPUScaleDown &&
		maxLatency < p.cfg.LatencyScaleDown &&
		pending == 0
	if idle && workers > p.cfg.MinWorkers && sinceScale >= p.cfg.ScaleDownCooldown {
		return ScaleDown
	}

	return Hold
}

// Evaluate runs one scaling step and returns what it did. A failed scale-up
// is logged and leaves the pool at its previous size.
func (p *Pool) Evaluate() Decision {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	if p.closed.Load() {
		return Hold
	}

	switch d := p.Decide(); d {
	case ScaleUp:
		if err := p.scaleUp(); err != nil {
			p.logWarn("worker pool scale up failed", "error", err)
			return Hold
		}
		return d
	case ScaleDown:
		p.scaleDown()
		return d
	default:
		return Hold
	}
}

func (p *Pool) scaleUp() error {
	w, err := p.spawn()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.lastScale = p.now()
	size := len(p.workers)
	p.mu.Unlock()

	p.scaleUps.Add(1)
	p.logInfo("worker pool scaled up", "workers", size)
	return nil
}

// scaleDown detaches the newest worker, waits for its queue to drain, then stops it.
func (p *Pool) scaleDown() {
	p.mu.Lock()
	if len(p.workers) <= p.cfg.MinWorkers {
		p.mu.Unlock()
		return
	}
	w := p.workers[len(p.workers)-1]
	p.workers = p.workers[:len(p.workers)-1]
	p.lastScale = p.now()
	size := len(p.workers)
	p.mu.Unlock()

	deadline := time.Now().Add(p.cfg.DrainTimeout)
	for w.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(p.cfg.DrainPoll)
	}
	if n := w.Pending(); n > 0 {
		p.logWarn("stopping worker with requests still pending", "pending", n)
	}
	w.Stop()

	p.scaleDowns.Add(1)
	p.logInfo("worker pool scaled down", "workers", size)
}

func (p *Pool) scaleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.Evaluate()
		}
	}
}

func (p *Pool) sampleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CPUSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if pct, err := p.cpu.Sample(); err == nil {
				p.cpuLoad.add(pct)
			}
		}
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers      int           `json:"workers"`
	Pending      int           `json:"pending"`
	PerWorker    []int         `json:"per_worker"`
	Requests     uint64        `json:"requests"`
	Timeouts     uint64        `json:"timeouts"`
	Failures     uint64        `json:"failures"`
	ScaleUps     uint64        `json:"scale_ups"`
	ScaleDowns   uint64        `json:"scale_downs"`
	CPUPercent   float64       `json:"cpu_percent"`
	MaxLatency   time.Duration `json:"max_latency_ns"`
	AvgLatency   time.Duration `json:"avg_latency_ns"`
	LastScaledAt time.Time     `json:"last_scaled_at,omitempty"`
}

// Stats returns current pool metrics.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	per := make([]int, len(p.workers))
	total := 0
	for i, w := range p.workers {
		per[i] = w.Pending()
		total += per[i]
	}
	last := p.lastScale
	p.mu.RUnlock()

	return Stats{
		Workers:      len(per),
		Pending:      total,
		PerWorker:    per,
		Requests:     p.requests.Load(),
		Timeouts:     p.timeouts.Load(),
		Failures:     p.failures.Load(),
		ScaleUps:     p.scaleUps.Load(),
		ScaleDowns:   p.scaleDowns.Load(),
		CPUPercent:   p.cpuLoad.mean(),
		MaxLatency:   p.latency.max(),
		AvgLatency:   p.latency.mean(),
		LastScaledAt: last,
	}
}

// Close stops the loops and every worker. Safe to call more than once.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
		p.wg.Wait()
		p.scaleMu.Lock()
		p.stopWorkers()
		p.scaleMu.Unlock()
	})
}

func (p *Pool) stopWorkers() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
}

func (p *Pool) logInfo(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}

func (p *Pool) logWarn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}
