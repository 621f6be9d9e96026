package workerpool

import "errors"

var (
	// ErrTimeout is returned when a worker does not answer within RequestTimeout.
	ErrTimeout = errors.New("workerpool: request timeout")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("workerpool: closed")

	// ErrNoWorkers is returned when the pool holds no workers.
	ErrNoWorkers = errors.New("workerpool: no workers")

	// ErrInitTimeout is returned when a new worker is not ready within InitTimeout.
	ErrInitTimeout = errors.New("workerpool: worker init timeout")
)
