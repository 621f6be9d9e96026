package codec

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// requestQueueSize bounds requests waiting for one worker.
const requestQueueSize = 64

type opKind int

const (
	opEncode opKind = iota
	opDecode
)

type request struct {
	op        opKind
	pcm       []int16
	frameSize int
	data      []byte
	reply     chan result
}

type result struct {
	data []byte
	pcm  []int16
	err  error
	took time.Duration
}

// Factory builds the encoder/decoder pair a new worker owns.
type Factory func() (Encoder, Decoder, error)

// OpusFactory returns a Factory for the gateway's two fixed directions:
// encode at encodeRate for playback, decode at decodeRate for capture.
func OpusFactory(encodeRate, decodeRate int) Factory {
	return func() (Encoder, Decoder, error) {
		enc, err := NewOpusEncoder(encodeRate, 1)
		if err != nil {
			return nil, nil, err
		}
		dec, err := NewOpusDecoder(decodeRate, 1)
		if err != nil {
			return nil, nil, err
		}
		return enc, dec, nil
	}
}

// Worker serialises codec calls onto a single goroutine.
//
// Thread Safety: All methods are safe for concurrent use.
type Worker struct {
	id  int
	enc Encoder
	dec Decoder

	requests chan request
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	pending   atomic.Int64
	processed atomic.Uint64
	failed    atomic.Uint64
	lastTook  atomic.Int64
}

// NewWorker builds a worker from factory and starts its goroutine.
func NewWorker(id int, factory Factory) (*Worker, error) {
	enc, dec, err := factory()
	if err != nil {
		return nil, err
	}
	w := &Worker{
		id:       id,
		enc:      enc,
		dec:      dec,
		requests: make(chan request, requestQueueSize),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// ID returns the worker's index assigned by the pool.
func (w *Worker) ID() int { return w.id }

// Pending returns requests submitted but not yet finished.
func (w *Worker) Pending() int { return int(w.pending.Load()) }

// LastDuration returns how long the most recent request took to process.
func (w *Worker) LastDuration() time.Duration { return time.Duration(w.lastTook.Load()) }

// Processed returns completed and failed request counts.
func (w *Worker) Processed() (ok, failed uint64) {
	return w.processed.Load(), w.failed.Load()
}

// Encode compresses one frame on the worker goroutine.
func (w *Worker) Encode(ctx context.Context, pcm []int16, frameSize int) ([]byte, error) {
	res, err := w.submit(ctx, request{op: opEncode, pcm: pcm, frameSize: frameSize})
	if err != nil {
		return nil, err
	}
	return res.data, res.err
}

// Decode expands one packet on the worker goroutine.
func (w *Worker) Decode(ctx context.Context, data []byte) ([]int16, error) {
	res, err := w.submit(ctx, request{op: opDecode, data: data})
	if err != nil {
		return nil, err
	}
	return res.pcm, res.err
}

// submit queues req and waits for its result or ctx.
// pending stays raised until the worker finishes the request, even if the
// caller gave up, so it reflects real load.
func (w *Worker) submit(ctx context.Context, req request) (result, error) {
	req.reply = make(chan result, 1)

	w.pending.Add(1)
	select {
	case w.requests <- req:
	case <-w.done:
		w.pending.Add(-1)
		return result{}, ErrStopped
	case <-ctx.Done():
		w.pending.Add(-1)
		return result{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-w.done:
		w.wg.Wait()
		select {
		case res := <-req.reply:
			return res, nil
		default:
			return result{}, ErrStopped
		}
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			w.failQueued()
			return
		case req := <-w.requests:
			w.handle(req)
		}
	}
}

func (w *Worker) handle(req request) {
	start := time.Now()
	var res result
	switch req.op {
	case opEncode:
		res.data, res.err = w.enc.Encode(req.pcm, req.frameSize)
	case opDecode:
		res.pcm, res.err = w.dec.Decode(req.data)
	}
	res.took = time.Since(start)

	w.lastTook.Store(int64(res.took))
	if res.err != nil {
		w.failed.Add(1)
	} else {
		w.processed.Add(1)
	}
	w.pending.Add(-1)
	req.reply <- res
}

// failQueued answers requests still queued when the worker stops.
func (w *Worker) failQueued() {
	for {
		select {
		case req := <-w.requests:
			w.pending.Add(-1)
			req.reply <- result{err: ErrStopped}
		default:
			return
		}
	}
}

// Stop ends the worker goroutine. Queued requests fail with ErrStopped.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
	})
}
