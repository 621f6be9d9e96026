package gateway

import (
	"context"
	"sync"
	"sync/atomic"
)

// uplinkDepth bounds the packets queued per session, about two seconds of
// 60 ms frames.
const uplinkDepth = 32

type uplinkPacket struct {
	call    Call
	payload []byte
}

// uplink feeds one session's device audio into its call on a dedicated
// goroutine. Packets leave in the order they were queued; the UDP read
// loop only decrypts and enqueues.
type uplink struct {
	queue     chan uplinkPacket
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newUplink(ctx context.Context) *uplink {
	u := &uplink{
		queue: make(chan uplinkPacket, uplinkDepth),
		done:  make(chan struct{}),
	}
	go u.run(ctx)
	return u
}

func (u *uplink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.done:
			return
		case p := <-u.queue:
			p.call.SendAudio(ctx, p.payload)
		}
	}
}

// push queues payload for call without blocking. It reports false when the
// queue is full or closed.
func (u *uplink) push(call Call, payload []byte) bool {
	select {
	case <-u.done:
		return false
	default:
	}
	select {
	case u.queue <- uplinkPacket{call: call, payload: payload}:
		return true
	default:
		u.dropped.Add(1)
		return false
	}
}

// close stops the goroutine. Queued packets are discarded.
func (u *uplink) close() {
	u.closeOnce.Do(func() { close(u.done) })
}
