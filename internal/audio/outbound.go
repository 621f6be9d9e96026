package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Encoder compresses one PCM frame.
type Encoder interface {
	Encode(ctx context.Context, pcm []int16, frameSize int) ([]byte, error)
}

// Decoder expands one compressed packet.
type Decoder interface {
	Decode(ctx context.Context, data []byte) ([]int16, error)
}

// Logger is the logging interface used by the pipelines.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Sink receives each payload ready for the device, in order.
type Sink func(payload []byte) error

// OutboundConfig sizes the room to device pipeline.
type OutboundConfig struct {
	RoomRate         int // rate the room delivers, normally 48000
	DeviceRate       int // rate the device plays, normally 24000
	FrameDurationMS  int // normally 60
	SilenceThreshold int // peak magnitude below which a frame is dropped
}

// FrameSamples returns samples per device frame.
func (c OutboundConfig) FrameSamples() int {
	return c.DeviceRate * c.FrameDurationMS / 1000
}

// OutboundStats counts frames handled by an Outbound.
type OutboundStats struct {
	Frames    uint64 `json:"frames"`
	Silent    uint64 `json:"silent"`
	Fallbacks uint64 `json:"fallbacks"`
	Errors    uint64 `json:"errors"`
}

// Outbound turns room PCM into device frames.
//
// Thread Safety: Write and Finish are serialised internally.
type Outbound struct {
	cfg       OutboundConfig
	enc       Encoder
	sink      Sink
	logger    Logger
	resampler *Resampler

	mu     sync.Mutex // guards resampler and frames
	frames *FrameBuffer

	sent      atomic.Uint64
	silent    atomic.Uint64
	fallbacks atomic.Uint64
	errs      atomic.Uint64
}

// NewOutbound creates a pipeline. enc may be nil, in which case every frame
// is delivered as PCM.
func NewOutbound(cfg OutboundConfig, enc Encoder, sink Sink, logger Logger) (*Outbound, error) {
	if sink == nil {
		return nil, errors.New("audio: sink is required")
	}
	rs, err := NewResampler(cfg.RoomRate, cfg.DeviceRate)
	if err != nil {
		return nil, err
	}
	return &Outbound{
		cfg:       cfg,
		enc:       enc,
		sink:      sink,
		logger:    logger,
		resampler: rs,
		frames:    NewFrameBuffer(cfg.FrameSamples() * 2),
	}, nil
}

// Write resamples room audio and delivers every complete frame. Each remote
// track writes from its own goroutine; the resampler filter and the frame
// buffer are only touched under mu.
func (o *Outbound) Write(ctx context.Context, samples []int16) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	resampled, err := o.resampler.Process(samples)
	if err != nil {
		o.errs.Add(1)
		return err
	}

	for _, frame := range o.frames.Write(SamplesToBytes(resampled)) {
		if IsSilent(frame, o.cfg.SilenceThreshold) {
			o.silent.Add(1)
			continue
		}
		if err := o.deliver(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// Finish flushes the buffered tail at the end of a stream.
//
// A tail shorter than half a frame is discarded. Otherwise it is zero-padded
// to half a frame, or to a full frame if longer, so the codec sees a valid
// frame duration.
func (o *Outbound) Finish(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	tail := o.frames.Tail()
	o.frames.Reset()

	padded := PadTail(tail, o.frames.FrameBytes())
	if padded == nil {
		return nil
	}
	return o.deliver(ctx, padded)
}

// PadTail pads a partial frame to half or one full frame of frameBytes.
// It returns nil when the tail is a quarter frame or less.
func PadTail(tail []byte, frameBytes int) []byte {
	half := frameBytes / 2
	minTail := half / 2
	if len(tail) <= minTail {
		return nil
	}
	size := half
	if len(tail) > half {
		size = frameBytes
	}
	out := make([]byte, size)
	copy(out, tail)
	return out
}

// deliver encodes frame and passes it to the sink, falling back to PCM if
// the encoder is missing or fails.
func (o *Outbound) deliver(ctx context.Context, frame []byte) error {
	payload := frame
	if o.enc != nil {
		encoded, err := o.enc.Encode(ctx, BytesToSamples(frame), len(frame)/2)
		if err == nil {
			payload = encoded
		} else {
			o.fallbacks.Add(1)
			if o.logger != nil {
				o.logger.Debug("encode failed, sending pcm", "error", err)
			}
		}
	}

	if err := o.sink(payload); err != nil {
		o.errs.Add(1)
		return err
	}
	o.sent.Add(1)
	return nil
}

// Stats returns a snapshot of the frame counters.
func (o *Outbound) Stats() OutboundStats {
	return OutboundStats{
		Frames:    o.sent.Load(),
		Silent:    o.silent.Load(),
		Fallbacks: o.fallbacks.Load(),
		Errors:    o.errs.Load(),
	}
}
