package audio

import (
	"context"
	"sync/atomic"
)

// syncDecoder is a codec used directly on the calling goroutine.
type syncDecoder interface {
	Decode(data []byte) ([]int16, error)
}

type directDecoder struct{ d syncDecoder }

func (d directDecoder) Decode(_ context.Context, data []byte) ([]int16, error) {
	return d.d.Decode(data)
}

// Direct adapts an in-process decoder for use as an Inbound fallback.
func Direct(d syncDecoder) Decoder {
	return directDecoder{d: d}
}

// InboundStats counts device packets handled by an Inbound.
type InboundStats struct {
	Opus      uint64 `json:"opus"`
	PCM       uint64 `json:"pcm"`
	Fallbacks uint64 `json:"fallbacks"`
	Dropped   uint64 `json:"dropped"`
}

// Inbound turns device packets into PCM for the room.
//
// Decoding goes through primary, normally the worker pool. If that fails
// and a direct decoder is set, the packet is decoded in-process instead.
//
// Thread Safety: Convert is safe for concurrent use if the decoders are.
type Inbound struct {
	primary Decoder
	direct  Decoder
	logger  Logger

	opus      atomic.Uint64
	pcm       atomic.Uint64
	fallbacks atomic.Uint64
	dropped   atomic.Uint64
}

// NewInbound creates a pipeline. Either decoder may be nil.
func NewInbound(primary, direct Decoder, logger Logger) *Inbound {
	return &Inbound{primary: primary, direct: direct, logger: logger}
}

// Convert returns PCM samples for one device payload, or nil if the packet
// could not be decoded.
func (in *Inbound) Convert(ctx context.Context, payload []byte) []int16 {
	if !IsOpus(payload) {
		in.pcm.Add(1)
		return BytesToSamples(payload)
	}
	in.opus.Add(1)

	if in.primary != nil {
		pcm, err := in.primary.Decode(ctx, payload)
		if err == nil {
			return pcm
		}
		if in.logger != nil {
			in.logger.Debug("pooled decode failed", "error", err)
		}
	}

	if in.direct != nil {
		in.fallbacks.Add(1)
		pcm, err := in.direct.Decode(ctx, payload)
		if err == nil {
			return pcm
		}
		if in.logger != nil {
			in.logger.Warn("opus decode failed", "error", err, "size", len(payload))
		}
	}

	in.dropped.Add(1)
	return nil
}

// Stats returns a snapshot of the packet counters.
func (in *Inbound) Stats() InboundStats {
	return InboundStats{
		Opus:      in.opus.Load(),
		PCM:       in.pcm.Load(),
		Fallbacks: in.fallbacks.Load(),
		Dropped:   in.dropped.Load(),
	}
}
