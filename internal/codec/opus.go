package codec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// maxPacketSize bounds one encoded Opus packet.
const maxPacketSize = 4000

// maxFrameMS is the longest frame Opus can carry in one packet.
const maxFrameMS = 120

// Encoder compresses one PCM frame.
type Encoder interface {
	Encode(pcm []int16, frameSize int) ([]byte, error)
}

// Decoder expands one compressed packet to PCM.
type Decoder interface {
	Decode(data []byte) ([]int16, error)
}

// OpusEncoder wraps a libopus encoder.
type OpusEncoder struct {
	enc      *opus.Encoder
	channels int
	buf      []byte
}

// NewOpusEncoder creates an encoder tuned for speech playback on devices.
func NewOpusEncoder(sampleRate, channels int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("creating opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, channels: channels, buf: make([]byte, maxPacketSize)}, nil
}

// Encode compresses exactly frameSize samples per channel.
func (e *OpusEncoder) Encode(pcm []int16, frameSize int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyInput
	}
	if len(pcm) != frameSize*e.channels {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, len(pcm), frameSize*e.channels)
	}
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// OpusDecoder wraps a libopus decoder.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

// NewOpusDecoder creates a decoder producing PCM at sampleRate.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("creating opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:      dec,
		channels: channels,
		pcm:      make([]int16, sampleRate*maxFrameMS/1000*channels),
	}, nil
}

// Decode expands one packet. The returned slice is owned by the caller.
func (d *OpusDecoder) Decode(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	n, err := d.dec.Decode(data, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	out := make([]int16, n*d.channels)
	copy(out, d.pcm[:n*d.channels])
	return out, nil
}
