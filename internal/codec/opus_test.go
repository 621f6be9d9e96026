package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n, rate int, freq float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestOpus_RoundTrip60ms(t *testing.T) {
	enc, err := NewOpusEncoder(24000, 1)
	require.NoError(t, err)
	dec, err := NewOpusDecoder(24000, 1)
	require.NoError(t, err)

	pkt, err := enc.Encode(sine(1440, 24000, 440), 1440)
	require.NoError(t, err)
	assert.NotEmpty(t, pkt)
	assert.Less(t, len(pkt), 1440*2, "compressed frame should be smaller than PCM")

	pcm, err := dec.Decode(pkt)
	require.NoError(t, err)
	assert.Len(t, pcm, 1440)
}

func TestOpusEncoder_RejectsWrongFrameSize(t *testing.T) {
	enc, err := NewOpusEncoder(24000, 1)
	require.NoError(t, err)

	_, err = enc.Encode(make([]int16, 100), 1440)
	assert.ErrorIs(t, err, ErrFrameSize)

	_, err = enc.Encode(nil, 1440)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestOpusDecoder_DeviceRate(t *testing.T) {
	enc, err := NewOpusEncoder(16000, 1)
	require.NoError(t, err)
	dec, err := NewOpusDecoder(16000, 1)
	require.NoError(t, err)

	pkt, err := enc.Encode(sine(960, 16000, 300), 960)
	require.NoError(t, err)

	pcm, err := dec.Decode(pkt)
	require.NoError(t, err)
	assert.Len(t, pcm, 960)

	_, err = dec.Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}
