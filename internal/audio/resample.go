package audio

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts mono 16-bit PCM between two sample rates.
//
// Not safe for concurrent use.
type Resampler struct {
	inRate  int
	outRate int
	rs      resampling.Resampler
}

// NewResampler creates a mono resampler. Equal rates pass audio through.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	r := &Resampler{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return r, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("creating resampler %d->%d: %w", inRate, outRate, err)
	}
	r.rs = rs
	return r, nil
}

// Process resamples one block. The filter keeps history between calls, so
// output may lag input slightly.
func (r *Resampler) Process(in []int16) ([]int16, error) {
	if r.rs == nil {
		out := make([]int16, len(in))
		copy(out, in)
		return out, nil
	}
	if len(in) == 0 {
		return nil, nil
	}

	input := make([]float64, len(in))
	for i, s := range in {
		input[i] = float64(s) / 32768.0
	}
	output, err := r.rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resampling: %w", err)
	}

	out := make([]int16, len(output))
	for i, v := range output {
		out[i] = toInt16(v)
	}
	return out, nil
}

func toInt16(v float64) int16 {
	s := math.Round(v * 32768.0)
	switch {
	case s > math.MaxInt16:
		return math.MaxInt16
	case s < math.MinInt16:
		return math.MinInt16
	}
	return int16(s)
}
