package codec

import "errors"

// Domain errors for the codec package.
var (
	// ErrStopped is returned when a request reaches a stopped worker.
	ErrStopped = errors.New("codec: worker stopped")

	// ErrFrameSize is returned when PCM input does not match the requested frame size.
	ErrFrameSize = errors.New("codec: pcm length does not match frame size")

	// ErrEmptyInput is returned for zero-length encode or decode input.
	ErrEmptyInput = errors.New("codec: empty input")
)
