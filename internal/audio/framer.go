package audio

// FrameBuffer reassembles a byte stream into fixed-size frames.
// Remainders carry over between writes until Reset.
//
// Not safe for concurrent use.
type FrameBuffer struct {
	frameBytes int
	buf        []byte
}

// NewFrameBuffer creates a buffer emitting frames of frameBytes bytes.
func NewFrameBuffer(frameBytes int) *FrameBuffer {
	return &FrameBuffer{frameBytes: frameBytes}
}

// FrameBytes returns the frame length.
func (f *FrameBuffer) FrameBytes() int { return f.frameBytes }

// Write appends p and returns every complete frame now available.
// Returned frames are copies the caller may keep.
func (f *FrameBuffer) Write(p []byte) [][]byte {
	f.buf = append(f.buf, p...)

	n := len(f.buf) / f.frameBytes
	if n == 0 {
		return nil
	}
	frames := make([][]byte, n)
	for i := range frames {
		frame := make([]byte, f.frameBytes)
		copy(frame, f.buf[i*f.frameBytes:])
		frames[i] = frame
	}

	rest := copy(f.buf, f.buf[n*f.frameBytes:])
	f.buf = f.buf[:rest]
	return frames
}

// Buffered returns the number of bytes waiting for a complete frame.
func (f *FrameBuffer) Buffered() int { return len(f.buf) }

// Tail returns a copy of the buffered partial frame.
func (f *FrameBuffer) Tail() []byte {
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	return out
}

// Reset discards buffered bytes.
func (f *FrameBuffer) Reset() { f.buf = f.buf[:0] }
