// Package audio converts between device audio and room audio.
//
// Device to room: packets arrive at 16 kHz mono, usually Opus. IsOpus
// classifies each packet from its TOC byte and size; anything that does not
// look like Opus is treated as little-endian 16-bit PCM.
//
// Room to device: the room delivers 48 kHz PCM. Outbound resamples it to the
// device rate, slices it into fixed frames with a FrameBuffer, drops frames
// that are effectively silent, and encodes the rest. If encoding fails the
// frame is sent as PCM rather than dropped. Finish flushes a partial tail
// padded to a frame size the codec accepts.
package audio
