package udp

import "errors"

// Domain errors for the UDP media transport.
var (
	// ErrShortPacket is returned when a datagram is smaller than the header.
	ErrShortPacket = errors.New("udp: packet shorter than header")

	// ErrUnknownType is returned for packet types other than connect and audio.
	ErrUnknownType = errors.New("udp: unknown packet type")

	// ErrTruncated is returned when the header claims more payload than was received.
	ErrTruncated = errors.New("udp: payload truncated")

	// ErrStaleSequence is returned when a packet arrives below the sequence high-water mark.
	ErrStaleSequence = errors.New("udp: stale sequence")

	// ErrNoRemote is returned when sending before the device address is known.
	ErrNoRemote = errors.New("udp: remote address unknown")

	// ErrInvalidKey is returned when a session key is not 16 bytes.
	ErrInvalidKey = errors.New("udp: invalid key length")

	// ErrClosed is returned when writing on a closed server.
	ErrClosed = errors.New("udp: server closed")
)
