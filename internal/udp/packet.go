package udp

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed length of every media packet header.
const HeaderSize = 16

// Packet types.
const (
	// TypeConnect marks the first packet a device sends on a new channel.
	TypeConnect byte = 0

	// TypeAudio marks an encrypted media packet.
	TypeAudio byte = 1
)

// Header is the 16-byte media packet header. All multi-byte fields are big-endian.
//
//	Byte 0:      type
//	Byte 1:      flags
//	Byte 2-3:    payload length
//	Byte 4-7:    connection id
//	Byte 8-11:   timestamp (ms since call start, wraps at 2^32)
//	Byte 12-15:  sequence
//
// The encoded header doubles as the AES-CTR IV for its payload.
type Header struct {
	Type       byte
	Flags      byte
	PayloadLen uint16
	ConnID     uint32
	Timestamp  uint32
	Sequence   uint32
}

// MarshalTo writes the header into b, which must hold at least HeaderSize bytes.
func (h Header) MarshalTo(b []byte) {
	_ = b[HeaderSize-1]
	b[0] = h.Type
	b[1] = h.Flags
	binary.BigEndian.PutUint16(b[2:4], h.PayloadLen)
	binary.BigEndian.PutUint32(b[4:8], h.ConnID)
	binary.BigEndian.PutUint32(b[8:12], h.Timestamp)
	binary.BigEndian.PutUint32(b[12:16], h.Sequence)
}

// Marshal returns the encoded header.
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderSize)
	h.MarshalTo(b)
	return b
}

// ParseHeader decodes the header at the start of a datagram.
//
// Returns:
//   - Header: decoded fields
//   - error: ErrShortPacket or ErrUnknownType
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}

	h := Header{
		Type:       b[0],
		Flags:      b[1],
		PayloadLen: binary.BigEndian.Uint16(b[2:4]),
		ConnID:     binary.BigEndian.Uint32(b[4:8]),
		Timestamp:  binary.BigEndian.Uint32(b[8:12]),
		Sequence:   binary.BigEndian.Uint32(b[12:16]),
	}
	if h.Type != TypeConnect && h.Type != TypeAudio {
		return Header{}, fmt.Errorf("%w: %d", ErrUnknownType, h.Type)
	}
	return h, nil
}

// ParsePacket decodes the header and returns the payload slice it describes.
// Trailing bytes beyond the declared payload length are ignored.
func ParsePacket(b []byte) (Header, []byte, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Header{}, nil, err
	}
	end := HeaderSize + int(h.PayloadLen)
	if len(b) < end {
		return Header{}, nil, fmt.Errorf("%w: have %d, header says %d", ErrTruncated, len(b)-HeaderSize, h.PayloadLen)
	}
	return h, b[HeaderSize:end], nil
}
