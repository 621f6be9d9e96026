package udp

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// pingPrefix marks a decrypted payload as a liveness ping.
var pingPrefix = []byte("ping:")

// Channel is the per-session media state: connection id, key, sequence
// counters and the device's observed address.
//
// Thread Safety: All methods are safe for concurrent use.
type Channel struct {
	connID uint32

	mu        sync.Mutex
	key       []byte
	nonce     []byte
	start     time.Time
	localSeq  uint32
	remoteSeq uint32
	remote    netip.AddrPort
	hdr       [HeaderSize]byte

	now func() time.Time
}

// Inbound is a packet accepted by Channel.Open.
type Inbound struct {
	Header  Header
	Payload []byte
	Ping    bool
}

// NewChannel creates a channel bound to connID with a fresh key.
func NewChannel(connID uint32) (*Channel, error) {
	c := &Channel{connID: connID, now: time.Now}
	if err := c.Rekey(); err != nil {
		return nil, err
	}
	return c, nil
}

// ConnID returns the routing key embedded in every packet of this channel.
func (c *Channel) ConnID() uint32 {
	return c.connID
}

// Rekey starts a new call on the channel: a new random key, a nonce seeded
// with the connection id, zeroed sequences and a new timestamp origin.
func (c *Channel) Rekey() error {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generating media key: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.key = key
	c.nonce = Header{Type: TypeAudio, ConnID: c.connID}.Marshal()
	c.localSeq = 0
	c.remoteSeq = 0
	c.start = c.now()
	return nil
}

// KeyHex returns the session key as sent in the hello reply.
func (c *Channel) KeyHex() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return hex.EncodeToString(c.key)
}

// NonceHex returns the nonce seed as sent in the hello reply.
func (c *Channel) NonceHex() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return hex.EncodeToString(c.nonce)
}

// Remote returns the last address the device sent from.
func (c *Channel) Remote() (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote, c.remote.IsValid()
}

// Sequences returns the local and remote sequence counters.
func (c *Channel) Sequences() (local, remote uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSeq, c.remoteSeq
}

// Timestamp returns milliseconds since the call started, wrapped to 32 bits.
func (c *Channel) Timestamp() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(c.now().Sub(c.start).Milliseconds() & 0xffffffff)
}

// Seal encrypts payload into a packet addressed to the device.
//
// The local sequence is incremented before the header is built. The header
// is assembled in a reusable buffer and copied into the returned packet, so
// callers own the result.
//
// Returns:
//   - []byte: header followed by ciphertext
//   - netip.AddrPort: where to send it
//   - error: ErrNoRemote if the device has not sent anything yet
func (c *Channel) Seal(payload []byte, timestamp uint32) ([]byte, netip.AddrPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.remote.IsValid() {
		return nil, netip.AddrPort{}, ErrNoRemote
	}

	c.localSeq++
	Header{
		Type:       TypeAudio,
		PayloadLen: uint16(len(payload)),
		ConnID:     c.connID,
		Timestamp:  timestamp,
		Sequence:   c.localSeq,
	}.MarshalTo(c.hdr[:])

	ciphertext, err := Crypt(c.key, c.hdr[:], payload)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}

	pkt := make([]byte, HeaderSize+len(ciphertext))
	copy(pkt, c.hdr[:])
	copy(pkt[HeaderSize:], ciphertext)
	return pkt, c.remote, nil
}

// Open validates and decrypts an inbound packet.
//
// Packets below the remote sequence high-water mark are rejected with
// ErrStaleSequence and leave the channel untouched. Accepted packets update
// the device address and advance the high-water mark. A payload starting
// with "ping:" is reported with Ping set.
func (c *Channel) Open(h Header, pkt []byte, from netip.AddrPort) (Inbound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.Sequence < c.remoteSeq {
		return Inbound{}, fmt.Errorf("%w: got %d, have %d", ErrStaleSequence, h.Sequence, c.remoteSeq)
	}

	end := HeaderSize + int(h.PayloadLen)
	if len(pkt) < end {
		return Inbound{}, ErrTruncated
	}

	payload, err := Crypt(c.key, pkt[:HeaderSize], pkt[HeaderSize:end])
	if err != nil {
		return Inbound{}, err
	}

	c.remote = from
	c.remoteSeq = h.Sequence

	return Inbound{
		Header:  h,
		Payload: payload,
		Ping:    bytes.HasPrefix(payload, pingPrefix),
	}, nil
}
