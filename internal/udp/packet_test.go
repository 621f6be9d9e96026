package udp

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeader_MarshalLayout(t *testing.T) {
	h := Header{
		Type:       TypeAudio,
		Flags:      0x02,
		PayloadLen: 0x0102,
		ConnID:     0xA1B2C3D4,
		Timestamp:  0x00000010,
		Sequence:   0x01020304,
	}

	want := []byte{
		0x01, 0x02, 0x01, 0x02,
		0xA1, 0xB2, 0xC3, 0xD4,
		0x00, 0x00, 0x00, 0x10,
		0x01, 0x02, 0x03, 0x04,
	}
	if got := h.Marshal(); !bytes.Equal(got, want) {
		t.Errorf("Marshal() = % x, want % x", got, want)
	}

	parsed, err := ParseHeader(want)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if parsed != h {
		t.Errorf("ParseHeader() = %+v, want %+v", parsed, h)
	}
}

func TestParseHeader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, ErrShortPacket},
		{"fifteen bytes", make([]byte, 15), ErrShortPacket},
		{"type two", append([]byte{2}, make([]byte, 15)...), ErrUnknownType},
		{"type 0xff", append([]byte{0xff}, make([]byte, 15)...), ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHeader(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseHeader() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseHeader_AcceptsConnectType(t *testing.T) {
	data := Header{Type: TypeConnect, ConnID: 7}.Marshal()
	h, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if h.ConnID != 7 {
		t.Errorf("ConnID = %d, want 7", h.ConnID)
	}
}

func TestParsePacket(t *testing.T) {
	pkt := append(Header{Type: TypeAudio, PayloadLen: 3}.Marshal(), 'a', 'b', 'c', 'x')

	_, payload, err := ParsePacket(pkt)
	if err != nil {
		t.Fatalf("ParsePacket() error = %v", err)
	}
	if string(payload) != "abc" {
		t.Errorf("payload = %q, want %q", payload, "abc")
	}

	short := append(Header{Type: TypeAudio, PayloadLen: 10}.Marshal(), 'a')
	if _, _, err := ParsePacket(short); !errors.Is(err, ErrTruncated) {
		t.Errorf("ParsePacket(truncated) error = %v, want %v", err, ErrTruncated)
	}
}
