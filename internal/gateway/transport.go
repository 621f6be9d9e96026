package gateway

import (
	"context"
	"net/netip"

	"github.com/nerrad567/gray-voice-gateway/internal/audio"
	"github.com/nerrad567/gray-voice-gateway/internal/auth"
)

// Transport kinds.
const (
	KindDirect = "direct"
	KindRelay  = "relay"
)

// Transport carries control messages between a session and its device.
type Transport interface {
	// SendControl delivers one JSON message to the device.
	SendControl(payload []byte) error

	// Close tears down the device connection. Must be safe to call more
	// than once and from inside a Session callback.
	Close()

	// Kind returns KindDirect or KindRelay.
	Kind() string
}

// Media is the shared UDP socket.
type Media interface {
	WriteTo(pkt []byte, to netip.AddrPort) error
	Close() error
}

// Validator checks device credentials presented on connect.
type Validator interface {
	Validate(clientID, username, password string) (auth.Identity, error)
}

// Call is one media room membership owned by a session.
type Call interface {
	Connect(ctx context.Context) error
	SessionID() string
	Playing() bool
	SendAudio(ctx context.Context, payload []byte)
	SendAbort(sessionID string) error
	SendEndPrompt(sessionID string) error
	Stats() (audio.OutboundStats, audio.InboundStats)
	Close()
}

// CallFactory builds the call for a session's hello.
type CallFactory func(s *Session) (Call, error)

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
