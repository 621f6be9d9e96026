package room

import "context"

// Room is a joined media room.
type Room interface {
	// PublishData sends a reliable data packet to every participant.
	PublishData(payload []byte) error

	// WriteSamples pushes 16 kHz mono PCM onto the published microphone track.
	WriteSamples(pcm []int16) error

	// Disconnect leaves the room. Safe to call more than once.
	Disconnect()
}

// Handlers receive room events. Nil fields are ignored.
//
// Audio delivers mono PCM at the rate the connector was asked for; AudioEnd
// fires once per remote track when its stream finishes.
type Handlers struct {
	Data                    func(payload []byte, from string)
	ParticipantConnected    func(identity string)
	ParticipantDisconnected func(identity string)
	Audio                   func(identity string, pcm []int16)
	AudioEnd                func(identity string)
	Disconnected            func()
}

// Connector joins rooms.
type Connector interface {
	Connect(ctx context.Context, url, token string, h Handlers) (Room, error)
}

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
