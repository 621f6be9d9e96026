package gateway

import "errors"

var (
	// ErrStopped is returned when registering a session after Stop.
	ErrStopped = errors.New("gateway: stopped")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("gateway: session closed")

	// ErrNoMedia is returned when sending audio before the UDP server is attached.
	ErrNoMedia = errors.New("gateway: media server not attached")

	// ErrUnsupportedVersion is returned for hello messages with the wrong protocol version.
	ErrUnsupportedVersion = errors.New("gateway: unsupported protocol version")

	// ErrInvalidEnvelope is returned for ingest messages missing the client id or payload.
	ErrInvalidEnvelope = errors.New("gateway: invalid ingest envelope")
)
