package mqttserver

import (
	mochi "github.com/mochi-mqtt/server/v2"

	"github.com/nerrad567/gray-voice-gateway/internal/gateway"
)

// directTransport carries a session's control messages over the embedded
// broker.
type directTransport struct {
	srv    *Server
	client *mochi.Client
	topic  string
}

func (t *directTransport) SendControl(payload []byte) error {
	return t.srv.publish(t.topic, payload)
}

// Close drops the client connection. The resulting OnDisconnect finds no
// binding or an already closed session.
func (t *directTransport) Close() {
	t.srv.unbind(t.client)
	t.client.Stop(ErrSessionClosed)
}

func (t *directTransport) Kind() string { return gateway.KindDirect }
