package mqttserver

import (
	"bytes"
	"strings"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/nerrad567/gray-voice-gateway/internal/auth"
)

// deviceHook ties mochi client lifecycles to gateway sessions.
type deviceHook struct {
	mochi.HookBase
	srv *Server
}

func (h *deviceHook) ID() string { return "voicegw-devices" }

func (h *deviceHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnConnectAuthenticate,
		mochi.OnACLCheck,
		mochi.OnSubscribe,
		mochi.OnPublish,
		mochi.OnPublished,
		mochi.OnDisconnect,
	}, []byte{b})
}

// OnConnectAuthenticate validates the device and registers its session.
func (h *deviceHook) OnConnectAuthenticate(cl *mochi.Client, pk packets.Packet) bool {
	id, err := auth.ParseClientID(cl.ID)
	if err != nil {
		h.srv.logger.Warn("rejecting device", "client_id", cl.ID, "error", err)
		return false
	}

	t := &directTransport{srv: h.srv, client: cl, topic: id.ReplyTopic()}
	sess, err := h.srv.reg.Connect(cl.ID, string(pk.Connect.Username), string(pk.Connect.Password), t)
	if err != nil {
		h.srv.logger.Warn("rejecting device", "client_id", cl.ID, "error", err)
		return false
	}
	h.srv.bind(cl, sess)
	return true
}

// OnACLCheck lets devices publish anywhere and subscribe only to their own
// reply topic. The inline client is never checked.
func (h *deviceHook) OnACLCheck(cl *mochi.Client, topic string, write bool) bool {
	if write {
		return true
	}
	id, err := auth.ParseClientID(cl.ID)
	if err != nil {
		return false
	}
	return strings.EqualFold(topic, id.ReplyTopic())
}

// OnSubscribe grants every filter at QoS 0.
func (h *deviceHook) OnSubscribe(_ *mochi.Client, pk packets.Packet) packets.Packet {
	for i := range pk.Filters {
		pk.Filters[i].Qos = 0
	}
	return pk
}

// OnPublish runs before the broker acknowledges a packet. A device
// publishing above QoS 0 is disconnected and its packet is never acked.
func (h *deviceHook) OnPublish(cl *mochi.Client, pk packets.Packet) (packets.Packet, error) {
	if cl.Net.Inline || pk.FixedHeader.Qos == 0 {
		return pk, nil
	}
	h.srv.logger.Warn("unsupported qos, closing device", "client_id", cl.ID, "qos", pk.FixedHeader.Qos)
	if sess := h.srv.unbind(cl); sess != nil {
		sess.Close()
	}
	cl.Stop(ErrQoSUnsupported)
	return pk, packets.ErrRejectPacket
}

// OnPublished hands a device message to its session.
func (h *deviceHook) OnPublished(cl *mochi.Client, pk packets.Packet) {
	if sess := h.srv.lookup(cl); sess != nil {
		sess.Deliver(pk.Payload)
	}
}

// OnDisconnect closes the session a dropped client carried. A client
// replaced by a newer connection maps to a session that is already closed.
func (h *deviceHook) OnDisconnect(cl *mochi.Client, err error, _ bool) {
	sess := h.srv.unbind(cl)
	if sess == nil {
		return
	}
	h.srv.logger.Debug("device disconnected", "client_id", cl.ID, "error", err)
	sess.Close()
}
