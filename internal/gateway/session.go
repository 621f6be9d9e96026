package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-voice-gateway/internal/auth"
	"github.com/nerrad567/gray-voice-gateway/internal/room"
	"github.com/nerrad567/gray-voice-gateway/internal/udp"
)

// State is a session's position in the device protocol.
type State string

// Session states. Identity is checked before a session exists, so every
// session starts identified.
const (
	StateIdentified State = "identified"
	StateInCall     State = "in_call"
	StateEnding     State = "ending"
	StateClosed     State = "closed"
)

// Reasons reported on call_ended events.
const (
	reasonReplaced      = "replaced"
	reasonGoodbye       = "goodbye"
	reasonSessionClosed = "session_closed"
	reasonRoomLost      = "room_disconnected"
)

// Session is the protocol state machine for one device connection.
//
// Thread Safety: All methods are safe for concurrent use. Hello handling is
// serialised so a repeated hello waits for the previous one to finish.
type Session struct {
	gw        *Gateway
	identity  auth.Identity
	transport Transport
	channel   *udp.Channel
	uplink    *uplink
	logger    Logger

	helloMu sync.Mutex

	mu           sync.Mutex
	call         Call
	callID       string
	callStarted  time.Time
	connectedAt  time.Time
	lastActivity time.Time
	ending       bool
	endPromptAt  time.Time
	closing      bool
	closed       bool
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ClientID     string    `json:"client_id"`
	GroupID      string    `json:"group_id"`
	MAC          string    `json:"mac"`
	InstanceID   string    `json:"instance_id"`
	ConnID       uint32    `json:"conn_id"`
	Transport    string    `json:"transport"`
	State        State     `json:"state"`
	Room         string    `json:"room,omitempty"`
	CallID       string    `json:"call_id,omitempty"`
	Playing      bool      `json:"playing"`
	Remote       string    `json:"remote,omitempty"`
	LocalSeq     uint32    `json:"local_seq"`
	RemoteSeq    uint32    `json:"remote_seq"`
	MediaDropped uint64    `json:"media_dropped"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

func newSession(gw *Gateway, id auth.Identity, t Transport, ch *udp.Channel) *Session {
	now := gw.now()
	return &Session{
		gw:           gw,
		identity:     id,
		transport:    t,
		channel:      ch,
		uplink:       newUplink(gw.context()),
		logger:       gw.logger,
		connectedAt:  now,
		lastActivity: now,
	}
}

// Identity returns the device identity the session was created with.
func (s *Session) Identity() auth.Identity { return s.identity }

// ClientID returns the registry key of the session.
func (s *Session) ClientID() string { return s.identity.Raw }

// ConnID returns the UDP routing key.
func (s *Session) ConnID() uint32 { return s.channel.ConnID() }

// TransportKind returns how the device is connected.
func (s *Session) TransportKind() string { return s.transport.Kind() }

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.closing || s.closed:
		return StateClosed
	case s.ending:
		return StateEnding
	case s.call != nil:
		return StateInCall
	default:
		return StateIdentified
	}
}

// Info returns a snapshot for the admin API.
func (s *Session) Info() SessionInfo {
	local, remoteSeq := s.channel.Sequences()
	info := SessionInfo{
		ClientID:     s.identity.Raw,
		GroupID:      s.identity.GroupID,
		MAC:          s.identity.MAC,
		InstanceID:   s.identity.InstanceID,
		ConnID:       s.channel.ConnID(),
		Transport:    s.transport.Kind(),
		LocalSeq:     local,
		RemoteSeq:    remoteSeq,
		MediaDropped: s.uplink.dropped.Load(),
	}
	if addr, ok := s.channel.Remote(); ok {
		info.Remote = addr.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	info.State = s.stateLocked()
	info.ConnectedAt = s.connectedAt
	info.LastActivity = s.lastActivity
	info.CallID = s.callID
	if s.call != nil {
		info.Room = s.call.SessionID()
		info.Playing = s.call.Playing()
	}
	return info
}

// Closing reports whether Close has been called.
func (s *Session) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// ============================================================================
// Control channel
// ============================================================================

// Deliver handles a control message using the gateway's run context.
func (s *Session) Deliver(payload []byte) {
	s.HandleMessage(s.gw.context(), payload)
}

// HandleMessage processes one JSON control message from the device.
//
// Any message counts as activity. Unparseable messages and hellos with an
// unsupported version close the session.
func (s *Session) HandleMessage(ctx context.Context, payload []byte) {
	if s.Closing() {
		return
	}
	s.Touch()

	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("invalid control message, closing session", "client_id", s.ClientID(), "error", err)
		s.Close()
		return
	}

	if msg.Type != typeHello {
		s.handleOther(msg)
		return
	}

	if msg.Version != s.gw.protocolVersion() {
		s.logger.Warn("unsupported protocol version, closing session",
			"client_id", s.ClientID(), "version", msg.Version)
		s.Close()
		return
	}
	if err := s.handleHello(ctx); err != nil {
		s.logger.Error("hello failed", "client_id", s.ClientID(), "error", err)
		s.sendJSON(errorMessage{Type: typeError, Message: helloFailedMessage})
	}
}

// handleHello replaces any active call, rekeys the media channel, joins
// the room and replies with the transport parameters.
func (s *Session) handleHello(ctx context.Context) error {
	s.helloMu.Lock()
	defer s.helloMu.Unlock()

	if s.endCall(reasonReplaced, false) {
		s.logger.Info("replacing active call", "client_id", s.ClientID())
		if err := sleepCtx(ctx, s.gw.opts.Session.GetHelloGrace()); err != nil {
			return err
		}
	}

	if err := s.channel.Rekey(); err != nil {
		return err
	}

	call, err := s.gw.newCall(s)
	if err != nil {
		return fmt.Errorf("creating call: %w", err)
	}
	if err := call.Connect(ctx); err != nil {
		call.Close()
		return err
	}

	callID := uuid.NewString()
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		call.Close()
		return ErrSessionClosed
	}
	s.call = call
	s.callID = callID
	s.callStarted = s.gw.now()
	s.ending = false
	s.mu.Unlock()

	sessionID := call.SessionID()
	s.emit(Event{Type: EventCallStarted, CallID: callID, Room: sessionID})
	s.logger.Info("call started", "client_id", s.ClientID(), "room", sessionID, "conn_id", s.ConnID())

	a := s.gw.opts.Audio
	return s.sendJSON(helloReply{
		Type:      typeHello,
		Version:   s.gw.protocolVersion(),
		SessionID: sessionID,
		Transport: transportUDP,
		UDP: udpParams{
			Server:     s.gw.opts.PublicIP,
			Port:       s.gw.opts.UDPPort,
			Encryption: udp.Encryption,
			Key:        s.channel.KeyHex(),
			Nonce:      s.channel.NonceHex(),
		},
		AudioParams: audioParams{
			SampleRate:    a.DeviceOutputRate,
			Channels:      1,
			FrameDuration: a.FrameDurationMS,
			Format:        a.Format,
		},
	})
}

func (s *Session) handleOther(msg controlMessage) {
	s.mu.Lock()
	call := s.call
	s.mu.Unlock()

	if call == nil {
		if msg.Type != typeGoodbye {
			s.sendJSON(goodbyeMessage{Type: typeGoodbye, SessionID: msg.SessionID})
		}
		return
	}

	switch msg.Type {
	case typeGoodbye:
		s.endCall(reasonGoodbye, true)
	case typeAbort:
		if err := call.SendAbort(msg.SessionID); err != nil {
			s.logger.Warn("abort not forwarded", "client_id", s.ClientID(), "error", err)
		}
	default:
		s.logger.Debug("ignoring control message", "client_id", s.ClientID(), "type", msg.Type)
	}
}

// endCall closes the active call. With notify set the device is told the
// call is over. Reports whether a call was active.
func (s *Session) endCall(reason string, notify bool) bool {
	return s.endCallIf(nil, reason, notify)
}

// endCallIf is endCall restricted to match when match is not nil.
func (s *Session) endCallIf(match Call, reason string, notify bool) bool {
	s.mu.Lock()
	call := s.call
	if call == nil || (match != nil && call != match) {
		s.mu.Unlock()
		return false
	}
	callID := s.callID
	started := s.callStarted
	s.call = nil
	s.callID = ""
	s.ending = false
	s.mu.Unlock()

	sessionID := call.SessionID()
	call.Close()

	out, in := call.Stats()
	s.emit(Event{
		Type:      EventCallEnded,
		CallID:    callID,
		Room:      sessionID,
		Reason:    reason,
		Duration:  s.gw.now().Sub(started),
		FramesOut: out.Frames,
		FramesIn:  in.Opus + in.PCM,
	})
	s.logger.Info("call ended", "client_id", s.ClientID(), "room", sessionID, "reason", reason)

	if notify {
		s.sendJSON(goodbyeMessage{Type: typeGoodbye, SessionID: sessionID})
	}
	return true
}

// Close ends any call, tells the device goodbye and tears down the
// transport. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	s.endCall(reasonSessionClosed, true)
	s.uplink.close()
	s.transport.Close()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.gw.unregister(s)
	s.emit(Event{Type: EventSessionClosed})
	s.logger.Info("session closed", "client_id", s.ClientID(), "conn_id", s.ConnID())
}

// callLost ends c after its room dropped. The device gets a goodbye; a
// session that was waiting out a farewell is closed.
func (s *Session) callLost(c Call) {
	wasEnding := s.Ending()
	if !s.endCallIf(c, reasonRoomLost, true) {
		return
	}
	if wasEnding || s.Closing() {
		s.Close()
	}
}

// ============================================================================
// Keepalive
// ============================================================================

// checkKeepalive runs one inactivity check at now.
//
// While agent audio plays the idle clock is held at now. An idle call is
// moved to ending and the agent is asked for a farewell; an ending call
// that outlives the ending timeout is closed. Idle sessions without a call
// are closed directly.
func (s *Session) checkKeepalive(now time.Time) {
	sc := s.gw.opts.Session

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}

	if s.ending {
		expired := now.Sub(s.endPromptAt) > sc.GetEndingTimeout()
		s.mu.Unlock()
		if expired {
			s.logger.Info("farewell timed out, closing session", "client_id", s.ClientID())
			s.Close()
		}
		return
	}

	call := s.call
	if call != nil && call.Playing() {
		s.lastActivity = now
		s.mu.Unlock()
		return
	}

	if now.Sub(s.lastActivity) <= sc.GetInactivityTimeout() {
		s.mu.Unlock()
		return
	}

	if call == nil {
		s.mu.Unlock()
		s.logger.Info("session idle, closing", "client_id", s.ClientID())
		s.Close()
		return
	}

	s.ending = true
	s.endPromptAt = now
	s.mu.Unlock()

	s.logger.Info("call idle, requesting farewell", "client_id", s.ClientID())
	if err := call.SendEndPrompt(call.SessionID()); err != nil {
		s.logger.Warn("end prompt failed, closing session", "client_id", s.ClientID(), "error", err)
		s.Close()
	}
}

// ============================================================================
// room.Device
// ============================================================================

// SendJSON marshals msg and sends it over the control transport.
func (s *Session) SendJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", msg, err)
	}
	return s.transport.SendControl(data)
}

// SendAudio seals payload and sends it to the device's media address.
func (s *Session) SendAudio(payload []byte) error {
	media := s.gw.mediaServer()
	if media == nil {
		return ErrNoMedia
	}
	pkt, to, err := s.channel.Seal(payload, s.channel.Timestamp())
	if err != nil {
		return err
	}
	return media.WriteTo(pkt, to)
}

// Touch records control-channel or conversational activity.
func (s *Session) Touch() {
	now := s.gw.now()
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// RoomLost ends the call owning b. Losses reported by a replaced call are
// ignored.
func (s *Session) RoomLost(b *room.Bridge) { s.callLost(b) }

// Ending reports whether the session is waiting out a farewell.
func (s *Session) Ending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ending
}

func (s *Session) sendJSON(msg any) error {
	err := s.SendJSON(msg)
	if err != nil {
		s.logger.Debug("control message not sent", "client_id", s.ClientID(), "error", err)
	}
	return err
}

// ============================================================================
// udp.Receiver
// ============================================================================

// ReceiveMedia decrypts a packet routed to this session and queues the
// audio for the call. Packets arriving without a call are dropped before
// any decryption. Media does not count as activity.
func (s *Session) ReceiveMedia(h udp.Header, pkt []byte, from netip.AddrPort) {
	s.mu.Lock()
	call := s.call
	s.mu.Unlock()
	if call == nil {
		return
	}

	in, err := s.channel.Open(h, pkt, from)
	if err != nil {
		if !errors.Is(err, udp.ErrStaleSequence) {
			s.logger.Debug("media packet rejected", "client_id", s.ClientID(), "error", err)
		}
		return
	}
	if in.Ping {
		return
	}
	if !s.uplink.push(call, in.Payload) {
		s.logger.Debug("uplink queue full, dropping packet", "client_id", s.ClientID(), "seq", h.Sequence)
	}
}

func (s *Session) emit(e Event) {
	e.ClientID = s.identity.Raw
	e.MAC = s.identity.MAC
	e.ConnID = s.channel.ConnID()
	e.Transport = s.transport.Kind()
	e.Time = s.gw.now()
	s.gw.emit(e)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
