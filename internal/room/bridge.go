package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-voice-gateway/internal/audio"
	"github.com/nerrad567/gray-voice-gateway/internal/auth"
)

// Default timings.
const (
	defaultGreetingDelay  = time.Second
	defaultStreamEndClose = time.Second
	defaultCodecTimeout   = 500 * time.Millisecond
)

// micSampleRate is the rate of the track published for the device microphone.
const micSampleRate = 16000

// agentIdentityMarker identifies agent participants by identity substring.
const agentIdentityMarker = "agent"

// Device is the session side of a bridge.
type Device interface {
	// SendJSON delivers a control message to the device.
	SendJSON(msg any) error

	// SendAudio seals and sends one audio payload to the device.
	SendAudio(payload []byte) error

	// Touch records conversational activity.
	Touch()

	// Ending reports whether the session is winding down.
	Ending() bool

	// Close terminates the whole session.
	Close()

	// RoomLost reports that b's room dropped without Close being called.
	RoomLost(b *Bridge)
}

// LiveKitParams locate the media server and sign room tokens.
type LiveKitParams struct {
	URL       string
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

// Options configures a Bridge.
type Options struct {
	Connector Connector
	Device    Device
	Identity  auth.Identity
	LiveKit   LiveKitParams
	Audio     audio.OutboundConfig

	// Encoder and Decoder are normally the shared worker pool. Direct is an
	// in-process decoder used when the pool fails. All may be nil.
	Encoder audio.Encoder
	Decoder audio.Decoder
	Direct  audio.Decoder

	GreetingDelay  time.Duration
	StreamEndClose time.Duration
	CodecTimeout   time.Duration
	EndPrompt      string

	// LoopState receives loop_state updates from the agent. Optional.
	LoopState func(enabled bool, contentType string)

	Logger Logger
	Now    func() time.Time
}

// Bridge joins one device session to its media room.
//
// Thread Safety: All methods are safe for concurrent use. Room callbacks
// arrive on media server goroutines.
type Bridge struct {
	opts     Options
	device   Device
	logger   Logger
	now      func() time.Time
	roomName string

	outbound *audio.Outbound
	inbound  *audio.Inbound

	mu     sync.Mutex
	room   Room
	timers []*time.Timer
	closed bool

	playing atomic.Bool
	frames  atomic.Uint64
}

// NewBridge validates opts and prepares the audio pipelines. Call Connect
// to join the room.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.Connector == nil {
		return nil, errors.New("room: connector is required")
	}
	if opts.Device == nil {
		return nil, errors.New("room: device is required")
	}
	if opts.Identity.MAC == "" {
		return nil, errors.New("room: device identity is required")
	}
	if opts.GreetingDelay <= 0 {
		opts.GreetingDelay = defaultGreetingDelay
	}
	if opts.StreamEndClose <= 0 {
		opts.StreamEndClose = defaultStreamEndClose
	}
	if opts.CodecTimeout <= 0 {
		opts.CodecTimeout = defaultCodecTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := &Bridge{
		opts:     opts,
		device:   opts.Device,
		logger:   opts.Logger,
		now:      opts.Now,
		roomName: RoomName(opts.Identity),
	}

	out, err := audio.NewOutbound(opts.Audio, opts.Encoder, opts.Device.SendAudio, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("room: outbound audio: %w", err)
	}
	b.outbound = out
	b.inbound = audio.NewInbound(opts.Decoder, opts.Direct, opts.Logger)
	return b, nil
}

// RoomName returns the room a device joins: {uuid}_{mac without colons}.
func RoomName(id auth.Identity) string {
	return id.InstanceID + "_" + id.CompactMAC()
}

// SessionID returns the room name, used as session_id in device messages.
func (b *Bridge) SessionID() string { return b.roomName }

// Playing reports whether agent speech is currently playing on the device.
func (b *Bridge) Playing() bool { return b.playing.Load() }

// Connect mints a room token and joins the room.
func (b *Bridge) Connect(ctx context.Context) error {
	id := b.opts.Identity
	token, err := auth.RoomToken(auth.RoomTokenParams{
		APIKey:    b.opts.LiveKit.APIKey,
		APISecret: b.opts.LiveKit.APISecret,
		Identity:  id.MAC,
		Name:      id.MAC,
		Room:      b.roomName,
		Attributes: map[string]string{
			"device_mac":  id.MAC,
			"device_uuid": id.InstanceID,
			"room_type":   "device_session",
		},
		TTL: b.opts.LiveKit.TokenTTL,
	})
	if err != nil {
		return err
	}

	room, err := b.opts.Connector.Connect(ctx, b.opts.LiveKit.URL, token, Handlers{
		Data:                    b.handleData,
		ParticipantConnected:    b.handleParticipantConnected,
		ParticipantDisconnected: b.handleParticipantDisconnected,
		Audio:                   b.handleAudio,
		AudioEnd:                b.handleAudioEnd,
		Disconnected:            b.handleDisconnected,
	})
	if err != nil {
		return fmt.Errorf("joining room %s: %w", b.roomName, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		room.Disconnect()
		return errors.New("room: bridge closed while connecting")
	}
	b.room = room
	b.mu.Unlock()

	b.logger.Info("joined room", "room", b.roomName, "mac", id.MAC)
	return nil
}

// SendAudio forwards one device uplink payload into the room.
func (b *Bridge) SendAudio(ctx context.Context, payload []byte) {
	room := b.currentRoom()
	if room == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.CodecTimeout)
	defer cancel()

	pcm := b.inbound.Convert(ctx, payload)
	if len(pcm) == 0 {
		return
	}
	if err := room.WriteSamples(pcm); err != nil {
		b.logger.Debug("writing mic samples failed", "room", b.roomName, "error", err)
	}
}

// SendAbort tells the agent to stop current playback.
func (b *Bridge) SendAbort(sessionID string) error {
	return b.publish(AgentMessage{
		Type:      AgentAbortPlayback,
		SessionID: sessionID,
		Timestamp: b.now().UnixMilli(),
		Source:    messageSource,
	})
}

// SendEndPrompt asks the agent to say goodbye before the session ends.
// It is a no-op once the room is gone.
func (b *Bridge) SendEndPrompt(sessionID string) error {
	if b.currentRoom() == nil {
		return nil
	}
	return b.publish(AgentMessage{
		Type:      AgentEndPrompt,
		SessionID: sessionID,
		Prompt:    b.opts.EndPrompt,
		Timestamp: b.now().UnixMilli(),
		Source:    messageSource,
	})
}

// Close publishes a cleanup request and leaves the room. Pending greeting
// and close timers are cancelled. Safe to call more than once.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	room := b.room
	b.room = nil
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	b.mu.Unlock()

	if room == nil {
		return
	}

	if err := publishJSON(room, AgentMessage{
		Type:      AgentCleanup,
		SessionID: b.roomName,
		Timestamp: b.now().UnixMilli(),
		Source:    messageSource,
	}); err != nil {
		b.logger.Debug("cleanup request not sent", "room", b.roomName, "error", err)
	}
	room.Disconnect()
	b.logger.Info("left room", "room", b.roomName, "frames_out", b.outbound.Stats().Frames)
}

// Stats returns audio counters for both directions.
func (b *Bridge) Stats() (audio.OutboundStats, audio.InboundStats) {
	return b.outbound.Stats(), b.inbound.Stats()
}

func (b *Bridge) currentRoom() Room {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.room
}

func (b *Bridge) publish(msg AgentMessage) error {
	room := b.currentRoom()
	if room == nil {
		return errors.New("room: not connected")
	}
	return publishJSON(room, msg)
}

func publishJSON(room Room, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", msg, err)
	}
	return room.PublishData(data)
}

// after schedules fn unless the bridge is closed.
func (b *Bridge) after(d time.Duration, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.timers = append(b.timers, time.AfterFunc(d, fn))
}

// ============================================================================
// Room events
// ============================================================================

func (b *Bridge) handleData(payload []byte, from string) {
	var msg roomMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Warn("invalid room data", "room", b.roomName, "from", from, "error", err)
		return
	}

	switch msg.Type {
	case eventAgentStateChanged:
		switch {
		case msg.Data.OldState == "speaking" && msg.Data.NewState == "listening":
			b.playing.Store(false)
			b.sendTTS(TTSStop, "")
		case msg.Data.OldState == "listening" && msg.Data.NewState == "thinking":
			b.sendDevice(LLMMessage{Type: TypeLLM, State: "think", SessionID: b.roomName})
		}

	case eventUserInputTranscribed:
		text := msg.Data.Text
		if text == "" {
			text = msg.Data.Transcript
		}
		if text != "" {
			b.sendDevice(STTMessage{Type: TypeSTT, Text: text, SessionID: b.roomName})
		}

	case eventSpeechCreated:
		b.playing.Store(true)
		b.device.Touch()
		b.sendTTS(TTSStart, msg.Data.Text)

	case eventDeviceControl:
		fc, requestID, ok := deviceControlCall(msg, b.now())
		if !ok {
			b.logger.Warn("unknown device control action", "room", b.roomName, "action", msg.Action+msg.Command)
			return
		}
		b.sendDevice(mcpCall(fc, requestID, msg.Timestamp, b.roomName, b.now()))

	case eventFunctionCall:
		if msg.FunctionCall == nil || msg.FunctionCall.Name == "" {
			b.logger.Warn("invalid function call", "room", b.roomName)
			return
		}
		b.sendDevice(mcpCall(*msg.FunctionCall, msg.RequestID, msg.Timestamp, b.roomName, b.now()))

	case eventMusicStopped:
		b.playing.Store(false)
		b.sendTTS(TTSStop, "")

	case eventLoopState:
		if b.opts.LoopState != nil {
			b.opts.LoopState(msg.LoopEnabled, msg.ContentType)
		}

	// Agents may also speak the device protocol directly.
	case TypeTTS:
		if msg.State == TTSSentenceStart {
			b.sendSentenceStart(msg.Text)
		}

	case TypeLLM:
		b.sendLLMText(msg.Text, msg.Emotion)

	case TypeRecordStop:
		b.sendRecordStop()
	}
}

func (b *Bridge) handleParticipantConnected(identity string) {
	b.logger.Debug("participant joined", "room", b.roomName, "identity", identity)
	if !strings.Contains(identity, agentIdentityMarker) {
		return
	}
	b.after(b.opts.GreetingDelay, b.sendGreeting)
}

func (b *Bridge) handleParticipantDisconnected(identity string) {
	b.logger.Debug("participant left", "room", b.roomName, "identity", identity)
}

// sendGreeting announces the device to the agent, then asks it to speak.
func (b *Bridge) sendGreeting() {
	id := b.opts.Identity
	info := AgentMessage{
		Type:       AgentDeviceInfo,
		DeviceMAC:  id.MAC,
		DeviceUUID: id.InstanceID,
		Timestamp:  b.now().UnixMilli(),
		Source:     messageSource,
	}
	if err := b.publish(info); err != nil {
		b.logger.Warn("device info not sent", "room", b.roomName, "error", err)
		return
	}
	ready := AgentMessage{
		Type:      AgentReady,
		Message:   greetingMessage,
		Timestamp: b.now().UnixMilli(),
		Source:    messageSource,
	}
	if err := b.publish(ready); err != nil {
		b.logger.Warn("agent ready not sent", "room", b.roomName, "error", err)
	}
}

func (b *Bridge) handleAudio(_ string, pcm []int16) {
	b.frames.Add(1)
	if err := b.outbound.Write(context.Background(), pcm); err != nil {
		b.logger.Debug("room audio not delivered", "room", b.roomName, "error", err)
	}
}

// handleAudioEnd flushes the playback tail and, if the session is ending,
// closes it shortly after so the final stop message reaches the device.
func (b *Bridge) handleAudioEnd(identity string) {
	if b.currentRoom() == nil {
		return
	}
	b.sendTTS(TTSStop, "")
	if err := b.outbound.Finish(context.Background()); err != nil {
		b.logger.Debug("audio tail not delivered", "room", b.roomName, "error", err)
	}
	b.logger.Debug("room audio ended", "room", b.roomName, "identity", identity, "frames_in", b.frames.Load())

	if b.device.Ending() {
		b.after(b.opts.StreamEndClose, func() {
			if b.device.Ending() {
				b.device.Close()
			}
		})
	}
}

// handleDisconnected runs when the media server drops the room. A drop
// caused by Close is ignored; otherwise the bridge shuts itself down and
// hands the loss to the device.
func (b *Bridge) handleDisconnected() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	room := b.room
	b.room = nil
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	b.mu.Unlock()

	b.playing.Store(false)
	b.logger.Info("room disconnected", "room", b.roomName)
	if room != nil {
		// Release local tracks off the SDK callback goroutine.
		go room.Disconnect()
	}
	b.device.RoomLost(b)
}

func (b *Bridge) sendSentenceStart(text string) {
	b.sendDevice(TTSMessage{Type: TypeTTS, State: TTSSentenceStart, SessionID: b.roomName, Text: text})
}

// sendLLMText delivers an agent text reply with an emotion, default neutral.
func (b *Bridge) sendLLMText(text, emotion string) {
	if text == "" {
		return
	}
	if emotion == "" {
		emotion = "neutral"
	}
	b.sendDevice(LLMMessage{Type: TypeLLM, Text: text, Emotion: emotion, SessionID: b.roomName})
}

func (b *Bridge) sendRecordStop() {
	b.sendDevice(RecordStopMessage{Type: TypeRecordStop, SessionID: b.roomName})
}

func (b *Bridge) sendTTS(state, text string) {
	b.sendDevice(TTSMessage{Type: TypeTTS, State: state, SessionID: b.roomName, Text: text})
}

func (b *Bridge) sendDevice(msg any) {
	if err := b.device.SendJSON(msg); err != nil {
		b.logger.Debug("device message not sent", "room", b.roomName, "error", err)
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
