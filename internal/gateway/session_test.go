package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-voice-gateway/internal/audio"
	"github.com/nerrad567/gray-voice-gateway/internal/udp"
)

// ============================================================================
// Hello
// ============================================================================

func TestSession_HelloReply(t *testing.T) {
	h := newHarness(t)
	s, _, reply := h.hello(t, testClientID)

	if reply["version"] != float64(3) {
		t.Errorf("version = %v, want 3", reply["version"])
	}
	if reply["session_id"] != "room-00163eacb538-a" {
		t.Errorf("session_id = %v, want room-00163eacb538-a", reply["session_id"])
	}
	if reply["transport"] != "udp" {
		t.Errorf("transport = %v, want udp", reply["transport"])
	}

	params := reply["udp"].(map[string]any)
	if params["server"] != "203.0.113.7" {
		t.Errorf("udp.server = %v, want 203.0.113.7", params["server"])
	}
	if params["port"] != float64(8884) {
		t.Errorf("udp.port = %v, want 8884", params["port"])
	}
	if params["encryption"] != "aes-128-ctr" {
		t.Errorf("udp.encryption = %v, want aes-128-ctr", params["encryption"])
	}
	if key, _ := params["key"].(string); len(key) != 32 {
		t.Errorf("udp.key = %q, want 32 hex chars", key)
	}
	wantNonce := fmt.Sprintf("01000000%08x0000000000000000", s.ConnID())
	if params["nonce"] != wantNonce {
		t.Errorf("udp.nonce = %v, want %s", params["nonce"], wantNonce)
	}

	ap := reply["audio_params"].(map[string]any)
	if ap["sample_rate"] != float64(24000) || ap["channels"] != float64(1) ||
		ap["frame_duration"] != float64(60) || ap["format"] != "opus" {
		t.Errorf("audio_params = %v", ap)
	}

	if got := s.State(); got != StateInCall {
		t.Errorf("State() = %v, want %v", got, StateInCall)
	}
	types := h.events.types()
	if len(types) != 2 || types[0] != EventSessionConnected || types[1] != EventCallStarted {
		t.Errorf("events = %v, want [session_connected call_started]", types)
	}
}

func TestSession_UnsupportedVersionCloses(t *testing.T) {
	h := newHarness(t)
	s, tr := h.connect(t, testClientID)

	s.HandleMessage(context.Background(), []byte(`{"type":"hello","version":2}`))

	if got := s.State(); got != StateClosed {
		t.Errorf("State() = %v, want %v", got, StateClosed)
	}
	if tr.closeCount() != 1 {
		t.Errorf("transport closed %d times, want 1", tr.closeCount())
	}
	if h.calls.count() != 0 {
		t.Errorf("calls created = %d, want 0", h.calls.count())
	}
	if _, ok := h.gw.Session(testClientID); ok {
		t.Error("closed session still registered")
	}
}

func TestSession_InvalidJSONCloses(t *testing.T) {
	h := newHarness(t)
	s, tr := h.connect(t, testClientID)

	s.HandleMessage(context.Background(), []byte(`{not json`))

	if got := s.State(); got != StateClosed {
		t.Errorf("State() = %v, want %v", got, StateClosed)
	}
	if tr.closeCount() != 1 {
		t.Errorf("transport closed %d times, want 1", tr.closeCount())
	}
}

func TestSession_RepeatedHelloReplacesCall(t *testing.T) {
	h := newHarness(t)
	s, tr, first := h.hello(t, testClientID)
	firstCall := h.calls.last()

	s.HandleMessage(context.Background(), []byte(testHello))
	second := tr.last(t)

	if firstCall.closeCount() != 1 {
		t.Errorf("replaced call closed %d times, want 1", firstCall.closeCount())
	}
	if h.calls.count() != 2 {
		t.Fatalf("calls created = %d, want 2", h.calls.count())
	}
	for _, m := range tr.messages(t) {
		if m["type"] == "goodbye" {
			t.Error("replacing a call sent goodbye to the device")
		}
	}
	if second["session_id"] == first["session_id"] {
		t.Error("second hello reused the first session_id")
	}
	k1 := first["udp"].(map[string]any)["key"]
	k2 := second["udp"].(map[string]any)["key"]
	if k1 == k2 {
		t.Error("second hello reused the media key")
	}

	ended, ok := h.events.find(EventCallEnded)
	if !ok {
		t.Fatal("no call_ended event")
	}
	if ended.Reason != reasonReplaced {
		t.Errorf("call_ended reason = %q, want %q", ended.Reason, reasonReplaced)
	}
}

func TestSession_HelloConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.calls.connectErr = errors.New("room unavailable")
	s, tr := h.connect(t, testClientID)

	s.HandleMessage(context.Background(), []byte(testHello))

	reply := tr.last(t)
	if reply["type"] != "error" || reply["message"] != "Failed to process hello message" {
		t.Errorf("reply = %v, want hello failure error", reply)
	}
	if h.calls.last().closeCount() != 1 {
		t.Error("failed call was not closed")
	}
	if got := s.State(); got != StateIdentified {
		t.Errorf("State() = %v, want %v", got, StateIdentified)
	}
	if _, ok := h.gw.Session(testClientID); !ok {
		t.Error("session removed after hello failure")
	}
}

// ============================================================================
// Other control messages
// ============================================================================

func TestSession_MessagesWithoutCall(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    map[string]any
	}{
		{
			name:    "abort echoes session id",
			payload: `{"type":"abort","session_id":"s-1"}`,
			want:    map[string]any{"type": "goodbye", "session_id": "s-1"},
		},
		{
			name:    "listen without session id",
			payload: `{"type":"listen","state":"start"}`,
			want:    map[string]any{"type": "goodbye"},
		},
		{
			name:    "goodbye is not answered",
			payload: `{"type":"goodbye","session_id":"s-1"}`,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			s, tr := h.connect(t, testClientID)

			s.HandleMessage(context.Background(), []byte(tt.payload))

			msgs := tr.messages(t)
			if tt.want == nil {
				if len(msgs) != 0 {
					t.Errorf("sent %v, want nothing", msgs)
				}
				return
			}
			if len(msgs) != 1 {
				t.Fatalf("sent %d messages, want 1", len(msgs))
			}
			if len(msgs[0]) != len(tt.want) {
				t.Errorf("reply = %v, want %v", msgs[0], tt.want)
			}
			for k, v := range tt.want {
				if msgs[0][k] != v {
					t.Errorf("reply[%q] = %v, want %v", k, msgs[0][k], v)
				}
			}
		})
	}
}

func TestSession_GoodbyeEndsCall(t *testing.T) {
	h := newHarness(t)
	s, tr, reply := h.hello(t, testClientID)
	call := h.calls.last()

	s.HandleMessage(context.Background(), []byte(`{"type":"goodbye"}`))

	if call.closeCount() != 1 {
		t.Errorf("call closed %d times, want 1", call.closeCount())
	}
	last := tr.last(t)
	if last["type"] != "goodbye" || last["session_id"] != reply["session_id"] {
		t.Errorf("reply = %v, want goodbye for %v", last, reply["session_id"])
	}
	if got := s.State(); got != StateIdentified {
		t.Errorf("State() = %v, want %v", got, StateIdentified)
	}
	ended, _ := h.events.find(EventCallEnded)
	if ended.Reason != reasonGoodbye {
		t.Errorf("call_ended reason = %q, want %q", ended.Reason, reasonGoodbye)
	}
}

func TestSession_AbortForwarded(t *testing.T) {
	h := newHarness(t)
	s, tr, _ := h.hello(t, testClientID)
	sent := len(tr.messages(t))

	s.HandleMessage(context.Background(), []byte(`{"type":"abort","session_id":"s-9"}`))

	call := h.calls.last()
	if len(call.aborts) != 1 || call.aborts[0] != "s-9" {
		t.Errorf("aborts = %v, want [s-9]", call.aborts)
	}
	if len(tr.messages(t)) != sent {
		t.Error("abort produced a reply to the device")
	}
	if got := s.State(); got != StateInCall {
		t.Errorf("State() = %v, want %v", got, StateInCall)
	}
}

func TestSession_CloseSendsGoodbyeOnce(t *testing.T) {
	h := newHarness(t)
	s, tr, reply := h.hello(t, testClientID)

	s.Close()
	s.Close()

	goodbyes := 0
	for _, m := range tr.messages(t) {
		if m["type"] == "goodbye" {
			goodbyes++
			if m["session_id"] != reply["session_id"] {
				t.Errorf("goodbye session_id = %v, want %v", m["session_id"], reply["session_id"])
			}
		}
	}
	if goodbyes != 1 {
		t.Errorf("goodbyes sent = %d, want 1", goodbyes)
	}
	if tr.closeCount() != 1 {
		t.Errorf("transport closed %d times, want 1", tr.closeCount())
	}
	if _, ok := h.events.find(EventSessionClosed); !ok {
		t.Error("no session_closed event")
	}

	s.HandleMessage(context.Background(), []byte(testHello))
	if h.calls.count() != 1 {
		t.Error("closed session accepted a hello")
	}
}

func TestSession_CallEndedStats(t *testing.T) {
	h := newHarness(t)
	s, _, _ := h.hello(t, testClientID)
	call := h.calls.last()
	call.outStats = audio.OutboundStats{Frames: 40}
	call.inStats = audio.InboundStats{Opus: 30, PCM: 2}

	h.clock.Advance(12 * time.Second)
	s.Close()

	ended, ok := h.events.find(EventCallEnded)
	if !ok {
		t.Fatal("no call_ended event")
	}
	if ended.FramesOut != 40 || ended.FramesIn != 32 {
		t.Errorf("frames = %d/%d, want 40/32", ended.FramesOut, ended.FramesIn)
	}
	if ended.Duration != 12*time.Second {
		t.Errorf("Duration = %v, want 12s", ended.Duration)
	}
	if ended.Reason != reasonSessionClosed {
		t.Errorf("Reason = %q, want %q", ended.Reason, reasonSessionClosed)
	}
	if ended.MAC != "00:16:3e:ac:b5:38" || ended.Transport != KindDirect {
		t.Errorf("event identity = %q/%q", ended.MAC, ended.Transport)
	}
}

// ============================================================================
// Keepalive
// ============================================================================

func TestSession_KeepaliveIdleCall(t *testing.T) {
	h := newHarness(t)
	s, tr, reply := h.hello(t, testClientID)
	call := h.calls.last()

	h.clock.Advance(59 * time.Second)
	h.gw.CheckKeepalive()
	if got := s.State(); got != StateInCall {
		t.Fatalf("State() after 59s = %v, want %v", got, StateInCall)
	}

	h.clock.Advance(2 * time.Second)
	h.gw.CheckKeepalive()
	if got := s.State(); got != StateEnding {
		t.Fatalf("State() after 61s = %v, want %v", got, StateEnding)
	}
	if len(call.prompts) != 1 || call.prompts[0] != reply["session_id"] {
		t.Errorf("end prompts = %v, want [%v]", call.prompts, reply["session_id"])
	}

	h.clock.Advance(29 * time.Second)
	h.gw.CheckKeepalive()
	if got := s.State(); got != StateEnding {
		t.Fatalf("State() 29s into ending = %v, want %v", got, StateEnding)
	}
	if len(call.prompts) != 1 {
		t.Errorf("end prompt sent %d times, want 1", len(call.prompts))
	}

	h.clock.Advance(2 * time.Second)
	h.gw.CheckKeepalive()
	if got := s.State(); got != StateClosed {
		t.Fatalf("State() after ending timeout = %v, want %v", got, StateClosed)
	}
	if last := tr.last(t); last["type"] != "goodbye" {
		t.Errorf("last message = %v, want goodbye", last)
	}
}

func TestSession_KeepaliveIdleWithoutCall(t *testing.T) {
	h := newHarness(t)
	s, tr := h.connect(t, testClientID)

	h.clock.Advance(61 * time.Second)
	h.gw.CheckKeepalive()

	if got := s.State(); got != StateClosed {
		t.Errorf("State() = %v, want %v", got, StateClosed)
	}
	if len(tr.messages(t)) != 0 {
		t.Error("idle session without call sent a message")
	}
}

func TestSession_KeepalivePlayingHoldsClock(t *testing.T) {
	h := newHarness(t)
	s, _, _ := h.hello(t, testClientID)
	call := h.calls.last()
	call.setPlaying(true)

	h.clock.Advance(120 * time.Second)
	h.gw.CheckKeepalive()
	if got := s.State(); got != StateInCall {
		t.Fatalf("State() while playing = %v, want %v", got, StateInCall)
	}
	if got := s.Info().LastActivity; !got.Equal(h.clock.Now()) {
		t.Errorf("LastActivity = %v, want %v", got, h.clock.Now())
	}

	call.setPlaying(false)
	h.clock.Advance(30 * time.Second)
	h.gw.CheckKeepalive()
	if got := s.State(); got != StateInCall {
		t.Fatalf("State() 30s after playback = %v, want %v", got, StateInCall)
	}

	h.clock.Advance(31 * time.Second)
	h.gw.CheckKeepalive()
	if got := s.State(); got != StateEnding {
		t.Errorf("State() 61s after playback = %v, want %v", got, StateEnding)
	}
}

func TestSession_KeepaliveControlMessageIsActivity(t *testing.T) {
	h := newHarness(t)
	s, _, _ := h.hello(t, testClientID)

	h.clock.Advance(50 * time.Second)
	s.HandleMessage(context.Background(), []byte(`{"type":"listen","state":"detect"}`))
	h.clock.Advance(50 * time.Second)
	h.gw.CheckKeepalive()

	if got := s.State(); got != StateInCall {
		t.Errorf("State() = %v, want %v", got, StateInCall)
	}
}

func TestSession_KeepaliveEndPromptFailureCloses(t *testing.T) {
	h := newHarness(t)
	s, _, _ := h.hello(t, testClientID)
	h.calls.last().promptErr = errors.New("room gone")

	h.clock.Advance(61 * time.Second)
	h.gw.CheckKeepalive()

	if got := s.State(); got != StateClosed {
		t.Errorf("State() = %v, want %v", got, StateClosed)
	}
}

// ============================================================================
// Room loss
// ============================================================================

func TestSession_CallLostWhilePlaying(t *testing.T) {
	h := newHarness(t)
	s, tr, reply := h.hello(t, testClientID)
	call := h.calls.last()
	call.setPlaying(true)

	s.callLost(call)

	last := tr.last(t)
	if last["type"] != "goodbye" || last["session_id"] != reply["session_id"] {
		t.Errorf("last message = %v, want goodbye for %v", last, reply["session_id"])
	}
	if got := s.State(); got != StateIdentified {
		t.Errorf("State() = %v, want %v", got, StateIdentified)
	}
	if call.closeCount() != 1 {
		t.Errorf("call closed %d times, want 1", call.closeCount())
	}
	e, ok := h.events.find(EventCallEnded)
	if !ok || e.Reason != reasonRoomLost {
		t.Errorf("call_ended = %+v, want reason %s", e, reasonRoomLost)
	}
	if tr.closeCount() != 0 {
		t.Error("transport closed for an active session")
	}

	// Without a call the idle session is reclaimed by keepalive.
	h.clock.Advance(61 * time.Second)
	h.gw.CheckKeepalive()
	if got := s.State(); got != StateClosed {
		t.Errorf("State() after idle = %v, want %v", got, StateClosed)
	}
}

func TestSession_CallLostWhileEnding(t *testing.T) {
	h := newHarness(t)
	s, tr, _ := h.hello(t, testClientID)
	call := h.calls.last()

	h.clock.Advance(61 * time.Second)
	h.gw.CheckKeepalive()
	if got := s.State(); got != StateEnding {
		t.Fatalf("State() = %v, want %v", got, StateEnding)
	}

	s.callLost(call)

	if got := s.State(); got != StateClosed {
		t.Errorf("State() = %v, want %v", got, StateClosed)
	}
	if tr.closeCount() != 1 {
		t.Errorf("transport closed %d times, want 1", tr.closeCount())
	}
	goodbyes := 0
	for _, m := range tr.messages(t) {
		if m["type"] == "goodbye" {
			goodbyes++
		}
	}
	if goodbyes != 1 {
		t.Errorf("goodbye sent %d times, want 1", goodbyes)
	}
	if _, ok := h.gw.Session(testClientID); ok {
		t.Error("session still registered")
	}
}

func TestSession_CallLostFromReplacedCall(t *testing.T) {
	h := newHarness(t)
	s, tr, _ := h.hello(t, testClientID)
	old := h.calls.last()
	s.HandleMessage(context.Background(), []byte(testHello))
	current := h.calls.last()
	sent := len(tr.messages(t))

	s.callLost(old)

	if got := s.State(); got != StateInCall {
		t.Errorf("State() = %v, want %v", got, StateInCall)
	}
	if current.closeCount() != 0 {
		t.Error("current call closed by a stale loss")
	}
	if n := len(tr.messages(t)); n != sent {
		t.Errorf("stale loss sent %d messages", n-sent)
	}
}

// ============================================================================
// Media
// ============================================================================

func TestSession_ReceiveMedia(t *testing.T) {
	h := newHarness(t)
	s, _, reply := h.hello(t, testClientID)
	call := h.calls.last()
	from := netip.MustParseAddrPort("198.51.100.4:40001")
	helloAt := h.clock.Now()
	h.clock.Advance(5 * time.Second)

	packets := []struct {
		seq     uint32
		payload string
	}{
		{5, "abc"},
		{4, "old"},
		{6, "ping:42"},
		{7, "def"},
	}
	for _, p := range packets {
		hdr, pkt := devicePacket(t, reply, s.ConnID(), p.seq, []byte(p.payload))
		s.ReceiveMedia(hdr, pkt, from)
	}

	waitFor(t, "forwarded audio", func() bool { return len(call.received()) == 2 })
	if got := call.received(); got[0] != "abc" || got[1] != "def" {
		t.Errorf("forwarded audio = %v, want [abc def]", got)
	}

	info := s.Info()
	if info.Remote != from.String() {
		t.Errorf("Remote = %q, want %q", info.Remote, from)
	}
	if info.RemoteSeq != 7 {
		t.Errorf("RemoteSeq = %d, want 7", info.RemoteSeq)
	}
	if !info.LastActivity.Equal(helloAt) {
		t.Errorf("media changed LastActivity to %v", info.LastActivity)
	}
}

func TestSession_SlowCallDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	s1, _, reply1 := h.hello(t, testClientID)
	slow := h.calls.last()
	s2, _, reply2 := h.hello(t, testClientID2)
	fast := h.calls.last()

	release := make(chan struct{})
	slow.mu.Lock()
	slow.block = release
	slow.mu.Unlock()
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	type datagram struct {
		s   *Session
		hdr udp.Header
		pkt []byte
	}
	var datagrams []datagram
	for seq := uint32(1); seq <= 3; seq++ {
		hdr, pkt := devicePacket(t, reply1, s1.ConnID(), seq, []byte(fmt.Sprintf("slow-%d", seq)))
		datagrams = append(datagrams, datagram{s1, hdr, pkt})
	}
	hdr, pkt := devicePacket(t, reply2, s2.ConnID(), 1, []byte("fast-1"))
	datagrams = append(datagrams, datagram{s2, hdr, pkt})

	from := netip.MustParseAddrPort("198.51.100.4:40001")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, d := range datagrams {
			d.s.ReceiveMedia(d.hdr, d.pkt, from)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReceiveMedia blocked on a slow call")
	}
	waitFor(t, "fast call audio", func() bool { return len(fast.received()) == 1 })
	if n := len(slow.received()); n != 0 {
		t.Fatalf("slow call forwarded %d packets while blocked", n)
	}

	close(release)
	waitFor(t, "slow call audio", func() bool { return len(slow.received()) == 3 })
	if got := slow.received(); got[0] != "slow-1" || got[1] != "slow-2" || got[2] != "slow-3" {
		t.Errorf("slow call audio = %v, want arrival order", got)
	}
}

func TestSession_UplinkQueueFull(t *testing.T) {
	h := newHarness(t)
	s, _, reply := h.hello(t, testClientID)
	call := h.calls.last()

	release := make(chan struct{})
	call.mu.Lock()
	call.block = release
	call.mu.Unlock()
	defer close(release)

	from := netip.MustParseAddrPort("198.51.100.4:40001")
	// One packet is held by the blocked call, uplinkDepth fill the queue.
	total := uplinkDepth + 5
	for seq := 1; seq <= total; seq++ {
		hdr, pkt := devicePacket(t, reply, s.ConnID(), uint32(seq), []byte("x"))
		s.ReceiveMedia(hdr, pkt, from)
	}

	dropped := s.Info().MediaDropped
	if dropped < 4 || dropped > 5 {
		t.Errorf("MediaDropped = %d, want 4 or 5", dropped)
	}
}

func TestSession_ReceiveMediaWithoutCall(t *testing.T) {
	h := newHarness(t)
	s, _ := h.connect(t, testClientID)
	hdr := udp.Header{Type: udp.TypeAudio, PayloadLen: 3, ConnID: s.ConnID(), Sequence: 1}
	pkt := append(hdr.Marshal(), 1, 2, 3)

	s.ReceiveMedia(hdr, pkt, netip.MustParseAddrPort("198.51.100.4:40001"))

	if info := s.Info(); info.Remote != "" || info.RemoteSeq != 0 {
		t.Errorf("packet without call updated channel: remote=%q seq=%d", info.Remote, info.RemoteSeq)
	}
}

func TestSession_SendAudio(t *testing.T) {
	h := newHarness(t)
	s, _, reply := h.hello(t, testClientID)

	if err := s.SendAudio([]byte("xyz")); !errors.Is(err, udp.ErrNoRemote) {
		t.Fatalf("SendAudio() before device packet error = %v, want ErrNoRemote", err)
	}

	from := netip.MustParseAddrPort("198.51.100.4:40001")
	hdr, pkt := devicePacket(t, reply, s.ConnID(), 1, []byte("hi"))
	s.ReceiveMedia(hdr, pkt, from)

	if err := s.SendAudio([]byte("xyz")); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	if len(h.media.writes) != 1 {
		t.Fatalf("media writes = %d, want 1", len(h.media.writes))
	}
	w := h.media.writes[0]
	if w.to != from {
		t.Errorf("sent to %v, want %v", w.to, from)
	}

	out, payload, err := udp.ParsePacket(w.pkt)
	if err != nil {
		t.Fatalf("ParsePacket() error = %v", err)
	}
	if out.ConnID != s.ConnID() || out.Sequence != 1 || out.Type != udp.TypeAudio {
		t.Errorf("header = %+v", out)
	}
	key, _ := hex.DecodeString(reply["udp"].(map[string]any)["key"].(string))
	plain, err := udp.Crypt(key, w.pkt[:udp.HeaderSize], payload)
	if err != nil {
		t.Fatalf("Crypt() error = %v", err)
	}
	if string(plain) != "xyz" {
		t.Errorf("decrypted = %q, want xyz", plain)
	}
}

func TestSession_Info(t *testing.T) {
	h := newHarness(t)
	s, _, reply := h.hello(t, testClientID)

	info := s.Info()
	if info.ClientID != testClientID || info.MAC != "00:16:3e:ac:b5:38" || info.GroupID != "GID_test" {
		t.Errorf("identity = %+v", info)
	}
	if !strings.HasPrefix(info.InstanceID, "virtual-") {
		t.Errorf("InstanceID = %q, want virtual- prefix", info.InstanceID)
	}
	if info.Room != reply["session_id"] || info.State != StateInCall || info.CallID == "" {
		t.Errorf("call info = %+v", info)
	}
}
