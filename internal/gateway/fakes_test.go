package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-voice-gateway/internal/audio"
	"github.com/nerrad567/gray-voice-gateway/internal/auth"
	"github.com/nerrad567/gray-voice-gateway/internal/infrastructure/config"
	"github.com/nerrad567/gray-voice-gateway/internal/udp"
)

const (
	testClientID  = "GID_test@@@00_16_3e_ac_b5_38"
	testClientID2 = "GID_test@@@00_16_3e_ac_b5_39"
	testHello     = `{"type":"hello","version":3}`
)

// ============================================================================
// Fakes
// ============================================================================

type fakeTransport struct {
	kind string

	mu     sync.Mutex
	sent   [][]byte
	closed int
	err    error
}

func newFakeTransport() *fakeTransport { return &fakeTransport{kind: KindDirect} }

func (t *fakeTransport) SendControl(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, payload)
	return nil
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
}

func (t *fakeTransport) Kind() string { return t.kind }

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// messages decodes every control message sent so far.
func (t *fakeTransport) messages(tb testing.TB) []map[string]any {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]map[string]any, 0, len(t.sent))
	for _, d := range t.sent {
		var m map[string]any
		if err := json.Unmarshal(d, &m); err != nil {
			tb.Fatalf("sent invalid JSON %q: %v", d, err)
		}
		out = append(out, m)
	}
	return out
}

func (t *fakeTransport) last(tb testing.TB) map[string]any {
	tb.Helper()
	msgs := t.messages(tb)
	if len(msgs) == 0 {
		tb.Fatal("no control messages sent")
	}
	return msgs[len(msgs)-1]
}

type fakeCall struct {
	sessionID  string
	connectErr error
	promptErr  error

	// block, when set, holds SendAudio until it is closed.
	block chan struct{}

	mu       sync.Mutex
	playing  bool
	closed   int
	audio    [][]byte
	aborts   []string
	prompts  []string
	outStats audio.OutboundStats
	inStats  audio.InboundStats
}

func (c *fakeCall) Connect(context.Context) error { return c.connectErr }
func (c *fakeCall) SessionID() string             { return c.sessionID }

func (c *fakeCall) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

func (c *fakeCall) setPlaying(p bool) {
	c.mu.Lock()
	c.playing = p
	c.mu.Unlock()
}

func (c *fakeCall) SendAudio(_ context.Context, payload []byte) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, append([]byte(nil), payload...))
}

func (c *fakeCall) SendAbort(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborts = append(c.aborts, sessionID)
	return nil
}

func (c *fakeCall) SendEndPrompt(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, sessionID)
	return c.promptErr
}

func (c *fakeCall) Stats() (audio.OutboundStats, audio.InboundStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outStats, c.inStats
}

func (c *fakeCall) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

// received returns the forwarded audio payloads as strings.
func (c *fakeCall) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.audio))
	for i, a := range c.audio {
		out[i] = string(a)
	}
	return out
}

func (c *fakeCall) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// callFactory hands out fakeCalls and remembers them in order.
type callFactory struct {
	mu         sync.Mutex
	calls      []*fakeCall
	connectErr error
}

func (f *callFactory) New(s *Session) (Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeCall{
		sessionID:  "room-" + s.identity.CompactMAC() + "-" + string(rune('a'+len(f.calls))),
		connectErr: f.connectErr,
	}
	f.calls = append(f.calls, c)
	return c, nil
}

func (f *callFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *callFactory) last() *fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type mediaWrite struct {
	pkt []byte
	to  netip.AddrPort
}

type fakeMedia struct {
	mu      sync.Mutex
	writes  []mediaWrite
	onClose func()
}

func (m *fakeMedia) WriteTo(pkt []byte, to netip.AddrPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, mediaWrite{pkt: pkt, to: to})
	return nil
}

func (m *fakeMedia) Close() error {
	if m.onClose != nil {
		m.onClose()
	}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) HandleEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *eventRecorder) find(t EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return e, true
		}
	}
	return Event{}, false
}

var errRejected = errors.New("rejected")

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// validatorFunc adapts a function to Validator.
type validatorFunc func(clientID, username, password string) (auth.Identity, error)

func (f validatorFunc) Validate(clientID, username, password string) (auth.Identity, error) {
	return f(clientID, username, password)
}

// ============================================================================
// Harness
// ============================================================================

type harness struct {
	gw     *Gateway
	calls  *callFactory
	clock  *fakeClock
	events *eventRecorder
	media  *fakeMedia
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		KeepaliveInterval: 15,
		InactivityTimeout: 60,
		EndingTimeout:     30,
		ProtocolVersion:   3,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		calls:  &callFactory{},
		clock:  newFakeClock(),
		events: &eventRecorder{},
		media:  &fakeMedia{},
	}
	gw, err := New(Options{
		Session: testSessionConfig(),
		Audio: config.AudioConfig{
			DeviceOutputRate: 24000,
			FrameDurationMS:  60,
			Format:           "opus",
		},
		PublicIP:  "203.0.113.7",
		UDPPort:   8884,
		Validator: auth.NewCredentialValidator(""),
		Events:    h.events,
		Now:       h.clock.Now,
		NewCall:   h.calls.New,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	gw.SetMedia(h.media)
	h.gw = gw
	t.Cleanup(gw.Stop)
	return h
}

func (h *harness) connect(t *testing.T, clientID string) (*Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	s, err := h.gw.Connect(clientID, "", "", tr)
	if err != nil {
		t.Fatalf("Connect(%q) error = %v", clientID, err)
	}
	return s, tr
}

// hello connects a device and completes a hello, returning the reply.
func (h *harness) hello(t *testing.T, clientID string) (*Session, *fakeTransport, map[string]any) {
	t.Helper()
	s, tr := h.connect(t, clientID)
	s.HandleMessage(context.Background(), []byte(testHello))
	reply := tr.last(t)
	if reply["type"] != "hello" {
		t.Fatalf("hello reply type = %v, want hello", reply["type"])
	}
	return s, tr, reply
}

// devicePacket encrypts payload the way a device would, with the key from
// a hello reply.
func devicePacket(t *testing.T, reply map[string]any, connID uint32, seq uint32, payload []byte) (udp.Header, []byte) {
	t.Helper()
	udpParams := reply["udp"].(map[string]any)
	key, err := hex.DecodeString(udpParams["key"].(string))
	if err != nil {
		t.Fatalf("decoding key: %v", err)
	}
	h := udp.Header{
		Type:       udp.TypeAudio,
		PayloadLen: uint16(len(payload)),
		ConnID:     connID,
		Timestamp:  seq * 60,
		Sequence:   seq,
	}
	hdr := h.Marshal()
	ct, err := udp.Crypt(key, hdr, payload)
	if err != nil {
		t.Fatalf("Crypt() error = %v", err)
	}
	return h, append(hdr, ct...)
}
