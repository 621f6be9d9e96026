package mqttserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/nerrad567/gray-voice-gateway/internal/audio"
	"github.com/nerrad567/gray-voice-gateway/internal/auth"
	"github.com/nerrad567/gray-voice-gateway/internal/gateway"
	"github.com/nerrad567/gray-voice-gateway/internal/infrastructure/config"
)

const (
	deviceID   = "GID_test@@@00_16_3e_ac_b5_38"
	replyTopic = "devices/p2p/00_16_3e_ac_b5_38"
)

type stubCall struct{}

func (stubCall) Connect(context.Context) error     { return nil }
func (stubCall) SessionID() string                 { return "room-test" }
func (stubCall) Playing() bool                     { return false }
func (stubCall) SendAudio(context.Context, []byte) {}
func (stubCall) SendAbort(string) error            { return nil }
func (stubCall) SendEndPrompt(string) error        { return nil }
func (stubCall) Close()                            {}

func (stubCall) Stats() (audio.OutboundStats, audio.InboundStats) {
	return audio.OutboundStats{}, audio.InboundStats{}
}

func newTestClient(id string) *mochi.Client {
	return &mochi.Client{ID: id}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func startServer(t *testing.T) (*Server, *gateway.Gateway, string) {
	t.Helper()
	gw, err := gateway.New(gateway.Options{
		Session:   config.SessionConfig{KeepaliveInterval: 15, InactivityTimeout: 60, EndingTimeout: 30, ProtocolVersion: 3},
		Audio:     config.AudioConfig{DeviceOutputRate: 24000, FrameDurationMS: 60, Format: "opus"},
		PublicIP:  "127.0.0.1",
		UDPPort:   8884,
		Validator: auth.NewCredentialValidator(""),
		NewCall:   func(*gateway.Session) (gateway.Call, error) { return stubCall{}, nil },
	})
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}

	addr := freeAddr(t)
	srv, err := New(Options{
		Gateway: gw,
		Address: addr,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Serve(); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	gw.AddBinding("listener", srv)
	t.Cleanup(gw.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.Dial("tcp", addr); err == nil {
			c.Close()
			return srv, gw, addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener did not start on %s", addr)
	return nil, nil, ""
}

func dialDevice(addr, clientID string) (pahomqtt.Client, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetConnectTimeout(3 * time.Second)
	c := pahomqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, context.DeadlineExceeded
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return c, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Address: ":0"}); err == nil {
		t.Error("New() without gateway error = nil")
	}
	gw, _ := gateway.New(gateway.Options{
		Validator: auth.NewCredentialValidator(""),
		NewCall:   func(*gateway.Session) (gateway.Call, error) { return stubCall{}, nil },
	})
	defer gw.Stop()
	if _, err := New(Options{Gateway: gw}); err == nil {
		t.Error("New() without address error = nil")
	}
}

func TestServer_HelloRoundTrip(t *testing.T) {
	srv, gw, addr := startServer(t)

	device, err := dialDevice(addr, deviceID)
	if err != nil {
		t.Fatalf("device connect error = %v", err)
	}
	defer device.Disconnect(100)

	replies := make(chan map[string]any, 4)
	token := device.Subscribe(replyTopic, 0, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		var m map[string]any
		if err := json.Unmarshal(msg.Payload(), &m); err == nil {
			replies <- m
		}
	})
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("subscribe error = %v", token.Error())
	}

	device.Publish("device-server", 0, false, `{"type":"hello","version":3}`).WaitTimeout(5 * time.Second)

	select {
	case m := <-replies:
		if m["type"] != "hello" || m["session_id"] != "room-test" || m["transport"] != "udp" {
			t.Errorf("reply = %v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no hello reply")
	}

	if srv.Clients() != 1 {
		t.Errorf("Clients() = %d, want 1", srv.Clients())
	}
	st := gw.Stats()
	if st.Direct != 1 || st.InCall != 1 {
		t.Errorf("Stats() = %+v, want one direct session in call", st)
	}
}

func TestServer_RejectsInvalidClientID(t *testing.T) {
	_, gw, addr := startServer(t)

	if _, err := dialDevice(addr, "not-a-device"); err == nil {
		t.Error("connect with invalid client id succeeded")
	}
	if _, err := dialDevice(addr, deviceID+"@@@unsigned"); err == nil {
		t.Error("connect with unsigned three-part id succeeded")
	}
	if gw.Stats().Sessions != 0 {
		t.Errorf("Stats().Sessions = %d, want 0", gw.Stats().Sessions)
	}
}

func TestServer_DisconnectClosesSession(t *testing.T) {
	srv, gw, addr := startServer(t)

	device, err := dialDevice(addr, deviceID)
	if err != nil {
		t.Fatalf("device connect error = %v", err)
	}
	waitFor(t, "session", func() bool { return gw.Stats().Sessions == 1 })

	device.Disconnect(100)

	waitFor(t, "session close", func() bool { return gw.Stats().Sessions == 0 })
	waitFor(t, "client unbind", func() bool { return srv.Clients() == 0 })
}

func TestServer_QoS1ClosesSession(t *testing.T) {
	_, gw, addr := startServer(t)

	device, err := dialDevice(addr, deviceID)
	if err != nil {
		t.Fatalf("device connect error = %v", err)
	}
	defer device.Disconnect(100)
	waitFor(t, "session", func() bool { return gw.Stats().Sessions == 1 })

	tok := device.Publish("device-server", 1, false, `{"type":"hello","version":3}`)
	if tok.WaitTimeout(2*time.Second) && tok.Error() == nil {
		t.Error("qos 1 publish was acknowledged")
	}

	waitFor(t, "session close", func() bool { return gw.Stats().Sessions == 0 })
}

func TestServer_SubscriptionsGrantedAtQoS0(t *testing.T) {
	_, gw, addr := startServer(t)

	device, err := dialDevice(addr, deviceID)
	if err != nil {
		t.Fatalf("device connect error = %v", err)
	}
	defer device.Disconnect(100)
	waitFor(t, "session", func() bool { return gw.Stats().Sessions == 1 })

	tok := device.Subscribe(replyTopic, 1, nil)
	if !tok.WaitTimeout(2 * time.Second) {
		t.Fatal("subscribe timed out")
	}
	if err := tok.Error(); err != nil {
		t.Fatalf("subscribe error = %v", err)
	}
	granted := tok.(*pahomqtt.SubscribeToken).Result()
	if q, ok := granted[replyTopic]; !ok || q != 0 {
		t.Errorf("granted qos = %v, want 0", granted)
	}
}

func TestOnSubscribe_DowngradesQoS(t *testing.T) {
	h := &deviceHook{}
	pk := packets.Packet{Filters: packets.Subscriptions{
		{Filter: replyTopic, Qos: 2},
		{Filter: "devices/p2p/other", Qos: 1},
	}}

	out := h.OnSubscribe(newTestClient(deviceID), pk)
	for _, f := range out.Filters {
		if f.Qos != 0 {
			t.Errorf("filter %s granted qos %d, want 0", f.Filter, f.Qos)
		}
	}
}

func TestServer_ReconnectReplacesSession(t *testing.T) {
	srv, gw, addr := startServer(t)

	first, err := dialDevice(addr, deviceID)
	if err != nil {
		t.Fatalf("first connect error = %v", err)
	}
	defer first.Disconnect(100)
	waitFor(t, "first session", func() bool { return gw.Stats().Sessions == 1 })
	s1, _ := gw.Session(deviceID)

	second, err := dialDevice(addr, deviceID)
	if err != nil {
		t.Fatalf("second connect error = %v", err)
	}
	defer second.Disconnect(100)

	waitFor(t, "old session closed", func() bool { return s1.State() == gateway.StateClosed })
	waitFor(t, "single binding", func() bool { return srv.Clients() == 1 })

	s2, ok := gw.Session(deviceID)
	if !ok || s2 == s1 {
		t.Fatal("new connection did not register a new session")
	}
	if s2.State() == gateway.StateClosed {
		t.Error("takeover closed the new session")
	}
}

func TestACL(t *testing.T) {
	h := &deviceHook{}
	tests := []struct {
		clientID string
		topic    string
		write    bool
		want     bool
	}{
		{deviceID, replyTopic, false, true},
		{deviceID, "devices/p2p/00_16_3e_ac_b5_39", false, false},
		{deviceID, "devices/+/hello", false, false},
		{deviceID, "anything/at/all", true, true},
		{"bogus", replyTopic, false, false},
	}
	for _, tt := range tests {
		cl := newTestClient(tt.clientID)
		if got := h.OnACLCheck(cl, tt.topic, tt.write); got != tt.want {
			t.Errorf("OnACLCheck(%q, %q, %v) = %v, want %v", tt.clientID, tt.topic, tt.write, got, tt.want)
		}
	}
}
