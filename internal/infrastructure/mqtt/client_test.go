package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/nerrad567/gray-voice-gateway/internal/infrastructure/config"
)

// startBroker runs an embedded broker on a free local port for one test.
func startBroker(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("AddHook() error = %v", err)
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}
	go func() { _ = server.Serve() }()
	t.Cleanup(func() { server.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.Dial("tcp", addr); err == nil {
			c.Close()
			return port
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("broker did not start on %s", addr)
	return 0
}

func testConfig(port int, clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     port,
			ClientID: clientID,
		},
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func connectTest(t *testing.T, port int, clientID string) *Client {
	t.Helper()
	c, err := Connect(testConfig(port, clientID))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	port := startBroker(t)
	c := connectTest(t, port, "voicegw-test")

	if !c.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}
}

func TestClose(t *testing.T) {
	port := startBroker(t)
	c, err := Connect(testConfig(port, "voicegw-close"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close(), want false")
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestCloseNil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
	if err := (&Client{}).Close(); err != nil {
		t.Errorf("Close() on empty client error = %v, want nil", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	port := startBroker(t)
	c := connectTest(t, port, "voicegw-cancel")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	c := &Client{}
	if c.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestPublishValidation(t *testing.T) {
	port := startBroker(t)
	c := connectTest(t, port, "voicegw-validate")

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", []byte("x"), 0, ErrInvalidTopic},
		{"qos 3", "devices/p2p/x", []byte("x"), 3, ErrInvalidQoS},
		{"oversized", "devices/p2p/x", make([]byte, maxPayloadSize+1), 0, ErrPublishFailed},
		{"nil payload", "devices/p2p/x", nil, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if tt.want == nil {
				if err != nil {
					t.Errorf("Publish() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	port := startBroker(t)
	c := connectTest(t, port, "voicegw-subvalidate")
	handler := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 0, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("a/b", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("a/b", 0, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil) error = %v, want ErrSubscribeFailed", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after rejected subscribes, want 0", c.SubscriptionCount())
	}
}

func TestDisconnectedOperations(t *testing.T) {
	port := startBroker(t)
	c, err := Connect(testConfig(port, "voicegw-disconnected"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Close()

	if err := c.Publish("a/b", []byte("x"), 0, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if err := c.Subscribe("a/b", 0, func(string, []byte) error { return nil }); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.Unsubscribe("a/b"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Roundtrip Tests
// =============================================================================

func TestDeviceHelloWildcard(t *testing.T) {
	port := startBroker(t)
	gw := connectTest(t, port, "voicegw-sub")
	device := connectTest(t, port, "GID_test@@@00_16_3e_ac_b5_38")

	type msg struct{ topic, payload string }
	received := make(chan msg, 4)
	err := gw.Subscribe(Topics{}.AllDeviceHello(), 0, func(topic string, payload []byte) error {
		received <- msg{topic, string(payload)}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !gw.HasSubscription(Topics{}.AllDeviceHello()) {
		t.Error("HasSubscription() = false after Subscribe()")
	}

	time.Sleep(100 * time.Millisecond)

	// Data messages must not match the hello subscription.
	if err := device.PublishString(Topics{}.DeviceData("00_16_3e_ac_b5_38"), `{"type":"abort"}`, 0, false); err != nil {
		t.Fatalf("Publish() data error = %v", err)
	}
	hello := `{"type":"hello","version":3}`
	if err := device.PublishString(Topics{}.DeviceHello("00_16_3e_ac_b5_38"), hello, 0, false); err != nil {
		t.Fatalf("Publish() hello error = %v", err)
	}

	select {
	case m := <-received:
		if m.topic != "devices/00_16_3e_ac_b5_38/hello" {
			t.Errorf("topic = %q, want devices/00_16_3e_ac_b5_38/hello", m.topic)
		}
		if m.payload != hello {
			t.Errorf("payload = %q, want %q", m.payload, hello)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for hello")
	}
}

func TestUnsubscribe(t *testing.T) {
	port := startBroker(t)
	c := connectTest(t, port, "voicegw-unsub")
	topic := Topics{}.ServerIngest()

	if err := c.Subscribe(topic, 0, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := c.Unsubscribe(topic); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if c.HasSubscription(topic) {
		t.Error("HasSubscription() = true after Unsubscribe()")
	}
}

type recordingLogger struct {
	warns chan string
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.warns <- msg }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.warns <- msg }

func TestHandlerErrorAndPanicAreLogged(t *testing.T) {
	port := startBroker(t)
	c := connectTest(t, port, "voicegw-handler")
	logger := &recordingLogger{warns: make(chan string, 4)}
	c.SetLogger(logger)

	if err := c.Subscribe("test/error", 0, func(string, []byte) error { return errors.New("boom") }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := c.Subscribe("test/panic", 0, func(string, []byte) error { panic("boom") }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	c.PublishString("test/error", "x", 0, false)
	c.PublishString("test/panic", "x", 0, false)

	want := map[string]bool{
		"MQTT handler returned error":  false,
		"MQTT handler panic recovered": false,
	}
	deadline := time.After(5 * time.Second)
	for seen := 0; seen < len(want); {
		select {
		case msg := <-logger.warns:
			if done, ok := want[msg]; ok && !done {
				want[msg] = true
				seen++
			}
		case <-deadline:
			t.Fatalf("logged = %v, want both handler messages", want)
		}
	}
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"DeviceHello", topics.DeviceHello("00_16_3e_ac_b5_38"), "devices/00_16_3e_ac_b5_38/hello"},
		{"DeviceData", topics.DeviceData("00_16_3e_ac_b5_38"), "devices/00_16_3e_ac_b5_38/data"},
		{"DeviceReply", topics.DeviceReply("GID@@@00_16_3e_ac_b5_38@@@u1"), "devices/p2p/GID@@@00_16_3e_ac_b5_38@@@u1"},
		{"AllDeviceHello", topics.AllDeviceHello(), "devices/+/hello"},
		{"AllDeviceData", topics.AllDeviceData(), "devices/+/data"},
		{"ServerIngest", topics.ServerIngest(), "internal/server-ingest"},
		{"GatewayStatus", topics.GatewayStatus("mqtt-gateway"), "voicegw/mqtt-gateway/status"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestParseDeviceTopic(t *testing.T) {
	tests := []struct {
		topic    string
		deviceID string
		kind     string
		ok       bool
	}{
		{"devices/00_16_3e_ac_b5_38/hello", "00_16_3e_ac_b5_38", DeviceHello, true},
		{"devices/abc/data", "abc", DeviceData, true},
		{"devices/abc/other", "", "", false},
		{"devices/p2p/hello", "", "", false},
		{"devices//hello", "", "", false},
		{"devices/abc", "", "", false},
		{"other/abc/hello", "", "", false},
		{"devices/a/b/hello", "", "", false},
	}
	for _, tt := range tests {
		id, kind, ok := ParseDeviceTopic(tt.topic)
		if id != tt.deviceID || kind != tt.kind || ok != tt.ok {
			t.Errorf("ParseDeviceTopic(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.topic, id, kind, ok, tt.deviceID, tt.kind, tt.ok)
		}
	}
}

func TestStatusPayloads(t *testing.T) {
	var online, offline statusPayload
	if err := json.Unmarshal([]byte(buildOnlinePayload("gw-1")), &online); err != nil {
		t.Fatalf("online payload: %v", err)
	}
	if err := json.Unmarshal([]byte(buildOfflinePayload("gw-1")), &offline); err != nil {
		t.Fatalf("offline payload: %v", err)
	}
	if online.Status != "online" || online.ClientID != "gw-1" || online.Reason != "" {
		t.Errorf("online = %+v", online)
	}
	if offline.Status != "offline" || offline.Reason != "graceful_shutdown" {
		t.Errorf("offline = %+v", offline)
	}
	if _, err := time.Parse(time.RFC3339, online.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC3339: %v", online.Timestamp, err)
	}
}
