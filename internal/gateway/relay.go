package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-voice-gateway/internal/auth"
	"github.com/nerrad567/gray-voice-gateway/internal/infrastructure/mqtt"
)

// Broker is the external MQTT connection the relay runs over.
type Broker interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Relay creates virtual sessions for devices attached to an external broker.
//
// Device messages arrive either on devices/{id}/hello and devices/{id}/data,
// or wrapped in an ingest envelope republished by the broker. Replies are
// published to devices/p2p/{client id}.
//
// Thread Safety: All methods are safe for concurrent use.
type Relay struct {
	gw     *Gateway
	broker Broker
	logger Logger

	mu      sync.Mutex
	devices map[string]*relayTransport
}

// ingestEnvelope is the broker's republish format. Older broker rules spell
// the payload key orginal_payload.
type ingestEnvelope struct {
	SenderClientID  string          `json:"sender_client_id"`
	OriginalPayload json.RawMessage `json:"original_payload"`
	LegacyPayload   json.RawMessage `json:"orginal_payload"`
}

// devicePayload holds the fields the relay reads before routing.
type devicePayload struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// NewRelay creates a relay for gw over broker. Call Start to subscribe.
func NewRelay(gw *Gateway, broker Broker, logger Logger) *Relay {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Relay{
		gw:      gw,
		broker:  broker,
		logger:  logger,
		devices: make(map[string]*relayTransport),
	}
}

// Start subscribes to device and ingest topics.
func (r *Relay) Start() error {
	t := mqtt.Topics{}
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{t.AllDeviceHello(), r.handleDeviceTopic},
		{t.AllDeviceData(), r.handleDeviceTopic},
		{t.ServerIngest(), r.handleIngest},
	}
	for _, sub := range subs {
		if err := r.broker.Subscribe(sub.topic, 0, sub.handler); err != nil {
			return fmt.Errorf("subscribing %s: %w", sub.topic, err)
		}
	}
	r.logger.Info("broker relay subscribed", "topics", len(subs))
	return nil
}

// Devices returns the number of devices with a live virtual session.
func (r *Relay) Devices() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

func (r *Relay) handleDeviceTopic(topic string, payload []byte) error {
	deviceID, kind, ok := mqtt.ParseDeviceTopic(topic)
	if !ok {
		r.logger.Debug("relay message on unexpected topic", "topic", topic)
		return nil
	}

	switch kind {
	case mqtt.DeviceHello:
		var p devicePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decoding hello from %s: %w", deviceID, err)
		}
		return r.hello(deviceID, p.ClientID, payload)
	case mqtt.DeviceData:
		r.data(deviceID, payload)
	}
	return nil
}

func (r *Relay) handleIngest(_ string, payload []byte) error {
	var env ingestEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decoding ingest envelope: %w", err)
	}

	inner := env.OriginalPayload
	if len(inner) == 0 {
		inner = env.LegacyPayload
	}
	inner, err := unwrapPayload(inner)
	if err != nil {
		return err
	}
	if env.SenderClientID == "" || len(inner) == 0 {
		return ErrInvalidEnvelope
	}

	id, err := auth.ParseClientID(env.SenderClientID)
	if err != nil {
		return fmt.Errorf("ingest from %q: %w", env.SenderClientID, err)
	}

	var p devicePayload
	if err := json.Unmarshal(inner, &p); err != nil {
		return fmt.Errorf("decoding ingest payload: %w", err)
	}
	if p.Type == typeHello {
		return r.hello(id.MAC, env.SenderClientID, inner)
	}
	r.data(id.MAC, inner)
	return nil
}

// hello routes a hello to the device's live session, or creates a virtual
// session for it.
func (r *Relay) hello(deviceKey, clientID string, payload []byte) error {
	if t := r.lookup(deviceKey); t != nil && t.session != nil && !t.session.Closing() {
		t.session.Deliver(payload)
		return nil
	}

	id, err := virtualIdentity(clientID)
	if err != nil {
		return fmt.Errorf("relay hello from %s: %w", deviceKey, err)
	}

	t := &relayTransport{
		relay: r,
		key:   deviceKey,
		topic: mqtt.Topics{}.DeviceReply(id.Raw),
	}
	s, err := r.gw.Attach(id, t)
	if err != nil {
		return err
	}
	t.session = s

	r.mu.Lock()
	prev := r.devices[deviceKey]
	r.devices[deviceKey] = t
	r.mu.Unlock()
	if prev != nil && prev.session != nil {
		prev.session.Close()
	}

	r.logger.Info("virtual session created", "device", deviceKey, "client_id", id.Raw)
	s.Deliver(payload)
	return nil
}

func (r *Relay) data(deviceKey string, payload []byte) {
	t := r.lookup(deviceKey)
	if t == nil || t.session == nil {
		r.logger.Warn("relay data from unknown device", "device", deviceKey)
		return
	}
	t.session.Deliver(payload)
}

func (r *Relay) lookup(deviceKey string) *relayTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[deviceKey]
}

func (r *Relay) forget(t *relayTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices[t.key] == t {
		delete(r.devices, t.key)
	}
}

// virtualIdentity parses clientID without credential checks. Two-part ids
// are extended with a generated instance id.
func virtualIdentity(clientID string) (auth.Identity, error) {
	id, err := auth.ParseClientID(clientID)
	if err != nil {
		return auth.Identity{}, err
	}
	if !id.Signed() {
		id, err = auth.ParseClientID(clientID + "@@@" + virtualInstancePrefix + uuid.NewString())
		if err != nil {
			return auth.Identity{}, err
		}
	}
	return auth.Identity{ClientID: id}, nil
}

// unwrapPayload accepts the inner payload as an object or as a JSON string
// holding one.
func unwrapPayload(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding ingest payload string: %w", err)
	}
	return json.RawMessage(s), nil
}

// relayTransport publishes a virtual session's replies to the broker.
type relayTransport struct {
	relay   *Relay
	key     string
	topic   string
	session *Session
}

func (t *relayTransport) SendControl(payload []byte) error {
	return t.relay.broker.Publish(t.topic, payload, 0, false)
}

func (t *relayTransport) Close() { t.relay.forget(t) }

func (t *relayTransport) Kind() string { return KindRelay }
