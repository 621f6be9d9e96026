package mqtt

import (
	"fmt"
	"strings"
)

// Topic roots used by devices and the broker's republish rule.
const (
	// TopicPrefixDevices is the root of device-originated and device-bound topics.
	TopicPrefixDevices = "devices"

	// TopicPrefixGateway is the root of gateway status topics.
	TopicPrefixGateway = "voicegw"

	// topicServerIngest carries device messages republished by the broker.
	topicServerIngest = "internal/server-ingest"

	// replySegment is the devices/{segment}/... level of device-bound replies.
	replySegment = "p2p"
)

// Device message kinds, the last level of devices/{id}/{kind}.
const (
	DeviceHello = "hello"
	DeviceData  = "data"
)

// Topics provides builders for the gateway's MQTT topics.
//
//	topics := mqtt.Topics{}
//	reply := topics.DeviceReply("GID_test@@@00_16_3e_ac_b5_38@@@uuid-1")
//	// Returns: "devices/p2p/GID_test@@@00_16_3e_ac_b5_38@@@uuid-1"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceHello returns the topic a device announces itself on.
//
// Example: devices/00_16_3e_ac_b5_38/hello
func (Topics) DeviceHello(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, DeviceHello)
}

// DeviceData returns the topic a device sends control messages on.
//
// Example: devices/00_16_3e_ac_b5_38/data
func (Topics) DeviceData(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, DeviceData)
}

// DeviceReply returns the topic the gateway answers a device on.
// Direct connections use the MAC segment, relayed ones the full client id.
//
// Example: devices/p2p/00_16_3e_ac_b5_38
func (Topics) DeviceReply(id string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, replySegment, id)
}

// AllDeviceHello matches hello messages from every device.
func (Topics) AllDeviceHello() string {
	return TopicPrefixDevices + "/+/" + DeviceHello
}

// AllDeviceData matches data messages from every device.
func (Topics) AllDeviceData() string {
	return TopicPrefixDevices + "/+/" + DeviceData
}

// ServerIngest returns the topic carrying broker-republished device messages.
func (Topics) ServerIngest() string {
	return topicServerIngest
}

// =============================================================================
// Gateway Topics
// =============================================================================

// GatewayStatus returns the retained online/offline topic for a gateway.
//
// Example: voicegw/mqtt-gateway/status
func (Topics) GatewayStatus(clientID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixGateway, clientID)
}

// =============================================================================
// Parsing
// =============================================================================

// ParseDeviceTopic splits devices/{id}/{kind}. Reply topics are rejected so
// the gateway never treats its own output as device input.
func ParseDeviceTopic(topic string) (deviceID, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefixDevices {
		return "", "", false
	}
	if parts[1] == "" || parts[1] == replySegment {
		return "", "", false
	}
	switch parts[2] {
	case DeviceHello, DeviceData:
		return parts[1], parts[2], true
	default:
		return "", "", false
	}
}
