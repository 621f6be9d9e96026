// Package mqtt connects the voice gateway to an external MQTT broker.
//
// Devices normally connect to the gateway's embedded listener. When they
// are attached to a shared broker instead, the gateway joins that broker
// as an ordinary client and relays their traffic:
//
//	device ↔ broker ↔ gateway (this package) ↔ media room
//
// This package manages:
//   - Connection with auto-reconnect and exponential backoff
//   - Subscriptions that survive reconnects
//   - A retained status topic with Last Will for crash detection
//   - Topic builders for the device protocol
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceHello(), 0,
//	    func(topic string, payload []byte) error {
//	        deviceID, _, _ := mqtt.ParseDeviceTopic(topic)
//	        ...
//	    })
//
//	client.Publish(mqtt.Topics{}.DeviceReply(clientID), reply, 0, false)
package mqtt
