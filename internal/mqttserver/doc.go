// Package mqttserver is the embedded MQTT broker devices connect to
// directly.
//
// Each accepted connection becomes a gateway session. Credentials are
// checked during CONNECT, every QoS 0 PUBLISH from the device is handed to
// the session as a control message, and replies are published to the
// device's devices/p2p/{mac} topic. A device may subscribe only to its own
// reply topic. Any publish above QoS 0 ends the connection.
//
//	srv, err := mqttserver.New(mqttserver.Options{
//	    Gateway: gw,
//	    Address: cfg.Listener.Address,
//	    Logger:  log.Logger,
//	})
//	go srv.Serve()
//	gw.AddBinding("listener", srv)
package mqttserver
