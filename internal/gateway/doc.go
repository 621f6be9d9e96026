// Package gateway owns device sessions and the registry that routes
// control messages and media packets to them.
//
// A Session is the protocol state machine for one device. It does not care
// how the device reached the gateway: the embedded broker (direct) and the
// external broker relay both hand it a Transport. The Gateway assigns every
// session a connection id, which is also the routing key carried in each
// UDP media header.
//
// # Lifecycle
//
//	identified --hello--> in_call --idle--> ending --timeout/stream end--> closed
//	     ^                   |
//	     +------goodbye------+
//
// A repeated hello replaces the active call. The keepalive loop winds down
// idle calls by asking the agent for a farewell before closing.
//
// # Usage
//
//	gw, err := gateway.New(gateway.Options{...})
//	media, err := udp.Listen(addr, gw, logger)
//	gw.SetMedia(media)
//	gw.Start(ctx)
//	defer gw.Stop()
package gateway
