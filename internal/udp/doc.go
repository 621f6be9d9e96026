// Package udp implements the encrypted media transport between devices and
// the gateway.
//
// Every datagram is a 16-byte header followed by an AES-128-CTR encrypted
// payload. The header carries the connection id that routes the packet to
// its session, a device-relative timestamp and a sequence number. The
// encoded header is also the IV for its own payload, so no nonce travels
// separately.
//
//	┌──────┬───────┬────────┬─────────┬───────────┬──────────┬─────────────┐
//	│ type │ flags │ length │ conn id │ timestamp │ sequence │ ciphertext… │
//	│  1   │   1   │   2    │    4    │     4     │    4     │   length    │
//	└──────┴───────┴────────┴─────────┴───────────┴──────────┴─────────────┘
//
// Inbound packets whose sequence is below the last accepted one are dropped.
// There is no reordering buffer; for live audio the newest sample wins.
//
// One Server owns the socket for the whole process. Sessions hold a Channel
// each and register with the gateway's router under the channel's conn id.
package udp
