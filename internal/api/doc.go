// Package api is the operator HTTP surface of the voice gateway.
//
// It serves a small REST API under /api/v1 and a websocket stream of
// session events. Every route except /health requires an operator bearer
// token minted by "voicegw token"; the websocket authenticates with a
// single-use ticket fetched with that token, so the JWT never appears in
// a URL.
//
// Routes:
//
//	GET    /api/v1/health
//	GET    /api/v1/metrics
//	GET    /api/v1/sessions
//	DELETE /api/v1/sessions/{clientID}
//	GET    /api/v1/calls
//	GET    /api/v1/calls/{id}
//	GET    /api/v1/loop-state
//	GET    /api/v1/loop-state/{mac}
//	PUT    /api/v1/loop-state/{mac}
//	DELETE /api/v1/loop-state/{mac}
//	POST   /api/v1/auth/ws-ticket
//	GET    /api/v1/ws?ticket=...
//
// Event stream clients send
//
//	{"type":"subscribe","id":"1","payload":{"channels":["call_ended"],"macs":["00:16:3e:ac:b5:38"]}}
//
// and receive {"type":"event","event_type":"call_ended","payload":{...}} for
// matching gateway events. "*" subscribes to every event type.
package api
