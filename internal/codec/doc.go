// Package codec turns PCM frames into Opus packets and back.
//
// An Encoder or Decoder is not safe for concurrent use, so each Worker owns
// one of each and serves requests from its own goroutine. Callers see a
// blocking Encode/Decode that honours context cancellation; the worker
// pool in internal/workerpool spreads load across several workers.
package codec
