// Package influxdb writes voice gateway metrics to InfluxDB v2.
//
// Points are written through the non-blocking batching API of
// influxdb-client-go. Batch failures arrive asynchronously through the
// SetOnError callback; Connect and HealthCheck return errors directly.
//
// Measurements:
//   - calls: one point per ended call, tagged by mac, transport and reason
//   - gateway: session counts sampled by Report
//   - codec_pool: worker pool load and latency
//   - udp: media socket counters
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // metrics off
//	}
//	defer client.Close()
//
//	go client.Report(ctx, 10*time.Second, func(at time.Time) {
//	    client.WriteGatewayStats(gw.Stats(), at)
//	})
package influxdb
