package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-voice-gateway/internal/gateway"
	"github.com/nerrad567/gray-voice-gateway/internal/udp"
	"github.com/nerrad567/gray-voice-gateway/internal/workerpool"
)

// Measurement names.
const (
	MeasurementCalls   = "calls"
	MeasurementGateway = "gateway"
	MeasurementPool    = "codec_pool"
	MeasurementUDP     = "udp"
)

// HandleEvent writes one "calls" point per ended call. Other events are
// not recorded. Client is a gateway.EventSink.
func (c *Client) HandleEvent(e gateway.Event) {
	if e.Type != gateway.EventCallEnded {
		return
	}
	c.writePoint(callPoint(e))
}

// WriteGatewayStats records session counts.
func (c *Client) WriteGatewayStats(s gateway.Stats, at time.Time) {
	c.writePoint(gatewayPoint(s, at))
}

// WritePoolStats records codec worker pool load.
func (c *Client) WritePoolStats(s workerpool.Stats, at time.Time) {
	c.writePoint(poolPoint(s, at))
}

// WriteUDPStats records media socket counters.
func (c *Client) WriteUDPStats(s udp.Stats, at time.Time) {
	c.writePoint(udpPoint(s, at))
}

// WritePoint writes a custom point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.writePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

// Report calls sample every interval until ctx is done. sample normally
// calls the Write*Stats methods with the tick time.
func (c *Client) Report(ctx context.Context, interval time.Duration, sample func(at time.Time)) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C:
			if c.IsConnected() {
				sample(at)
			}
		}
	}
}

func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}

func callPoint(e gateway.Event) *write.Point {
	reason := e.Reason
	if reason == "" {
		reason = "unknown"
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(MeasurementCalls,
		map[string]string{
			"mac":       e.MAC,
			"transport": e.Transport,
			"reason":    reason,
		},
		map[string]interface{}{
			"duration_s": e.Duration.Seconds(),
			"frames_out": e.FramesOut,
			"frames_in":  e.FramesIn,
		},
		at)
}

func gatewayPoint(s gateway.Stats, at time.Time) *write.Point {
	return write.NewPoint(MeasurementGateway, nil,
		map[string]interface{}{
			"sessions": s.Sessions,
			"direct":   s.Direct,
			"relay":    s.Relay,
			"in_call":  s.InCall,
			"ending":   s.Ending,
		},
		at)
}

func poolPoint(s workerpool.Stats, at time.Time) *write.Point {
	return write.NewPoint(MeasurementPool, nil,
		map[string]interface{}{
			"workers":        s.Workers,
			"pending":        s.Pending,
			"requests":       s.Requests,
			"timeouts":       s.Timeouts,
			"failures":       s.Failures,
			"cpu_percent":    s.CPUPercent,
			"avg_latency_ms": float64(s.AvgLatency) / float64(time.Millisecond),
			"max_latency_ms": float64(s.MaxLatency) / float64(time.Millisecond),
		},
		at)
}

func udpPoint(s udp.Stats, at time.Time) *write.Point {
	return write.NewPoint(MeasurementUDP, nil,
		map[string]interface{}{
			"received":  s.Received,
			"malformed": s.Malformed,
			"unrouted":  s.Unrouted,
			"sent":      s.Sent,
		},
		at)
}
