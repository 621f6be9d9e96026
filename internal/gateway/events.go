package gateway

import "time"

// EventType names a session lifecycle event.
type EventType string

// Session lifecycle events.
const (
	EventSessionConnected EventType = "session_connected"
	EventCallStarted      EventType = "call_started"
	EventCallEnded        EventType = "call_ended"
	EventSessionClosed    EventType = "session_closed"
)

// Event describes a change in a session. Call fields are set on call events.
type Event struct {
	Type      EventType `json:"type"`
	ClientID  string    `json:"client_id"`
	MAC       string    `json:"mac"`
	ConnID    uint32    `json:"conn_id"`
	Transport string    `json:"transport"`
	Time      time.Time `json:"time"`

	CallID    string        `json:"call_id,omitempty"`
	Room      string        `json:"room,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	FramesOut uint64        `json:"frames_out,omitempty"`
	FramesIn  uint64        `json:"frames_in,omitempty"`
}

// EventSink receives session events. HandleEvent is called synchronously
// from session goroutines and must not block for long.
type EventSink interface {
	HandleEvent(e Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(e Event)

// HandleEvent calls f(e).
func (f EventSinkFunc) HandleEvent(e Event) { f(e) }

// Sinks fans an event out to every sink in order.
type Sinks []EventSink

// HandleEvent delivers e to each non-nil sink.
func (s Sinks) HandleEvent(e Event) {
	for _, sink := range s {
		if sink != nil {
			sink.HandleEvent(e)
		}
	}
}
