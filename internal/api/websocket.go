package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-voice-gateway/internal/auth"
	"github.com/nerrad567/gray-voice-gateway/internal/gateway"
)

// Message types on the event stream.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// WSChannelAll subscribes to every event type.
	WSChannelAll = "*"

	wsSendBufferSize = 256
)

// eventChannels are the channel names a client may subscribe to.
var eventChannels = map[string]struct{}{
	WSChannelAll:                          {},
	string(gateway.EventSessionConnected): {},
	string(gateway.EventCallStarted):      {},
	string(gateway.EventCallEnded):        {},
	string(gateway.EventSessionClosed):    {},
}

// WSMessage is one frame on the event stream, in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects event types and, optionally, devices. An empty
// MACs list matches every device.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	MACs     []string `json:"macs,omitempty"`
}

// wsRequest is WSMessage as read from a client, with the payload left raw.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// WSClient is one connected event stream consumer.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	subject string
	role    auth.Role

	mu            sync.RWMutex
	subscriptions map[string]struct{}
	macs          map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The ticket gates the upgrade; origins are checked by the CORS middleware.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// handleWebSocket upgrades a request carrying a ticket from POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.redeem(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subject:       entry.subject,
		role:          entry.role,
		subscriptions: make(map[string]struct{}),
	}
	s.hub.Register(c)

	ping := time.Duration(s.hub.cfg.PingInterval) * time.Second
	pong := time.Duration(s.hub.cfg.PongTimeout) * time.Second
	go c.writePump(ping, pong)
	go c.readPump(int64(s.hub.cfg.MaxMessageSize), ping+pong)
}

// readPump handles client requests until the connection fails. Any frame
// from the client extends the read deadline.
func (c *WSClient) readPump(limit int64, idle time.Duration) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if limit > 0 {
		c.conn.SetReadLimit(limit)
	}
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		_ = extend("")
		c.handle(data)
	}
}

// writePump drains the send channel and pings on an interval.
func (c *WSClient) writePump(ping, writeWait time.Duration) {
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, nil)
				return
			}
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-ticker.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &sub); err != nil {
				c.reply(req.ID, WSTypeError, map[string]string{"message": "invalid " + req.Type + " payload"})
				return
			}
		}
		if err := c.update(sub, req.Type == WSTypeSubscribe); err != nil {
			c.reply(req.ID, WSTypeError, map[string]string{"message": err.Error()})
			return
		}
		c.reply(req.ID, WSTypeResponse, c.describe())
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.reply(req.ID, WSTypeError, map[string]string{"message": "unknown message type: " + req.Type})
	}
}

// update adds or removes channels and MAC filters. Nothing changes if any
// channel or MAC is invalid.
func (c *WSClient) update(sub WSSubscribePayload, add bool) error {
	for _, ch := range sub.Channels {
		if _, ok := eventChannels[ch]; !ok {
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	macs := make([]string, 0, len(sub.MACs))
	for _, m := range sub.MACs {
		mac := auth.NormalizeMAC(m)
		if !auth.IsValidMAC(mac) {
			return fmt.Errorf("invalid mac %q", m)
		}
		macs = append(macs, mac)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range sub.Channels {
		if add {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	for _, mac := range macs {
		if add {
			if c.macs == nil {
				c.macs = make(map[string]struct{})
			}
			c.macs[mac] = struct{}{}
		} else {
			delete(c.macs, mac)
		}
	}
	return nil
}

// describe returns the client's current filters.
func (c *WSClient) describe() WSSubscribePayload {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := WSSubscribePayload{Channels: make([]string, 0, len(c.subscriptions))}
	for ch := range c.subscriptions {
		out.Channels = append(out.Channels, ch)
	}
	for mac := range c.macs {
		out.MACs = append(out.MACs, mac)
	}
	return out
}

// wants reports whether an event on channel for mac matches the filters.
// Events without a MAC pass any MAC filter.
func (c *WSClient) wants(channel, mac string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	if !ok {
		_, ok = c.subscriptions[WSChannelAll]
	}
	if !ok {
		return false
	}
	if len(c.macs) == 0 || mac == "" {
		return true
	}
	_, ok = c.macs[mac]
	return ok
}

// trySend queues data without blocking. Full buffers drop the message; a
// channel closed by a concurrent unregister is absorbed.
func (c *WSClient) trySend(data []byte) {
	defer func() { _ = recover() }()
	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}
