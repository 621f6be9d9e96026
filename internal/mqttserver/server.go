package mqttserver

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/nerrad567/gray-voice-gateway/internal/gateway"
)

var (
	// ErrQoSUnsupported stops a client that publishes above QoS 0.
	ErrQoSUnsupported = errors.New("mqttserver: only qos 0 is supported")

	// ErrSessionClosed stops a client whose gateway session has ended.
	ErrSessionClosed = errors.New("mqttserver: session closed")
)

// Registry accepts device connections. *gateway.Gateway satisfies it.
type Registry interface {
	Connect(clientID, username, password string, t gateway.Transport) (*gateway.Session, error)
}

// Options configures a Server.
type Options struct {
	Gateway Registry

	// Address is the TCP listen address, e.g. ":1883".
	Address string

	// WebSocketAddress adds an MQTT-over-websocket listener when set.
	WebSocketAddress string

	// MaxPacketSize caps inbound packets in bytes. Zero leaves the broker default.
	MaxPacketSize uint32

	Logger *slog.Logger
}

// Server wraps a mochi broker with the device hooks.
//
// Thread Safety: All methods are safe for concurrent use.
type Server struct {
	broker *mochi.Server
	reg    Registry
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[*mochi.Client]*gateway.Session
}

// New builds the broker and its listeners. Call Serve to start accepting.
func New(opts Options) (*Server, error) {
	if opts.Gateway == nil {
		return nil, errors.New("mqttserver: gateway is required")
	}
	if opts.Address == "" && opts.WebSocketAddress == "" {
		return nil, errors.New("mqttserver: no listen address")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	caps := mochi.NewDefaultServerCapabilities()
	if opts.MaxPacketSize > 0 {
		caps.MaximumPacketSize = opts.MaxPacketSize
	}

	s := &Server{
		broker: mochi.New(&mochi.Options{
			InlineClient: true,
			Capabilities: caps,
			Logger:       logger.With("component", "mqtt-broker"),
		}),
		reg:      opts.Gateway,
		logger:   logger,
		sessions: make(map[*mochi.Client]*gateway.Session),
	}

	if err := s.broker.AddHook(&deviceHook{srv: s}, nil); err != nil {
		return nil, fmt.Errorf("adding device hook: %w", err)
	}
	if opts.Address != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "devices-tcp", Address: opts.Address})
		if err := s.broker.AddListener(tcp); err != nil {
			return nil, fmt.Errorf("adding tcp listener %s: %w", opts.Address, err)
		}
	}
	if opts.WebSocketAddress != "" {
		ws := listeners.NewWebsocket(listeners.Config{ID: "devices-ws", Address: opts.WebSocketAddress})
		if err := s.broker.AddListener(ws); err != nil {
			return nil, fmt.Errorf("adding websocket listener %s: %w", opts.WebSocketAddress, err)
		}
	}
	return s, nil
}

// Serve starts the listeners. It returns once they are accepting.
func (s *Server) Serve() error {
	if err := s.broker.Serve(); err != nil {
		return fmt.Errorf("starting mqtt listener: %w", err)
	}
	s.logger.Info("mqtt listener started")
	return nil
}

// Close stops every listener and disconnects all clients.
func (s *Server) Close() error {
	return s.broker.Close()
}

// Clients returns the number of connected devices.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// publish sends a reply through the broker's inline client.
func (s *Server) publish(topic string, payload []byte) error {
	return s.broker.Publish(topic, payload, false, 0)
}

func (s *Server) bind(cl *mochi.Client, sess *gateway.Session) {
	s.mu.Lock()
	s.sessions[cl] = sess
	s.mu.Unlock()
}

func (s *Server) lookup(cl *mochi.Client) *gateway.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[cl]
}

// unbind forgets cl and returns the session it carried.
func (s *Server) unbind(cl *mochi.Client) *gateway.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[cl]
	delete(s.sessions, cl)
	return sess
}
