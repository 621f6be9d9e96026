package udp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
)

// maxDatagram is the largest datagram read from the socket.
const maxDatagram = 64 * 1024

// Receiver accepts packets routed to one session.
// pkt is only valid for the duration of the call.
type Receiver interface {
	ReceiveMedia(h Header, pkt []byte, from netip.AddrPort)
}

// Router resolves a connection id to its session.
type Router interface {
	RouteMedia(connID uint32) (Receiver, bool)
}

// Logger is the logging interface used by the server.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Stats counts datagrams seen by the server.
type Stats struct {
	Received  uint64 `json:"received"`
	Malformed uint64 `json:"malformed"`
	Unrouted  uint64 `json:"unrouted"`
	Sent      uint64 `json:"sent"`
}

// Server owns the process-wide media socket and demultiplexes datagrams by
// connection id before any cryptographic work is done.
//
// Thread Safety: WriteTo may be called from any goroutine.
type Server struct {
	conn   *net.UDPConn
	router Router
	logger Logger

	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once

	received  atomic.Uint64
	malformed atomic.Uint64
	unrouted  atomic.Uint64
	sent      atomic.Uint64
}

// Listen binds the media socket. Call Start to begin reading.
func Listen(addr string, router Router, logger Logger) (*Server, error) {
	if router == nil {
		return nil, errors.New("udp: router is required")
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}
	return &Server{conn: conn, router: router, logger: logger}, nil
}

// Start launches the read loop.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.readLoop()
	if s.logger != nil {
		s.logger.Info("udp media server listening", "address", s.conn.LocalAddr().String())
	}
}

// LocalAddr returns the bound address.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Server) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if s.logger != nil {
				s.logger.Warn("udp read failed", "error", err)
			}
			continue
		}
		s.dispatch(buf[:n], from)
	}
}

// dispatch validates the header and hands the packet to its session.
func (s *Server) dispatch(pkt []byte, from netip.AddrPort) {
	s.received.Add(1)

	h, _, err := ParsePacket(pkt)
	if err != nil {
		s.malformed.Add(1)
		return
	}

	rcv, ok := s.router.RouteMedia(h.ConnID)
	if !ok {
		s.unrouted.Add(1)
		if s.logger != nil {
			s.logger.Debug("udp packet for unknown connection", "conn_id", h.ConnID, "from", from.String())
		}
		return
	}

	rcv.ReceiveMedia(h, pkt, from)
}

// WriteTo sends a sealed packet to a device.
func (s *Server) WriteTo(pkt []byte, to netip.AddrPort) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.conn.WriteToUDPAddrPort(pkt, to); err != nil {
		return fmt.Errorf("udp write to %s: %w", to, err)
	}
	s.sent.Add(1)
	return nil
}

// Stats returns a snapshot of the datagram counters.
func (s *Server) Stats() Stats {
	return Stats{
		Received:  s.received.Load(),
		Malformed: s.malformed.Load(),
		Unrouted:  s.unrouted.Load(),
		Sent:      s.sent.Load(),
	}
}

// Close stops the read loop and releases the socket. Safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}
