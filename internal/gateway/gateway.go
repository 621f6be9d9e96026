package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-voice-gateway/internal/audio"
	"github.com/nerrad567/gray-voice-gateway/internal/auth"
	"github.com/nerrad567/gray-voice-gateway/internal/infrastructure/config"
	"github.com/nerrad567/gray-voice-gateway/internal/room"
	"github.com/nerrad567/gray-voice-gateway/internal/udp"
)

// virtualInstancePrefix marks instance ids minted for two-part client ids.
const virtualInstancePrefix = "virtual-"

// Options configures a Gateway.
type Options struct {
	Session config.SessionConfig
	Audio   config.AudioConfig

	// PublicIP and UDPPort are advertised in hello replies.
	PublicIP string
	UDPPort  int

	LiveKit   room.LiveKitParams
	Connector room.Connector
	Validator Validator

	// Encoder and Decoder are normally the worker pool; Direct is the
	// in-process fallback decoder. Nil Encoder sends PCM.
	Encoder audio.Encoder
	Decoder audio.Decoder
	Direct  audio.Decoder

	Loops  *LoopStates
	Events EventSink
	Logger Logger
	Now    func() time.Time

	// NewCall overrides how calls are created. Defaults to a room bridge.
	NewCall CallFactory
}

// Stats counts registered sessions.
type Stats struct {
	Sessions int `json:"sessions"`
	Direct   int `json:"direct"`
	Relay    int `json:"relay"`
	InCall   int `json:"in_call"`
	Ending   int `json:"ending"`
}

type namedCloser struct {
	name string
	c    io.Closer
}

// Gateway is the registry of device sessions.
//
// It assigns connection ids, routes UDP packets by connection id, runs the
// keepalive loop and shuts everything down in order.
//
// Thread Safety: All methods are safe for concurrent use.
type Gateway struct {
	opts   Options
	logger Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	byClient map[string]*Session
	byConn   map[uint32]*Session
	media    Media
	bindings []namedCloser
	stopped  bool

	stopOnce sync.Once
}

// New creates a Gateway. Call SetMedia and Start before devices connect.
func New(opts Options) (*Gateway, error) {
	if opts.Validator == nil {
		return nil, errors.New("gateway: validator is required")
	}
	if opts.NewCall == nil && opts.Connector == nil {
		return nil, errors.New("gateway: room connector is required")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Loops == nil {
		opts.Loops = NewLoopStates(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		opts:     opts,
		logger:   opts.Logger,
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
		byClient: make(map[string]*Session),
		byConn:   make(map[uint32]*Session),
	}
	if g.opts.NewCall == nil {
		g.opts.NewCall = g.roomCall
	}
	return g, nil
}

// SetMedia attaches the UDP server. It is closed by Stop before any binding.
func (g *Gateway) SetMedia(m Media) {
	g.mu.Lock()
	g.media = m
	g.mu.Unlock()
}

// AddBinding registers a broker binding closed by Stop after the media server.
func (g *Gateway) AddBinding(name string, c io.Closer) {
	g.mu.Lock()
	g.bindings = append(g.bindings, namedCloser{name: name, c: c})
	g.mu.Unlock()
}

// Loops returns the loop state store.
func (g *Gateway) Loops() *LoopStates { return g.opts.Loops }

// Start launches the keepalive loop. It stops when ctx is cancelled or
// Stop is called.
func (g *Gateway) Start(ctx context.Context) {
	interval := g.opts.Session.GetKeepaliveInterval()
	if interval <= 0 {
		interval = 15 * time.Second
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.ctx.Done():
				return
			case <-ticker.C:
				g.CheckKeepalive()
			}
		}
	}()
	g.logger.Info("gateway started", "keepalive_interval", interval)
}

// CheckKeepalive runs one inactivity check over every session.
func (g *Gateway) CheckKeepalive() {
	now := g.now()
	for _, s := range g.snapshot() {
		s.checkKeepalive(now)
	}
}

// Stop closes every session, waits for goodbyes to drain, then closes the
// media server and the broker bindings. Safe to call more than once.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		g.stopped = true
		g.mu.Unlock()

		sessions := g.snapshot()
		for _, s := range sessions {
			s.Close()
		}
		g.cancel()
		g.wg.Wait()

		if grace := g.opts.Session.GetShutdownGrace(); grace > 0 && len(sessions) > 0 {
			time.Sleep(grace)
		}

		g.mu.Lock()
		clear(g.byClient)
		clear(g.byConn)
		media := g.media
		bindings := g.bindings
		g.mu.Unlock()

		if media != nil {
			if err := media.Close(); err != nil {
				g.logger.Warn("closing media server", "error", err)
			}
		}
		for _, b := range bindings {
			if err := b.c.Close(); err != nil {
				g.logger.Warn("closing binding", "binding", b.name, "error", err)
			}
		}
		g.logger.Info("gateway stopped", "sessions_closed", len(sessions))
	})
}

// ============================================================================
// Registry
// ============================================================================

// Connect validates device credentials and registers a session for t.
func (g *Gateway) Connect(clientID, username, password string, t Transport) (*Session, error) {
	id, err := g.opts.Validator.Validate(clientID, username, password)
	if err != nil {
		return nil, err
	}
	return g.Attach(id, t)
}

// Attach registers a session for an already validated identity. An
// existing session with the same client id is closed first. Two-part ids
// get a generated instance id so each connection joins its own room.
func (g *Gateway) Attach(id auth.Identity, t Transport) (*Session, error) {
	if id.InstanceID == "" {
		id.InstanceID = virtualInstancePrefix + uuid.NewString()
	}

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil, ErrStopped
	}
	old := g.byClient[id.Raw]
	connID := g.newConnIDLocked()
	ch, err := udp.NewChannel(connID)
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("creating media channel: %w", err)
	}
	s := newSession(g, id, t, ch)
	g.byClient[id.Raw] = s
	g.byConn[connID] = s
	g.mu.Unlock()

	if old != nil {
		g.logger.Info("client reconnected, closing previous session", "client_id", id.Raw, "old_conn_id", old.ConnID())
		old.Close()
	}

	s.emit(Event{Type: EventSessionConnected})
	g.logger.Info("session connected", "client_id", id.Raw, "mac", id.MAC, "conn_id", connID, "transport", t.Kind())
	return s, nil
}

// newConnIDLocked returns a random non-zero id not in use. g.mu must be held.
func (g *Gateway) newConnIDLocked() uint32 {
	for {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		if _, taken := g.byConn[id]; !taken {
			return id
		}
	}
}

// unregister removes s if it is still the registered session for its keys.
func (g *Gateway) unregister(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.byClient[s.ClientID()] == s {
		delete(g.byClient, s.ClientID())
	}
	if g.byConn[s.ConnID()] == s {
		delete(g.byConn, s.ConnID())
	}
}

// Session returns the session registered for clientID.
func (g *Gateway) Session(clientID string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.byClient[clientID]
	return s, ok
}

// CloseSession closes the session registered for clientID.
func (g *Gateway) CloseSession(clientID string) bool {
	s, ok := g.Session(clientID)
	if !ok {
		return false
	}
	s.Close()
	return true
}

// Sessions returns a snapshot of every registered session.
func (g *Gateway) Sessions() []SessionInfo {
	sessions := g.snapshot()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Stats counts sessions by transport and state.
func (g *Gateway) Stats() Stats {
	var st Stats
	for _, s := range g.snapshot() {
		st.Sessions++
		if s.TransportKind() == KindRelay {
			st.Relay++
		} else {
			st.Direct++
		}
		switch s.State() {
		case StateInCall:
			st.InCall++
		case StateEnding:
			st.InCall++
			st.Ending++
		}
	}
	return st
}

// RouteMedia implements udp.Router.
func (g *Gateway) RouteMedia(connID uint32) (udp.Receiver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.byConn[connID]
	if !ok {
		return nil, false
	}
	return s, true
}

func (g *Gateway) snapshot() []*Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Session, 0, len(g.byConn))
	for _, s := range g.byConn {
		out = append(out, s)
	}
	return out
}

// ============================================================================
// Session support
// ============================================================================

func (g *Gateway) context() context.Context { return g.ctx }

func (g *Gateway) mediaServer() Media {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.media
}

func (g *Gateway) protocolVersion() int { return g.opts.Session.ProtocolVersion }

func (g *Gateway) newCall(s *Session) (Call, error) { return g.opts.NewCall(s) }

func (g *Gateway) emit(e Event) {
	if g.opts.Events != nil {
		g.opts.Events.HandleEvent(e)
	}
}

// roomCall builds a media room bridge for s.
func (g *Gateway) roomCall(s *Session) (Call, error) {
	sc := g.opts.Session
	a := g.opts.Audio
	mac := s.identity.MAC

	b, err := room.NewBridge(room.Options{
		Connector: g.opts.Connector,
		Device:    s,
		Identity:  s.identity,
		LiveKit:   g.opts.LiveKit,
		Audio: audio.OutboundConfig{
			RoomRate:         a.RoomRate,
			DeviceRate:       a.DeviceOutputRate,
			FrameDurationMS:  a.FrameDurationMS,
			SilenceThreshold: a.SilenceThreshold,
		},
		Encoder:        g.opts.Encoder,
		Decoder:        g.opts.Decoder,
		Direct:         g.opts.Direct,
		GreetingDelay:  sc.GetGreetingDelay(),
		StreamEndClose: sc.GetStreamEndClose(),
		EndPrompt:      sc.EndPrompt,
		LoopState: func(enabled bool, contentType string) {
			if err := g.opts.Loops.Set(g.ctx, mac, enabled, contentType); err != nil {
				g.logger.Warn("loop state not saved", "mac", mac, "error", err)
			}
		},
		Logger: g.logger,
		Now:    g.now,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}
