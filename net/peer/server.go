package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/config"
	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
	tnet "github.com/lcx/tilesync/net"
)

const kickLinger = 250 * time.Millisecond

// Server is the answering side of peer connections. As a dedicated server it accepts one
// signaling websocket per client on SignalPath; as the remote half of a Host it receives
// every guest's signals through a rendezvous relay (ServeRelay). Clients register when
// their sync channel opens.
type Server struct {
	cfg      *PeerCfg
	api      *webrtc.API
	hub      *tnet.Hub
	upgrader websocket.Upgrader

	mu       sync.Mutex
	peers    map[string]*serverPeer
	srv      *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServerWithConfigManager loads "peer" (defaults when absent).
func NewServerWithConfigManager(configManager config.ConfigManager) (*Server, error) {
	cfg := DefaultPeerCfg()
	if err := config.LoadOrDefault(configManager, "peer", cfg); err != nil {
		return nil, fmt.Errorf("failed to load peer config: %w", err)
	}
	return NewServer(cfg), nil
}

// NewServer creates a peer server.
func NewServer(cfg *PeerCfg) *Server {
	return &Server{
		cfg:   cfg,
		api:   newAPI(),
		hub:   tnet.NewHub("peer"),
		peers: make(map[string]*serverPeer),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start implements net.ServerTransport. With a non-empty Addr the server also listens for
// signaling websockets.
func (s *Server) Start(h tnet.ServerHandler) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if err := s.hub.Start(h); err != nil {
		return err
	}
	if s.cfg.Addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "listen"})
		return fmt.Errorf("listen fail: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(s.cfg.SignalPath, s)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.srv, s.listener = srv, ln
	s.mu.Unlock()

	metrics.IncrCounterWithDimGroup("net", "transport_start_success_total", 1, metrics.Dimension{"transport_type": "peer"})
	log.Info().Str("addr", ln.Addr().String()).Str("path", s.cfg.SignalPath).Msg("peer signaling listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("peer signaling server stopped")
		}
	}()
	return nil
}

// Addr returns the signaling listen address when the server owns one.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeHTTP accepts the signaling websocket of one client. The client id comes from the
// ?id= query parameter; a random id is assigned when it is missing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.hub.Running() {
		http.Error(w, "transport not running", http.StatusServiceUnavailable)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.NewString()
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("signaling upgrade failed")
		return
	}
	sc := newSigConn(ws)
	defer sc.close()

	for {
		sig, err := sc.read()
		if err != nil {
			return
		}
		sig.From = id
		s.handleSignal(sig, sc.write)
	}
}

// ServeRelay registers as the host of room on a rendezvous relay and answers the guests
// it forwards until ctx is done or the relay connection drops.
func (s *Server) ServeRelay(ctx context.Context, relayURL, room string) error {
	u, err := url.Parse(relayURL)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("role", roleHost)
	q.Set("room", room)
	u.RawQuery = q.Encode()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	sc := newSigConn(ws)
	log.Info().Str("room", room).Str("relay", u.Host).Msg("hosting room on relay")

	stop := context.AfterFunc(ctx, func() { _ = sc.close() })
	defer stop()
	defer sc.close()

	for {
		sig, err := sc.read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay connection lost: %w", err)
		}
		if sig.Type == SignalError && sig.From == "" {
			return fmt.Errorf("%w: %s", ErrSignal, sig.Message)
		}
		s.handleSignal(sig, sc.write)
	}
}

// handleSignal processes one signal from sig.From; reply sends a signal back to it.
func (s *Server) handleSignal(sig Signal, reply func(Signal) error) {
	if err := sig.Validate(); err != nil {
		log.Warn().Str("client", sig.From).Err(err).Msg("invalid signal")
		return
	}
	switch sig.Type {
	case SignalOffer:
		if err := s.answer(sig, reply); err != nil {
			metrics.IncrCounterWithGroup("net", "peer_negotiation_error_total", 1)
			log.Error().Str("client", sig.From).Err(err).Msg("peer negotiation failed")
			_ = reply(errorSignal(sig.From, err.Error()))
		}
	case SignalCandidate:
		s.mu.Lock()
		p := s.peers[sig.From]
		s.mu.Unlock()
		if p == nil {
			return
		}
		if err := p.addCandidate(*sig.Candidate); err != nil {
			log.Warn().Str("client", sig.From).Err(err).Msg("add ice candidate failed")
		}
	case SignalError:
		log.Warn().Str("client", sig.From).Str("message", sig.Message).Msg("peer reported signaling error")
	}
}

func (s *Server) answer(sig Signal, reply func(Signal) error) error {
	id := sig.From
	pc, err := s.api.NewPeerConnection(s.cfg.rtcConfiguration())
	if err != nil {
		return err
	}
	p := &serverPeer{link: newLink(pc, s.cfg), id: id, server: s}

	s.mu.Lock()
	prev := s.peers[id]
	s.peers[id] = p
	s.mu.Unlock()
	if prev != nil && !prev.registered.Load() {
		// a renegotiation replaces an attempt that never opened
		prev.link.close()
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		ci := c.ToJSON()
		_ = reply(Signal{Type: SignalCandidate, To: id, Candidate: &ci})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if connectionLost(state) {
			go p.closeConn()
		}
	})
	pc.OnDataChannel(p.bind)

	fail := func(err error) error {
		p.link.close()
		s.forget(p)
		return err
	}
	if err := p.setRemote(sig.Description()); err != nil {
		return fail(fmt.Errorf("set remote description: %w", err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("create answer: %w", err))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}
	if err := reply(Signal{Type: SignalAnswer, To: id, SDP: answer.SDP}); err != nil {
		return fail(err)
	}

	time.AfterFunc(s.cfg.connectTimeout(), func() {
		if !p.registered.Load() {
			log.Warn().Str("client", id).Msg("peer negotiation stalled")
			p.closeConn()
		}
	})
	return nil
}

func (s *Server) forget(p *serverPeer) {
	s.mu.Lock()
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
	s.mu.Unlock()
}

// Send implements net.ServerTransport.
func (s *Server) Send(clientID string, msg codec.Message) error {
	return s.hub.Send(clientID, msg)
}

// Broadcast implements net.ServerTransport.
func (s *Server) Broadcast(msg codec.Message) error {
	return s.hub.Broadcast(msg)
}

// Has reports whether clientID has an open sync channel.
func (s *Server) Has(clientID string) bool {
	return s.hub.Has(clientID)
}

// SetAdmit installs the admission check run before a peer registers.
func (s *Server) SetAdmit(fn tnet.AdmitFunc) {
	s.hub.SetAdmit(fn)
}

// EntitiesAvailable implements net.ChannelReporter.
func (s *Server) EntitiesAvailable(clientID string) bool {
	return s.hub.EntitiesAvailable(clientID)
}

// Close implements net.ServerTransport.
func (s *Server) Close() error {
	if !s.hub.CloseAll() {
		return nil
	}
	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*serverPeer)
	srv := s.srv
	s.mu.Unlock()
	for _, p := range peers {
		p.link.close()
	}
	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = srv.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// Stats implements net.StatsReporter.
func (s *Server) Stats() tnet.Stats {
	return s.hub.Stats()
}

// ConnectedClients returns the clients with an open sync channel.
func (s *Server) ConnectedClients() []string {
	return s.hub.ConnectedClients()
}

// serverPeer is the server side of one client's peer connection.
type serverPeer struct {
	*link
	id         string
	server     *Server
	gate       tnet.ConnGate
	registered atomic.Bool
	closeOnce  sync.Once
}

func (p *serverPeer) bind(dc *webrtc.DataChannel) {
	ch, ok := p.adopt(dc)
	if !ok {
		log.Warn().Str("client", p.id).Str("label", dc.Label()).Msg("ignoring unknown data channel")
		return
	}
	dc.OnOpen(func() {
		if ch == tnet.ChannelEntities {
			p.entOpen.Store(true)
			return
		}
		if p.closed.Load() {
			return
		}
		p.registered.Store(true)
		// a refused peer was kicked and closes after the notice lingers
		if !p.server.hub.Register(p) && !p.gate.Closed() {
			go p.closeConn()
		}
	})
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		if m.IsString {
			return
		}
		if body, ok := p.receive(ch, m.Data); ok {
			p.server.hub.Deliver(p, body, ch)
		}
	})
	if ch == tnet.ChannelSync {
		dc.OnClose(func() { go p.closeConn() })
	}
}

func (p *serverPeer) closeConn() {
	p.closeOnce.Do(func() {
		p.server.hub.Unregister(p)
		p.server.forget(p)
		p.link.close()
	})
}

func (p *serverPeer) ClientID() string        { return p.id }
func (p *serverPeer) Gate() *tnet.ConnGate    { return &p.gate }
func (p *serverPeer) EntitiesAvailable() bool { return p.entitiesAvailable() }

// Enqueue implements net.HubConn. SCTP buffers the data, so the write is immediate.
func (p *serverPeer) Enqueue(ch tnet.Channel, body []byte) bool {
	if err := p.send(ch, body); err != nil {
		log.Debug().Str("client", p.id).Str("channel", ch.String()).Err(err).Msg("peer send dropped")
		return false
	}
	return true
}

func (p *serverPeer) Kick(reason string) {
	if body, err := codec.Encode(&codec.Kicked{Reason: reason}); err == nil {
		_ = p.send(tnet.ChannelSync, body)
	}
	p.server.forget(p)
	time.AfterFunc(kickLinger, p.Shutdown)
}

func (p *serverPeer) Shutdown() {
	p.link.close()
}

var (
	_ tnet.ServerTransport = (*Server)(nil)
	_ tnet.ChannelReporter = (*Server)(nil)
	_ tnet.HubConn         = (*serverPeer)(nil)
	_ http.Handler         = (*Server)(nil)
)
