package net

import (
	"fmt"
	"sync"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
)

// LoopbackOption configures a LoopbackHub.
type LoopbackOption func(*LoopbackHub)

// WithFragmentSize makes the round-trip loopback fragment every encoding larger than n bytes
// and reassemble it before decoding.
func WithFragmentSize(n int) LoopbackOption {
	return func(h *LoopbackHub) {
		h.maxPayload = n
	}
}

// LoopbackHub connects one in-process server transport with any number of in-process
// clients. Delivery is synchronous on the caller's goroutine.
type LoopbackHub struct {
	roundTrip  bool
	maxPayload int
	ids        MessageIDs
	server     *LoopbackServer
}

// NewLoopback creates a hub that hands message values across unchanged.
func NewLoopback(opts ...LoopbackOption) *LoopbackHub {
	return newHub(false, opts)
}

// NewRoundTripLoopback creates a hub that encodes and decodes every message so codec
// defects surface before a real network is involved.
func NewRoundTripLoopback(opts ...LoopbackOption) *LoopbackHub {
	return newHub(true, opts)
}

func newHub(roundTrip bool, opts []LoopbackOption) *LoopbackHub {
	h := &LoopbackHub{roundTrip: roundTrip}
	for _, opt := range opts {
		opt(h)
	}
	h.server = &LoopbackServer{hub: h, clients: make(map[string]*LoopbackClient)}
	return h
}

// Server returns the server side of the hub.
func (h *LoopbackHub) Server() *LoopbackServer {
	return h.server
}

// Dial creates a client identified by clientID. It connects on Start.
func (h *LoopbackHub) Dial(clientID string) *LoopbackClient {
	return &LoopbackClient{hub: h, id: clientID}
}

// carry returns the message the receiving side observes and its wire size.
func (h *LoopbackHub) carry(msg codec.Message) (codec.Message, int, error) {
	if !h.roundTrip {
		return msg, 0, nil
	}
	b, err := codec.Encode(msg)
	if err != nil {
		return nil, 0, err
	}
	size := len(b)
	if h.maxPayload > 0 {
		packets, err := Fragment(b, h.ids.Next(), h.maxPayload)
		if err != nil {
			return nil, 0, err
		}
		r := NewReassembler(1)
		var whole []byte
		for _, p := range packets {
			if out, ok := r.Push(p); ok {
				whole = out
			}
		}
		if whole == nil {
			return nil, 0, fmt.Errorf("%w: loopback fragments", ErrIncompleteReassembly)
		}
		b = whole
	}
	out, err := codec.Decode(b)
	if err != nil {
		return nil, 0, err
	}
	return out, size, nil
}

// LoopbackServer is the server transport of a LoopbackHub.
type LoopbackServer struct {
	hub     *LoopbackHub
	gate    gate
	mu      sync.RWMutex
	handler ServerHandler
	admit   AdmitFunc
	clients map[string]*LoopbackClient
	stats   statsCounter
}

// Start implements ServerTransport.
func (s *LoopbackServer) Start(h ServerHandler) error {
	if h == nil {
		return fmt.Errorf("loopback server: nil handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler != nil {
		return fmt.Errorf("loopback server already started")
	}
	s.handler = h
	return nil
}

func (s *LoopbackServer) currentHandler() ServerHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

// SetAdmit installs fn as the admission check of every later connect.
func (s *LoopbackServer) SetAdmit(fn AdmitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admit = fn
}

func (s *LoopbackServer) attach(c *LoopbackClient) error {
	h := s.currentHandler()
	if h == nil || s.gate.isClosed() {
		return fmt.Errorf("loopback server not running: %w", ErrTransportUnavailable)
	}

	s.mu.RLock()
	admit := s.admit
	s.mu.RUnlock()
	if admit != nil {
		if err := admit(c.id); err != nil {
			log.Warn().Str("client", c.id).Err(err).Msg("loopback connection refused")
			metrics.IncrCounterWithDimGroup("net", "connection_refused_total", 1, metrics.Dimension{"transport": "loopback"})
			c.deliver(&codec.Kicked{Reason: err.Error()})
			c.closeRemote(err)
			return err
		}
	}

	s.mu.Lock()
	old := s.clients[c.id]
	s.clients[c.id] = c
	s.mu.Unlock()

	if old != nil {
		log.Warn().Str("client", c.id).Msg("loopback client reconnected, evicting previous connection")
		metrics.IncrCounterWithDimGroup("net", "duplicate_connection_total", 1, metrics.Dimension{"transport": "loopback"})
		old.deliver(&codec.Kicked{Reason: ErrDuplicateConnection.Error()})
		old.closeRemote(ErrDuplicateConnection)
		s.gate.do(func() { h.OnDisconnect(c.id) })
	}
	s.gate.do(func() { h.OnConnect(c.id) })
	return nil
}

func (s *LoopbackServer) detach(c *LoopbackClient) {
	s.mu.Lock()
	if s.clients[c.id] != c {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.id)
	h := s.handler
	s.mu.Unlock()

	s.gate.do(func() { h.OnDisconnect(c.id) })
}

func (s *LoopbackServer) receive(c *LoopbackClient, msg codec.Message) error {
	out, size, err := s.hub.carry(msg)
	if err != nil {
		s.stats.drop()
		log.Error().Str("client", c.id).Err(err).Msg("loopback inbound message dropped")
		return err
	}
	h := s.currentHandler()
	if !s.gate.do(func() { h.OnMessage(c.id, out, ChannelSync) }) {
		return ErrTransportClosed
	}
	s.stats.in(size)
	return nil
}

// Send implements ServerTransport.
func (s *LoopbackServer) Send(clientID string, msg codec.Message) error {
	if s.gate.isClosed() {
		return ErrTransportClosed
	}
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	return s.sendTo(c, msg)
}

func (s *LoopbackServer) sendTo(c *LoopbackClient, msg codec.Message) error {
	out, size, err := s.hub.carry(msg)
	if err != nil {
		s.stats.drop()
		log.Error().Str("client", c.id).Str("type", msg.Type().String()).Err(err).Msg("loopback outbound message dropped")
		return err
	}
	if !c.deliver(out) {
		s.stats.drop()
		return nil
	}
	s.stats.out(size)
	return nil
}

// Broadcast implements ServerTransport.
func (s *LoopbackServer) Broadcast(msg codec.Message) error {
	if s.gate.isClosed() {
		return ErrTransportClosed
	}
	s.mu.RLock()
	targets := make([]*LoopbackClient, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	var first error
	for _, c := range targets {
		if err := s.sendTo(c, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close implements ServerTransport.
func (s *LoopbackServer) Close() error {
	if !s.gate.close() {
		return nil
	}
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*LoopbackClient)
	s.mu.Unlock()
	for _, c := range clients {
		c.closeRemote(ErrTransportClosed)
	}
	return nil
}

// Stats implements StatsReporter.
func (s *LoopbackServer) Stats() Stats {
	return s.stats.snapshot()
}

// EntitiesAvailable implements ChannelReporter. In-process delivery always has both streams.
func (s *LoopbackServer) EntitiesAvailable(clientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[clientID]
	return ok
}

// Has reports whether clientID is attached.
func (s *LoopbackServer) Has(clientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[clientID]
	return ok
}

// ConnectedClients returns the ids currently attached.
func (s *LoopbackServer) ConnectedClients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// LoopbackClient is the client transport of a LoopbackHub.
type LoopbackClient struct {
	hub     *LoopbackHub
	id      string
	gate    gate
	mu      sync.RWMutex
	handler ClientHandler
	started bool
	stats   statsCounter
}

// ID returns the client id used on connect.
func (c *LoopbackClient) ID() string {
	return c.id
}

// Start implements ClientTransport. It connects to the hub's server, which fires OnConnect.
func (c *LoopbackClient) Start(h ClientHandler) error {
	if h == nil {
		return fmt.Errorf("loopback client: nil handler")
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("loopback client already started")
	}
	c.started = true
	c.handler = h
	c.mu.Unlock()
	return c.hub.server.attach(c)
}

func (c *LoopbackClient) deliver(msg codec.Message) bool {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		return false
	}
	ok := c.gate.do(func() { h.OnMessage(msg, Route(msg.Type(), true).Channel) })
	if ok {
		c.stats.in(0)
	}
	return ok
}

// closeRemote ends the connection from the server side, telling a ClientCloser why.
func (c *LoopbackClient) closeRemote(err error) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if closer, ok := h.(ClientCloser); ok {
		c.gate.do(func() { closer.OnClose(err) })
	}
	c.gate.close()
}

// Send implements ClientTransport.
func (c *LoopbackClient) Send(msg codec.Message) error {
	if c.gate.isClosed() {
		return ErrTransportClosed
	}
	if err := c.hub.server.receive(c, msg); err != nil {
		return err
	}
	c.stats.out(0)
	return nil
}

// Close implements ClientTransport.
func (c *LoopbackClient) Close() error {
	if !c.gate.close() {
		return nil
	}
	c.hub.server.detach(c)
	return nil
}

// Stats implements StatsReporter.
func (c *LoopbackClient) Stats() Stats {
	return c.stats.snapshot()
}

var (
	_ ServerTransport = (*LoopbackServer)(nil)
	_ ChannelReporter = (*LoopbackServer)(nil)
	_ ClientTransport = (*LoopbackClient)(nil)
)
