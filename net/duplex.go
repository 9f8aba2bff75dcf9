package net

import (
	"fmt"
	"sync"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
)

// ConnGate guards the deliveries of one connection. Closing it waits for an in-flight
// delivery and blocks every later one.
type ConnGate struct {
	g gate
}

// Do runs fn unless the gate is closed.
func (c *ConnGate) Do(fn func()) bool { return c.g.do(fn) }

// Close closes the gate; it reports whether this call closed it.
func (c *ConnGate) Close() bool { return c.g.close() }

// Closed reports whether the gate is closed.
func (c *ConnGate) Closed() bool { return c.g.isClosed() }

// HubConn is one accepted connection of a Hub-based server transport.
type HubConn interface {
	ClientID() string
	// EntitiesAvailable reports whether the connection negotiated a best-effort stream.
	EntitiesAvailable() bool
	// Enqueue queues an encoded message on ch; false when the queue is full or closed.
	Enqueue(ch Channel, body []byte) bool
	// Kick sends a Kicked notice and closes the connection once it is written.
	Kick(reason string)
	// Shutdown closes the connection immediately.
	Shutdown()
	Gate() *ConnGate
}

// AdmitFunc decides whether a client id may register. A non-nil error refuses the
// connection: it is kicked with the error text and no OnConnect fires.
type AdmitFunc func(clientID string) error

// Hub is the client registry shared by the socket and peer server transports. A client is
// identified by the id from its handshake; a second connection with the same id evicts the
// first (last writer wins).
type Hub struct {
	kind     string
	gate     gate
	mu       sync.RWMutex
	handler  ServerHandler
	admit    AdmitFunc
	conns    map[string]HubConn
	stats    statsCounter
	notifier *FallbackNotifier
}

// NewHub creates a hub; kind labels its logs and metrics ("tcp", "ws", "peer").
func NewHub(kind string) *Hub {
	return &Hub{
		kind:     kind,
		conns:    make(map[string]HubConn),
		notifier: NewFallbackNotifier(),
	}
}

// Start registers the server handler.
func (h *Hub) Start(handler ServerHandler) error {
	if handler == nil {
		return fmt.Errorf("%s transport: nil handler", h.kind)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handler != nil {
		return fmt.Errorf("%s transport already started", h.kind)
	}
	h.handler = handler
	return nil
}

// SetAdmit installs fn as the admission check of every later Register.
func (h *Hub) SetAdmit(fn AdmitFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.admit = fn
}

// Running reports whether the hub was started and not closed.
func (h *Hub) Running() bool {
	return h.currentHandler() != nil && !h.gate.isClosed()
}

func (h *Hub) currentHandler() ServerHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handler
}

// Register makes c the connection of its client id, evicting any previous one:
// the old connection is kicked, its OnDisconnect fires, then OnConnect for c. A client
// refused by the admission check is kicked and Register returns false.
func (h *Hub) Register(c HubConn) bool {
	handler := h.currentHandler()
	if handler == nil || h.gate.isClosed() {
		return false
	}
	id := c.ClientID()

	h.mu.RLock()
	admit := h.admit
	h.mu.RUnlock()
	if admit != nil {
		if err := admit(id); err != nil {
			log.Warn().Str("client", id).Str("transport", h.kind).Err(err).Msg("connection refused")
			metrics.IncrCounterWithDimGroup("net", "connection_refused_total", 1, metrics.Dimension{"transport": h.kind})
			c.Gate().Close()
			c.Kick(err.Error())
			return false
		}
	}

	h.mu.Lock()
	old := h.conns[id]
	h.conns[id] = c
	count := len(h.conns)
	h.mu.Unlock()

	if old != nil {
		log.Warn().Str("client", id).Str("transport", h.kind).Err(ErrDuplicateConnection).Msg("evicting previous connection")
		metrics.IncrCounterWithDimGroup("net", "duplicate_connection_total", 1, metrics.Dimension{"transport": h.kind})
		old.Gate().Close()
		old.Kick(ErrDuplicateConnection.Error())
		h.notifier.Forget(id)
		h.gate.do(func() { handler.OnDisconnect(id) })
	}

	metrics.IncrCounterWithDimGroup("net", "connection_success_total", 1, metrics.Dimension{"transport": h.kind})
	metrics.UpdateGaugeWithDimGroup("net", "current_connections", metrics.Value(count), metrics.Dimension{"transport": h.kind})
	h.gate.do(func() { handler.OnConnect(id) })
	return true
}

// Unregister removes c if it is still the registered connection of its id and fires
// OnDisconnect. A connection already replaced by a newer one is ignored.
func (h *Hub) Unregister(c HubConn) {
	id := c.ClientID()
	h.mu.Lock()
	if cur, ok := h.conns[id]; !ok || cur != c {
		h.mu.Unlock()
		return
	}
	delete(h.conns, id)
	count := len(h.conns)
	handler := h.handler
	h.mu.Unlock()

	c.Gate().Close()
	h.notifier.Forget(id)
	metrics.IncrCounterWithDimGroup("net", "connection_close_total", 1, metrics.Dimension{"transport": h.kind})
	metrics.UpdateGaugeWithDimGroup("net", "current_connections", metrics.Value(count), metrics.Dimension{"transport": h.kind})
	h.gate.do(func() { handler.OnDisconnect(id) })
}

// Deliver decodes body and hands it to the handler. Malformed bodies are dropped and
// the connection stays open.
func (h *Hub) Deliver(c HubConn, body []byte, ch Channel) {
	msg, err := codec.Decode(body)
	if err != nil {
		h.stats.drop()
		metrics.IncrCounterWithDimGroup("net", "malformed_message_total", 1, metrics.Dimension{"transport": h.kind})
		log.Warn().Str("client", c.ClientID()).Int("size", len(body)).Err(err).Msg("dropping malformed message")
		return
	}
	handler := h.currentHandler()
	h.gate.do(func() {
		c.Gate().Do(func() {
			h.stats.in(len(body))
			handler.OnMessage(c.ClientID(), msg, ch)
		})
	})
}

func (h *Hub) encode(msg codec.Message) ([]byte, error) {
	body, err := codec.Encode(msg)
	if err != nil {
		h.stats.drop()
		log.Error().Str("type", msg.Type().String()).Err(err).Msg("encode failed")
		return nil, err
	}
	return body, nil
}

func (h *Hub) sendBody(c HubConn, t codec.MsgType, body []byte) {
	r := Route(t, c.EntitiesAvailable())
	h.notifier.Observe(c.ClientID(), r)
	if !c.Enqueue(r.Channel, body) {
		h.stats.drop()
		metrics.IncrCounterWithDimGroup("net", "send_queue_full_total", 1, metrics.Dimension{"transport": h.kind})
		return
	}
	metrics.IncrCounterWithDimGroup("net", "bytes_sent_total", metrics.Value(len(body)), metrics.Dimension{"channel": r.Channel.String()})
	h.stats.out(len(body))
}

// Send implements ServerTransport.Send.
func (h *Hub) Send(clientID string, msg codec.Message) error {
	if h.gate.isClosed() {
		return ErrTransportClosed
	}
	h.mu.RLock()
	c, ok := h.conns[clientID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	body, err := h.encode(msg)
	if err != nil {
		return err
	}
	h.sendBody(c, msg.Type(), body)
	return nil
}

// Has reports whether clientID is registered.
func (h *Hub) Has(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[clientID]
	return ok
}

// EntitiesAvailable implements ChannelReporter.
func (h *Hub) EntitiesAvailable(clientID string) bool {
	h.mu.RLock()
	c, ok := h.conns[clientID]
	h.mu.RUnlock()
	return ok && c.EntitiesAvailable()
}

// Broadcast implements ServerTransport.Broadcast. The message is encoded once.
func (h *Hub) Broadcast(msg codec.Message) error {
	if h.gate.isClosed() {
		return ErrTransportClosed
	}
	body, err := h.encode(msg)
	if err != nil {
		return err
	}
	h.mu.RLock()
	targets := make([]HubConn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendBody(c, msg.Type(), body)
	}
	return nil
}

// CloseAll closes the hub then every connection without firing OnDisconnect.
// It reports false when the hub was already closed.
func (h *Hub) CloseAll() bool {
	if !h.gate.close() {
		return false
	}
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]HubConn)
	h.mu.Unlock()
	for _, c := range conns {
		c.Gate().Close()
		c.Shutdown()
	}
	return true
}

// ConnectedClients returns the registered client ids.
func (h *Hub) ConnectedClients() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// Stats implements StatsReporter.
func (h *Hub) Stats() Stats {
	return h.stats.snapshot()
}
