// Package net implements the transport layer of tilesync: the channel classifier,
// fragmentation, and every client/server transport backend behind one pair of interfaces.
//
// All backends share the same contract. OnConnect fires at most once per logical client and
// before any OnMessage for it; nothing is delivered after Close returns; a message that can
// not be delivered is dropped and counted, never retried.
package net

import (
	"sync"
	"sync/atomic"

	"github.com/lcx/tilesync/codec"
)

// ServerHandler receives the callbacks of a server transport. Implementations must only
// enqueue work; they run on transport goroutines.
type ServerHandler interface {
	OnConnect(clientID string)
	OnDisconnect(clientID string)
	OnMessage(clientID string, msg codec.Message, ch Channel)
}

// ClientHandler receives the messages of a client transport.
type ClientHandler interface {
	OnMessage(msg codec.Message, ch Channel)
}

// ClientHandlerFunc adapts a function to ClientHandler.
type ClientHandlerFunc func(msg codec.Message, ch Channel)

func (f ClientHandlerFunc) OnMessage(msg codec.Message, ch Channel) { f(msg, ch) }

// ServerHandlerFuncs adapts optional functions to ServerHandler.
type ServerHandlerFuncs struct {
	Connect    func(clientID string)
	Disconnect func(clientID string)
	Message    func(clientID string, msg codec.Message, ch Channel)
}

func (h ServerHandlerFuncs) OnConnect(clientID string) {
	if h.Connect != nil {
		h.Connect(clientID)
	}
}

func (h ServerHandlerFuncs) OnDisconnect(clientID string) {
	if h.Disconnect != nil {
		h.Disconnect(clientID)
	}
}

func (h ServerHandlerFuncs) OnMessage(clientID string, msg codec.Message, ch Channel) {
	if h.Message != nil {
		h.Message(clientID, msg, ch)
	}
}

// ServerTransport is the server side of a backend.
type ServerTransport interface {
	// Start registers the handler and begins accepting clients.
	Start(h ServerHandler) error
	// Send delivers msg to one client on the channel Route picks for it.
	Send(clientID string, msg codec.Message) error
	// Broadcast sends msg to every connected client.
	Broadcast(msg codec.Message) error
	// Close disconnects every client. No callback runs after Close returns.
	Close() error
}

// ClientTransport is the client side of a backend.
type ClientTransport interface {
	Start(h ClientHandler) error
	Send(msg codec.Message) error
	Close() error
}

// Stats are traffic counters of one transport.
type Stats struct {
	BytesIn     uint64
	BytesOut    uint64
	MessagesIn  uint64
	MessagesOut uint64
	Dropped     uint64
}

// ChannelReporter is implemented by server transports that know, per client, whether the
// best-effort entities stream was negotiated.
type ChannelReporter interface {
	EntitiesAvailable(clientID string) bool
}

// StatsReporter is implemented by transports that count their traffic.
type StatsReporter interface {
	Stats() Stats
}

type statsCounter struct {
	bytesIn, bytesOut, msgsIn, msgsOut, dropped atomic.Uint64
}

func (s *statsCounter) in(n int) {
	s.bytesIn.Add(uint64(n))
	s.msgsIn.Add(1)
}

func (s *statsCounter) out(n int) {
	s.bytesOut.Add(uint64(n))
	s.msgsOut.Add(1)
}

func (s *statsCounter) drop() {
	s.dropped.Add(1)
}

func (s *statsCounter) snapshot() Stats {
	return Stats{
		BytesIn:     s.bytesIn.Load(),
		BytesOut:    s.bytesOut.Load(),
		MessagesIn:  s.msgsIn.Load(),
		MessagesOut: s.msgsOut.Load(),
		Dropped:     s.dropped.Load(),
	}
}

// gate serializes deliveries against shutdown. close waits for in-flight deliveries,
// after it returns do never runs fn again. fn must not call close on the same gate.
type gate struct {
	mu     sync.RWMutex
	closed bool
}

func (g *gate) do(fn func()) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return false
	}
	fn()
	return true
}

// close reports whether this call closed the gate.
func (g *gate) close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.closed = true
	return true
}

func (g *gate) isClosed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed
}
