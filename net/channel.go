package net

import (
	"sync"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
)

// Channel is a logical delivery stream.
type Channel uint8

const (
	// ChannelSync is reliable and ordered: control, terrain, chat, lifecycle.
	ChannelSync Channel = iota
	// ChannelEntities is best effort: per-tick entity state that may be dropped or reordered.
	ChannelEntities
)

func (c Channel) String() string {
	switch c {
	case ChannelSync:
		return "sync"
	case ChannelEntities:
		return "entities"
	default:
		return "unknown"
	}
}

// Reliable reports whether the channel guarantees ordered delivery.
func (c Channel) Reliable() bool {
	return c == ChannelSync
}

// Classify maps a message type to its preferred channel. Every client->server message is
// sync so inputs are never silently dropped.
func Classify(t codec.MsgType) Channel {
	switch t {
	case codec.TypeEntityUpdate, codec.TypeHeartbeat:
		return ChannelEntities
	default:
		return ChannelSync
	}
}

// RouteResult is the channel resolved for one message on one connection.
type RouteResult struct {
	Preferred Channel
	Channel   Channel
	FellBack  bool
}

// Route resolves the channel to use given whether the connection negotiated an entities stream.
func Route(t codec.MsgType, entitiesAvailable bool) RouteResult {
	preferred := Classify(t)
	if preferred == ChannelEntities && !entitiesAvailable {
		return RouteResult{Preferred: preferred, Channel: ChannelSync, FellBack: true}
	}
	return RouteResult{Preferred: preferred, Channel: preferred}
}

// FallbackNotifier logs the "entities channel unavailable" warning once per connection.
type FallbackNotifier struct {
	mu     sync.Mutex
	warned map[string]struct{}
}

// NewFallbackNotifier creates an empty notifier.
func NewFallbackNotifier() *FallbackNotifier {
	return &FallbackNotifier{warned: make(map[string]struct{})}
}

// Observe records r for connID and reports whether this call emitted the warning.
func (n *FallbackNotifier) Observe(connID string, r RouteResult) bool {
	if !r.FellBack {
		return false
	}
	n.mu.Lock()
	if _, ok := n.warned[connID]; ok {
		n.mu.Unlock()
		return false
	}
	n.warned[connID] = struct{}{}
	n.mu.Unlock()

	metrics.IncrCounterWithGroup("net", "channel_fallback_total", 1)
	log.Warn().Str("conn", connID).Str("preferred", r.Preferred.String()).
		Msg("entities channel unavailable, falling back to sync")
	return true
}

// Forget clears the state of a closed connection so a reconnect warns again.
func (n *FallbackNotifier) Forget(connID string) {
	n.mu.Lock()
	delete(n.warned, connID)
	n.mu.Unlock()
}
