package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/log"
	tnet "github.com/lcx/tilesync/net"
)

type side uint8

const (
	sideLocal side = iota + 1
	sideRemote
)

// Host is the server transport of a player-hosted game: the hosting player's own client
// is attached through an in-process loopback, remote guests reach it through a rendezvous
// relay. Broadcast fans out to both halves. A client id belongs to one half at a time; a
// connect on the other half is refused while it is held.
type Host struct {
	local    *tnet.LoopbackHub
	remote   *Server
	relayURL string
	room     string

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	claimMu sync.Mutex
	claims  map[string]side
}

// NewHost creates a host for room on the relay at relayURL. An empty relayURL hosts a
// local-only game.
func NewHost(cfg *PeerCfg, relayURL, room string) *Host {
	remoteCfg := *cfg
	remoteCfg.Addr = ""
	h := &Host{
		local:    tnet.NewLoopback(),
		remote:   NewServer(&remoteCfg),
		relayURL: relayURL,
		room:     room,
		claims:   make(map[string]side),
	}
	h.local.Server().SetAdmit(h.admit(sideLocal))
	h.remote.SetAdmit(h.admit(sideRemote))
	return h
}

func (h *Host) admit(sd side) tnet.AdmitFunc {
	return func(clientID string) error {
		h.claimMu.Lock()
		defer h.claimMu.Unlock()
		if owner, ok := h.claims[clientID]; ok && owner != sd {
			return tnet.ErrDuplicateConnection
		}
		h.claims[clientID] = sd
		return nil
	}
}

// release drops the claim of sd on clientID once that half no longer holds it. An
// eviction inside one half keeps the claim: the newer connection is already registered.
func (h *Host) release(sd side, clientID string) {
	h.claimMu.Lock()
	defer h.claimMu.Unlock()
	if h.claims[clientID] != sd {
		return
	}
	held := h.remote.Has(clientID)
	if sd == sideLocal {
		held = h.local.Server().Has(clientID)
	}
	if !held {
		delete(h.claims, clientID)
	}
}

// hostHandler releases claims as connections of one half go away.
type hostHandler struct {
	tnet.ServerHandler
	host *Host
	side side
}

func (hh hostHandler) OnDisconnect(clientID string) {
	hh.host.release(hh.side, clientID)
	hh.ServerHandler.OnDisconnect(clientID)
}

// Local returns the in-process client transport of the hosting player.
func (h *Host) Local(clientID string) *tnet.LoopbackClient {
	return h.local.Dial(clientID)
}

// Remote returns the peer server answering relayed guests.
func (h *Host) Remote() *Server {
	return h.remote
}

// Start implements net.ServerTransport. The relay connection is kept open in the
// background and re-established with backoff when it drops.
func (h *Host) Start(handler tnet.ServerHandler) error {
	if handler == nil {
		return errors.New("peer host: nil handler")
	}
	if err := h.local.Server().Start(hostHandler{ServerHandler: handler, host: h, side: sideLocal}); err != nil {
		return err
	}
	if err := h.remote.Start(hostHandler{ServerHandler: handler, host: h, side: sideRemote}); err != nil {
		return err
	}
	if h.relayURL == "" {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	go h.serveRelay(ctx)
	return nil
}

func (h *Host) serveRelay(ctx context.Context) {
	defer h.wg.Done()
	backoff := 500 * time.Millisecond
	for {
		err := h.remote.ServeRelay(ctx, h.relayURL, h.room)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrSignal) {
			log.Error().Str("room", h.room).Err(err).Msg("relay refused room")
			return
		}
		log.Warn().Str("room", h.room).Dur("retry", backoff).Err(err).Msg("relay connection lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 10*time.Second)
	}
}

// Send implements net.ServerTransport.
func (h *Host) Send(clientID string, msg codec.Message) error {
	err := h.local.Server().Send(clientID, msg)
	if !errors.Is(err, tnet.ErrUnknownClient) {
		return err
	}
	return h.remote.Send(clientID, msg)
}

// Broadcast implements net.ServerTransport.
func (h *Host) Broadcast(msg codec.Message) error {
	return errors.Join(h.local.Server().Broadcast(msg), h.remote.Broadcast(msg))
}

// Close implements net.ServerTransport.
func (h *Host) Close() error {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := errors.Join(h.local.Server().Close(), h.remote.Close())
	h.wg.Wait()
	return err
}

// EntitiesAvailable implements net.ChannelReporter.
func (h *Host) EntitiesAvailable(clientID string) bool {
	return h.local.Server().EntitiesAvailable(clientID) || h.remote.EntitiesAvailable(clientID)
}

// ConnectedClients returns the local and remote client ids.
func (h *Host) ConnectedClients() []string {
	return append(h.local.Server().ConnectedClients(), h.remote.ConnectedClients()...)
}

var (
	_ tnet.ServerTransport = (*Host)(nil)
	_ tnet.ChannelReporter = (*Host)(nil)
)
