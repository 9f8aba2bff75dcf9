package peer

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/tilesync/codec"
	tnet "github.com/lcx/tilesync/net"
)

type events struct {
	mu   sync.Mutex
	list []string
	msgs []codec.Message
	chs  []tnet.Channel
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.list = append(e.list, s)
	e.mu.Unlock()
}

func (e *events) OnConnect(id string)    { e.add("connect:" + id) }
func (e *events) OnDisconnect(id string) { e.add("disconnect:" + id) }

func (e *events) OnMessage(id string, msg codec.Message, ch tnet.Channel) {
	e.mu.Lock()
	e.list = append(e.list, "message:"+id+":"+msg.Type().String())
	e.msgs = append(e.msgs, msg)
	e.mu.Unlock()
}

func (e *events) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

func (e *events) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.list)
}

type clientEvents struct {
	events
}

func (c *clientEvents) OnMessage(msg codec.Message, ch tnet.Channel) {
	c.mu.Lock()
	c.list = append(c.list, msg.Type().String())
	c.msgs = append(c.msgs, msg)
	c.chs = append(c.chs, ch)
	c.mu.Unlock()
}

func TestHostLocalOnly(t *testing.T) {
	host := NewHost(DefaultPeerCfg(), "", "solo")
	srv := &events{}
	require.NoError(t, host.Start(srv))
	defer host.Close()

	local := host.Local("owner")
	rec := &clientEvents{}
	require.NoError(t, local.Start(rec))
	require.NoError(t, local.Send(&codec.Chat{Text: "hi"}))

	require.NoError(t, host.Broadcast(&codec.ChatBroadcast{From: "owner", Text: "hi"}))
	require.NoError(t, host.Send("owner", &codec.Heartbeat{Tick: 1}))
	assert.ErrorIs(t, host.Send("ghost", &codec.Heartbeat{}), tnet.ErrUnknownClient)

	assert.Equal(t, []string{"connect:owner", "message:owner:chat"}, srv.snapshot())
	assert.Equal(t, []string{"chat_broadcast", "heartbeat"}, rec.snapshot())
	assert.ElementsMatch(t, []string{"owner"}, host.ConnectedClients())
}

// fakeGuest stands in for a relayed guest whose sync channel just opened.
type fakeGuest struct {
	id     string
	gate   tnet.ConnGate
	mu     sync.Mutex
	kicked string
}

func (g *fakeGuest) ClientID() string                  { return g.id }
func (g *fakeGuest) EntitiesAvailable() bool           { return false }
func (g *fakeGuest) Enqueue(tnet.Channel, []byte) bool { return true }
func (g *fakeGuest) Gate() *tnet.ConnGate              { return &g.gate }

func (g *fakeGuest) Kick(reason string) {
	g.mu.Lock()
	g.kicked = reason
	g.mu.Unlock()
}

func (g *fakeGuest) Shutdown() {}

func TestHostOwnsEachIDOnOneHalf(t *testing.T) {
	host := NewHost(DefaultPeerCfg(), "", "shared")
	srv := &events{}
	require.NoError(t, host.Start(srv))
	defer host.Close()

	owner := host.Local("owner")
	require.NoError(t, owner.Start(&clientEvents{}))

	// a guest claiming the hosting player's id is refused
	impostor := &fakeGuest{id: "owner"}
	assert.False(t, host.remote.hub.Register(impostor))
	assert.Equal(t, tnet.ErrDuplicateConnection.Error(), impostor.kicked)
	assert.True(t, impostor.gate.Closed())

	// and the other way round
	guest := &fakeGuest{id: "guest"}
	require.True(t, host.remote.hub.Register(guest))
	rec := &clientEvents{}
	assert.ErrorIs(t, host.Local("guest").Start(rec), tnet.ErrDuplicateConnection)
	assert.Equal(t, []string{"kicked"}, rec.snapshot())

	assert.Equal(t, []string{"connect:owner", "connect:guest"}, srv.snapshot())
	assert.ElementsMatch(t, []string{"owner", "guest"}, host.ConnectedClients())

	// leaving frees the id for the other half
	host.remote.hub.Unregister(guest)
	require.NoError(t, host.Local("guest").Start(&clientEvents{}))
	require.NoError(t, owner.Close())
	assert.True(t, host.remote.hub.Register(&fakeGuest{id: "owner"}))

	assert.Equal(t, []string{
		"connect:owner", "connect:guest",
		"disconnect:guest", "connect:guest",
		"disconnect:owner", "connect:owner",
	}, srv.snapshot())
}

func TestHostRelayRefusedRoomStops(t *testing.T) {
	relay, base := startRelay(t)
	dialSig(t, base+"?role=host&room=taken")
	require.Eventually(t, func() bool { return relay.Rooms() == 1 }, waitFor, 5*time.Millisecond)

	s := NewServer(&PeerCfg{SignalPath: "/signal", MaxPayload: 1024, ConnectTimeout: 1000})
	require.NoError(t, s.Start(&events{}))
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := s.ServeRelay(ctx, base, "taken")
	assert.ErrorIs(t, err, ErrSignal)
}

func TestServerIgnoresInvalidSignals(t *testing.T) {
	s := NewServer(DefaultPeerCfg())
	var replies []Signal
	reply := func(sig Signal) error {
		replies = append(replies, sig)
		return nil
	}
	s.handleSignal(Signal{Type: SignalCandidate, From: "x"}, reply)
	s.handleSignal(Signal{Type: "bye", From: "x"}, reply)
	// a candidate for an unknown peer is ignored
	s.handleSignal(Signal{Type: SignalCandidate, From: "x", Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1"}}, reply)
	assert.Empty(t, replies)

	// an offer that is not SDP is answered with an error signal
	s.handleSignal(Signal{Type: SignalOffer, From: "x", SDP: "garbage"}, reply)
	require.Len(t, replies, 1)
	assert.Equal(t, SignalError, replies[0].Type)
	assert.Equal(t, "x", replies[0].To)
}

// TestDedicatedServerEndToEnd negotiates real data channels over the loopback interface.
func TestDedicatedServerEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates real peer connections")
	}
	cfg := DefaultPeerCfg()
	cfg.Addr = ""
	cfg.MaxPayload = 1024
	s := NewServer(cfg)
	srv := &events{}
	require.NoError(t, s.Start(srv))
	hs := httptest.NewServer(s)
	defer hs.Close()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"), "guest-1", cfg)
	require.NoError(t, err)
	defer c.Close()
	rec := &clientEvents{}
	require.NoError(t, c.Start(rec))

	require.Eventually(t, func() bool { return s.Has("guest-1") }, 10*time.Second, 10*time.Millisecond)

	// larger than MaxPayload, so it travels fragmented
	text := strings.Repeat("tile ", 600)
	require.NoError(t, c.Send(&codec.Chat{Text: text}))
	require.Eventually(t, func() bool { return srv.len() == 2 }, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, "message:guest-1:chat", srv.snapshot()[1])

	require.NoError(t, s.Send("guest-1", &codec.ChatBroadcast{From: "guest-1", Text: text}))
	require.Eventually(t, func() bool { return rec.len() == 1 }, 10*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	got, ok := rec.msgs[0].(*codec.ChatBroadcast)
	ch := rec.chs[0]
	rec.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, text, got.Text)
	assert.Equal(t, tnet.ChannelSync, ch)
}
