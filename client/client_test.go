package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/delta"
	"github.com/lcx/tilesync/net"
	"github.com/lcx/tilesync/server"
	"github.com/lcx/tilesync/sim"
)

type rig struct {
	hub   *net.LoopbackHub
	world *sim.MemoryWorld
	srv   *server.Server
}

func newRig(t *testing.T) *rig {
	t.Helper()
	hub := net.NewRoundTripLoopback()
	world := sim.NewMemoryWorld(sim.WorldCfg{Seed: 9, ChunkSize: 8})
	srv, err := server.New(server.DefaultServerCfg(), hub.Server(), world, delta.NewBuilder(*delta.DefaultBuilderCfg()))
	require.NoError(t, err)
	require.NoError(t, hub.Server().Start(srv))
	t.Cleanup(func() { _ = srv.Close() })
	return &rig{hub: hub, world: world, srv: srv}
}

func (r *rig) join(t *testing.T, id string) *Client {
	t.Helper()
	c := New(id, r.hub.Dial(id), nil)
	require.NoError(t, c.Start())
	r.srv.Tick()
	require.NotZero(t, c.ControlledID())
	return c
}

func TestClientBootstrap(t *testing.T) {
	r := newRig(t)
	c := r.join(t, "alice")

	x, y := c.Camera()
	sx, sy := r.world.SpawnPoint()
	assert.Equal(t, sx, x)
	assert.Equal(t, sy, y)

	c.View(func(m *Mirror) {
		e, ok := m.Entity(c.ControlledID())
		require.True(t, ok)
		assert.Equal(t, sim.KindPlayer, e.Kind)
		assert.NotEmpty(t, m.LoadedChunks())
	})
	assert.Equal(t, sx, c.Predicted().X)
}

func TestClientPredictionMatchesServer(t *testing.T) {
	r := newRig(t)
	c := r.join(t, "alice")
	start := c.Predicted()

	for range 3 {
		_, err := c.SendInput(1, 0, false, false)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, c.PendingInputs())
	assert.Greater(t, c.Predicted().X, start.X, "predicted before any ack")
	predicted := c.Predicted()

	r.srv.Tick()
	assert.Zero(t, c.PendingInputs())
	auth, ok := r.world.Entity(c.ControlledID())
	require.True(t, ok)
	assert.Equal(t, auth.State.X, c.Predicted().X)
	assert.Equal(t, predicted.X, c.Predicted().X)

	x, _ := c.Frame()
	assert.Equal(t, predicted.X, x, "no correction needed")

	// the idle tick stops the player; its settle patch follows a tick later
	r.srv.Tick()
	r.srv.Tick()
	assert.Zero(t, c.Predicted().VX)
}

func TestClientCorrectsWithoutSnapping(t *testing.T) {
	r := newRig(t)
	c := r.join(t, "alice")
	before, _ := c.Frame()

	r.world.Update(c.ControlledID(), func(s *codec.EntityState) { s.X += 2 })
	r.srv.Tick()

	assert.Equal(t, before+2, c.Predicted().X)
	x, _ := c.Frame()
	assert.Greater(t, x, before)
	assert.Less(t, x, before+2)
}

func TestClientInputsMustBeSequenced(t *testing.T) {
	r := newRig(t)
	c := r.join(t, "alice")
	assert.Error(t, c.Send(&codec.Input{Seq: 1}))
	assert.NoError(t, c.Send(&codec.VisibleRange{MaxChunk: codec.ChunkKey{CX: 1, CY: 1}}))

	seq, err := c.SendInput(0, 1, true, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)
	seq, _ = c.SendInput(0, 1, true, false)
	assert.Equal(t, uint32(2), seq)
}

func TestClientChatPingAndKick(t *testing.T) {
	r := newRig(t)
	a := r.join(t, "alice")
	b := r.join(t, "bob")

	lines := make(chan string, 1)
	b.OnChat(func(from, text string) { lines <- from + ": " + text })
	require.NoError(t, a.Send(&codec.Chat{Text: "hello"}))
	require.NoError(t, a.Ping())
	r.srv.Tick()

	select {
	case line := <-lines:
		assert.Equal(t, "alice: hello", line)
	case <-time.After(time.Second):
		t.Fatal("chat not relayed")
	}
	assert.GreaterOrEqual(t, a.RTT(), time.Duration(0))
	assert.Less(t, a.RTT(), time.Second)

	r.join(t, "alice")
	assert.Equal(t, net.ErrDuplicateConnection.Error(), a.Kicked())
}
