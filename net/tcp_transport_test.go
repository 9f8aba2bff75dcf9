package net

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/tilesync/codec"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func startTCP(t *testing.T) (*TCPTransport, *recordingServer) {
	t.Helper()
	cfg := DefaultTCPTransportCfg()
	cfg.Addr = "127.0.0.1:0"
	tr := NewTCPTransportWithConfig(cfg)
	srv := &recordingServer{}
	require.NoError(t, tr.Start(srv))
	t.Cleanup(func() { _ = tr.Close() })
	return tr, srv
}

func dialTCP(t *testing.T, tr *TCPTransport, id string) (*TCPClient, *recordingClient) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := DialTCP(ctx, tr.Addr().String(), id, nil)
	require.NoError(t, err)
	rc := newRecordingClient()
	require.NoError(t, c.Start(rc))
	t.Cleanup(func() { _ = c.Close() })
	return c, rc
}

func writeRawFrame(t *testing.T, conn net.Conn, body []byte) {
	t.Helper()
	_, err := conn.Write(appendFrame(nil, body))
	require.NoError(t, err)
}

func TestTCPTransportRoundTrip(t *testing.T) {
	tr, srv := startTCP(t)
	c, rc := dialTCP(t, tr, "alice")

	require.Eventually(t, func() bool { return srv.count("connect") == 1 }, waitFor, tick)
	require.NoError(t, c.Send(&codec.Input{Seq: 9, DirY: -1, Sprint: true}))
	require.Eventually(t, func() bool { return srv.count("message") == 1 }, waitFor, tick)

	evs := srv.snapshot()
	assert.Equal(t, "connect:alice", evs[0].String())
	in, ok := evs[1].msg.(*codec.Input)
	require.True(t, ok)
	assert.Equal(t, uint32(9), in.Seq)
	assert.True(t, in.Sprint)

	require.NoError(t, tr.Send("alice", &codec.AssignEntity{ClientID: "alice", EntityID: 3}))
	// entity updates fall back to the single socket stream
	require.NoError(t, tr.Broadcast(&codec.EntityUpdate{Tick: 1}))
	require.Eventually(t, func() bool { return rc.count() == 2 }, waitFor, tick)
	cev := rc.snapshot()
	assert.Equal(t, codec.TypeAssignEntity, cev[0].msg.Type())
	assert.Equal(t, codec.TypeEntityUpdate, cev[1].msg.Type())
	assert.Equal(t, ChannelSync, cev[1].ch)

	assert.ElementsMatch(t, []string{"alice"}, tr.ConnectedClients())
	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return srv.count("disconnect") == 1 }, waitFor, tick)
}

func TestTCPTransportDuplicateClientKicked(t *testing.T) {
	tr, srv := startTCP(t)
	_, first := dialTCP(t, tr, "bob")
	require.Eventually(t, func() bool { return srv.count("connect") == 1 }, waitFor, tick)

	_, second := dialTCP(t, tr, "bob")
	require.Eventually(t, func() bool { return srv.count("connect") == 2 }, waitFor, tick)

	assert.Equal(t, []string{"connect:bob", "disconnect:bob", "connect:bob"}, srv.names())

	require.Eventually(t, func() bool { return first.count() == 1 }, waitFor, tick)
	_, ok := first.snapshot()[0].msg.(*codec.Kicked)
	assert.True(t, ok)
	select {
	case <-first.closed:
	case <-time.After(waitFor):
		t.Fatal("evicted client was not closed")
	}

	// the old reader exiting must not unregister the new connection
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.count("disconnect"))
	require.NoError(t, tr.Send("bob", &codec.Heartbeat{Tick: 2}))
	require.Eventually(t, func() bool { return second.count() == 1 }, waitFor, tick)
}

func TestTCPTransportDropsMalformedMessage(t *testing.T) {
	tr, srv := startTCP(t)
	conn, err := net.Dial("tcp", tr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	hello, err := codec.Encode(&codec.Hello{ClientID: "carol", Version: ProtocolVersion})
	require.NoError(t, err)
	writeRawFrame(t, conn, hello)
	writeRawFrame(t, conn, []byte{0xEE, 1, 2})
	ping, err := codec.Encode(&codec.Ping{ClientTimeMs: 5})
	require.NoError(t, err)
	writeRawFrame(t, conn, ping)

	require.Eventually(t, func() bool { return srv.count("message") == 1 }, waitFor, tick)
	assert.Equal(t, 0, srv.count("disconnect"))
	assert.Equal(t, uint64(1), tr.Stats().Dropped)
}

func TestTCPTransportRequiresHello(t *testing.T) {
	tr, srv := startTCP(t)
	conn, err := net.Dial("tcp", tr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	input, err := codec.Encode(&codec.Input{Seq: 1})
	require.NoError(t, err)
	writeRawFrame(t, conn, input)

	_ = conn.SetReadDeadline(time.Now().Add(waitFor))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, srv.snapshot())
}

func TestTCPTransportCloseStopsCallbacks(t *testing.T) {
	tr, srv := startTCP(t)
	c, rc := dialTCP(t, tr, "dave")
	require.Eventually(t, func() bool { return srv.count("connect") == 1 }, waitFor, tick)

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Broadcast(&codec.Heartbeat{}), ErrTransportClosed)
	_ = c.Send(&codec.Ping{})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"connect:dave"}, srv.names())
	assert.Equal(t, 0, rc.count())
	require.NoError(t, tr.Close())
}

func TestTCPTransportCfgValidate(t *testing.T) {
	cfg := DefaultTCPTransportCfg()
	assert.NoError(t, cfg.Validate())
	cfg.Addr = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultTCPTransportCfg()
	cfg.SendChannelSize = 0
	assert.Error(t, cfg.Validate())
}

func TestTCPTransportOnConfigChangedKeepsAddr(t *testing.T) {
	tr := NewTCPTransportWithConfig(DefaultTCPTransportCfg())
	next := DefaultTCPTransportCfg()
	next.Addr = ":9999"
	next.IdleTimeout = 5
	require.NoError(t, tr.OnConfigChanged("tcp_transport", next, nil))
	assert.Equal(t, ":7400", tr.config().Addr)
	assert.Equal(t, uint32(5), tr.config().IdleTimeout)
	assert.NoError(t, tr.OnConfigChanged("other", nil, nil))
}
