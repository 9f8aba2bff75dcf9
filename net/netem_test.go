package net

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/tilesync/codec"
)

func netemPair(t *testing.T, cfg NetEmuCfg) (*LoopbackServer, *recordingServer, *NetEmu, *recordingClient) {
	t.Helper()
	hub := NewLoopback()
	srv := &recordingServer{}
	require.NoError(t, hub.Server().Start(srv))
	emu := NewNetEmu(hub.Dial("emu"), cfg, WithRandom(rand.New(rand.NewPCG(7, 7))))
	rc := newRecordingClient()
	require.NoError(t, emu.Start(rc))
	t.Cleanup(func() { _ = emu.Close() })
	return hub.Server(), srv, emu, rc
}

func TestNetEmuDisabledPassesThrough(t *testing.T) {
	server, srv, emu, rc := netemPair(t, NetEmuCfg{})
	require.NoError(t, emu.Send(&codec.Ping{}))
	require.NoError(t, server.Send("emu", &codec.Heartbeat{}))
	assert.Equal(t, 1, srv.count("message"))
	assert.Equal(t, 1, rc.count())
	assert.Equal(t, 0, emu.Pending())
}

func TestNetEmuFullLossDeliversNothing(t *testing.T) {
	server, srv, emu, rc := netemPair(t, NetEmuCfg{Enabled: true, TxLossPct: 100, RxLossPct: 100})
	for i := 0; i < 50; i++ {
		require.NoError(t, emu.Send(&codec.Input{Seq: uint32(i)}))
		require.NoError(t, server.Send("emu", &codec.EntityUpdate{Tick: uint64(i)}))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, srv.count("message"))
	assert.Equal(t, 0, rc.count())
}

func TestNetEmuLatencyIsLowerBound(t *testing.T) {
	const latency = 40 * time.Millisecond
	server, srv, emu, rc := netemPair(t, NetEmuCfg{Enabled: true, RxLatencyMs: 40, TxLatencyMs: 40})

	sent := time.Now()
	require.NoError(t, server.Send("emu", &codec.Heartbeat{Tick: 1}))
	require.NoError(t, emu.Send(&codec.Ping{ClientTimeMs: 1}))
	assert.Equal(t, 0, rc.count())
	assert.Equal(t, 0, srv.count("message"))

	require.Eventually(t, func() bool { return rc.count() == 1 }, waitFor, tick)
	assert.GreaterOrEqual(t, rc.snapshot()[0].at.Sub(sent), latency)
	require.Eventually(t, func() bool { return srv.count("message") == 1 }, waitFor, tick)
	assert.GreaterOrEqual(t, time.Since(sent), latency)
}

func TestNetEmuJitterStaysInRange(t *testing.T) {
	emu := NewNetEmu(NewLoopback().Dial("x"), NetEmuCfg{}, WithRandom(rand.New(rand.NewPCG(1, 1))))
	for i := 0; i < 200; i++ {
		drop, d := emu.roll(0, 50, 20)
		assert.False(t, drop)
		assert.GreaterOrEqual(t, d, 30*time.Millisecond)
		assert.LessOrEqual(t, d, 70*time.Millisecond)
	}
	_, d := emu.roll(0, 5, 50)
	assert.GreaterOrEqual(t, d, time.Duration(0))
}

func TestNetEmuCloseCancelsPending(t *testing.T) {
	server, srv, emu, rc := netemPair(t, NetEmuCfg{Enabled: true, RxLatencyMs: 100, TxLatencyMs: 100})
	require.NoError(t, server.Send("emu", &codec.Heartbeat{}))
	require.NoError(t, emu.Send(&codec.Ping{}))
	assert.Equal(t, 2, emu.Pending())

	require.NoError(t, emu.Close())
	assert.Equal(t, 0, emu.Pending())
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, rc.count())
	assert.Equal(t, 0, srv.count("message"))
	assert.ErrorIs(t, emu.Send(&codec.Ping{}), ErrTransportClosed)
}

func TestNetEmuSetConfig(t *testing.T) {
	_, srv, emu, _ := netemPair(t, NetEmuCfg{Enabled: true, TxLossPct: 100})
	require.NoError(t, emu.Send(&codec.Ping{}))
	emu.SetConfig(NetEmuCfg{})
	require.NoError(t, emu.Send(&codec.Ping{}))
	assert.Equal(t, 1, srv.count("message"))
	assert.False(t, emu.Config().Enabled)
}

func TestNetEmuOnConfigChanged(t *testing.T) {
	_, srv, emu, _ := netemPair(t, NetEmuCfg{})
	require.NoError(t, emu.OnConfigChanged("tcp_transport", &NetEmuCfg{Enabled: true}, nil))
	assert.False(t, emu.Config().Enabled)

	require.NoError(t, emu.OnConfigChanged("netem", &NetEmuCfg{Enabled: true, TxLossPct: 100}, nil))
	require.NoError(t, emu.Send(&codec.Ping{}))
	assert.Equal(t, 0, srv.count("message"))

	assert.Error(t, emu.OnConfigChanged("netem", &TCPTransportCfg{}, nil))
}

func TestNetEmuForwardsClose(t *testing.T) {
	server, _, _, rc := netemPair(t, NetEmuCfg{Enabled: true, RxLatencyMs: 50})
	require.NoError(t, server.Close())
	select {
	case err := <-rc.closed:
		assert.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("close not forwarded")
	}
}

func TestNetEmuCfgValidate(t *testing.T) {
	cfg := NetEmuCfg{TxLatencyMs: 10, RxLossPct: 5}
	assert.NoError(t, cfg.Validate())
	cfg.TxJitterMs = -1
	assert.Error(t, cfg.Validate())
	cfg = NetEmuCfg{RxLossPct: 101}
	assert.Error(t, cfg.Validate())
}
