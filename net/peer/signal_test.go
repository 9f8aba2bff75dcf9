package peer

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalJSON(t *testing.T) {
	b, err := json.Marshal(Signal{Type: SignalOffer, From: "a", SDP: "v=0"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"offer","from":"a","sdp":"v=0"}`, string(b))

	var sig Signal
	require.NoError(t, json.Unmarshal([]byte(`{"type":"candidate","to":"b","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host"}}`), &sig))
	assert.Equal(t, SignalCandidate, sig.Type)
	assert.Equal(t, "b", sig.To)
	require.NotNil(t, sig.Candidate)
	assert.Contains(t, sig.Candidate.Candidate, "typ host")

	require.NoError(t, json.Unmarshal([]byte(`{"type":"error","message":"no host for room"}`), &sig))
	assert.Equal(t, "no host for room", sig.Message)
}

func TestSignalValidate(t *testing.T) {
	assert.NoError(t, (&Signal{Type: SignalOffer, SDP: "v=0"}).Validate())
	assert.Error(t, (&Signal{Type: SignalAnswer}).Validate())
	assert.Error(t, (&Signal{Type: SignalCandidate}).Validate())
	assert.NoError(t, (&Signal{Type: SignalCandidate, Candidate: &webrtc.ICECandidateInit{}}).Validate())
	assert.NoError(t, (&Signal{Type: SignalError}).Validate())
	assert.Error(t, (&Signal{Type: "bye"}).Validate())
}

func TestSignalDescription(t *testing.T) {
	assert.Equal(t, webrtc.SDPTypeOffer, (&Signal{Type: SignalOffer, SDP: "x"}).Description().Type)
	d := (&Signal{Type: SignalAnswer, SDP: "y"}).Description()
	assert.Equal(t, webrtc.SDPTypeAnswer, d.Type)
	assert.Equal(t, "y", d.SDP)
}

func TestPeerCfgValidate(t *testing.T) {
	cfg := DefaultPeerCfg()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 16*1024, cfg.MaxPayload)

	cfg.MaxPayload = 0
	assert.Error(t, cfg.Validate())
	cfg = DefaultPeerCfg()
	cfg.SignalPath = "signal"
	assert.Error(t, cfg.Validate())

	cfg = DefaultPeerCfg()
	cfg.ICEServers = []string{"stun:stun.example.org:3478"}
	conf := cfg.rtcConfiguration()
	require.Len(t, conf.ICEServers, 1)
	assert.Equal(t, cfg.ICEServers, conf.ICEServers[0].URLs)
}
