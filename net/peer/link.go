package peer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	tnet "github.com/lcx/tilesync/net"
)

// Data channel labels.
const (
	LabelSync     = "sync"
	LabelEntities = "entities"
)

var errChannelNotOpen = errors.New("data channel not open")

// link is one peer connection with its two data channels, shared by the server side
// and the guest dialer.
type link struct {
	pc          *webrtc.PeerConnection
	maxPayload  int
	maxBuffered uint64
	ids         tnet.MessageIDs
	syncAsm     *tnet.Reassembler
	entAsm      *tnet.Reassembler

	mu         sync.Mutex
	syncDC     *webrtc.DataChannel
	entDC      *webrtc.DataChannel
	remoteSet  bool
	candidates []webrtc.ICECandidateInit

	entOpen atomic.Bool
	closed  atomic.Bool
}

func newLink(pc *webrtc.PeerConnection, cfg *PeerCfg) *link {
	return &link{
		pc:          pc,
		maxPayload:  cfg.MaxPayload,
		maxBuffered: cfg.MaxBufferedAmount,
		syncAsm:     tnet.NewReassembler(tnet.DefaultMaxPending),
		entAsm:      tnet.NewReassembler(tnet.DefaultMaxPending),
	}
}

// createChannels opens both channels as the offering side.
func (l *link) createChannels() error {
	ordered := true
	syncDC, err := l.pc.CreateDataChannel(LabelSync, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("create sync channel: %w", err)
	}
	unordered := false
	var noRetransmits uint16
	entDC, err := l.pc.CreateDataChannel(LabelEntities, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &noRetransmits,
	})
	if err != nil {
		return fmt.Errorf("create entities channel: %w", err)
	}
	l.mu.Lock()
	l.syncDC, l.entDC = syncDC, entDC
	l.mu.Unlock()
	return nil
}

// adopt records a channel opened by the other side and reports its logical channel.
func (l *link) adopt(dc *webrtc.DataChannel) (tnet.Channel, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch dc.Label() {
	case LabelSync:
		l.syncDC = dc
		return tnet.ChannelSync, true
	case LabelEntities:
		l.entDC = dc
		return tnet.ChannelEntities, true
	default:
		return tnet.ChannelSync, false
	}
}

func (l *link) channel(ch tnet.Channel) *webrtc.DataChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch == tnet.ChannelEntities {
		return l.entDC
	}
	return l.syncDC
}

func (l *link) entitiesAvailable() bool {
	return l.entOpen.Load()
}

// send fragments body and writes it on ch.
func (l *link) send(ch tnet.Channel, body []byte) error {
	if l.closed.Load() {
		return tnet.ErrTransportClosed
	}
	dc := l.channel(ch)
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errChannelNotOpen
	}
	if l.maxBuffered > 0 && dc.BufferedAmount() > l.maxBuffered {
		return fmt.Errorf("%s channel congested", ch)
	}
	packets, err := tnet.Fragment(body, l.ids.Next(), l.maxPayload)
	if err != nil {
		return err
	}
	for _, p := range packets {
		if err := dc.Send(p); err != nil {
			return err
		}
	}
	return nil
}

// receive feeds one data channel message into the channel's reassembler.
func (l *link) receive(ch tnet.Channel, data []byte) ([]byte, bool) {
	if ch == tnet.ChannelEntities {
		return l.entAsm.Push(data)
	}
	return l.syncAsm.Push(data)
}

// setRemote applies the remote description and flushes candidates that arrived early.
func (l *link) setRemote(sd webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	l.mu.Lock()
	l.remoteSet = true
	pending := l.candidates
	l.candidates = nil
	l.mu.Unlock()
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

// addCandidate applies a trickled candidate, buffering it until the remote description is set.
func (l *link) addCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.candidates = append(l.candidates, c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(c)
}

// close tears the peer connection down once.
func (l *link) close() bool {
	if !l.closed.CompareAndSwap(false, true) {
		return false
	}
	_ = l.syncAsm.Close()
	_ = l.entAsm.Close()
	_ = l.pc.Close()
	return true
}

func connectionLost(s webrtc.PeerConnectionState) bool {
	switch s {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
		return true
	default:
		return false
	}
}
