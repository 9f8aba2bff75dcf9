// Package peer implements the peer data channel backend: WebRTC data channels negotiated
// over a WebSocket signaling side channel, the dedicated and host server variants, the
// guest dialer and the rendezvous relay that connects guests to a host.
package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// SignalType is the kind of a signaling message.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalError     SignalType = "error"
)

// Signal is one JSON signaling message. From and To are client ids; the relay stamps From
// on everything a guest sends and routes host messages by To.
type Signal struct {
	Type      SignalType               `json:"type"`
	From      string                   `json:"from,omitempty"`
	To        string                   `json:"to,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Message   string                   `json:"message,omitempty"`
}

// ErrSignal wraps an error signal received from the other side.
var ErrSignal = errors.New("signaling error")

// Validate checks that the fields required by the type are present.
func (s *Signal) Validate() error {
	switch s.Type {
	case SignalOffer, SignalAnswer:
		if s.SDP == "" {
			return fmt.Errorf("%s without sdp", s.Type)
		}
	case SignalCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("candidate signal without candidate")
		}
	case SignalError:
	default:
		return fmt.Errorf("unknown signal type %q", s.Type)
	}
	return nil
}

// Description returns the session description carried by an offer or answer.
func (s *Signal) Description() webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if s.Type == SignalAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}
}

func errorSignal(to, msg string) Signal {
	return Signal{Type: SignalError, To: to, Message: msg}
}

const signalWriteTimeout = 5 * time.Second

// sigConn serializes writes on a signaling websocket.
type sigConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newSigConn(ws *websocket.Conn) *sigConn {
	return &sigConn{ws: ws}
}

func (c *sigConn) write(s Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(signalWriteTimeout))
	return c.ws.WriteJSON(s)
}

func (c *sigConn) read() (Signal, error) {
	var s Signal
	if err := c.ws.ReadJSON(&s); err != nil {
		return s, err
	}
	return s, nil
}

func (c *sigConn) close() error {
	return c.ws.Close()
}
