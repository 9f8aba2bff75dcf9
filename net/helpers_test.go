package net

import (
	"fmt"
	"sync"
	"time"

	"github.com/lcx/tilesync/codec"
)

// serverEvent is one callback observed by recordingServer.
type serverEvent struct {
	kind     string // connect, disconnect, message
	clientID string
	msg      codec.Message
	ch       Channel
}

func (e serverEvent) String() string {
	if e.kind == "message" {
		return fmt.Sprintf("%s:%s:%s", e.kind, e.clientID, e.msg.Type())
	}
	return e.kind + ":" + e.clientID
}

type recordingServer struct {
	mu     sync.Mutex
	events []serverEvent
}

func (r *recordingServer) add(e serverEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingServer) OnConnect(clientID string) {
	r.add(serverEvent{kind: "connect", clientID: clientID})
}

func (r *recordingServer) OnDisconnect(clientID string) {
	r.add(serverEvent{kind: "disconnect", clientID: clientID})
}

func (r *recordingServer) OnMessage(clientID string, msg codec.Message, ch Channel) {
	r.add(serverEvent{kind: "message", clientID: clientID, msg: msg, ch: ch})
}

func (r *recordingServer) snapshot() []serverEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]serverEvent(nil), r.events...)
}

func (r *recordingServer) names() []string {
	evs := r.snapshot()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.String()
	}
	return out
}

func (r *recordingServer) count(kind string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.kind == kind {
			n++
		}
	}
	return n
}

type clientEvent struct {
	msg codec.Message
	ch  Channel
	at  time.Time
}

type recordingClient struct {
	mu     sync.Mutex
	events []clientEvent
	closed chan error
}

func newRecordingClient() *recordingClient {
	return &recordingClient{closed: make(chan error, 1)}
}

func (r *recordingClient) OnMessage(msg codec.Message, ch Channel) {
	r.mu.Lock()
	r.events = append(r.events, clientEvent{msg: msg, ch: ch, at: time.Now()})
	r.mu.Unlock()
}

func (r *recordingClient) OnClose(err error) {
	select {
	case r.closed <- err:
	default:
	}
}

func (r *recordingClient) snapshot() []clientEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]clientEvent(nil), r.events...)
}

func (r *recordingClient) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
