package peer

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
)

const (
	roleHost  = "host"
	roleGuest = "guest"
)

// Relay is the rendezvous point between a host and its guests. A host opens
// ?role=host&room=R; guests open ?role=guest&room=R&id=G. Guest signals are stamped with
// From=G and forwarded to the host; host signals are routed to the guest named in To.
// The relay never looks into offers or candidates.
type Relay struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	rooms    map[string]*relayRoom
}

type relayRoom struct {
	host   *sigConn
	guests map[string]*sigConn
}

// NewRelay creates an empty relay.
func NewRelay() *Relay {
	return &Relay{
		rooms: make(map[string]*relayRoom),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Rooms returns the number of hosted rooms.
func (r *Relay) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	room := q.Get("room")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	role := q.Get("role")
	if role != roleHost && role != roleGuest {
		http.Error(w, "role must be host or guest", http.StatusBadRequest)
		return
	}
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Str("remote", req.RemoteAddr).Err(err).Msg("relay upgrade failed")
		return
	}
	sc := newSigConn(ws)
	defer sc.close()

	if role == roleHost {
		r.serveHost(room, sc)
		return
	}
	id := q.Get("id")
	if id == "" {
		id = uuid.NewString()
	}
	r.serveGuest(room, id, sc)
}

func (r *Relay) serveHost(room string, sc *sigConn) {
	r.mu.Lock()
	if _, taken := r.rooms[room]; taken {
		r.mu.Unlock()
		_ = sc.write(errorSignal("", "room already hosted"))
		return
	}
	rm := &relayRoom{host: sc, guests: make(map[string]*sigConn)}
	r.rooms[room] = rm
	count := len(r.rooms)
	r.mu.Unlock()

	metrics.UpdateGaugeWithGroup("relay", "rooms", metrics.Value(count))
	log.Info().Str("room", room).Msg("relay room opened")

	defer r.closeRoom(room, rm)
	for {
		sig, err := sc.read()
		if err != nil {
			return
		}
		r.mu.Lock()
		guest := rm.guests[sig.To]
		r.mu.Unlock()
		if guest == nil {
			metrics.IncrCounterWithDimGroup("relay", "signal_dropped_total", 1, metrics.Dimension{"reason": "no_guest"})
			continue
		}
		sig.From = roleHost
		if err := guest.write(sig); err != nil {
			log.Debug().Str("room", room).Str("guest", sig.To).Err(err).Msg("relay write to guest failed")
		}
	}
}

func (r *Relay) closeRoom(room string, rm *relayRoom) {
	r.mu.Lock()
	if r.rooms[room] == rm {
		delete(r.rooms, room)
	}
	guests := rm.guests
	rm.guests = make(map[string]*sigConn)
	count := len(r.rooms)
	r.mu.Unlock()

	metrics.UpdateGaugeWithGroup("relay", "rooms", metrics.Value(count))
	log.Info().Str("room", room).Int("guests", len(guests)).Msg("relay room closed")
	for id, g := range guests {
		_ = g.write(errorSignal(id, "host left"))
		_ = g.close()
	}
}

func (r *Relay) serveGuest(room, id string, sc *sigConn) {
	r.mu.Lock()
	rm := r.rooms[room]
	if rm == nil {
		r.mu.Unlock()
		_ = sc.write(errorSignal(id, "no host for room"))
		return
	}
	prev := rm.guests[id]
	rm.guests[id] = sc
	r.mu.Unlock()
	if prev != nil {
		_ = prev.close()
	}

	defer func() {
		r.mu.Lock()
		if rm.guests[id] == sc {
			delete(rm.guests, id)
		}
		r.mu.Unlock()
	}()

	for {
		sig, err := sc.read()
		if err != nil {
			return
		}
		sig.From = id
		sig.To = roleHost
		metrics.IncrCounterWithGroup("relay", "signal_forwarded_total", 1)
		if err := rm.host.write(sig); err != nil {
			return
		}
	}
}
