package session

import (
	"cmp"
	"slices"

	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
)

// DefaultMaxInputs bounds the per-session input queue.
const DefaultMaxInputs = 64

// Registry maps client ids to their sessions.
type Registry struct {
	maxInputs int
	sessions  map[string]*Session
}

func NewRegistry(maxInputs int) *Registry {
	if maxInputs <= 0 {
		maxInputs = DefaultMaxInputs
	}
	return &Registry{maxInputs: maxInputs, sessions: make(map[string]*Session)}
}

// Create starts a fresh session for clientID, replacing any previous one together with
// its shadow.
func (r *Registry) Create(clientID string) *Session {
	if old, ok := r.sessions[clientID]; ok {
		log.Warn().Str("client", clientID).Str("session", old.ID.String()).Msg("replacing live session")
	}
	s := newSession(clientID, r.maxInputs)
	r.sessions[clientID] = s
	metrics.UpdateGaugeWithGroup("session", "sessions", metrics.Value(len(r.sessions)))
	return s
}

func (r *Registry) Get(clientID string) (*Session, bool) {
	s, ok := r.sessions[clientID]
	return s, ok
}

// Remove destroys the session of clientID and returns it.
func (r *Registry) Remove(clientID string) (*Session, bool) {
	s, ok := r.sessions[clientID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, clientID)
	metrics.UpdateGaugeWithGroup("session", "sessions", metrics.Value(len(r.sessions)))
	return s, true
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

// All returns the sessions ordered by client id.
func (r *Registry) All() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int { return cmp.Compare(a.ClientID, b.ClientID) })
	return out
}
