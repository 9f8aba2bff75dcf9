// Package session tracks one Session per connected client. Sessions are owned by the
// server tick loop and are not safe for concurrent use.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/metrics"
)

const (
	gemsUnsent       int64 = -1
	editorModeUnsent int8  = -1
)

// ChunkRange is an inclusive rectangle of chunk keys.
type ChunkRange struct {
	Min codec.ChunkKey
	Max codec.ChunkKey
}

// Contains reports whether k lies inside r.
func (r ChunkRange) Contains(k codec.ChunkKey) bool {
	return k.CX >= r.Min.CX && k.CX <= r.Max.CX && k.CY >= r.Min.CY && k.CY <= r.Max.CY
}

// Vec2 is a position in tiles.
type Vec2 struct {
	X float32
	Y float32
}

// Shadow records exactly what has been transmitted to one client.
type Shadow struct {
	// Entities holds the last dynamic state sent per entity id.
	Entities  map[uint32]codec.EntityState
	// Unsettled holds, per entity, the fields sent over the best-effort channel since the
	// last reliable delta. Those fields are owed until a reliable patch carries them.
	Unsettled map[uint32]codec.DeltaField

	ChunkRevisions map[codec.ChunkKey]uint32
	LoadedChunks   []codec.ChunkKey
	LoadedSent     bool

	gems       int64
	editorMode int8
}

// NewShadow returns a shadow whose scalars hold sentinels no real value can equal.
func NewShadow() *Shadow {
	return &Shadow{
		Entities:       make(map[uint32]codec.EntityState),
		Unsettled:      make(map[uint32]codec.DeltaField),
		ChunkRevisions: make(map[codec.ChunkKey]uint32),
		gems:           gemsUnsent,
		editorMode:     editorModeUnsent,
	}
}

// GemsChanged reports whether v differs from the last sent gem count and records it.
func (s *Shadow) GemsChanged(v uint32) bool {
	if s.gems == int64(v) {
		return false
	}
	s.gems = int64(v)
	return true
}

// EditorModeChanged is GemsChanged for the editor-mode flag.
func (s *Shadow) EditorModeChanged(on bool) bool {
	var v int8
	if on {
		v = 1
	}
	if s.editorMode == v {
		return false
	}
	s.editorMode = v
	return true
}

// Session is the server-side state of one connected client.
type Session struct {
	ClientID  string
	// ID distinguishes two sessions of the same client id in logs.
	ID        uuid.UUID
	EntityID  uint32
	CreatedAt time.Time

	LastProcessedInputSeq uint32

	Camera     Vec2
	Cursor     Vec2
	Visible    *ChunkRange
	EditorMode bool
	// PingEcho is the client time of the last Ping, echoed by the next heartbeat.
	PingEcho   int64

	Shadow *Shadow

	inputs        []codec.Input
	maxInputs     int
	lastQueuedSeq uint32
}

func newSession(clientID string, maxInputs int) *Session {
	return &Session{
		ClientID:  clientID,
		ID:        uuid.New(),
		CreatedAt: time.Now(),
		Shadow:    NewShadow(),
		maxInputs: maxInputs,
	}
}

// QueueInput appends in to the pending inputs. Inputs at or below the last queued or
// processed sequence are duplicates and are ignored; a full queue drops its oldest input.
func (s *Session) QueueInput(in codec.Input) bool {
	if in.Seq <= s.lastQueuedSeq || in.Seq <= s.LastProcessedInputSeq {
		metrics.IncrCounterWithDimGroup("session", "input_dropped_total", 1, map[string]string{"reason": "stale"})
		return false
	}
	if len(s.inputs) >= s.maxInputs {
		s.inputs = s.inputs[1:]
		metrics.IncrCounterWithDimGroup("session", "input_dropped_total", 1, map[string]string{"reason": "queue_full"})
	}
	s.inputs = append(s.inputs, in)
	s.lastQueuedSeq = in.Seq
	return true
}

// PendingInputs is the number of queued inputs.
func (s *Session) PendingInputs() int {
	return len(s.inputs)
}

// DrainInputs removes and returns up to limit queued inputs in sequence order; limit <= 0
// drains everything.
func (s *Session) DrainInputs(limit int) []codec.Input {
	n := len(s.inputs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]codec.Input, n)
	copy(out, s.inputs[:n])
	s.inputs = s.inputs[n:]
	if len(s.inputs) == 0 {
		s.inputs = nil
	}
	return out
}

// Ack records seq as the last input applied by the simulation.
func (s *Session) Ack(seq uint32) {
	if seq > s.LastProcessedInputSeq {
		s.LastProcessedInputSeq = seq
	}
}

// SetVisible updates the interest area and camera from a VisibleRange report.
func (s *Session) SetVisible(m *codec.VisibleRange) {
	lo, hi := m.MinChunk, m.MaxChunk
	if lo.CX > hi.CX {
		lo.CX, hi.CX = hi.CX, lo.CX
	}
	if lo.CY > hi.CY {
		lo.CY, hi.CY = hi.CY, lo.CY
	}
	s.Visible = &ChunkRange{Min: lo, Max: hi}
	s.Camera = Vec2{X: m.CameraX, Y: m.CameraY}
}
