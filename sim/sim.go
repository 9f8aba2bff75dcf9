// Package sim holds the collaborator contracts the sync layer consumes from a simulation,
// plus MemoryWorld, a small tile world that satisfies them.
package sim

import (
	"math"
	"time"

	"github.com/lcx/tilesync/codec"
)

const (
	KindPlayer = "player"

	SpriteIdle = "idle"
	SpriteWalk = "walk"
	SpriteRun  = "run"
	SpriteJump = "jump"

	// WalkSpeed is in tiles per second.
	WalkSpeed   = 4.0
	SprintScale = 1.75
)

// Entity is one simulated object as the sync layer sees it.
type Entity struct {
	ID    uint32
	Kind  string
	State codec.EntityState
}

// StateSource is the read side of a simulation, queried once per session per tick.
type StateSource interface {
	// Entities returns every live entity ordered by id.
	Entities() []Entity
	Gems() uint32
	// LoadedChunks returns the keys of the resident chunks, ordered.
	LoadedChunks() []codec.ChunkKey
	Chunk(key codec.ChunkKey) (codec.ChunkUpdate, bool)
	ChunkSize() int
}

// InputSink applies one queued player input during a tick.
type InputSink interface {
	ApplyInput(entityID uint32, in *codec.Input, dt time.Duration) bool
}

// World is everything the authoritative tick loop drives.
type World interface {
	StateSource
	InputSink

	// Step advances the simulation by dt after the inputs of the tick were applied.
	Step(dt time.Duration)
	SpawnPlayer(clientID string) uint32
	Spawn(kind string, x, y float32) uint32
	Delete(id uint32) bool
	Edit(e *codec.TerrainEdit) error
	Seed() int64
	SpawnPoint() (float32, float32)
}

// StepInput moves s by one input over dt. Server and client prediction both call it, so a
// replayed input lands exactly where the server put it.
func StepInput(s *codec.EntityState, in *codec.Input, dt time.Duration) {
	dx, dy := float64(in.DirX), float64(in.DirY)
	if l := math.Hypot(dx, dy); l > 1 {
		dx, dy = dx/l, dy/l
	}
	speed := WalkSpeed
	if in.Sprint {
		speed *= SprintScale
	}
	s.VX = float32(dx * speed)
	s.VY = float32(dy * speed)
	sec := float32(dt.Seconds())
	s.X += s.VX * sec
	s.Y += s.VY * sec

	switch {
	case in.Jump:
		s.Sprite = SpriteJump
	case s.VX == 0 && s.VY == 0:
		s.Sprite = SpriteIdle
	case in.Sprint:
		s.Sprite = SpriteRun
	default:
		s.Sprite = SpriteWalk
	}
}

// ChunkOf returns the chunk holding world position (x, y).
func ChunkOf(x, y float32, chunkSize int) codec.ChunkKey {
	size := float64(chunkSize)
	return codec.ChunkKey{
		CX: int32(math.Floor(float64(x) / size)),
		CY: int32(math.Floor(float64(y) / size)),
	}
}
