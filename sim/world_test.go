package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/tilesync/codec"
)

const tick = 50 * time.Millisecond

func newWorld() *MemoryWorld {
	return NewMemoryWorld(WorldCfg{Seed: 7, ChunkSize: 8, PreloadRadius: 1})
}

func TestStepInput(t *testing.T) {
	var s codec.EntityState
	StepInput(&s, &codec.Input{Seq: 1, DirX: 1}, time.Second)
	assert.InDelta(t, WalkSpeed, s.X, 1e-5)
	assert.Equal(t, SpriteWalk, s.Sprite)

	// diagonal input is normalized
	s = codec.EntityState{}
	StepInput(&s, &codec.Input{DirX: 1, DirY: 1, Sprint: true}, time.Second)
	assert.InDelta(t, WalkSpeed*SprintScale, float64(s.VX)*1.4142135, 1e-3)
	assert.Equal(t, SpriteRun, s.Sprite)

	s = codec.EntityState{}
	StepInput(&s, &codec.Input{Jump: true}, time.Second)
	assert.Equal(t, SpriteJump, s.Sprite)
	StepInput(&s, &codec.Input{}, time.Second)
	assert.Equal(t, SpriteIdle, s.Sprite)
}

func TestChunkOf(t *testing.T) {
	assert.Equal(t, codec.ChunkKey{CX: 0, CY: 0}, ChunkOf(0, 15.9, 16))
	assert.Equal(t, codec.ChunkKey{CX: -1, CY: 1}, ChunkOf(-0.5, 16, 16))
}

func TestWorldCfgValidate(t *testing.T) {
	require.NoError(t, DefaultWorldCfg().Validate())
	assert.Error(t, (&WorldCfg{ChunkSize: 0}).Validate())
	assert.Error(t, (&WorldCfg{ChunkSize: 8, PreloadRadius: -1}).Validate())

	cfg, err := LoadWorldCfg(nil)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.ChunkSize)
}

func TestMemoryWorldPreloadsChunks(t *testing.T) {
	w := newWorld()
	keys := w.LoadedChunks()
	assert.Equal(t, []codec.ChunkKey{{CX: -1, CY: -1}, {CX: 0, CY: -1}, {CX: -1, CY: 0}, {CX: 0, CY: 0}}, keys)

	c, ok := w.Chunk(codec.ChunkKey{})
	require.True(t, ok)
	assert.Len(t, c.Tiles, 8*8*TileBytes)
	assert.Zero(t, c.Revision)

	// generation is a pure function of the seed
	other, _ := newWorld().Chunk(codec.ChunkKey{})
	assert.Equal(t, c.Tiles, other.Tiles)
}

func TestMemoryWorldSpawnAndDelete(t *testing.T) {
	w := newWorld()
	p := w.SpawnPlayer("alice")
	assert.Equal(t, p, w.SpawnPlayer("alice"))
	slime := w.Spawn("slime", 1, 1)

	ents := w.Entities()
	require.Len(t, ents, 2)
	assert.Equal(t, p, ents[0].ID)
	assert.Equal(t, KindPlayer, ents[0].Kind)
	assert.Equal(t, slime, ents[1].ID)

	assert.True(t, w.Delete(p))
	assert.False(t, w.Delete(p))
	assert.NotEqual(t, p, w.SpawnPlayer("alice"))
}

func TestMemoryWorldPlayersStopWithoutInput(t *testing.T) {
	w := newWorld()
	p := w.SpawnPlayer("alice")
	start, _ := w.Entity(p)

	require.True(t, w.ApplyInput(p, &codec.Input{Seq: 1, DirX: 1}, tick))
	w.Step(tick)
	e, _ := w.Entity(p)
	assert.Greater(t, e.State.X, start.State.X)
	assert.NotZero(t, e.State.VX)

	w.Step(tick)
	idle, _ := w.Entity(p)
	assert.Equal(t, e.State.X, idle.State.X)
	assert.Zero(t, idle.State.VX)
	assert.Equal(t, SpriteIdle, idle.State.Sprite)

	assert.False(t, w.ApplyInput(999, &codec.Input{}, tick))
}

func TestMemoryWorldNonPlayersDrift(t *testing.T) {
	w := newWorld()
	id := w.Spawn("slime", 0, 0)
	w.Update(id, func(s *codec.EntityState) { s.VX = 20 })
	w.Step(time.Second)

	e, _ := w.Entity(id)
	assert.InDelta(t, 20, e.State.X, 1e-5)
	assert.Contains(t, w.LoadedChunks(), codec.ChunkKey{CX: 2, CY: 0})
}

func TestMemoryWorldEdit(t *testing.T) {
	w := newWorld()
	key := codec.ChunkKey{CX: -1, CY: 0}
	before, _ := w.Chunk(key)

	require.NoError(t, w.Edit(&codec.TerrainEdit{Kind: codec.EditRoad, X: -1, Y: 2, Value: 200}))
	after, _ := w.Chunk(key)
	assert.Equal(t, before.Revision+1, after.Revision)
	assert.Equal(t, byte(200), after.Tiles[(2*8+7)*TileBytes+1])

	// same value again is not a change
	require.NoError(t, w.Edit(&codec.TerrainEdit{Kind: codec.EditRoad, X: -1, Y: 2, Value: 200}))
	again, _ := w.Chunk(key)
	assert.Equal(t, after.Revision, again.Revision)

	assert.ErrorIs(t, w.Edit(&codec.TerrainEdit{Value: 256}), ErrOutOfRange)
	assert.Error(t, w.Edit(&codec.TerrainEdit{Kind: 9}))

	require.NoError(t, w.Edit(&codec.TerrainEdit{Kind: codec.EditElevation, X: 100, Y: 100, Value: 1}))
	assert.Contains(t, w.LoadedChunks(), codec.ChunkKey{CX: 12, CY: 12})
}

func TestMemoryWorldGems(t *testing.T) {
	w := newWorld()
	w.AddGems(3)
	w.AddGems(2)
	assert.Equal(t, uint32(5), w.Gems())
}
