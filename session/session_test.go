package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/tilesync/codec"
)

func TestShadowScalarsStartUnsent(t *testing.T) {
	sh := NewShadow()

	// zero is a real value and must still be sent on the first tick
	assert.True(t, sh.GemsChanged(0))
	assert.False(t, sh.GemsChanged(0))
	assert.True(t, sh.GemsChanged(4))

	assert.True(t, sh.EditorModeChanged(false))
	assert.False(t, sh.EditorModeChanged(false))
	assert.True(t, sh.EditorModeChanged(true))
}

func TestQueueInputDropsStaleAndOldest(t *testing.T) {
	s := newSession("alice", 3)

	assert.True(t, s.QueueInput(codec.Input{Seq: 1}))
	assert.False(t, s.QueueInput(codec.Input{Seq: 1}))
	assert.True(t, s.QueueInput(codec.Input{Seq: 2}))
	assert.True(t, s.QueueInput(codec.Input{Seq: 3}))
	assert.True(t, s.QueueInput(codec.Input{Seq: 4}))
	assert.Equal(t, 3, s.PendingInputs())

	got := s.DrainInputs(2)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(2), got[0].Seq)
	assert.Equal(t, uint32(3), got[1].Seq)

	s.Ack(3)
	rest := s.DrainInputs(0)
	require.Len(t, rest, 1)
	assert.Equal(t, uint32(4), rest[0].Seq)
	assert.Empty(t, s.DrainInputs(0))
}

func TestAckNeverMovesBackwards(t *testing.T) {
	s := newSession("alice", 8)
	s.Ack(5)
	s.Ack(2)
	assert.Equal(t, uint32(5), s.LastProcessedInputSeq)
	assert.False(t, s.QueueInput(codec.Input{Seq: 5}))
}

func TestSetVisibleNormalizesCorners(t *testing.T) {
	s := newSession("alice", 8)
	s.SetVisible(&codec.VisibleRange{
		MinChunk: codec.ChunkKey{CX: 2, CY: -1},
		MaxChunk: codec.ChunkKey{CX: -2, CY: 1},
		CameraX:  3,
		CameraY:  4,
	})
	require.NotNil(t, s.Visible)
	assert.Equal(t, codec.ChunkKey{CX: -2, CY: -1}, s.Visible.Min)
	assert.True(t, s.Visible.Contains(codec.ChunkKey{CX: 0, CY: 0}))
	assert.False(t, s.Visible.Contains(codec.ChunkKey{CX: 3, CY: 0}))
	assert.Equal(t, Vec2{X: 3, Y: 4}, s.Camera)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(0)
	b := r.Create("bob")
	a := r.Create("alice")
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []*Session{a, b}, r.All())

	b.Shadow.Entities[1] = codec.EntityState{X: 1}
	b2 := r.Create("bob")
	assert.NotEqual(t, b.ID, b2.ID)
	assert.Empty(t, b2.Shadow.Entities)

	got, ok := r.Get("bob")
	require.True(t, ok)
	assert.Same(t, b2, got)

	removed, ok := r.Remove("bob")
	require.True(t, ok)
	assert.Same(t, b2, removed)
	_, ok = r.Remove("bob")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}
