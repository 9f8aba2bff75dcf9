package codec

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u32p(v uint32) *uint32 { return &v }
func boolp(v bool) *bool    { return &v }

// sampleMessages returns one populated instance of every message type.
func sampleMessages() []Message {
	return []Message{
		&Hello{ClientID: "player-1", Version: "1.0"},
		&Input{Seq: 4_000_000_000, DirX: -1, DirY: 0.5, Sprint: true},
		&TerrainEdit{Kind: EditElevation, X: -12, Y: 900, Value: -3},
		&SpawnEntity{Kind: "slime", X: 10.25, Y: -4},
		&DeleteEntity{ID: 77},
		&SetEditorMode{Enabled: true},
		&VisibleRange{MinChunk: ChunkKey{-2, -1}, MaxChunk: ChunkKey{3, 4}, CameraX: 12.5, CameraY: 8},
		&CursorMove{X: 1.5, Y: 2.5},
		&Chat{Text: "héllo world"},
		&Ping{ClientTimeMs: 1_700_000_000_123},
		&GameState{
			Tick:         99,
			AckSeq:       12,
			ControlledID: 3,
			Baselines: []EntityBaseline{
				{ID: 3, Kind: "player", State: EntityState{X: 1, Y: 2, Sprite: "idle", AI: ""}},
				{ID: 9, Kind: "slime", State: EntityState{X: -5, Y: 6.5, VX: 0.1, VY: -0.2, Sprite: "hop", AI: "wander"}},
			},
			Deltas: []EntityDelta{
				{ID: 4, Fields: DeltaPosition, X: 3, Y: 4},
				{ID: 5, Fields: DeltaSprite | DeltaAI, Sprite: "attack", AI: "chase"},
				{ID: 6, Fields: DeltaVelocity, VX: 0, VY: 0},
			},
			Exits:        []uint32{7, 8},
			Gems:         u32p(0),
			EditorMode:   boolp(false),
			Chunks:       []ChunkUpdate{{Key: ChunkKey{1, -1}, Revision: 2, Tiles: []byte{1, 2, 3}}},
			LoadedChunks: []ChunkKey{{0, 0}, {1, -1}},
		},
		&GameState{Tick: 1, AckSeq: 0, ControlledID: 0},
		&EntityUpdate{Tick: 5, AckSeq: 2, ControlledID: 1, Deltas: []EntityDelta{{ID: 1, Fields: DeltaAll, X: 1, Y: 1, VX: 1, VY: 1, Sprite: "run", AI: "none"}}},
		&Heartbeat{Tick: 1 << 40, ServerTimeMs: 123, EchoClientTimeMs: -1},
		&AssignEntity{ClientID: "player-1", EntityID: 3},
		&Kicked{Reason: "duplicate connection"},
		&WorldLoaded{CameraX: 64, CameraY: 32, Seed: -42},
		&ChunkSync{Chunks: []ChunkUpdate{{Key: ChunkKey{0, 0}, Revision: 1, Tiles: []byte{9}}, {Key: ChunkKey{0, 1}, Revision: 0, Tiles: []byte{}}}},
		&ChatBroadcast{From: "player-1", Text: "gg"},
	}
}

func TestRoundTripAllMessages(t *testing.T) {
	seen := make(map[MsgType]bool)
	for _, m := range sampleMessages() {
		t.Run(m.Type().String(), func(t *testing.T) {
			b, err := Encode(m)
			require.NoError(t, err)
			assert.Equal(t, byte(m.Type()), b[0])

			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
		seen[m.Type()] = true
	}
	for _, typ := range AllTypes() {
		assert.True(t, seen[typ], "no sample for %s", typ)
	}
}

func TestGameStatePresenceSurvivesRoundTrip(t *testing.T) {
	m := &GameState{Tick: 2, Baselines: []EntityBaseline{}, Exits: []uint32{}, Deltas: []EntityDelta{}, Chunks: []ChunkUpdate{}}
	b, err := Encode(m)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)

	gs := got.(*GameState)
	assert.NotNil(t, gs.Baselines)
	assert.NotNil(t, gs.Exits)
	assert.NotNil(t, gs.Deltas)
	assert.NotNil(t, gs.Chunks)
	assert.Nil(t, gs.LoadedChunks)
	assert.Nil(t, gs.Gems)
	assert.Nil(t, gs.EditorMode)
	assert.False(t, gs.IsIdle())
}

func TestEmptyListsDecodeAsEmpty(t *testing.T) {
	for _, m := range []Message{
		&EntityUpdate{Tick: 3, Deltas: []EntityDelta{}},
		&ChunkSync{Chunks: []ChunkUpdate{}},
		&ChunkSync{Chunks: []ChunkUpdate{{Key: ChunkKey{2, 2}, Tiles: []byte{}}}},
	} {
		b, err := Encode(m)
		require.NoError(t, err)
		got, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	// nil has no encoding of its own
	b, err := Encode(&EntityUpdate{Tick: 3})
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.NotNil(t, got.(*EntityUpdate).Deltas)
	assert.Empty(t, got.(*EntityUpdate).Deltas)
}

func TestIdleGameStateIsTiny(t *testing.T) {
	m := &GameState{Tick: 1000, AckSeq: 50, ControlledID: 7}
	assert.True(t, m.IsIdle())
	b, err := Encode(m)
	require.NoError(t, err)
	// tag + three short varints + presence mask
	assert.LessOrEqual(t, len(b), 8)
}

func TestTruncatedBuffersFail(t *testing.T) {
	for _, m := range sampleMessages() {
		b, err := Encode(m)
		require.NoError(t, err)
		for n := 0; n < len(b); n++ {
			_, err := Decode(b[:n])
			assert.Truef(t, errors.Is(err, ErrMalformedMessage), "%s truncated to %d: %v", m.Type(), n, err)
		}
	}
}

func TestEmptyBufferFails(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = Decode([]byte{})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestUnknownTagFails(t *testing.T) {
	for _, tag := range []byte{0x00, 0x0b, 0x1f, 0x28, 0xfe, 0xff} {
		_, err := Decode([]byte{tag, 0, 0, 0})
		assert.ErrorIs(t, err, ErrMalformedMessage, "tag 0x%02x", tag)
	}
}

func TestTrailingBytesFail(t *testing.T) {
	b, err := Encode(&DeleteEntity{ID: 1})
	require.NoError(t, err)
	_, err = Decode(append(b, 0))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestHugeCountRejected(t *testing.T) {
	// ChunkSync claiming 2^20 chunks with a four-byte body
	b := []byte{byte(TypeChunkSync), 0x80, 0x80, 0x40, 0, 0, 0, 0}
	_, err := Decode(b)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestUnknownDeltaFieldsRejected(t *testing.T) {
	b, err := Encode(&EntityUpdate{Tick: 1, Deltas: []EntityDelta{{ID: 1, Fields: DeltaPosition}}})
	require.NoError(t, err)
	// tag, tick, ack, controlled, count, id, mask
	b[6] = 0x80
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestBadBoolRejected(t *testing.T) {
	_, err := Decode([]byte{byte(TypeSetEditorMode), 2})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestUnknownEditKindRejected(t *testing.T) {
	_, err := Decode([]byte{byte(TypeTerrainEdit), 9, 0, 0, 0})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestOversizedStringRejected(t *testing.T) {
	_, err := Encode(&Chat{Text: strings.Repeat("x", MaxStringLen+1)})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Encode(nil)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDeltaApplyTo(t *testing.T) {
	s := EntityState{X: 1, Y: 1, VX: 2, VY: 2, Sprite: "idle", AI: "wander"}
	d := EntityDelta{ID: 1, Fields: DeltaPosition | DeltaAI, X: 5, Y: 6, Sprite: "ignored", AI: "chase"}
	d.ApplyTo(&s)
	assert.Equal(t, EntityState{X: 5, Y: 6, VX: 2, VY: 2, Sprite: "idle", AI: "chase"}, s)
}

func TestMsgTypeHelpers(t *testing.T) {
	assert.True(t, TypeInput.ClientToServer())
	assert.False(t, TypeGameState.ClientToServer())
	assert.True(t, TypeChatBroadcast.Known())
	assert.False(t, MsgType(0).Known())
	assert.Equal(t, "unknown(200)", MsgType(200).String())
	assert.Len(t, AllTypes(), 18)
}

func TestAppendEncode(t *testing.T) {
	prefix := []byte{0xAA}
	b, err := AppendEncode(&Chat{Text: "hi"}, prefix)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), b[0])
	got, err := Decode(b[1:])
	require.NoError(t, err)
	assert.Equal(t, &Chat{Text: "hi"}, got)
}
