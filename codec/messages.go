package codec

import "fmt"

// MsgType is the one-byte tag that starts every encoded message.
// Tags stay well below the fragment magic so the two never collide.
type MsgType uint8

const (
	// client -> server
	TypeHello MsgType = iota + 1
	TypeInput
	TypeTerrainEdit
	TypeSpawnEntity
	TypeDeleteEntity
	TypeSetEditorMode
	TypeVisibleRange
	TypeCursorMove
	TypeChat
	TypePing
)

const (
	// server -> client
	TypeGameState MsgType = iota + 0x20
	TypeEntityUpdate
	TypeHeartbeat
	TypeAssignEntity
	TypeKicked
	TypeWorldLoaded
	TypeChunkSync
	TypeChatBroadcast
)

var typeNames = map[MsgType]string{
	TypeHello:         "hello",
	TypeInput:         "input",
	TypeTerrainEdit:   "terrain_edit",
	TypeSpawnEntity:   "spawn_entity",
	TypeDeleteEntity:  "delete_entity",
	TypeSetEditorMode: "set_editor_mode",
	TypeVisibleRange:  "visible_range",
	TypeCursorMove:    "cursor_move",
	TypeChat:          "chat",
	TypePing:          "ping",
	TypeGameState:     "game_state",
	TypeEntityUpdate:  "entity_update",
	TypeHeartbeat:     "heartbeat",
	TypeAssignEntity:  "assign_entity",
	TypeKicked:        "kicked",
	TypeWorldLoaded:   "world_loaded",
	TypeChunkSync:     "chunk_sync",
	TypeChatBroadcast: "chat_broadcast",
}

func (t MsgType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Known reports whether t is part of the closed message set.
func (t MsgType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// ClientToServer reports whether t travels from a client to the server.
func (t MsgType) ClientToServer() bool {
	return t >= TypeHello && t <= TypePing
}

// AllTypes lists every message type in tag order.
func AllTypes() []MsgType {
	out := make([]MsgType, 0, len(typeNames))
	for t := TypeHello; t <= TypePing; t++ {
		out = append(out, t)
	}
	for t := TypeGameState; t <= TypeChatBroadcast; t++ {
		out = append(out, t)
	}
	return out
}

// Message is implemented by every wire message. Messages are plain values; a decoded
// message never shares memory with the buffer it came from.
type Message interface {
	Type() MsgType
}

// ChunkKey addresses one terrain chunk.
type ChunkKey struct {
	CX int32
	CY int32
}

// EntityState is the dynamic part of an entity that is synchronized every tick.
type EntityState struct {
	X      float32
	Y      float32
	VX     float32
	VY     float32
	Sprite string
	AI     string
}

// EntityBaseline is the full state sent the first time a client learns of an entity.
type EntityBaseline struct {
	ID    uint32
	Kind  string
	State EntityState
}

// DeltaField selects which sub-fields an EntityDelta carries.
type DeltaField uint8

const (
	DeltaPosition DeltaField = 1 << iota
	DeltaVelocity
	DeltaSprite
	DeltaAI

	DeltaAll = DeltaPosition | DeltaVelocity | DeltaSprite | DeltaAI
)

// EntityDelta carries only the sub-fields named in Fields. A field not in the mask is
// unchanged, never cleared.
type EntityDelta struct {
	ID     uint32
	Fields DeltaField
	X      float32
	Y      float32
	VX     float32
	VY     float32
	Sprite string
	AI     string
}

// Has reports whether f is present in the delta.
func (d *EntityDelta) Has(f DeltaField) bool {
	return d.Fields&f != 0
}

// ApplyTo overwrites the present fields of s.
func (d *EntityDelta) ApplyTo(s *EntityState) {
	if d.Has(DeltaPosition) {
		s.X, s.Y = d.X, d.Y
	}
	if d.Has(DeltaVelocity) {
		s.VX, s.VY = d.VX, d.VY
	}
	if d.Has(DeltaSprite) {
		s.Sprite = d.Sprite
	}
	if d.Has(DeltaAI) {
		s.AI = d.AI
	}
}

// ChunkUpdate replaces the tiles of one chunk. Revision grows with every edit. Nil Tiles
// encode as an empty list and decode as an empty, non-nil slice.
type ChunkUpdate struct {
	Key      ChunkKey
	Revision uint32
	Tiles    []byte
}

// --- client -> server ---

// Hello is the first frame of a duplex socket connection and carries the stable client id.
type Hello struct {
	ClientID string
	Version  string
}

// Input is one sampled player input. Seq increases monotonically per client.
type Input struct {
	Seq    uint32
	DirX   float32
	DirY   float32
	Sprint bool
	Jump   bool
}

// EditKind selects what a TerrainEdit modifies.
type EditKind uint8

const (
	EditTerrain EditKind = iota
	EditRoad
	EditElevation
)

type TerrainEdit struct {
	Kind  EditKind
	X     int32
	Y     int32
	Value int32
}

type SpawnEntity struct {
	Kind string
	X    float32
	Y    float32
}

type DeleteEntity struct {
	ID uint32
}

type SetEditorMode struct {
	Enabled bool
}

// VisibleRange reports the chunk rectangle the client renders, inclusive on both corners.
type VisibleRange struct {
	MinChunk ChunkKey
	MaxChunk ChunkKey
	CameraX  float32
	CameraY  float32
}

type CursorMove struct {
	X float32
	Y float32
}

type Chat struct {
	Text string
}

type Ping struct {
	ClientTimeMs int64
}

// --- server -> client ---

// GameState is the per-tick patch. Tick, AckSeq and ControlledID are always present;
// every other field is optional and nil when absent.
type GameState struct {
	Tick         uint64
	AckSeq       uint32
	ControlledID uint32

	Baselines    []EntityBaseline
	Deltas       []EntityDelta
	Exits        []uint32
	Gems         *uint32
	EditorMode   *bool
	Chunks       []ChunkUpdate
	LoadedChunks []ChunkKey
}

// IsIdle reports whether only the always-present fields are set.
func (m *GameState) IsIdle() bool {
	return m.Baselines == nil && m.Deltas == nil && m.Exits == nil && m.Gems == nil &&
		m.EditorMode == nil && m.Chunks == nil && m.LoadedChunks == nil
}

// EntityUpdate is a deltas-only patch for the best-effort entities channel. Nil Deltas
// decode as an empty, non-nil slice.
type EntityUpdate struct {
	Tick         uint64
	AckSeq       uint32
	ControlledID uint32
	Deltas       []EntityDelta
}

type Heartbeat struct {
	Tick             uint64
	ServerTimeMs     int64
	EchoClientTimeMs int64
}

type AssignEntity struct {
	ClientID string
	EntityID uint32
}

type Kicked struct {
	Reason string
}

type WorldLoaded struct {
	CameraX float32
	CameraY float32
	Seed    int64
}

// ChunkSync carries terrain outside a patch. Nil Chunks decode as an empty, non-nil slice.
type ChunkSync struct {
	Chunks []ChunkUpdate
}

type ChatBroadcast struct {
	From string
	Text string
}

func (*Hello) Type() MsgType         { return TypeHello }
func (*Input) Type() MsgType         { return TypeInput }
func (*TerrainEdit) Type() MsgType   { return TypeTerrainEdit }
func (*SpawnEntity) Type() MsgType   { return TypeSpawnEntity }
func (*DeleteEntity) Type() MsgType  { return TypeDeleteEntity }
func (*SetEditorMode) Type() MsgType { return TypeSetEditorMode }
func (*VisibleRange) Type() MsgType  { return TypeVisibleRange }
func (*CursorMove) Type() MsgType    { return TypeCursorMove }
func (*Chat) Type() MsgType          { return TypeChat }
func (*Ping) Type() MsgType          { return TypePing }
func (*GameState) Type() MsgType     { return TypeGameState }
func (*EntityUpdate) Type() MsgType  { return TypeEntityUpdate }
func (*Heartbeat) Type() MsgType     { return TypeHeartbeat }
func (*AssignEntity) Type() MsgType  { return TypeAssignEntity }
func (*Kicked) Type() MsgType        { return TypeKicked }
func (*WorldLoaded) Type() MsgType   { return TypeWorldLoaded }
func (*ChunkSync) Type() MsgType     { return TypeChunkSync }
func (*ChatBroadcast) Type() MsgType { return TypeChatBroadcast }
