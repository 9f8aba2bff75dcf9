package codec

import (
	"fmt"
)

// presence bits of GameState's optional fields
const (
	gsBaselines uint8 = 1 << iota
	gsDeltas
	gsExits
	gsGems
	gsEditorMode
	gsChunks
	gsLoadedChunks

	gsKnown = gsBaselines | gsDeltas | gsExits | gsGems | gsEditorMode | gsChunks | gsLoadedChunks
)

// minimum encoded sizes of list elements, used to bound decoded counts
const (
	minBaselineLen = 1 + 1 + 16 + 1 + 1
	minDeltaLen    = 2
	minChunkLen    = 4
	minKeyLen      = 2
)

// BinaryCodec is the tilesync wire format.
type BinaryCodec struct{}

// Encode implements Codec.
func (c *BinaryCodec) Encode(m Message, b []byte) ([]byte, error) {
	if m == nil {
		return b, fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	if err := checkStrings(m); err != nil {
		return b, err
	}

	w := writer{b: b}
	w.u8(uint8(m.Type()))

	switch v := m.(type) {
	case *Hello:
		w.str(v.ClientID)
		w.str(v.Version)
	case *Input:
		w.uvar(uint64(v.Seq))
		w.f32(v.DirX)
		w.f32(v.DirY)
		w.boolean(v.Sprint)
		w.boolean(v.Jump)
	case *TerrainEdit:
		w.u8(uint8(v.Kind))
		w.svar(int64(v.X))
		w.svar(int64(v.Y))
		w.svar(int64(v.Value))
	case *SpawnEntity:
		w.str(v.Kind)
		w.f32(v.X)
		w.f32(v.Y)
	case *DeleteEntity:
		w.uvar(uint64(v.ID))
	case *SetEditorMode:
		w.boolean(v.Enabled)
	case *VisibleRange:
		w.chunkKey(v.MinChunk)
		w.chunkKey(v.MaxChunk)
		w.f32(v.CameraX)
		w.f32(v.CameraY)
	case *CursorMove:
		w.f32(v.X)
		w.f32(v.Y)
	case *Chat:
		w.str(v.Text)
	case *Ping:
		w.svar(v.ClientTimeMs)
	case *GameState:
		encodeGameState(&w, v)
	case *EntityUpdate:
		w.uvar(v.Tick)
		w.uvar(uint64(v.AckSeq))
		w.uvar(uint64(v.ControlledID))
		encodeDeltas(&w, v.Deltas)
	case *Heartbeat:
		w.uvar(v.Tick)
		w.svar(v.ServerTimeMs)
		w.svar(v.EchoClientTimeMs)
	case *AssignEntity:
		w.str(v.ClientID)
		w.uvar(uint64(v.EntityID))
	case *Kicked:
		w.str(v.Reason)
	case *WorldLoaded:
		w.f32(v.CameraX)
		w.f32(v.CameraY)
		w.svar(v.Seed)
	case *ChunkSync:
		encodeChunks(&w, v.Chunks)
	case *ChatBroadcast:
		w.str(v.From)
		w.str(v.Text)
	default:
		return b, fmt.Errorf("%w: unsupported message %T", ErrMalformedMessage, m)
	}
	return w.b, nil
}

func encodeGameState(w *writer, v *GameState) {
	w.uvar(v.Tick)
	w.uvar(uint64(v.AckSeq))
	w.uvar(uint64(v.ControlledID))

	var mask uint8
	if v.Baselines != nil {
		mask |= gsBaselines
	}
	if v.Deltas != nil {
		mask |= gsDeltas
	}
	if v.Exits != nil {
		mask |= gsExits
	}
	if v.Gems != nil {
		mask |= gsGems
	}
	if v.EditorMode != nil {
		mask |= gsEditorMode
	}
	if v.Chunks != nil {
		mask |= gsChunks
	}
	if v.LoadedChunks != nil {
		mask |= gsLoadedChunks
	}
	w.u8(mask)

	if mask&gsBaselines != 0 {
		w.uvar(uint64(len(v.Baselines)))
		for i := range v.Baselines {
			bl := &v.Baselines[i]
			w.uvar(uint64(bl.ID))
			w.str(bl.Kind)
			w.f32(bl.State.X)
			w.f32(bl.State.Y)
			w.f32(bl.State.VX)
			w.f32(bl.State.VY)
			w.str(bl.State.Sprite)
			w.str(bl.State.AI)
		}
	}
	if mask&gsDeltas != 0 {
		encodeDeltas(w, v.Deltas)
	}
	if mask&gsExits != 0 {
		w.uvar(uint64(len(v.Exits)))
		for _, id := range v.Exits {
			w.uvar(uint64(id))
		}
	}
	if mask&gsGems != 0 {
		w.uvar(uint64(*v.Gems))
	}
	if mask&gsEditorMode != 0 {
		w.boolean(*v.EditorMode)
	}
	if mask&gsChunks != 0 {
		encodeChunks(w, v.Chunks)
	}
	if mask&gsLoadedChunks != 0 {
		w.uvar(uint64(len(v.LoadedChunks)))
		for _, k := range v.LoadedChunks {
			w.chunkKey(k)
		}
	}
}

func encodeDeltas(w *writer, deltas []EntityDelta) {
	w.uvar(uint64(len(deltas)))
	for i := range deltas {
		d := &deltas[i]
		w.uvar(uint64(d.ID))
		w.u8(uint8(d.Fields & DeltaAll))
		if d.Has(DeltaPosition) {
			w.f32(d.X)
			w.f32(d.Y)
		}
		if d.Has(DeltaVelocity) {
			w.f32(d.VX)
			w.f32(d.VY)
		}
		if d.Has(DeltaSprite) {
			w.str(d.Sprite)
		}
		if d.Has(DeltaAI) {
			w.str(d.AI)
		}
	}
}

func encodeChunks(w *writer, chunks []ChunkUpdate) {
	w.uvar(uint64(len(chunks)))
	for i := range chunks {
		w.chunkKey(chunks[i].Key)
		w.uvar(uint64(chunks[i].Revision))
		w.bytes(chunks[i].Tiles)
	}
}

// Decode implements Codec.
func (c *BinaryCodec) Decode(b []byte) (Message, error) {
	if len(b) < MinMessageLen {
		return nil, fmt.Errorf("%w: empty buffer", ErrMalformedMessage)
	}
	r := reader{b: b[1:]}

	var m Message
	switch t := MsgType(b[0]); t {
	case TypeHello:
		m = &Hello{ClientID: r.str(), Version: r.str()}
	case TypeInput:
		m = &Input{Seq: r.u32(), DirX: r.f32(), DirY: r.f32(), Sprint: r.boolean(), Jump: r.boolean()}
	case TypeTerrainEdit:
		v := &TerrainEdit{Kind: EditKind(r.u8()), X: r.i32(), Y: r.i32(), Value: r.i32()}
		if v.Kind > EditElevation {
			r.fail("unknown edit kind %d", v.Kind)
		}
		m = v
	case TypeSpawnEntity:
		m = &SpawnEntity{Kind: r.str(), X: r.f32(), Y: r.f32()}
	case TypeDeleteEntity:
		m = &DeleteEntity{ID: r.u32()}
	case TypeSetEditorMode:
		m = &SetEditorMode{Enabled: r.boolean()}
	case TypeVisibleRange:
		m = &VisibleRange{MinChunk: r.chunkKey(), MaxChunk: r.chunkKey(), CameraX: r.f32(), CameraY: r.f32()}
	case TypeCursorMove:
		m = &CursorMove{X: r.f32(), Y: r.f32()}
	case TypeChat:
		m = &Chat{Text: r.str()}
	case TypePing:
		m = &Ping{ClientTimeMs: r.svar()}
	case TypeGameState:
		m = decodeGameState(&r)
	case TypeEntityUpdate:
		m = &EntityUpdate{Tick: r.uvar(), AckSeq: r.u32(), ControlledID: r.u32(), Deltas: decodeDeltas(&r)}
	case TypeHeartbeat:
		m = &Heartbeat{Tick: r.uvar(), ServerTimeMs: r.svar(), EchoClientTimeMs: r.svar()}
	case TypeAssignEntity:
		m = &AssignEntity{ClientID: r.str(), EntityID: r.u32()}
	case TypeKicked:
		m = &Kicked{Reason: r.str()}
	case TypeWorldLoaded:
		m = &WorldLoaded{CameraX: r.f32(), CameraY: r.f32(), Seed: r.svar()}
	case TypeChunkSync:
		m = &ChunkSync{Chunks: decodeChunks(&r)}
	case TypeChatBroadcast:
		m = &ChatBroadcast{From: r.str(), Text: r.str()}
	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformedMessage, uint8(t))
	}

	if err := r.done(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeGameState(r *reader) *GameState {
	v := &GameState{Tick: r.uvar(), AckSeq: r.u32(), ControlledID: r.u32()}
	mask := r.u8()
	if mask&^gsKnown != 0 {
		r.fail("unknown game state fields 0x%02x", mask)
		return v
	}

	if mask&gsBaselines != 0 {
		n := r.count(minBaselineLen)
		v.Baselines = make([]EntityBaseline, n)
		for i := 0; i < n && r.err == nil; i++ {
			v.Baselines[i] = EntityBaseline{
				ID:   r.u32(),
				Kind: r.str(),
				State: EntityState{
					X: r.f32(), Y: r.f32(), VX: r.f32(), VY: r.f32(),
					Sprite: r.str(), AI: r.str(),
				},
			}
		}
	}
	if mask&gsDeltas != 0 {
		v.Deltas = decodeDeltas(r)
	}
	if mask&gsExits != 0 {
		n := r.count(1)
		v.Exits = make([]uint32, n)
		for i := 0; i < n && r.err == nil; i++ {
			v.Exits[i] = r.u32()
		}
	}
	if mask&gsGems != 0 {
		gems := r.u32()
		v.Gems = &gems
	}
	if mask&gsEditorMode != 0 {
		on := r.boolean()
		v.EditorMode = &on
	}
	if mask&gsChunks != 0 {
		v.Chunks = decodeChunks(r)
	}
	if mask&gsLoadedChunks != 0 {
		n := r.count(minKeyLen)
		v.LoadedChunks = make([]ChunkKey, n)
		for i := 0; i < n && r.err == nil; i++ {
			v.LoadedChunks[i] = r.chunkKey()
		}
	}
	return v
}

// decodeDeltas returns an empty, non-nil slice for an empty list.
func decodeDeltas(r *reader) []EntityDelta {
	n := r.count(minDeltaLen)
	out := make([]EntityDelta, n)
	for i := 0; i < n && r.err == nil; i++ {
		d := &out[i]
		d.ID = r.u32()
		d.Fields = DeltaField(r.u8())
		if d.Fields&^DeltaAll != 0 {
			r.fail("unknown delta fields 0x%02x", uint8(d.Fields))
			return nil
		}
		if d.Has(DeltaPosition) {
			d.X, d.Y = r.f32(), r.f32()
		}
		if d.Has(DeltaVelocity) {
			d.VX, d.VY = r.f32(), r.f32()
		}
		if d.Has(DeltaSprite) {
			d.Sprite = r.str()
		}
		if d.Has(DeltaAI) {
			d.AI = r.str()
		}
	}
	return out
}

// decodeChunks returns an empty, non-nil slice for an empty list.
func decodeChunks(r *reader) []ChunkUpdate {
	n := r.count(minChunkLen)
	out := make([]ChunkUpdate, n)
	for i := 0; i < n && r.err == nil; i++ {
		out[i] = ChunkUpdate{Key: r.chunkKey(), Revision: r.u32(), Tiles: r.bytes()}
	}
	return out
}

// checkStrings rejects strings the decoder would refuse, so encode never produces a
// buffer that fails to decode.
func checkStrings(m Message) error {
	var strs []string
	switch v := m.(type) {
	case *Hello:
		strs = []string{v.ClientID, v.Version}
	case *SpawnEntity:
		strs = []string{v.Kind}
	case *Chat:
		strs = []string{v.Text}
	case *AssignEntity:
		strs = []string{v.ClientID}
	case *Kicked:
		strs = []string{v.Reason}
	case *ChatBroadcast:
		strs = []string{v.From, v.Text}
	case *GameState:
		for i := range v.Baselines {
			strs = append(strs, v.Baselines[i].Kind, v.Baselines[i].State.Sprite, v.Baselines[i].State.AI)
		}
		for i := range v.Deltas {
			strs = append(strs, v.Deltas[i].Sprite, v.Deltas[i].AI)
		}
	case *EntityUpdate:
		for i := range v.Deltas {
			strs = append(strs, v.Deltas[i].Sprite, v.Deltas[i].AI)
		}
	}
	for _, s := range strs {
		if len(s) > MaxStringLen {
			return fmt.Errorf("%w: string of %d bytes exceeds limit", ErrMalformedMessage, len(s))
		}
	}
	return nil
}
