package client

import (
	"cmp"
	"slices"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/metrics"
)

// MirroredEntity is the client's copy of one server entity.
type MirroredEntity struct {
	ID    uint32
	Kind  string
	State codec.EntityState
	// Tick is the server tick of the last patch applied to the entity.
	Tick  uint64
}

// Mirror rebuilds server state from patches. It is not safe for concurrent use.
type Mirror struct {
	entities     map[uint32]*MirroredEntity
	chunks       map[codec.ChunkKey]codec.ChunkUpdate
	loaded       []codec.ChunkKey
	gems         uint32
	editorMode   bool
	tick         uint64
	ackSeq       uint32
	controlledID uint32
}

func NewMirror() *Mirror {
	return &Mirror{
		entities: make(map[uint32]*MirroredEntity),
		chunks:   make(map[codec.ChunkKey]codec.ChunkUpdate),
	}
}

// ApplyGameState applies a reliable patch: baselines, then deltas, then exits.
func (m *Mirror) ApplyGameState(gs *codec.GameState) {
	m.control(gs.Tick, gs.AckSeq, gs.ControlledID)

	for i := range gs.Baselines {
		b := &gs.Baselines[i]
		m.entities[b.ID] = &MirroredEntity{ID: b.ID, Kind: b.Kind, State: b.State, Tick: gs.Tick}
	}
	m.applyDeltas(gs.Tick, gs.Deltas)
	for _, id := range gs.Exits {
		delete(m.entities, id)
	}

	if gs.Gems != nil {
		m.gems = *gs.Gems
	}
	if gs.EditorMode != nil {
		m.editorMode = *gs.EditorMode
	}
	for _, c := range gs.Chunks {
		m.chunks[c.Key] = c
	}
	if gs.LoadedChunks != nil {
		m.loaded = slices.Clone(gs.LoadedChunks)
		for k := range m.chunks {
			if !slices.Contains(m.loaded, k) {
				delete(m.chunks, k)
			}
		}
	}
}

// ApplyChunks stores chunks sent outside a patch.
func (m *Mirror) ApplyChunks(chunks []codec.ChunkUpdate) {
	for _, c := range chunks {
		m.chunks[c.Key] = c
	}
}

// ApplyEntityUpdate applies a best-effort patch, which may arrive late or out of order.
func (m *Mirror) ApplyEntityUpdate(up *codec.EntityUpdate) {
	m.control(up.Tick, up.AckSeq, up.ControlledID)
	m.applyDeltas(up.Tick, up.Deltas)
}

func (m *Mirror) control(tick uint64, ack, controlled uint32) {
	if tick < m.tick {
		return
	}
	m.tick = tick
	if ack > m.ackSeq {
		m.ackSeq = ack
	}
	m.controlledID = controlled
}

// applyDeltas skips deltas for unknown ids and deltas older than the entity's last patch.
func (m *Mirror) applyDeltas(tick uint64, deltas []codec.EntityDelta) {
	for i := range deltas {
		d := &deltas[i]
		e, ok := m.entities[d.ID]
		if !ok {
			metrics.IncrCounterWithDimGroup("client", "delta_ignored_total", 1, map[string]string{"reason": "unknown_entity"})
			continue
		}
		if tick < e.Tick {
			metrics.IncrCounterWithDimGroup("client", "delta_ignored_total", 1, map[string]string{"reason": "stale"})
			continue
		}
		d.ApplyTo(&e.State)
		e.Tick = tick
	}
}

// Entity returns a copy of one mirrored entity.
func (m *Mirror) Entity(id uint32) (MirroredEntity, bool) {
	e, ok := m.entities[id]
	if !ok {
		return MirroredEntity{}, false
	}
	return *e, true
}

// Entities returns the mirrored entities ordered by id.
func (m *Mirror) Entities() []MirroredEntity {
	out := make([]MirroredEntity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b MirroredEntity) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (m *Mirror) Chunk(key codec.ChunkKey) (codec.ChunkUpdate, bool) {
	c, ok := m.chunks[key]
	return c, ok
}

func (m *Mirror) LoadedChunks() []codec.ChunkKey { return slices.Clone(m.loaded) }
func (m *Mirror) Gems() uint32                   { return m.gems }
func (m *Mirror) EditorMode() bool               { return m.editorMode }
func (m *Mirror) Tick() uint64                   { return m.tick }
func (m *Mirror) AckSeq() uint32                 { return m.ackSeq }
func (m *Mirror) ControlledID() uint32           { return m.controlledID }
