// Package delta turns simulation state into per-session patches. Each session's shadow
// records what the client already holds; a tick sends only what differs from it.
package delta

import (
	"fmt"
	"slices"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/config"
	"github.com/lcx/tilesync/metrics"
	"github.com/lcx/tilesync/session"
	"github.com/lcx/tilesync/sim"
)

// BuilderCfg bounds how much terrain one patch may carry.
type BuilderCfg struct {
	MaxChunksPerTick int `mapstructure:"maxChunksPerTick"`
}

func (c *BuilderCfg) GetName() string {
	return "delta"
}

func (c *BuilderCfg) Validate() error {
	if c.MaxChunksPerTick <= 0 {
		return fmt.Errorf("maxChunksPerTick must be positive, got %d", c.MaxChunksPerTick)
	}
	return nil
}

func DefaultBuilderCfg() *BuilderCfg {
	return &BuilderCfg{MaxChunksPerTick: 4}
}

// Builder diffs a StateSource against session shadows.
type Builder struct {
	cfg BuilderCfg
}

func NewBuilder(cfg BuilderCfg) *Builder {
	return &Builder{cfg: cfg}
}

// NewBuilderWithConfigManager loads the "delta" config, keeping the defaults when no
// file exists.
func NewBuilderWithConfigManager(cm config.ConfigManager) (*Builder, error) {
	cfg := DefaultBuilderCfg()
	if err := config.LoadOrDefault(cm, cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("load delta config: %w", err)
	}
	return NewBuilder(*cfg), nil
}

// Build produces the patch of one tick for s and advances its shadow.
//
// lossy tells whether the client negotiated the best-effort entities stream. When it did and
// the patch holds nothing but deltas, the patch is an EntityUpdate for that stream and the
// fields it carries become owed. A later delta that no longer carries every owed field of
// its entity re-sends them on the reliable stream, so a lost datagram can not leave a field
// stale while the entity keeps moving. Every other patch, including the idle one, is a
// GameState.
func (b *Builder) Build(tick uint64, s *session.Session, src sim.StateSource, lossy bool) codec.Message {
	sh := s.Shadow
	gs := &codec.GameState{Tick: tick, AckSeq: s.LastProcessedInputSeq, ControlledID: s.EntityID}

	settled := b.diffEntities(gs, s, src)
	b.diffScalars(gs, s, src)
	b.diffChunks(gs, s, src)

	if lossy && len(gs.Deltas) > 0 && !settled && onlyDeltas(gs) {
		for i := range gs.Deltas {
			sh.Unsettled[gs.Deltas[i].ID] |= gs.Deltas[i].Fields
		}
		metrics.IncrCounterWithDimGroup("delta", "patch_total", 1, map[string]string{"kind": "entity_update"})
		return &codec.EntityUpdate{Tick: tick, AckSeq: gs.AckSeq, ControlledID: gs.ControlledID, Deltas: gs.Deltas}
	}

	kind := "game_state"
	if gs.IsIdle() {
		kind = "idle"
	}
	metrics.IncrCounterWithDimGroup("delta", "patch_total", 1, map[string]string{"kind": kind})
	return gs
}

// diffEntities fills baselines, deltas and exits. It reports whether a settle delta was
// emitted, which pins the patch to the reliable stream.
func (b *Builder) diffEntities(gs *codec.GameState, s *session.Session, src sim.StateSource) bool {
	sh := s.Shadow
	chunkSize := src.ChunkSize()
	relevant := make(map[uint32]struct{})
	settled := false

	for _, e := range src.Entities() {
		if !isRelevant(s, e, chunkSize) {
			continue
		}
		relevant[e.ID] = struct{}{}

		prev, known := sh.Entities[e.ID]
		if !known {
			gs.Baselines = append(gs.Baselines, codec.EntityBaseline{ID: e.ID, Kind: e.Kind, State: e.State})
			sh.Entities[e.ID] = e.State
			delete(sh.Unsettled, e.ID)
			continue
		}

		d := Diff(e.ID, &prev, &e.State)
		owed := sh.Unsettled[e.ID]
		switch {
		case d.Fields == 0 && owed == 0:
			continue
		case d.Fields == 0:
			d = Full(e.ID, &e.State)
			settled = true
		case owed&^d.Fields != 0:
			// 丢包可能吞掉的字段这次没再变化, 带上当前值走可靠通道
			d = Fields(e.ID, &e.State, d.Fields|owed)
			settled = true
		}
		delete(sh.Unsettled, e.ID)
		gs.Deltas = append(gs.Deltas, d)
		sh.Entities[e.ID] = e.State
	}

	for id := range sh.Entities {
		if _, ok := relevant[id]; ok {
			continue
		}
		gs.Exits = append(gs.Exits, id)
		delete(sh.Entities, id)
		delete(sh.Unsettled, id)
	}
	slices.Sort(gs.Exits)
	return settled
}

func (b *Builder) diffScalars(gs *codec.GameState, s *session.Session, src sim.StateSource) {
	if gems := src.Gems(); s.Shadow.GemsChanged(gems) {
		gs.Gems = &gems
	}
	if on := s.EditorMode; s.Shadow.EditorModeChanged(on) {
		gs.EditorMode = &on
	}
}

// diffChunks sends loaded chunks in view whose revision the client has not seen, at most
// MaxChunksPerTick per patch; the rest follow on later ticks. The loaded-key list goes out
// whenever it changes.
func (b *Builder) diffChunks(gs *codec.GameState, s *session.Session, src sim.StateSource) {
	sh := s.Shadow
	loaded := src.LoadedChunks()

	if !sh.LoadedSent || !slices.Equal(loaded, sh.LoadedChunks) {
		gs.LoadedChunks = slices.Clone(loaded)
		if gs.LoadedChunks == nil {
			gs.LoadedChunks = []codec.ChunkKey{}
		}
		sh.LoadedChunks = slices.Clone(gs.LoadedChunks)
		sh.LoadedSent = true

		for k := range sh.ChunkRevisions {
			if _, ok := slices.BinarySearchFunc(loaded, k, sim.CompareChunkKeys); !ok {
				delete(sh.ChunkRevisions, k)
			}
		}
	}

	for _, k := range loaded {
		if s.Visible != nil && !s.Visible.Contains(k) {
			continue
		}
		c, ok := src.Chunk(k)
		if !ok {
			continue
		}
		if rev, sent := sh.ChunkRevisions[k]; sent && rev == c.Revision {
			continue
		}
		if len(gs.Chunks) >= b.cfg.MaxChunksPerTick {
			metrics.IncrCounterWithGroup("delta", "chunk_deferred_total", 1)
			return
		}
		gs.Chunks = append(gs.Chunks, c)
		sh.ChunkRevisions[k] = c.Revision
	}
}

// isRelevant decides the interest area: the controlled entity always, everything when the
// client never reported a visible range, otherwise entities inside that range.
func isRelevant(s *session.Session, e sim.Entity, chunkSize int) bool {
	if e.ID == s.EntityID || s.Visible == nil {
		return true
	}
	return s.Visible.Contains(sim.ChunkOf(e.State.X, e.State.Y, chunkSize))
}

func onlyDeltas(gs *codec.GameState) bool {
	return gs.Baselines == nil && gs.Exits == nil && gs.Gems == nil && gs.EditorMode == nil &&
		gs.Chunks == nil && gs.LoadedChunks == nil
}

// Diff returns the delta carrying the fields of cur that differ from prev.
func Diff(id uint32, prev, cur *codec.EntityState) codec.EntityDelta {
	d := codec.EntityDelta{ID: id}
	if prev.X != cur.X || prev.Y != cur.Y {
		d.Fields |= codec.DeltaPosition
		d.X, d.Y = cur.X, cur.Y
	}
	if prev.VX != cur.VX || prev.VY != cur.VY {
		d.Fields |= codec.DeltaVelocity
		d.VX, d.VY = cur.VX, cur.VY
	}
	if prev.Sprite != cur.Sprite {
		d.Fields |= codec.DeltaSprite
		d.Sprite = cur.Sprite
	}
	if prev.AI != cur.AI {
		d.Fields |= codec.DeltaAI
		d.AI = cur.AI
	}
	return d
}

// Full returns a delta carrying every field of cur.
func Full(id uint32, cur *codec.EntityState) codec.EntityDelta {
	return Fields(id, cur, codec.DeltaAll)
}

// Fields returns a delta carrying the current value of each field set in mask.
func Fields(id uint32, cur *codec.EntityState, mask codec.DeltaField) codec.EntityDelta {
	d := codec.EntityDelta{ID: id, Fields: mask & codec.DeltaAll}
	if mask&codec.DeltaPosition != 0 {
		d.X, d.Y = cur.X, cur.Y
	}
	if mask&codec.DeltaVelocity != 0 {
		d.VX, d.VY = cur.VX, cur.VY
	}
	if mask&codec.DeltaSprite != 0 {
		d.Sprite = cur.Sprite
	}
	if mask&codec.DeltaAI != 0 {
		d.AI = cur.AI
	}
	return d
}
