package sim

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lcx/tilesync/codec"
	"github.com/lcx/tilesync/config"
	"github.com/lcx/tilesync/log"
)

// TileBytes is the size of one tile in ChunkUpdate.Tiles: terrain, road, elevation.
const TileBytes = 3

var ErrOutOfRange = errors.New("tile value out of range")

// WorldCfg configures a MemoryWorld.
type WorldCfg struct {
	Seed          int64 `mapstructure:"seed"`
	ChunkSize     int   `mapstructure:"chunkSize"`
	PreloadRadius int   `mapstructure:"preloadRadius"`
}

func (c *WorldCfg) GetName() string {
	return "world"
}

func (c *WorldCfg) Validate() error {
	if c.ChunkSize <= 0 || c.ChunkSize > 64 {
		return fmt.Errorf("chunkSize must be in (0, 64], got %d", c.ChunkSize)
	}
	if c.PreloadRadius < 0 {
		return fmt.Errorf("preloadRadius must be non-negative, got %d", c.PreloadRadius)
	}
	return nil
}

func DefaultWorldCfg() *WorldCfg {
	return &WorldCfg{Seed: 1, ChunkSize: 16, PreloadRadius: 2}
}

// LoadWorldCfg reads the "world" config, keeping the defaults when no file exists.
func LoadWorldCfg(cm config.ConfigManager) (*WorldCfg, error) {
	cfg := DefaultWorldCfg()
	if err := config.LoadOrDefault(cm, cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("load world config: %w", err)
	}
	return cfg, nil
}

type chunk struct {
	revision uint32
	tiles    []byte
}

// MemoryWorld is an in-memory tile world. Players move only through ApplyInput and stop
// on any tick that applied none of their inputs; other entities drift with their velocity.
//
// Only the tick loop mutates it; the mutex lets tests and debug handlers read it.
type MemoryWorld struct {
	cfg WorldCfg

	mu       sync.RWMutex
	nextID   uint32
	entities map[uint32]*Entity
	players  map[string]uint32
	moved    map[uint32]bool
	chunks   map[codec.ChunkKey]*chunk
	gems     uint32
}

// NewMemoryWorld creates a world with the chunks around the origin already loaded.
func NewMemoryWorld(cfg WorldCfg) *MemoryWorld {
	w := &MemoryWorld{
		cfg:      cfg,
		entities: make(map[uint32]*Entity),
		players:  make(map[string]uint32),
		moved:    make(map[uint32]bool),
		chunks:   make(map[codec.ChunkKey]*chunk),
	}
	r := int32(cfg.PreloadRadius)
	for cy := -r; cy < r; cy++ {
		for cx := -r; cx < r; cx++ {
			w.load(codec.ChunkKey{CX: cx, CY: cy})
		}
	}
	return w
}

func (w *MemoryWorld) load(key codec.ChunkKey) *chunk {
	if c, ok := w.chunks[key]; ok {
		return c
	}
	size := w.cfg.ChunkSize
	c := &chunk{tiles: make([]byte, size*size*TileBytes)}
	for ty := 0; ty < size; ty++ {
		for tx := 0; tx < size; tx++ {
			h := mix(uint64(w.cfg.Seed), int64(key.CX)*int64(size)+int64(tx), int64(key.CY)*int64(size)+int64(ty))
			i := (ty*size + tx) * TileBytes
			c.tiles[i] = byte(h % 4)
			c.tiles[i+2] = byte((h >> 8) % 3)
		}
	}
	w.chunks[key] = c
	return c
}

// mix is splitmix64 over the seed and the tile coordinates.
func mix(seed uint64, x, y int64) uint64 {
	z := seed ^ uint64(x)*0x9e3779b97f4a7c15 ^ uint64(y)*0xc2b2ae3d27d4eb4f
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func (w *MemoryWorld) ChunkSize() int { return w.cfg.ChunkSize }
func (w *MemoryWorld) Seed() int64    { return w.cfg.Seed }

// SpawnPoint is the center of the origin chunk.
func (w *MemoryWorld) SpawnPoint() (float32, float32) {
	half := float32(w.cfg.ChunkSize) / 2
	return half, half
}

// Entities implements StateSource.
func (w *MemoryWorld) Entities() []Entity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Entity, 0, len(w.entities))
	for _, e := range w.entities {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b Entity) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Entity returns a copy of one entity.
func (w *MemoryWorld) Entity(id uint32) (Entity, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

func (w *MemoryWorld) Gems() uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.gems
}

// AddGems adds n to the shared gem counter.
func (w *MemoryWorld) AddGems(n uint32) {
	w.mu.Lock()
	w.gems += n
	w.mu.Unlock()
}

// LoadedChunks implements StateSource.
func (w *MemoryWorld) LoadedChunks() []codec.ChunkKey {
	w.mu.RLock()
	defer w.mu.RUnlock()
	keys := make([]codec.ChunkKey, 0, len(w.chunks))
	for k := range w.chunks {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, CompareChunkKeys)
	return keys
}

// CompareChunkKeys orders keys row by row.
func CompareChunkKeys(a, b codec.ChunkKey) int {
	if c := cmp.Compare(a.CY, b.CY); c != 0 {
		return c
	}
	return cmp.Compare(a.CX, b.CX)
}

// Chunk implements StateSource. The returned tiles are a copy.
func (w *MemoryWorld) Chunk(key codec.ChunkKey) (codec.ChunkUpdate, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.chunks[key]
	if !ok {
		return codec.ChunkUpdate{}, false
	}
	return codec.ChunkUpdate{Key: key, Revision: c.revision, Tiles: slices.Clone(c.tiles)}, true
}

// SpawnPlayer returns the entity of clientID, creating it at the spawn point if needed.
func (w *MemoryWorld) SpawnPlayer(clientID string) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.players[clientID]; ok {
		if _, live := w.entities[id]; live {
			return id
		}
	}
	x, y := w.SpawnPoint()
	id := w.spawnLocked(KindPlayer, x, y)
	w.players[clientID] = id
	log.Debug().Str("client", clientID).Uint32("entity", id).Msg("player spawned")
	return id
}

// Spawn implements World.
func (w *MemoryWorld) Spawn(kind string, x, y float32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.spawnLocked(kind, x, y)
}

func (w *MemoryWorld) spawnLocked(kind string, x, y float32) uint32 {
	w.nextID++
	id := w.nextID
	w.entities[id] = &Entity{ID: id, Kind: kind, State: codec.EntityState{X: x, Y: y, Sprite: SpriteIdle, AI: "idle"}}
	w.load(ChunkOf(x, y, w.cfg.ChunkSize))
	return id
}

// Delete implements World. Deleting a player forgets its client binding.
func (w *MemoryWorld) Delete(id uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[id]
	if !ok {
		return false
	}
	delete(w.entities, id)
	delete(w.moved, id)
	if e.Kind == KindPlayer {
		for c, pid := range w.players {
			if pid == id {
				delete(w.players, c)
			}
		}
	}
	return true
}

// Update mutates one entity in place.
func (w *MemoryWorld) Update(id uint32, fn func(s *codec.EntityState)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[id]
	if !ok {
		return false
	}
	fn(&e.State)
	return true
}

// ApplyInput implements InputSink.
func (w *MemoryWorld) ApplyInput(entityID uint32, in *codec.Input, dt time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[entityID]
	if !ok {
		return false
	}
	StepInput(&e.State, in, dt)
	w.moved[entityID] = true
	return true
}

// Step implements World.
func (w *MemoryWorld) Step(dt time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sec := float32(dt.Seconds())
	for id, e := range w.entities {
		if e.Kind == KindPlayer {
			if !w.moved[id] {
				e.State.VX, e.State.VY = 0, 0
				e.State.Sprite = SpriteIdle
			}
			continue
		}
		if e.State.VX == 0 && e.State.VY == 0 {
			continue
		}
		e.State.X += e.State.VX * sec
		e.State.Y += e.State.VY * sec
		w.load(ChunkOf(e.State.X, e.State.Y, w.cfg.ChunkSize))
	}
	clear(w.moved)
}

// Edit implements World. Editing a tile of an unloaded chunk loads it.
func (w *MemoryWorld) Edit(e *codec.TerrainEdit) error {
	if e.Value < 0 || e.Value > 255 {
		return fmt.Errorf("%w: %d", ErrOutOfRange, e.Value)
	}
	var off int
	switch e.Kind {
	case codec.EditTerrain:
		off = 0
	case codec.EditRoad:
		off = 1
	case codec.EditElevation:
		off = 2
	default:
		return fmt.Errorf("unknown edit kind %d", e.Kind)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	size := w.cfg.ChunkSize
	key := ChunkOf(float32(e.X), float32(e.Y), size)
	c := w.load(key)
	tx := int(e.X) - int(key.CX)*size
	ty := int(e.Y) - int(key.CY)*size
	i := (ty*size+tx)*TileBytes + off
	if c.tiles[i] == byte(e.Value) {
		return nil
	}
	c.tiles[i] = byte(e.Value)
	c.revision++
	return nil
}

var _ World = (*MemoryWorld)(nil)
