// Package memengine is an in-memory engine.Engine whose worlds are backed by
// folders under a world container directory. It is used by tests and by the
// standalone server.
package memengine

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"realmkeeper.ai/internal/engine"
)

const (
	LevelFile   = "level.json"
	UIDFile     = "uid.dat"
	SessionLock = "session.lock"

	defaultWorldName = "world"
	defaultGroundY   = 64
)

type levelMeta struct {
	Seed      int64  `json:"seed"`
	Generated bool   `json:"generated"`
	Name      string `json:"name"`
}

type Engine struct {
	mu sync.Mutex

	root     string
	worlds   map[string]*World
	entities map[string]*Entity
	nextID   uint64
	def      *World

	// CreateHook, when set, can veto CreateWorld before anything is touched.
	CreateHook func(spec engine.WorldSpec) error
	// UnloadHook runs before a world is unloaded, outside the engine lock.
	UnloadHook func(name string)
}

func New(root string) (*Engine, error) {
	if root == "" {
		return nil, errors.New("empty world container")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	e := &Engine{
		root:     root,
		worlds:   map[string]*World{},
		entities: map[string]*Entity{},
	}
	w, err := e.CreateWorld(engine.WorldSpec{Folder: defaultWorldName, Generate: true})
	if err != nil {
		return nil, err
	}
	e.def = w.(*World)
	return e, nil
}

func (e *Engine) Root() string { return e.root }

func (e *Engine) CreateWorld(spec engine.WorldSpec) (engine.World, error) {
	if spec.Folder == "" {
		return nil, errors.New("empty folder")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.worlds[spec.Folder]; ok {
		return w, nil
	}
	if e.CreateHook != nil {
		if err := e.CreateHook(spec); err != nil {
			return nil, fmt.Errorf("create world %s: %w", spec.Folder, err)
		}
	}
	dir := filepath.Join(e.root, spec.Folder)
	if _, err := os.Stat(dir); err != nil && !spec.Generate {
		return nil, fmt.Errorf("create world %s: %w", spec.Folder, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	levelPath := filepath.Join(dir, LevelFile)
	if _, err := os.Stat(levelPath); os.IsNotExist(err) {
		meta := levelMeta{Name: spec.Folder, Generated: true}
		if spec.Seed != nil {
			meta.Seed = *spec.Seed
		}
		b, _ := json.MarshalIndent(meta, "", "  ")
		if err := os.WriteFile(levelPath, b, 0o644); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(filepath.Join(dir, UIDFile)); os.IsNotExist(err) {
		var raw [16]byte
		_, _ = rand.Read(raw[:])
		if err := os.WriteFile(filepath.Join(dir, UIDFile), []byte(hex.EncodeToString(raw[:])), 0o644); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(filepath.Join(dir, SessionLock), []byte("locked"), 0o644); err != nil {
		return nil, err
	}
	w := &World{
		eng:    e,
		name:   spec.Folder,
		rules:  map[string]string{},
		blocks: map[engine.BlockPos]string{},
		size:   6e7,
		spawn:  engine.Location{World: spec.Folder, X: 0.5, Y: defaultGroundY, Z: 0.5},
	}
	e.worlds[spec.Folder] = w
	return w, nil
}

func (e *Engine) World(name string) (engine.World, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.worlds[name]
	if !ok {
		return nil, false
	}
	return w, true
}

// Loaded lists loaded world names, sorted.
func (e *Engine) Loaded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.worlds))
	for name := range e.worlds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) UnloadWorld(name string) error {
	if e.UnloadHook != nil {
		e.UnloadHook(name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.worlds[name]
	if !ok {
		return engine.ErrWorldNotLoaded
	}
	if w == e.def {
		return errors.New("cannot unload default world")
	}
	for _, ent := range e.entities {
		if ent.alive && ent.player && ent.loc.World == name {
			return fmt.Errorf("unload %s: player %s still present", name, ent.id)
		}
	}
	dir := filepath.Join(e.root, name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("unload %s: save: %w", name, err)
	}
	_ = os.Remove(filepath.Join(dir, SessionLock))
	for id, ent := range e.entities {
		if !ent.player && ent.loc.World == name {
			ent.alive = false
			delete(e.entities, id)
		}
	}
	delete(e.worlds, name)
	return nil
}

func (e *Engine) DefaultWorld() engine.World { return e.def }

func (e *Engine) Player(id string) (engine.Entity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entities[id]
	if !ok || !ent.player || !ent.alive {
		return nil, false
	}
	return ent, true
}

func (e *Engine) Entity(id string) (engine.Entity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entities[id]
	if !ok || !ent.alive {
		return nil, false
	}
	return ent, true
}

// SpawnPlayer puts an online player at loc. The world must be loaded.
func (e *Engine) SpawnPlayer(id string, loc engine.Location) (*Entity, error) {
	return e.spawn(id, loc, true, nil)
}

// SpawnMob puts a non-player entity at loc.
func (e *Engine) SpawnMob(loc engine.Location) (*Entity, error) {
	return e.spawn("", loc, false, nil)
}

func (e *Engine) spawn(id string, loc engine.Location, player bool, tags []string) (*Entity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spawnLocked(id, loc, player, tags)
}

func (e *Engine) spawnLocked(id string, loc engine.Location, player bool, tags []string) (*Entity, error) {
	if _, ok := e.worlds[loc.World]; !ok {
		return nil, engine.ErrWorldNotLoaded
	}
	if id == "" {
		e.nextID++
		id = "e" + strconv.FormatUint(e.nextID, 10)
	}
	ent := &Entity{eng: e, id: id, loc: loc, player: player, alive: true, tags: tags}
	e.entities[id] = ent
	return ent, nil
}

type World struct {
	eng *Engine

	name      string
	rules     map[string]string
	blocks    map[engine.BlockPos]string
	cx, cz    float64
	size      float64
	spawn     engine.Location
	particles int
}

func (w *World) Name() string { return w.name }

func (w *World) SetBorder(centerX, centerZ, size float64) {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	w.cx, w.cz, w.size = centerX, centerZ, size
}

func (w *World) Border() (float64, float64, float64) {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	return w.cx, w.cz, w.size
}

func (w *World) SetGameRule(rule, value string) {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	w.rules[rule] = value
}

func (w *World) GameRule(rule string) string {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	return w.rules[rule]
}

func (w *World) Spawn() engine.Location {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	return w.spawn
}

func (w *World) SetSpawn(loc engine.Location) {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	loc.World = w.name
	w.spawn = loc
}

func (w *World) HighestSafeY(x, z int) int {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	top := math.MinInt
	for pos := range w.blocks {
		if pos.X == x && pos.Z == z && pos.Y > top {
			top = pos.Y
		}
	}
	if top == math.MinInt {
		return defaultGroundY
	}
	return top + 1
}

func (w *World) SetBlock(pos engine.BlockPos, material string) {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	if material == "" {
		delete(w.blocks, pos)
		return
	}
	w.blocks[pos] = material
}

func (w *World) BlockAt(pos engine.BlockPos) string {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	return w.blocks[pos]
}

func (w *World) Entities() []engine.Entity {
	return w.filter(func(ent *Entity) bool { return true })
}

func (w *World) Players() []engine.Entity {
	return w.filter(func(ent *Entity) bool { return ent.player })
}

func (w *World) filter(keep func(*Entity) bool) []engine.Entity {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	ids := make([]string, 0)
	for id, ent := range w.eng.entities {
		if ent.alive && ent.loc.World == w.name && keep(ent) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]engine.Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, w.eng.entities[id])
	}
	return out
}

func (w *World) SpawnParticles(kind string, at engine.Location, count int) {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	w.particles += count
}

// ParticleCount is the number of particles emitted so far.
func (w *World) ParticleCount() int {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	return w.particles
}

func (w *World) SpawnLabel(at engine.Location, text, tag string) engine.Entity {
	w.eng.mu.Lock()
	defer w.eng.mu.Unlock()
	at.World = w.name
	ent, err := w.eng.spawnLocked("", at, false, []string{tag})
	if err != nil {
		return nil
	}
	ent.text = text
	return ent
}

func (w *World) NearbyEntities(at engine.Location, radius float64) []engine.Entity {
	at.World = w.name
	r2 := radius * radius
	return w.filter(func(ent *Entity) bool { return ent.loc.DistanceSq(at) <= r2 })
}

type Entity struct {
	eng *Engine

	id     string
	loc    engine.Location
	player bool
	alive  bool
	tags   []string
	text   string
}

func (e *Entity) ID() string { return e.id }

func (e *Entity) Location() engine.Location {
	e.eng.mu.Lock()
	defer e.eng.mu.Unlock()
	return e.loc
}

func (e *Entity) Teleport(to engine.Location) error {
	e.eng.mu.Lock()
	defer e.eng.mu.Unlock()
	if !e.alive {
		return errors.New("entity removed")
	}
	if _, ok := e.eng.worlds[to.World]; !ok {
		return fmt.Errorf("teleport %s: %w", to.World, engine.ErrWorldNotLoaded)
	}
	e.loc = to
	return nil
}

// MoveTo changes position without the teleport checks, as a client move would.
func (e *Entity) MoveTo(to engine.Location) {
	e.eng.mu.Lock()
	defer e.eng.mu.Unlock()
	e.loc = to
}

func (e *Entity) Valid() bool {
	e.eng.mu.Lock()
	defer e.eng.mu.Unlock()
	return e.alive
}

func (e *Entity) IsPlayer() bool { return e.player }

func (e *Entity) Tags() []string {
	e.eng.mu.Lock()
	defer e.eng.mu.Unlock()
	return append([]string(nil), e.tags...)
}

func (e *Entity) SetText(text string) {
	e.eng.mu.Lock()
	defer e.eng.mu.Unlock()
	e.text = text
}

func (e *Entity) Text() string {
	e.eng.mu.Lock()
	defer e.eng.mu.Unlock()
	return e.text
}

func (e *Entity) Remove() {
	e.eng.mu.Lock()
	defer e.eng.mu.Unlock()
	e.alive = false
	delete(e.eng.entities, e.id)
}

// Forget invalidates every non-player entity handle while keeping the
// entities in the world under new ids, like a server restart does to labels.
func (e *Engine) Forget() {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.entities
	e.entities = map[string]*Entity{}
	for id, ent := range old {
		if ent.player {
			e.entities[id] = ent
			continue
		}
		e.nextID++
		fresh := *ent
		fresh.id = "e" + strconv.FormatUint(e.nextID, 10)
		fresh.tags = append([]string(nil), ent.tags...)
		ent.alive = false
		e.entities[fresh.id] = &fresh
	}
}
