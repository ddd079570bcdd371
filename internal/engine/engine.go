// Package engine describes the host world engine the instance manager and the
// transit engine drive. Every method is expected to be called from the control
// loop goroutine only; implementations are not required to be thread safe.
package engine

import (
	"errors"
	"math"
)

var ErrWorldNotLoaded = errors.New("world not loaded")

// BlockPos is an integer block coordinate.
type BlockPos struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
	Z int `json:"z" yaml:"z"`
}

// Pack folds the position into a single map key (26 bits x, 26 bits z, 12 bits y).
func (p BlockPos) Pack() int64 {
	return (int64(p.X)&0x3FFFFFF)<<38 | (int64(p.Z)&0x3FFFFFF)<<12 | int64(p.Y)&0xFFF
}

// Center returns the location at the middle of the block's top face.
func (p BlockPos) Center(world string) Location {
	return Location{World: world, X: float64(p.X) + 0.5, Y: float64(p.Y) + 1, Z: float64(p.Z) + 0.5}
}

// Location is a precise position. World may be empty when the location was
// persisted before the world it refers to was loaded.
type Location struct {
	World string  `json:"world,omitempty" yaml:"world,omitempty"`
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Z     float64 `json:"z" yaml:"z"`
	Yaw   float32 `json:"yaw,omitempty" yaml:"yaw,omitempty"`
	Pitch float32 `json:"pitch,omitempty" yaml:"pitch,omitempty"`
}

func (l Location) Block() BlockPos {
	return BlockPos{X: int(math.Floor(l.X)), Y: int(math.Floor(l.Y)), Z: int(math.Floor(l.Z))}
}

// Below returns the block directly under the location's feet.
func (l Location) Below() BlockPos {
	b := l.Block()
	b.Y--
	return b
}

func (l Location) WithWorld(name string) Location {
	l.World = name
	return l
}

func (l Location) DistanceSq(o Location) float64 {
	dx, dy, dz := l.X-o.X, l.Y-o.Y, l.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}

// WorldSpec is what the engine needs to instantiate a world from a folder
// under its world container.
type WorldSpec struct {
	Folder string
	Seed   *int64
	// Generate asks the engine to synthesize terrain when the folder is empty.
	Generate bool
}

type Engine interface {
	// CreateWorld loads (or generates) the world stored in spec.Folder.
	CreateWorld(spec WorldSpec) (World, error)
	World(name string) (World, bool)
	UnloadWorld(name string) error
	DefaultWorld() World
	Player(id string) (Entity, bool)
	Entity(id string) (Entity, bool)
}

type World interface {
	Name() string
	SetBorder(centerX, centerZ, size float64)
	Border() (centerX, centerZ, size float64)
	SetGameRule(rule, value string)
	Spawn() Location
	SetSpawn(loc Location)
	// HighestSafeY is the Y a player can stand at on column (x, z).
	HighestSafeY(x, z int) int
	Entities() []Entity
	Players() []Entity
	BlockAt(pos BlockPos) string
	SpawnParticles(kind string, at Location, count int)
	SpawnLabel(at Location, text, tag string) Entity
	NearbyEntities(at Location, radius float64) []Entity
}

type Entity interface {
	ID() string
	Location() Location
	Teleport(to Location) error
	Valid() bool
	IsPlayer() bool
	Tags() []string
	SetText(text string)
	Remove()
}

func HasTag(e Entity, tag string) bool {
	for _, t := range e.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}
