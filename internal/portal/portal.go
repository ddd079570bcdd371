package portal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"realmkeeper.ai/internal/engine"
)

type Kind string

const (
	KindPoint Kind = "point"
	KindGate  Kind = "gate"

	labelTagPrefix = "portal-label:"
)

var ErrNotFound = errors.New("portal not found")

// Destination is either a managed instance (by uuid) or an external world name.
type Destination struct {
	Instance string `json:"instance,omitempty"`
	World    string `json:"world,omitempty"`
}

func (d Destination) String() string {
	if d.Instance != "" {
		return "instance:" + d.Instance
	}
	return "world:" + d.World
}

type Region struct {
	ID    string `json:"id"`
	World string `json:"world"`
	Kind  Kind   `json:"kind"`

	Anchor engine.BlockPos `json:"anchor"`
	Min    engine.BlockPos `json:"min"`
	Max    engine.BlockPos `json:"max"`

	Destination Destination `json:"destination"`

	Particle string `json:"particle,omitempty"`
	Label    string `json:"label,omitempty"`
	// Block is the material that must sit at Anchor for a point portal to stay.
	Block       string        `json:"block,omitempty"`
	GracePeriod time.Duration `json:"grace_period,omitempty"`
	LabelEntity string        `json:"label_entity,omitempty"`
}

// NewGate builds a gate portal with bounds normalized per axis.
func NewGate(id, world string, a, b engine.BlockPos, dest Destination) Region {
	r := Region{ID: id, World: world, Kind: KindGate, Min: a, Max: b, Destination: dest}
	r.Normalize()
	return r
}

func NewPoint(id, world string, anchor engine.BlockPos, block string, dest Destination) Region {
	return Region{ID: id, World: world, Kind: KindPoint, Anchor: anchor, Block: block, Destination: dest}
}

func (r *Region) Normalize() {
	if r.Kind != KindGate {
		return
	}
	if r.Min.X > r.Max.X {
		r.Min.X, r.Max.X = r.Max.X, r.Min.X
	}
	if r.Min.Y > r.Max.Y {
		r.Min.Y, r.Max.Y = r.Max.Y, r.Min.Y
	}
	if r.Min.Z > r.Max.Z {
		r.Min.Z, r.Max.Z = r.Max.Z, r.Min.Z
	}
}

func (r Region) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("portal: empty id")
	}
	if strings.TrimSpace(r.World) == "" {
		return fmt.Errorf("portal %s: empty world", r.ID)
	}
	if r.Kind != KindPoint && r.Kind != KindGate {
		return fmt.Errorf("portal %s: unknown kind %q", r.ID, r.Kind)
	}
	if r.Destination.Instance == "" && r.Destination.World == "" {
		return fmt.Errorf("portal %s: missing destination", r.ID)
	}
	if r.Kind == KindGate && (r.Min.X > r.Max.X || r.Min.Y > r.Max.Y || r.Min.Z > r.Max.Z) {
		return fmt.Errorf("portal %s: inverted bounds", r.ID)
	}
	return nil
}

// Contains reports whether loc lies inside the gate's block volume (bounds
// inclusive). Point portals never contain anything.
func (r Region) Contains(loc engine.Location) bool {
	if r.Kind != KindGate || loc.World != r.World {
		return false
	}
	return loc.X >= float64(r.Min.X) && loc.X < float64(r.Max.X+1) &&
		loc.Y >= float64(r.Min.Y) && loc.Y < float64(r.Max.Y+1) &&
		loc.Z >= float64(r.Min.Z) && loc.Z < float64(r.Max.Z+1)
}

// LabelAnchor is where the floating label sits: above the anchor block, or
// above the centre of the gate's top face.
func (r Region) LabelAnchor() engine.Location {
	if r.Kind == KindGate {
		return engine.Location{
			World: r.World,
			X:     float64(r.Min.X+r.Max.X+1) / 2,
			Y:     float64(r.Max.Y) + 1.5,
			Z:     float64(r.Min.Z+r.Max.Z+1) / 2,
		}
	}
	loc := r.Anchor.Center(r.World)
	loc.Y += 1.5
	return loc
}

func (r Region) LabelText() string {
	if r.Label != "" {
		return r.Label
	}
	return r.Destination.String()
}

func LabelTag(id string) string { return labelTagPrefix + id }

// IsLabel reports whether the entity is a portal label.
func IsLabel(e engine.Entity) bool {
	for _, t := range e.Tags() {
		if strings.HasPrefix(t, labelTagPrefix) {
			return true
		}
	}
	return false
}

// Footprint samples at most budget points along the portal's outline.
func (r Region) Footprint(budget int) []engine.Location {
	if budget <= 0 {
		return nil
	}
	if r.Kind == KindPoint {
		return []engine.Location{r.Anchor.Center(r.World)}
	}
	var out []engine.Location
	y := float64(r.Min.Y) + 0.1
	x0, x1 := float64(r.Min.X), float64(r.Max.X+1)
	z0, z1 := float64(r.Min.Z), float64(r.Max.Z+1)
	perimeter := 2 * ((x1 - x0) + (z1 - z0))
	step := perimeter / float64(budget)
	if step < 0.5 {
		step = 0.5
	}
	for d := 0.0; d < perimeter && len(out) < budget; d += step {
		var x, z float64
		switch {
		case d < x1-x0:
			x, z = x0+d, z0
		case d < (x1-x0)+(z1-z0):
			x, z = x1, z0+(d-(x1-x0))
		case d < 2*(x1-x0)+(z1-z0):
			x, z = x1-(d-(x1-x0)-(z1-z0)), z1
		default:
			x, z = x0, z1-(d-2*(x1-x0)-(z1-z0))
		}
		out = append(out, engine.Location{World: r.World, X: x, Y: y, Z: z})
	}
	return out
}

// Registry is the keyed store of portal records.
type Registry interface {
	FindAll() ([]Region, error)
	FindByID(id string) (Region, error)
	Save(r Region) error
	Remove(id string) error
	PersistAll(rs []Region) error
}
