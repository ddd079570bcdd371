// Package transit watches portal regions in loaded worlds and moves entities
// that step into them. All methods must run on the control loop.
package transit

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"realmkeeper.ai/internal/engine"
	"realmkeeper.ai/internal/hooks"
	"realmkeeper.ai/internal/instance"
	"realmkeeper.ai/internal/metrics"
	"realmkeeper.ai/internal/portal"
)

var (
	ErrSuppressed  = errors.New("warp suppressed")
	ErrDenied      = errors.New("access denied")
	ErrDestination = errors.New("destination unavailable")
	ErrInvalid     = errors.New("invalid portal")
)

// Lifecycle is the slice of the instance manager transit needs.
type Lifecycle interface {
	Instance(id uuid.UUID) (instance.Instance, error)
	TeleportToWorld(ent engine.Entity, id uuid.UUID, loc *engine.Location) error
}

// AccessPolicy decides whether ent may enter inst. Nil allows everyone.
type AccessPolicy func(ent engine.Entity, inst instance.Instance) bool

type Config struct {
	Cooldown          time.Duration
	Grace             time.Duration
	LabelSearchRadius float64
	ParticleBudget    int
	// Particle is used for portals that do not name their own.
	Particle string
	Now      func() time.Time
}

type Options struct {
	Access  AccessPolicy
	Hooks   hooks.Firer
	Metrics *metrics.Collectors
	Logger  *log.Logger
}

type graceKey struct {
	entity string
	portal string
}

type Engine struct {
	cfg    Config
	eng    engine.Engine
	reg    portal.Registry
	life   Lifecycle
	access AccessPolicy
	hooks  hooks.Firer
	mets   *metrics.Collectors
	log    *log.Logger

	points map[string]map[int64]*portal.Region
	gates  map[string][]*portal.Region
	labels map[string]engine.Entity

	cooldown map[string]time.Time
	grace    map[graceKey]time.Time
	ignore   map[string]engine.Entity
}

func New(cfg Config, eng engine.Engine, reg portal.Registry, life Lifecycle, opts Options) *Engine {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Second
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.LabelSearchRadius <= 0 {
		cfg.LabelSearchRadius = 2
	}
	if cfg.Particle == "" {
		cfg.Particle = "portal"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.Nop{}
	}
	return &Engine{
		cfg:      cfg,
		eng:      eng,
		reg:      reg,
		life:     life,
		access:   opts.Access,
		hooks:    opts.Hooks,
		mets:     opts.Metrics,
		log:      opts.Logger,
		points:   map[string]map[int64]*portal.Region{},
		gates:    map[string][]*portal.Region{},
		labels:   map[string]engine.Entity{},
		cooldown: map[string]time.Time{},
		grace:    map[graceKey]time.Time{},
		ignore:   map[string]engine.Entity{},
	}
}

// Place validates and stores r, replacing any portal with the same id, and
// indexes it right away.
func (t *Engine) Place(r portal.Region) error {
	r.Normalize()
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if other := t.anchorOwner(r); other != "" {
		return fmt.Errorf("%w: anchor %d,%d,%d in %s already used by portal %s",
			ErrInvalid, r.Anchor.X, r.Anchor.Y, r.Anchor.Z, r.World, other)
	}
	if old, err := t.reg.FindByID(r.ID); err == nil && r.LabelEntity == "" {
		r.LabelEntity = old.LabelEntity
	}
	if err := t.reg.Save(r); err != nil {
		return fmt.Errorf("place portal %s: %w", r.ID, err)
	}
	t.unindex(r.ID)
	t.index(r)
	t.printf("portal placed id=%s world=%s kind=%s dest=%s", r.ID, r.World, r.Kind, r.Destination)
	return nil
}

func (t *Engine) Find(id string) (portal.Region, error) {
	return t.reg.FindByID(id)
}

// Remove deletes the portal and its label.
func (t *Engine) Remove(id string) error {
	if _, err := t.reg.FindByID(id); err != nil {
		return err
	}
	if err := t.reg.Remove(id); err != nil {
		return fmt.Errorf("remove portal %s: %w", id, err)
	}
	t.dropLabel(id)
	t.unindex(id)
	t.printf("portal removed id=%s", id)
	return nil
}

// PortalsIn lists the stored portals of one world ordered by id.
func (t *Engine) PortalsIn(world string) ([]portal.Region, error) {
	all, err := t.reg.FindAll()
	if err != nil {
		return nil, err
	}
	out := make([]portal.Region, 0)
	for _, r := range all {
		if r.World == world {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OnMove checks the block under ent's feet against the point portal index
// and warps it when it stands on one. It reports whether a warp happened.
func (t *Engine) OnMove(ent engine.Entity) bool {
	if ent == nil || !ent.Valid() || portal.IsLabel(ent) {
		return false
	}
	loc := ent.Location()
	byKey := t.points[loc.World]
	if byKey == nil {
		return false
	}
	r := byKey[loc.Below().Pack()]
	if r == nil {
		return false
	}
	return t.dispatch(ent, r, false) == nil
}

// index adds r to the spatial indices. A point portal whose anchor already
// belongs to another portal is not indexed and index reports false.
func (t *Engine) index(r portal.Region) bool {
	rc := r
	switch r.Kind {
	case portal.KindPoint:
		byKey := t.points[r.World]
		if byKey == nil {
			byKey = map[int64]*portal.Region{}
			t.points[r.World] = byKey
		}
		key := r.Anchor.Pack()
		if cur, ok := byKey[key]; ok && cur.ID != r.ID {
			return false
		}
		byKey[key] = &rc
	case portal.KindGate:
		t.gates[r.World] = append(t.gates[r.World], &rc)
	}
	return true
}

// anchorOwner returns the id of another point portal at r's anchor, if any.
func (t *Engine) anchorOwner(r portal.Region) string {
	if r.Kind != portal.KindPoint {
		return ""
	}
	if cur, ok := t.points[r.World][r.Anchor.Pack()]; ok && cur.ID != r.ID {
		return cur.ID
	}
	all, err := t.reg.FindAll()
	if err != nil {
		return ""
	}
	for _, o := range all {
		if o.ID != r.ID && o.Kind == portal.KindPoint && o.World == r.World && o.Anchor == r.Anchor {
			return o.ID
		}
	}
	return ""
}

func (t *Engine) unindex(id string) {
	for world, byKey := range t.points {
		for k, r := range byKey {
			if r.ID == id {
				delete(byKey, k)
			}
		}
		if len(byKey) == 0 {
			delete(t.points, world)
		}
	}
	for world, gs := range t.gates {
		kept := gs[:0]
		for _, g := range gs {
			if g.ID != id {
				kept = append(kept, g)
			}
		}
		if len(kept) == 0 {
			delete(t.gates, world)
		} else {
			t.gates[world] = kept
		}
	}
}

func (t *Engine) dropLabel(id string) {
	if h, ok := t.labels[id]; ok {
		if h.Valid() {
			h.Remove()
		}
		delete(t.labels, id)
	}
}

func (t *Engine) printf(format string, args ...any) {
	if t.log != nil {
		t.log.Printf(format, args...)
	}
}
