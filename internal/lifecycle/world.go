package lifecycle

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"realmkeeper.ai/internal/engine"
	"realmkeeper.ai/internal/hooks"
	"realmkeeper.ai/internal/instance"
	"realmkeeper.ai/internal/portal"
)

// Load brings the instance's world up in the engine. Loading a loaded
// instance is a no-op.
func (m *Manager) Load(id uuid.UUID) error {
	inst, err := m.reg.FindByID(id)
	if err != nil {
		return fmt.Errorf("load %s: %w", id, err)
	}
	_, err = m.load(&inst)
	return err
}

// load returns the live world for inst, instantiating it if needed. inst is
// updated and persisted when stored locations had to be bound to the folder.
func (m *Manager) load(inst *instance.Instance) (engine.World, error) {
	if inst.Archived {
		return nil, fmt.Errorf("load %s: %w", inst.UUID, ErrArchived)
	}
	if w, ok := m.eng.World(inst.Folder); ok {
		return w, nil
	}
	if op, ok := m.busy[inst.UUID]; ok {
		return nil, fmt.Errorf("load %s: %w (%s)", inst.UUID, ErrBusy, op)
	}
	w, err := m.eng.CreateWorld(engine.WorldSpec{Folder: inst.Folder})
	if err != nil {
		m.printf("load failed uuid=%s folder=%s err=%v", inst.UUID, inst.Folder, err)
		return nil, fmt.Errorf("load %s: %w: %v", inst.UUID, ErrInstantiate, err)
	}
	m.applyBorder(w, *inst)
	if inst.BindLocations() {
		if err := m.reg.Save(*inst); err != nil {
			m.printf("load: persist bound locations uuid=%s err=%v", inst.UUID, err)
		}
	}
	m.printf("loaded uuid=%s folder=%s border=%g", inst.UUID, inst.Folder, m.BorderSize(*inst))
	m.fire(hooks.OnWorldLoad, *inst, nil)
	m.refreshLoaded()
	return w, nil
}

func (m *Manager) applyBorder(w engine.World, inst instance.Instance) {
	cx, cz := 0.0, 0.0
	if inst.BorderCenter != nil {
		cx, cz = inst.BorderCenter.X, inst.BorderCenter.Z
	}
	w.SetBorder(cx, cz, m.BorderSize(inst))
}

// Unload evacuates entities to the fallback location and unloads the world.
func (m *Manager) Unload(id uuid.UUID) error {
	inst, err := m.reg.FindByID(id)
	if err != nil {
		return fmt.Errorf("unload %s: %w", id, err)
	}
	return m.unload(inst)
}

func (m *Manager) unload(inst instance.Instance) error {
	w, ok := m.eng.World(inst.Folder)
	if !ok {
		return fmt.Errorf("unload %s: %w", inst.UUID, ErrNotLoaded)
	}
	m.evacuate(w)
	if err := m.eng.UnloadWorld(inst.Folder); err != nil {
		m.printf("unload failed uuid=%s folder=%s err=%v", inst.UUID, inst.Folder, err)
		return fmt.Errorf("unload %s: %w", inst.UUID, err)
	}
	m.printf("unloaded uuid=%s folder=%s", inst.UUID, inst.Folder)
	m.fire(hooks.OnWorldUnload, inst, nil)
	m.refreshLoaded()
	return nil
}

// evacuate moves every entity out of w except portal labels, which belong to
// the world and are rebuilt by the transit scan.
func (m *Manager) evacuate(w engine.World) {
	to := m.fallback()
	if to.World == w.Name() {
		to = m.eng.DefaultWorld().Spawn()
	}
	for _, e := range w.Entities() {
		if portal.IsLabel(e) {
			continue
		}
		if err := e.Teleport(to); err != nil {
			m.printf("evacuate %s from %s: %v", e.ID(), w.Name(), err)
		}
	}
}

func (m *Manager) fallback() engine.Location {
	def := m.eng.DefaultWorld()
	if m.cfg.Fallback == nil {
		return def.Spawn()
	}
	to := *m.cfg.Fallback
	if to.World == "" {
		to.World = def.Name()
	}
	if _, ok := m.eng.World(to.World); !ok {
		return def.Spawn()
	}
	return to
}

// TeleportToWorld moves ent into the instance, loading it first. With a nil
// loc the target is the member spawn for the owner and members, the guest
// spawn for everyone else, and the world spawn when neither is stored.
func (m *Manager) TeleportToWorld(ent engine.Entity, id uuid.UUID, loc *engine.Location) error {
	started := time.Now()
	err := m.teleportToWorld(ent, id, loc)
	m.mets.ObserveOp("teleport", started, err)
	return err
}

func (m *Manager) teleportToWorld(ent engine.Entity, id uuid.UUID, loc *engine.Location) error {
	if ent == nil || !ent.Valid() {
		return fmt.Errorf("teleport to %s: invalid entity", id)
	}
	inst, err := m.reg.FindByID(id)
	if err != nil {
		return fmt.Errorf("teleport to %s: %w", id, err)
	}
	w, err := m.load(&inst)
	if err != nil {
		return err
	}

	var target engine.Location
	switch {
	case loc != nil:
		target = *loc
	case inst.IsMember(ent.ID()) && inst.MemberSpawn != nil:
		target = *inst.MemberSpawn
	case inst.GuestSpawn != nil:
		target = *inst.GuestSpawn
	default:
		target = w.Spawn()
	}
	if target.World == "" {
		target.World = inst.Folder
	}
	if err := ent.Teleport(target); err != nil {
		return fmt.Errorf("teleport %s to %s: %w", ent.ID(), id, err)
	}

	if ent.IsPlayer() && ent.ID() != inst.Owner {
		inst.RecordVisit()
		if err := m.reg.Save(inst); err != nil {
			m.printf("record visit uuid=%s err=%v", inst.UUID, err)
		}
	}
	m.fire(hooks.OnWorldWarp, inst, map[string]string{"entity": ent.ID(), "world": target.World})
	return nil
}

// Expand grows the border one level and resizes it live when loaded.
func (m *Manager) Expand(id uuid.UUID) error {
	inst, err := m.reg.FindByID(id)
	if err != nil {
		return fmt.Errorf("expand %s: %w", id, err)
	}
	if inst.IsUnbounded() {
		return fmt.Errorf("expand %s: %w", id, ErrUnbounded)
	}
	inst.ExpansionLevel++
	if err := m.reg.Save(inst); err != nil {
		return fmt.Errorf("expand %s: %w", id, err)
	}
	if w, ok := m.eng.World(inst.Folder); ok {
		m.applyBorder(w, inst)
	}
	m.printf("expanded uuid=%s level=%d size=%g", inst.UUID, inst.ExpansionLevel, m.BorderSize(inst))
	return nil
}

// Renew sets the instance's expiry. A zero time means it never expires.
func (m *Manager) Renew(id uuid.UUID, until time.Time) error {
	inst, err := m.reg.FindByID(id)
	if err != nil {
		return fmt.Errorf("renew %s: %w", id, err)
	}
	inst.ExpireDate = until.UTC()
	return m.reg.Save(inst)
}

// SetMembers replaces the member list. Members use the member spawn.
func (m *Manager) SetMembers(id uuid.UUID, members []string) error {
	inst, err := m.reg.FindByID(id)
	if err != nil {
		return fmt.Errorf("members %s: %w", id, err)
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(members))
	for _, p := range members {
		if p == "" || p == inst.Owner || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	inst.Members = out
	return m.reg.Save(inst)
}
