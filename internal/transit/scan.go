package transit

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"realmkeeper.ai/internal/engine"
	"realmkeeper.ai/internal/hooks"
	"realmkeeper.ai/internal/portal"
)

type ScanStats struct {
	Portals int
	Healed  int
	Labels  int
	Warps   int
}

// Scan is one periodic pass: rebuild the indices from the registry, drop
// point portals whose support block is gone, draw particles, keep one label
// per portal, then warp entities found inside gates.
func (t *Engine) Scan() (ScanStats, error) {
	started := time.Now()
	var st ScanStats

	all, err := t.reg.FindAll()
	if err != nil {
		return st, fmt.Errorf("scan: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	all = t.rebuild(all)

	live := make([]portal.Region, 0, len(all))
	for _, r := range all {
		w, ok := t.eng.World(r.World)
		if !ok {
			// Labels died with the world; a fresh handle is looked up on reload.
			delete(t.labels, r.ID)
			continue
		}
		if r.Kind == portal.KindPoint && !t.supported(w, r) {
			if err := t.reg.Remove(r.ID); err != nil {
				t.printf("scan: remove unsupported portal %s: %v", r.ID, err)
			} else {
				t.dropLabel(r.ID)
				t.unindex(r.ID)
				st.Healed++
				t.printf("portal %s lost its support block at %v, removed", r.ID, r.Anchor)
			}
			continue
		}
		live = append(live, r)
	}
	st.Portals = len(all) - st.Healed

	for _, r := range live {
		w, _ := t.eng.World(r.World)
		kind := r.Particle
		if kind == "" {
			kind = t.cfg.Particle
		}
		for _, at := range r.Footprint(t.cfg.ParticleBudget) {
			w.SpawnParticles(kind, at, 1)
		}
	}

	var dirty []portal.Region
	for _, r := range live {
		w, _ := t.eng.World(r.World)
		changed, spawned := t.syncLabel(w, &r)
		if spawned {
			st.Labels++
		}
		if changed {
			dirty = append(dirty, r)
		}
	}
	if len(dirty) > 0 {
		if err := t.reg.PersistAll(dirty); err != nil {
			t.printf("scan: persist label handles: %v", err)
		}
	}

	st.Warps = t.sweepGates()
	t.purge()

	t.mets.SetPortals(st.Portals)
	t.mets.ObserveScan(time.Since(started))
	return st, nil
}

// rebuild replaces the indices with the registry contents and removes labels
// that belong to portals no longer stored. all must be sorted by id; when two
// point portals share an anchor the lower id keeps it and the other is
// skipped. It returns the portals that were indexed.
func (t *Engine) rebuild(all []portal.Region) []portal.Region {
	t.points = map[string]map[int64]*portal.Region{}
	t.gates = map[string][]*portal.Region{}
	known := make(map[string]struct{}, len(all))
	indexed := all[:0]
	for _, r := range all {
		if !t.index(r) {
			t.printf("scan: portal %s shares anchor %v in %s with another portal, skipped", r.ID, r.Anchor, r.World)
			continue
		}
		known[r.ID] = struct{}{}
		indexed = append(indexed, r)
	}
	for id := range t.labels {
		if _, ok := known[id]; !ok {
			t.dropLabel(id)
		}
	}
	return indexed
}

func (t *Engine) supported(w engine.World, r portal.Region) bool {
	got := w.BlockAt(r.Anchor)
	if r.Block == "" {
		return got != ""
	}
	return got == r.Block
}

// syncLabel makes sure exactly one label entity shows r's text. It reuses the
// cached handle, then the persisted entity id, then any tagged entity near
// the anchor, and spawns a new one only when all of those miss. changed
// reports that r.LabelEntity was updated.
func (t *Engine) syncLabel(w engine.World, r *portal.Region) (changed, spawned bool) {
	text := r.LabelText()
	tag := portal.LabelTag(r.ID)
	anchor := r.LabelAnchor()

	h := t.labels[r.ID]
	if h != nil && !h.Valid() {
		delete(t.labels, r.ID)
		h = nil
	}
	if h == nil && r.LabelEntity != "" {
		if e, ok := t.eng.Entity(r.LabelEntity); ok && engine.HasTag(e, tag) {
			h = e
		}
	}
	if h == nil {
		for _, e := range w.NearbyEntities(anchor, t.cfg.LabelSearchRadius) {
			if !engine.HasTag(e, tag) {
				continue
			}
			if h == nil {
				h = e
				continue
			}
			e.Remove()
			t.printf("portal %s: removed duplicate label %s", r.ID, e.ID())
		}
		if h != nil {
			t.printf("portal %s: adopted label %s", r.ID, h.ID())
		}
	}
	if h == nil {
		h = w.SpawnLabel(anchor, text, tag)
		if h == nil {
			t.printf("portal %s: label spawn failed", r.ID)
			return false, false
		}
		spawned = true
	}
	h.SetText(text)
	t.labels[r.ID] = h
	if r.LabelEntity != h.ID() {
		r.LabelEntity = h.ID()
		changed = true
	}
	return changed, spawned
}

// sweepGates warps every entity standing in a gate it is not ignored for.
// Worlds and gates are visited in name and id order so overlaps resolve the
// same way every cycle.
func (t *Engine) sweepGates() int {
	worlds := make([]string, 0, len(t.gates))
	for name := range t.gates {
		worlds = append(worlds, name)
	}
	sort.Strings(worlds)

	warps := 0
	for _, name := range worlds {
		w, ok := t.eng.World(name)
		if !ok {
			continue
		}
		gates := t.gates[name]
		sort.Slice(gates, func(i, j int) bool { return gates[i].ID < gates[j].ID })
		for _, ent := range w.Entities() {
			if portal.IsLabel(ent) {
				continue
			}
			loc := ent.Location()
			if loc.World != name {
				continue
			}
			var hit *portal.Region
			for _, g := range gates {
				if g.Contains(loc) {
					hit = g
					break
				}
			}
			if hit == nil {
				delete(t.ignore, ent.ID())
				continue
			}
			if _, ignored := t.ignore[ent.ID()]; ignored {
				continue
			}
			if t.dispatch(ent, hit, true) == nil {
				warps++
			}
		}
	}
	return warps
}

// purge drops expired grace entries and ignore entries for entities that are
// gone or no longer inside any gate.
func (t *Engine) purge() {
	now := t.cfg.Now()
	for k, until := range t.grace {
		if !now.Before(until) {
			delete(t.grace, k)
		}
	}
	for id, ent := range t.ignore {
		if !ent.Valid() || !t.inGate(ent.Location()) {
			delete(t.ignore, id)
		}
	}
	for id, at := range t.cooldown {
		if now.Sub(at) >= t.cfg.Cooldown {
			delete(t.cooldown, id)
		}
	}
}

func (t *Engine) inGate(loc engine.Location) bool {
	for _, g := range t.gates[loc.World] {
		if g.Contains(loc) {
			return true
		}
	}
	return false
}

// dispatch resolves r's destination and teleports ent there. Gate transits
// coming from the scan also put ent on the ignore list and start a grace
// period on r.
func (t *Engine) dispatch(ent engine.Entity, r *portal.Region, fromGate bool) error {
	now := t.cfg.Now()
	id := ent.ID()
	if last, ok := t.cooldown[id]; ok && now.Sub(last) < t.cfg.Cooldown {
		return ErrSuppressed
	}
	if fromGate {
		if _, ok := t.ignore[id]; ok {
			return ErrSuppressed
		}
	}
	if until, ok := t.grace[graceKey{id, r.ID}]; ok && now.Before(until) {
		return ErrSuppressed
	}

	from := ent.Location()
	err := t.travel(ent, r.Destination)
	t.mets.ObserveWarp(string(r.Kind), err)
	if err != nil {
		t.printf("portal %s: warp %s to %s failed: %v", r.ID, id, r.Destination, err)
		if fromGate {
			// Stay quiet until the entity walks out instead of retrying every cycle.
			t.ignore[id] = ent
		}
		return err
	}

	t.cooldown[id] = now
	if fromGate {
		t.ignore[id] = ent
		grace := t.cfg.Grace
		if r.GracePeriod > 0 {
			grace = r.GracePeriod
		}
		if grace > 0 {
			t.grace[graceKey{id, r.ID}] = now.Add(grace)
		}
	}
	to := ent.Location()
	t.hooks.Fire(hooks.OnPortalWarp, map[string]string{
		"portal":      r.ID,
		"kind":        string(r.Kind),
		"entity":      id,
		"from":        from.World,
		"to":          to.World,
		"destination": r.Destination.String(),
	})
	return nil
}

func (t *Engine) travel(ent engine.Entity, dest portal.Destination) error {
	if dest.Instance != "" {
		uid, err := uuid.Parse(dest.Instance)
		if err != nil {
			return fmt.Errorf("%w: bad instance id %q", ErrDestination, dest.Instance)
		}
		inst, err := t.life.Instance(uid)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDestination, err)
		}
		if inst.Archived {
			return fmt.Errorf("%w: instance %s archived", ErrDestination, uid)
		}
		if t.access != nil && !t.access(ent, inst) {
			return ErrDenied
		}
		return t.life.TeleportToWorld(ent, uid, nil)
	}
	w, ok := t.eng.World(dest.World)
	if !ok {
		loaded, err := t.eng.CreateWorld(engine.WorldSpec{Folder: dest.World})
		if err != nil {
			return fmt.Errorf("%w: load world %s: %v", ErrDestination, dest.World, err)
		}
		t.printf("loaded external destination world=%s", dest.World)
		w = loaded
	}
	return ent.Teleport(w.Spawn())
}
