package lifecycle

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"realmkeeper.ai/internal/control"
	"realmkeeper.ai/internal/engine"
	"realmkeeper.ai/internal/hooks"
	"realmkeeper.ai/internal/instance"
	"realmkeeper.ai/internal/persistence/archive"
)

// Create copies template templateID into a fresh instance folder and brings
// it up. A failed instantiation leaves the copied folder in place; its path
// is logged.
func (m *Manager) Create(templateID, owner, name string, credits int64) *control.Future[instance.Instance] {
	src := filepath.Join(m.cfg.TemplatesRoot, templateID)
	if !validFolderName(templateID) || !archive.Exists(src) {
		m.printf("create rejected owner=%s template=%q: missing", owner, templateID)
		return failed[instance.Instance](m, "create", fmt.Errorf("create %q: %w", templateID, ErrTemplateMissing))
	}

	inst := m.newInstance(owner, name, templateID, credits)
	dst := m.livePath(inst)
	fut := control.NewFuture[instance.Instance]()
	if err := m.claim(inst.UUID, "create"); err != nil {
		return failed[instance.Instance](m, "create", err)
	}
	m.printf("create begin uuid=%s owner=%s template=%s", inst.UUID, owner, templateID)

	offload(m, "create", inst.UUID, fut,
		func() error {
			if err := archive.CopyTree(src, dst, archive.SkipOnClone); err != nil {
				return fmt.Errorf("create %s: copy template: %w", inst.UUID, err)
			}
			return nil
		},
		func() (instance.Instance, error) {
			origin, hasOrigin := m.cfg.TemplateOrigins[templateID]
			var originPtr *engine.Location
			if hasOrigin {
				originPtr = &origin
			}
			if err := m.instantiate(&inst, engine.WorldSpec{Folder: inst.Folder}, originPtr); err != nil {
				m.printf("create failed uuid=%s orphaned_folder=%s err=%v", inst.UUID, dst, err)
				return instance.Instance{}, err
			}
			return inst, nil
		},
	)
	return fut
}

// Generate creates an instance whose terrain the engine synthesizes from seed.
func (m *Manager) Generate(owner, name string, seed *int64, credits int64) *control.Future[instance.Instance] {
	started := time.Now()
	inst := m.newInstance(owner, name, instance.SourceGenerated, credits)
	spec := engine.WorldSpec{Folder: inst.Folder, Seed: seed, Generate: true}
	if err := m.instantiate(&inst, spec, nil); err != nil {
		m.printf("generate failed uuid=%s folder=%s err=%v", inst.UUID, m.livePath(inst), err)
		return failed[instance.Instance](m, "generate", err)
	}
	m.mets.ObserveOp("generate", started, nil)
	return control.Resolved(inst, nil)
}

func (m *Manager) newInstance(owner, name, source string, credits int64) instance.Instance {
	id := uuid.New()
	if strings.TrimSpace(name) == "" {
		name = owner + "'s world"
	}
	return instance.Instance{
		UUID:      id,
		Name:      name,
		Owner:     owner,
		Folder:    instance.FolderName(m.cfg.FolderPrefix, id),
		Source:    source,
		Credits:   credits,
		CreatedAt: m.now(),
	}
}

// instantiate brings a new instance's world up, applies border, gamerules and
// spawn, persists the record, sends the owner in when online and fires the
// create trigger.
func (m *Manager) instantiate(inst *instance.Instance, spec engine.WorldSpec, origin *engine.Location) error {
	w, err := m.eng.CreateWorld(spec)
	if err != nil {
		return fmt.Errorf("instantiate %s: %w: %v", inst.UUID, ErrInstantiate, err)
	}

	var spawn engine.Location
	if origin != nil {
		spawn = origin.WithWorld(inst.Folder)
	} else {
		spawn = engine.Location{World: inst.Folder, X: 0.5, Y: float64(w.HighestSafeY(0, 0)), Z: 0.5}
	}
	center := engine.Location{World: inst.Folder, X: spawn.X, Z: spawn.Z}
	if origin == nil {
		center.X, center.Z = 0, 0
	}
	inst.BorderCenter = &center
	guest, member := spawn, spawn
	inst.GuestSpawn = &guest
	inst.MemberSpawn = &member

	m.applyBorder(w, *inst)
	for rule, v := range m.cfg.GameRules {
		w.SetGameRule(rule, v)
	}
	w.SetSpawn(spawn)

	if err := m.reg.Save(*inst); err != nil {
		return fmt.Errorf("instantiate %s: persist: %w", inst.UUID, err)
	}
	m.printf("created uuid=%s owner=%s folder=%s source=%s", inst.UUID, inst.Owner, inst.Folder, inst.Source)
	m.refreshLoaded()

	if p, ok := m.eng.Player(inst.Owner); ok {
		if err := m.TeleportToWorld(p, inst.UUID, nil); err != nil {
			m.printf("create: send owner %s in: %v", inst.Owner, err)
		}
	}
	m.fire(hooks.OnWorldCreate, *inst, map[string]string{
		"source":  inst.Source,
		"credits": strconv.FormatInt(inst.Credits, 10),
	})
	return nil
}
