package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"realmkeeper.ai/internal/control"
	"realmkeeper.ai/internal/hooks"
	"realmkeeper.ai/internal/instance"
	"realmkeeper.ai/internal/persistence/archive"
)

type ConvertMode int

const (
	// ConvertNormal renames the world folder into the managed layout.
	ConvertNormal ConvertMode = iota
	// ConvertAdmin registers the folder in place and marks it unbounded.
	ConvertAdmin
)

func (c ConvertMode) String() string {
	if c == ConvertAdmin {
		return "admin"
	}
	return "normal"
}

// Archive unloads the instance and moves its folder to cold storage. The
// record flips to archived only after the move succeeds.
func (m *Manager) Archive(id uuid.UUID) *control.Future[instance.Instance] {
	inst, err := m.reg.FindByID(id)
	if err != nil {
		return failed[instance.Instance](m, "archive", fmt.Errorf("archive %s: %w", id, err))
	}
	if inst.Archived {
		return failed[instance.Instance](m, "archive", fmt.Errorf("archive %s: %w", id, ErrArchived))
	}
	if err := m.claim(id, "archive"); err != nil {
		return failed[instance.Instance](m, "archive", err)
	}
	if m.IsLoaded(inst) {
		if err := m.unload(inst); err != nil {
			m.release(id)
			return failed[instance.Instance](m, "archive", err)
		}
	}
	src, dst := m.livePath(inst), m.coldPath(inst)
	fut := control.NewFuture[instance.Instance]()
	offload(m, "archive", id, fut,
		func() error { return archive.MoveDir(src, dst) },
		func() (instance.Instance, error) {
			cur, err := m.reg.FindByID(id)
			if err != nil {
				return instance.Instance{}, fmt.Errorf("archive %s: %w", id, err)
			}
			cur.Archived = true
			if err := m.reg.Save(cur); err != nil {
				return instance.Instance{}, fmt.Errorf("archive %s: persist: %w", id, err)
			}
			refund := float64(cur.Credits) * m.cfg.ArchiveRefundRatio
			m.printf("archived uuid=%s cold=%s refund=%s", id, dst, formatCredits(refund))
			m.fire(hooks.OnWorldArchive, cur, map[string]string{"refund": formatCredits(refund)})
			return cur, nil
		},
	)
	return fut
}

// Unarchive moves the folder back from cold storage. The world stays
// unloaded until something loads it.
func (m *Manager) Unarchive(id uuid.UUID) *control.Future[instance.Instance] {
	inst, err := m.reg.FindByID(id)
	if err != nil {
		return failed[instance.Instance](m, "unarchive", fmt.Errorf("unarchive %s: %w", id, err))
	}
	if !inst.Archived {
		return failed[instance.Instance](m, "unarchive", fmt.Errorf("unarchive %s: %w", id, ErrNotArchived))
	}
	if err := m.claim(id, "unarchive"); err != nil {
		return failed[instance.Instance](m, "unarchive", err)
	}
	src, dst := m.coldPath(inst), m.livePath(inst)
	fut := control.NewFuture[instance.Instance]()
	offload(m, "unarchive", id, fut,
		func() error { return archive.MoveDir(src, dst) },
		func() (instance.Instance, error) {
			cur, err := m.reg.FindByID(id)
			if err != nil {
				return instance.Instance{}, fmt.Errorf("unarchive %s: %w", id, err)
			}
			cur.Archived = false
			if err := m.reg.Save(cur); err != nil {
				return instance.Instance{}, fmt.Errorf("unarchive %s: persist: %w", id, err)
			}
			m.printf("unarchived uuid=%s live=%s", id, dst)
			m.fire(hooks.OnWorldUnarchive, cur, nil)
			return cur, nil
		},
	)
	return fut
}

// Delete removes the instance folder and its record. An unknown id fails
// without touching anything.
func (m *Manager) Delete(id uuid.UUID) *control.Future[instance.Instance] {
	inst, err := m.reg.FindByID(id)
	if err != nil {
		return failed[instance.Instance](m, "delete", fmt.Errorf("delete %s: %w", id, err))
	}
	if err := m.claim(id, "delete"); err != nil {
		return failed[instance.Instance](m, "delete", err)
	}
	if m.IsLoaded(inst) {
		if err := m.unload(inst); err != nil {
			m.release(id)
			return failed[instance.Instance](m, "delete", err)
		}
	}
	dir := m.livePath(inst)
	if inst.Archived {
		dir = m.coldPath(inst)
	}
	fut := control.NewFuture[instance.Instance]()
	offload(m, "delete", id, fut,
		func() error { return os.RemoveAll(dir) },
		func() (instance.Instance, error) {
			if err := m.reg.Delete(id); err != nil {
				return instance.Instance{}, fmt.Errorf("delete %s: %w", id, err)
			}
			if m.cfg.DeleteDecrementsSlots && m.slots != nil && !inst.IsUnbounded() {
				if n, err := m.slots.AdjustGrantedSlots(inst.Owner, -1); err != nil {
					m.printf("delete uuid=%s: slot decrement for %s failed: %v", id, inst.Owner, err)
				} else {
					m.printf("delete uuid=%s: owner %s now has %d slots", id, inst.Owner, n)
				}
			}
			m.printf("deleted uuid=%s dir=%s", id, dir)
			m.fire(hooks.OnWorldDelete, inst, nil)
			return inst, nil
		},
	)
	return fut
}

// Convert adopts an existing world folder from the live root.
func (m *Manager) Convert(worldName, owner string, mode ConvertMode) *control.Future[instance.Instance] {
	worldName = strings.TrimSpace(worldName)
	if !validFolderName(worldName) {
		return failed[instance.Instance](m, "convert", fmt.Errorf("convert %q: %w", worldName, ErrWorldMissing))
	}
	if !archive.Exists(filepath.Join(m.cfg.LiveRoot, worldName)) {
		return failed[instance.Instance](m, "convert", fmt.Errorf("convert %q: %w", worldName, ErrWorldMissing))
	}
	if _, err := m.reg.FindByFolder(worldName); err == nil {
		return failed[instance.Instance](m, "convert", fmt.Errorf("convert %q: %w", worldName, ErrAlreadyManaged))
	}

	inst := m.newInstance(owner, worldName, instance.SourceConvert, 0)

	if mode == ConvertAdmin {
		inst.Folder = worldName
		inst.ExpansionLevel = instance.Unbounded
		if err := m.reg.Save(inst); err != nil {
			return failed[instance.Instance](m, "convert", fmt.Errorf("convert %q: %w", worldName, err))
		}
		if w, ok := m.eng.World(worldName); ok {
			m.applyBorder(w, inst)
		}
		m.printf("converted world=%s uuid=%s mode=%s", worldName, inst.UUID, mode)
		m.fire(hooks.OnWorldConvert, inst, map[string]string{"mode": mode.String(), "from": worldName})
		m.mets.ObserveOp("convert", time.Time{}, nil)
		return control.Resolved(inst, nil)
	}

	if m.eng.DefaultWorld().Name() == worldName {
		return failed[instance.Instance](m, "convert", fmt.Errorf("convert %q: %w", worldName, ErrDefaultWorld))
	}
	if w, ok := m.eng.World(worldName); ok {
		m.evacuate(w)
		if err := m.eng.UnloadWorld(worldName); err != nil {
			return failed[instance.Instance](m, "convert", fmt.Errorf("convert %q: unload: %w", worldName, err))
		}
		m.refreshLoaded()
	}
	if err := m.claim(inst.UUID, "convert"); err != nil {
		return failed[instance.Instance](m, "convert", err)
	}
	src, dst := filepath.Join(m.cfg.LiveRoot, worldName), m.livePath(inst)
	fut := control.NewFuture[instance.Instance]()
	offload(m, "convert", inst.UUID, fut,
		func() error { return archive.MoveDir(src, dst) },
		func() (instance.Instance, error) {
			if err := m.reg.Save(inst); err != nil {
				return instance.Instance{}, fmt.Errorf("convert %q: persist: %w", worldName, err)
			}
			m.printf("converted world=%s uuid=%s mode=%s folder=%s", worldName, inst.UUID, mode, inst.Folder)
			m.fire(hooks.OnWorldConvert, inst, map[string]string{"mode": mode.String(), "from": worldName})
			return inst, nil
		},
	)
	return fut
}

// validFolderName accepts a single path element naming a directory under one
// of the managed roots.
func validFolderName(name string) bool {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ExportName is the archive file name for inst: <name>_<uuid>.zip.
func ExportName(inst instance.Instance) string {
	name := strings.Trim(unsafeName.ReplaceAllString(inst.Name, "_"), "_")
	if name == "" {
		name = "world"
	}
	return name + "_" + inst.UUID.String() + ".zip"
}

// Export zips the live folder plus the instance record and resolves with the
// archive path.
func (m *Manager) Export(id uuid.UUID) *control.Future[string] {
	inst, err := m.reg.FindByID(id)
	if err != nil {
		return failed[string](m, "export", fmt.Errorf("export %s: %w", id, err))
	}
	if inst.Archived {
		return failed[string](m, "export", fmt.Errorf("export %s: %w", id, ErrArchived))
	}
	if err := m.claim(id, "export"); err != nil {
		return failed[string](m, "export", err)
	}
	meta, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		m.release(id)
		return failed[string](m, "export", fmt.Errorf("export %s: %w", id, err))
	}
	src := m.livePath(inst)
	dst := filepath.Join(m.cfg.ExportsRoot, ExportName(inst))
	fut := control.NewFuture[string]()
	offload(m, "export", id, fut,
		func() error { return archive.ExportZip(src, dst, meta) },
		func() (string, error) {
			queued := false
			if m.sink != nil {
				queued = m.sink.Enqueue(path.Join("exports", filepath.Base(dst)), dst)
			}
			m.printf("exported uuid=%s path=%s mirrored=%t", id, dst, queued)
			m.fire(hooks.OnWorldExport, inst, map[string]string{"path": dst})
			return dst, nil
		},
	)
	return fut
}
