package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"realmkeeper.ai/internal/control"
	"realmkeeper.ai/internal/instance"
	"realmkeeper.ai/internal/persistence/archive"
)

type MaintenanceReport struct {
	Rotated  int                  `json:"rotated"`
	Archived []uuid.UUID          `json:"archived,omitempty"`
	Failed   map[uuid.UUID]string `json:"failed,omitempty"`
}

// DailyMaintenance rotates every visitor window, then archives expired
// instances one at a time when auto-archive is on. The next archive starts
// only after the previous one settles.
func (m *Manager) DailyMaintenance(ctx context.Context) *control.Future[MaintenanceReport] {
	report := MaintenanceReport{Failed: map[uuid.UUID]string{}}
	all, err := m.reg.FindAll()
	if err != nil {
		return failed[MaintenanceReport](m, "maintenance", fmt.Errorf("maintenance: %w", err))
	}

	now := m.now()
	var expired []uuid.UUID
	for _, inst := range all {
		inst.RotateVisitors()
		if err := m.reg.Save(inst); err != nil {
			report.Failed[inst.UUID] = "rotate: " + err.Error()
			continue
		}
		report.Rotated++
		if m.cfg.AutoArchive && !inst.Archived && inst.Expired(now) {
			expired = append(expired, inst.UUID)
		}
	}
	m.printf("maintenance rotated=%d expired=%d auto_archive=%t", report.Rotated, len(expired), m.cfg.AutoArchive)

	fut := control.NewFuture[MaintenanceReport]()
	if len(expired) == 0 {
		fut.Resolve(report, nil)
		return fut
	}

	// Archive is a loop operation whose future settles on the loop, so the
	// sequencing runs on its own goroutine.
	m.io.Add(1)
	go func() {
		defer m.io.Done()
		for _, id := range expired {
			var step *control.Future[instance.Instance]
			if err := m.loop.Call(ctx, func() error {
				step = m.Archive(id)
				return nil
			}); err != nil {
				fut.Resolve(report, fmt.Errorf("maintenance: %w", err))
				return
			}
			if _, err := step.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					fut.Resolve(report, fmt.Errorf("maintenance: %w", ctx.Err()))
					return
				}
				report.Failed[id] = err.Error()
				m.printf("maintenance archive uuid=%s failed: %v", id, err)
				continue
			}
			report.Archived = append(report.Archived, id)
		}
		m.printf("maintenance done archived=%d failed=%d", len(report.Archived), len(report.Failed))
		fut.Resolve(report, nil)
	}()
	return fut
}

type ReconcileReport struct {
	Checked   int         `json:"checked"`
	Flipped   []uuid.UUID `json:"flipped,omitempty"`
	Conflicts []uuid.UUID `json:"conflicts,omitempty"`
	Missing   []uuid.UUID `json:"missing,omitempty"`
}

// Reconcile makes each record's archived flag agree with where its folder
// actually is. It is meant for startup, after a crash between a folder move
// and the record update. A folder present in both roots keeps the live copy
// authoritative; a folder present in neither is only reported.
func (m *Manager) Reconcile() (ReconcileReport, error) {
	var rep ReconcileReport
	all, err := m.reg.FindAll()
	if err != nil {
		return rep, fmt.Errorf("reconcile: %w", err)
	}
	for _, inst := range all {
		if _, busy := m.busy[inst.UUID]; busy {
			continue
		}
		rep.Checked++
		live := archive.Exists(m.livePath(inst))
		cold := archive.Exists(m.coldPath(inst))
		want := inst.Archived
		switch {
		case live && cold:
			rep.Conflicts = append(rep.Conflicts, inst.UUID)
			m.printf("reconcile uuid=%s: folder in live and cold storage, keeping live", inst.UUID)
			want = false
		case live:
			want = false
		case cold:
			want = true
		default:
			rep.Missing = append(rep.Missing, inst.UUID)
			m.printf("reconcile uuid=%s: folder %s missing from both roots", inst.UUID, inst.Folder)
			continue
		}
		if want == inst.Archived {
			continue
		}
		if want && m.IsLoaded(inst) {
			continue
		}
		inst.Archived = want
		if err := m.reg.Save(inst); err != nil {
			return rep, fmt.Errorf("reconcile %s: %w", inst.UUID, err)
		}
		rep.Flipped = append(rep.Flipped, inst.UUID)
		m.printf("reconcile uuid=%s: archived=%t to match disk", inst.UUID, want)
	}
	return rep, nil
}
