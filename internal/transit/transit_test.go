package transit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"realmkeeper.ai/internal/engine"
	"realmkeeper.ai/internal/engine/memengine"
	"realmkeeper.ai/internal/hooks"
	"realmkeeper.ai/internal/instance"
	"realmkeeper.ai/internal/portal"
)

type fakeLife struct {
	eng   *memengine.Engine
	insts map[uuid.UUID]instance.Instance
	calls int
}

func (f *fakeLife) Instance(id uuid.UUID) (instance.Instance, error) {
	inst, ok := f.insts[id]
	if !ok {
		return instance.Instance{}, instance.ErrNotFound
	}
	return inst, nil
}

func (f *fakeLife) TeleportToWorld(ent engine.Entity, id uuid.UUID, loc *engine.Location) error {
	f.calls++
	inst, err := f.Instance(id)
	if err != nil {
		return err
	}
	w, err := f.eng.CreateWorld(engine.WorldSpec{Folder: inst.Folder, Generate: true})
	if err != nil {
		return err
	}
	to := w.Spawn()
	if inst.GuestSpawn != nil {
		to = inst.GuestSpawn.WithWorld(w.Name())
	}
	return ent.Teleport(to)
}

type fixture struct {
	eng  *memengine.Engine
	reg  *portal.SQLiteRegistry
	life *fakeLife
	rec  *hooks.Recorder
	now  time.Time
	tr   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	eng, err := memengine.New(filepath.Join(dir, "worlds"))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	reg, err := portal.OpenSQLite(filepath.Join(dir, "portals.db"))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	f := &fixture{
		eng:  eng,
		reg:  reg,
		life: &fakeLife{eng: eng, insts: map[uuid.UUID]instance.Instance{}},
		rec:  &hooks.Recorder{},
		now:  time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	f.tr = f.newEngine(Options{})
	return f
}

func (f *fixture) newEngine(opts Options) *Engine {
	opts.Hooks = f.rec
	return New(Config{
		Cooldown:          time.Second,
		Grace:             3 * time.Second,
		LabelSearchRadius: 2,
		ParticleBudget:    8,
		Now:               func() time.Time { return f.now },
	}, f.eng, f.reg, f.life, opts)
}

// world loads name with its spawn parked away from every test portal.
func (f *fixture) world(t *testing.T, name string, spawn engine.Location) *memengine.World {
	t.Helper()
	w, err := f.eng.CreateWorld(engine.WorldSpec{Folder: name, Generate: true})
	if err != nil {
		t.Fatalf("world %s: %v", name, err)
	}
	w.SetSpawn(spawn)
	return w.(*memengine.World)
}

func (f *fixture) scan(t *testing.T) ScanStats {
	t.Helper()
	st, err := f.tr.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return st
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func at(world string, x, y, z float64) engine.Location {
	return engine.Location{World: world, X: x, Y: y, Z: z}
}

func countLabels(w *memengine.World, id string) int {
	n := 0
	for _, e := range w.Entities() {
		if engine.HasTag(e, portal.LabelTag(id)) {
			n++
		}
	}
	return n
}

func TestGateWarpsIntoManagedInstance(t *testing.T) {
	f := newFixture(t)
	f.world(t, "w1", at("", 50.5, 64, 50.5))

	guest := at("", 100.5, 70, 100.5)
	inst := instance.Instance{UUID: uuid.New(), Owner: "alice", Folder: "my_world.w2", GuestSpawn: &guest}
	f.life.insts[inst.UUID] = inst

	gate := portal.NewGate("g1", "w1", engine.BlockPos{X: 3, Y: 66, Z: 3}, engine.BlockPos{X: 0, Y: 64, Z: 0},
		portal.Destination{Instance: inst.UUID.String()})
	if err := f.tr.Place(gate); err != nil {
		t.Fatalf("place: %v", err)
	}
	p, err := f.eng.SpawnPlayer("bob", at("w1", 1.5, 64, 1.5))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	st := f.scan(t)
	if st.Warps != 1 {
		t.Fatalf("warps = %d, want 1", st.Warps)
	}
	got := p.Location()
	if got.World != "my_world.w2" || got.X != 100.5 || got.Z != 100.5 {
		t.Fatalf("player at %+v, want guest spawn of w2", got)
	}
	evs := f.rec.Events()
	if len(evs) != 1 || evs[0].Trigger != hooks.OnPortalWarp {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Params["portal"] != "g1" || evs[0].Params["from"] != "w1" || evs[0].Params["to"] != "my_world.w2" {
		t.Fatalf("params = %v", evs[0].Params)
	}
}

func TestGateIgnoresEntityUntilItLeaves(t *testing.T) {
	f := newFixture(t)
	f.world(t, "a", at("", 50.5, 64, 50.5))
	// b's spawn sits inside b's own gate back to a.
	f.world(t, "b", at("", 1.5, 64, 1.5))
	box := func(id, world, dest string) portal.Region {
		return portal.NewGate(id, world, engine.BlockPos{X: 0, Y: 64, Z: 0}, engine.BlockPos{X: 3, Y: 66, Z: 3},
			portal.Destination{World: dest})
	}
	for _, r := range []portal.Region{box("ga", "a", "b"), box("gb", "b", "a")} {
		if err := f.tr.Place(r); err != nil {
			t.Fatalf("place %s: %v", r.ID, err)
		}
	}
	mob, err := f.eng.SpawnMob(at("a", 1.5, 64, 1.5))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if st := f.scan(t); st.Warps != 1 {
		t.Fatalf("first scan warps = %d, want 1", st.Warps)
	}
	if mob.Location().World != "b" {
		t.Fatalf("mob in %s, want b", mob.Location().World)
	}

	f.advance(10 * time.Second)
	if st := f.scan(t); st.Warps != 0 {
		t.Fatalf("warped while still standing in the arrival gate")
	}

	mob.MoveTo(at("b", 20, 64, 20))
	f.scan(t)
	mob.MoveTo(at("b", 2.5, 65, 2.5))
	if st := f.scan(t); st.Warps != 1 {
		t.Fatalf("re-entry warps = %d, want 1", st.Warps)
	}
	if got := mob.Location(); got.World != "a" || got.X != 50.5 {
		t.Fatalf("mob at %+v, want a spawn", got)
	}
}

func TestGateGraceBlocksQuickReturn(t *testing.T) {
	f := newFixture(t)
	f.world(t, "a", at("", 50.5, 64, 50.5))
	f.world(t, "b", at("", 10.5, 64, 10.5))
	gate := portal.NewGate("ga", "a", engine.BlockPos{X: 0, Y: 64, Z: 0}, engine.BlockPos{X: 3, Y: 66, Z: 3},
		portal.Destination{World: "b"})
	if err := f.tr.Place(gate); err != nil {
		t.Fatalf("place: %v", err)
	}
	mob, _ := f.eng.SpawnMob(at("a", 1.5, 64, 1.5))
	if st := f.scan(t); st.Warps != 1 {
		t.Fatalf("warps = %d, want 1", st.Warps)
	}

	f.advance(1500 * time.Millisecond)
	mob.MoveTo(at("a", 1.5, 64, 1.5))
	if st := f.scan(t); st.Warps != 0 {
		t.Fatalf("warped during grace period")
	}
	if mob.Location().World != "a" {
		t.Fatalf("mob left a during grace")
	}

	f.advance(2 * time.Second)
	if st := f.scan(t); st.Warps != 1 {
		t.Fatalf("warps after grace = %d, want 1", st.Warps)
	}
	if n := f.rec.Count(hooks.OnPortalWarp); n != 2 {
		t.Fatalf("warp hooks = %d, want 2", n)
	}
}

func TestPointPortalCooldown(t *testing.T) {
	f := newFixture(t)
	a := f.world(t, "a", at("", 50.5, 64, 50.5))
	f.world(t, "b", at("", 7.5, 64, 7.5))
	anchor := engine.BlockPos{X: 10, Y: 64, Z: 10}
	a.SetBlock(anchor, "gold_block")
	if err := f.tr.Place(portal.NewPoint("p1", "a", anchor, "gold_block", portal.Destination{World: "b"})); err != nil {
		t.Fatalf("place: %v", err)
	}
	p, _ := f.eng.SpawnPlayer("bob", at("a", 10.5, 65, 10.5))

	if !f.tr.OnMove(p) {
		t.Fatalf("first step did not warp")
	}
	if p.Location().World != "b" {
		t.Fatalf("player in %s, want b", p.Location().World)
	}

	p.MoveTo(at("a", 10.5, 65, 10.5))
	f.advance(500 * time.Millisecond)
	if f.tr.OnMove(p) {
		t.Fatalf("warped again inside the cooldown")
	}

	f.advance(600 * time.Millisecond)
	if !f.tr.OnMove(p) {
		t.Fatalf("no warp after cooldown")
	}
	if n := f.rec.Count(hooks.OnPortalWarp); n != 2 {
		t.Fatalf("warp hooks = %d, want 2", n)
	}

	p.MoveTo(at("a", 11.5, 65, 10.5))
	f.advance(5 * time.Second)
	if f.tr.OnMove(p) {
		t.Fatalf("warped while standing next to the anchor")
	}
}

func TestPointPortalRemovedWhenSupportBreaks(t *testing.T) {
	f := newFixture(t)
	a := f.world(t, "a", at("", 50.5, 64, 50.5))
	f.world(t, "b", at("", 7.5, 64, 7.5))
	anchor := engine.BlockPos{X: 10, Y: 64, Z: 10}
	a.SetBlock(anchor, "gold_block")
	if err := f.tr.Place(portal.NewPoint("p1", "a", anchor, "gold_block", portal.Destination{World: "b"})); err != nil {
		t.Fatalf("place: %v", err)
	}

	st := f.scan(t)
	if st.Portals != 1 || st.Labels != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if countLabels(a, "p1") != 1 {
		t.Fatalf("label not spawned")
	}
	if a.ParticleCount() == 0 {
		t.Fatalf("no particles drawn")
	}

	a.SetBlock(anchor, "")
	st = f.scan(t)
	if st.Healed != 1 || st.Portals != 0 {
		t.Fatalf("stats after break = %+v", st)
	}
	if _, err := f.reg.FindByID("p1"); !errors.Is(err, portal.ErrNotFound) {
		t.Fatalf("portal still stored: %v", err)
	}
	if countLabels(a, "p1") != 0 {
		t.Fatalf("label survived its portal")
	}

	p, _ := f.eng.SpawnPlayer("bob", at("a", 10.5, 65, 10.5))
	if f.tr.OnMove(p) {
		t.Fatalf("removed portal still warps")
	}
}

func TestLabelAdoptedAfterHandlesReset(t *testing.T) {
	f := newFixture(t)
	a := f.world(t, "a", at("", 50.5, 64, 50.5))
	gate := portal.NewGate("g1", "a", engine.BlockPos{X: 0, Y: 64, Z: 0}, engine.BlockPos{X: 3, Y: 66, Z: 3},
		portal.Destination{World: "world"})
	gate.Label = "Spawn"
	if err := f.tr.Place(gate); err != nil {
		t.Fatalf("place: %v", err)
	}
	if st := f.scan(t); st.Labels != 1 {
		t.Fatalf("labels spawned = %d, want 1", st.Labels)
	}
	stored, _ := f.reg.FindByID("g1")
	first := stored.LabelEntity
	if first == "" {
		t.Fatalf("label handle not persisted")
	}
	// A stray duplicate, as left behind by a crash mid-spawn.
	a.SpawnLabel(gate.LabelAnchor(), "Spawn", portal.LabelTag("g1"))

	f.eng.Forget()
	f.tr = f.newEngine(Options{})
	if st := f.scan(t); st.Labels != 0 {
		t.Fatalf("spawned %d new labels, want adoption", st.Labels)
	}
	if n := countLabels(a, "g1"); n != 1 {
		t.Fatalf("labels = %d, want 1", n)
	}
	stored, _ = f.reg.FindByID("g1")
	if stored.LabelEntity == "" || stored.LabelEntity == first {
		t.Fatalf("label handle = %q, want the adopted id", stored.LabelEntity)
	}
	e, ok := f.eng.Entity(stored.LabelEntity)
	if !ok {
		t.Fatalf("persisted label %s not alive", stored.LabelEntity)
	}
	if txt := e.(*memengine.Entity).Text(); txt != "Spawn" {
		t.Fatalf("label text = %q", txt)
	}

	if st := f.scan(t); st.Labels != 0 || countLabels(a, "g1") != 1 {
		t.Fatalf("second scan changed labels: %+v", st)
	}
}

func TestStaleLabelRemovedWithPortal(t *testing.T) {
	f := newFixture(t)
	a := f.world(t, "a", at("", 50.5, 64, 50.5))
	gate := portal.NewGate("g1", "a", engine.BlockPos{X: 0, Y: 64, Z: 0}, engine.BlockPos{X: 1, Y: 65, Z: 1},
		portal.Destination{World: "world"})
	if err := f.tr.Place(gate); err != nil {
		t.Fatalf("place: %v", err)
	}
	f.scan(t)
	if err := f.reg.Remove("g1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	f.scan(t)
	if n := countLabels(a, "g1"); n != 0 {
		t.Fatalf("labels = %d after portal removal", n)
	}
}

func TestArchivedDestinationRejected(t *testing.T) {
	f := newFixture(t)
	f.world(t, "w1", at("", 50.5, 64, 50.5))
	inst := instance.Instance{UUID: uuid.New(), Owner: "alice", Folder: "my_world.cold", Archived: true}
	f.life.insts[inst.UUID] = inst
	gate := portal.NewGate("g1", "w1", engine.BlockPos{X: 0, Y: 64, Z: 0}, engine.BlockPos{X: 3, Y: 66, Z: 3},
		portal.Destination{Instance: inst.UUID.String()})
	if err := f.tr.Place(gate); err != nil {
		t.Fatalf("place: %v", err)
	}
	p, _ := f.eng.SpawnPlayer("bob", at("w1", 1.5, 64, 1.5))

	for i := 0; i < 3; i++ {
		if st := f.scan(t); st.Warps != 0 {
			t.Fatalf("warped into an archived instance")
		}
		f.advance(5 * time.Second)
	}
	if p.Location().World != "w1" {
		t.Fatalf("player moved to %s", p.Location().World)
	}
	if f.life.calls != 0 {
		t.Fatalf("teleport attempted %d times", f.life.calls)
	}
	if n := f.rec.Count(hooks.OnPortalWarp); n != 0 {
		t.Fatalf("warp hooks = %d", n)
	}
}

func TestAccessPolicyDenies(t *testing.T) {
	f := newFixture(t)
	f.world(t, "w1", at("", 50.5, 64, 50.5))
	inst := instance.Instance{UUID: uuid.New(), Owner: "alice", Folder: "my_world.w2"}
	f.life.insts[inst.UUID] = inst
	f.tr = f.newEngine(Options{Access: func(ent engine.Entity, inst instance.Instance) bool {
		return ent.ID() == inst.Owner || inst.IsMember(ent.ID())
	}})
	anchor := engine.BlockPos{X: 5, Y: 64, Z: 5}
	w1, _ := f.eng.World("w1")
	w1.(*memengine.World).SetBlock(anchor, "stone")
	if err := f.tr.Place(portal.NewPoint("p1", "w1", anchor, "", portal.Destination{Instance: inst.UUID.String()})); err != nil {
		t.Fatalf("place: %v", err)
	}

	bob, _ := f.eng.SpawnPlayer("bob", at("w1", 5.5, 65, 5.5))
	if f.tr.OnMove(bob) {
		t.Fatalf("stranger let in")
	}
	alice, _ := f.eng.SpawnPlayer("alice", at("w1", 5.5, 65, 5.5))
	if !f.tr.OnMove(alice) {
		t.Fatalf("owner turned away")
	}
	if alice.Location().World != "my_world.w2" {
		t.Fatalf("owner in %s", alice.Location().World)
	}
}

func TestPlaceAndList(t *testing.T) {
	f := newFixture(t)
	if err := f.tr.Place(portal.Region{ID: "x", World: "a", Kind: "ring", Destination: portal.Destination{World: "b"}}); err == nil {
		t.Fatalf("unknown kind accepted")
	}
	for i, id := range []string{"b2", "a1"} {
		r := portal.NewPoint(id, "a", engine.BlockPos{X: i, Y: 64}, "", portal.Destination{World: "b"})
		if err := f.tr.Place(r); err != nil {
			t.Fatalf("place %s: %v", id, err)
		}
	}
	other := portal.NewPoint("c3", "b", engine.BlockPos{}, "", portal.Destination{World: "a"})
	if err := f.tr.Place(other); err != nil {
		t.Fatalf("place: %v", err)
	}
	got, err := f.tr.PortalsIn("a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a1" || got[1].ID != "b2" {
		t.Fatalf("portals in a = %+v", got)
	}
	if err := f.tr.Remove("a1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := f.tr.Find("a1"); !errors.Is(err, portal.ErrNotFound) {
		t.Fatalf("find removed = %v", err)
	}
	if err := f.tr.Remove("a1"); !errors.Is(err, portal.ErrNotFound) {
		t.Fatalf("second remove = %v", err)
	}
}

func TestExternalDestinationLoadedOnDemand(t *testing.T) {
	f := newFixture(t)
	a := f.world(t, "a", at("", 50.5, 64, 50.5))
	if err := os.MkdirAll(filepath.Join(f.eng.Root(), "hub"), 0o755); err != nil {
		t.Fatal(err)
	}
	hubAnchor := engine.BlockPos{X: 10, Y: 64, Z: 10}
	lostAnchor := engine.BlockPos{X: 20, Y: 64, Z: 20}
	a.SetBlock(hubAnchor, "gold_block")
	a.SetBlock(lostAnchor, "gold_block")
	if err := f.tr.Place(portal.NewPoint("p1", "a", hubAnchor, "", portal.Destination{World: "hub"})); err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := f.tr.Place(portal.NewPoint("p2", "a", lostAnchor, "", portal.Destination{World: "nowhere"})); err != nil {
		t.Fatalf("place: %v", err)
	}

	p, _ := f.eng.SpawnPlayer("bob", at("a", 10.5, 65, 10.5))
	if !f.tr.OnMove(p) {
		t.Fatalf("no warp into an unloaded world on disk")
	}
	if p.Location().World != "hub" {
		t.Fatalf("player in %s, want hub", p.Location().World)
	}
	if _, ok := f.eng.World("hub"); !ok {
		t.Fatalf("hub not loaded")
	}

	q, _ := f.eng.SpawnPlayer("carol", at("a", 20.5, 65, 20.5))
	if f.tr.OnMove(q) {
		t.Fatalf("warped into a world with no folder")
	}
	if q.Location().World != "a" {
		t.Fatalf("player moved to %s", q.Location().World)
	}
}

func TestPointPortalAnchorCollision(t *testing.T) {
	f := newFixture(t)
	a := f.world(t, "a", at("", 50.5, 64, 50.5))
	f.world(t, "b", at("", 7.5, 64, 7.5))
	f.world(t, "c", at("", 7.5, 64, 7.5))
	anchor := engine.BlockPos{X: 10, Y: 64, Z: 10}
	a.SetBlock(anchor, "gold_block")

	if err := f.tr.Place(portal.NewPoint("p1", "a", anchor, "", portal.Destination{World: "b"})); err != nil {
		t.Fatalf("place: %v", err)
	}
	err := f.tr.Place(portal.NewPoint("p2", "a", anchor, "", portal.Destination{World: "c"}))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("second portal on the same anchor err=%v", err)
	}
	if err := f.tr.Place(portal.NewPoint("p1", "a", anchor, "", portal.Destination{World: "c"})); err != nil {
		t.Fatalf("replacing the owner: %v", err)
	}
	if err := f.tr.Place(portal.NewPoint("p3", "b", anchor, "", portal.Destination{World: "a"})); err != nil {
		t.Fatalf("same anchor in another world: %v", err)
	}

	// A colliding record written straight to the store is skipped by the scan.
	if err := f.reg.Save(portal.NewPoint("p0", "a", anchor, "", portal.Destination{World: "b"})); err != nil {
		t.Fatal(err)
	}
	st := f.scan(t)
	if st.Portals != 2 {
		t.Fatalf("stats = %+v", st)
	}
	if countLabels(a, "p0") != 1 || countLabels(a, "p1") != 0 {
		t.Fatalf("labels p0=%d p1=%d", countLabels(a, "p0"), countLabels(a, "p1"))
	}
	p, _ := f.eng.SpawnPlayer("bob", at("a", 10.5, 65, 10.5))
	if !f.tr.OnMove(p) || p.Location().World != "b" {
		t.Fatalf("lowest id should own the anchor, player in %s", p.Location().World)
	}
}
