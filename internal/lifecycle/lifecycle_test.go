package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"realmkeeper.ai/internal/control"
	"realmkeeper.ai/internal/engine"
	"realmkeeper.ai/internal/engine/memengine"
	"realmkeeper.ai/internal/hooks"
	"realmkeeper.ai/internal/instance"
	"realmkeeper.ai/internal/persistence/archive"
	"realmkeeper.ai/internal/portal"
)

type fixture struct {
	t     *testing.T
	dir   string
	cfg   Config
	loop  *control.Loop
	eng   *memengine.Engine
	reg   *instance.SQLiteRegistry
	hooks *hooks.Recorder
	sink  *recordingSink
	m     *Manager
	clock time.Time
}

type recordingSink struct {
	mu   sync.Mutex
	keys []string
}

func (s *recordingSink) Enqueue(key, _ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return true
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{t: t, dir: dir, clock: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}

	live := filepath.Join(dir, "worlds")
	eng, err := memengine.New(live)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	f.eng = eng

	reg, err := instance.OpenSQLite(filepath.Join(dir, "data", "instances.sqlite"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	f.reg = reg

	tpl := filepath.Join(dir, "templates", "skyblock")
	for rel, body := range map[string]string{
		"level.json":       `{"name":"skyblock"}`,
		"uid.dat":          "template-uid",
		"session.lock":     "locked",
		"region/r.0.0.mca": "chunk",
	} {
		p := filepath.Join(tpl, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	f.cfg = Config{
		LiveRoot:              live,
		ColdRoot:              filepath.Join(dir, "cold"),
		TemplatesRoot:         filepath.Join(dir, "templates"),
		ExportsRoot:           filepath.Join(dir, "exports"),
		InitialBorderSize:     64,
		UnboundedBorderSize:   6e7,
		GameRules:             map[string]string{"spawnRadius": "0"},
		ArchiveRefundRatio:    0.5,
		DeleteDecrementsSlots: true,
		Now:                   func() time.Time { return f.clock },
	}
	if mutate != nil {
		mutate(&f.cfg)
	}

	f.loop = control.NewLoop(nil)
	f.hooks = &hooks.Recorder{}
	f.sink = &recordingSink{}
	f.m = New(f.cfg, f.loop, eng, reg, Options{Slots: reg, Hooks: f.hooks, Sink: f.sink})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.loop.Run(ctx)
	}()
	t.Cleanup(func() {
		f.m.Wait()
		cancel()
		<-done
	})
	return f
}

// on runs fn on the control loop.
func (f *fixture) on(fn func()) {
	f.t.Helper()
	if err := f.loop.Call(context.Background(), func() error { fn(); return nil }); err != nil {
		f.t.Fatalf("loop call: %v", err)
	}
}

func await[T any](t *testing.T, fut *control.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := fut.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("future never resolved")
	}
	return v, err
}

func (f *fixture) create(owner, name string, credits int64) instance.Instance {
	f.t.Helper()
	var fut *control.Future[instance.Instance]
	f.on(func() { fut = f.m.Create("skyblock", owner, name, credits) })
	inst, err := await(f.t, fut)
	if err != nil {
		f.t.Fatalf("create: %v", err)
	}
	return inst
}

func (f *fixture) stored(id uuid.UUID) instance.Instance {
	f.t.Helper()
	inst, err := f.reg.FindByID(id)
	if err != nil {
		f.t.Fatalf("find %s: %v", id, err)
	}
	return inst
}

func (f *fixture) loaded(inst instance.Instance) bool {
	_, ok := f.eng.World(inst.Folder)
	return ok
}

func TestCreate_FromTemplate(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 100)

	if inst.Folder != "my_world."+inst.UUID.String() {
		t.Fatalf("folder=%s", inst.Folder)
	}
	dir := filepath.Join(f.cfg.LiveRoot, inst.Folder)
	if _, err := os.Stat(filepath.Join(dir, "region", "r.0.0.mca")); err != nil {
		t.Fatalf("template content not copied: %v", err)
	}
	if b, _ := os.ReadFile(filepath.Join(dir, memengine.UIDFile)); string(b) == "template-uid" {
		t.Fatalf("uid.dat must not be copied from the template")
	}
	if !f.loaded(inst) {
		t.Fatalf("new instance should be loaded")
	}
	w, _ := f.eng.World(inst.Folder)
	if cx, cz, size := w.Border(); cx != 0 || cz != 0 || size != 64 {
		t.Fatalf("border=(%v,%v,%v)", cx, cz, size)
	}
	if got := w.(*memengine.World).GameRule("spawnRadius"); got != "0" {
		t.Fatalf("gamerule=%q", got)
	}
	got := f.stored(inst.UUID)
	if got.Owner != "P" || got.Source != "skyblock" || got.Credits != 100 || got.Archived {
		t.Fatalf("stored=%+v", got)
	}
	if got.GuestSpawn == nil || got.GuestSpawn.World != inst.Folder {
		t.Fatalf("guest spawn=%+v", got.GuestSpawn)
	}
	if n := f.hooks.Count(hooks.OnWorldCreate); n != 1 {
		t.Fatalf("on_world_create fired %d times", n)
	}
}

func TestCreate_UsesTemplateOriginAndSendsOwnerIn(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.TemplateOrigins = map[string]engine.Location{"skyblock": {X: 10.5, Y: 101, Z: -3.5}}
	})
	p, err := f.eng.SpawnPlayer("P", f.eng.DefaultWorld().Spawn())
	if err != nil {
		t.Fatal(err)
	}
	inst := f.create("P", "Sky", 0)

	w, _ := f.eng.World(inst.Folder)
	if sp := w.Spawn(); sp.X != 10.5 || sp.Y != 101 || sp.Z != -3.5 {
		t.Fatalf("spawn=%+v", sp)
	}
	if cx, cz, _ := w.Border(); cx != 10.5 || cz != -3.5 {
		t.Fatalf("border center=(%v,%v)", cx, cz)
	}
	if loc := p.Location(); loc.World != inst.Folder || loc.Y != 101 {
		t.Fatalf("owner at %+v", loc)
	}
	if got := f.stored(inst.UUID); got.TotalVisitors() != 0 {
		t.Fatalf("owner must not count as a visitor: %v", got.Visitors)
	}
	if f.hooks.Count(hooks.OnWorldWarp) != 1 {
		t.Fatalf("expected a warp trigger for the owner")
	}
}

func TestCreate_MissingTemplate(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"nope", "", ".", "..", "../templates", "skyblock/region"} {
		var fut *control.Future[instance.Instance]
		f.on(func() { fut = f.m.Create(id, "P", "x", 0) })
		if _, err := await(t, fut); !errors.Is(err, ErrTemplateMissing) {
			t.Fatalf("template %q: err=%v", id, err)
		}
	}
	entries, err := os.ReadDir(f.cfg.LiveRoot)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "my_world.") {
			t.Fatalf("rejected template left folder %s", e.Name())
		}
	}
	all, _ := f.reg.FindAll()
	if len(all) != 0 || len(f.hooks.Events()) != 0 {
		t.Fatalf("side effects on failure: records=%d hooks=%v", len(all), f.hooks.Triggers())
	}
}

func TestCreate_InstantiationFailureKeepsCopiedFolder(t *testing.T) {
	f := newFixture(t, nil)
	f.on(func() {
		f.eng.CreateHook = func(engine.WorldSpec) error { return errors.New("disk full") }
	})
	var fut *control.Future[instance.Instance]
	f.on(func() { fut = f.m.Create("skyblock", "P", "x", 0) })
	if _, err := await(t, fut); !errors.Is(err, ErrInstantiate) {
		t.Fatalf("err=%v", err)
	}
	entries, _ := os.ReadDir(f.cfg.LiveRoot)
	orphan := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "my_world.") {
			orphan = true
		}
	}
	if !orphan {
		t.Fatalf("copied folder should be left for inspection")
	}
	if all, _ := f.reg.FindAll(); len(all) != 0 {
		t.Fatalf("no record expected, got %d", len(all))
	}
}

func TestGenerate_Seeded(t *testing.T) {
	f := newFixture(t, nil)
	seed := int64(42)
	var fut *control.Future[instance.Instance]
	f.on(func() { fut = f.m.Generate("P", "", &seed, 5) })
	inst, err := await(t, fut)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if inst.Source != instance.SourceGenerated || inst.Name != "P's world" {
		t.Fatalf("inst=%+v", inst)
	}
	if !f.loaded(inst) {
		t.Fatalf("generated instance should be loaded")
	}
	if _, err := os.Stat(filepath.Join(f.cfg.LiveRoot, inst.Folder, memengine.LevelFile)); err != nil {
		t.Fatalf("level file: %v", err)
	}
}

func TestLoad_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 0)

	f.on(func() {
		if err := f.m.Unload(inst.UUID); err != nil {
			t.Errorf("unload: %v", err)
		}
		if err := f.m.Unload(inst.UUID); !errors.Is(err, ErrNotLoaded) {
			t.Errorf("second unload err=%v", err)
		}
		for i := 0; i < 2; i++ {
			if err := f.m.Load(inst.UUID); err != nil {
				t.Errorf("load #%d: %v", i, err)
			}
		}
	})
	if !f.loaded(inst) {
		t.Fatalf("not loaded")
	}
	if n := f.hooks.Count(hooks.OnWorldLoad); n != 1 {
		t.Fatalf("on_world_load fired %d times", n)
	}
	if n := f.hooks.Count(hooks.OnWorldUnload); n != 1 {
		t.Fatalf("on_world_unload fired %d times", n)
	}
}

func TestLoad_BindsStoredLocations(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 0)
	f.on(func() { _ = f.m.Unload(inst.UUID) })

	stored := f.stored(inst.UUID)
	stored.GuestSpawn = &engine.Location{X: 3, Y: 70, Z: 3}
	if err := f.reg.Save(stored); err != nil {
		t.Fatal(err)
	}
	f.on(func() {
		if err := f.m.Load(inst.UUID); err != nil {
			t.Errorf("load: %v", err)
		}
	})
	if got := f.stored(inst.UUID).GuestSpawn; got == nil || got.World != inst.Folder {
		t.Fatalf("guest spawn not bound: %+v", got)
	}
}

func TestBorder_GrowsByPowersOfTwo(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 0)
	f.on(func() {
		for i := 0; i < 3; i++ {
			if err := f.m.Expand(inst.UUID); err != nil {
				t.Errorf("expand: %v", err)
			}
		}
	})
	w, _ := f.eng.World(inst.Folder)
	if _, _, size := w.Border(); size != 64*8 {
		t.Fatalf("live border=%v", size)
	}
	f.on(func() {
		_ = f.m.Unload(inst.UUID)
		_ = f.m.Load(inst.UUID)
	})
	w, _ = f.eng.World(inst.Folder)
	if _, _, size := w.Border(); size != 512 {
		t.Fatalf("border after reload=%v", size)
	}
	for level, want := range map[int]float64{0: 64, 1: 128, 5: 2048, instance.Unbounded: 6e7} {
		if got := f.m.BorderSize(instance.Instance{ExpansionLevel: level}); got != want {
			t.Errorf("level %d: size=%v want %v", level, got, want)
		}
	}
}

func TestArchiveUnarchive_RoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 100)
	guest, err := f.eng.SpawnPlayer("G", engine.Location{World: inst.Folder, X: 1, Y: 65, Z: 1})
	if err != nil {
		t.Fatal(err)
	}

	var fut *control.Future[instance.Instance]
	f.on(func() { fut = f.m.Archive(inst.UUID) })
	got, err := await(t, fut)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !got.Archived || !f.stored(inst.UUID).Archived {
		t.Fatalf("record not archived")
	}
	if f.loaded(inst) {
		t.Fatalf("archived world still loaded")
	}
	if guest.Location().World != f.eng.DefaultWorld().Name() {
		t.Fatalf("guest not evacuated: %+v", guest.Location())
	}
	if archive.Exists(filepath.Join(f.cfg.LiveRoot, inst.Folder)) || !archive.Exists(filepath.Join(f.cfg.ColdRoot, inst.Folder)) {
		t.Fatalf("folder not moved to cold storage")
	}
	var refund string
	for _, ev := range f.hooks.Events() {
		if ev.Trigger == hooks.OnWorldArchive {
			refund = ev.Params["refund"]
		}
	}
	if refund != "50" {
		t.Fatalf("refund=%q", refund)
	}

	f.on(func() {
		if err := f.m.Load(inst.UUID); !errors.Is(err, ErrArchived) {
			t.Errorf("load archived err=%v", err)
		}
		fut = f.m.Archive(inst.UUID)
	})
	if _, err := await(t, fut); !errors.Is(err, ErrArchived) {
		t.Fatalf("double archive err=%v", err)
	}

	f.on(func() { fut = f.m.Unarchive(inst.UUID) })
	if got, err = await(t, fut); err != nil || got.Archived {
		t.Fatalf("unarchive: %+v %v", got, err)
	}
	if !archive.Exists(filepath.Join(f.cfg.LiveRoot, inst.Folder)) || archive.Exists(filepath.Join(f.cfg.ColdRoot, inst.Folder)) {
		t.Fatalf("folder not restored")
	}
	f.on(func() {
		if err := f.m.Load(inst.UUID); err != nil {
			t.Errorf("load after unarchive: %v", err)
		}
	})
	if !f.loaded(inst) {
		t.Fatalf("not loaded after unarchive")
	}
}

func TestArchive_MoveFailureLeavesRecordLive(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 0)
	f.on(func() { _ = f.m.Unload(inst.UUID) })
	if err := os.RemoveAll(filepath.Join(f.cfg.LiveRoot, inst.Folder)); err != nil {
		t.Fatal(err)
	}
	var fut *control.Future[instance.Instance]
	f.on(func() { fut = f.m.Archive(inst.UUID) })
	if _, err := await(t, fut); err == nil {
		t.Fatalf("expected move failure")
	}
	if f.stored(inst.UUID).Archived {
		t.Fatalf("flag must not flip on failure")
	}
	f.on(func() {
		if _, busy := f.m.busy[inst.UUID]; busy {
			t.Errorf("claim leaked after failure")
		}
	})
}

func TestDelete_LoadedInstanceUnloadsFirst(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 0)
	if _, err := f.reg.AdjustGrantedSlots("P", 2); err != nil {
		t.Fatal(err)
	}

	var fut *control.Future[instance.Instance]
	f.on(func() { fut = f.m.Delete(inst.UUID) })
	if _, err := await(t, fut); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.loaded(inst) {
		t.Fatalf("world still loaded")
	}
	if _, err := os.Stat(filepath.Join(f.cfg.LiveRoot, inst.Folder)); !os.IsNotExist(err) {
		t.Fatalf("folder still present: %v", err)
	}
	if _, err := f.reg.FindByID(inst.UUID); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("record still present: %v", err)
	}
	if n, _ := f.reg.GrantedSlots("P"); n != 1 {
		t.Fatalf("slots=%d want 1", n)
	}

	var order []string
	for _, ev := range f.hooks.Events() {
		if ev.Trigger == hooks.OnWorldUnload || ev.Trigger == hooks.OnWorldDelete {
			order = append(order, ev.Trigger)
		}
	}
	if len(order) != 2 || order[0] != hooks.OnWorldUnload || order[1] != hooks.OnWorldDelete {
		t.Fatalf("trigger order=%v", order)
	}
}

func TestDelete_ArchivedRemovesColdFolder(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.DeleteDecrementsSlots = false })
	inst := f.create("P", "Home", 0)
	var fut *control.Future[instance.Instance]
	f.on(func() { fut = f.m.Archive(inst.UUID) })
	if _, err := await(t, fut); err != nil {
		t.Fatal(err)
	}
	f.on(func() { fut = f.m.Delete(inst.UUID) })
	if _, err := await(t, fut); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if archive.Exists(filepath.Join(f.cfg.ColdRoot, inst.Folder)) {
		t.Fatalf("cold folder still present")
	}
}

func TestDelete_UnknownIDHasNoSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 0)
	before := len(f.hooks.Events())

	var fut *control.Future[instance.Instance]
	f.on(func() { fut = f.m.Delete(uuid.New()) })
	if _, err := await(t, fut); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	if len(f.hooks.Events()) != before {
		t.Fatalf("hooks fired on failed delete")
	}
	if !f.loaded(inst) {
		t.Fatalf("unrelated instance unloaded")
	}
	if all, _ := f.reg.FindAll(); len(all) != 1 {
		t.Fatalf("records=%d", len(all))
	}
}

func TestConcurrentOperationsAreRejected(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 0)
	var archived, deleted *control.Future[instance.Instance]
	f.on(func() {
		archived = f.m.Archive(inst.UUID)
		deleted = f.m.Delete(inst.UUID)
	})
	if _, err := await(t, deleted); !errors.Is(err, ErrBusy) {
		t.Fatalf("delete during archive err=%v", err)
	}
	if _, err := await(t, archived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	var again *control.Future[instance.Instance]
	f.on(func() {
		_ = f.m.Unarchive(inst.UUID)
		again = f.m.Archive(inst.UUID)
	})
	if _, err := await(t, again); !errors.Is(err, ErrBusy) && !errors.Is(err, ErrArchived) {
		t.Fatalf("archive during unarchive err=%v", err)
	}
}

func TestArchive_UnloadFailureReleasesClaim(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 0)
	if err := os.RemoveAll(filepath.Join(f.cfg.LiveRoot, inst.Folder)); err != nil {
		t.Fatal(err)
	}
	var fut *control.Future[instance.Instance]
	f.on(func() { fut = f.m.Archive(inst.UUID) })
	if _, err := await(t, fut); err == nil || errors.Is(err, ErrBusy) {
		t.Fatalf("archive with broken world err=%v", err)
	}
	f.on(func() {
		if op, busy := f.m.busy[inst.UUID]; busy {
			t.Errorf("claim %q leaked after failed unload", op)
		}
	})
}

func TestTeleportToWorld_SpawnSelectionAndVisits(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 0)
	f.on(func() {
		if err := f.m.SetMembers(inst.UUID, []string{"M", "P", "M"}); err != nil {
			t.Errorf("members: %v", err)
		}
		_ = f.m.Unload(inst.UUID)
	})
	stored := f.stored(inst.UUID)
	if len(stored.Members) != 1 || stored.Members[0] != "M" {
		t.Fatalf("members=%v", stored.Members)
	}
	stored.MemberSpawn = &engine.Location{X: 5, Y: 80, Z: 5}
	stored.GuestSpawn = &engine.Location{World: inst.Folder, X: -5, Y: 70, Z: -5}
	if err := f.reg.Save(stored); err != nil {
		t.Fatal(err)
	}

	def := f.eng.DefaultWorld().Spawn()
	owner, _ := f.eng.SpawnPlayer("P", def)
	member, _ := f.eng.SpawnPlayer("M", def)
	guest, _ := f.eng.SpawnPlayer("G", def)
	mob, _ := f.eng.SpawnMob(def)

	explicit := engine.Location{X: 9, Y: 66, Z: 9}
	f.on(func() {
		for _, e := range []engine.Entity{owner, member, guest, mob} {
			if err := f.m.TeleportToWorld(e, inst.UUID, nil); err != nil {
				t.Errorf("teleport %s: %v", e.ID(), err)
			}
		}
		if err := f.m.TeleportToWorld(guest, inst.UUID, &explicit); err != nil {
			t.Errorf("explicit teleport: %v", err)
		}
	})
	if !f.loaded(inst) {
		t.Fatalf("teleport should load the instance")
	}
	if loc := owner.Location(); loc.World != inst.Folder || loc.X != 5 {
		t.Fatalf("owner at %+v", loc)
	}
	if loc := member.Location(); loc.X != 5 {
		t.Fatalf("member at %+v", loc)
	}
	if loc := mob.Location(); loc.X != -5 {
		t.Fatalf("mob at %+v", loc)
	}
	if loc := guest.Location(); loc.World != inst.Folder || loc.X != 9 {
		t.Fatalf("guest at %+v", loc)
	}
	// Member and two guest arrivals count; owner and mob do not.
	if v := f.stored(inst.UUID).Visitors[0]; v != 3 {
		t.Fatalf("visitors today=%d", v)
	}
}

func TestTeleportToWorld_UnknownAndArchived(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 0)
	var fut *control.Future[instance.Instance]
	f.on(func() { fut = f.m.Archive(inst.UUID) })
	if _, err := await(t, fut); err != nil {
		t.Fatal(err)
	}
	p, _ := f.eng.SpawnPlayer("G", f.eng.DefaultWorld().Spawn())
	f.on(func() {
		if err := f.m.TeleportToWorld(p, inst.UUID, nil); !errors.Is(err, ErrArchived) {
			t.Errorf("archived err=%v", err)
		}
		if err := f.m.TeleportToWorld(p, uuid.New(), nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown err=%v", err)
		}
	})
}

func TestConvert_NormalRenamesFolder(t *testing.T) {
	f := newFixture(t, nil)
	if err := os.MkdirAll(filepath.Join(f.cfg.LiveRoot, "legacy_spawn"), 0o755); err != nil {
		t.Fatal(err)
	}
	var p *memengine.Entity
	f.on(func() {
		if _, err := f.eng.CreateWorld(engine.WorldSpec{Folder: "legacy_spawn"}); err != nil {
			t.Errorf("load legacy: %v", err)
		}
	})
	p, _ = f.eng.SpawnPlayer("P", engine.Location{World: "legacy_spawn", Y: 64})

	var fut *control.Future[instance.Instance]
	f.on(func() { fut = f.m.Convert("legacy_spawn", "P", ConvertNormal) })
	inst, err := await(t, fut)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if inst.Source != instance.SourceConvert || inst.Folder != "my_world."+inst.UUID.String() {
		t.Fatalf("inst=%+v", inst)
	}
	if archive.Exists(filepath.Join(f.cfg.LiveRoot, "legacy_spawn")) || !archive.Exists(filepath.Join(f.cfg.LiveRoot, inst.Folder)) {
		t.Fatalf("folder not renamed")
	}
	if p.Location().World == "legacy_spawn" {
		t.Fatalf("player not evacuated")
	}
	f.on(func() {
		fut = f.m.Convert(inst.Folder, "P", ConvertNormal)
	})
	if _, err := await(t, fut); !errors.Is(err, ErrAlreadyManaged) {
		t.Fatalf("reconvert err=%v", err)
	}
	f.on(func() { fut = f.m.Convert("world", "P", ConvertNormal) })
	if _, err := await(t, fut); !errors.Is(err, ErrDefaultWorld) {
		t.Fatalf("default world err=%v", err)
	}
}

func TestConvert_AdminKeepsFolderAndIsUnbounded(t *testing.T) {
	f := newFixture(t, nil)
	if err := os.MkdirAll(filepath.Join(f.cfg.LiveRoot, "hub"), 0o755); err != nil {
		t.Fatal(err)
	}
	var fut *control.Future[instance.Instance]
	f.on(func() { fut = f.m.Convert("hub", "ops", ConvertAdmin) })
	inst, err := await(t, fut)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if inst.Folder != "hub" || !inst.IsUnbounded() {
		t.Fatalf("inst=%+v", inst)
	}
	f.on(func() {
		if err := f.m.Expand(inst.UUID); !errors.Is(err, ErrUnbounded) {
			t.Errorf("expand err=%v", err)
		}
		if err := f.m.Load(inst.UUID); err != nil {
			t.Errorf("load: %v", err)
		}
	})
	w, _ := f.eng.World("hub")
	if _, _, size := w.Border(); size != 6e7 {
		t.Fatalf("border=%v", size)
	}
	f.on(func() { fut = f.m.Convert("missing", "ops", ConvertAdmin) })
	if _, err := await(t, fut); !errors.Is(err, ErrWorldMissing) {
		t.Fatalf("missing err=%v", err)
	}
}

func TestExport_WritesZipAndMirrors(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "My Home!", 0)

	var fut *control.Future[string]
	f.on(func() { fut = f.m.Export(inst.UUID) })
	path, err := await(t, fut)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if want := filepath.Join(f.cfg.ExportsRoot, "My_Home_"+inst.UUID.String()+".zip"); path != want {
		t.Fatalf("path=%s want %s", path, want)
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer zr.Close()
	hasMeta, hasRegion := false, false
	for _, zf := range zr.File {
		switch zf.Name {
		case archive.MetadataName:
			hasMeta = true
		case inst.Folder + "/region/r.0.0.mca":
			hasRegion = true
		}
	}
	if !hasMeta || !hasRegion {
		t.Fatalf("zip missing entries meta=%t region=%t", hasMeta, hasRegion)
	}
	if len(f.sink.keys) != 1 || f.sink.keys[0] != "exports/"+filepath.Base(path) {
		t.Fatalf("mirror keys=%v", f.sink.keys)
	}
	if f.hooks.Count(hooks.OnWorldExport) != 1 {
		t.Fatalf("export trigger missing")
	}

	var afut *control.Future[instance.Instance]
	f.on(func() { afut = f.m.Archive(inst.UUID) })
	if _, err := await(t, afut); err != nil {
		t.Fatal(err)
	}
	f.on(func() { fut = f.m.Export(inst.UUID) })
	if _, err := await(t, fut); !errors.Is(err, ErrArchived) {
		t.Fatalf("export archived err=%v", err)
	}
}

func TestDailyMaintenance_RotatesAndArchivesExpired(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AutoArchive = true })
	keep := f.create("P", "Keep", 0)
	expire := f.create("Q", "Expire", 0)

	k := f.stored(keep.UUID)
	k.Visitors[0] = 3
	k.ExpireDate = f.clock.Add(24 * time.Hour)
	if err := f.reg.Save(k); err != nil {
		t.Fatal(err)
	}
	f.on(func() {
		if err := f.m.Renew(expire.UUID, f.clock.Add(-time.Minute)); err != nil {
			t.Errorf("renew: %v", err)
		}
	})

	var fut *control.Future[MaintenanceReport]
	f.on(func() { fut = f.m.DailyMaintenance(context.Background()) })
	rep, err := await(t, fut)
	if err != nil {
		t.Fatalf("maintenance: %v", err)
	}
	if rep.Rotated != 2 || len(rep.Archived) != 1 || rep.Archived[0] != expire.UUID || len(rep.Failed) != 0 {
		t.Fatalf("report=%+v", rep)
	}
	if got := f.stored(keep.UUID); got.Visitors[0] != 0 || got.Visitors[1] != 3 || got.Archived {
		t.Fatalf("keep=%+v", got)
	}
	if !f.stored(expire.UUID).Archived {
		t.Fatalf("expired instance not archived")
	}
}

func TestDailyMaintenance_NoAutoArchive(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 0)
	f.on(func() { _ = f.m.Renew(inst.UUID, f.clock.Add(-time.Hour)) })
	var fut *control.Future[MaintenanceReport]
	f.on(func() { fut = f.m.DailyMaintenance(context.Background()) })
	rep, err := await(t, fut)
	if err != nil || len(rep.Archived) != 0 || rep.Rotated != 1 {
		t.Fatalf("report=%+v err=%v", rep, err)
	}
	if f.stored(inst.UUID).Archived {
		t.Fatalf("archived without auto_archive")
	}
}

func TestReconcile_MatchesFlagsToDisk(t *testing.T) {
	f := newFixture(t, nil)
	moved := f.create("P", "Moved", 0)
	gone := f.create("Q", "Gone", 0)
	fine := f.create("R", "Fine", 0)
	f.on(func() {
		_ = f.m.Unload(moved.UUID)
		_ = f.m.Unload(gone.UUID)
	})
	if err := archive.MoveDir(filepath.Join(f.cfg.LiveRoot, moved.Folder), filepath.Join(f.cfg.ColdRoot, moved.Folder)); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(f.cfg.LiveRoot, gone.Folder)); err != nil {
		t.Fatal(err)
	}

	var rep ReconcileReport
	var err error
	f.on(func() { rep, err = f.m.Reconcile() })
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.Checked != 3 || len(rep.Flipped) != 1 || rep.Flipped[0] != moved.UUID {
		t.Fatalf("report=%+v", rep)
	}
	if len(rep.Missing) != 1 || rep.Missing[0] != gone.UUID {
		t.Fatalf("missing=%v", rep.Missing)
	}
	if !f.stored(moved.UUID).Archived || f.stored(fine.UUID).Archived {
		t.Fatalf("flags not reconciled")
	}
}

func TestRenewAndMembers(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 0)
	until := f.clock.Add(48 * time.Hour)

	f.on(func() {
		if err := f.m.Renew(inst.UUID, until); err != nil {
			t.Errorf("renew: %v", err)
		}
		if err := f.m.SetMembers(inst.UUID, []string{"Z", "", "P", "A", "Z"}); err != nil {
			t.Errorf("members: %v", err)
		}
		if err := f.m.Renew(uuid.New(), until); !errors.Is(err, ErrNotFound) {
			t.Errorf("renew unknown err=%v", err)
		}
	})
	got, err := f.reg.FindByID(inst.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.ExpireDate.Equal(until) {
		t.Fatalf("expire=%v want %v", got.ExpireDate, until)
	}
	if strings.Join(got.Members, ",") != "A,Z" {
		t.Fatalf("members=%v", got.Members)
	}
	if got.Expired(f.clock) || !got.Expired(until.Add(time.Second)) {
		t.Fatalf("expiry not honoured")
	}
}

func TestUnload_EvacuatesEntitiesButNotLabels(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.create("P", "Home", 0)
	w, _ := f.eng.World(inst.Folder)
	inside := engine.Location{World: inst.Folder, X: 3, Y: 65, Z: 3}
	mob, err := f.eng.SpawnMob(inside)
	if err != nil {
		t.Fatal(err)
	}
	guest, err := f.eng.SpawnPlayer("G", inside)
	if err != nil {
		t.Fatal(err)
	}
	label := w.SpawnLabel(inside, "To spawn", portal.LabelTag("p1"))

	var uerr error
	f.on(func() { uerr = f.m.Unload(inst.UUID) })
	if uerr != nil {
		t.Fatalf("unload: %v", uerr)
	}
	for _, e := range []engine.Entity{mob, guest} {
		if !e.Valid() || e.Location().World != "world" {
			t.Fatalf("%s not evacuated: valid=%v world=%s", e.ID(), e.Valid(), e.Location().World)
		}
	}
	if label.Valid() {
		t.Fatalf("label should stay with its world")
	}
}
