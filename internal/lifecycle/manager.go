// Package lifecycle creates, loads, archives, converts, exports and deletes
// per-owner world instances.
//
// Every exported Manager method must be called on the control loop. Methods
// that touch the disk return a Future: the check-and-prepare step runs on the
// loop, the file work runs on a worker goroutine, and the engine and registry
// updates are marshaled back onto the loop before the Future resolves.
package lifecycle

import (
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"realmkeeper.ai/internal/control"
	"realmkeeper.ai/internal/engine"
	"realmkeeper.ai/internal/hooks"
	"realmkeeper.ai/internal/instance"
	"realmkeeper.ai/internal/metrics"
)

var (
	ErrNotFound        = instance.ErrNotFound
	ErrTemplateMissing = errors.New("template missing")
	ErrNotLoaded       = errors.New("instance not loaded")
	ErrArchived        = errors.New("instance archived")
	ErrNotArchived     = errors.New("instance not archived")
	ErrInstantiate     = errors.New("world instantiation failed")
	ErrUnbounded       = errors.New("instance is unbounded")
	ErrBusy            = errors.New("instance has an operation in flight")
	ErrWorldMissing    = errors.New("world folder missing")
	ErrAlreadyManaged  = errors.New("world already managed")
	ErrDefaultWorld    = errors.New("default world cannot be converted")
)

type Config struct {
	LiveRoot      string
	ColdRoot      string
	TemplatesRoot string
	ExportsRoot   string

	FolderPrefix        string
	InitialBorderSize   float64
	UnboundedBorderSize float64
	GameRules           map[string]string
	TemplateOrigins     map[string]engine.Location
	// Fallback is where players go when the world they stand in unloads.
	// Nil means the engine's default world spawn.
	Fallback *engine.Location

	AutoArchive           bool
	ArchiveRefundRatio    float64
	DeleteDecrementsSlots bool

	Now func() time.Time
}

// ArtifactSink receives finished export archives, usually an object store
// mirror.
type ArtifactSink interface {
	Enqueue(key, localPath string) bool
}

type Options struct {
	Slots   instance.SlotLedger
	Hooks   hooks.Firer
	Sink    ArtifactSink
	Metrics *metrics.Collectors
	Logger  *log.Logger
}

type Manager struct {
	cfg   Config
	loop  *control.Loop
	eng   engine.Engine
	reg   instance.Registry
	slots instance.SlotLedger
	hooks hooks.Firer
	sink  ArtifactSink
	mets  *metrics.Collectors
	log   *log.Logger

	// busy holds instances with file work in flight, keyed to the op name.
	busy map[uuid.UUID]string
	io   sync.WaitGroup
}

func New(cfg Config, loop *control.Loop, eng engine.Engine, reg instance.Registry, opts Options) *Manager {
	if cfg.FolderPrefix == "" {
		cfg.FolderPrefix = instance.DefaultFolderPrefix
	}
	if cfg.InitialBorderSize <= 0 {
		cfg.InitialBorderSize = 64
	}
	if cfg.UnboundedBorderSize <= 0 {
		cfg.UnboundedBorderSize = 6e7
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.Nop{}
	}
	return &Manager{
		cfg:   cfg,
		loop:  loop,
		eng:   eng,
		reg:   reg,
		slots: opts.Slots,
		hooks: opts.Hooks,
		sink:  opts.Sink,
		mets:  opts.Metrics,
		log:   opts.Logger,
		busy:  map[uuid.UUID]string{},
	}
}

// Wait blocks until every in-flight file operation has handed its result
// back to the loop. Call it off the loop during shutdown.
func (m *Manager) Wait() { m.io.Wait() }

// Instance returns the stored record for id.
func (m *Manager) Instance(id uuid.UUID) (instance.Instance, error) {
	inst, err := m.reg.FindByID(id)
	if err != nil {
		return instance.Instance{}, err
	}
	return inst, nil
}

// Instances lists every record, oldest first.
func (m *Manager) Instances() ([]instance.Instance, error) {
	all, err := m.reg.FindAll()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all, nil
}

// IsLoaded reports whether the instance's world is live in the engine.
func (m *Manager) IsLoaded(inst instance.Instance) bool {
	_, ok := m.eng.World(inst.Folder)
	return ok
}

// BorderSize is initial*2^level, or the unbounded size at the sentinel level.
func (m *Manager) BorderSize(inst instance.Instance) float64 {
	if inst.IsUnbounded() {
		return m.cfg.UnboundedBorderSize
	}
	return math.Ldexp(m.cfg.InitialBorderSize, inst.ExpansionLevel)
}

func (m *Manager) livePath(inst instance.Instance) string {
	return filepath.Join(m.cfg.LiveRoot, inst.Folder)
}

func (m *Manager) coldPath(inst instance.Instance) string {
	return filepath.Join(m.cfg.ColdRoot, inst.Folder)
}

func (m *Manager) now() time.Time { return m.cfg.Now().UTC() }

// claim marks id busy for op. It fails when another op holds it.
func (m *Manager) claim(id uuid.UUID, op string) error {
	if cur, ok := m.busy[id]; ok {
		return fmt.Errorf("%s %s: %w (%s)", op, id, ErrBusy, cur)
	}
	m.busy[id] = op
	return nil
}

func (m *Manager) release(id uuid.UUID) { delete(m.busy, id) }

// offload runs work on a worker goroutine and then finish on the loop, where
// the claim on id is released whatever the outcome. fut resolves exactly
// once: with work's error, with finish's result, or with control.ErrStopped
// if the loop is gone when work completes.
func offload[T any](m *Manager, op string, id uuid.UUID, fut *control.Future[T], work func() error, finish func() (T, error)) {
	started := time.Now()
	m.io.Add(1)
	go func() {
		defer m.io.Done()
		err := safely(work)
		ok := m.loop.Submit(func() {
			defer m.release(id)
			var v T
			if err == nil {
				v, err = safeFinish(finish)
			}
			m.mets.ObserveOp(op, started, err)
			fut.Resolve(v, err)
		})
		if !ok {
			var zero T
			fut.Resolve(zero, fmt.Errorf("%s: %w", op, control.ErrStopped))
		}
	}()
}

func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func safeFinish[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// failed records a synchronous rejection and returns an already-resolved future.
func failed[T any](m *Manager, op string, err error) *control.Future[T] {
	var zero T
	m.mets.ObserveOp(op, time.Time{}, err)
	return control.Resolved(zero, err)
}

func (m *Manager) fire(trigger string, inst instance.Instance, extra map[string]string) {
	params := map[string]string{
		"uuid":   inst.UUID.String(),
		"owner":  inst.Owner,
		"name":   inst.Name,
		"folder": inst.Folder,
	}
	for k, v := range extra {
		params[k] = v
	}
	m.hooks.Fire(trigger, params)
}

func (m *Manager) refreshLoaded() {
	if m.mets == nil {
		return
	}
	all, err := m.reg.FindAll()
	if err != nil {
		return
	}
	n := 0
	for _, inst := range all {
		if m.IsLoaded(inst) {
			n++
		}
	}
	m.mets.SetLoaded(n)
}

func (m *Manager) printf(format string, args ...any) {
	if m.log != nil {
		m.log.Printf(format, args...)
	}
}

func formatCredits(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
