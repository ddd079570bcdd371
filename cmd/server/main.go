package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"realmkeeper.ai/internal/config"
	"realmkeeper.ai/internal/control"
	"realmkeeper.ai/internal/engine"
	"realmkeeper.ai/internal/engine/memengine"
	"realmkeeper.ai/internal/hooks"
	"realmkeeper.ai/internal/instance"
	"realmkeeper.ai/internal/lifecycle"
	"realmkeeper.ai/internal/metrics"
	"realmkeeper.ai/internal/portal"
	"realmkeeper.ai/internal/transit"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/realmkeeper.yaml", "config file (empty for defaults)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides paths.data)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if d := strings.TrimSpace(*dataDir); d != "" {
		cfg.Paths.Data = d
		cfg.Paths.Journal = filepath.Join(d, "hooks")
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		logger.Fatalf("init: %v", err)
	}
	defer rt.Close()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := rt.loop.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("control loop stopped: %v", err)
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := rt.loop.Call(startCtx, func() error {
		rep, err := rt.life.Reconcile()
		if err != nil {
			return err
		}
		logger.Printf("reconcile checked=%d flipped=%d conflicts=%d missing=%d",
			rep.Checked, len(rep.Flipped), len(rep.Conflicts), len(rep.Missing))
		return nil
	}); err != nil {
		logger.Printf("startup reconcile: %v", err)
	}
	startCancel()

	go runMaintenance(ctx, cfg, rt, logger)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           buildMux(rt, logger, envBool("RK_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s live=%s cold=%s", *addr, cfg.Paths.Live, cfg.Paths.Cold)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	<-loopDone
	rt.life.Wait()
}

type runtime struct {
	cfg      config.Config
	loop     *control.Loop
	eng      *memengine.Engine
	life     *lifecycle.Manager
	transit  *transit.Engine
	hub      *hooks.Hub
	journal  *hooks.Journal
	registry *prometheus.Registry
	mirror   *mirrorRuntime

	instances *instance.SQLiteRegistry
	portals   *portal.SQLiteRegistry
}

func buildRuntime(cfg config.Config, logger *log.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	var err error
	if rt.instances, err = instance.OpenSQLite(filepath.Join(cfg.Paths.Data, "instances.sqlite")); err != nil {
		return nil, err
	}
	if rt.portals, err = portal.OpenSQLite(filepath.Join(cfg.Paths.Data, "portals.sqlite")); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.Paths.Cold, cfg.Paths.Templates, cfg.Paths.Exports, cfg.Paths.Journal} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if rt.eng, err = memengine.New(cfg.Paths.Live); err != nil {
		return nil, err
	}

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mets := metrics.New(rt.registry)

	if rt.mirror, err = buildMirrorRuntime(mets, logger); err != nil {
		return nil, err
	}
	rt.hub = hooks.NewHub(log.New(os.Stdout, "[hooks] ", log.LstdFlags|log.Lmicroseconds))
	rt.journal = hooks.NewJournal(cfg.Paths.Journal, journalLayout, func(path string) {
		rt.mirror.Enqueue("journal/"+filepath.Base(path), path)
	})
	fire := hooks.Multi{rt.journal, rt.hub}

	rt.loop = control.NewLoop(log.New(os.Stdout, "[loop] ", log.LstdFlags|log.Lmicroseconds))
	rt.life = lifecycle.New(lifecycle.Config{
		LiveRoot:              cfg.Paths.Live,
		ColdRoot:              cfg.Paths.Cold,
		TemplatesRoot:         cfg.Paths.Templates,
		ExportsRoot:           cfg.Paths.Exports,
		FolderPrefix:          cfg.FolderPrefix,
		InitialBorderSize:     cfg.InitialBorderSize,
		UnboundedBorderSize:   cfg.UnboundedBorderSize,
		GameRules:             cfg.GameRules,
		TemplateOrigins:       cfg.TemplateOrigins(),
		Fallback:              cfg.Fallback,
		AutoArchive:           cfg.AutoArchive,
		ArchiveRefundRatio:    cfg.ArchiveRefundRatio,
		DeleteDecrementsSlots: cfg.DeleteDecrementsSlots,
	}, rt.loop, rt.eng, rt.instances, lifecycle.Options{
		Slots:   rt.instances,
		Hooks:   fire,
		Sink:    rt.mirror.Sink(),
		Metrics: mets,
		Logger:  log.New(os.Stdout, "[lifecycle] ", log.LstdFlags|log.Lmicroseconds),
	})

	var access transit.AccessPolicy
	if envBool("RK_PRIVATE_WORLDS", false) {
		access = membersOnly
	}
	rt.transit = transit.New(transit.Config{
		Cooldown:          cfg.Transit.Cooldown,
		Grace:             cfg.Transit.Grace,
		LabelSearchRadius: cfg.Transit.LabelSearchRadius,
		ParticleBudget:    cfg.Transit.ParticleBudget,
	}, rt.eng, rt.portals, rt.life, transit.Options{
		Access:  access,
		Hooks:   fire,
		Metrics: mets,
		Logger:  log.New(os.Stdout, "[transit] ", log.LstdFlags|log.Lmicroseconds),
	})
	rt.loop.Every("transit-scan", cfg.Transit.ScanInterval, func() {
		if _, err := rt.transit.Scan(); err != nil {
			logger.Printf("transit scan: %v", err)
		}
	})

	ok = true
	return rt, nil
}

// Close releases everything buildRuntime opened. The control loop must have
// stopped first.
func (rt *runtime) Close() {
	if rt.journal != nil {
		_ = rt.journal.Close()
	}
	if rt.hub != nil {
		rt.hub.Close()
	}
	rt.mirror.Close()
	if rt.portals != nil {
		_ = rt.portals.Close()
	}
	if rt.instances != nil {
		_ = rt.instances.Close()
	}
}

// membersOnly lets the owner and listed members through managed portals.
func membersOnly(ent engine.Entity, inst instance.Instance) bool {
	return ent.ID() == inst.Owner || inst.IsMember(ent.ID())
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
