package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"realmkeeper.ai/internal/control"
	"realmkeeper.ai/internal/engine"
	"realmkeeper.ai/internal/instance"
	"realmkeeper.ai/internal/lifecycle"
	"realmkeeper.ai/internal/portal"
	"realmkeeper.ai/internal/transit"
)

const opTimeout = 60 * time.Second

type instanceView struct {
	instance.Instance
	Loaded     bool    `json:"loaded"`
	BorderSize float64 `json:"border_size"`
}

func (rt *runtime) view(inst instance.Instance) instanceView {
	return instanceView{Instance: inst, Loaded: rt.life.IsLoaded(inst), BorderSize: rt.life.BorderSize(inst)}
}

func buildMux(rt *runtime, logger *log.Logger, enableAdmin bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))

	if !enableAdmin {
		logger.Printf("admin endpoints disabled (RK_ENABLE_ADMIN_HTTP=false)")
		return mux
	}
	mux.HandleFunc("/v1/hooks", loopbackOnly(rt.hub.Handler()))
	mux.HandleFunc("/v1/status", loopbackOnly(rt.handleStatus))
	mux.HandleFunc("/v1/instances", loopbackOnly(rt.handleInstances))
	mux.HandleFunc("/v1/instances/", loopbackOnly(rt.handleInstance))
	mux.HandleFunc("/v1/convert", loopbackOnly(rt.handleConvert))
	mux.HandleFunc("/v1/maintenance", loopbackOnly(rt.handleMaintenance))
	mux.HandleFunc("/v1/reconcile", loopbackOnly(rt.handleReconcile))
	mux.HandleFunc("/v1/portals", loopbackOnly(rt.handlePortals))
	mux.HandleFunc("/v1/portals/", loopbackOnly(rt.handlePortal))
	mux.HandleFunc("/v1/players", loopbackOnly(rt.handleSpawnPlayer))
	mux.HandleFunc("/v1/players/", loopbackOnly(rt.handleMovePlayer))
	return mux
}

func loopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next(rw, r)
	}
}

func (rt *runtime) handleStatus(rw http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"loaded":       rt.eng.Loaded(),
		"hook_clients": rt.hub.Clients(),
		"hook_dropped": rt.hub.Dropped(),
	}
	if s, ok := rt.mirror.Stats(); ok {
		out["r2_mirror"] = s
	}
	writeJSON(rw, http.StatusOK, out)
}

type createRequest struct {
	Template string `json:"template"`
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	Credits  int64  `json:"credits"`
	Seed     *int64 `json:"seed,omitempty"`
}

func (rt *runtime) handleInstances(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	switch r.Method {
	case http.MethodGet:
		views, err := onLoop(ctx, rt.loop, func() ([]instanceView, error) {
			all, err := rt.life.Instances()
			if err != nil {
				return nil, err
			}
			owner := strings.TrimSpace(r.URL.Query().Get("owner"))
			out := make([]instanceView, 0, len(all))
			for _, inst := range all {
				if owner != "" && inst.Owner != owner {
					continue
				}
				out = append(out, rt.view(inst))
			}
			return out, nil
		})
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "instances": views})
	case http.MethodPost:
		var req createRequest
		if !decodeBody(rw, r, &req) {
			return
		}
		if strings.TrimSpace(req.Owner) == "" {
			http.Error(rw, "missing owner", http.StatusBadRequest)
			return
		}
		inst, err := awaitOnLoop(ctx, rt.loop, func() *control.Future[instance.Instance] {
			if req.Template == "" {
				return rt.life.Generate(req.Owner, req.Name, req.Seed, req.Credits)
			}
			return rt.life.Create(req.Template, req.Owner, req.Name, req.Credits)
		})
		if err != nil {
			writeError(rw, err)
			return
		}
		rt.respondInstance(ctx, rw, http.StatusCreated, inst)
	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleInstance serves /v1/instances/{id} and /v1/instances/{id}/{action}.
func (rt *runtime) handleInstance(rw http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/instances/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 1 || len(parts) > 2 || parts[0] == "" {
		http.NotFound(rw, r)
		return
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		http.Error(rw, "bad instance id", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			inst, err := onLoop(ctx, rt.loop, func() (instance.Instance, error) { return rt.life.Instance(id) })
			if err != nil {
				writeError(rw, err)
				return
			}
			rt.respondInstance(ctx, rw, http.StatusOK, inst)
		case http.MethodDelete:
			inst, err := awaitOnLoop(ctx, rt.loop, func() *control.Future[instance.Instance] { return rt.life.Delete(id) })
			if err != nil {
				writeError(rw, err)
				return
			}
			writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "deleted": inst.UUID})
		default:
			rw.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var inst instance.Instance
	switch action := parts[1]; action {
	case "load", "unload", "expand":
		op := map[string]func(uuid.UUID) error{"load": rt.life.Load, "unload": rt.life.Unload, "expand": rt.life.Expand}[action]
		inst, err = onLoop(ctx, rt.loop, func() (instance.Instance, error) {
			if err := op(id); err != nil {
				return instance.Instance{}, err
			}
			return rt.life.Instance(id)
		})
	case "archive":
		inst, err = awaitOnLoop(ctx, rt.loop, func() *control.Future[instance.Instance] { return rt.life.Archive(id) })
	case "unarchive":
		inst, err = awaitOnLoop(ctx, rt.loop, func() *control.Future[instance.Instance] { return rt.life.Unarchive(id) })
	case "export":
		p, err := awaitOnLoop(ctx, rt.loop, func() *control.Future[string] { return rt.life.Export(id) })
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "path": p})
		return
	case "renew":
		var req struct {
			Until time.Time `json:"until"`
		}
		if !decodeBody(rw, r, &req) {
			return
		}
		inst, err = onLoop(ctx, rt.loop, func() (instance.Instance, error) {
			if err := rt.life.Renew(id, req.Until); err != nil {
				return instance.Instance{}, err
			}
			return rt.life.Instance(id)
		})
	case "members":
		var req struct {
			Members []string `json:"members"`
		}
		if !decodeBody(rw, r, &req) {
			return
		}
		inst, err = onLoop(ctx, rt.loop, func() (instance.Instance, error) {
			if err := rt.life.SetMembers(id, req.Members); err != nil {
				return instance.Instance{}, err
			}
			return rt.life.Instance(id)
		})
	case "teleport":
		var req struct {
			Entity   string           `json:"entity"`
			Location *engine.Location `json:"location,omitempty"`
		}
		if !decodeBody(rw, r, &req) {
			return
		}
		inst, err = onLoop(ctx, rt.loop, func() (instance.Instance, error) {
			ent, ok := rt.eng.Entity(req.Entity)
			if !ok {
				return instance.Instance{}, errEntityNotFound
			}
			if err := rt.life.TeleportToWorld(ent, id, req.Location); err != nil {
				return instance.Instance{}, err
			}
			return rt.life.Instance(id)
		})
	default:
		http.NotFound(rw, r)
		return
	}
	if err != nil {
		writeError(rw, err)
		return
	}
	rt.respondInstance(ctx, rw, http.StatusOK, inst)
}

func (rt *runtime) respondInstance(ctx context.Context, rw http.ResponseWriter, status int, inst instance.Instance) {
	v, err := onLoop(ctx, rt.loop, func() (instanceView, error) { return rt.view(inst), nil })
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, status, map[string]any{"ok": true, "instance": v})
}

func (rt *runtime) handleConvert(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		World string `json:"world"`
		Owner string `json:"owner"`
		Mode  string `json:"mode"`
	}
	if !decodeBody(rw, r, &req) {
		return
	}
	mode := lifecycle.ConvertNormal
	switch strings.ToLower(strings.TrimSpace(req.Mode)) {
	case "", "normal":
	case "admin":
		mode = lifecycle.ConvertAdmin
	default:
		http.Error(rw, "mode must be normal or admin", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	inst, err := awaitOnLoop(ctx, rt.loop, func() *control.Future[instance.Instance] {
		return rt.life.Convert(req.World, req.Owner, mode)
	})
	if err != nil {
		writeError(rw, err)
		return
	}
	rt.respondInstance(ctx, rw, http.StatusCreated, inst)
}

func (rt *runtime) handleMaintenance(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*opTimeout)
	defer cancel()
	rep, err := maintainOnce(ctx, rt)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "report": rep})
}

func (rt *runtime) handleReconcile(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	rep, err := onLoop(ctx, rt.loop, rt.life.Reconcile)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "report": rep})
}

func (rt *runtime) handlePortals(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	switch r.Method {
	case http.MethodGet:
		world := strings.TrimSpace(r.URL.Query().Get("world"))
		if world == "" {
			http.Error(rw, "missing world", http.StatusBadRequest)
			return
		}
		rs, err := onLoop(ctx, rt.loop, func() ([]portal.Region, error) { return rt.transit.PortalsIn(world) })
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "portals": rs})
	case http.MethodPost:
		var reg portal.Region
		if !decodeBody(rw, r, &reg) {
			return
		}
		saved, err := onLoop(ctx, rt.loop, func() (portal.Region, error) {
			if err := rt.transit.Place(reg); err != nil {
				return portal.Region{}, err
			}
			return rt.transit.Find(reg.ID)
		})
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusCreated, map[string]any{"ok": true, "portal": saved})
	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handlePortal serves /v1/portals/{id}.
func (rt *runtime) handlePortal(rw http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/portals/"), "/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(rw, r)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	switch r.Method {
	case http.MethodGet:
		reg, err := onLoop(ctx, rt.loop, func() (portal.Region, error) { return rt.transit.Find(id) })
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "portal": reg})
	case http.MethodDelete:
		if err := rt.loop.Call(ctx, func() error { return rt.transit.Remove(id) }); err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "removed": id})
	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleSpawnPlayer puts a player into a loaded world of the built-in engine.
func (rt *runtime) handleSpawnPlayer(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID       string          `json:"id"`
		Location engine.Location `json:"location"`
	}
	if !decodeBody(rw, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		http.Error(rw, "missing id", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	loc, err := onLoop(ctx, rt.loop, func() (engine.Location, error) {
		if req.Location.World == "" {
			req.Location = rt.eng.DefaultWorld().Spawn()
		}
		p, err := rt.eng.SpawnPlayer(req.ID, req.Location)
		if err != nil {
			return engine.Location{}, err
		}
		return p.Location(), nil
	})
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusCreated, map[string]any{"ok": true, "id": req.ID, "location": loc})
}

// handleMovePlayer serves /v1/players/{id}/move: the player is moved and
// point portals under the new position are checked.
func (rt *runtime) handleMovePlayer(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/players/"), "/"), "/")
	if len(parts) != 2 || parts[1] != "move" {
		http.NotFound(rw, r)
		return
	}
	var to engine.Location
	if !decodeBody(rw, r, &to) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()
	type moved struct {
		Warped   bool            `json:"warped"`
		Location engine.Location `json:"location"`
	}
	res, err := onLoop(ctx, rt.loop, func() (moved, error) {
		p, ok := rt.eng.Player(parts[0])
		if !ok {
			return moved{}, errEntityNotFound
		}
		if to.World == "" {
			to.World = p.Location().World
		}
		if err := p.Teleport(to); err != nil {
			return moved{}, err
		}
		warped := rt.transit.OnMove(p)
		return moved{Warped: warped, Location: p.Location()}, nil
	})
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "warped": res.Warped, "location": res.Location})
}

var errEntityNotFound = errors.New("entity not found")

func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, portal.ErrNotFound), errors.Is(err, errEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrTemplateMissing), errors.Is(err, lifecycle.ErrWorldMissing),
		errors.Is(err, engine.ErrWorldNotLoaded), errors.Is(err, transit.ErrDestination):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lifecycle.ErrBusy), errors.Is(err, lifecycle.ErrArchived), errors.Is(err, lifecycle.ErrNotArchived),
		errors.Is(err, lifecycle.ErrNotLoaded), errors.Is(err, lifecycle.ErrUnbounded),
		errors.Is(err, lifecycle.ErrAlreadyManaged), errors.Is(err, lifecycle.ErrDefaultWorld):
		return http.StatusConflict
	case errors.Is(err, transit.ErrDenied):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, control.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, transit.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(rw http.ResponseWriter, err error) {
	writeJSON(rw, statusFor(err), map[string]any{"ok": false, "error": err.Error()})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func decodeBody(rw http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(rw, "bad request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
