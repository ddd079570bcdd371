// Package hooks delivers named lifecycle triggers to external automation.
package hooks

import (
	"sort"
	"sync"
	"time"

	plog "realmkeeper.ai/internal/persistence/log"
)

const (
	OnWorldCreate    = "on_world_create"
	OnWorldDelete    = "on_world_delete"
	OnWorldWarp      = "on_world_warp"
	OnWorldArchive   = "on_world_archive"
	OnWorldUnarchive = "on_world_unarchive"
	OnWorldLoad      = "on_world_load"
	OnWorldUnload    = "on_world_unload"
	OnWorldConvert   = "on_world_convert"
	OnWorldExport    = "on_world_export"
	OnPortalWarp     = "on_portal_warp"
)

// Firer is the single outbound call the core makes.
type Firer interface {
	Fire(trigger string, params map[string]string)
}

type Event struct {
	Trigger string            `json:"trigger"`
	Params  map[string]string `json:"params,omitempty"`
	At      string            `json:"at"`
}

func newEvent(trigger string, params map[string]string) Event {
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return Event{Trigger: trigger, Params: cp, At: time.Now().UTC().Format(time.RFC3339Nano)}
}

type Nop struct{}

func (Nop) Fire(string, map[string]string) {}

// Multi fans a trigger out to every firer in order.
type Multi []Firer

func (m Multi) Fire(trigger string, params map[string]string) {
	for _, f := range m {
		if f != nil {
			f.Fire(trigger, params)
		}
	}
}

// Journal appends every trigger to compressed JSONL segments.
type Journal struct {
	w *plog.JSONLZstdWriter
}

func NewJournal(dir, layout string, onRotate func(path string)) *Journal {
	w := plog.NewJSONLZstdWriter(dir, "hooks", layout)
	w.OnRotate = onRotate
	return &Journal{w: w}
}

func (j *Journal) Fire(trigger string, params map[string]string) {
	_ = j.w.Write(newEvent(trigger, params))
}

func (j *Journal) Close() error { return j.w.Close() }

// Recorder keeps fired events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Fire(trigger string, params map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, newEvent(trigger, params))
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many times trigger fired.
func (r *Recorder) Count(trigger string) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Trigger == trigger {
			n++
		}
	}
	return n
}

// Triggers lists the distinct trigger names seen, sorted.
func (r *Recorder) Triggers() []string {
	seen := map[string]bool{}
	for _, ev := range r.Events() {
		seen[ev.Trigger] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
