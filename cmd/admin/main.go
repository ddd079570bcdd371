package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"realmkeeper.ai/internal/config"
	"realmkeeper.ai/internal/hooks"
	persistlog "realmkeeper.ai/internal/persistence/log"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "instances":
			instancesCmd(os.Args[2:])
			return
		case "portals":
			portalsCmd(os.Args[2:])
			return
		case "slots":
			slotsCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "maintain":
			postCmd("maintain", "/v1/maintenance", os.Args[2:])
			return
		case "reconcile":
			postCmd("reconcile", "/v1/reconcile", os.Args[2:])
			return
		}
	}
	instancesCmd(os.Args[1:])
}

// pathsFlag resolves the data and journal directories from -data, falling
// back to the config file's paths.
func pathsFlag(fs *flag.FlagSet) func() config.PathsSpec {
	dataDir := fs.String("data", "", "runtime data directory (default: paths.data from -config)")
	configPath := fs.String("config", "./configs/realmkeeper.yaml", "config file")
	return func() config.PathsSpec {
		if d := strings.TrimSpace(*dataDir); d != "" {
			return config.PathsSpec{Data: d, Journal: filepath.Join(d, "hooks")}
		}
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
		return cfg.Paths
	}
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	paths := pathsFlag(fs)
	trigger := fs.String("trigger", "", "only show this trigger (e.g. on_world_archive)")
	since := fs.String("since", "", "only segments at or after this hour (YYYY-MM-DD-HH)")
	asJSON := fs.Bool("json", false, "print raw JSON lines")
	_ = fs.Parse(args)

	dir := paths().Journal
	segs, err := filepath.Glob(filepath.Join(dir, "hooks-*.jsonl.zst"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "glob:", err)
		os.Exit(1)
	}
	sort.Strings(segs)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	for _, seg := range segs {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(seg), "hooks-"), ".jsonl.zst")
		if *since != "" && name < *since {
			continue
		}
		err := persistlog.ReadJSONL(seg, func(line []byte) error {
			var ev hooks.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return err
			}
			if *trigger != "" && ev.Trigger != *trigger {
				return nil
			}
			if *asJSON {
				fmt.Fprintln(tw, string(line))
				return nil
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", ev.At, ev.Trigger, formatParams(ev.Params))
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", seg, err)
		}
	}
}

func formatParams(p map[string]string) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p[k])
	}
	return strings.Join(parts, " ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02")
}
