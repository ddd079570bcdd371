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

	"realmkeeper.ai/internal/instance"
	"realmkeeper.ai/internal/portal"
)

func instancesCmd(args []string) {
	fs := flag.NewFlagSet("instances", flag.ExitOnError)
	paths := pathsFlag(fs)
	owner := fs.String("owner", "", "only instances of this owner")
	archived := fs.Bool("archived", false, "only archived instances")
	asJSON := fs.Bool("json", false, "print JSON")
	_ = fs.Parse(args)

	reg, err := instance.OpenSQLite(filepath.Join(paths().Data, "instances.sqlite"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer reg.Close()

	var all []instance.Instance
	if o := strings.TrimSpace(*owner); o != "" {
		all, err = reg.FindByOwner(o)
	} else {
		all, err = reg.FindAll()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	out := all[:0]
	for _, inst := range all {
		if *archived && !inst.Archived {
			continue
		}
		out = append(out, inst)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if *asJSON {
		printJSON(out)
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "UUID\tOWNER\tNAME\tFOLDER\tSTATE\tLEVEL\tEXPIRES\tVISITORS")
	for _, inst := range out {
		state := "live"
		if inst.Archived {
			state = "archived"
		}
		level := fmt.Sprint(inst.ExpansionLevel)
		if inst.IsUnbounded() {
			level = "unbounded"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			inst.UUID, inst.Owner, inst.Name, inst.Folder, state, level, formatTime(inst.ExpireDate), inst.TotalVisitors())
	}
}

func portalsCmd(args []string) {
	fs := flag.NewFlagSet("portals", flag.ExitOnError)
	paths := pathsFlag(fs)
	world := fs.String("world", "", "only portals in this world")
	asJSON := fs.Bool("json", false, "print JSON")
	_ = fs.Parse(args)

	reg, err := portal.OpenSQLite(filepath.Join(paths().Data, "portals.sqlite"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer reg.Close()

	all, err := reg.FindAll()
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	out := all[:0]
	for _, r := range all {
		if *world != "" && r.World != *world {
			continue
		}
		out = append(out, r)
	}
	if *asJSON {
		printJSON(out)
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "ID\tWORLD\tKIND\tWHERE\tDESTINATION\tLABEL")
	for _, r := range out {
		where := fmt.Sprintf("%d,%d,%d", r.Anchor.X, r.Anchor.Y, r.Anchor.Z)
		if r.Kind == portal.KindGate {
			where = fmt.Sprintf("%d,%d,%d..%d,%d,%d", r.Min.X, r.Min.Y, r.Min.Z, r.Max.X, r.Max.Y, r.Max.Z)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.World, r.Kind, where, r.Destination, r.LabelText())
	}
}

func slotsCmd(args []string) {
	fs := flag.NewFlagSet("slots", flag.ExitOnError)
	paths := pathsFlag(fs)
	owner := fs.String("owner", "", "owner id (required)")
	adjust := fs.Int("adjust", 0, "add this many slots (negative to remove)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*owner) == "" {
		fmt.Fprintln(os.Stderr, "missing -owner")
		os.Exit(2)
	}
	reg, err := instance.OpenSQLite(filepath.Join(paths().Data, "instances.sqlite"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer reg.Close()

	var n int
	if *adjust != 0 {
		n, err = reg.AdjustGrantedSlots(*owner, *adjust)
	} else {
		n, err = reg.GrantedSlots(*owner)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "slots:", err)
		os.Exit(1)
	}
	owned, err := reg.FindByOwner(*owner)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	fmt.Printf("owner=%s granted=%d used=%d\n", *owner, n, len(owned))
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		os.Exit(1)
	}
}
