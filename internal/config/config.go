// Package config loads the realmkeeper YAML file.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"realmkeeper.ai/internal/engine"
	"realmkeeper.ai/internal/instance"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "realmkeeper.config.schema.json"

type Config struct {
	Paths PathsSpec `yaml:"paths"`

	FolderPrefix        string  `yaml:"folder_prefix"`
	InitialBorderSize   float64 `yaml:"initial_border_size"`
	UnboundedBorderSize float64 `yaml:"unbounded_border_size"`

	GameRules map[string]string       `yaml:"gamerules"`
	Templates map[string]TemplateSpec `yaml:"templates"`
	Fallback  *engine.Location        `yaml:"fallback,omitempty"`

	AutoArchive           bool    `yaml:"auto_archive"`
	ArchiveRefundRatio    float64 `yaml:"archive_refund_ratio"`
	DeleteDecrementsSlots bool    `yaml:"delete_decrements_slots"`
	// MaintenanceAt is the UTC wall-clock time (HH:MM) of the daily pass.
	MaintenanceAt string `yaml:"maintenance_at"`

	Transit TransitSpec `yaml:"transit"`
}

type PathsSpec struct {
	Live      string `yaml:"live"`
	Cold      string `yaml:"cold"`
	Templates string `yaml:"templates"`
	Exports   string `yaml:"exports"`
	Data      string `yaml:"data"`
	Journal   string `yaml:"journal"`
}

type TemplateSpec struct {
	Description string           `yaml:"description,omitempty"`
	Origin      *engine.Location `yaml:"origin,omitempty"`
}

type TransitSpec struct {
	ScanInterval      time.Duration `yaml:"scan_interval"`
	Cooldown          time.Duration `yaml:"cooldown"`
	Grace             time.Duration `yaml:"grace"`
	LabelSearchRadius float64       `yaml:"label_search_radius"`
	ParticleBudget    int           `yaml:"particle_budget"`
}

// Load reads path (or returns defaults for an empty path), validates the raw
// document against the embedded schema, then normalizes and validates the
// typed config.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Defaults()
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Defaults(), err
	}
	cfg, err := Parse(b)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

func Parse(b []byte) (Config, error) {
	cfg := Defaults()
	if err := validateSchema(b); err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Paths: PathsSpec{
			Live:      "worlds",
			Cold:      "cold",
			Templates: "templates",
			Exports:   "exports",
			Data:      "data",
		},
		FolderPrefix:        instance.DefaultFolderPrefix,
		InitialBorderSize:   64,
		UnboundedBorderSize: 6e7,
		GameRules: map[string]string{
			"spawnRadius":      "0",
			"spawnChunkRadius": "0",
		},
		ArchiveRefundRatio: 0.5,
		MaintenanceAt:      "04:00",
		Transit: TransitSpec{
			ScanInterval:      250 * time.Millisecond,
			Cooldown:          time.Second,
			Grace:             3 * time.Second,
			LabelSearchRadius: 2,
			ParticleBudget:    24,
		},
	}
}

// Normalize fills zero values with defaults and derives unset paths.
func (c *Config) Normalize() {
	d := Defaults()
	c.FolderPrefix = strings.TrimSpace(c.FolderPrefix)
	if c.FolderPrefix == "" {
		c.FolderPrefix = d.FolderPrefix
	}
	if c.InitialBorderSize <= 0 {
		c.InitialBorderSize = d.InitialBorderSize
	}
	if c.UnboundedBorderSize <= 0 {
		c.UnboundedBorderSize = d.UnboundedBorderSize
	}
	if c.GameRules == nil {
		c.GameRules = map[string]string{}
	}
	if c.Templates == nil {
		c.Templates = map[string]TemplateSpec{}
	}
	if c.MaintenanceAt == "" {
		c.MaintenanceAt = d.MaintenanceAt
	}
	if c.Paths.Data == "" {
		c.Paths.Data = d.Paths.Data
	}
	if c.Paths.Journal == "" {
		c.Paths.Journal = filepath.Join(c.Paths.Data, "hooks")
	}
	t := &c.Transit
	if t.ScanInterval <= 0 {
		t.ScanInterval = d.Transit.ScanInterval
	}
	if t.Cooldown <= 0 {
		t.Cooldown = d.Transit.Cooldown
	}
	if t.Grace < 0 {
		t.Grace = 0
	}
	if t.LabelSearchRadius <= 0 {
		t.LabelSearchRadius = d.Transit.LabelSearchRadius
	}
	if t.ParticleBudget < 0 {
		t.ParticleBudget = 0
	}
}

var clockRe = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

func (c Config) Validate() error {
	for name, p := range map[string]string{"live": c.Paths.Live, "cold": c.Paths.Cold, "templates": c.Paths.Templates, "exports": c.Paths.Exports} {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("paths.%s is required", name)
		}
	}
	if filepath.Clean(c.Paths.Live) == filepath.Clean(c.Paths.Cold) {
		return fmt.Errorf("paths.live and paths.cold must differ")
	}
	if strings.ContainsAny(c.FolderPrefix, `/\.`) {
		return fmt.Errorf("folder_prefix %q must not contain path separators or dots", c.FolderPrefix)
	}
	if c.ArchiveRefundRatio < 0 || c.ArchiveRefundRatio > 1 {
		return fmt.Errorf("archive_refund_ratio must be within [0,1]")
	}
	if c.UnboundedBorderSize < c.InitialBorderSize {
		return fmt.Errorf("unbounded_border_size must be >= initial_border_size")
	}
	if !clockRe.MatchString(c.MaintenanceAt) {
		return fmt.Errorf("maintenance_at %q must be HH:MM", c.MaintenanceAt)
	}
	ids := make([]string, 0, len(c.Templates))
	for id := range c.Templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if strings.TrimSpace(id) == "" || strings.ContainsAny(id, `/\`) {
			return fmt.Errorf("invalid template id %q", id)
		}
	}
	return nil
}

// TemplateOrigins flattens the template table into id -> origin.
func (c Config) TemplateOrigins() map[string]engine.Location {
	out := map[string]engine.Location{}
	for id, t := range c.Templates {
		if t.Origin != nil {
			out[id] = *t.Origin
		}
	}
	return out
}

// NextMaintenance returns the first maintenance instant strictly after now.
func (c Config) NextMaintenance(now time.Time) time.Time {
	var hh, mm int
	_, _ = fmt.Sscanf(c.MaintenanceAt, "%d:%d", &hh, &mm)
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// validateSchema checks the raw YAML document. The document is round-tripped
// through JSON so the validator sees only JSON types.
func validateSchema(b []byte) error {
	var raw any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	jb, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jb, &doc); err != nil {
		return err
	}
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
