package instance

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteRegistry keeps one JSON record per instance plus the columns needed
// for lookups. It also implements SlotLedger.
type SQLiteRegistry struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteRegistry, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRegistry{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS instances (
			uuid TEXT PRIMARY KEY,
			folder TEXT NOT NULL UNIQUE,
			owner TEXT NOT NULL,
			archived INTEGER NOT NULL,
			expire_at TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances(owner);`,
		`CREATE TABLE IF NOT EXISTS owner_slots (
			owner TEXT PRIMARY KEY,
			granted INTEGER NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLiteRegistry) Close() error { return r.db.Close() }

func (r *SQLiteRegistry) FindByID(id uuid.UUID) (Instance, error) {
	return r.findOne(`SELECT raw_json FROM instances WHERE uuid=?`, id.String())
}

func (r *SQLiteRegistry) FindByFolder(folder string) (Instance, error) {
	if strings.TrimSpace(folder) == "" {
		return Instance{}, ErrNotFound
	}
	return r.findOne(`SELECT raw_json FROM instances WHERE folder=?`, folder)
}

func (r *SQLiteRegistry) findOne(query string, arg any) (Instance, error) {
	var raw string
	if err := r.db.QueryRow(query, arg).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Instance{}, ErrNotFound
		}
		return Instance{}, err
	}
	var inst Instance
	if err := json.Unmarshal([]byte(raw), &inst); err != nil {
		return Instance{}, fmt.Errorf("decode instance: %w", err)
	}
	return inst, nil
}

func (r *SQLiteRegistry) FindAll() ([]Instance, error) {
	rows, err := r.db.Query(`SELECT raw_json FROM instances ORDER BY folder`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Instance
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var inst Instance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			return nil, fmt.Errorf("decode instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// FindByOwner lists the instances owned by owner.
func (r *SQLiteRegistry) FindByOwner(owner string) ([]Instance, error) {
	all, err := r.FindAll()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, inst := range all {
		if inst.Owner == owner {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (r *SQLiteRegistry) Save(inst Instance) error {
	if inst.UUID == uuid.Nil {
		return fmt.Errorf("save instance: nil uuid")
	}
	if strings.TrimSpace(inst.Folder) == "" {
		return fmt.Errorf("save instance %s: empty folder", inst.UUID)
	}
	raw, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	expire := ""
	if !inst.ExpireDate.IsZero() {
		expire = inst.ExpireDate.UTC().Format(time.RFC3339Nano)
	}
	archived := 0
	if inst.Archived {
		archived = 1
	}
	_, err = r.db.Exec(
		`INSERT OR REPLACE INTO instances(uuid,folder,owner,archived,expire_at,raw_json,updated_at) VALUES(?,?,?,?,?,?,?)`,
		inst.UUID.String(),
		inst.Folder,
		inst.Owner,
		archived,
		expire,
		string(raw),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (r *SQLiteRegistry) Delete(id uuid.UUID) error {
	_, err := r.db.Exec(`DELETE FROM instances WHERE uuid=?`, id.String())
	return err
}

func (r *SQLiteRegistry) GrantedSlots(owner string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT granted FROM owner_slots WHERE owner=?`, owner).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// AdjustGrantedSlots adds delta to the owner's grant, clamping at zero.
func (r *SQLiteRegistry) AdjustGrantedSlots(owner string, delta int) (int, error) {
	if strings.TrimSpace(owner) == "" {
		return 0, fmt.Errorf("empty owner")
	}
	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur int
	err = tx.QueryRow(`SELECT granted FROM owner_slots WHERE owner=?`, owner).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	next := cur + delta
	if next < 0 {
		next = 0
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO owner_slots(owner,granted) VALUES(?,?)`, owner, next); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}
