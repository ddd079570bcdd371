package portal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

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

	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS portals (
			id TEXT PRIMARY KEY,
			world TEXT NOT NULL,
			kind TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_portals_world ON portals(world);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &SQLiteRegistry{db: db}, nil
}

func (r *SQLiteRegistry) Close() error { return r.db.Close() }

func (r *SQLiteRegistry) FindAll() ([]Region, error) {
	rows, err := r.db.Query(`SELECT raw_json FROM portals ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Region
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var reg Region
		if err := json.Unmarshal([]byte(raw), &reg); err != nil {
			return nil, fmt.Errorf("decode portal: %w", err)
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (r *SQLiteRegistry) FindByID(id string) (Region, error) {
	var raw string
	if err := r.db.QueryRow(`SELECT raw_json FROM portals WHERE id=?`, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Region{}, ErrNotFound
		}
		return Region{}, err
	}
	var reg Region
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return Region{}, fmt.Errorf("decode portal: %w", err)
	}
	return reg, nil
}

func (r *SQLiteRegistry) Save(reg Region) error {
	return r.PersistAll([]Region{reg})
}

func (r *SQLiteRegistry) Remove(id string) error {
	_, err := r.db.Exec(`DELETE FROM portals WHERE id=?`, id)
	return err
}

// PersistAll upserts every region in one transaction.
func (r *SQLiteRegistry) PersistAll(rs []Region) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO portals(id,world,kind,raw_json,updated_at) VALUES(?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, reg := range rs {
		if err := reg.Validate(); err != nil {
			return err
		}
		raw, err := json.Marshal(reg)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(reg.ID, reg.World, string(reg.Kind), string(raw), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}
