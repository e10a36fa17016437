// Package catalog is the relational index of everything transferred into
// the per-entity repositories.
//
// The catalog is an embedded SQLite database (ncruces/go-sqlite3, no cgo)
// opened in WAL mode with immediate transactions, so the per-repository
// transfer workers can write concurrently without deadlocking on lock
// upgrades.
//
// Rows form a tree: material and project are parents of sample;
// irradiation and production are parents of level; level and sample are
// parents of position; position is the parent of analysis. Every write
// path creates parents before children inside one transaction, so a
// child row never references a missing parent.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrReferential is returned when a write would break the parent/child
// structure, e.g. a position already held by another identifier.
var ErrReferential = errors.New("referential integrity violation")

// ErrNotFound is returned by lookups that match no row
var ErrNotFound = errors.New("not found")

// DB wraps the catalog connection
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the catalog database at path.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them
	dsn := fmt.Sprintf("file:%s?_txlock=immediate"+
		"&_pragma=journal_mode(wal)"+
		"&_pragma=busy_timeout(10000)"+
		"&_pragma=foreign_keys(1)", path)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping catalog: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// OpenAndInit opens the catalog and makes sure the schema exists
func OpenAndInit(ctx context.Context, path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint catalog WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close catalog: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Safe to call
// multiple times.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS materials (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		grainsize TEXT NOT NULL DEFAULT '',
		UNIQUE (name, grainsize)
	);

	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		principal_investigator TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		material_id INTEGER NOT NULL REFERENCES materials(id),
		project_id INTEGER NOT NULL REFERENCES projects(id),
		UNIQUE (name, material_id, project_id)
	);

	CREATE TABLE IF NOT EXISTS irradiations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS productions (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS levels (
		id INTEGER PRIMARY KEY,
		irradiation_id INTEGER NOT NULL REFERENCES irradiations(id),
		name TEXT NOT NULL,
		holder TEXT NOT NULL DEFAULT '',
		production_id INTEGER REFERENCES productions(id),
		UNIQUE (irradiation_id, name)
	);

	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY,
		level_id INTEGER NOT NULL REFERENCES levels(id),
		position INTEGER NOT NULL,
		identifier TEXT NOT NULL UNIQUE,
		sample_id INTEGER REFERENCES samples(id),
		j REAL NOT NULL DEFAULT 0,
		j_err REAL NOT NULL DEFAULT 0,
		UNIQUE (level_id, position)
	);

	CREATE TABLE IF NOT EXISTS mass_spectrometers (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS extract_devices (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS repositories (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		principal_investigator TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS analyses (
		id INTEGER PRIMARY KEY,
		uuid TEXT NOT NULL UNIQUE,
		position_id INTEGER NOT NULL REFERENCES positions(id),
		aliquot INTEGER NOT NULL,
		increment INTEGER NOT NULL DEFAULT -1,
		analysis_type TEXT NOT NULL DEFAULT 'unknown',
		timestamp TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 0,
		comment TEXT NOT NULL DEFAULT '',
		mass_spectrometer_id INTEGER NOT NULL REFERENCES mass_spectrometers(id),
		extract_device_id INTEGER REFERENCES extract_devices(id),
		user_id INTEGER REFERENCES users(id),
		UNIQUE (position_id, aliquot, increment)
	);

	CREATE TABLE IF NOT EXISTS repository_analyses (
		repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		analysis_id INTEGER NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
		PRIMARY KEY (repository_id, analysis_id)
	);

	CREATE INDEX IF NOT EXISTS idx_positions_level ON positions(level_id);
	CREATE INDEX IF NOT EXISTS idx_analyses_position ON analyses(position_id);
	CREATE INDEX IF NOT EXISTS idx_analyses_timestamp ON analyses(timestamp);
	CREATE INDEX IF NOT EXISTS idx_repository_analyses_analysis ON repository_analyses(analysis_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return nil
}

// withTx runs fn inside an immediate transaction
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ensureNamed returns the id of the row with name in table, inserting it
// when absent. table is always a package constant.
func ensureNamed(ctx context.Context, tx *sql.Tx, table, name string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("%s name is required: %w", table, ErrReferential)
	}

	insert := fmt.Sprintf(`INSERT INTO %s (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, table)
	if _, err := tx.ExecContext(ctx, insert, name); err != nil {
		return 0, fmt.Errorf("failed to insert %s %q: %w", table, name, err)
	}

	var id int64
	query := fmt.Sprintf(`SELECT id FROM %s WHERE name = ?`, table)
	if err := tx.QueryRowContext(ctx, query, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to look up %s %q: %w", table, name, err)
	}
	return id, nil
}
