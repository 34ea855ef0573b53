package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the underlying SQLite connection pool and owns schema migration.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if necessary) the SQLite database at path, enables
// WAL mode and foreign keys, and applies any pending migrations. When
// flushData is true, every migration is reverted before being re-applied,
// wiping all persisted state.
func Open(path string, flushData bool) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}

	db := &DB{conn: conn, path: path}

	if flushData {
		if err := db.revertMigrations(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to revert migrations: %w", err)
		}
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, migration1},
	{2, migration2},
	{3, migration3},
	{4, migration4},
}

const migration1 = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY
);
`

const migration2 = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
INSERT OR IGNORE INTO users (id, name) VALUES (0, 'root');
`

const migration3 = `
CREATE TABLE IF NOT EXISTS contests (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	from_time TEXT NOT NULL,
	to_time TEXT NOT NULL,
	submission_limit INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS contest_users (
	contest_id INTEGER NOT NULL REFERENCES contests(id),
	user_id INTEGER NOT NULL,
	PRIMARY KEY (contest_id, user_id)
);
CREATE TABLE IF NOT EXISTS contest_problems (
	contest_id INTEGER NOT NULL REFERENCES contests(id),
	problem_id INTEGER NOT NULL,
	ord INTEGER NOT NULL,
	PRIMARY KEY (contest_id, problem_id)
);
`

const migration4 = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY,
	created_time TEXT NOT NULL,
	updated_time TEXT NOT NULL,
	source_code TEXT NOT NULL,
	language TEXT NOT NULL,
	user_id INTEGER NOT NULL,
	contest_id INTEGER NOT NULL,
	problem_id INTEGER NOT NULL,
	state TEXT NOT NULL,
	result TEXT NOT NULL,
	score REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS case_results (
	job_id INTEGER NOT NULL REFERENCES jobs(id),
	case_id INTEGER NOT NULL,
	result TEXT NOT NULL,
	time INTEGER NOT NULL,
	memory INTEGER NOT NULL,
	info TEXT NOT NULL,
	PRIMARY KEY (job_id, case_id)
);
`

// migrate applies every migration newer than the highest recorded version.
func (db *DB) migrate() error {
	if _, err := db.conn.Exec(migration1); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	current := 0
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// revertMigrations drops every table this module owns, in dependency order,
// so that migrate() re-creates a clean schema from scratch.
func (db *DB) revertMigrations() error {
	tables := []string{
		"case_results", "jobs",
		"contest_problems", "contest_users", "contests",
		"users", "schema_migrations",
	}
	for _, table := range tables {
		if _, err := db.conn.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}
	return nil
}
