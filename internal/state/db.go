// Package state provides SQLite-based persistence for the monitoring core.
// Snapshots, reviews and discovery edges are append-only; the schema
// rejects updates and deletes on those tables.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	// DriverModernc is the pure-Go driver and the default.
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver.
	DriverMattn = "sqlite3"
)

// DB wraps an SQLite database connection with monitoring-specific operations.
type DB struct {
	conn   *sql.DB
	path   string
	driver string
	mu     sync.RWMutex
}

// ProjectDBPath returns the path to the project-local database.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".omoi", "state.db")
}

// Open opens an SQLite database at the given path with the default driver.
func Open(path string) (*DB, error) {
	return OpenDriver(DriverModernc, path)
}

// OpenDriver opens an SQLite database with the named driver.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func OpenDriver(driver, path string) (*DB, error) {
	switch driver {
	case DriverModernc, DriverMattn:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &DB{conn: conn, path: path, driver: driver}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Driver returns the database/sql driver name in use.
func (db *DB) Driver() string {
	return db.driver
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
		{2, migrationV2Reviews},
		{3, migrationV3Snapshots},
		{4, migrationV4Discoveries},
		{5, migrationV5Interventions},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (db *DB) SchemaVersion() (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	ticket_id TEXT,
	parent_task_id TEXT,
	kind TEXT NOT NULL DEFAULT 'work',
	phase INTEGER NOT NULL DEFAULT 0,
	title TEXT NOT NULL,
	description TEXT,
	priority INTEGER NOT NULL DEFAULT 1,
	state TEXT NOT NULL DEFAULT 'pending',
	owner_agent_id TEXT,
	validator_agent_id TEXT,
	depends_on TEXT,
	iteration INTEGER NOT NULL DEFAULT 1,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0,
	artifact_ref TEXT,
	diagnosis_task_id TEXT,
	last_feedback TEXT,
	validation_started_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
CREATE INDEX IF NOT EXISTS idx_tasks_ticket ON tasks(ticket_id);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_agent_id);
`

const migrationV2Reviews = `
CREATE TABLE IF NOT EXISTS validation_reviews (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	iteration INTEGER NOT NULL,
	passed INTEGER NOT NULL,
	feedback TEXT,
	evidence TEXT,
	validator_agent_id TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reviews_task ON validation_reviews(task_id, iteration);

CREATE TRIGGER IF NOT EXISTS validation_reviews_no_update BEFORE UPDATE ON validation_reviews
BEGIN SELECT RAISE(ABORT, 'SNAPSHOT_IMMUTABLE'); END;
CREATE TRIGGER IF NOT EXISTS validation_reviews_no_delete BEFORE DELETE ON validation_reviews
BEGIN SELECT RAISE(ABORT, 'SNAPSHOT_IMMUTABLE'); END;
`

const migrationV3Snapshots = `
CREATE TABLE IF NOT EXISTS trajectory_snapshots (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	tick_id TEXT NOT NULL,
	task_id TEXT,
	alignment_score REAL,
	rationale TEXT,
	needs_steering INTEGER NOT NULL DEFAULT 0,
	steering_category TEXT,
	work_description TEXT,
	progress REAL NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	degraded INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trajectory_agent ON trajectory_snapshots(agent_id, seq);
CREATE INDEX IF NOT EXISTS idx_trajectory_tick ON trajectory_snapshots(tick_id);

CREATE TABLE IF NOT EXISTS coherence_snapshots (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	tick_id TEXT NOT NULL UNIQUE,
	score REAL NOT NULL,
	band TEXT NOT NULL,
	status TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS duplicate_pairs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	pair_key TEXT NOT NULL,
	description_hash TEXT NOT NULL,
	tick_id TEXT NOT NULL,
	agent_a TEXT NOT NULL,
	agent_b TEXT NOT NULL,
	similarity REAL NOT NULL,
	description_a TEXT,
	description_b TEXT,
	resolution TEXT NOT NULL,
	redistributed_agent_id TEXT,
	created_at DATETIME NOT NULL,
	UNIQUE(pair_key, description_hash)
);

CREATE TRIGGER IF NOT EXISTS trajectory_snapshots_no_update BEFORE UPDATE ON trajectory_snapshots
BEGIN SELECT RAISE(ABORT, 'SNAPSHOT_IMMUTABLE'); END;
CREATE TRIGGER IF NOT EXISTS trajectory_snapshots_no_delete BEFORE DELETE ON trajectory_snapshots
BEGIN SELECT RAISE(ABORT, 'SNAPSHOT_IMMUTABLE'); END;
CREATE TRIGGER IF NOT EXISTS coherence_snapshots_no_update BEFORE UPDATE ON coherence_snapshots
BEGIN SELECT RAISE(ABORT, 'SNAPSHOT_IMMUTABLE'); END;
CREATE TRIGGER IF NOT EXISTS coherence_snapshots_no_delete BEFORE DELETE ON coherence_snapshots
BEGIN SELECT RAISE(ABORT, 'SNAPSHOT_IMMUTABLE'); END;
`

const migrationV4Discoveries = `
CREATE TABLE IF NOT EXISTS discoveries (
	id TEXT PRIMARY KEY,
	source_task_id TEXT NOT NULL REFERENCES tasks(id),
	category TEXT NOT NULL,
	description TEXT NOT NULL,
	evidence TEXT,
	priority_boost INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'open',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_discoveries_source ON discoveries(source_task_id);
CREATE INDEX IF NOT EXISTS idx_discoveries_category ON discoveries(category, created_at);

CREATE TABLE IF NOT EXISTS discovery_edges (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	discovery_id TEXT NOT NULL REFERENCES discoveries(id),
	source_task_id TEXT NOT NULL,
	spawned_task_id TEXT NOT NULL UNIQUE REFERENCES tasks(id),
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_edges_discovery ON discovery_edges(discovery_id, seq);

CREATE TRIGGER IF NOT EXISTS discovery_edges_no_update BEFORE UPDATE ON discovery_edges
BEGIN SELECT RAISE(ABORT, 'SNAPSHOT_IMMUTABLE'); END;
CREATE TRIGGER IF NOT EXISTS discovery_edges_no_delete BEFORE DELETE ON discovery_edges
BEGIN SELECT RAISE(ABORT, 'SNAPSHOT_IMMUTABLE'); END;
`

const migrationV5Interventions = `
CREATE TABLE IF NOT EXISTS interventions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	category TEXT NOT NULL,
	message TEXT NOT NULL,
	origin_snapshot_id TEXT,
	origin_authority TEXT,
	outcome TEXT NOT NULL DEFAULT 'queued',
	failure_reason TEXT,
	retry_of TEXT,
	created_at DATETIME NOT NULL,
	settled_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_interventions_agent ON interventions(agent_id, created_at);
CREATE INDEX IF NOT EXISTS idx_interventions_outcome ON interventions(outcome);
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs the given function within a transaction.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// IsImmutableError reports whether err came from an append-only table trigger.
func IsImmutableError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SNAPSHOT_IMMUTABLE")
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON[T any](s sql.NullString) (T, error) {
	var v T
	if !s.Valid || s.String == "" {
		return v, nil
	}
	err := json.Unmarshal([]byte(s.String), &v)
	return v, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
