// Package store is the SQLite-backed entity store: users, projects,
// terminal sessions, tasks and their executions, port mappings, API keys,
// and the append-only event log.
//
// All timestamps are stored as RFC3339Nano TEXT in UTC. Single-statement
// operations rely on SQLite's own atomicity; the few multi-step writes use
// transactions.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// ErrNotFound is returned when an entity doesn't exist.
var ErrNotFound = errors.New("not found")

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. WAL mode keeps readers from
// blocking the writer; foreign keys are enforced per connection.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			username     TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			is_admin     INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS projects (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			folder           TEXT NOT NULL,
			owner_user_id    TEXT NOT NULL REFERENCES users(id),
			shared           INTEGER NOT NULL DEFAULT 0,
			default_agent_id TEXT,
			created_at       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			owner_user_id  TEXT NOT NULL REFERENCES users(id),
			project_id     TEXT REFERENCES projects(id) ON DELETE CASCADE,
			parent_id      TEXT REFERENCES sessions(id),
			relation_type  TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'pending',
			container_name TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_owner_status ON sessions(owner_user_id, status);

		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			project_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			title       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'todo',
			agent_id    TEXT,
			session_id  TEXT REFERENCES sessions(id) ON DELETE SET NULL,
			created_by  TEXT NOT NULL REFERENCES users(id),
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

		CREATE TABLE IF NOT EXISTS executions (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			session_id  TEXT REFERENCES sessions(id) ON DELETE SET NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			started_at  TEXT,
			finished_at TEXT,
			created_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id);

		CREATE TABLE IF NOT EXISTS port_mappings (
			session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			host_port      INTEGER NOT NULL,
			container_port INTEGER NOT NULL,
			PRIMARY KEY (session_id, host_port)
		);

		CREATE TABLE IF NOT EXISTS api_keys (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name         TEXT NOT NULL,
			secret_hash  TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			last_used_at TEXT
		);

		CREATE TABLE IF NOT EXISTS events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			type       TEXT NOT NULL,
			actor_id   TEXT,
			subject_id TEXT,
			data       TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
