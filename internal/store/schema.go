package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens the SQLite database at path. SQLite has a single writer, so the
// pool is capped at one connection.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS projects (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  start_date DATETIME,
  deadline DATETIME,
  created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  project_id TEXT NOT NULL,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  start_date DATETIME,
  duration INTEGER NOT NULL DEFAULT 0 CHECK(duration >= 0),
  dependencies TEXT NOT NULL DEFAULT '[]',
  assignee TEXT NOT NULL DEFAULT '',
  assignee_contact TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('backlog','in-progress','done','error')) DEFAULT 'backlog',
  status_detail TEXT NOT NULL DEFAULT '',
  quote_url TEXT NOT NULL DEFAULT '',
  original_quote_id TEXT NOT NULL DEFAULT '',
  is_new INTEGER NOT NULL DEFAULT 0,
  notified_at DATETIME,
  accepted_at DATETIME,
  completed_at DATETIME,
  lease_until INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_contact ON tasks(assignee_contact, status);
CREATE INDEX IF NOT EXISTS idx_tasks_extraction ON tasks(status, assignee, lease_until);
CREATE TABLE IF NOT EXISTS worker_contexts (
  contact TEXT PRIMARY KEY,
  assignee_name TEXT NOT NULL DEFAULT '',
  todays_tasks TEXT NOT NULL DEFAULT '[]',
  current_task_index INTEGER NOT NULL DEFAULT 0,
  current_task_id TEXT NOT NULL DEFAULT '',
  awaiting TEXT NOT NULL DEFAULT '',
  last_message_at DATETIME,
  version INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  project_id TEXT NOT NULL,
  task_id TEXT NOT NULL DEFAULT '',
  step TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  severity TEXT NOT NULL CHECK(severity IN ('info','warn','error')),
  created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id, id);
`
	_, err := db.Exec(schema)
	return err
}
