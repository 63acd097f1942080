package knowledge

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS skills (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	domain     TEXT NOT NULL,
	version    INTEGER NOT NULL,
	record     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (name, domain, version)
);

CREATE TABLE IF NOT EXISTS trajectories (
	id         TEXT PRIMARY KEY,
	task       TEXT NOT NULL,
	url        TEXT NOT NULL,
	record     TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS recoveries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	location   TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	record     TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recoveries_run ON recoveries(run_id);
`

// openDB opens path with WAL, busy_timeout and foreign_keys applied, then
// creates the schema.
func openDB(path string, busyTimeoutMS int) (*sql.DB, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("knowledge: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open: %w", err)
	}
	if memory {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMS),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("knowledge: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledge: exec schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledge: ping: %w", err)
	}
	return db, nil
}
