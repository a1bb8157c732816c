// Package queue is the local durable store for offline messages. A
// message queued here survives process restarts; the sync engine drains
// it when connectivity allows.
package queue

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection backing the offline queue.
type DB struct {
	*sql.DB
}

// Open creates the SQLite connection with WAL mode and recommended
// pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping queue db: %w", err)
	}
	return &DB{db}, nil
}
