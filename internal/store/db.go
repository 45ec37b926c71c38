// Package store persists scheduled jobs and mailbox/support application
// state in two embedded SQLite databases under $DATA_DIR, exactly the
// file-backed, WAL-mode, busy-timeout pattern Chartly's aggregator
// control plane uses for its local job tables.
package store

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// openDB opens a SQLite database at dataDir/name with WAL mode, a
// busy timeout so contended writers wait instead of failing, and a
// single open connection — SQLite serializes writers anyway, and a
// single *sql.DB/conn pair keeps the busy_timeout meaningful across
// every statement (mirrors Chartly's aggregator: one conn, same DSN
// shape).
func openDB(dataDir, name string) (*sql.DB, error) {
	path := filepath.Join(dataDir, name)
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", name, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", name, err)
	}
	return db, nil
}
