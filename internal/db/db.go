// Package db opens the SQLite database backing the metadata journal.
package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
)

// The journal's write pattern is many small transactions (one per merge
// operation) with occasional large batches (recursive moves and deletes).
// WAL with synchronous=NORMAL keeps the small commits cheap without risking
// corruption, and a modest autocheckpoint bounds WAL growth between the
// bulk batches. Temp B-trees stay in memory: the recursive-path and
// checksum index scans sort small result sets.
const journalPragma = `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=NORMAL;
PRAGMA busy_timeout=5000;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=-8000;
PRAGMA wal_autocheckpoint=512;
`

// Open opens (or creates) the journal database at path, creating the
// parent directory if needed. Use ":memory:" for tests.
//
// The pool is pinned to one connection: the journal has a single writer
// (the reconciler) and all access already serializes upstream, so a second
// connection would only reintroduce SQLite's own lock contention.
func Open(path string) (*sqlx.DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", path)
	}

	slog.Debug("journal db", "driver", driverID, "path", path)
	database, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)

	if _, err := database.Exec(journalPragma); err != nil {
		database.Close()
		return nil, fmt.Errorf("set journal pragmas: %w", err)
	}

	return database, nil
}
