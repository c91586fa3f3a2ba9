// Package sqlite provides the SQLite database connection factory for the
// indexing daemon. Uses modernc.org/sqlite — a pure-Go driver (no CGO).
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Register the modernc sqlite driver under the name "sqlite"
	_ "modernc.org/sqlite"
)

// IndexDBPath returns the daemon database location under a library root:
// <root>/.slidemanager/index.sqlite.
func IndexDBPath(libraryRoot string) string {
	return filepath.Join(libraryRoot, ".slidemanager", "index.sqlite")
}

// NewDB opens (or creates) a SQLite database at path and configures it for the
// daemon's mixed reader/writer workload:
//   - WAL journal mode (concurrent reads during writes)
//   - Foreign key enforcement (SQLite disables FKs by default)
//   - 5-second busy timeout (absorbs writer contention between worker pools)
//   - Synchronous=NORMAL (safe + faster than FULL under WAL)
//   - temp_store=MEMORY
//
// Use ":memory:" as path for in-memory databases in tests. For file paths the
// parent directory is created if missing — the daemon owns the .slidemanager
// tree under each library root.
func NewDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite.NewDB: create parent directory: %w", err)
		}
	}

	// PRAGMAs applied at connection time via DSN query parameters.
	// modernc.org/sqlite supports _pragma=... params in the DSN.
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite.NewDB: open %q: %w", path, err)
	}

	// WAL allows concurrent readers but serializes writers; every store
	// operation is a short transaction, so a small pool is enough.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite.NewDB: ping %q: %w", path, err)
	}

	return db, nil
}
