package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteBackend keeps the ledger in a single local database file. It holds
// one connection so that concurrent writers queue in-process instead of
// failing with SQLITE_BUSY.
type SQLiteBackend struct {
	*sqlBackend
	path string
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	inner, err := newSQLBackend(path, sqlDialect{
		name:        "sqlite",
		driver:      "sqlite",
		placeholder: questionPlaceholder,
		setup:       sqliteSetup,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{sqlBackend: inner, path: path}, nil
}

func (b *SQLiteBackend) Path() string {
	return b.path
}

func sqliteSetup(ctx context.Context, db *sql.DB) error {
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}
	return nil
}
