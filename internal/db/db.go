// Package db opens the SQLite job database and applies its schema.
package db

import (
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Open opens a SQLite database at the specified path.
//
// Connection settings go in the DSN so that every pooled connection gets
// them: foreign keys, a 5s busy timeout and IMMEDIATE write transactions
// (two readers upgrading to writers otherwise deadlock with SQLITE_BUSY).
// WAL lets the API read while a worker writes.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create database directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "query journal mode")
	}
	if !strings.EqualFold(mode, "wal") {
		db.Close()
		return nil, errors.Newf("expected WAL journal mode, got %q", mode)
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", "5000")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// IsDatabaseClosed reports whether err came from using a closed *sql.DB.
func IsDatabaseClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "sql: database is closed")
}
