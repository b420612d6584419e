// Package db opens the embedded SQLite database backing the fixdev store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// readerConns bounds the read-only pool. WAL mode lets these proceed
	// concurrently with the single writer.
	readerConns = 4
)

// sqliteDSN builds the connection string for path. Both roles enforce
// foreign keys, wait out short lock contention, and share a page cache;
// the writer additionally selects WAL with synchronous=NORMAL, which is
// database-level and therefore inherited by readers.
func sqliteDSN(path string, readOnly bool) string {
	params := []string{
		"_foreign_keys=on",
		fmt.Sprintf("_busy_timeout=%d", int(busyTimeout/time.Millisecond)),
		"_cache=shared",
	}
	if readOnly {
		params = append(params, "_mode=ro")
	} else {
		params = append(params, "_mode=rwc", "_journal_mode=WAL", "_synchronous=NORMAL")
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

// openWriter opens the single write connection. Serializing writes through
// one connection sidesteps SQLITE_BUSY under contention.
func openWriter(path string) (*sql.DB, error) {
	if err := ensureDBFile(path); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	conn, err := sql.Open("sqlite3", sqliteDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// openReader opens the read-only pool used for SELECT traffic.
func openReader(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", sqliteDSN(path, true))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	conn.SetMaxOpenConns(readerConns)
	conn.SetMaxIdleConns(readerConns)
	return conn, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || path == "file::memory:"
}

// absPath resolves dbPath to an absolute path so the writer and reader DSNs
// name the same shared-cache database regardless of working directory.
func absPath(dbPath string) (string, error) {
	if dbPath == "" {
		return "", fmt.Errorf("database path is empty")
	}
	return filepath.Abs(dbPath)
}

// openMemory opens a single-connection in-memory database for tests. One
// connection is mandatory: every new connection to :memory: would see its
// own empty database.
func openMemory() (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// ensureDBFile creates the parent directory and an empty database file so
// the read-only pool can open the path even before the first write.
func ensureDBFile(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}
