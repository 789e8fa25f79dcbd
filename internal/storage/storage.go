// Package storage implements the optional Storage adapter (§6): a
// non-authoritative key/value side store for orchestrator preferences and UI
// state. The orchestrator operates correctly without it — a worker's true
// state always lives in its worktree's agent.json, per worktreestore — so a
// missing or unavailable Store degrades to Defaults rather than failing any
// caller.
//
// The sqlite connection itself follows zjrosen-perles/internal/beads/client.go's
// pattern: the pure-Go github.com/ncruces/go-sqlite3 driver opened with
// database/sql, never cgo's mattn/go-sqlite3. Schema migrations are driven by
// github.com/golang-migrate/migrate/v4's source/iofs reader over an embedded
// migrations directory; no retrieved example actually calls golang-migrate
// (it appears only in zjrosen-perles/go.mod's require block), so the
// migration-application loop below follows the library's own documented
// source.Driver contract (First/Next/ReadUp) rather than a pack call site.
package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store is a sqlite-backed key/value side store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and applies
// any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: connecting to %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies every embedded up migration in order. It is safe to call
// repeatedly: each migration is wrapped in CREATE/DROP ... IF (NOT) EXISTS.
func (s *Store) migrate() error {
	driver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("storage: loading migrations: %w", err)
	}
	defer driver.Close()

	version, err := driver.First()
	for {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("storage: locating migrations: %w", err)
		}

		r, _, rerr := driver.ReadUp(version)
		if rerr != nil {
			return fmt.Errorf("storage: reading migration %d: %w", version, rerr)
		}
		body, rerr := io.ReadAll(r)
		r.Close()
		if rerr != nil {
			return fmt.Errorf("storage: reading migration %d: %w", version, rerr)
		}
		if _, rerr := s.db.Exec(string(body)); rerr != nil {
			return fmt.Errorf("storage: applying migration %d: %w", version, rerr)
		}

		version, err = driver.Next(version)
	}
}

// Available reports whether the store's underlying connection is usable.
func (s *Store) Available() bool {
	if s == nil || s.db == nil {
		return false
	}
	return s.db.Ping() == nil
}

// Get returns the value stored under key, or def if key is unset.
func (s *Store) Get(key, def string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return v, nil
}

// Set stores value under key, overwriting any existing value.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("storage: set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an unset key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

// Keys returns every stored key in lexicographic order.
func (s *Store) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("storage: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("storage: keys: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Clear removes every stored key.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM kv`); err != nil {
		return fmt.Errorf("storage: clear: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}
