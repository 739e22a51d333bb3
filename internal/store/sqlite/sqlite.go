// Package sqlite opens the SQLite backed store (modernc.org/sqlite driver, CGO-free).
package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/roomwatch/internal/store/sqlstore"
)

// New opens a SQLite database at path. Use ":memory:" for an in-memory
// database; the pool is pinned to one connection so every query sees it.
func New(path string) (*sqlstore.DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return sqlstore.New(d, sqlstore.SQLite), nil
}
