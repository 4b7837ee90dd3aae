// Package sqlite implements the dispatcher's Store collaborator on
// SQLite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/kovalto/dbbus"
)

//go:embed schema.sql
var schemaSQL string

// Store is a transactional persistence target backed by a SQLite
// database in WAL mode.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and bootstraps the
// schema. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, errors.Wrap(err, "failed to connect to database")
	}

	// SQLite supports one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY under concurrent consumers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()

		return nil, errors.Wrap(err, "failed to apply pragmas")
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()

		return nil, errors.Wrap(err, "failed to apply schema")
	}

	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return errors.Wrapf(err, "pragma %q", p)
		}
	}

	return nil
}

// Session acquires a dedicated connection for one dispatch attempt.
func (s *Store) Session(ctx context.Context) (dbbus.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, classify(err)
	}

	return &session{conn: conn}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	return errors.WithStack(s.db.Close())
}
