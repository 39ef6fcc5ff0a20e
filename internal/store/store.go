package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

type dbPool interface {
	PingContext(ctx context.Context) error
}

// Store aggregates repositories backed by the SQLite database file.
type Store struct {
	pool dbPool

	Sources      SourceRepository
	Destinations DestinationRepository
}

// New wires concrete repository implementations with a shared handle.
func New(db *sql.DB) *Store {
	return &Store{
		pool:         db,
		Sources:      &sourceRepo{db: db},
		Destinations: &destinationRepo{db: db},
	}
}

// Open opens (creating if needed) the database file and applies the pragmas
// the service depends on.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite connections do not share the schema lock well under
	// concurrent writers; a single connection with WAL keeps writes serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	return db, nil
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("no database handle")
	}
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.PingContext(ctx)
}
