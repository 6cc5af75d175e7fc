// Package store provides durable persistence for all broker entities:
// tasks, messages, agents, the waiting set, pending acks, system prompts,
// evictions, and the event log. It exposes entity-level operations only;
// policy lives in the lifecycle and scheduler packages.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/taskhive/taskhive/internal/db"
)

// Store wraps the database pool with schema management and a transaction
// helper. Writes that span multiple entities execute in one transaction on
// the single-writer connection.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// New creates a Store over an existing pool and initializes the schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewWithDB creates a Store sharing a single connection for reads and writes,
// used by tests with in-memory SQLite.
func NewWithDB(conn *sql.DB, driverName string) (*Store, error) {
	x := sqlx.NewDb(conn, driverName)
	return New(db.NewPool(x, x))
}

// WithTx executes fn within a write transaction. If fn returns an error the
// transaction is rolled back and no partial state is observable.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DB returns the underlying writer connection for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// Close closes the underlying connections.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.ro != s.db {
		if roErr := s.ro.Close(); roErr != nil && err == nil {
			return roErr
		}
	}
	return err
}
