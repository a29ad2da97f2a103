package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/datawire/dlib/dlog"
)

// ErrNotFound is returned when a lookup resolves to no row.
var ErrNotFound = errors.New("not found")

// Store wraps the controller's PostgreSQL handle. All SQL lives in this
// package; callers deal in the row types from models.go.
type Store struct {
	db *sqlx.DB
}

func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	dlog.Infof(ctx, "connected to database")
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle. Tests use this with sqlmock.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
