package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"SettleLedger/internal/observability"
)

// Store is the transactional facade over the settlement schema. Every
// multi-statement operation is one method running in one transaction; the
// only mutable row type is participant_position, always read FOR UPDATE.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db, log: observability.NewLogger("store")}, nil
}

// NewWithDB wraps an existing handle (tests).
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, log: observability.NewLogger("store")}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports store reachability for the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithTx runs fn inside trx when one is supplied, otherwise opens its own
// transaction and commits it after fn returns nil. Any error rolls the owned
// transaction back in full; a caller-supplied trx is left to its owner.
func (s *Store) WithTx(ctx context.Context, trx *sql.Tx, fn func(*sql.Tx) error) error {
	if trx != nil {
		return fn(trx)
	}
	own, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(own); err != nil {
		if rbErr := own.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := own.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
