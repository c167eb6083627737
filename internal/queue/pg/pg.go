// Package pg is the managed-mode queue backend: the same Store
// contract as the embedded SQLite store, held in Postgres so several
// operator tools can watch one queue. Schema is owned by the
// golang-migrate files under migrations/.
package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/crewdhq/crewd/internal/queue"
)

// Store implements queue.Store on Postgres.
type Store struct {
	db           *sql.DB
	defaultAgent string
	maxRetries   int
	notify       chan struct{}
}

var _ queue.Store = (*Store)(nil)

// Open connects to Postgres using the pgx stdlib driver.
func Open(dsn string, opts queue.Options) (*Store, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{
		db:           db,
		defaultAgent: opts.DefaultAgent,
		maxRetries:   opts.MaxRetries,
		notify:       make(chan struct{}, 1),
	}, nil
}

// Notify implements queue.Store.
func (s *Store) Notify() <-chan struct{} { return s.notify }

func (s *Store) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }
