package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is compiled into the binary so schema init works inside runtime
// images that do not ship the source tree.
//
//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every store
// method run either directly on the pool or inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
	q    querier
	tx   pgx.Tx // non-nil when this store is bound to a transaction
}

var _ Store = (*Postgres)(nil)

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log.Println("[Store] Connected to PostgreSQL")
	return &Postgres{pool: pool, q: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema DDL under the migrations advisory
// lock so concurrent processes cannot race the CREATEs.
func (s *Postgres) InitSchema(ctx context.Context) error {
	unlock, ok, err := s.TryAdvisoryLock(ctx, LockKeyMigrations)
	if err != nil {
		return fmt.Errorf("acquire migrations lock: %w", err)
	}
	if !ok {
		// Another process is migrating; wait for it by taking the
		// blocking variant on a dedicated connection.
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer conn.Release()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, LockKeyMigrations); err != nil {
			return err
		}
		defer func() {
			_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, LockKeyMigrations)
		}()
	} else {
		defer unlock()
	}

	if _, err := s.q.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	log.Println("[Store] Schema initialized")
	return nil
}

// WithTx runs fn against a transactional copy of the store. Nested calls on
// an already-transactional store reuse the open transaction.
func (s *Postgres) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	txStore := &Postgres{pool: s.pool, q: tx, tx: tx}
	if err := fn(txStore); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// TryAdvisoryLock takes a session-level advisory lock keyed by
// hashtext(key) on a dedicated pooled connection. The returned func
// releases the lock and the connection.
func (s *Postgres) TryAdvisoryLock(ctx context.Context, key string) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// Release outlives the caller's ctx on purpose: the lock must go
		// away even when the tick context was cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, key)
		conn.Release()
	}
	return release, true, nil
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// AdvisoryXactLock takes a transaction-scoped lock; valid only inside WithTx.
func (s *Postgres) AdvisoryXactLock(ctx context.Context, key string) error {
	if s.tx == nil {
		return fmt.Errorf("advisory xact lock requires a transaction")
	}
	_, err := s.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}
