// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/eventually/internal/model"
	"github.com/alfredjeanlab/eventually/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One ingest loop plus the occasional export; a small pool is plenty.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an already-open database handle without running migrations.
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) UpsertDocument(ctx context.Context, id string, object model.Record) (bool, error) {
	return queryUpsertDocument(ctx, s.db, id, object)
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (model.Record, error) {
	return queryGetDocument(ctx, s.db, id)
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]*model.Document, error) {
	return queryListDocuments(ctx, s.db)
}

func (s *PostgresStore) ScanRedacted(ctx context.Context) ([]*model.Document, error) {
	return queryScanRedacted(ctx, s.db)
}

func (s *PostgresStore) InsertVersion(ctx context.Context, docID string, object model.Record, observed time.Time) (string, error) {
	return queryInsertVersion(ctx, s.db, docID, object, observed)
}

func (s *PostgresStore) GetVersion(ctx context.Context, hash string) (*model.Version, error) {
	return queryGetVersion(ctx, s.db, hash)
}

func (s *PostgresStore) ListVersions(ctx context.Context, docID string) ([]*model.Version, error) {
	return queryListVersions(ctx, s.db, docID)
}

func (s *PostgresStore) Notify(ctx context.Context, channel, payload string) error {
	return queryNotify(ctx, s.db, channel, payload)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// stmtSavepoint names the savepoint each transactional statement runs under.
const stmtSavepoint = "eventually_stmt"

// txStore implements store.Store using a *sql.Tx.
//
// PostgreSQL aborts the whole transaction after the first failing statement.
// Every statement therefore runs under its own savepoint, so a failure only
// discards that statement and the rest of the batch can still commit.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) guard(ctx context.Context, fn func() error) error {
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+stmtSavepoint); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+stmtSavepoint); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint: %v)", err, rbErr)
		}
		return err
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+stmtSavepoint); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (s *txStore) UpsertDocument(ctx context.Context, id string, object model.Record) (bool, error) {
	var inserted bool
	err := s.guard(ctx, func() (err error) {
		inserted, err = queryUpsertDocument(ctx, s.tx, id, object)
		return err
	})
	return inserted, err
}

func (s *txStore) GetDocument(ctx context.Context, id string) (model.Record, error) {
	var obj model.Record
	err := s.guard(ctx, func() (err error) {
		obj, err = queryGetDocument(ctx, s.tx, id)
		return err
	})
	return obj, err
}

func (s *txStore) ListDocuments(ctx context.Context) ([]*model.Document, error) {
	return queryListDocuments(ctx, s.tx)
}

func (s *txStore) ScanRedacted(ctx context.Context) ([]*model.Document, error) {
	return queryScanRedacted(ctx, s.tx)
}

func (s *txStore) InsertVersion(ctx context.Context, docID string, object model.Record, observed time.Time) (string, error) {
	var hash string
	err := s.guard(ctx, func() (err error) {
		hash, err = queryInsertVersion(ctx, s.tx, docID, object, observed)
		return err
	})
	return hash, err
}

func (s *txStore) GetVersion(ctx context.Context, hash string) (*model.Version, error) {
	return queryGetVersion(ctx, s.tx, hash)
}

func (s *txStore) ListVersions(ctx context.Context, docID string) ([]*model.Version, error) {
	return queryListVersions(ctx, s.tx, docID)
}

func (s *txStore) Notify(ctx context.Context, channel, payload string) error {
	return s.guard(ctx, func() error {
		return queryNotify(ctx, s.tx, channel, payload)
	})
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
