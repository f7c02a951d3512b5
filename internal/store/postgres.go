package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	sqlCreateArtifacts = `
        CREATE TABLE IF NOT EXISTS agent_artifacts (
            key        TEXT PRIMARY KEY,
            run_id     TEXT NOT NULL,
            value      JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlUpsertArtifact = `
        INSERT INTO agent_artifacts (key, run_id, value, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (key) DO UPDATE SET
            run_id = EXCLUDED.run_id,
            value = EXCLUDED.value,
            updated_at = EXCLUDED.updated_at;
    `
	sqlSelectArtifact = `
        SELECT key, run_id, value, updated_at
        FROM agent_artifacts
        WHERE key = $1;
    `
)

// DBPool abstracts pgxpool.Pool so the store can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// execer is satisfied by both a pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL ArtifactStore.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// EnsureSchema creates the artifacts table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateArtifacts); err != nil {
		return fmt.Errorf("failed to create agent_artifacts: %w", err)
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, db execer, key, runID string, value []byte) error {
	if _, err := db.Exec(ctx, sqlUpsertArtifact, key, runID, value, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert artifact %s: %w", key, err)
	}
	return nil
}

// SaveResult records result as the latest result and as the run's own, atomically.
func (s *Store) SaveResult(ctx context.Context, runID, result string) error {
	value, err := resultValue(result)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := s.upsert(ctx, tx, KeyLastResult, runID, value); err != nil {
		return err
	}
	if err := s.upsert(ctx, tx, RunResultKey(runID), runID, value); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveExchange records the latest raw request or response body.
func (s *Store) SaveExchange(ctx context.Context, runID, kind string, body []byte) error {
	key, err := exchangeKey(kind)
	if err != nil {
		return err
	}
	value, err := exchangeValue(body)
	if err != nil {
		return err
	}
	return s.upsert(ctx, s.pool, key, runID, value)
}

// Get returns the artifact stored under key.
func (s *Store) Get(ctx context.Context, key string) (Artifact, error) {
	var (
		a     Artifact
		value []byte
	)
	err := s.pool.QueryRow(ctx, sqlSelectArtifact, key).Scan(&a.Key, &a.RunID, &value, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to query artifact %s: %w", key, err)
	}
	a.Value = value
	return a, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
