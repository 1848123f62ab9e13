// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Records live in a single relay_records table keyed by (bucket, id), which
// mirrors the key space of the BBolt and in-memory backends.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kinderboard/relay/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Put(ctx context.Context, bucket, id string, rec *storage.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_records (bucket, id, kind, data, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (bucket, id)
		 DO UPDATE SET kind = $3, data = $4, created_at = $5`,
		bucket, id, rec.Kind, rec.Data, rec.CreatedAt)
	return err
}

func (s *Store) Get(ctx context.Context, bucket, id string) (*storage.Record, error) {
	var rec storage.Record
	err := s.pool.QueryRow(ctx,
		`SELECT kind, data, created_at FROM relay_records WHERE bucket = $1 AND id = $2`,
		bucket, id).Scan(&rec.Kind, &rec.Data, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) List(ctx context.Context, bucket string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM relay_records WHERE bucket = $1 ORDER BY created_at, id`,
		bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Delete(ctx context.Context, bucket, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM relay_records WHERE bucket = $1 AND id = $2`,
		bucket, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
	}
	return nil
}
