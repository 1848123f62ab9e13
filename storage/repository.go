// Package storage provides the persistence abstraction behind the relay's
// audit trail. Records are opaque byte payloads grouped into buckets.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrClosed is returned by repositories used after Close.
	ErrClosed = errors.New("repository closed")
)

// Record is a stored payload plus the metadata needed to order and decode it.
type Record struct {
	Kind      string    `json:"kind"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository stores records by bucket and id.
type Repository interface {
	Put(ctx context.Context, bucket, id string, rec *Record) error
	Get(ctx context.Context, bucket, id string) (*Record, error)
	// List returns the ids in bucket, oldest first by CreatedAt.
	List(ctx context.Context, bucket string) ([]string, error)
	Delete(ctx context.Context, bucket, id string) error
	Close() error
}
