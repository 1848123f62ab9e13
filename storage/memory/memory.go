// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kinderboard/relay/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing and single-process deployments that do not need the
// audit trail to survive restarts.
type Repository struct {
	mu     sync.RWMutex
	data   map[string]map[string]*storage.Record
	closed bool
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func cloneRecord(rec *storage.Record) *storage.Record {
	if rec == nil {
		return nil
	}
	return &storage.Record{
		Kind:      rec.Kind,
		Data:      append([]byte(nil), rec.Data...),
		CreatedAt: rec.CreatedAt,
	}
}

func (r *Repository) Put(ctx context.Context, bucket, id string, rec *storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return storage.ErrClosed
	}
	if _, ok := r.data[bucket]; !ok {
		r.data[bucket] = make(map[string]*storage.Record)
	}
	r.data[bucket][id] = cloneRecord(rec)
	return nil
}

func (r *Repository) Get(ctx context.Context, bucket, id string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, storage.ErrClosed
	}
	rec, ok := r.data[bucket][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (r *Repository) List(ctx context.Context, bucket string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, storage.ErrClosed
	}
	recs := r.data[bucket]
	ids := make([]string, 0, len(recs))
	for id := range recs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := recs[ids[i]], recs[ids[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return ids[i] < ids[j]
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return ids, nil
}

func (r *Repository) Delete(ctx context.Context, bucket, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return storage.ErrClosed
	}
	if _, ok := r.data[bucket][id]; !ok {
		return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
	}
	delete(r.data[bucket], id)
	return nil
}

// Close marks the repository unusable and releases its contents.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.data = nil
	return nil
}
