// Package storagetest holds behaviour tests shared by every
// storage.Repository implementation.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinderboard/relay/storage"
)

// Run exercises repo against the storage.Repository contract. repo must be
// empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	rec := &storage.Record{Kind: "audit", Data: []byte(`{"event":"logout"}`), CreatedAt: base}

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "b1", "r1", rec))
		got, err := repo.Get(ctx, "b1", "r1")
		require.NoError(t, err)
		assert.Equal(t, rec.Kind, got.Kind)
		assert.Equal(t, rec.Data, got.Data)
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("Overwrite", func(t *testing.T) {
		updated := &storage.Record{Kind: "audit", Data: []byte(`{"event":"login"}`), CreatedAt: base}
		require.NoError(t, repo.Put(ctx, "b1", "r1", updated))
		got, err := repo.Get(ctx, "b1", "r1")
		require.NoError(t, err)
		assert.Equal(t, updated.Data, got.Data)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "b1", "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
		_, err = repo.Get(ctx, "no-such-bucket", "r1")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("ListOrdersByCreation", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "b2", "late", &storage.Record{Kind: "audit", CreatedAt: base.Add(2 * time.Minute)}))
		require.NoError(t, repo.Put(ctx, "b2", "early", &storage.Record{Kind: "audit", CreatedAt: base}))
		require.NoError(t, repo.Put(ctx, "b2", "middle", &storage.Record{Kind: "audit", CreatedAt: base.Add(time.Minute)}))

		ids, err := repo.List(ctx, "b2")
		require.NoError(t, err)
		assert.Equal(t, []string{"early", "middle", "late"}, ids)
	})

	t.Run("ListEmptyBucket", func(t *testing.T) {
		ids, err := repo.List(ctx, "empty")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "b2", "middle"))
		ids, err := repo.List(ctx, "b2")
		require.NoError(t, err)
		assert.Equal(t, []string{"early", "late"}, ids)

		err = repo.Delete(ctx, "b2", "middle")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})
}
