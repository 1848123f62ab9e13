package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kinderboard/relay/storage"
	"github.com/kinderboard/relay/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, NewRepository())
}

func TestMemoryRepositoryReturnsClones(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	if err := repo.Put(ctx, "b", "r", &storage.Record{Data: []byte("abc"), CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, _ := repo.Get(ctx, "b", "r")
	got.Data[0] = 'X'
	again, _ := repo.Get(ctx, "b", "r")
	if again.Data[0] == 'X' {
		t.Error("memory repository should return clones of records")
	}
}

func TestMemoryRepositoryClosed(t *testing.T) {
	repo := NewRepository()
	repo.Close()
	err := repo.Put(context.Background(), "b", "r", &storage.Record{})
	if !errors.Is(err, storage.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryRepositoryHonoursContext(t *testing.T) {
	repo := NewRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := repo.List(ctx, "b"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
