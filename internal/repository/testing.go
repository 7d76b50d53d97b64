package repository

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-billy/v6"
	"github.com/go-git/go-billy/v6/memfs"

	"github.com/lewtec/tracker/internal/domain"
)

// SetupTestFS creates an in-memory filesystem for store tests.
func SetupTestFS(t *testing.T) billy.Filesystem {
	t.Helper()
	return memfs.New()
}

// SetupTestStore creates an annotation store for one partition backed by fs.
func SetupTestStore(t *testing.T, fs billy.Filesystem, view domain.View) *AnnotationRepository {
	t.Helper()
	store, err := NewAnnotationRepository(fs, "annotations_"+string(view)+".json", view, NewGuard(fs))
	if err != nil {
		t.Fatalf("failed to create %s store: %v", view, err)
	}
	return store
}

// SetupTestWorkers creates a worker registry backed by fs.
func SetupTestWorkers(t *testing.T, fs billy.Filesystem) *WorkerRepository {
	t.Helper()
	reg, err := NewWorkerRepository(fs, "workers.json", NewGuard(fs))
	if err != nil {
		t.Fatalf("failed to create worker registry: %v", err)
	}
	return reg
}

// MustUpsert stores a record and fails the test on error.
func MustUpsert(t *testing.T, store *AnnotationRepository, rec *domain.Record) {
	t.Helper()
	if _, err := store.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("failed to upsert image %d: %v", rec.ImageID, err)
	}
}

// TimePtr returns a pointer to t, for optional timestamp fields.
func TimePtr(t time.Time) *time.Time { return &t }
