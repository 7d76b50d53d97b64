package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lewtec/tracker/internal/domain"
)

func TestUpsertIsIdempotent(t *testing.T) {
	fs := SetupTestFS(t)
	store := SetupTestStore(t, fs, domain.ViewExo)
	ctx := context.Background()

	rec := &domain.Record{
		ImageID:  101,
		View:     domain.ViewExo,
		Question: "What is on the table?",
		Response: "(a)",
		BBoxes:   domain.BBoxList{{1, 2, 3, 4}},
	}

	replaced, err := store.Upsert(ctx, rec)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if replaced {
		t.Error("first upsert reported a replaced record")
	}

	replaced, err = store.Upsert(ctx, rec)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !replaced {
		t.Error("second upsert should replace the first")
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one stored record, got %d", len(list))
	}
	got, err := store.Get(ctx, 101)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Response != "(a)" || got.Question != rec.Question {
		t.Errorf("stored record diverged: %+v", got)
	}
}

func TestUpsertLastWriterWins(t *testing.T) {
	fs := SetupTestFS(t)
	store := SetupTestStore(t, fs, domain.ViewExo)
	ctx := context.Background()

	MustUpsert(t, store, &domain.Record{ImageID: 5, View: domain.ViewExo, Response: "(a)", WorkerID: "w1"})
	MustUpsert(t, store, &domain.Record{ImageID: 5, View: domain.ViewExo, Response: "(b)", WorkerID: "w2"})

	got, err := store.Get(ctx, 5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Response != "(b)" || got.WorkerID != "w2" {
		t.Errorf("expected the second write in full, got %+v", got)
	}
	// Full replacement, never a merge: the first writer's fields are gone.
	if got.WorkerID == "w1" {
		t.Error("fields from both writes were merged")
	}
}

func TestUpsertValidation(t *testing.T) {
	fs := SetupTestFS(t)
	store := SetupTestStore(t, fs, domain.ViewExo)
	ctx := context.Background()

	var verr *domain.ValidationError

	t.Run("missing image_id", func(t *testing.T) {
		_, err := store.Upsert(ctx, &domain.Record{View: domain.ViewExo})
		if !errors.As(err, &verr) || verr.Field != "image_id" {
			t.Errorf("got %v", err)
		}
	})

	t.Run("wrong partition", func(t *testing.T) {
		_, err := store.Upsert(ctx, &domain.Record{ImageID: 1, View: domain.ViewEgo})
		if !errors.As(err, &verr) || verr.Field != "view" {
			t.Errorf("got %v", err)
		}
	})

	t.Run("rejected before any mutation", func(t *testing.T) {
		list, err := store.List(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 0 {
			t.Errorf("invalid upserts mutated the store: %d records", len(list))
		}
	})
}

func TestListKeepsInsertionOrder(t *testing.T) {
	fs := SetupTestFS(t)
	store := SetupTestStore(t, fs, domain.ViewEgo)
	ctx := context.Background()

	for _, id := range []int64{30, 10, 20} {
		MustUpsert(t, store, &domain.Record{ImageID: id, View: domain.ViewEgo})
	}
	// Replacing a record must not move it.
	MustUpsert(t, store, &domain.Record{ImageID: 10, View: domain.ViewEgo, Response: "updated"})

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []int64
	for _, rec := range list {
		ids = append(ids, rec.ImageID)
	}
	want := []int64{30, 10, 20}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
	if list[1].Response != "updated" {
		t.Error("replacement content not reflected in list")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	fs := SetupTestFS(t)
	store := SetupTestStore(t, fs, domain.ViewExo)

	saved := time.Unix(150, 0).UTC()
	MustUpsert(t, store, &domain.Record{
		ImageID:  101,
		View:     domain.ViewExo,
		Question: "Q",
		Response: "(a)",
		SavedAt:  &saved,
		BBoxes:   domain.BBoxList{{1, 2, 3, 4}},
	})

	reopened := SetupTestStore(t, fs, domain.ViewExo)
	got, err := reopened.Get(context.Background(), 101)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.SavedAt == nil || !got.SavedAt.Equal(saved) {
		t.Errorf("saved_at lost across reopen: %+v", got)
	}
	if len(got.BBoxes) != 1 || got.BBoxes[0] != (domain.BBox{1, 2, 3, 4}) {
		t.Errorf("bbox lost across reopen: %+v", got.BBoxes)
	}
}

// A crash mid-write leaves a dangling temp file; the committed file must
// stay intact and loadable.
func TestDurabilityUnderInterruptedWrite(t *testing.T) {
	fs := SetupTestFS(t)
	store := SetupTestStore(t, fs, domain.ViewExo)
	MustUpsert(t, store, &domain.Record{ImageID: 1, View: domain.ViewExo, Response: "committed"})

	// Simulate a process dying between temp-file creation and rename.
	f, err := fs.Create(store.Path() + ".deadbeef.tmp")
	if err != nil {
		t.Fatalf("creating stray temp file: %v", err)
	}
	if _, err := f.Write([]byte(`[{"image_id": 2, "vi`)); err != nil {
		t.Fatalf("writing stray temp file: %v", err)
	}
	f.Close()

	reopened := SetupTestStore(t, fs, domain.ViewExo)
	got, err := reopened.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("committed record lost: %v", err)
	}
	if got.Response != "committed" {
		t.Errorf("committed content changed: %+v", got)
	}
	if _, err := reopened.Get(context.Background(), 2); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("half-written record leaked into the store: %v", err)
	}
}

func TestCorruptFileIsQuarantined(t *testing.T) {
	fs := SetupTestFS(t)
	path := "annotations_exo.json"
	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.Write([]byte("{not json at all"))
	f.Close()

	store, err := NewAnnotationRepository(fs, path, domain.ViewExo, NewGuard(fs))
	if err != nil {
		t.Fatalf("corrupt file must not be fatal: %v", err)
	}
	list, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("store should start empty after quarantine, got %d records", len(list))
	}

	// The corrupt content must have been renamed aside, not deleted.
	entries, err := fs.ReadDir("/")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	found := false
	for _, e := range entries {
		if len(e.Name()) > len(path) && e.Name()[:len(path)] == path {
			found = true
		}
	}
	if !found {
		t.Error("corrupt file was not kept under a quarantine name")
	}
}

func TestDeleteRemovesAndCompacts(t *testing.T) {
	fs := SetupTestFS(t)
	store := SetupTestStore(t, fs, domain.ViewExo)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		MustUpsert(t, store, &domain.Record{ImageID: id, View: domain.ViewExo})
	}

	removed, err := store.Delete(ctx, 2)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !removed {
		t.Error("delete of existing record reported nothing removed")
	}
	removed, err = store.Delete(ctx, 2)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if removed {
		t.Error("second delete of the same id reported a removal")
	}

	if _, err := store.Get(ctx, 2); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("deleted record still retrievable: %v", err)
	}
	// Index must stay consistent after compaction.
	for _, id := range []int64{1, 3} {
		got, err := store.Get(ctx, id)
		if err != nil || got.ImageID != id {
			t.Errorf("record %d broken after delete: %v", id, err)
		}
	}
}

func TestConcurrentUpsertsAreSerialized(t *testing.T) {
	fs := SetupTestFS(t)
	store := SetupTestStore(t, fs, domain.ViewExo)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := &domain.Record{
				ImageID:  int64(i%4 + 1),
				View:     domain.ViewExo,
				Response: fmt.Sprintf("writer-%d", i),
			}
			if _, err := store.Upsert(ctx, rec); err != nil {
				t.Errorf("upsert from writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 4 {
		t.Errorf("expected 4 distinct images, got %d", len(list))
	}

	// The winning write must be one writer's record in full.
	reopened := SetupTestStore(t, fs, domain.ViewExo)
	persisted, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(persisted) != 4 {
		t.Errorf("persisted state has %d records, want 4", len(persisted))
	}
}
