package assign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lewtec/tracker/internal/domain"
	"github.com/lewtec/tracker/internal/repository"
)

type fixture struct {
	reg    *repository.WorkerRepository
	exo    *repository.AnnotationRepository
	ego    *repository.AnnotationRepository
	engine *Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()
	fs := repository.SetupTestFS(t)
	f := &fixture{
		reg: repository.SetupTestWorkers(t, fs),
		exo: repository.SetupTestStore(t, fs, domain.ViewExo),
		ego: repository.SetupTestStore(t, fs, domain.ViewEgo),
	}
	f.engine = NewEngine(f.reg, f.exo, f.ego)
	return f
}

func (f *fixture) addWorker(t *testing.T, id string) {
	t.Helper()
	if _, err := f.reg.Add(context.Background(), id, "Worker "+id); err != nil {
		t.Fatalf("add worker %s: %v", id, err)
	}
}

func TestAssignUnknownWorker(t *testing.T) {
	f := setup(t)
	_, err := f.engine.Assign(context.Background(), "ghost", []int64{1})
	if !errors.Is(err, domain.ErrUnknownWorker) {
		t.Errorf("got %v, want ErrUnknownWorker", err)
	}
}

func TestAssignReportsPreviousOwner(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addWorker(t, "w1")
	f.addWorker(t, "w2")

	if _, err := f.engine.Assign(ctx, "w1", []int64{101, 102}); err != nil {
		t.Fatalf("assign to w1: %v", err)
	}

	res, err := f.engine.Assign(ctx, "w2", []int64{102, 103})
	if err != nil {
		t.Fatalf("assign to w2: %v", err)
	}
	if prev := res.Stolen[102]; prev != "w1" {
		t.Errorf("previous owner of 102 = %q, want w1", prev)
	}
	if _, stolen := res.Stolen[103]; stolen {
		t.Error("unowned image 103 reported as stolen")
	}

	// Last assignment wins: w1 no longer holds 102.
	w1, err := f.reg.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("get w1: %v", err)
	}
	if w1.IsAssigned(102) {
		t.Error("image 102 still assigned to w1")
	}
	w2, _ := f.reg.Get(ctx, "w2")
	if !w2.IsAssigned(102) || !w2.IsAssigned(103) {
		t.Errorf("w2 assignments incomplete: %v", w2.AssignedImageIDs())
	}
}

func TestNextUnitOrdersByAssignmentTime(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addWorker(t, "w1")

	times := []time.Time{
		time.Unix(300, 0).UTC(),
		time.Unix(100, 0).UTC(),
		time.Unix(200, 0).UTC(),
	}
	i := 0
	f.engine.SetClock(func() time.Time { at := times[i]; i++; return at })

	// Assigned at t=300, t=100, t=200 respectively.
	for _, id := range []int64{7, 9, 8} {
		if _, err := f.engine.Assign(ctx, "w1", []int64{id}); err != nil {
			t.Fatalf("assign %d: %v", id, err)
		}
	}

	wantOrder := []int64{9, 8, 7}
	for _, want := range wantOrder {
		got, err := f.engine.NextUnit(ctx, "w1", "")
		if err != nil {
			t.Fatalf("next unit: %v", err)
		}
		if got != want {
			t.Fatalf("next unit = %d, want %d", got, want)
		}
		// Simulate the worker saving it; it must leave the queue.
		saved := time.Now().UTC()
		repository.MustUpsert(t, f.exo, &domain.Record{
			ImageID: got, View: domain.ViewExo, WorkerID: "w1", SavedAt: &saved,
		})
	}

	if _, err := f.engine.NextUnit(ctx, "w1", ""); !errors.Is(err, domain.ErrExhausted) {
		t.Errorf("after all saved: %v, want ErrExhausted", err)
	}
}

func TestNextUnitTieBreaksByImageID(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addWorker(t, "w1")

	at := time.Unix(100, 0).UTC()
	f.engine.SetClock(func() time.Time { return at })
	if _, err := f.engine.Assign(ctx, "w1", []int64{42, 17, 99}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	got, err := f.engine.NextUnit(ctx, "w1", "")
	if err != nil {
		t.Fatalf("next unit: %v", err)
	}
	if got != 17 {
		t.Errorf("next unit = %d, want lowest image id 17", got)
	}
}

func TestNextUnitFallsBackToUnownedRecords(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addWorker(t, "w1")

	// Visible but unowned skeleton records, none saved.
	repository.MustUpsert(t, f.exo, &domain.Record{ImageID: 12, View: domain.ViewExo})
	repository.MustUpsert(t, f.ego, &domain.Record{ImageID: 4, View: domain.ViewEgo})

	got, err := f.engine.NextUnit(ctx, "w1", "")
	if err != nil {
		t.Fatalf("next unit: %v", err)
	}
	if got != 4 {
		t.Errorf("fallback picked %d, want lowest unowned id 4", got)
	}
}

func TestNextUnitWithStatusFilter(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addWorker(t, "w1")

	times := []time.Time{time.Unix(100, 0).UTC(), time.Unix(200, 0).UTC()}
	i := 0
	f.engine.SetClock(func() time.Time { at := times[i]; i++; return at })
	if _, err := f.engine.Assign(ctx, "w1", []int64{1}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := f.engine.Assign(ctx, "w1", []int64{2}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	saved := time.Unix(400, 0).UTC()
	repository.MustUpsert(t, f.exo, &domain.Record{
		ImageID: 2, View: domain.ViewExo, SavedAt: &saved, ReviewStatus: domain.ReviewFailed,
	})

	got, err := f.engine.NextUnit(ctx, "w1", domain.StatusFailed)
	if err != nil {
		t.Fatalf("next failed unit: %v", err)
	}
	if got != 2 {
		t.Errorf("next failed unit = %d, want 2", got)
	}

	if _, err := f.engine.NextUnit(ctx, "w1", domain.StatusDelivered); !errors.Is(err, domain.ErrExhausted) {
		t.Errorf("no delivered items: got %v, want ErrExhausted", err)
	}
}

func TestUnassignLeavesRecordsAlone(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addWorker(t, "w1")

	saved := time.Unix(150, 0).UTC()
	repository.MustUpsert(t, f.exo, &domain.Record{
		ImageID: 101, View: domain.ViewExo, WorkerID: "w1", SavedAt: &saved,
	})
	if _, err := f.engine.Assign(ctx, "w1", []int64{101}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if err := f.engine.Unassign(ctx, "w1", []int64{101}); err != nil {
		t.Fatalf("unassign: %v", err)
	}

	rec, err := f.exo.Get(ctx, 101)
	if err != nil {
		t.Fatalf("record gone after unassign: %v", err)
	}
	if rec.WorkerID != "w1" || rec.SavedAt == nil {
		t.Errorf("unassign mutated the saved record: %+v", rec)
	}
}

func TestSplitEqually(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addWorker(t, "w1")
	f.addWorker(t, "w2")
	f.addWorker(t, "w3")

	ids := []int64{1, 2, 3, 4, 5, 6, 7}
	results, err := f.engine.SplitEqually(ctx, []string{"w1", "w2", "w3"}, ids)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	// 7 across 3 workers: 3, 2, 2 with the remainder up front.
	wantCounts := []int{3, 2, 2}
	total := 0
	for i, res := range results {
		if len(res.Assigned) != wantCounts[i] {
			t.Errorf("worker %s got %d images, want %d", res.WorkerID, len(res.Assigned), wantCounts[i])
		}
		total += len(res.Assigned)
	}
	if total != len(ids) {
		t.Errorf("assigned %d of %d images", total, len(ids))
	}
}

func TestProgressCounts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addWorker(t, "w1")

	if _, err := f.engine.Assign(ctx, "w1", []int64{1, 2, 3, 4}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	saved := time.Unix(100, 0).UTC()
	repository.MustUpsert(t, f.exo, &domain.Record{ImageID: 1, View: domain.ViewExo, SavedAt: &saved})
	repository.MustUpsert(t, f.exo, &domain.Record{ImageID: 2, View: domain.ViewExo, SavedAt: &saved, ReviewStatus: domain.ReviewPassed})

	p, err := f.engine.Progress(ctx, "w1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Total != 4 {
		t.Errorf("total = %d, want 4", p.Total)
	}
	if p.Counts[domain.StatusCompleted] != 1 || p.Counts[domain.StatusPassed] != 1 || p.Counts[domain.StatusUnfinished] != 2 {
		t.Errorf("counts = %v", p.Counts)
	}
	if p.CompletionRate != 50 {
		t.Errorf("completion rate = %v, want 50", p.CompletionRate)
	}
}

func TestListImagesFilterAndSort(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addWorker(t, "w1")

	times := []time.Time{time.Unix(300, 0).UTC(), time.Unix(100, 0).UTC()}
	i := 0
	f.engine.SetClock(func() time.Time { at := times[i]; i++; return at })
	if _, err := f.engine.Assign(ctx, "w1", []int64{1}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := f.engine.Assign(ctx, "w1", []int64{2}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// A stored record owned by nobody.
	repository.MustUpsert(t, f.ego, &domain.Record{ImageID: 3, View: domain.ViewEgo})

	t.Run("unfinished admits unassigned", func(t *testing.T) {
		rows, err := f.engine.ListImages(ctx, "unfinished", SortImageID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(rows) != 3 {
			t.Fatalf("got %d rows, want 3: %+v", len(rows), rows)
		}
	})

	t.Run("oldest sorts by assignment time, absent last", func(t *testing.T) {
		rows, err := f.engine.ListImages(ctx, "all", SortOldest)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		var ids []int64
		for _, r := range rows {
			ids = append(ids, r.ImageID)
		}
		want := []int64{2, 1, 3}
		for j := range want {
			if ids[j] != want[j] {
				t.Fatalf("order = %v, want %v", ids, want)
			}
		}
	})

	t.Run("newest reverses", func(t *testing.T) {
		rows, err := f.engine.ListImages(ctx, "all", SortNewest)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if rows[0].ImageID != 1 {
			t.Errorf("newest first = %d, want 1", rows[0].ImageID)
		}
	})
}
