// Package assign computes which images belong to which worker and answers
// the next-unit-of-work and progress queries. It owns no storage of its
// own: assignments live on Worker records in the registry, lifecycle
// status is derived on the fly with domain.Classify.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/lewtec/tracker/internal/domain"
)

// Engine joins the worker registry with the per-partition annotation
// stores.
type Engine struct {
	workers domain.WorkerRepository
	stores  map[domain.View]domain.AnnotationRepository
	now     func() time.Time
}

// NewEngine creates an engine over the registry and one store per
// partition.
func NewEngine(workers domain.WorkerRepository, stores ...domain.AnnotationRepository) *Engine {
	byView := make(map[domain.View]domain.AnnotationRepository, len(stores))
	for _, s := range stores {
		byView[s.View()] = s
	}
	return &Engine{workers: workers, stores: byView, now: time.Now}
}

// SetClock overrides the engine clock, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Result reports what an Assign call did. Stolen maps image ids that were
// taken over to their previous owner, so the admin surface can warn: the
// last assignment wins, but never silently.
type Result struct {
	WorkerID string           `json:"worker_id"`
	Assigned []int64          `json:"assigned"`
	Stolen   map[int64]string `json:"stolen,omitempty"`
}

// Assign adds the image ids to the worker's set, removing them from any
// other worker that held them. Fails with domain.ErrUnknownWorker when the
// target does not exist; already-saved records are never touched.
func (e *Engine) Assign(ctx context.Context, workerID string, imageIDs []int64) (*Result, error) {
	if _, err := e.workers.Get(ctx, workerID); err != nil {
		return nil, err
	}

	owners, err := e.assignmentIndex(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{WorkerID: workerID, Stolen: make(map[int64]string)}
	// Strip the ids from previous owners first, one registry update per
	// affected worker.
	steals := make(map[string][]int64)
	for _, id := range imageIDs {
		if owner, ok := owners[id]; ok && owner.workerID != workerID {
			steals[owner.workerID] = append(steals[owner.workerID], id)
			res.Stolen[id] = owner.workerID
		}
	}
	for prev, ids := range steals {
		_, err := e.workers.Update(ctx, prev, func(w *domain.Worker) error {
			for _, id := range ids {
				delete(w.AssignedAt, id)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("while unassigning from previous owner %s: %w", prev, err)
		}
		log.Printf("assign: images %v reassigned from %s to %s", ids, prev, workerID)
	}

	at := e.now()
	_, err = e.workers.Update(ctx, workerID, func(w *domain.Worker) error {
		for _, id := range imageIDs {
			if _, ok := w.AssignedAt[id]; !ok {
				w.AssignedAt[id] = at
				res.Assigned = append(res.Assigned, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(res.Assigned, func(i, j int) bool { return res.Assigned[i] < res.Assigned[j] })
	if len(res.Stolen) == 0 {
		res.Stolen = nil
	}
	return res, nil
}

// Unassign removes image ids from the worker's set only; it never mutates
// already-saved records.
func (e *Engine) Unassign(ctx context.Context, workerID string, imageIDs []int64) error {
	_, err := e.workers.Update(ctx, workerID, func(w *domain.Worker) error {
		for _, id := range imageIDs {
			delete(w.AssignedAt, id)
		}
		return nil
	})
	return err
}

// Reassign moves image ids from one worker to another.
func (e *Engine) Reassign(ctx context.Context, from, to string, imageIDs []int64) (*Result, error) {
	if _, err := e.workers.Get(ctx, from); err != nil {
		return nil, err
	}
	return e.Assign(ctx, to, imageIDs)
}

// SplitEqually distributes the image ids across the workers in order,
// earliest workers receiving the remainder, and assigns each share.
func (e *Engine) SplitEqually(ctx context.Context, workerIDs []string, imageIDs []int64) ([]*Result, error) {
	if len(workerIDs) == 0 {
		return nil, &domain.ValidationError{Field: "workers", Reason: "at least one worker required"}
	}
	per := len(imageIDs) / len(workerIDs)
	rem := len(imageIDs) % len(workerIDs)

	results := make([]*Result, 0, len(workerIDs))
	start := 0
	for i, id := range workerIDs {
		n := per
		if i < rem {
			n++
		}
		share := imageIDs[start : start+n]
		start += n
		if len(share) == 0 {
			continue
		}
		res, err := e.Assign(ctx, id, share)
		if err != nil {
			return results, fmt.Errorf("while assigning %d images to %s: %w", len(share), id, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// NextUnit returns the next image the worker should work on: the
// oldest-assigned item matching the filter (ties broken by ascending image
// id), falling back to any unassigned-but-visible item. The default filter
// (empty status) means assigned-but-not-yet-saved. Returns
// domain.ErrExhausted when nothing matches.
func (e *Engine) NextUnit(ctx context.Context, workerID string, filter domain.Status) (int64, error) {
	worker, err := e.workers.Get(ctx, workerID)
	if err != nil {
		return 0, err
	}

	type candidate struct {
		imageID int64
		at      time.Time
	}
	var candidates []candidate
	for id, at := range worker.AssignedAt {
		rec, err := e.findRecord(ctx, id)
		if err != nil {
			return 0, err
		}
		status := domain.Classify(rec, true)
		if filter == "" {
			if status != domain.StatusUnfinished {
				continue
			}
		} else if status != filter {
			continue
		}
		candidates = append(candidates, candidate{imageID: id, at: at})
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].at.Equal(candidates[j].at) {
				return candidates[i].at.Before(candidates[j].at)
			}
			return candidates[i].imageID < candidates[j].imageID
		})
		return candidates[0].imageID, nil
	}

	if filter == "" || filter == domain.StatusUnassigned || filter == domain.StatusUnfinished {
		id, err := e.nextUnowned(ctx)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, domain.ErrExhausted) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("worker %s: %w", workerID, domain.ErrExhausted)
}

// nextUnowned finds the lowest-id visible record not saved yet and not
// held by any worker.
func (e *Engine) nextUnowned(ctx context.Context) (int64, error) {
	owners, err := e.assignmentIndex(ctx)
	if err != nil {
		return 0, err
	}
	best := int64(-1)
	for _, store := range e.stores {
		records, err := store.List(ctx)
		if err != nil {
			return 0, err
		}
		for _, rec := range records {
			if rec.SavedAt != nil {
				continue
			}
			if _, owned := owners[rec.ImageID]; owned {
				continue
			}
			if best == -1 || rec.ImageID < best {
				best = rec.ImageID
			}
		}
	}
	if best == -1 {
		return 0, domain.ErrExhausted
	}
	return best, nil
}

// Progress is the per-status breakdown of a worker's assigned set.
type Progress struct {
	WorkerID       string                `json:"worker_id"`
	Total          int                   `json:"total"`
	Counts         map[domain.Status]int `json:"counts"`
	CompletionRate float64               `json:"completion_rate"`
}

// Progress classifies every image in the worker's assigned set.
func (e *Engine) Progress(ctx context.Context, workerID string) (*Progress, error) {
	worker, err := e.workers.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}

	p := &Progress{WorkerID: workerID, Counts: make(map[domain.Status]int)}
	done := 0
	for _, id := range worker.AssignedImageIDs() {
		rec, err := e.findRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		status := domain.Classify(rec, true)
		p.Counts[status]++
		p.Total++
		switch status {
		case domain.StatusCompleted, domain.StatusPassed, domain.StatusFailed, domain.StatusDelivered:
			done++
		}
	}
	if p.Total > 0 {
		p.CompletionRate = float64(done) / float64(p.Total) * 100
	}
	return p, nil
}

// ImageStatus is one row of a status-filtered listing.
type ImageStatus struct {
	ImageID    int64         `json:"image_id"`
	Status     domain.Status `json:"status"`
	View       domain.View   `json:"view,omitempty"`
	WorkerID   string        `json:"worker_id,omitempty"`
	AssignedAt *time.Time    `json:"assigned_at,omitempty"`
}

// Sort orders for ListImages.
const (
	SortOldest  = "oldest"
	SortNewest  = "newest"
	SortImageID = "image_id"
)

// ListImages returns every known image (stored records plus bare
// assignments) filtered by status and ordered by the chosen sort key. The
// filter "all" admits everything; the unfinished filter also admits
// unassigned items, matching how workers hunt for remaining work.
func (e *Engine) ListImages(ctx context.Context, filter string, sortBy string) ([]ImageStatus, error) {
	owners, err := e.assignmentIndex(ctx)
	if err != nil {
		return nil, err
	}

	rows := make(map[int64]ImageStatus)
	for _, store := range e.stores {
		records, err := store.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			owner, owned := owners[rec.ImageID]
			row := ImageStatus{
				ImageID: rec.ImageID,
				Status:  domain.Classify(rec, owned),
				View:    rec.View,
			}
			if owned {
				row.WorkerID = owner.workerID
				at := owner.at
				row.AssignedAt = &at
			} else if rec.WorkerID != "" {
				row.WorkerID = rec.WorkerID
				row.AssignedAt = rec.AssignedAt
			}
			rows[rec.ImageID] = row
		}
	}
	for id, owner := range owners {
		if _, ok := rows[id]; ok {
			continue
		}
		at := owner.at
		rows[id] = ImageStatus{
			ImageID:    id,
			Status:     domain.StatusUnfinished,
			WorkerID:   owner.workerID,
			AssignedAt: &at,
		}
	}

	var out []ImageStatus
	for _, row := range rows {
		switch filter {
		case "", "all":
			out = append(out, row)
		case string(domain.StatusUnfinished):
			if row.Status == domain.StatusUnfinished || row.Status == domain.StatusUnassigned {
				out = append(out, row)
			}
		default:
			if string(row.Status) == filter {
				out = append(out, row)
			}
		}
	}

	sortImageStatuses(out, sortBy)
	return out, nil
}

func sortImageStatuses(rows []ImageStatus, sortBy string) {
	switch sortBy {
	case SortNewest:
		sort.Slice(rows, func(i, j int) bool {
			ai, aj := rows[i].AssignedAt, rows[j].AssignedAt
			switch {
			case ai == nil && aj == nil:
				return rows[i].ImageID > rows[j].ImageID
			case ai == nil:
				return false
			case aj == nil:
				return true
			case !ai.Equal(*aj):
				return ai.After(*aj)
			}
			return rows[i].ImageID > rows[j].ImageID
		})
	case SortImageID:
		sort.Slice(rows, func(i, j int) bool { return rows[i].ImageID < rows[j].ImageID })
	default: // SortOldest: records lacking an assignment time sort last.
		sort.Slice(rows, func(i, j int) bool {
			ai, aj := rows[i].AssignedAt, rows[j].AssignedAt
			switch {
			case ai == nil && aj == nil:
				return rows[i].ImageID < rows[j].ImageID
			case ai == nil:
				return false
			case aj == nil:
				return true
			case !ai.Equal(*aj):
				return ai.Before(*aj)
			}
			return rows[i].ImageID < rows[j].ImageID
		})
	}
}

// AssignedTime returns when the image was handed to the worker, if it is
// currently assigned to anyone.
func (e *Engine) AssignedTime(ctx context.Context, imageID int64) (string, *time.Time, error) {
	owners, err := e.assignmentIndex(ctx)
	if err != nil {
		return "", nil, err
	}
	if owner, ok := owners[imageID]; ok {
		at := owner.at
		return owner.workerID, &at, nil
	}
	return "", nil, nil
}

type owner struct {
	workerID string
	at       time.Time
}

// assignmentIndex flattens the registry into image id -> current owner.
func (e *Engine) assignmentIndex(ctx context.Context) (map[int64]owner, error) {
	workers, err := e.workers.List(ctx)
	if err != nil {
		return nil, err
	}
	idx := make(map[int64]owner)
	for _, w := range workers {
		for id, at := range w.AssignedAt {
			idx[id] = owner{workerID: w.ID, at: at}
		}
	}
	return idx, nil
}

func (e *Engine) findRecord(ctx context.Context, imageID int64) (*domain.Record, error) {
	for _, store := range e.stores {
		rec, err := store.Get(ctx, imageID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}
