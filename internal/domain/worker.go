package domain

import (
	"context"
	"sort"
	"time"
)

// Worker is one human annotator. Assignments before any save live only
// here: AssignedAt maps image id to the time the image was handed out.
type Worker struct {
	ID          string              `json:"worker_id"`
	DisplayName string              `json:"worker_name"`
	CreatedAt   time.Time           `json:"created_at"`
	AssignedAt  map[int64]time.Time `json:"assigned_at"`
}

// IsAssigned reports whether the image id belongs to this worker.
func (w *Worker) IsAssigned(imageID int64) bool {
	_, ok := w.AssignedAt[imageID]
	return ok
}

// AssignedImageIDs returns the worker's image ids in ascending order.
func (w *Worker) AssignedImageIDs() []int64 {
	ids := make([]int64, 0, len(w.AssignedAt))
	for id := range w.AssignedAt {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a deep copy of the worker.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	out := *w
	out.AssignedAt = make(map[int64]time.Time, len(w.AssignedAt))
	for id, at := range w.AssignedAt {
		out.AssignedAt[id] = at
	}
	return &out
}

// WorkerRepository owns the worker_id -> Worker mapping. Removing a worker
// never touches already-saved records; an orphaned worker_id reference on a
// record is legal.
type WorkerRepository interface {
	// Add registers a new worker, or fails with ErrDuplicateWorker.
	Add(ctx context.Context, id, displayName string) (*Worker, error)

	// Remove deletes the worker from the registry (ErrUnknownWorker if
	// absent). Saved records keep their worker_id untouched.
	Remove(ctx context.Context, id string) error

	// Get returns the worker, or ErrUnknownWorker.
	Get(ctx context.Context, id string) (*Worker, error)

	// List returns all workers ordered by creation time, then id.
	List(ctx context.Context) ([]*Worker, error)

	// Update applies mutate to the worker under the registry lock and
	// persists the result. ErrUnknownWorker if absent.
	Update(ctx context.Context, id string, mutate func(*Worker) error) (*Worker, error)
}
