package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v6"

	"github.com/lewtec/tracker/internal/domain"
)

const workersLockKey = "workers"

// WorkerRepository implements domain.WorkerRepository on a single keyed
// JSON file (worker id -> worker). Admin mutations are serialized by the
// same guard discipline as the annotation stores, under a distinct key.
type WorkerRepository struct {
	fs    billy.Filesystem
	path  string
	guard *Guard
	now   func() time.Time

	mu      sync.RWMutex
	workers map[string]*domain.Worker
}

// NewWorkerRepository opens (or starts empty) the registry file. Corrupt
// content is quarantined the same way as for annotation stores.
func NewWorkerRepository(fs billy.Filesystem, path string, guard *Guard) (*WorkerRepository, error) {
	r := &WorkerRepository{
		fs:      fs,
		path:    path,
		guard:   guard,
		now:     time.Now,
		workers: make(map[string]*domain.Worker),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetClock overrides the registry clock, for tests.
func (r *WorkerRepository) SetClock(now func() time.Time) { r.now = now }

func (r *WorkerRepository) load() error {
	data, err := readFile(r.fs, r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &domain.StorageError{Op: "reading", Path: r.path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var workers map[string]*domain.Worker
	if err := json.Unmarshal(data, &workers); err != nil {
		dst, qerr := quarantine(r.fs, r.path)
		if qerr != nil {
			return &domain.StorageError{Op: "quarantining", Path: r.path, Err: qerr}
		}
		log.Printf("workers: REGISTRY FILE CORRUPT (%v), moved %s -> %s, starting empty", err, r.path, dst)
		return nil
	}
	for id, w := range workers {
		if w.AssignedAt == nil {
			w.AssignedAt = make(map[int64]time.Time)
		}
		w.ID = id
	}
	r.workers = workers
	log.Printf("workers: loaded %d workers from %s", len(workers), r.path)
	return nil
}

// Add registers a new worker, failing with domain.ErrDuplicateWorker when
// the id already exists.
func (r *WorkerRepository) Add(ctx context.Context, id, displayName string) (*domain.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, &domain.ValidationError{Field: "worker_id", Reason: "must not be empty"}
	}
	if displayName == "" {
		displayName = id
	}

	var created *domain.Worker
	err := r.guard.WithPartitionLock(workersLockKey, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		if _, ok := r.workers[id]; ok {
			return fmt.Errorf("worker %q: %w", id, domain.ErrDuplicateWorker)
		}
		created = &domain.Worker{
			ID:          id,
			DisplayName: displayName,
			CreatedAt:   r.now(),
			AssignedAt:  make(map[int64]time.Time),
		}
		r.workers[id] = created
		return r.flushLocked()
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// Remove deletes the worker from the registry. Records already saved under
// this worker id keep it; the dangling reference is legal and harmless for
// status derivation.
func (r *WorkerRepository) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.guard.WithPartitionLock(workersLockKey, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		if _, ok := r.workers[id]; !ok {
			return fmt.Errorf("worker %q: %w", id, domain.ErrUnknownWorker)
		}
		delete(r.workers, id)
		return r.flushLocked()
	})
}

// Get returns the worker, or domain.ErrUnknownWorker.
func (r *WorkerRepository) Get(ctx context.Context, id string) (*domain.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %q: %w", id, domain.ErrUnknownWorker)
	}
	return w.Clone(), nil
}

// List returns all workers ordered by creation time, then id.
func (r *WorkerRepository) List(ctx context.Context) ([]*domain.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Update applies mutate to the worker under the registry lock and writes
// the registry through.
func (r *WorkerRepository) Update(ctx context.Context, id string, mutate func(*domain.Worker) error) (*domain.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var updated *domain.Worker
	err := r.guard.WithPartitionLock(workersLockKey, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		w, ok := r.workers[id]
		if !ok {
			return fmt.Errorf("worker %q: %w", id, domain.ErrUnknownWorker)
		}
		if err := mutate(w); err != nil {
			return err
		}
		if err := r.flushLocked(); err != nil {
			return err
		}
		// Clone while still holding the lock: a pointer into the live
		// map must not escape to callers racing later mutations.
		updated = w.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *WorkerRepository) flushLocked() error {
	data, err := json.MarshalIndent(r.workers, "", "  ")
	if err != nil {
		return &domain.StorageError{Op: "encoding", Path: r.path, Err: err}
	}
	if err := writeFileAtomic(r.fs, r.path, data); err != nil {
		return &domain.StorageError{Op: "writing", Path: r.path, Err: err}
	}
	return nil
}

var _ domain.WorkerRepository = (*WorkerRepository)(nil)
