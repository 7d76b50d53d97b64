package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/go-git/go-billy/v6"

	"github.com/lewtec/tracker/internal/domain"
)

// AnnotationRepository implements domain.AnnotationRepository on a flat
// JSON array file, one file per view partition. Every upsert is written
// through to the backing file before the call returns; readers see the
// in-memory state without taking the partition lock, accepting at most one
// in-flight write of staleness.
type AnnotationRepository struct {
	fs    billy.Filesystem
	path  string
	view  domain.View
	guard *Guard

	mu      sync.RWMutex
	records []*domain.Record
	index   map[int64]int
}

// NewAnnotationRepository opens (or starts empty) the backing file for one
// partition. A file that cannot be parsed is quarantined aside and the
// store starts empty; that condition is loudly logged, never fatal.
func NewAnnotationRepository(fs billy.Filesystem, path string, view domain.View, guard *Guard) (*AnnotationRepository, error) {
	if !view.Valid() {
		return nil, &domain.ValidationError{Field: "view", Reason: fmt.Sprintf("unknown partition %q", view)}
	}
	r := &AnnotationRepository{
		fs:    fs,
		path:  path,
		view:  view,
		guard: guard,
		index: make(map[int64]int),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// View returns the partition this store owns.
func (r *AnnotationRepository) View() domain.View { return r.view }

// Path returns the backing file path.
func (r *AnnotationRepository) Path() string { return r.path }

func (r *AnnotationRepository) lockKey() string {
	return "partition_" + string(r.view)
}

func (r *AnnotationRepository) load() error {
	data, err := readFile(r.fs, r.path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("store[%s]: no backing file at %s, starting empty", r.view, r.path)
		return nil
	}
	if err != nil {
		return &domain.StorageError{Op: "reading", Path: r.path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var records []*domain.Record
	if err := json.Unmarshal(data, &records); err != nil {
		dst, qerr := quarantine(r.fs, r.path)
		if qerr != nil {
			return &domain.StorageError{Op: "quarantining", Path: r.path, Err: qerr}
		}
		log.Printf("store[%s]: BACKING FILE CORRUPT (%v), moved %s -> %s, starting empty", r.view, err, r.path, dst)
		return nil
	}

	r.records = records
	for i, rec := range records {
		r.index[rec.ImageID] = i
	}
	log.Printf("store[%s]: loaded %d records from %s", r.view, len(records), r.path)
	return nil
}

// Upsert validates the record, replaces any prior record with the same
// image id in full (last writer wins, no field-level merge) and writes the
// partition file through before returning. Idempotent under retry.
func (r *AnnotationRepository) Upsert(ctx context.Context, rec *domain.Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if rec == nil {
		return false, &domain.ValidationError{Field: "record", Reason: "missing"}
	}
	if err := rec.Validate(); err != nil {
		return false, err
	}
	if rec.View != r.view {
		return false, &domain.ValidationError{
			Field:  "view",
			Reason: fmt.Sprintf("record belongs to partition %q, this store owns %q", rec.View, r.view),
		}
	}

	var replaced bool
	err := r.guard.WithPartitionLock(r.lockKey(), func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		stored := rec.Clone()
		if i, ok := r.index[stored.ImageID]; ok {
			r.records[i] = stored
			replaced = true
		} else {
			r.index[stored.ImageID] = len(r.records)
			r.records = append(r.records, stored)
		}
		// The in-memory state is already updated; if the flush fails the
		// next successful mutation persists it.
		return r.flushLocked()
	})
	return replaced, err
}

// Get returns the latest record for the image id, or domain.ErrNotFound.
func (r *AnnotationRepository) Get(ctx context.Context, imageID int64) (*domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[imageID]
	if !ok {
		return nil, fmt.Errorf("image %d in partition %s: %w", imageID, r.view, domain.ErrNotFound)
	}
	return r.records[i].Clone(), nil
}

// Delete removes the record for the image id, reporting whether anything
// was removed. Used when a save moves a record to the other partition.
func (r *AnnotationRepository) Delete(ctx context.Context, imageID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var removed bool
	err := r.guard.WithPartitionLock(r.lockKey(), func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		i, ok := r.index[imageID]
		if !ok {
			return nil
		}
		removed = true
		r.records = append(r.records[:i], r.records[i+1:]...)
		delete(r.index, imageID)
		for j := i; j < len(r.records); j++ {
			r.index[r.records[j].ImageID] = j
		}
		return r.flushLocked()
	})
	return removed, err
}

// List returns all records in insertion order.
func (r *AnnotationRepository) List(ctx context.Context) ([]*domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Record, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Clone()
	}
	return out, nil
}

// FlushAll rewrites the backing file from the in-memory state.
func (r *AnnotationRepository) FlushAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.guard.WithPartitionLock(r.lockKey(), func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.flushLocked()
	})
}

func (r *AnnotationRepository) flushLocked() error {
	var data []byte
	if len(r.records) == 0 {
		data = []byte("[]")
	} else {
		var err error
		data, err = json.MarshalIndent(r.records, "", "  ")
		if err != nil {
			return &domain.StorageError{Op: "encoding", Path: r.path, Err: err}
		}
	}
	if err := writeFileAtomic(r.fs, r.path, data); err != nil {
		return &domain.StorageError{Op: "writing", Path: r.path, Err: err}
	}
	return nil
}

var _ domain.AnnotationRepository = (*AnnotationRepository)(nil)
