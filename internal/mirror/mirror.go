// Package mirror replicates annotation saves to an external per-worker
// ledger (a shared spreadsheet in production, a CSV file here). The mirror
// is a view, never the source of truth: on divergence the local store
// wins, and a failing mirror never blocks or fails a save.
package mirror

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lewtec/tracker/internal/domain"
)

// Ledger is one worker's remote ledger. Within a ledger a row is located
// by image id: found rows are overwritten in place, missing rows appended,
// mirroring the store's last-writer-wins upsert.
type Ledger interface {
	UpsertRow(ctx context.Context, workerID string, rec *domain.Record) error
}

// PermanentError marks a ledger failure not worth retrying (bad
// credentials, misconfiguration). It is logged once and the record stays
// correctly persisted locally.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent mirror error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the replicator stops retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Replicator pushes records to the ledger asynchronously with bounded
// exponential backoff. Callers fire and forget; the originating save has
// already durably completed and must never wait on a remote call.
type Replicator struct {
	ledger    Ledger
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
	timeout   time.Duration

	wg sync.WaitGroup
}

// NewReplicator creates a replicator with the given attempt budget.
// attempts <= 0 defaults to 5, baseDelay <= 0 to 500ms.
func NewReplicator(ledger Ledger, attempts int, baseDelay time.Duration) *Replicator {
	if attempts <= 0 {
		attempts = 5
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &Replicator{
		ledger:    ledger,
		attempts:  attempts,
		baseDelay: baseDelay,
		maxDelay:  30 * time.Second,
		timeout:   2 * time.Minute,
	}
}

// Replicate dispatches the record to the ledger in the background. The
// record is cloned first so the caller may keep mutating its copy.
func (r *Replicator) Replicate(rec *domain.Record) {
	if r == nil || r.ledger == nil || rec == nil || rec.WorkerID == "" {
		return
	}
	clone := rec.Clone()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.replicate(clone)
	}()
}

func (r *Replicator) replicate(rec *domain.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	delay := r.baseDelay
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err := r.ledger.UpsertRow(ctx, rec.WorkerID, rec)
		if err == nil {
			if attempt > 1 {
				log.Printf("mirror: image %d for %s replicated after %d attempts", rec.ImageID, rec.WorkerID, attempt)
			}
			return
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			log.Printf("mirror: giving up on image %d for %s: %v", rec.ImageID, rec.WorkerID, err)
			return
		}
		if attempt == r.attempts {
			log.Printf("mirror: image %d for %s failed after %d attempts: %v", rec.ImageID, rec.WorkerID, attempt, err)
			return
		}
		log.Printf("mirror: image %d for %s attempt %d failed, retrying in %s: %v", rec.ImageID, rec.WorkerID, attempt, delay, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			log.Printf("mirror: image %d for %s abandoned: %v", rec.ImageID, rec.WorkerID, ctx.Err())
			return
		}
		delay *= 2
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
}

// Wait blocks until all in-flight replications finish. Used at shutdown
// and in tests.
func (r *Replicator) Wait() {
	if r != nil {
		r.wg.Wait()
	}
}
