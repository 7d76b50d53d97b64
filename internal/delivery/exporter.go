// Package delivery exports review-approved annotations into a sqlite
// database that downstream consumers pick up. The store files stay the
// source of truth; the database is a derived artifact rebuilt on every
// export run.
package delivery

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/lewtec/tracker/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Exporter writes passed and delivered records into a deliveries table.
type Exporter struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the delivery database at path and brings its
// schema up to date.
func Open(path string) (*Exporter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("while opening delivery database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Exporter{db: db, now: time.Now}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("while loading embedded migrations: %w", err)
	}
	driver, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("while preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("while configuring migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("while applying migrations: %w", err)
	}
	return nil
}

// SetClock overrides the exported_at clock in tests.
func (e *Exporter) SetClock(now func() time.Time) {
	e.now = now
}

// Close closes the underlying database.
func (e *Exporter) Close() error {
	return e.db.Close()
}

// Export walks every partition store and upserts each record whose review
// status is passed or delivered. It returns the number of rows written.
func (e *Exporter) Export(ctx context.Context, stores ...domain.AnnotationRepository) (int, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("while starting export transaction: %w", err)
	}
	defer tx.Rollback()

	exportedAt := e.now().UTC().Format(time.RFC3339)
	count := 0
	for _, store := range stores {
		records, err := store.List(ctx)
		if err != nil {
			return 0, fmt.Errorf("while listing %s records: %w", store.View(), err)
		}
		for _, rec := range records {
			if rec.ReviewStatus != domain.ReviewPassed && rec.ReviewStatus != domain.ReviewDelivered {
				continue
			}
			if err := upsertRow(ctx, tx, rec, exportedAt); err != nil {
				return 0, err
			}
			count++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("while committing export: %w", err)
	}
	log.Printf("delivery: exported %d records", count)
	return count, nil
}

func upsertRow(ctx context.Context, tx *sql.Tx, rec *domain.Record, exportedAt string) error {
	var bbox sql.NullString
	if len(rec.BBoxes) > 0 {
		raw, err := json.Marshal(rec.BBoxes)
		if err != nil {
			return fmt.Errorf("while encoding bbox for image %d: %w", rec.ImageID, err)
		}
		bbox = sql.NullString{String: string(raw), Valid: true}
	}
	var savedAt sql.NullString
	if rec.SavedAt != nil {
		savedAt = sql.NullString{String: rec.SavedAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO deliveries (
			image_id, view, image_path, image_resolution, question,
			response, rationale, bbox, worker_id, review_status,
			saved_at, exported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (image_id) DO UPDATE SET
			view = excluded.view,
			image_path = excluded.image_path,
			image_resolution = excluded.image_resolution,
			question = excluded.question,
			response = excluded.response,
			rationale = excluded.rationale,
			bbox = excluded.bbox,
			worker_id = excluded.worker_id,
			review_status = excluded.review_status,
			saved_at = excluded.saved_at,
			exported_at = excluded.exported_at`,
		rec.ImageID, string(rec.View), rec.ImagePath, rec.ImageResolution,
		rec.Question, rec.Response, rec.Rationale, bbox, rec.WorkerID,
		string(rec.ReviewStatus), savedAt, exportedAt)
	if err != nil {
		return fmt.Errorf("while writing delivery row for image %d: %w", rec.ImageID, err)
	}
	return nil
}

// MarkDelivered flips every exported passed record to delivered in the
// given stores, so the next export run treats them as already shipped.
func MarkDelivered(ctx context.Context, stores ...domain.AnnotationRepository) (int, error) {
	count := 0
	for _, store := range stores {
		records, err := store.List(ctx)
		if err != nil {
			return count, fmt.Errorf("while listing %s records: %w", store.View(), err)
		}
		for _, rec := range records {
			if rec.ReviewStatus != domain.ReviewPassed {
				continue
			}
			updated := rec.Clone()
			updated.ReviewStatus = domain.ReviewDelivered
			if _, err := store.Upsert(ctx, updated); err != nil {
				return count, fmt.Errorf("while marking image %d delivered: %w", rec.ImageID, err)
			}
			count++
		}
	}
	return count, nil
}
