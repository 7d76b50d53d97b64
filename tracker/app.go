// Package tracker wires the partition stores, worker registry, assignment
// engine and mirror into one application and exposes them over HTTP.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-git/go-billy/v6"
	"github.com/go-git/go-billy/v6/osfs"

	"github.com/lewtec/tracker/internal/assign"
	"github.com/lewtec/tracker/internal/cache"
	"github.com/lewtec/tracker/internal/domain"
	"github.com/lewtec/tracker/internal/mirror"
	"github.com/lewtec/tracker/internal/repository"
)

// AnalyzeFunc produces a one-off analysis summary for an image. The app
// memoizes results in a process-scoped cache; restarts recompute.
type AnalyzeFunc = cache.ComputeFunc

type App struct {
	Config   *Config
	FS       billy.Filesystem
	Workers  *repository.WorkerRepository
	Stores   map[domain.View]*repository.AnnotationRepository
	Engine   *assign.Engine
	Mirror   *mirror.Replicator
	Analyses *cache.AnalysisCache
	Analyze  AnalyzeFunc

	now func() time.Time
}

// NewApp builds the full application over the data directory named in the
// config.
func NewApp(cfg *Config) (*App, error) {
	return NewAppWithFS(cfg, osfs.New(cfg.DataDir))
}

// NewAppWithFS builds the application over an explicit filesystem. Tests
// pass memfs here.
func NewAppWithFS(cfg *Config, fs billy.Filesystem) (*App, error) {
	guard := repository.NewGuard(fs)

	workers, err := repository.NewWorkerRepository(fs, "workers.json", guard)
	if err != nil {
		return nil, fmt.Errorf("while opening worker registry: %w", err)
	}

	stores := make(map[domain.View]*repository.AnnotationRepository, len(domain.Views()))
	engineStores := make([]domain.AnnotationRepository, 0, len(domain.Views()))
	for _, view := range domain.Views() {
		store, err := repository.NewAnnotationRepository(fs, "annotations_"+string(view)+".json", view, guard)
		if err != nil {
			return nil, fmt.Errorf("while opening %s store: %w", view, err)
		}
		stores[view] = store
		engineStores = append(engineStores, store)
	}

	app := &App{
		Config:   cfg,
		FS:       fs,
		Workers:  workers,
		Stores:   stores,
		Engine:   assign.NewEngine(workers, engineStores...),
		Analyses: cache.NewAnalysisCache(),
		now:      time.Now,
	}
	app.Analyze = app.defaultAnalyze

	if cfg.Mirror.Enabled {
		ledger := mirror.NewCSVLedger(fs, cfg.Mirror.Dir)
		app.Mirror = mirror.NewReplicator(ledger, cfg.Mirror.Attempts, time.Duration(cfg.Mirror.BaseDelay))
	}
	return app, nil
}

// SetClock overrides the clock everywhere it matters, for tests.
func (a *App) SetClock(now func() time.Time) {
	a.now = now
	a.Engine.SetClock(now)
	a.Workers.SetClock(now)
}

// Shutdown flushes every store and waits for in-flight mirror writes.
func (a *App) Shutdown(ctx context.Context) error {
	for view, store := range a.Stores {
		if err := store.FlushAll(ctx); err != nil {
			return fmt.Errorf("while flushing %s store: %w", view, err)
		}
	}
	if a.Mirror != nil {
		a.Mirror.Wait()
	}
	return nil
}

// SaveAnnotation is the canonical save path. It stamps saved_at when the
// caller did not, carries the worker's assignment time onto the record,
// preserves a prior review verdict the payload does not override, writes
// the record into its partition, removes any copy from the other
// partition, and fires the mirror.
func (a *App) SaveAnnotation(ctx context.Context, rec *domain.Record) (*domain.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	rec = rec.Clone()

	if rec.SavedAt == nil {
		now := a.now()
		rec.SavedAt = &now
	}

	ownerID, assignedAt, err := a.Engine.AssignedTime(ctx, rec.ImageID)
	if err != nil {
		return nil, err
	}
	if rec.WorkerID == "" {
		rec.WorkerID = ownerID
	}
	if rec.AssignedAt == nil {
		rec.AssignedAt = assignedAt
	}

	store := a.Stores[rec.View]
	prev, err := store.Get(ctx, rec.ImageID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if prev == nil {
		// A view change shows up as the record existing only in the
		// opposite partition.
		prev, err = a.Stores[rec.View.Other()].Get(ctx, rec.ImageID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if prev != nil {
		if rec.ReviewStatus == domain.ReviewNone {
			rec.ReviewStatus = prev.ReviewStatus
		}
		if prev.WorkerID != "" && rec.WorkerID != "" && prev.WorkerID != rec.WorkerID {
			log.Printf("save: image %d rewritten by %s (previously %s)", rec.ImageID, rec.WorkerID, prev.WorkerID)
		}
	}

	if _, err := store.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	if removed, err := a.Stores[rec.View.Other()].Delete(ctx, rec.ImageID); err != nil {
		return nil, fmt.Errorf("while clearing image %d from the %s partition: %w", rec.ImageID, rec.View.Other(), err)
	} else if removed {
		log.Printf("save: image %d moved from %s to %s", rec.ImageID, rec.View.Other(), rec.View)
	}

	if a.Mirror != nil {
		a.Mirror.Replicate(rec)
	}
	return rec, nil
}

// GetAnnotation finds the record in the named view, or in either partition
// when view is empty.
func (a *App) GetAnnotation(ctx context.Context, imageID int64, view domain.View) (*domain.Record, error) {
	if view != "" {
		if !view.Valid() {
			return nil, &domain.ValidationError{Field: "view", Reason: "unknown view"}
		}
		return a.Stores[view].Get(ctx, imageID)
	}
	for _, v := range domain.Views() {
		rec, err := a.Stores[v].Get(ctx, imageID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("image %d: %w", imageID, domain.ErrNotFound)
}

// SetReview records the admin verdict for an image without touching the
// annotation content. The record keeps its partition.
func (a *App) SetReview(ctx context.Context, imageID int64, status domain.ReviewStatus) (*domain.Record, error) {
	if !status.Valid() {
		return nil, &domain.ValidationError{Field: "review_status", Reason: "unknown review status"}
	}
	rec, err := a.GetAnnotation(ctx, imageID, "")
	if err != nil {
		return nil, err
	}
	updated := rec.Clone()
	updated.ReviewStatus = status
	if _, err := a.Stores[updated.View].Upsert(ctx, updated); err != nil {
		return nil, err
	}
	if a.Mirror != nil {
		a.Mirror.Replicate(updated)
	}
	return updated, nil
}

// defaultAnalyze summarizes a stored record. Real deployments swap in a
// model-backed AnalyzeFunc.
func (a *App) defaultAnalyze(ctx context.Context, imageID int64) (string, error) {
	rec, err := a.GetAnnotation(ctx, imageID, "")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("image %d view=%s boxes=%d resolution=%s", rec.ImageID, rec.View, len(rec.BBoxes), rec.ImageResolution), nil
}

func (a *App) GetHTTPHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /annotations", func(w http.ResponseWriter, r *http.Request) {
		var rec domain.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
			return
		}
		saved, err := a.SaveAnnotation(r.Context(), &rec)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	})

	mux.HandleFunc("GET /annotations/{image_id}", func(w http.ResponseWriter, r *http.Request) {
		imageID, ok := parseImageID(w, r)
		if !ok {
			return
		}
		rec, err := a.GetAnnotation(r.Context(), imageID, domain.View(r.URL.Query().Get("view")))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("GET /annotations/{image_id}/analysis", func(w http.ResponseWriter, r *http.Request) {
		imageID, ok := parseImageID(w, r)
		if !ok {
			return
		}
		summary, err := a.Analyses.GetOrCompute(r.Context(), imageID, a.Analyze)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"image_id": imageID, "analysis": summary})
	})

	mux.HandleFunc("POST /annotations/{image_id}/review", func(w http.ResponseWriter, r *http.Request) {
		imageID, ok := parseImageID(w, r)
		if !ok {
			return
		}
		var body struct {
			Password     string              `json:"password"`
			ReviewStatus domain.ReviewStatus `json:"review_status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
			return
		}
		if body.Password != a.Config.Admin.Password {
			writeError(w, http.StatusForbidden, "wrong admin password")
			return
		}
		rec, err := a.SetReview(r.Context(), imageID, body.ReviewStatus)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("POST /workers", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
			return
		}
		worker, err := a.Workers.Add(r.Context(), body.ID, body.DisplayName)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, worker)
	})

	mux.HandleFunc("GET /workers", func(w http.ResponseWriter, r *http.Request) {
		workers, err := a.Workers.List(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, workers)
	})

	mux.HandleFunc("DELETE /workers/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Workers.Remove(r.Context(), r.PathValue("id")); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /workers/{id}/assign", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ImageIDs []int64 `json:"image_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
			return
		}
		res, err := a.Engine.Assign(r.Context(), r.PathValue("id"), body.ImageIDs)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("POST /workers/{id}/unassign", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ImageIDs []int64 `json:"image_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
			return
		}
		if err := a.Engine.Unassign(r.Context(), r.PathValue("id"), body.ImageIDs); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /workers/{id}/next", func(w http.ResponseWriter, r *http.Request) {
		var filter domain.Status
		if s := r.URL.Query().Get("status"); s != "" {
			parsed, err := domain.ParseStatus(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			filter = parsed
		}
		imageID, err := a.Engine.NextUnit(r.Context(), r.PathValue("id"), filter)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"image_id": imageID})
	})

	mux.HandleFunc("GET /workers/{id}/progress", func(w http.ResponseWriter, r *http.Request) {
		progress, err := a.Engine.Progress(r.Context(), r.PathValue("id"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, progress)
	})

	mux.HandleFunc("GET /images", func(w http.ResponseWriter, r *http.Request) {
		rows, err := a.Engine.ListImages(r.Context(), r.URL.Query().Get("status"), r.URL.Query().Get("sort"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	})

	mux.HandleFunc("GET /admin", func(w http.ResponseWriter, r *http.Request) {
		data, err := a.adminPageData(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if err := RenderPage(w, "admin.html", data); err != nil {
			log.Printf("error: http: while rendering admin page: %s", err)
		}
	})

	var handler http.Handler = mux
	handler = HTTPLogger(handler)
	return handler
}

type adminWorkerRow struct {
	WorkerID  string
	Total     int
	Completed int
	Rate      float64
}

type adminImageRow struct {
	ImageID  int64
	View     domain.View
	Status   domain.Status
	WorkerID string
	SavedAt  string
}

func (a *App) adminPageData(ctx context.Context) (map[string]any, error) {
	workers, err := a.Workers.List(ctx)
	if err != nil {
		return nil, err
	}
	workerRows := make([]adminWorkerRow, 0, len(workers))
	for _, worker := range workers {
		p, err := a.Engine.Progress(ctx, worker.ID)
		if err != nil {
			return nil, err
		}
		done := p.Total - p.Counts[domain.StatusUnfinished] - p.Counts[domain.StatusUnassigned]
		workerRows = append(workerRows, adminWorkerRow{
			WorkerID:  worker.ID,
			Total:     p.Total,
			Completed: done,
			Rate:      p.CompletionRate,
		})
	}

	images, err := a.Engine.ListImages(ctx, "all", assign.SortImageID)
	if err != nil {
		return nil, err
	}
	imageRows := make([]adminImageRow, 0, len(images))
	for _, row := range images {
		ir := adminImageRow{
			ImageID:  row.ImageID,
			View:     row.View,
			Status:   row.Status,
			WorkerID: row.WorkerID,
		}
		if rec, err := a.GetAnnotation(ctx, row.ImageID, ""); err == nil && rec.SavedAt != nil {
			ir.SavedAt = rec.SavedAt.UTC().Format(time.RFC3339)
		}
		imageRows = append(imageRows, ir)
	}
	sort.Slice(imageRows, func(i, j int) bool { return imageRows[i].ImageID < imageRows[j].ImageID })

	return map[string]any{
		"Title":       "Annotation tracker",
		"Description": a.Config.Meta.Description,
		"Workers":     workerRows,
		"Images":      imageRows,
	}, nil
}

func parseImageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	imageID, err := strconv.ParseInt(r.PathValue("image_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "image_id must be an integer")
		return 0, false
	}
	return imageID, true
}

// writeDomainError maps the domain error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownWorker):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrDuplicateWorker):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrExhausted):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Printf("error: http: %s", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
