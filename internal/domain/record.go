package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// View selects which partition owns a record.
type View string

const (
	ViewExo View = "exo"
	ViewEgo View = "ego"
)

// Views lists all known partitions in a stable order.
func Views() []View {
	return []View{ViewExo, ViewEgo}
}

// Valid reports whether v names a known partition.
func (v View) Valid() bool {
	return v == ViewExo || v == ViewEgo
}

// Other returns the opposite partition. A record saved into one view
// must be removed from the other so there is a single authoritative copy.
func (v View) Other() View {
	if v == ViewExo {
		return ViewEgo
	}
	return ViewExo
}

// ReviewStatus is set only by the admin review flow, never by worker saves.
type ReviewStatus string

const (
	ReviewNone      ReviewStatus = ""
	ReviewPassed    ReviewStatus = "passed"
	ReviewFailed    ReviewStatus = "failed"
	ReviewDelivered ReviewStatus = "delivered"
)

// Valid reports whether r is one of the known review states.
func (r ReviewStatus) Valid() bool {
	switch r {
	case ReviewNone, ReviewPassed, ReviewFailed, ReviewDelivered:
		return true
	}
	return false
}

// BBox is one bounding box as [x, y, w, h] in source-image pixel space.
type BBox [4]float64

// BBoxList holds zero or more bounding boxes. On the wire a single box is
// stored flat ([x,y,w,h]) and multiple boxes as a list of boxes; both
// shapes unmarshal into the same list.
type BBoxList []BBox

func (b BBoxList) MarshalJSON() ([]byte, error) {
	switch len(b) {
	case 0:
		return []byte("null"), nil
	case 1:
		return json.Marshal(b[0])
	default:
		return json.Marshal([]BBox(b))
	}
}

func (b *BBoxList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	var single BBox
	if err := json.Unmarshal(data, &single); err == nil {
		*b = BBoxList{single}
		return nil
	}
	var many []BBox
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("while parsing bbox value: %w", err)
	}
	*b = BBoxList(many)
	return nil
}

// Record is the authoritative annotation for one image. image_id is the
// stable external key, unique within a partition. SavedAt and AssignedAt
// are pointers so "never happened" stays distinguishable from a zero time.
type Record struct {
	ImageID         int64        `json:"image_id"`
	ImagePath       string       `json:"image_path,omitempty"`
	ImageResolution string       `json:"image_resolution,omitempty"`
	Question        string       `json:"question"`
	Response        string       `json:"response"`
	Rationale       string       `json:"rationale,omitempty"`
	View            View         `json:"view"`
	BBoxes          BBoxList     `json:"bbox,omitempty"`
	WorkerID        string       `json:"worker_id,omitempty"`
	SavedAt         *time.Time   `json:"saved_at,omitempty"`
	AssignedAt      *time.Time   `json:"assigned_at,omitempty"`
	ReviewStatus    ReviewStatus `json:"review_status,omitempty"`
}

// Validate checks the identity-bearing fields. The store calls this before
// any mutation so a malformed record never reaches the backing file.
func (r *Record) Validate() error {
	if r.ImageID <= 0 {
		return &ValidationError{Field: "image_id", Reason: "must be a positive integer"}
	}
	if !r.View.Valid() {
		return &ValidationError{Field: "view", Reason: fmt.Sprintf("must be %q or %q", ViewExo, ViewEgo)}
	}
	if !r.ReviewStatus.Valid() {
		return &ValidationError{Field: "review_status", Reason: "unknown review status"}
	}
	return nil
}

// Clone returns a deep copy so stored records never alias caller memory.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.BBoxes != nil {
		out.BBoxes = append(BBoxList(nil), r.BBoxes...)
	}
	if r.SavedAt != nil {
		t := *r.SavedAt
		out.SavedAt = &t
	}
	if r.AssignedAt != nil {
		t := *r.AssignedAt
		out.AssignedAt = &t
	}
	return &out
}

// AnnotationRepository is the authoritative image_id -> Record mapping for
// one partition.
type AnnotationRepository interface {
	// View returns the partition this store owns.
	View() View

	// Upsert validates and stores the record, replacing any prior record
	// with the same image id in full. It reports whether a prior record
	// was replaced. The write is durable before Upsert returns.
	Upsert(ctx context.Context, rec *Record) (replaced bool, err error)

	// Get returns the record for the image id, or ErrNotFound.
	Get(ctx context.Context, imageID int64) (*Record, error)

	// Delete removes the record for the image id if present and reports
	// whether anything was removed.
	Delete(ctx context.Context, imageID int64) (bool, error)

	// List returns all records in insertion order, reflecting the latest
	// upserts.
	List(ctx context.Context) ([]*Record, error)

	// FlushAll rewrites the backing file from the in-memory state. Used
	// at shutdown and periodic checkpoints.
	FlushAll(ctx context.Context) error
}
