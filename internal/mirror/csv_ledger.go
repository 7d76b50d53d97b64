package mirror

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-git/go-billy/v6"
	"github.com/google/uuid"

	"github.com/lewtec/tracker/internal/domain"
)

// ledgerHeader is the column layout of a worker's ledger: the record
// fields plus the save timestamp.
var ledgerHeader = []string{
	"image_id", "view", "image_path", "image_resolution",
	"question", "response", "rationale", "bbox", "worker_id",
	"review_status", "assigned_at", "saved_at",
}

// CSVLedger keeps one CSV file per worker under dir. It is the local
// stand-in for the shared-spreadsheet ledger and follows the same matching
// rule: one row per image, located by image id.
type CSVLedger struct {
	fs  billy.Filesystem
	dir string

	mu sync.Mutex
}

// NewCSVLedger creates a ledger rooted at dir on fs.
func NewCSVLedger(fs billy.Filesystem, dir string) *CSVLedger {
	return &CSVLedger{fs: fs, dir: dir}
}

func (l *CSVLedger) path(workerID string) string {
	return l.fs.Join(l.dir, workerID+".csv")
}

// UpsertRow overwrites the row for the record's image id, or appends one.
func (l *CSVLedger) UpsertRow(ctx context.Context, workerID string, rec *domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if workerID == "" {
		return Permanent(errors.New("worker id required for ledger row"))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.readRows(workerID)
	if err != nil {
		return err
	}

	newRow := recordToRow(rec)
	found := false
	for i, row := range rows {
		if len(row) > 0 && row[0] == newRow[0] {
			rows[i] = newRow
			found = true
			break
		}
	}
	if !found {
		rows = append(rows, newRow)
	}

	return l.writeRows(workerID, rows)
}

// Rows returns the ledger content for a worker, without the header.
func (l *CSVLedger) Rows(workerID string) ([][]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readRows(workerID)
}

func (l *CSVLedger) readRows(workerID string) ([][]string, error) {
	f, err := l.fs.Open(l.path(workerID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("while opening ledger for %s: %w", workerID, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	var rows [][]string
	first := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while reading ledger for %s: %w", workerID, err)
		}
		if first {
			first = false
			if len(row) > 0 && row[0] == ledgerHeader[0] {
				continue
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (l *CSVLedger) writeRows(workerID string, rows [][]string) error {
	if err := l.fs.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("while creating ledger directory: %w", err)
	}

	path := l.path(workerID)
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	f, err := l.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("while creating ledger temp file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(ledgerHeader); err == nil {
		for _, row := range rows {
			if err = w.Write(row); err != nil {
				break
			}
		}
	}
	w.Flush()
	if err := errorsJoin(w.Error(), f.Close()); err != nil {
		l.fs.Remove(tmp)
		return fmt.Errorf("while writing ledger for %s: %w", workerID, err)
	}
	if err := l.fs.Rename(tmp, path); err != nil {
		l.fs.Remove(tmp)
		return fmt.Errorf("while replacing ledger for %s: %w", workerID, err)
	}
	return nil
}

func errorsJoin(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func recordToRow(rec *domain.Record) []string {
	bbox := ""
	if len(rec.BBoxes) > 0 {
		if data, err := json.Marshal(rec.BBoxes); err == nil {
			bbox = string(data)
		}
	}
	return []string{
		strconv.FormatInt(rec.ImageID, 10),
		string(rec.View),
		rec.ImagePath,
		rec.ImageResolution,
		rec.Question,
		rec.Response,
		rec.Rationale,
		bbox,
		rec.WorkerID,
		string(rec.ReviewStatus),
		formatTime(rec.AssignedAt),
		formatTime(rec.SavedAt),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

var _ Ledger = (*CSVLedger)(nil)
