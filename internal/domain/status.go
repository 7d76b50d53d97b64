package domain

import "fmt"

// Status is the derived lifecycle label of a work item. It is never
// persisted: it is fully determined by the save event, the review event
// and assignment membership, so storing it would add a third source of
// truth that can drift.
type Status string

const (
	StatusUnassigned Status = "unassigned"
	StatusUnfinished Status = "unfinished"
	StatusCompleted  Status = "completed"
	StatusPassed     Status = "passed"
	StatusFailed     Status = "failed"
	StatusDelivered  Status = "delivered"
)

// Statuses lists every derivable status.
func Statuses() []Status {
	return []Status{
		StatusUnassigned,
		StatusUnfinished,
		StatusCompleted,
		StatusPassed,
		StatusFailed,
		StatusDelivered,
	}
}

// ParseStatus maps a query-string value to a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Classify derives the lifecycle status of an image from its record (nil
// when no record exists) and whether any worker currently holds it.
// Evaluated top to bottom, first match wins:
//
//	review delivered          -> delivered
//	review passed             -> passed
//	review failed             -> failed
//	saved_at present          -> completed
//	assigned to a worker      -> unfinished
//	otherwise                 -> unassigned
func Classify(rec *Record, assigned bool) Status {
	if rec != nil {
		switch rec.ReviewStatus {
		case ReviewDelivered:
			return StatusDelivered
		case ReviewPassed:
			return StatusPassed
		case ReviewFailed:
			return StatusFailed
		}
		if rec.SavedAt != nil {
			return StatusCompleted
		}
	}
	if assigned {
		return StatusUnfinished
	}
	return StatusUnassigned
}
