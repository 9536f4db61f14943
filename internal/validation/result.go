package validation

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no validation result matches
var ErrNotFound = errors.New("validation result not found")

// Result is the persisted quality score of one job assignment. It is computed
// once and reused verbatim whenever the same assignment is validated again.
type Result struct {
	ID               string    `json:"id"`
	JobID            int64     `json:"job_id"`
	AssignmentID     string    `json:"assignment_id"`
	AnnotatorAddress string    `json:"annotator_wallet_address"`
	QualityScore     float64   `json:"annotation_quality"`
	// NeedsReview marks a job whose annotations overlap no ground truth sample
	NeedsReview      bool      `json:"needs_review,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ResultRepository is the result storage bound to a single unit of work
type ResultRepository interface {
	// GetByAssignment returns the result for assignmentID or ErrNotFound
	GetByAssignment(ctx context.Context, assignmentID string) (*Result, error)
	// Insert stores r; an existing result for the same assignment is kept
	Insert(ctx context.Context, r *Result) error
}
