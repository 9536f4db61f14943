package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_oracle/internal/apperr"
	"github.com/austindbirch/harbor_oracle/internal/metrics"
)

// Job is one annotator assignment to validate. Load is only called when no
// result exists yet for the assignment.
type Job struct {
	JobID            int64
	AssignmentID     string
	AnnotatorAddress string
	Load             func(ctx context.Context) (*Dataset, error)
}

// Task is the input of a task-level validation
type Task struct {
	MinQuality  float64
	GroundTruth *Dataset
	Jobs        []Job
}

// Outcome is the decision plus the per-job results it was made from
type Outcome struct {
	Decision
	Results []Result
	// Computed counts jobs scored in this run; the rest reused stored results
	Computed int
}

// Validator runs task validation against a result repository
type Validator struct {
	Comparator Comparator
	Now        func() time.Time
	// OnCompute is called each time a job is scored rather than reused
	OnCompute func(job Job, score Score)
}

func NewValidator(minSimilarity float64) *Validator {
	return &Validator{Comparator: Comparator{MinSimilarity: minSimilarity}, Now: time.Now}
}

// ValidateTask scores every job of task and decides the task. A job whose
// assignment already has a stored result is never scored again.
func (v *Validator) ValidateTask(ctx context.Context, repo ResultRepository, task Task) (Outcome, error) {
	if task.GroundTruth == nil {
		return Outcome{}, apperr.Processing("validation.validate_task", errors.New("ground truth dataset is missing"))
	}

	var out Outcome
	scores := make([]JobScore, 0, len(task.Jobs))
	for _, job := range task.Jobs {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		existing, err := repo.GetByAssignment(ctx, job.AssignmentID)
		switch {
		case err == nil:
			metrics.RecordResultReused()
			out.Results = append(out.Results, *existing)
			scores = append(scores, JobScore{JobID: existing.JobID, Score: existing.QualityScore, NeedsReview: existing.NeedsReview})
			continue
		case !errors.Is(err, ErrNotFound):
			return Outcome{}, fmt.Errorf("lookup result for assignment %s: %w", job.AssignmentID, err)
		}

		res, _, err := v.score(ctx, task.GroundTruth, job)
		if err != nil {
			return Outcome{}, err
		}
		if err := repo.Insert(ctx, &res); err != nil {
			return Outcome{}, fmt.Errorf("store result for assignment %s: %w", job.AssignmentID, err)
		}
		out.Computed++
		out.Results = append(out.Results, res)
		scores = append(scores, JobScore{JobID: job.JobID, Score: res.QualityScore, NeedsReview: res.NeedsReview})
	}

	out.Decision = Decide(task.MinQuality, scores)
	metrics.RecordTaskDecision(out.Accepted)
	return out, nil
}

func (v *Validator) score(ctx context.Context, gt *Dataset, job Job) (Result, Score, error) {
	if job.Load == nil {
		return Result{}, Score{}, apperr.Processing("validation.score", fmt.Errorf("job %d has no annotation source", job.JobID))
	}
	ds, err := job.Load(ctx)
	if err != nil {
		return Result{}, Score{}, apperr.Processing("validation.score", fmt.Errorf("load annotations of job %d: %w", job.JobID, err))
	}

	score := v.Comparator.Compare(gt, ds)
	metrics.RecordMatcherRun()
	metrics.ObserveValidationScore(score.Value)
	if v.OnCompute != nil {
		v.OnCompute(job, score)
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	return Result{
		ID:               uuid.NewString(),
		JobID:            job.JobID,
		AssignmentID:     job.AssignmentID,
		AnnotatorAddress: job.AnnotatorAddress,
		QualityScore:     score.Value,
		NeedsReview:      score.NeedsReview(),
		CreatedAt:        now().UTC(),
	}, score, nil
}
