package validation

import "slices"

// JobScore is the quality of one job's annotations
type JobScore struct {
	JobID       int64
	Score       float64
	NeedsReview bool
}

// Decision is the accept/reject outcome of a task
type Decision struct {
	Accepted       bool
	RejectedJobIDs []int64 // ascending
	ReviewJobIDs   []int64 // ascending; always a subset of RejectedJobIDs
	Scores         map[int64]float64
}

// Decide accepts the task when every job reaches minQuality. A score equal
// to minQuality passes. Jobs flagged for review are rejected whatever their
// score. When a job id appears more than once the last entry stands for it.
func Decide(minQuality float64, jobs []JobScore) Decision {
	latest := make(map[int64]JobScore, len(jobs))
	for _, j := range jobs {
		latest[j.JobID] = j
	}

	d := Decision{Scores: make(map[int64]float64, len(latest))}
	for id, j := range latest {
		d.Scores[id] = j.Score
		switch {
		case j.NeedsReview:
			d.ReviewJobIDs = append(d.ReviewJobIDs, id)
			d.RejectedJobIDs = append(d.RejectedJobIDs, id)
		case j.Score < minQuality:
			d.RejectedJobIDs = append(d.RejectedJobIDs, id)
		}
	}
	slices.Sort(d.RejectedJobIDs)
	slices.Sort(d.ReviewJobIDs)
	d.Accepted = len(d.RejectedJobIDs) == 0
	return d
}
