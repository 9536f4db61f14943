package validation

import (
	"github.com/austindbirch/harbor_oracle/internal/matching"
)

// Score is the quality of one dataset against the ground truth
type Score struct {
	Value float64 // mean similarity over all matched, mispredicted and extra annotations
	// Samples is the number of samples present in both datasets
	Samples int
	// Components is the number of values averaged into Value
	Components int
}

// NeedsReview is true when the datasets share no sample, so Value carries no
// information and the job must not pass silently
func (s Score) NeedsReview() bool { return s.Samples == 0 }

// Comparator scores a dataset against ground truth by box matching
type Comparator struct {
	MinSimilarity float64
}

// Compare matches every sample of ds that has a ground-truth counterpart.
// Matched and mispredicted pairs contribute their IoU, extras contribute 0.
func (c Comparator) Compare(gt, ds *Dataset) Score {
	var (
		score Score
		total float64
	)
	for _, s := range ds.Samples() {
		g, ok := gt.Get(s.ID)
		if !ok {
			continue
		}
		score.Samples++

		// IoU is queried repeatedly for the same pair while building the
		// cost matrix and reporting pairs
		memo := make(map[[2]int]float64, len(g.Boxes)*len(s.Boxes))
		similarity := func(i, j int) float64 {
			k := [2]int{i, j}
			if v, ok := memo[k]; ok {
				return v
			}
			v := matching.IoU(g.Boxes[i], s.Boxes[j])
			memo[k] = v
			return v
		}

		res := matching.Match(indices(len(g.Boxes)), indices(len(s.Boxes)), matching.Options[int]{
			Similarity:    similarity,
			LabelEqual:    func(i, j int) bool { return g.Boxes[i].Label == s.Boxes[j].Label },
			MinSimilarity: c.MinSimilarity,
		})
		for _, p := range res.Matches {
			total += p.Similarity
		}
		for _, p := range res.Mispred {
			total += p.Similarity
		}
		score.Components += len(res.Matches) + len(res.Mispred) + len(res.AExtra) + len(res.BExtra)
	}

	if score.Components > 0 {
		score.Value = total / float64(score.Components)
	}
	return score
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
