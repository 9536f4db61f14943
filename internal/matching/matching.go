// Package matching pairs two annotation sets by minimum-cost bipartite
// assignment over a similarity measure.
package matching

import "math"

// Bbox is an axis-aligned box with its top-left corner at (X, Y)
type Bbox struct {
	X, Y, W, H float64
	Label      int
}

// Area of the box; degenerate boxes have zero area
func (b Bbox) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// IoU is the intersection-over-union of two boxes, in [0, 1]
func IoU(a, b Bbox) float64 {
	iw := math.Min(a.X+a.W, b.X+b.W) - math.Max(a.X, b.X)
	ih := math.Min(a.Y+a.H, b.Y+b.H) - math.Max(a.Y, b.Y)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return math.Min(1, inter/union)
}

// Pair is an assigned (a, b) couple and its similarity
type Pair[T any] struct {
	A, B       T
	Similarity float64
}

// Result partitions both inputs. Every element of a appears exactly once in
// Matches, Mispred or AExtra, and likewise for b.
type Result[T any] struct {
	Matches []Pair[T] // assigned and label-equal
	Mispred []Pair[T] // assigned but labels differ
	AExtra  []T
	BExtra  []T
}

// Options configure Match. Similarity must return values in [0, 1].
type Options[T any] struct {
	Similarity    func(a, b T) float64
	LabelEqual    func(a, b T) bool
	MinSimilarity float64
}

// Match finds the assignment between a and b that minimises the summed
// distance 1 - similarity. Distances above 1 - MinSimilarity are treated as 1,
// and pairs at distance 1 are never reported as assigned.
func Match[T any](a, b []T, opts Options[T]) Result[T] {
	var res Result[T]
	if len(a) == 0 || len(b) == 0 {
		res.AExtra = append(res.AExtra, a...)
		res.BExtra = append(res.BExtra, b...)
		return res
	}

	n := max(len(a), len(b))
	threshold := 1 - opts.MinSimilarity

	// padded rows/columns are dummy entries at distance 1
	cost := make([][]float64, n)
	sims := make([][]float64, len(a))
	for i := range cost {
		cost[i] = make([]float64, n)
		for j := range cost[i] {
			cost[i][j] = 1
		}
	}
	for i := range a {
		sims[i] = make([]float64, len(b))
		for j := range b {
			s := opts.Similarity(a[i], b[j])
			sims[i][j] = s
			d := 1 - s
			if d > threshold {
				d = 1
			}
			cost[i][j] = d
		}
	}

	assign := solveAssignment(cost)

	matchedA := make([]bool, len(a))
	matchedB := make([]bool, len(b))
	for i, j := range assign {
		if i >= len(a) || j >= len(b) || cost[i][j] >= 1 {
			continue
		}
		matchedA[i], matchedB[j] = true, true
		p := Pair[T]{A: a[i], B: b[j], Similarity: sims[i][j]}
		if opts.LabelEqual == nil || opts.LabelEqual(a[i], b[j]) {
			res.Matches = append(res.Matches, p)
		} else {
			res.Mispred = append(res.Mispred, p)
		}
	}
	for i, ok := range matchedA {
		if !ok {
			res.AExtra = append(res.AExtra, a[i])
		}
	}
	for j, ok := range matchedB {
		if !ok {
			res.BExtra = append(res.BExtra, b[j])
		}
	}
	return res
}

// MatchBoxes matches boxes by IoU with label equality
func MatchBoxes(a, b []Bbox, minSimilarity float64) Result[Bbox] {
	return Match(a, b, Options[Bbox]{
		Similarity:    IoU,
		LabelEqual:    func(x, y Bbox) bool { return x.Label == y.Label },
		MinSimilarity: minSimilarity,
	})
}
