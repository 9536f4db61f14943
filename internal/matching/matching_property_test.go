package matching

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestIoUProperties verifies IoU is bounded, symmetric and reflexive.
func TestIoUProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	coord := gen.Float64Range(-100, 100)
	size := gen.Float64Range(0.1, 50)

	properties.Property("IoU is within [0, 1]", prop.ForAll(
		func(ax, ay, aw, ah, bx, by, bw, bh float64) bool {
			v := IoU(Bbox{X: ax, Y: ay, W: aw, H: ah}, Bbox{X: bx, Y: by, W: bw, H: bh})
			return v >= 0 && v <= 1
		},
		coord, coord, size, size, coord, coord, size, size,
	))

	properties.Property("IoU is symmetric", prop.ForAll(
		func(ax, ay, aw, ah, bx, by, bw, bh float64) bool {
			a := Bbox{X: ax, Y: ay, W: aw, H: ah}
			b := Bbox{X: bx, Y: by, W: bw, H: bh}
			return math.Abs(IoU(a, b)-IoU(b, a)) < 1e-12
		},
		coord, coord, size, size, coord, coord, size, size,
	))

	properties.Property("a box fully overlaps itself", prop.ForAll(
		func(x, y, w, h float64) bool {
			b := Bbox{X: x, Y: y, W: w, H: h}
			return math.Abs(IoU(b, b)-1) < 1e-9
		},
		coord, coord, size, size,
	))

	properties.TestingRun(t)
}

// TestAssignmentOptimality compares the solver against exhaustive search.
// Property: cost(solveAssignment(m)) == min over permutations of cost(m)
func TestAssignmentOptimality(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Hungarian total equals brute force minimum", prop.ForAll(
		func(n int, values []float64) bool {
			m := make([][]float64, n)
			for i := range m {
				m[i] = values[i*n : (i+1)*n]
			}

			assign := solveAssignment(m)
			seen := make([]bool, n)
			total := 0.0
			for i, j := range assign {
				if seen[j] {
					return false // not a permutation
				}
				seen[j] = true
				total += m[i][j]
			}
			return math.Abs(total-bruteForceMin(m)) < 1e-9
		},
		gen.IntRange(1, 5),
		gen.SliceOfN(25, gen.Float64Range(0, 1)),
	))

	properties.TestingRun(t)
}

// TestMatchPartitions verifies every input lands in exactly one output bucket.
func TestMatchPartitions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genBoxes := gen.SliceOf(gen.Float64Range(0, 40))

	properties.Property("matches, mispred and extras partition both sides", prop.ForAll(
		func(as, bs []float64, minSim float64) bool {
			a := toBoxes(as)
			b := toBoxes(bs)
			res := MatchBoxes(a, b, minSim)

			if len(res.Matches)+len(res.Mispred)+len(res.AExtra) != len(a) {
				return false
			}
			if len(res.Matches)+len(res.Mispred)+len(res.BExtra) != len(b) {
				return false
			}
			for _, p := range append(res.Matches, res.Mispred...) {
				if p.Similarity < minSim-1e-9 || p.Similarity <= 0 {
					return false
				}
			}
			return true
		},
		genBoxes, genBoxes, gen.Float64Range(0.05, 1),
	))

	properties.TestingRun(t)
}

// toBoxes turns generated offsets into 10x10 boxes with alternating labels
func toBoxes(xs []float64) []Bbox {
	if len(xs) > 6 {
		xs = xs[:6]
	}
	out := make([]Bbox, len(xs))
	for i, x := range xs {
		out[i] = Bbox{X: x, Y: x / 2, W: 10, H: 10, Label: i % 2}
	}
	return out
}

func bruteForceMin(m [][]float64) float64 {
	n := len(m)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	best := math.Inf(1)
	var permute func(k int)
	permute = func(k int) {
		if k == n {
			total := 0.0
			for i, j := range perm {
				total += m[i][j]
			}
			best = math.Min(best, total)
			return
		}
		for i := k; i < n; i++ {
			perm[k], perm[i] = perm[i], perm[k]
			permute(k + 1)
			perm[k], perm[i] = perm[i], perm[k]
		}
	}
	permute(0)
	return best
}
