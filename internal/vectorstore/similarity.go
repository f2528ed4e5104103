package vectorstore

import (
	"cmp"
	"math"
	"slices"
)

// normEpsilon floors vector norms in the cosine denominator.
const normEpsilon = 1e-12

type scored struct {
	pos   int
	score float64
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		f := float64(x)
		sum += f * f
	}
	return math.Sqrt(sum)
}

// cosine returns dot(v, q) / (max(‖v‖, eps) · qNorm), clamped to [-1, 1]
// to absorb rounding. qNorm must be non-zero.
func cosine(v, q []float32, qNorm float64) float64 {
	var dot, vv float64
	for i := range v {
		a := float64(v[i])
		dot += a * float64(q[i])
		vv += a * a
	}
	s := dot / (math.Max(math.Sqrt(vv), normEpsilon) * qNorm)
	return math.Max(-1, math.Min(1, s))
}

// topK scores every vector against q and returns the k best, highest
// first. Equal scores keep insertion order.
func topK(vectors [][]float32, q []float32, qNorm float64, k int) []scored {
	all := make([]scored, len(vectors))
	for i, v := range vectors {
		all[i] = scored{pos: i, score: cosine(v, q, qNorm)}
	}
	slices.SortStableFunc(all, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})
	return all[:min(k, len(all))]
}

func finite(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
