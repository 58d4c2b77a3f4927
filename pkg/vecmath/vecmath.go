// Package vecmath consolidates the vector math used by the embedding and
// vector-store layers. Use these instead of local reimplementations so
// every similarity score in the system agrees.
//
// All functions accumulate in float64 even for float32 inputs; at 1536
// dimensions float32 accumulation drifts enough to reorder close
// neighbors.
package vecmath

import "math"

// Dot returns the dot product of two equal-length vectors. For unit
// vectors this is cosine similarity. Mismatched lengths score 0.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	return math.Sqrt(sumSquares)
}

// Cosine returns the cosine similarity of a and b, in [-1, 1]. Zero
// vectors and mismatched lengths score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize returns a unit copy of v. The zero vector comes back as a
// zero copy so it scores 0 against everything.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	norm := Norm(v)
	if norm == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// NormalizeInPlace scales v to unit length, modifying it. The zero
// vector is left unchanged.
func NormalizeInPlace(v []float32) {
	norm := Norm(v)
	if norm == 0 {
		return
	}
	inv := 1.0 / norm
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
