package vecmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	assert.InDelta(t, 32.0, Dot([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-9)
	assert.Zero(t, Dot([]float32{1, 2}, []float32{1}))
	assert.Zero(t, Dot(nil, nil))
}

func TestNorm(t *testing.T) {
	assert.InDelta(t, 5.0, Norm([]float32{3, 4}), 1e-9)
	assert.Zero(t, Norm([]float32{0, 0}))
	assert.Zero(t, Norm(nil))
}

func TestCosine(t *testing.T) {
	t.Run("identical_direction", func(t *testing.T) {
		assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-6)
	})

	t.Run("orthogonal", func(t *testing.T) {
		assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	})

	t.Run("opposite", func(t *testing.T) {
		assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	})

	t.Run("known_value", func(t *testing.T) {
		assert.InDelta(t, 0.974631846, Cosine([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-6)
	})

	t.Run("degenerate_inputs_score_zero", func(t *testing.T) {
		assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
		assert.Zero(t, Cosine([]float32{1}, []float32{1, 0}))
		assert.Zero(t, Cosine(nil, nil))
	})
}

func TestNormalize(t *testing.T) {
	t.Run("unit_result", func(t *testing.T) {
		out := Normalize([]float32{3, 4})
		assert.InDelta(t, 0.6, float64(out[0]), 1e-6)
		assert.InDelta(t, 0.8, float64(out[1]), 1e-6)
		assert.InDelta(t, 1.0, Norm(out), 1e-6)
	})

	t.Run("input_untouched", func(t *testing.T) {
		in := []float32{3, 4}
		_ = Normalize(in)
		assert.Equal(t, []float32{3, 4}, in)
	})

	t.Run("zero_vector_stays_zero", func(t *testing.T) {
		out := Normalize([]float32{0, 0, 0})
		assert.Equal(t, []float32{0, 0, 0}, out)
	})
}

func TestNormalizeInPlace(t *testing.T) {
	v := []float32{3, 4}
	NormalizeInPlace(v)
	require.InDelta(t, 1.0, Norm(v), 1e-6)
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)

	zero := []float32{0, 0}
	NormalizeInPlace(zero)
	assert.Equal(t, []float32{0, 0}, zero)
}

// Dot over normalized copies must agree with Cosine over the originals;
// the memory vector store relies on this equivalence.
func TestDotOfNormalizedEqualsCosine(t *testing.T) {
	a := []float32{0.2, -1.3, 4.7, 0.01}
	b := []float32{2.5, 0.3, -0.8, 1.9}
	got := Dot(Normalize(a), Normalize(b))
	want := Cosine(a, b)
	assert.False(t, math.IsNaN(got))
	assert.InDelta(t, want, got, 1e-6)
}
