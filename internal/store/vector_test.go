package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVectorRoundTrip(t *testing.T) {
	original := []float32{0.25, -1.5, 3.75, 0}
	decoded := DecodeVector(EncodeVector(original))
	assert.Equal(t, original, decoded)
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}

	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity(a, b), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity(a, []float32{-1, 0, 0}), 1e-9)

	// Mismatched or empty vectors score zero.
	assert.Zero(t, CosineSimilarity(a, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity(nil, nil))
}
