package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// MockEncoder produces deterministic unit vectors from input hashes.
// It backs the "mock" provider and every embedding test; equal inputs
// always embed identically, distinct inputs almost never collide.
type MockEncoder struct {
	dim int
	// FailWith, when set, makes every call return this error.
	FailWith error
	// TextDisabled simulates a media-only tower.
	TextDisabled bool
}

// NewMockEncoder returns a MockEncoder of the given dimension.
func NewMockEncoder(dim int) *MockEncoder {
	if dim <= 0 {
		dim = 8
	}
	return &MockEncoder{dim: dim}
}

func (e *MockEncoder) Dim() int { return e.dim }

func (e *MockEncoder) EncodeTexts(_ context.Context, texts []string) ([][]float32, error) {
	if e.FailWith != nil {
		return nil, e.FailWith
	}
	if e.TextDisabled {
		return nil, ErrTextUnsupported
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vectorFor("text:" + t)
	}
	return out, nil
}

func (e *MockEncoder) EncodeFiles(_ context.Context, paths []string) ([][]float32, error) {
	if e.FailWith != nil {
		return nil, e.FailWith
	}
	out := make([][]float32, len(paths))
	for i, p := range paths {
		out[i] = e.vectorFor("file:" + p)
	}
	return out, nil
}

// vectorFor expands a seed hash into a unit vector.
func (e *MockEncoder) vectorFor(seed string) []float32 {
	sum := sha256.Sum256([]byte(seed))
	vec := make([]float32, e.dim)
	var norm float64
	for i := range vec {
		// Stretch the digest by re-hashing per block of 8 dims.
		block := sum
		for j := 0; j < i/8; j++ {
			block = sha256.Sum256(block[:])
		}
		bits := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		v := float64(bits)/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
