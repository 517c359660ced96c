package semantic

import (
	"context"
	"hash/fnv"
	"math"
)

// StubEmbedder generates deterministic embeddings from a text hash. It needs
// no external service, which makes it the default provider: the substrate
// stays fully functional offline, and identical text always maps to an
// identical vector.
type StubEmbedder struct {
	dims int
}

// NewStubEmbedder creates a stub embedder. dims <= 0 defaults to 384.
func NewStubEmbedder(dims int) *StubEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &StubEmbedder{dims: dims}
}

// Embed derives a unit vector from the FNV hash of text, expanded through a
// linear congruential generator.
func (e *StubEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make(Vector, e.dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

func (e *StubEmbedder) Dims() int { return e.dims }

func normalize(vec Vector) Vector {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
