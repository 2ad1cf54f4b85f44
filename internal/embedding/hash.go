package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

const defaultHashDimension = 256

// Hash derives vectors from token hashes. It is deterministic and needs no
// external service, which makes it the default for unconfigured deployments
// and for tests. The vectors carry bag-of-words structure only.
type Hash struct {
	dimension int
}

// NewHash creates a hash provider with the given dimension.
func NewHash(dimension int) *Hash {
	if dimension <= 0 {
		dimension = defaultHashDimension
	}
	return &Hash{dimension: dimension}
}

// Embed maps each text to a normalized token-frequency vector.
func (p *Hash) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = p.embedOne(text)
	}
	return vectors, nil
}

func (p *Hash) embedOne(text string) []float32 {
	vec := make([]float32, p.dimension)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(p.dimension)]++
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// Dimension returns the configured vector dimension.
func (p *Hash) Dimension() int { return p.dimension }
