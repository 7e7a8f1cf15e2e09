// Package embedding defines the broker's embedding collaborator
// interface. The embedding model itself is an external collaborator
// (§1) — this package ships only the interface the message store calls
// before a vector dual-write, plus a deterministic hash-based provider
// used for tests and offline/local operation.
package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"
)

// DefaultDimensions is the vector width used when a caller configures
// no embedding model of its own (the HashProvider fallback, and the
// vector index's default Dimensions).
const DefaultDimensions = 32

// Provider turns text into a fixed-dimension embedding vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// HashProvider is a deterministic, non-semantic Provider: the same input
// text always yields the same vector, useful for tests and local/offline
// operation where no real embedding model is configured. It is explicitly
// not a production embedding model — the vectors it produces carry no
// semantic meaning, only byte-identity.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a HashProvider producing vectors of dims floats.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 32
	}
	return &HashProvider{dims: dims}
}

// Dimensions returns the provider's output vector length.
func (p *HashProvider) Dimensions() int { return p.dims }

// Embed derives a deterministic vector from sha256(text), expanding the
// hash bytes cyclically to fill the requested dimensionality.
func (p *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("embedding: empty text")
	}
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, p.dims)
	for i := range vec {
		b := sum[i%len(sum)]
		vec[i] = (float32(b) / 255.0) - 0.5
	}
	return vec, nil
}
