// Package mock provides a deterministic test double for embeddings.Provider.
//
// Vectors are derived from the input text (hashed token counts, L2
// normalised) so that identical texts embed identically and different texts
// diverge — enough structure for consistency-score tests without a live
// backend.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/candorlab/candor/pkg/provider/embeddings"
)

// DefaultDimensions is the vector length used when Dims is zero.
const DefaultDimensions = 64

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Dims overrides the vector length. Zero means DefaultDimensions.
	Dims int

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	// Calls records every embedded text, in order across both methods.
	Calls []string
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, text)
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, texts...)
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dims > 0 {
		return p.Dims
	}
	return DefaultDimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return "mock-embeddings"
}

// vector maps text to a deterministic unit vector: each whitespace token is
// hashed into a bucket and the bucket counts are L2 normalised.
func (p *Provider) vector(text string) []float32 {
	dims := p.Dimensions()
	v := make([]float32, dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		v[int(h.Sum32())%dims]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}
