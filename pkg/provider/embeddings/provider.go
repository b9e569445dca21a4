// Package embeddings defines the Provider interface for text-embedding
// backends.
//
// Candor uses embeddings for one thing: the quantitative consistency score
// inside session insights. Each completed transcript is embedded, and the
// cosine similarity between the latest transcript and the session's prior
// transcripts backs up the LLM's qualitative consistency judgement with a
// number. The Postgres session store additionally persists these vectors
// (pgvector) so similarity can be queried after the fact.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider share the dimensionality reported
// by Dimensions. Vectors from different Provider instances must not be mixed
// in one similarity computation unless both use the same model.
type Provider interface {
	// Embed computes the embedding for one text. Returns a float32 slice of
	// length Dimensions() or an error if the request fails or ctx is
	// cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds a slice of texts in one provider call; the i-th
	// result corresponds to texts[i]. On error the entire result is nil —
	// partial results are never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider,
	// constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the backend model identifier (e.g.
	// "text-embedding-3-small"), for logging and store compatibility checks.
	ModelID() string
}
