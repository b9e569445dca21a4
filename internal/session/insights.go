package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/candorlab/candor/pkg/analysis"
	"github.com/candorlab/candor/pkg/analyzer"
	"github.com/candorlab/candor/pkg/provider/embeddings"
)

// Insights derives cross-turn conclusions from a session's history: the
// LLM-written trend narrative plus an embedding-based consistency score.
//
// The embedder is optional; without one the consistency score stays zero and
// only the narrative fields are filled. Safe for concurrent use.
type Insights struct {
	deep     analyzer.DeepAnalyzer
	embedder embeddings.Provider
	logger   *slog.Logger
}

// NewInsights creates an Insights engine. embedder may be nil.
func NewInsights(deep analyzer.DeepAnalyzer, embedder embeddings.Provider, logger *slog.Logger) *Insights {
	if logger == nil {
		logger = slog.Default()
	}
	return &Insights{deep: deep, embedder: embedder, logger: logger}
}

// Compute returns the session insights for history, which must hold at least
// two results (the latest last). The narrative comes from the deep analyzer;
// the consistency score is the mean cosine similarity between the latest
// transcript's embedding and each prior transcript's embedding.
func (i *Insights) Compute(ctx context.Context, history []analysis.Result) (*analysis.SessionInsights, error) {
	if len(history) < 2 {
		return nil, fmt.Errorf("session: insights need at least 2 results, have %d", len(history))
	}

	out, err := i.deep.SessionInsights(ctx, history)
	if err != nil {
		return nil, fmt.Errorf("session: compute insights: %w", err)
	}

	if i.embedder != nil {
		score, err := i.consistencyScore(ctx, history)
		if err != nil {
			// The narrative is still useful without the score.
			i.logger.Warn("consistency score unavailable", "error", err)
		} else {
			out.ConsistencyScore = score
		}
	}
	return out, nil
}

func (i *Insights) consistencyScore(ctx context.Context, history []analysis.Result) (float64, error) {
	texts := make([]string, 0, len(history))
	for _, r := range history {
		texts = append(texts, r.Transcript)
	}
	vecs, err := i.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed history: %w", err)
	}
	if len(vecs) != len(texts) {
		return 0, fmt.Errorf("embed history: got %d vectors for %d texts", len(vecs), len(texts))
	}

	latest := vecs[len(vecs)-1]
	sum := 0.0
	for _, prior := range vecs[:len(vecs)-1] {
		sum += cosine(latest, prior)
	}
	score := sum / float64(len(vecs)-1)
	// Similarity of near-orthogonal texts can dip below zero; the score is
	// defined on [0, 1].
	return math.Max(0, math.Min(1, score)), nil
}

// cosine returns the cosine similarity of a and b, 0 for mismatched or
// zero-magnitude vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
