package session

import (
	"context"
	"errors"
	"testing"

	"github.com/candorlab/candor/pkg/analysis"
	analyzermock "github.com/candorlab/candor/pkg/analyzer/mock"
	embmock "github.com/candorlab/candor/pkg/provider/embeddings/mock"
)

func TestInsights_NarrativeAndConsistency(t *testing.T) {
	t.Parallel()
	deep := &analyzermock.Deep{
		Insights: &analysis.SessionInsights{
			ConsistencyAnalysis: "largely consistent",
			RiskTrajectory:      "stable",
		},
	}
	eng := NewInsights(deep, &embmock.Provider{}, nil)

	history := []analysis.Result{
		{Transcript: "I was home all evening watching television"},
		{Transcript: "I was home all evening watching television"},
	}
	got, err := eng.Compute(context.Background(), history)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if got.RiskTrajectory != "stable" {
		t.Errorf("RiskTrajectory = %q", got.RiskTrajectory)
	}
	// Identical transcripts embed identically: cosine similarity 1.
	if got.ConsistencyScore < 0.99 {
		t.Errorf("ConsistencyScore = %v, want ~1 for identical transcripts", got.ConsistencyScore)
	}
	if len(deep.InsightsCalls) != 1 || deep.InsightsCalls[0] != 2 {
		t.Errorf("InsightsCalls = %v", deep.InsightsCalls)
	}
}

func TestInsights_DivergentTranscriptsScoreLower(t *testing.T) {
	t.Parallel()
	deep := &analyzermock.Deep{Insights: &analysis.SessionInsights{}}
	eng := NewInsights(deep, &embmock.Provider{}, nil)

	same, err := eng.Compute(context.Background(), []analysis.Result{
		{Transcript: "the meeting started at nine in the morning"},
		{Transcript: "the meeting started at nine in the morning"},
	})
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	// The mock hands back one shared insights value, so capture the score
	// before the next Compute overwrites it.
	sameScore := same.ConsistencyScore
	diff, err := eng.Compute(context.Background(), []analysis.Result{
		{Transcript: "the meeting started at nine in the morning"},
		{Transcript: "purple elephants juggle quantum bicycles underwater"},
	})
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if diff.ConsistencyScore >= sameScore {
		t.Errorf("divergent score %v not below consistent score %v",
			diff.ConsistencyScore, sameScore)
	}
}

func TestInsights_EmbedderFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	deep := &analyzermock.Deep{
		Insights: &analysis.SessionInsights{ConsistencyAnalysis: "ok"},
	}
	emb := &embmock.Provider{Err: errors.New("embeddings down")}
	eng := NewInsights(deep, emb, nil)

	got, err := eng.Compute(context.Background(), []analysis.Result{
		{Transcript: "a"}, {Transcript: "b"},
	})
	if err != nil {
		t.Fatalf("Compute() error = %v, want nil despite embedder failure", err)
	}
	if got.ConsistencyScore != 0 {
		t.Errorf("ConsistencyScore = %v, want 0", got.ConsistencyScore)
	}
	if got.ConsistencyAnalysis != "ok" {
		t.Errorf("narrative lost: %+v", got)
	}
}

func TestInsights_NoEmbedder(t *testing.T) {
	t.Parallel()
	deep := &analyzermock.Deep{Insights: &analysis.SessionInsights{RiskTrajectory: "rising"}}
	eng := NewInsights(deep, nil, nil)

	got, err := eng.Compute(context.Background(), []analysis.Result{
		{Transcript: "a"}, {Transcript: "b"},
	})
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if got.ConsistencyScore != 0 {
		t.Errorf("ConsistencyScore = %v, want 0 without embedder", got.ConsistencyScore)
	}
}

func TestInsights_DeepFailurePropagates(t *testing.T) {
	t.Parallel()
	deep := &analyzermock.Deep{InsightsErr: errors.New("llm down")}
	eng := NewInsights(deep, nil, nil)

	if _, err := eng.Compute(context.Background(), []analysis.Result{
		{Transcript: "a"}, {Transcript: "b"},
	}); err == nil {
		t.Fatal("Compute() expected error when deep analyzer fails")
	}
}

func TestInsights_TooShortHistory(t *testing.T) {
	t.Parallel()
	eng := NewInsights(&analyzermock.Deep{}, nil, nil)
	if _, err := eng.Compute(context.Background(), []analysis.Result{{Transcript: "solo"}}); err == nil {
		t.Fatal("Compute() expected error for single-turn history")
	}
}
