// Package mock provides test doubles for every analyzer interface in
// pkg/analyzer.
//
// Each mock returns its configured response fields and records every
// invocation so tests can assert on call order and arguments. Zero values for
// response fields cause methods to return zero values and nil errors; set the
// *Err fields to inject failures.
//
// All mocks are safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/candorlab/candor/pkg/analysis"
	"github.com/candorlab/candor/pkg/analyzer"
)

// Quality is a mock [analyzer.QualityAnalyzer].
type Quality struct {
	mu sync.Mutex

	// Report is returned by AnalyzeQuality. Nil with a nil Err returns a
	// zero-value block.
	Report *analysis.AudioQuality

	// Err, if non-nil, is returned instead of Report.
	Err error

	// Calls records the clips passed to AnalyzeQuality, in order.
	Calls []analyzer.Clip
}

var _ analyzer.QualityAnalyzer = (*Quality)(nil)

func (m *Quality) AnalyzeQuality(_ context.Context, clip analyzer.Clip) (*analysis.AudioQuality, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, clip)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Report == nil {
		return &analysis.AudioQuality{}, nil
	}
	return m.Report, nil
}

// Transcriber is a mock [analyzer.Transcriber].
type Transcriber struct {
	mu sync.Mutex

	// Result is returned by Transcribe.
	Result *analyzer.Transcript

	// Err, if non-nil, is returned instead of Result.
	Err error

	// Calls records the clips passed to Transcribe, in order.
	Calls []analyzer.Clip
}

var _ analyzer.Transcriber = (*Transcriber)(nil)

func (m *Transcriber) Transcribe(_ context.Context, clip analyzer.Clip) (*analyzer.Transcript, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, clip)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Result == nil {
		return &analyzer.Transcript{}, nil
	}
	return m.Result, nil
}

// Deep is a mock [analyzer.DeepAnalyzer].
//
// AnalyzeErrs allows per-attempt error injection for retry tests: attempt i
// returns AnalyzeErrs[i] while i is in range, then falls through to Err /
// Analysis. Leave AnalyzeErrs nil for the simple single-response behaviour.
type Deep struct {
	mu sync.Mutex

	// Analysis is returned by Analyze once error injection is exhausted.
	Analysis *analysis.DeepAnalysis

	// Err, if non-nil, is returned by every Analyze call after AnalyzeErrs.
	Err error

	// AnalyzeErrs injects one error per attempt, consumed in order.
	AnalyzeErrs []error

	// Insights is returned by SessionInsights.
	Insights *analysis.SessionInsights

	// InsightsErr, if non-nil, is returned instead of Insights.
	InsightsErr error

	// AnalyzeCalls records every Analyze request, in order.
	AnalyzeCalls []analyzer.DeepRequest

	// InsightsCalls records the history length of every SessionInsights call.
	InsightsCalls []int
}

var _ analyzer.DeepAnalyzer = (*Deep)(nil)

func (m *Deep) Analyze(_ context.Context, req analyzer.DeepRequest) (*analysis.DeepAnalysis, error) {
	m.mu.Lock()
	m.AnalyzeCalls = append(m.AnalyzeCalls, req)
	attempt := len(m.AnalyzeCalls) - 1
	var injected error
	if attempt < len(m.AnalyzeErrs) {
		injected = m.AnalyzeErrs[attempt]
	}
	m.mu.Unlock()

	if injected != nil {
		return nil, injected
	}
	if attempt >= len(m.AnalyzeErrs) && m.Err != nil {
		return nil, m.Err
	}
	if m.Analysis == nil {
		return &analysis.DeepAnalysis{}, nil
	}
	return m.Analysis, nil
}

func (m *Deep) SessionInsights(_ context.Context, history []analysis.Result) (*analysis.SessionInsights, error) {
	m.mu.Lock()
	m.InsightsCalls = append(m.InsightsCalls, len(history))
	m.mu.Unlock()
	if m.InsightsErr != nil {
		return nil, m.InsightsErr
	}
	if m.Insights == nil {
		return &analysis.SessionInsights{}, nil
	}
	return m.Insights, nil
}

// Emotion is a mock [analyzer.EmotionAnalyzer].
type Emotion struct {
	mu sync.Mutex

	// Scores is returned by AnalyzeEmotion.
	Scores []analysis.EmotionScore

	// Err, if non-nil, is returned instead of Scores.
	Err error

	// Calls records the transcripts passed to AnalyzeEmotion, in order.
	Calls []string
}

var _ analyzer.EmotionAnalyzer = (*Emotion)(nil)

func (m *Emotion) AnalyzeEmotion(_ context.Context, _ analyzer.Clip, transcript string) ([]analysis.EmotionScore, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, transcript)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Scores, nil
}

// Linguistic is a mock [analyzer.LinguisticAnalyzer].
type Linguistic struct {
	mu sync.Mutex

	// Features is returned by AnalyzeLinguistic.
	Features *analysis.LinguisticFeatures

	// Err, if non-nil, is returned instead of Features.
	Err error

	// Calls records the transcripts passed to AnalyzeLinguistic, in order.
	Calls []string
}

var _ analyzer.LinguisticAnalyzer = (*Linguistic)(nil)

func (m *Linguistic) AnalyzeLinguistic(_ context.Context, transcript string, _ float64) (*analysis.LinguisticFeatures, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, transcript)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Features == nil {
		return &analysis.LinguisticFeatures{}, nil
	}
	return m.Features, nil
}
