// Package deep implements the LLM-backed deep credibility analyzer.
//
// The analyzer builds a fixed prompt around the transcript, requests a JSON
// document from the configured [llm.Provider], and parses the loosely-typed
// response into [analysis.DeepAnalysis]. Models routinely omit fields, wrap
// JSON in markdown fences, or return scores as strings; all of that is
// absorbed here — no untyped blob ever leaves this package, and missing
// fields surface as zero values for the aggregator to normalise.
//
// The same provider also powers cross-turn session insights: the accumulated
// history is digested into a bounded context block and the model is asked for
// trend conclusions along four axes.
package deep

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/candorlab/candor/pkg/analysis"
	"github.com/candorlab/candor/pkg/analyzer"
	"github.com/candorlab/candor/pkg/provider/llm"
)

const (
	// analysisTemperature keeps assessments near-deterministic.
	analysisTemperature = 0.1

	// maxResponseTokens bounds the model's JSON document.
	maxResponseTokens = 2048

	// historyTokenBudget caps how much session history is packed into an
	// insight prompt, leaving room for the response within small context
	// windows.
	historyTokenBudget = 6000
)

const analysisSystemPrompt = `You are a forensic statement analyst. Assess the credibility of the transcribed speech below.
Respond with a single JSON object and nothing else, using this shape:
{
  "credibility_score": <0-100>,
  "confidence_level": "low"|"medium"|"high"|"very_high",
  "risk_assessment": {"overall_risk": "low"|"moderate"|"high"|"critical", "risk_factors": [..], "mitigation_suggestions": [..]},
  "speaker_red_flags": [{"speaker": "speaker_1", "flags": [..]}],
  "manipulation": {"score": <0-100>, "summary": "...", "indicators": [..]},
  "argument": {"score": <0-100>, "summary": "...", "indicators": [..]},
  "attitude": {"score": <0-100>, "summary": "...", "indicators": [..]},
  "recommendations": [..],
  "enhanced_understanding": {"inconsistencies": [..], "evasive_areas": [..], "follow_up_questions": [..], "unverified_claims": [..]}
}`

const insightsSystemPrompt = `You are a forensic statement analyst reviewing a multi-turn conversation. Compare the LATEST turn against the prior turns.
Respond with a single JSON object and nothing else:
{
  "consistency_analysis": "agreement of stated facts and topics across turns",
  "behavioral_evolution": "how linguistic and behavioural indicators changed turn over turn",
  "risk_trajectory": "rising"|"falling"|"stable",
  "conversation_dynamics": "overall conversational pattern"
}`

var _ analyzer.DeepAnalyzer = (*Analyzer)(nil)

// Option is a functional option for configuring an Analyzer.
type Option func(*Analyzer)

// WithMaxResponseTokens overrides the completion-length cap. Default 2048.
func WithMaxResponseTokens(n int) Option {
	return func(a *Analyzer) { a.maxTokens = n }
}

// WithHistoryTokenBudget overrides the token budget for session history in
// insight prompts. Default 6000.
func WithHistoryTokenBudget(n int) Option {
	return func(a *Analyzer) { a.historyBudget = n }
}

// Analyzer implements [analyzer.DeepAnalyzer] over any [llm.Provider].
// Safe for concurrent use.
type Analyzer struct {
	provider      llm.Provider
	maxTokens     int
	historyBudget int
}

// New creates an Analyzer backed by provider.
func New(provider llm.Provider, opts ...Option) *Analyzer {
	a := &Analyzer{
		provider:      provider,
		maxTokens:     maxResponseTokens,
		historyBudget: historyTokenBudget,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Analyze implements [analyzer.DeepAnalyzer].
func (a *Analyzer) Analyze(ctx context.Context, req analyzer.DeepRequest) (*analysis.DeepAnalysis, error) {
	resp, err := a.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: analysisSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: buildAnalysisPrompt(req)},
		},
		Temperature: analysisTemperature,
		MaxTokens:   a.maxTokens,
		JSONOnly:    a.provider.Capabilities().SupportsJSONMode,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("deep: completion: %w", err))
	}

	var loose looseDeep
	if err := unmarshalLLMJSON(resp.Content, &loose); err != nil {
		// A malformed document is a model hiccup, not a config problem.
		return nil, analyzer.Transient(fmt.Errorf("deep: parse response: %w", err))
	}
	return loose.typed(), nil
}

// SessionInsights implements [analyzer.DeepAnalyzer].
func (a *Analyzer) SessionInsights(ctx context.Context, history []analysis.Result) (*analysis.SessionInsights, error) {
	if len(history) < 2 {
		return nil, fmt.Errorf("deep: session insights need at least 2 results, have %d", len(history))
	}

	resp, err := a.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: insightsSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: a.buildHistoryDigest(history)},
		},
		Temperature: analysisTemperature,
		MaxTokens:   a.maxTokens,
		JSONOnly:    a.provider.Capabilities().SupportsJSONMode,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("deep: insights completion: %w", err))
	}

	var loose looseInsights
	if err := unmarshalLLMJSON(resp.Content, &loose); err != nil {
		return nil, analyzer.Transient(fmt.Errorf("deep: parse insights response: %w", err))
	}
	return &analysis.SessionInsights{
		ConsistencyAnalysis:  loose.ConsistencyAnalysis,
		BehavioralEvolution:  loose.BehavioralEvolution,
		RiskTrajectory:       loose.RiskTrajectory,
		ConversationDynamics: loose.ConversationDynamics,
	}, nil
}

// buildAnalysisPrompt renders the user message for a single-clip assessment.
func buildAnalysisPrompt(req analyzer.DeepRequest) string {
	var sb strings.Builder
	if req.Quality != nil {
		fmt.Fprintf(&sb, "Audio context: %.1fs clip, quality score %.0f/100, loudness %.2f.\n\n",
			req.Quality.Duration, req.Quality.QualityScore, req.Quality.Loudness)
	}
	if len(req.Speakers) > 0 {
		sb.WriteString("Transcript by speaker:\n")
		for speaker, lines := range req.Speakers {
			for _, line := range lines {
				fmt.Fprintf(&sb, "[%s] %s\n", speaker, line)
			}
		}
	} else {
		sb.WriteString("Transcript:\n")
		sb.WriteString(req.Transcript)
	}
	return sb.String()
}

// buildHistoryDigest renders the session history newest-last, dropping the
// oldest turns when the digest exceeds the token budget.
func (a *Analyzer) buildHistoryDigest(history []analysis.Result) string {
	render := func(from int) string {
		var sb strings.Builder
		for i := from; i < len(history); i++ {
			r := history[i]
			label := fmt.Sprintf("Turn %d", i+1)
			if i == len(history)-1 {
				label = fmt.Sprintf("Turn %d (LATEST)", i+1)
			}
			fmt.Fprintf(&sb, "%s: %s\n", label, r.Transcript)
			if r.DeepAnalysis != nil {
				fmt.Fprintf(&sb, "  credibility=%.0f risk=%s\n",
					r.DeepAnalysis.CredibilityScore, r.DeepAnalysis.RiskAssessment.OverallRisk)
			}
		}
		return sb.String()
	}

	from := 0
	for from < len(history)-2 {
		digest := render(from)
		n, err := a.provider.CountTokens([]llm.Message{{Role: "user", Content: digest}})
		if err != nil || n <= a.historyBudget {
			break
		}
		from++
	}
	return render(from)
}

// classify marks provider failures that are worth a retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout", "deadline", "rate limit", "rate_limit", "429",
		"500", "502", "503", "overloaded", "connection refused", "temporarily",
	} {
		if strings.Contains(msg, marker) {
			return analyzer.Transient(err)
		}
	}
	return err
}

// ─── loose response parsing ──────────────────────────────────────────────────

// flexFloat unmarshals a JSON number or a numeric string. Models flip between
// the two representations freely.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("numeric field: %w", err)
	}
	*f = flexFloat(v)
	return nil
}

// looseSub mirrors analysis.SubAssessment with every field optional.
type looseSub struct {
	Score      flexFloat `json:"score"`
	Summary    string    `json:"summary"`
	Indicators []string  `json:"indicators"`
}

func (s looseSub) typed() analysis.SubAssessment {
	return analysis.SubAssessment{
		Score:      float64(s.Score),
		Summary:    s.Summary,
		Indicators: s.Indicators,
	}
}

// looseDeep mirrors the full model response with every field optional.
type looseDeep struct {
	CredibilityScore flexFloat `json:"credibility_score"`
	ConfidenceLevel  string    `json:"confidence_level"`
	RiskAssessment   struct {
		OverallRisk           string   `json:"overall_risk"`
		RiskFactors           []string `json:"risk_factors"`
		MitigationSuggestions []string `json:"mitigation_suggestions"`
	} `json:"risk_assessment"`
	SpeakerRedFlags []struct {
		Speaker string   `json:"speaker"`
		Flags   []string `json:"flags"`
	} `json:"speaker_red_flags"`
	Manipulation          looseSub `json:"manipulation"`
	Argument              looseSub `json:"argument"`
	Attitude              looseSub `json:"attitude"`
	Recommendations       []string `json:"recommendations"`
	EnhancedUnderstanding struct {
		Inconsistencies   []string `json:"inconsistencies"`
		EvasiveAreas      []string `json:"evasive_areas"`
		FollowUpQuestions []string `json:"follow_up_questions"`
		UnverifiedClaims  []string `json:"unverified_claims"`
	} `json:"enhanced_understanding"`
}

func (d looseDeep) typed() *analysis.DeepAnalysis {
	out := &analysis.DeepAnalysis{
		CredibilityScore: float64(d.CredibilityScore),
		ConfidenceLevel:  analysis.ConfidenceLevel(strings.ToLower(d.ConfidenceLevel)),
		RiskAssessment: analysis.RiskAssessment{
			OverallRisk:           analysis.RiskLevel(strings.ToLower(d.RiskAssessment.OverallRisk)),
			RiskFactors:           d.RiskAssessment.RiskFactors,
			MitigationSuggestions: d.RiskAssessment.MitigationSuggestions,
		},
		Manipulation:    d.Manipulation.typed(),
		Argument:        d.Argument.typed(),
		Attitude:        d.Attitude.typed(),
		Recommendations: d.Recommendations,
		EnhancedUnderstanding: analysis.EnhancedUnderstanding{
			Inconsistencies:   d.EnhancedUnderstanding.Inconsistencies,
			EvasiveAreas:      d.EnhancedUnderstanding.EvasiveAreas,
			FollowUpQuestions: d.EnhancedUnderstanding.FollowUpQuestions,
			UnverifiedClaims:  d.EnhancedUnderstanding.UnverifiedClaims,
		},
	}
	for _, sf := range d.SpeakerRedFlags {
		out.SpeakerRedFlags = append(out.SpeakerRedFlags, analysis.SpeakerFlags{
			Speaker: sf.Speaker,
			Flags:   sf.Flags,
		})
	}
	return out
}

type looseInsights struct {
	ConsistencyAnalysis  string `json:"consistency_analysis"`
	BehavioralEvolution  string `json:"behavioral_evolution"`
	RiskTrajectory       string `json:"risk_trajectory"`
	ConversationDynamics string `json:"conversation_dynamics"`
}

// unmarshalLLMJSON extracts the first JSON object from content and decodes it
// into v. Markdown fences and prose around the object are tolerated.
func unmarshalLLMJSON(content string, v any) error {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in %d-byte response", len(content))
	}
	return json.Unmarshal([]byte(content[start:end+1]), v)
}
